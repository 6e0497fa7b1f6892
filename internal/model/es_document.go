// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// MessageDocument 代表存储在 Elasticsearch 中的一条消息，用于全文检索。
type MessageDocument struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         uint      `json:"user_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Model          string    `json:"model,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageSearchHit 是返回给前端的搜索结果。
type MessageSearchHit struct {
	MessageID      string  `json:"messageId"`
	ConversationID string  `json:"conversationId"`
	Role           string  `json:"role"`
	Snippet        string  `json:"snippet"`
	Score          float64 `json:"score"`
}
