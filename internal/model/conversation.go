// Package model 包含了应用的数据模型定义。
package model

import "time"

// Conversation 代表一个会话。Model 始终与最近一轮使用的模型保持一致。
type Conversation struct {
	ID         string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID     uint      `gorm:"index;not null" json:"userId"`
	Title      string    `gorm:"type:varchar(255);not null" json:"title"`
	Model      string    `gorm:"type:varchar(128)" json:"model"`
	ShareToken *string   `gorm:"type:varchar(64);uniqueIndex" json:"shareToken,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// SharedMessage 是公开分享页中的一条只读消息。
type SharedMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	CreatedAt LocalTime `json:"createdAt"`
}

// SharedConversation 是公开分享页的返回结构。
type SharedConversation struct {
	Title     string          `json:"title"`
	Model     string          `json:"model"`
	CreatedAt LocalTime       `json:"createdAt"`
	Messages  []SharedMessage `json:"messages"`
}
