package model

import (
	"time"

	"gorm.io/datatypes"
)

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// TurnKind 区分一轮消息携带的元数据变体。
type TurnKind int

const (
	TurnPlain TurnKind = iota
	TurnAttachment
	TurnSearch
	TurnError
)

func (k TurnKind) String() string {
	switch k {
	case TurnAttachment:
		return "attachment"
	case TurnSearch:
		return "search"
	case TurnError:
		return "error"
	default:
		return "plain"
	}
}

// Attachment 描述用户消息附带的文件。Text 为已提取的文本内容，图片以 data URL 存放在 URL 中。
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Text     string `json:"text,omitempty"`
}

// IsImage 判断附件是否为图片。
func (a Attachment) IsImage() bool {
	return len(a.MimeType) > 6 && a.MimeType[:6] == "image/"
}

// SearchResult 是联网搜索返回的一条结果。
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// MessageMetadata 是消息的类型化元数据，以 JSON 存储。
type MessageMetadata struct {
	StreamingComplete bool   `json:"streamingComplete,omitempty"`
	Regenerated       bool   `json:"regenerated,omitempty"`
	Error             bool   `json:"error,omitempty"`
	Deleted           bool   `json:"deleted,omitempty"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
	ProcessingTime    int64  `json:"processingTime,omitempty"` // 毫秒
	Provider          string `json:"provider,omitempty"`
	Model             string `json:"model,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	SearchResults  []SearchResult `json:"searchResults,omitempty"`
	SearchQuery    string         `json:"searchQuery,omitempty"`
	SearchProvider string         `json:"searchProvider,omitempty"`
	// EnhancedContent 是发给模型的增强内容，消息 Content 保存的是展示内容
	EnhancedContent string `json:"enhancedContent,omitempty"`

	OriginalStreamID string `json:"originalStreamId,omitempty"`
	CurrentStreamID  string `json:"currentStreamId,omitempty"`
	ResumedFromChunk *int   `json:"resumedFromChunk,omitempty"`
}

// Kind 返回元数据所属的变体。错误优先，其次是附件、搜索增强。
func (m MessageMetadata) Kind() TurnKind {
	switch {
	case m.Error:
		return TurnError
	case len(m.Attachments) > 0:
		return TurnAttachment
	case m.EnhancedContent != "" || len(m.SearchResults) > 0:
		return TurnSearch
	default:
		return TurnPlain
	}
}

// Message 对应 messages 表。Seq 在会话内单调递增，用于稳定排序。
type Message struct {
	ID             string                              `gorm:"type:varchar(36);primaryKey" json:"id"`
	ConversationID string                              `gorm:"type:varchar(36);not null;index:idx_conv_seq,priority:1" json:"conversationId"`
	Seq            int64                               `gorm:"not null;index:idx_conv_seq,priority:2" json:"seq"`
	Role           string                              `gorm:"type:varchar(16);not null" json:"role"`
	Content        string                              `gorm:"type:longtext" json:"content"`
	UserID         uint                                `gorm:"index;not null" json:"userId"`
	Model          *string                             `gorm:"type:varchar(128)" json:"model"`
	TokenCount     int                                 `gorm:"not null;default:0" json:"tokenCount"`
	Metadata       datatypes.JSONType[MessageMetadata] `json:"metadata"`
	CreatedAt      time.Time                           `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time                           `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Message) TableName() string {
	return "messages"
}

// Meta 返回消息元数据的副本。
func (m *Message) Meta() MessageMetadata {
	return m.Metadata.Data()
}

// SetMeta 替换消息元数据。
func (m *Message) SetMeta(meta MessageMetadata) {
	m.Metadata = datatypes.NewJSONType(meta)
}
