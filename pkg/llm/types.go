// Package llm provides a uniform streaming interface over multiple LLM providers.
package llm

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

// 角色常量
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// 内容分片类型
const (
	PartText  = "text"
	PartImage = "image"
)

var (
	// ErrUnknownModel 表示模型 ID 未在任何供应商中注册。
	ErrUnknownModel = errors.New("unknown model")
	// ErrProviderNotConfigured 表示模型所属的供应商缺少可用的凭证。
	ErrProviderNotConfigured = errors.New("provider not configured")
	// ErrTruncatedStream 表示上游连接在结束事件之前就关闭了。
	ErrTruncatedStream = errors.New("stream ended before completion event")
)

// ContentPart 是多模态消息中的一个分片。
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"` // data URL 或可公开访问的 URL
	MimeType string `json:"mimeType,omitempty"`
}

// Message 表示一条角色消息。Parts 非空时优先于 Content。
type Message struct {
	Role    string        `json:"role"`
	Content string        `json:"content"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// Text 返回消息的纯文本内容。
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Chunk 是流式补全中的一个单元。Error 非空时为终止分块，其余字段无意义。
type Chunk struct {
	Content    string
	TokenCount int
	Finished   bool
	// TotalTokens 为供应商在结束时报告的输出 token 总数，未知时为 0
	TotalTokens int
	Error       error
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// ModelDescriptor 描述一个可用模型。
type ModelDescriptor struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	ContextWindow int    `json:"contextWindow,omitempty"`
	MaxTokens     int    `json:"maxTokens,omitempty"`
	Vision        bool   `json:"vision"`
}

// ProviderDescriptor 描述一个供应商。
type ProviderDescriptor struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	HasKey      bool   `json:"hasKey"`
	KeyOptional bool   `json:"keyOptional"`
}

// CompletionContext 携带与请求相关的上下文信息。
type CompletionContext struct {
	UserID          uint
	ConversationID  string
	Personalization string
}

// Request 是发往具体供应商的请求。
type Request struct {
	Model    string
	Messages []Message
	APIKey   string
	Params   GenerationParams
}

// Provider 由各个上游 API 的适配器实现。
type Provider interface {
	// Stream 返回的通道按生成顺序产出分块，并在结束后关闭。上游错误以 Error 分块形式出现。
	Stream(ctx context.Context, req Request) <-chan Chunk
	// Complete 发起一次非流式调用。
	Complete(ctx context.Context, req Request) (string, error)
}

// EstimateTokens 粗略估算文本的 token 数（约 4 个字符一个 token）。
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := utf8.RuneCountInString(s) / 4
	if n == 0 {
		return 1
	}
	return n
}

// emit 向通道发送分块，ctx 取消时放弃发送。
func emit(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func contentChunk(s string) Chunk {
	return Chunk{Content: s, TokenCount: EstimateTokens(s)}
}
