package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/pkg/llm"
	"polychat-go/pkg/log"
)

const (
	titleTimeout   = 30 * time.Second
	titleMaxRunes  = 100
	titleMaxSource = 2000
)

// TitleService 为新会话生成标题。
type TitleService interface {
	TitleGenerator
	Generate(ctx context.Context, conv model.Conversation, modelID string, user *model.User, userContent, assistantContent string) (string, error)
}

type titleService struct {
	gateway       llm.Gateway
	conversations repository.ConversationRepository
	model         string
	placeholder   string
	group         singleflight.Group
}

// NewTitleService 创建标题生成器。titleModel 为空时沿用本轮对话的模型。
func NewTitleService(gateway llm.Gateway, conversations repository.ConversationRepository, titleModel, placeholder string) TitleService {
	return &titleService{gateway: gateway, conversations: conversations, model: titleModel, placeholder: placeholder}
}

// GenerateAsync 在后台为会话生成标题，同一会话的并发请求会被合并。
func (t *titleService) GenerateAsync(conv model.Conversation, modelID string, user *model.User, userContent, assistantContent string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()
		if _, err, _ := t.group.Do(conv.ID, func() (interface{}, error) {
			return t.Generate(ctx, conv, modelID, user, userContent, assistantContent)
		}); err != nil {
			log.Warnf("[TitleService] 生成标题失败, conversation=%s: %v", conv.ID, err)
		}
	}()
}

// Generate 同步生成并保存标题。
func (t *titleService) Generate(ctx context.Context, conv model.Conversation, modelID string, user *model.User, userContent, assistantContent string) (string, error) {
	if t.model != "" {
		modelID = t.model
	}
	prompt := []llm.Message{
		{Role: llm.RoleUser, Content: truncateRunes(userContent, titleMaxSource)},
		{Role: llm.RoleAssistant, Content: truncateRunes(assistantContent, titleMaxSource)},
		{Role: llm.RoleUser, Content: "Based on the above conversation, generate a short title (3-8 words). Reply with the title only."},
	}
	cc := llm.CompletionContext{UserID: user.ID, ConversationID: conv.ID}
	raw, err := t.gateway.Complete(ctx, prompt, modelID, cc)
	if err != nil {
		return "", err
	}
	title := cleanTitle(raw, t.placeholder)
	if title == t.placeholder {
		return title, nil
	}
	if err := t.conversations.UpdateTitle(ctx, conv.ID, title); err != nil {
		return "", err
	}
	log.Infof("[TitleService] 会话标题已更新, conversation=%s title=%q", conv.ID, title)
	return title, nil
}

// cleanTitle 去掉首尾空白、引号与多余的行，并限制长度。
func cleanTitle(title, fallback string) string {
	title = strings.TrimSpace(title)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimPrefix(title, "Title:")
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), "\"'*#`"))
	if utf8.RuneCountInString(title) > titleMaxRunes {
		title = truncateRunes(title, titleMaxRunes) + "..."
	}
	if title == "" {
		return fallback
	}
	return title
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
