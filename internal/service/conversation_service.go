package service

import (
	"context"
	"fmt"
	"strings"

	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/pkg/log"
	"polychat-go/pkg/token"
)

// ConversationDetail 是会话及其全部消息。
type ConversationDetail struct {
	Conversation model.Conversation `json:"conversation"`
	Messages     []model.Message    `json:"messages"`
}

// ConversationService 定义了会话管理的业务逻辑。
type ConversationService interface {
	Create(ctx context.Context, user *model.User, title, modelID string) (*model.Conversation, error)
	List(ctx context.Context, user *model.User, page, size int) ([]model.Conversation, int64, error)
	Get(ctx context.Context, user *model.User, id string) (*ConversationDetail, error)
	Rename(ctx context.Context, user *model.User, id, title string) error
	Delete(ctx context.Context, user *model.User, id string) error
	// Share 生成（或复用）分享令牌。
	Share(ctx context.Context, user *model.User, id string) (string, error)
	Unshare(ctx context.Context, user *model.User, id string) error
	GetShared(ctx context.Context, shareToken string) (*model.SharedConversation, error)
}

type conversationService struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	search        SearchService
	placeholder   string
}

// NewConversationService 创建一个新的 ConversationService。search 可以为 nil。
func NewConversationService(conversations repository.ConversationRepository, messages repository.MessageRepository, search SearchService, placeholder string) ConversationService {
	return &conversationService{conversations: conversations, messages: messages, search: search, placeholder: placeholder}
}

func (s *conversationService) Create(ctx context.Context, user *model.User, title, modelID string) (*model.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = s.placeholder
	}
	conv := &model.Conversation{UserID: user.ID, Title: title, Model: modelID}
	if err := s.conversations.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (s *conversationService) List(ctx context.Context, user *model.User, page, size int) ([]model.Conversation, int64, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return s.conversations.ListByUser(ctx, user.ID, (page-1)*size, size)
}

func (s *conversationService) Get(ctx context.Context, user *model.User, id string) (*ConversationDetail, error) {
	conv, err := s.owned(ctx, user, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListByConversation(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	visible := msgs[:0]
	for _, m := range msgs {
		if !m.Meta().Deleted {
			visible = append(visible, m)
		}
	}
	return &ConversationDetail{Conversation: *conv, Messages: visible}, nil
}

func (s *conversationService) Rename(ctx context.Context, user *model.User, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return validationError("title is required")
	}
	if _, err := s.owned(ctx, user, id); err != nil {
		return err
	}
	return s.conversations.UpdateTitle(ctx, id, title)
}

func (s *conversationService) Delete(ctx context.Context, user *model.User, id string) error {
	if _, err := s.owned(ctx, user, id); err != nil {
		return err
	}
	if err := s.conversations.Delete(ctx, id); err != nil {
		return err
	}
	if s.search != nil {
		if err := s.search.DeleteConversation(ctx, id); err != nil {
			log.Warnf("[ConversationService] 删除会话索引失败, conversation=%s: %v", id, err)
		}
	}
	return nil
}

func (s *conversationService) Share(ctx context.Context, user *model.User, id string) (string, error) {
	conv, err := s.owned(ctx, user, id)
	if err != nil {
		return "", err
	}
	if conv.ShareToken != nil && *conv.ShareToken != "" {
		return *conv.ShareToken, nil
	}
	shareToken := token.GenerateRandomString(32)
	if err := s.conversations.SetShareToken(ctx, id, &shareToken); err != nil {
		return "", err
	}
	return shareToken, nil
}

func (s *conversationService) Unshare(ctx context.Context, user *model.User, id string) error {
	if _, err := s.owned(ctx, user, id); err != nil {
		return err
	}
	return s.conversations.SetShareToken(ctx, id, nil)
}

// GetShared 返回公开的只读会话，不包含失败或未完成的消息。
func (s *conversationService) GetShared(ctx context.Context, shareToken string) (*model.SharedConversation, error) {
	conv, err := s.conversations.FindByShareToken(ctx, shareToken)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, notFound("Shared conversation not found")
		}
		return nil, err
	}
	msgs, err := s.messages.ListByConversation(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	out := &model.SharedConversation{
		Title:     conv.Title,
		Model:     conv.Model,
		CreatedAt: model.LocalTime(conv.CreatedAt),
		Messages:  make([]model.SharedMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		meta := m.Meta()
		if meta.Deleted || meta.Error || m.Role == model.RoleSystem {
			continue
		}
		if m.Role == model.RoleAssistant && m.Content == "" {
			continue
		}
		sm := model.SharedMessage{Role: m.Role, Content: m.Content, CreatedAt: model.LocalTime(m.CreatedAt)}
		if m.Model != nil {
			sm.Model = *m.Model
		}
		out.Messages = append(out.Messages, sm)
	}
	return out, nil
}

func (s *conversationService) owned(ctx context.Context, user *model.User, id string) (*model.Conversation, error) {
	conv, err := s.conversations.FindByIDForUser(ctx, id, user.ID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, notFound("Conversation not found")
		}
		return nil, err
	}
	return conv, nil
}
