package service

import (
	"context"
	"strings"

	"polychat-go/internal/model"
	"polychat-go/pkg/log"
)

// MessageIndex 是消息全文索引的最小接口，由 es.MessageIndex 实现。
type MessageIndex interface {
	IndexMessages(ctx context.Context, docs ...model.MessageDocument) error
	Search(ctx context.Context, userID uint, query string, size int) ([]model.MessageSearchHit, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// SearchService 提供跨会话的消息检索，并负责维护索引。
type SearchService interface {
	ExchangeIndexer
	Search(ctx context.Context, user *model.User, query string, size int) ([]model.MessageSearchHit, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

type searchService struct {
	index MessageIndex
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(index MessageIndex) SearchService {
	return &searchService{index: index}
}

// IndexExchange 以一次 bulk 请求写入一轮问答。
func (s *searchService) IndexExchange(ctx context.Context, userMsg, assistantMsg *model.Message) error {
	docs := make([]model.MessageDocument, 0, 2)
	for _, m := range []*model.Message{userMsg, assistantMsg} {
		if m == nil || strings.TrimSpace(m.Content) == "" {
			continue
		}
		doc := model.MessageDocument{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			UserID:         m.UserID,
			Role:           m.Role,
			Content:        m.Content,
			CreatedAt:      m.CreatedAt,
		}
		if m.Model != nil {
			doc.Model = *m.Model
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil
	}
	return s.index.IndexMessages(ctx, docs...)
}

func (s *searchService) Search(ctx context.Context, user *model.User, query string, size int) ([]model.MessageSearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, validationError("query is required")
	}
	if size <= 0 || size > 50 {
		size = 10
	}
	log.Infof("[SearchService] 检索消息, user=%d query=%q size=%d", user.ID, query, size)
	return s.index.Search(ctx, user.ID, query, size)
}

func (s *searchService) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.index.DeleteConversation(ctx, conversationID)
}
