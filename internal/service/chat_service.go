// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"polychat-go/internal/config"
	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/pkg/llm"
	"polychat-go/pkg/metrics"
	"polychat-go/pkg/tasks"
)

// EventType 是推送给客户端的流事件类型。
type EventType string

const (
	EventContent   EventType = "content"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
	EventResumed   EventType = "resumed"
)

// Event 是一条 SSE/WebSocket 事件。终止事件总是携带 messageId 与 streamId。
type Event struct {
	Type             EventType `json:"type"`
	Content          string    `json:"content,omitempty"`
	ConversationID   string    `json:"conversationId,omitempty"`
	MessageID        string    `json:"messageId,omitempty"`
	UserMessageID    string    `json:"userMessageId,omitempty"`
	StreamID         string    `json:"streamId,omitempty"`
	ChunkIndex       *int      `json:"chunkIndex,omitempty"`
	TotalTokens      int       `json:"totalTokens,omitempty"`
	ProcessingTime   int64     `json:"processingTime,omitempty"`
	FinalChunkIndex  *int      `json:"finalChunkIndex,omitempty"`
	ResumedFromChunk *int      `json:"resumedFromChunk,omitempty"`
	OriginalStreamID string    `json:"originalStreamId,omitempty"`
	ExistingContent  string    `json:"existingContent,omitempty"`
	Model            string    `json:"model,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// EventSink 接收流事件。返回错误表示客户端已断开。
type EventSink interface {
	Send(ev Event) error
}

// SendRequest 是 /chat/send 的请求体。
type SendRequest struct {
	ConversationID string `json:"conversationId"`
	// Content 是发给模型的内容，可能已经过搜索增强
	Content string `json:"content"`
	Model   string `json:"model"`
	// DisplayContent 是展示给用户并保存的内容，为空时与 Content 相同
	DisplayContent string               `json:"displayContent,omitempty"`
	SearchResults  []model.SearchResult `json:"searchResults,omitempty"`
	SearchQuery    string               `json:"searchQuery,omitempty"`
	SearchProvider string               `json:"searchProvider,omitempty"`
	Attachments    []model.Attachment   `json:"attachments,omitempty"`
	// RetryMessageID 非空时由 handler 转交给 SendRetryTurn
	RetryMessageID string `json:"retryMessageId,omitempty"`
}

// RetryRequest 是 /chat/retry 的请求体。
type RetryRequest struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Model          string `json:"model"`
}

// ResumeRequest 是 /chat/resume 的请求体。
type ResumeRequest struct {
	StreamID         string `json:"streamId"`
	FromChunkIndex   int    `json:"fromChunkIndex"`
	ConversationID   string `json:"conversationId"`
	MessageID        string `json:"messageId"`
	Model            string `json:"model"`
	LastKnownContent string `json:"lastKnownContent"`
}

// ChatService 定义了流式对话的三个入口，它们共用同一个流式状态机。
type ChatService interface {
	SendNewTurn(ctx context.Context, user *model.User, req SendRequest, sink EventSink) error
	SendRetryTurn(ctx context.Context, user *model.User, req RetryRequest, sink EventSink) error
	Resume(ctx context.Context, user *model.User, req ResumeRequest, sink EventSink) error
	// GetStream 返回属于 user 的流状态，用于客户端重连时查询进度。
	GetStream(ctx context.Context, user *model.User, streamID string) (*model.StreamState, error)
}

// UsagePublisher 发布每轮对话的用量事件。
type UsagePublisher interface {
	PublishUsage(ctx context.Context, event tasks.UsageEvent) error
}

// ExchangeIndexer 将完成的一轮问答写入检索索引。
type ExchangeIndexer interface {
	IndexExchange(ctx context.Context, userMsg, assistantMsg *model.Message) error
}

// TitleGenerator 在会话仍为占位标题时异步生成标题。
type TitleGenerator interface {
	GenerateAsync(conv model.Conversation, modelID string, user *model.User, userContent, assistantContent string)
}

// ChatDeps 汇总 ChatService 的依赖。Titles、Usage、Indexer、Extractor、Metrics 可以为 nil。
type ChatDeps struct {
	Messages      repository.MessageRepository
	Conversations repository.ConversationRepository
	Streams       repository.StreamStateRepository
	Gateway       llm.Gateway
	Titles        TitleGenerator
	Usage         UsagePublisher
	Indexer       ExchangeIndexer
	Extractor     TextExtractor
	Metrics       *metrics.Metrics
	Config        config.ChatConfig
	SystemPrompt  string
}

type chatService struct {
	ChatDeps
	now func() time.Time
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(deps ChatDeps) ChatService {
	def := config.DefaultChatConfig()
	if deps.Config.HistoryLimit <= 0 {
		deps.Config.HistoryLimit = def.HistoryLimit
	}
	if deps.Config.CheckpointEvery <= 0 {
		deps.Config.CheckpointEvery = def.CheckpointEvery
	}
	if deps.Config.CheckpointInterval <= 0 {
		deps.Config.CheckpointInterval = def.CheckpointInterval
	}
	if deps.Config.TitlePlaceholder == "" {
		deps.Config.TitlePlaceholder = def.TitlePlaceholder
	}
	return &chatService{ChatDeps: deps, now: time.Now}
}

// SendNewTurn 保存新的用户消息与空的助手占位消息，然后开始流式生成。
func (s *chatService) SendNewTurn(ctx context.Context, user *model.User, req SendRequest, sink EventSink) error {
	if strings.TrimSpace(req.ConversationID) == "" || strings.TrimSpace(req.Model) == "" {
		return validationError("conversationId and model are required")
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return validationError("content or attachments are required")
	}
	conv, err := s.ownedConversation(ctx, req.ConversationID, user.ID)
	if err != nil {
		return err
	}
	md, pd, err := s.resolveModel(ctx, req.Model, user, conv.ID)
	if err != nil {
		return err
	}

	display := req.DisplayContent
	if display == "" {
		display = req.Content
	}
	userMeta := model.MessageMetadata{
		Attachments:    s.extractAttachments(ctx, req.Attachments),
		SearchResults:  req.SearchResults,
		SearchQuery:    req.SearchQuery,
		SearchProvider: req.SearchProvider,
	}
	if display != req.Content {
		userMeta.EnhancedContent = req.Content
	}
	userMsg := &model.Message{
		ConversationID: conv.ID,
		Role:           model.RoleUser,
		Content:        display,
		UserID:         user.ID,
	}
	userMsg.SetMeta(userMeta)
	if err := s.Messages.Create(ctx, userMsg); err != nil {
		return fmt.Errorf("failed to save user message: %w", err)
	}

	baseMeta := model.MessageMetadata{
		Provider:       pd.Name,
		Model:          md.ID,
		SearchResults:  req.SearchResults,
		SearchQuery:    req.SearchQuery,
		SearchProvider: req.SearchProvider,
	}
	modelID := md.ID
	placeholder := &model.Message{
		ConversationID: conv.ID,
		Role:           model.RoleAssistant,
		UserID:         user.ID,
		Model:          &modelID,
	}
	placeholder.SetMeta(baseMeta)
	if err := s.Messages.Create(ctx, placeholder); err != nil {
		s.compensate(ctx, "placeholder creation failed", userMsg.ID)
		return fmt.Errorf("failed to save assistant placeholder: %w", err)
	}

	history, err := s.buildHistory(ctx, conv.ID, placeholder.Seq)
	if err != nil {
		s.compensate(ctx, "context building failed", userMsg.ID, placeholder.ID)
		return fmt.Errorf("failed to build context: %w", err)
	}

	return s.runStream(ctx, &streamRun{
		kind:       turnSend,
		user:       user,
		conv:       conv,
		assistant:  placeholder,
		userMsg:    userMsg,
		model:      md,
		provider:   pd,
		history:    history,
		meta:       baseMeta,
		streamID:   newStreamID(conv.ID, placeholder.ID),
		compensate: []string{userMsg.ID, placeholder.ID},
	}, sink)
}

// SendRetryTurn 清空目标助手消息并在原位置重新生成，用户消息保持不变。
func (s *chatService) SendRetryTurn(ctx context.Context, user *model.User, req RetryRequest, sink EventSink) error {
	if req.ConversationID == "" || req.MessageID == "" || req.Model == "" {
		return validationError("conversationId, messageId and model are required")
	}
	conv, err := s.ownedConversation(ctx, req.ConversationID, user.ID)
	if err != nil {
		return err
	}
	md, pd, err := s.resolveModel(ctx, req.Model, user, conv.ID)
	if err != nil {
		return err
	}

	target, err := s.Messages.FindByID(ctx, req.MessageID)
	if err != nil || target.ConversationID != conv.ID || target.Role != model.RoleAssistant {
		if err != nil && !repository.IsNotFound(err) {
			return fmt.Errorf("failed to load message: %w", err)
		}
		return notFound("Assistant message to retry not found")
	}
	userMsg, err := s.Messages.FindPrecedingUser(ctx, conv.ID, target.Seq)
	if err != nil {
		if repository.IsNotFound(err) {
			return notFound("User message for retry not found")
		}
		return fmt.Errorf("failed to load preceding user message: %w", err)
	}

	prev := target.Meta()
	meta := model.MessageMetadata{
		Regenerated:    true,
		Provider:       pd.Name,
		Model:          md.ID,
		SearchResults:  prev.SearchResults,
		SearchQuery:    prev.SearchQuery,
		SearchProvider: prev.SearchProvider,
	}
	if err := s.Messages.Reset(ctx, target.ID, meta); err != nil {
		return fmt.Errorf("failed to reset message: %w", err)
	}
	target.Content = ""
	target.TokenCount = 0
	target.SetMeta(meta)

	history, err := s.buildHistory(ctx, conv.ID, target.Seq)
	if err != nil {
		s.compensate(ctx, "context building failed", target.ID)
		return fmt.Errorf("failed to build context: %w", err)
	}

	return s.runStream(ctx, &streamRun{
		kind:       turnRetry,
		user:       user,
		conv:       conv,
		assistant:  target,
		userMsg:    userMsg,
		model:      md,
		provider:   pd,
		history:    history,
		meta:       meta,
		streamID:   newStreamID(conv.ID, target.ID),
		compensate: []string{target.ID},
	}, sink)
}

// Resume 在新的流 ID 下续写一条被中断的助手消息。
func (s *chatService) Resume(ctx context.Context, user *model.User, req ResumeRequest, sink EventSink) error {
	if req.StreamID == "" || req.ConversationID == "" || req.MessageID == "" || req.Model == "" {
		return validationError("streamId, conversationId, messageId and model are required")
	}
	if req.FromChunkIndex < 0 {
		return validationError("fromChunkIndex must not be negative")
	}
	conv, err := s.ownedConversation(ctx, req.ConversationID, user.ID)
	if err != nil {
		return err
	}
	md, pd, err := s.resolveModel(ctx, req.Model, user, conv.ID)
	if err != nil {
		return err
	}
	msg, err := s.Messages.FindByID(ctx, req.MessageID)
	if err != nil || msg.ConversationID != conv.ID || msg.Role != model.RoleAssistant {
		if err != nil && !repository.IsNotFound(err) {
			return fmt.Errorf("failed to load message: %w", err)
		}
		return notFound("Assistant message to resume not found")
	}

	prior, synthesized, err := s.locateStream(ctx, user, req, md, pd)
	if err != nil {
		return err
	}

	base := req.LastKnownContent
	if base == "" {
		base = prior.Content
	}
	history, err := s.buildResumeContext(ctx, conv.ID, msg, base)
	if err != nil {
		if repository.IsNotFound(err) {
			return notFound("User message preceding the assistant message not found")
		}
		return fmt.Errorf("failed to build resume context: %w", err)
	}
	// 合成的状态只在上下文构建成功后落库，避免留下孤立的未完成状态
	if synthesized {
		if err := s.Streams.Save(ctx, prior); err != nil {
			return fmt.Errorf("failed to save synthesized stream state: %w", err)
		}
	}

	from := req.FromChunkIndex
	meta := msg.Meta()
	meta.Error = false
	meta.Deleted = false
	meta.ErrorMessage = ""
	meta.Provider = pd.Name
	meta.Model = md.ID
	meta.OriginalStreamID = prior.StreamID
	meta.ResumedFromChunk = &from

	newID := newStreamID(conv.ID, msg.ID)
	return s.runStream(ctx, &streamRun{
		kind:           turnResume,
		user:           user,
		conv:           conv,
		assistant:      msg,
		model:          md,
		provider:       pd,
		history:        history,
		meta:           meta,
		streamID:       newID,
		baseContent:    base,
		baseTokens:     prior.TotalTokens,
		startIndex:     from,
		originalStream: prior.StreamID,
		originalPrompt: prior.OriginalPrompt,
		preamble: &Event{
			Type:             EventResumed,
			ConversationID:   conv.ID,
			MessageID:        msg.ID,
			StreamID:         newID,
			OriginalStreamID: prior.StreamID,
			ResumedFromChunk: &from,
			ExistingContent:  base,
		},
	}, sink)
}

// locateStream 依次按流 ID、(messageId, conversationId) 查找已有状态，都找不到时根据客户端内容合成一个暂停状态。
// 合成的状态尚未保存，由调用方决定何时落库。
func (s *chatService) locateStream(ctx context.Context, user *model.User, req ResumeRequest, md llm.ModelDescriptor, pd llm.ProviderDescriptor) (*model.StreamState, bool, error) {
	state, err := s.Streams.Get(ctx, req.StreamID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load stream state: %w", err)
	}
	if state != nil && !stateMatches(state, user.ID, req.ConversationID, req.MessageID) {
		return nil, false, notFound("stream not found")
	}
	if state == nil {
		incomplete, err := s.Streams.ListIncomplete(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("failed to list incomplete streams: %w", err)
		}
		for _, st := range incomplete {
			if stateMatches(st, user.ID, req.ConversationID, req.MessageID) {
				state = st
				break
			}
		}
	}
	if state != nil {
		return state, false, nil
	}

	now := s.now()
	state = &model.StreamState{
		StreamID:       req.StreamID,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		UserID:         user.ID,
		Content:        req.LastKnownContent,
		ChunkIndex:     req.FromChunkIndex,
		TotalTokens:    llm.EstimateTokens(req.LastKnownContent),
		StartTime:      now,
		IsPaused:       true,
		Model:          md.ID,
		Provider:       pd.Name,
	}
	state.Touch(now)
	return state, true, nil
}

func stateMatches(st *model.StreamState, userID uint, conversationID, messageID string) bool {
	return st.MessageID == messageID && st.ConversationID == conversationID && (st.UserID == 0 || st.UserID == userID)
}

func (s *chatService) GetStream(ctx context.Context, user *model.User, streamID string) (*model.StreamState, error) {
	state, err := s.Streams.Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.UserID != user.ID {
		return nil, notFound("stream not found")
	}
	return state, nil
}

func (s *chatService) ownedConversation(ctx context.Context, conversationID string, userID uint) (*model.Conversation, error) {
	conv, err := s.Conversations.FindByIDForUser(ctx, conversationID, userID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, notFound("Conversation not found")
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}

func (s *chatService) resolveModel(ctx context.Context, modelID string, user *model.User, conversationID string) (llm.ModelDescriptor, llm.ProviderDescriptor, error) {
	md, pd, err := s.Gateway.Resolve(ctx, modelID, s.completionContext(user, conversationID))
	if err != nil {
		if errors.Is(err, llm.ErrUnknownModel) || errors.Is(err, llm.ErrProviderNotConfigured) {
			return md, pd, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return md, pd, err
	}
	return md, pd, nil
}

func (s *chatService) completionContext(user *model.User, conversationID string) llm.CompletionContext {
	personalization := s.SystemPrompt
	if user.Personalization != "" {
		if personalization != "" {
			personalization += "\n\n"
		}
		personalization += user.Personalization
	}
	return llm.CompletionContext{UserID: user.ID, ConversationID: conversationID, Personalization: personalization}
}
