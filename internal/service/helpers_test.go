package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"polychat-go/internal/config"
	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/pkg/database"
	"polychat-go/pkg/llm"
	"polychat-go/pkg/tasks"
)

const testModel = "gpt-4"

// scriptedProvider 按调用次数回放预设的分块序列。
type scriptedProvider struct {
	mu       sync.Mutex
	scripts  [][]llm.Chunk
	requests []llm.Request
	reply    string
}

func (p *scriptedProvider) Stream(_ context.Context, req llm.Request) <-chan llm.Chunk {
	p.mu.Lock()
	n := len(p.requests)
	p.requests = append(p.requests, req)
	script := p.scripts[len(p.scripts)-1]
	if n < len(p.scripts) {
		script = p.scripts[n]
	}
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(script))
	for _, c := range script {
		ch <- c
	}
	close(ch)
	return ch
}

func (p *scriptedProvider) Complete(_ context.Context, req llm.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.reply, nil
}

func (p *scriptedProvider) lastRequest() llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func text(s string) llm.Chunk {
	return llm.Chunk{Content: s, TokenCount: llm.EstimateTokens(s)}
}

func finished(total int) llm.Chunk {
	return llm.Chunk{Finished: true, TotalTokens: total}
}

// recordingSink 记录事件；failAfter >= 0 时，第 failAfter 次之后的写入返回错误。
type recordingSink struct {
	events    []Event
	failAfter int
	onEvent   func(Event)
}

func newSink() *recordingSink { return &recordingSink{failAfter: -1} }

func (s *recordingSink) Send(ev Event) error {
	if s.failAfter >= 0 && len(s.events) >= s.failAfter {
		return errors.New("broken pipe")
	}
	s.events = append(s.events, ev)
	if s.onEvent != nil {
		s.onEvent(ev)
	}
	return nil
}

func (s *recordingSink) ofType(t EventType) []Event {
	var out []Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSink) last() Event {
	return s.events[len(s.events)-1]
}

type recordingUsage struct {
	mu     sync.Mutex
	events []tasks.UsageEvent
}

func (u *recordingUsage) PublishUsage(_ context.Context, ev tasks.UsageEvent) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = append(u.events, ev)
	return nil
}

type recordingTitles struct {
	calls int
}

func (r *recordingTitles) GenerateAsync(model.Conversation, string, *model.User, string, string) {
	r.calls++
}

// brokenDelete 让 Delete 始终失败，用于验证补偿的第二步。
type brokenDelete struct {
	repository.MessageRepository
}

func (brokenDelete) Delete(context.Context, ...string) error {
	return errors.New("database is locked")
}

type harness struct {
	db       *gorm.DB
	messages repository.MessageRepository
	convs    repository.ConversationRepository
	streams  repository.StreamStateRepository
	provider *scriptedProvider
	gateway  *llm.Registry
	usage    *recordingUsage
	titles   *recordingTitles
	user     *model.User
	conv     *model.Conversation
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db := newTestDB(t)
	h := &harness{
		db:       db,
		messages: repository.NewMessageRepository(db),
		convs:    repository.NewConversationRepository(db),
		streams:  repository.NewMemoryStreamStateRepository(0),
		provider: &scriptedProvider{scripts: [][]llm.Chunk{{text("ok"), finished(0)}}},
		gateway:  llm.NewRegistry(nil),
		usage:    &recordingUsage{},
		titles:   &recordingTitles{},
	}
	require.NoError(t, h.gateway.Register(llm.ProviderDescriptor{Name: "openai", Type: "openai"}, h.provider, "sk-test",
		llm.ModelDescriptor{ID: testModel, Name: "GPT-4"}))

	h.user = &model.User{Username: "alice-" + uuid.NewString()[:8], Password: "x", Role: "USER"}
	require.NoError(t, repository.NewUserRepository(db).Create(ctx, h.user))
	h.conv = &model.Conversation{UserID: h.user.ID, Title: "New Chat"}
	require.NoError(t, h.convs.Create(ctx, h.conv))
	return h
}

func (h *harness) service(mutate ...func(*ChatDeps)) ChatService {
	deps := ChatDeps{
		Messages:      h.messages,
		Conversations: h.convs,
		Streams:       h.streams,
		Gateway:       h.gateway,
		Titles:        h.titles,
		Usage:         h.usage,
		Config:        config.DefaultChatConfig(),
	}
	for _, m := range mutate {
		m(&deps)
	}
	return NewChatService(deps)
}

func (h *harness) script(scripts ...[]llm.Chunk) {
	h.provider.scripts = scripts
}

// seedExchange 写入一轮已完成的问答，返回用户消息与助手消息。
func (h *harness) seedExchange(t *testing.T, question, answer string) (*model.Message, *model.Message) {
	t.Helper()
	ctx := context.Background()
	u := &model.Message{ConversationID: h.conv.ID, Role: model.RoleUser, Content: question, UserID: h.user.ID}
	require.NoError(t, h.messages.Create(ctx, u))
	m := testModel
	a := &model.Message{ConversationID: h.conv.ID, Role: model.RoleAssistant, Content: answer, UserID: h.user.ID, Model: &m}
	a.SetMeta(model.MessageMetadata{StreamingComplete: true, Provider: "openai", Model: testModel})
	require.NoError(t, h.messages.Create(ctx, a))
	return u, a
}

func (h *harness) count(t *testing.T) int64 {
	t.Helper()
	n, err := h.messages.CountByConversation(context.Background(), h.conv.ID)
	require.NoError(t, err)
	return n
}
