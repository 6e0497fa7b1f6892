package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polychat-go/internal/model"
	"polychat-go/pkg/llm"
)

func TestSendNewTurn_CompletesAndPersists(t *testing.T) {
	h := newHarness(t)
	h.script([]llm.Chunk{text("Hel"), text("lo"), finished(5)})
	sink := newSink()
	ctx := context.Background()

	err := h.service().SendNewTurn(ctx, h.user, SendRequest{ConversationID: h.conv.ID, Content: "Hi", Model: testModel}, sink)
	require.NoError(t, err)

	contents := sink.ofType(EventContent)
	require.Len(t, contents, 2)
	assert.Equal(t, 0, *contents[0].ChunkIndex)
	assert.Equal(t, 1, *contents[1].ChunkIndex)
	assert.Equal(t, "Hel", contents[0].Content)

	done := sink.last()
	require.Equal(t, EventCompleted, done.Type)
	assert.Nil(t, done.ResumedFromChunk)
	require.NotNil(t, done.FinalChunkIndex)
	assert.Equal(t, 2, *done.FinalChunkIndex)
	assert.Equal(t, 5, done.TotalTokens)
	assert.NotEmpty(t, done.StreamID)
	assert.NotEmpty(t, done.UserMessageID)
	assert.Equal(t, contents[0].MessageID, done.MessageID)

	msg, err := h.messages.FindByID(ctx, done.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAssistant, msg.Role)
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, 5, msg.TokenCount)
	require.NotNil(t, msg.Model)
	assert.Equal(t, testModel, *msg.Model)
	meta := msg.Meta()
	assert.True(t, meta.StreamingComplete)
	assert.Equal(t, "openai", meta.Provider)
	assert.Equal(t, done.StreamID, meta.CurrentStreamID)

	userMsg, err := h.messages.FindByID(ctx, done.UserMessageID)
	require.NoError(t, err)
	assert.Equal(t, "Hi", userMsg.Content)

	state, err := h.streams.Get(ctx, done.StreamID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.IsComplete)
	assert.Equal(t, "Hello", state.Content)
	assert.Equal(t, "Hi", state.OriginalPrompt)

	conv, err := h.convs.FindByIDForUser(ctx, h.conv.ID, h.user.ID)
	require.NoError(t, err)
	assert.Equal(t, testModel, conv.Model)

	require.Len(t, h.usage.events, 1)
	assert.Equal(t, 5, h.usage.events[0].Tokens)
	assert.False(t, h.usage.events[0].Resumed)
	assert.Equal(t, 1, h.titles.calls)
}

func TestSendNewTurn_ChannelClosedWithoutFinishCompletes(t *testing.T) {
	h := newHarness(t)
	h.script([]llm.Chunk{text("abcdefgh")})
	sink := newSink()

	require.NoError(t, h.service().SendNewTurn(context.Background(), h.user, SendRequest{ConversationID: h.conv.ID, Content: "Hi", Model: testModel}, sink))
	done := sink.last()
	assert.Equal(t, EventCompleted, done.Type)
	assert.Equal(t, 2, done.TotalTokens)
}

func TestSendNewTurn_CheckpointsDuringStream(t *testing.T) {
	h := newHarness(t)
	h.script([]llm.Chunk{text("Hel"), text("lo"), text("!"), finished(0)})
	ctx := context.Background()
	sink := newSink()
	var seen string
	sink.onEvent = func(ev Event) {
		if ev.Type == EventContent && *ev.ChunkIndex == 1 {
			msg, err := h.messages.FindByID(ctx, ev.MessageID)
			if assert.NoError(t, err) {
				seen = msg.Content
			}
		}
	}

	require.NoError(t, h.service().SendNewTurn(ctx, h.user, SendRequest{ConversationID: h.conv.ID, Content: "Hi", Model: testModel}, sink))
	assert.Equal(t, "Hel", seen)
}

func TestSendNewTurn_HistoryExcludesPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.seedExchange(t, "Q1", "A1")
	h.user.Personalization = "Answer briefly."

	require.NoError(t, h.service().SendNewTurn(context.Background(), h.user, SendRequest{ConversationID: h.conv.ID, Content: "Q2", Model: testModel}, newSink()))

	req := h.provider.lastRequest()
	require.Len(t, req.Messages, 4)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "Answer briefly.", req.Messages[0].Content)
	assert.Equal(t, "Q1", req.Messages[1].Content)
	assert.Equal(t, "A1", req.Messages[2].Content)
	assert.Equal(t, "Q2", req.Messages[3].Content)
	assert.Equal(t, "sk-test", req.APIKey)
}

func TestSendNewTurn_SearchAugmentedContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sink := newSink()
	req := SendRequest{
		ConversationID: h.conv.ID,
		Content:        "Context: Go 1.23 released.\n\nQuestion: what's new?",
		DisplayContent: "what's new?",
		Model:          testModel,
		SearchQuery:    "go release",
		SearchProvider: "tavily",
		SearchResults:  []model.SearchResult{{Title: "Go 1.23", URL: "https://go.dev/blog"}},
	}
	require.NoError(t, h.service().SendNewTurn(ctx, h.user, req, sink))

	done := sink.last()
	userMsg, err := h.messages.FindByID(ctx, done.UserMessageID)
	require.NoError(t, err)
	assert.Equal(t, "what's new?", userMsg.Content)
	assert.Equal(t, model.TurnSearch, userMsg.Meta().Kind())
	assert.Equal(t, req.Content, userMsg.Meta().EnhancedContent)

	last := h.provider.lastRequest().Messages
	assert.Equal(t, req.Content, last[len(last)-1].Content)

	assistant, err := h.messages.FindByID(ctx, done.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "go release", assistant.Meta().SearchQuery)
	assert.Len(t, assistant.Meta().SearchResults, 1)
}

func TestSendNewTurn_Attachments(t *testing.T) {
	h := newHarness(t)
	req := SendRequest{
		ConversationID: h.conv.ID,
		Content:        "look",
		Model:          testModel,
		Attachments: []model.Attachment{
			{Name: "notes.txt", MimeType: "text/plain", Text: "alpha"},
			{Name: "cat.png", MimeType: "image/png", URL: "data:image/png;base64,AAA"},
		},
	}
	require.NoError(t, h.service().SendNewTurn(context.Background(), h.user, req, newSink()))

	msgs := h.provider.lastRequest().Messages
	last := msgs[len(msgs)-1]
	require.Len(t, last.Parts, 2)
	assert.Equal(t, llm.PartText, last.Parts[0].Type)
	assert.Contains(t, last.Parts[0].Text, "alpha")
	assert.Contains(t, last.Parts[0].Text, "notes.txt")
	assert.Equal(t, llm.PartImage, last.Parts[1].Type)
	assert.Equal(t, "data:image/png;base64,AAA", last.Parts[1].ImageURL)
}

type fakeExtractor struct {
	got []string
}

func (f *fakeExtractor) ExtractText(_ context.Context, r io.Reader, fileName, _ string) (string, error) {
	data, _ := io.ReadAll(r)
	f.got = append(f.got, fileName)
	if fileName == "broken.docx" {
		return "", errors.New("unsupported")
	}
	return "extracted:" + string(data), nil
}

func TestSendNewTurn_ErrorEventHidesUpstreamBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided: sk-live-ABCD****1234","type":"invalid_request_error","request_id":"req_internal_9f8e"}}`)
	}))
	defer upstream.Close()

	h := newHarness(t)
	require.NoError(t, h.gateway.Register(llm.ProviderDescriptor{Name: "direct", Type: "openai"},
		llm.NewCompatibleProvider(upstream.URL, upstream.Client()), "sk-live-ABCD1234",
		llm.ModelDescriptor{ID: "gpt-direct", Name: "GPT Direct"}))
	sink := newSink()
	ctx := context.Background()

	require.NoError(t, h.service().SendNewTurn(ctx, h.user, SendRequest{ConversationID: h.conv.ID, Content: "Hi", Model: "gpt-direct"}, sink))

	ev := sink.last()
	require.Equal(t, EventError, ev.Type)
	assert.Equal(t, "The provider rejected the API key or the account has no remaining quota.", ev.Error)
	for _, leaked := range []string{"sk-live", "req_internal_9f8e", "body:", "401"} {
		assert.NotContains(t, ev.Error, leaked)
	}

	state, err := h.streams.Get(ctx, ev.StreamID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Contains(t, state.Error, "req_internal_9f8e")
}

func TestHumanError_FixedMessages(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&llm.StatusError{StatusCode: http.StatusTooManyRequests, Body: "quota details"}, "The provider is rate limiting requests. Please wait a moment and try again."},
		{&llm.StatusError{StatusCode: http.StatusBadGateway, Body: "nginx"}, "The provider is temporarily unavailable. Please try again later."},
		{&llm.StatusError{StatusCode: http.StatusPaymentRequired}, "The provider rejected the API key or the account has no remaining quota."},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), "The model took too long to respond. Please try again."},
		{fmt.Errorf("%w: gpt-9 at https://internal", llm.ErrUnknownModel), "The selected model is not available."},
		{llm.ErrTruncatedStream, "The connection to the model was interrupted. You can resume the response."},
		{errors.New("dial tcp 10.0.0.3:443: connection refused"), "Failed to generate a response. Please try again."},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, humanError(tc.err), tc.err.Error())
	}
}

func TestSendNewTurn_ExtractsDocumentAttachments(t *testing.T) {
	h := newHarness(t)
	ex := &fakeExtractor{}
	req := SendRequest{
		ConversationID: h.conv.ID,
		Content:        "summarise",
		Model:          testModel,
		Attachments: []model.Attachment{
			{Name: "report.pdf", MimeType: "application/pdf", URL: "data:application/pdf;base64," + base64.StdEncoding.EncodeToString([]byte("PDF"))},
			{Name: "broken.docx", MimeType: "application/msword", URL: "data:application/msword;base64,AAAA"},
			{Name: "cat.png", MimeType: "image/png", URL: "data:image/png;base64,AAA"},
		},
	}
	svc := h.service(func(d *ChatDeps) { d.Extractor = ex })
	require.NoError(t, svc.SendNewTurn(context.Background(), h.user, req, newSink()))

	assert.Equal(t, []string{"report.pdf", "broken.docx"}, ex.got)
	msgs := h.provider.lastRequest().Messages
	assert.Contains(t, msgs[len(msgs)-1].Text(), "extracted:PDF")

	stored, err := h.messages.ListByConversation(context.Background(), h.conv.ID)
	require.NoError(t, err)
	atts := stored[0].Meta().Attachments
	require.Len(t, atts, 3)
	assert.Equal(t, "extracted:PDF", atts[0].Text)
	assert.Empty(t, atts[0].URL)
	assert.Empty(t, atts[1].Text)
	assert.NotEmpty(t, atts[1].URL)
}

func TestSendNewTurn_Validation(t *testing.T) {
	h := newHarness(t)
	svc := h.service()
	ctx := context.Background()

	err := svc.SendNewTurn(ctx, h.user, SendRequest{ConversationID: h.conv.ID, Content: "Hi"}, newSink())
	assert.ErrorIs(t, err, ErrValidation)

	err = svc.SendNewTurn(ctx, h.user, SendRequest{ConversationID: h.conv.ID, Content: "  ", Model: testModel}, newSink())
	assert.ErrorIs(t, err, ErrValidation)

	err = svc.SendNewTurn(ctx, h.user, SendRequest{ConversationID: "missing", Content: "Hi", Model: testModel}, newSink())
	assert.ErrorIs(t, err, ErrNotFound)

	stranger := &model.User{ID: h.user.ID + 100}
	err = svc.SendNewTurn(ctx, stranger, SendRequest{ConversationID: h.conv.ID, Content: "Hi", Model: testModel}, newSink())
	assert.ErrorIs(t, err, ErrNotFound)

	err = svc.SendNewTurn(ctx, h.user, SendRequest{ConversationID: h.conv.ID, Content: "Hi", Model: "nope"}, newSink())
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	assert.Equal(t, int64(0), h.count(t))
}

func TestSendNewTurn_UpstreamErrorDeletesPair(t *testing.T) {
	h := newHarness(t)
	h.seedExchange(t, "Q1", "A1")
	h.script([]llm.Chunk{text("partial"), {Error: errors.New("upstream exploded")}})
	sink := newSink()
	ctx := context.Background()

	require.NoError(t, h.service().SendNewTurn(ctx, h.user, SendRequest{ConversationID: h.conv.ID, Content: "Q2", Model: testModel}, sink))

	ev := sink.last()
	require.Equal(t, EventError, ev.Type)
	assert.Equal(t, "Failed to generate a response. Please try again.", ev.Error)
	assert.NotEmpty(t, ev.MessageID)
	assert.Equal(t, int64(2), h.count(t))

	state, err := h.streams.Get(ctx, ev.StreamID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.IsComplete)
	assert.Contains(t, state.Error, "upstream exploded")
	assert.Empty(t, h.usage.events)
}

func TestSendNewTurn_DeleteFailureFallsBackToFlagging(t *testing.T) {
	h := newHarness(t)
	h.script([]llm.Chunk{{Error: errors.New("upstream exploded")}})
	sink := newSink()
	ctx := context.Background()
	svc := h.service(func(d *ChatDeps) { d.Messages = brokenDelete{h.messages} })

	require.NoError(t, svc.SendNewTurn(ctx, h.user, SendRequest{ConversationID: h.conv.ID, Content: "Hi", Model: testModel}, sink))
	require.Equal(t, EventError, sink.last().Type)

	msgs, err := h.messages.ListByConversation(ctx, h.conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		meta := m.Meta()
		assert.True(t, meta.Deleted, m.Role)
		assert.True(t, meta.Error, m.Role)
		assert.NotEmpty(t, meta.ErrorMessage)
		assert.NotContains(t, meta.ErrorMessage, "upstream exploded")
		assert.Equal(t, model.TurnError, meta.Kind())
	}
}

func TestSendNewTurn_ClientDisconnectStillFinalizes(t *testing.T) {
	h := newHarness(t)
	h.script([]llm.Chunk{text("one "), text("two "), text("three"), finished(3)})
	sink := newSink()
	sink.failAfter = 1
	ctx := context.Background()

	require.NoError(t, h.service().SendNewTurn(ctx, h.user, SendRequest{ConversationID: h.conv.ID, Content: "count", Model: testModel}, sink))
	require.Len(t, sink.events, 1)

	msgs, err := h.messages.ListByConversation(ctx, h.conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one two three", msgs[1].Content)
	assert.True(t, msgs[1].Meta().StreamingComplete)
}

func TestSendNewTurn_TitleOnlyForPlaceholder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.service()

	require.NoError(t, svc.SendNewTurn(ctx, h.user, SendRequest{ConversationID: h.conv.ID, Content: "Hi", Model: testModel}, newSink()))
	require.NoError(t, h.convs.UpdateTitle(ctx, h.conv.ID, "Greetings"))
	require.NoError(t, svc.SendNewTurn(ctx, h.user, SendRequest{ConversationID: h.conv.ID, Content: "Again", Model: testModel}, newSink()))
	assert.Equal(t, 1, h.titles.calls)
}

func TestSendRetryTurn_RegeneratesInPlace(t *testing.T) {
	h := newHarness(t)
	userMsg, assistant := h.seedExchange(t, "Q", "old answer")
	h.script([]llm.Chunk{text("new "), text("answer"), finished(2)})
	sink := newSink()
	ctx := context.Background()

	require.NoError(t, h.service().SendRetryTurn(ctx, h.user, RetryRequest{ConversationID: h.conv.ID, MessageID: assistant.ID, Model: testModel}, sink))

	assert.Empty(t, sink.ofType(EventResumed))
	done := sink.last()
	require.Equal(t, EventCompleted, done.Type)
	assert.Equal(t, assistant.ID, done.MessageID)
	assert.Equal(t, userMsg.ID, done.UserMessageID)

	msg, err := h.messages.FindByID(ctx, assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, "new answer", msg.Content)
	assert.True(t, msg.Meta().Regenerated)
	assert.True(t, msg.Meta().StreamingComplete)
	assert.Equal(t, int64(2), h.count(t))

	req := h.provider.lastRequest()
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "Q", req.Messages[0].Content)
}

func TestSendRetryTurn_NonAssistantTarget(t *testing.T) {
	h := newHarness(t)
	userMsg, _ := h.seedExchange(t, "Q", "A")

	err := h.service().SendRetryTurn(context.Background(), h.user, RetryRequest{ConversationID: h.conv.ID, MessageID: userMsg.ID, Model: testModel}, newSink())
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "Assistant message to retry not found")
}

func TestSendRetryTurn_ErrorDeletesOnlyTarget(t *testing.T) {
	h := newHarness(t)
	userMsg, assistant := h.seedExchange(t, "Q", "A")
	h.script([]llm.Chunk{{Error: errors.New("rate limited")}})
	ctx := context.Background()

	require.NoError(t, h.service().SendRetryTurn(ctx, h.user, RetryRequest{ConversationID: h.conv.ID, MessageID: assistant.ID, Model: testModel}, newSink()))

	_, err := h.messages.FindByID(ctx, userMsg.ID)
	assert.NoError(t, err)
	_, err = h.messages.FindByID(ctx, assistant.ID)
	assert.Error(t, err)
}

func TestSendRetryTurn_RetiresStaleStreams(t *testing.T) {
	h := newHarness(t)
	_, assistant := h.seedExchange(t, "Q", "A")
	ctx := context.Background()
	require.NoError(t, h.streams.Save(ctx, &model.StreamState{StreamID: "stale", ConversationID: h.conv.ID, MessageID: assistant.ID, UserID: h.user.ID}))

	require.NoError(t, h.service().SendRetryTurn(ctx, h.user, RetryRequest{ConversationID: h.conv.ID, MessageID: assistant.ID, Model: testModel}, newSink()))

	stale, err := h.streams.Get(ctx, "stale")
	require.NoError(t, err)
	require.NotNil(t, stale)
	assert.True(t, stale.IsComplete)
	incomplete, err := h.streams.ListIncomplete(ctx)
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}

func TestResume_SynthesizesMissingState(t *testing.T) {
	h := newHarness(t)
	_, assistant := h.seedExchange(t, "Say hello world", "Hello wor")
	h.script([]llm.Chunk{text("ld!"), finished(0)})
	sink := newSink()
	ctx := context.Background()

	req := ResumeRequest{
		StreamID:         "abc",
		FromChunkIndex:   3,
		ConversationID:   h.conv.ID,
		MessageID:        assistant.ID,
		Model:            testModel,
		LastKnownContent: "Hello wor",
	}
	require.NoError(t, h.service().Resume(ctx, h.user, req, sink))

	require.GreaterOrEqual(t, len(sink.events), 3)
	resumed := sink.events[0]
	require.Equal(t, EventResumed, resumed.Type)
	assert.Equal(t, "abc", resumed.OriginalStreamID)
	assert.Equal(t, 3, *resumed.ResumedFromChunk)
	assert.Equal(t, "Hello wor", resumed.ExistingContent)
	assert.NotEqual(t, "abc", resumed.StreamID)

	content := sink.ofType(EventContent)
	require.Len(t, content, 1)
	assert.Equal(t, 3, *content[0].ChunkIndex)

	done := sink.last()
	require.Equal(t, EventCompleted, done.Type)
	assert.Equal(t, 4, *done.FinalChunkIndex)
	assert.Equal(t, 3, *done.ResumedFromChunk)
	assert.Equal(t, resumed.StreamID, done.StreamID)

	msg, err := h.messages.FindByID(ctx, assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", msg.Content)
	assert.Equal(t, "abc", msg.Meta().OriginalStreamID)
	assert.Equal(t, done.StreamID, msg.Meta().CurrentStreamID)

	old, err := h.streams.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Nil(t, old)
	current, err := h.streams.Get(ctx, done.StreamID)
	require.NoError(t, err)
	assert.True(t, current.IsComplete)
	assert.Equal(t, "abc", current.ResumedFrom)

	msgs := h.provider.lastRequest().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "Say hello world", msgs[0].Content)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello wor", msgs[1].Content)
	assert.Equal(t, llm.RoleUser, msgs[2].Role)
	assert.True(t, strings.HasPrefix(msgs[2].Content, "Continue"))

	require.Len(t, h.usage.events, 1)
	assert.True(t, h.usage.events[0].Resumed)
	assert.Equal(t, 0, h.titles.calls)
}

func TestResume_FindsIncompleteStreamForMessage(t *testing.T) {
	h := newHarness(t)
	_, assistant := h.seedExchange(t, "Q", "part")
	ctx := context.Background()
	require.NoError(t, h.streams.Save(ctx, &model.StreamState{
		StreamID: "s-old", ConversationID: h.conv.ID, MessageID: assistant.ID, UserID: h.user.ID,
		Content: "part", ChunkIndex: 1, TotalTokens: 1, Model: testModel, Provider: "openai", OriginalPrompt: "Q",
	}))
	sink := newSink()

	req := ResumeRequest{StreamID: "unknown", FromChunkIndex: 1, ConversationID: h.conv.ID, MessageID: assistant.ID, Model: testModel}
	require.NoError(t, h.service().Resume(ctx, h.user, req, sink))

	assert.Equal(t, "s-old", sink.events[0].OriginalStreamID)
	assert.Equal(t, "part", sink.events[0].ExistingContent)
	old, err := h.streams.Get(ctx, "s-old")
	require.NoError(t, err)
	assert.Nil(t, old)
	incomplete, err := h.streams.ListIncomplete(ctx)
	require.NoError(t, err)
	assert.Empty(t, incomplete)

	msg, err := h.messages.FindByID(ctx, assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, "partok", msg.Content)
}

func TestResume_ErrorKeepsMessage(t *testing.T) {
	h := newHarness(t)
	_, assistant := h.seedExchange(t, "Say hello world", "Hello wor")
	h.script([]llm.Chunk{text("ld"), {Error: errors.New("connection reset")}})
	sink := newSink()
	ctx := context.Background()

	req := ResumeRequest{StreamID: "abc", FromChunkIndex: 3, ConversationID: h.conv.ID, MessageID: assistant.ID, Model: testModel, LastKnownContent: "Hello wor"}
	require.NoError(t, h.service().Resume(ctx, h.user, req, sink))

	ev := sink.last()
	require.Equal(t, EventError, ev.Type)
	assert.Equal(t, int64(2), h.count(t))

	state, err := h.streams.Get(ctx, ev.StreamID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Contains(t, state.Error, "connection reset")
	assert.Equal(t, "Hello world", state.Content)
	assert.Equal(t, 4, state.ChunkIndex)
}

func TestResume_ImmediateErrorMarksStateComplete(t *testing.T) {
	h := newHarness(t)
	_, assistant := h.seedExchange(t, "Say hello world", "Hello wo")
	h.script([]llm.Chunk{{Error: errors.New("upstream dropped")}})
	sink := newSink()
	ctx := context.Background()

	req := ResumeRequest{StreamID: "abc", FromChunkIndex: 3, ConversationID: h.conv.ID, MessageID: assistant.ID, Model: testModel, LastKnownContent: "Hello wo"}
	require.NoError(t, h.service().Resume(ctx, h.user, req, sink))

	assert.Equal(t, EventResumed, sink.events[0].Type)
	ev := sink.last()
	require.Equal(t, EventError, ev.Type)
	assert.Empty(t, sink.ofType(EventContent))

	state, err := h.streams.Get(ctx, ev.StreamID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "Hello wo", state.Content)
	assert.Contains(t, state.Error, "upstream dropped")
	assert.True(t, state.IsComplete)
	assert.False(t, state.IsPaused)

	msg, err := h.messages.FindByID(ctx, assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello wo", msg.Content)
	assert.Equal(t, int64(2), h.count(t))
}

func TestResume_MissingUserTurnLeavesNoState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := testModel
	orphan := &model.Message{ConversationID: h.conv.ID, Role: model.RoleAssistant, Content: "Hello wo", UserID: h.user.ID, Model: &m}
	require.NoError(t, h.messages.Create(ctx, orphan))

	req := ResumeRequest{StreamID: "ghost", FromChunkIndex: 3, ConversationID: h.conv.ID, MessageID: orphan.ID, Model: testModel, LastKnownContent: "Hello wo"}
	err := h.service().Resume(ctx, h.user, req, newSink())
	assert.ErrorIs(t, err, ErrNotFound)

	state, err := h.streams.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, state)
	incomplete, err := h.streams.ListIncomplete(ctx)
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}

func TestResume_RejectsForeignState(t *testing.T) {
	h := newHarness(t)
	_, assistant := h.seedExchange(t, "Q", "A")
	ctx := context.Background()
	require.NoError(t, h.streams.Save(ctx, &model.StreamState{StreamID: "theirs", ConversationID: "other", MessageID: "other"}))

	req := ResumeRequest{StreamID: "theirs", ConversationID: h.conv.ID, MessageID: assistant.ID, Model: testModel}
	err := h.service().Resume(ctx, h.user, req, newSink())
	assert.ErrorIs(t, err, ErrNotFound)

	err = h.service().Resume(ctx, h.user, ResumeRequest{StreamID: "x", ConversationID: h.conv.ID, MessageID: assistant.ID, Model: testModel, FromChunkIndex: -1}, newSink())
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetStream_Ownership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sink := newSink()
	svc := h.service()
	require.NoError(t, svc.SendNewTurn(ctx, h.user, SendRequest{ConversationID: h.conv.ID, Content: "Hi", Model: testModel}, sink))

	state, err := svc.GetStream(ctx, h.user, sink.last().StreamID)
	require.NoError(t, err)
	assert.Equal(t, "ok", state.Content)

	_, err = svc.GetStream(ctx, &model.User{ID: h.user.ID + 1}, sink.last().StreamID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewStreamID_Unique(t *testing.T) {
	a := newStreamID("c", "m")
	b := newStreamID("c", "m")
	assert.True(t, strings.HasPrefix(a, "strm_"))
	assert.NotEqual(t, a, b)
}
