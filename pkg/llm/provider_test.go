package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain 读取通道直到关闭，返回拼接后的内容与最后一个分块。
func drain(t *testing.T, ch <-chan Chunk) (string, Chunk, int) {
	t.Helper()
	var b strings.Builder
	var last Chunk
	n := 0
	for c := range ch {
		b.WriteString(c.Content)
		last = c
		n++
	}
	return b.String(), last, n
}

func sseServer(t *testing.T, check func(r *http.Request, body map[string]interface{}), lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		if check != nil {
			check(r, body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	}))
}

func TestCompatibleProvider_Stream(t *testing.T) {
	t.Parallel()

	server := sseServer(t, func(r *http.Request, body map[string]interface{}) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "deepseek-chat", body["model"])
		assert.Equal(t, true, body["stream"])
	},
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		`data: {"choices":[],"usage":{"completion_tokens":7}}`,
		`data: [DONE]`,
	)
	defer server.Close()

	p := NewCompatibleProvider(server.URL, server.Client())
	ch := p.Stream(context.Background(), Request{
		Model:    "deepseek-chat",
		APIKey:   "sk-test",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	content, last, n := drain(t, ch)

	assert.Equal(t, "Hello", content)
	assert.Equal(t, 3, n)
	assert.True(t, last.Finished)
	assert.Equal(t, 7, last.TotalTokens)
	assert.NoError(t, last.Error)
}

func TestCompatibleProvider_StreamNon200(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	p := NewCompatibleProvider(server.URL, server.Client())
	_, last, n := drain(t, p.Stream(context.Background(), Request{Model: "m"}))

	assert.Equal(t, 1, n)
	require.Error(t, last.Error)
	assert.Contains(t, last.Error.Error(), "401")
	assert.False(t, last.Finished)
}

func TestCompatibleProvider_Complete(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"A short title"}}]}`)
	}))
	defer server.Close()

	p := NewCompatibleProvider(server.URL, server.Client())
	out, err := p.Complete(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "A short title", out)
}

func TestOpenAIProvider_Stream(t *testing.T) {
	t.Parallel()

	server := sseServer(t, func(r *http.Request, body map[string]interface{}) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-user", r.Header.Get("Authorization"))
	},
		`data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"}}]}`,
		`data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":" there"},"finish_reason":"stop"}]}`,
		`data: {"id":"1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		`data: [DONE]`,
	)
	defer server.Close()

	p := NewOpenAIProvider(server.URL, server.Client())
	content, last, _ := drain(t, p.Stream(context.Background(), Request{
		Model:    "gpt-4o-mini",
		APIKey:   "sk-user",
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	}))

	assert.Equal(t, "Hi there", content)
	assert.True(t, last.Finished)
	assert.Equal(t, 2, last.TotalTokens)
}

func TestAnthropicProvider_Stream(t *testing.T) {
	t.Parallel()

	server := sseServer(t, func(r *http.Request, body map[string]interface{}) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		assert.Equal(t, "be brief", body["system"])
		msgs, _ := body["messages"].([]interface{})
		assert.Len(t, msgs, 1)
	},
		"event: message_start\ndata: {\"type\":\"message_start\"}",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Bon\"}}",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"jour\"}}",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":4}}",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}",
	)
	defer server.Close()

	p := NewAnthropicProvider(server.URL, server.Client())
	content, last, _ := drain(t, p.Stream(context.Background(), Request{
		Model:  "claude-3-5-haiku",
		APIKey: "sk-ant",
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "hello"},
		},
	}))

	assert.Equal(t, "Bonjour", content)
	assert.True(t, last.Finished)
	assert.Equal(t, 4, last.TotalTokens)
}

func TestAnthropicProvider_StreamErrorEvent(t *testing.T) {
	t.Parallel()

	server := sseServer(t, nil,
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"par\"}}",
		"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}",
	)
	defer server.Close()

	p := NewAnthropicProvider(server.URL, server.Client())
	content, last, _ := drain(t, p.Stream(context.Background(), Request{Model: "claude", APIKey: "k"}))

	assert.Equal(t, "par", content)
	require.Error(t, last.Error)
	assert.Contains(t, last.Error.Error(), "Overloaded")
}

func TestAnthropicProvider_TruncatedStream(t *testing.T) {
	t.Parallel()

	server := sseServer(t, nil,
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"Hello wo\"}}",
	)
	defer server.Close()

	p := NewAnthropicProvider(server.URL, server.Client())
	content, last, _ := drain(t, p.Stream(context.Background(), Request{Model: "claude", APIKey: "k"}))

	assert.Equal(t, "Hello wo", content)
	assert.False(t, last.Finished)
	assert.ErrorIs(t, last.Error, ErrTruncatedStream)
}

func TestCompatibleProvider_StatusError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","request_id":"req_1"}}`)
	}))
	defer server.Close()

	p := NewCompatibleProvider(server.URL, server.Client())
	_, last, _ := drain(t, p.Stream(context.Background(), Request{Model: "gpt", APIKey: "k"}))

	var se *StatusError
	require.ErrorAs(t, last.Error, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Contains(t, se.Body, "req_1")
}

func TestGeminiProvider_Stream(t *testing.T) {
	t.Parallel()

	server := sseServer(t, func(r *http.Request, body map[string]interface{}) {
		assert.Equal(t, "/models/gemini-1.5-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		assert.Equal(t, "g-key", r.URL.Query().Get("key"))
		contents, _ := body["contents"].([]interface{})
		if assert.Len(t, contents, 2) {
			second, _ := contents[1].(map[string]interface{})
			assert.Equal(t, "model", second["role"])
		}
	},
		`data: {"candidates":[{"content":{"parts":[{"text":"Ciao"}]}}]}`,
		`data: {"candidates":[{"content":{"parts":[{"text":"!"}]},"finishReason":"STOP"}],"usageMetadata":{"candidatesTokenCount":2}}`,
	)
	defer server.Close()

	p := NewGeminiProvider(server.URL, server.Client())
	content, last, _ := drain(t, p.Stream(context.Background(), Request{
		Model:  "gemini-1.5-flash",
		APIKey: "g-key",
		Messages: []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
		},
	}))

	assert.Equal(t, "Ciao!", content)
	assert.True(t, last.Finished)
	assert.Equal(t, 2, last.TotalTokens)
}

func TestGeminiProvider_SafetyBlock(t *testing.T) {
	t.Parallel()

	server := sseServer(t, nil,
		`data: {"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`,
	)
	defer server.Close()

	p := NewGeminiProvider(server.URL, server.Client())
	_, last, _ := drain(t, p.Stream(context.Background(), Request{Model: "gemini", APIKey: "k"}))
	require.Error(t, last.Error)
	assert.Contains(t, last.Error.Error(), "safety")
}

func TestParseDataURL(t *testing.T) {
	mime, data, ok := parseDataURL("data:image/png;base64,iVBORw0")
	assert.True(t, ok)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, "iVBORw0", data)

	_, _, ok = parseDataURL("https://example.com/cat.png")
	assert.False(t, ok)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("hi"))
	assert.Equal(t, 2, EstimateTokens("12345678"))
}
