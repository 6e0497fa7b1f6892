package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// compatibleProvider 通过原始 HTTP 调用任意 OpenAI 兼容的 /chat/completions 接口（如 DeepSeek、Ollama）。
type compatibleProvider struct {
	baseURL string
	client  *http.Client
}

// NewCompatibleProvider 创建一个 OpenAI 兼容供应商。
func NewCompatibleProvider(baseURL string, client *http.Client) Provider {
	if client == nil {
		client = &http.Client{}
	}
	return &compatibleProvider{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type compatibleMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string 或 []compatiblePart
}

type compatiblePart struct {
	Type     string                 `json:"type"`
	Text     string                 `json:"text,omitempty"`
	ImageURL *compatibleImageURLRef `json:"image_url,omitempty"`
}

type compatibleImageURLRef struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model         string              `json:"model"`
	Messages      []compatibleMessage `json:"messages"`
	Stream        bool                `json:"stream"`
	StreamOptions *streamOptions      `json:"stream_options,omitempty"`
	Temperature   *float64            `json:"temperature,omitempty"`
	TopP          *float64            `json:"top_p,omitempty"`
	MaxTokens     *int                `json:"max_tokens,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *compatibleProvider) buildRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	body := chatRequest{
		Model:       req.Model,
		Messages:    toCompatibleMessages(req.Messages),
		Stream:      stream,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		MaxTokens:   req.Params.MaxTokens,
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func (p *compatibleProvider) Stream(ctx context.Context, req Request) <-chan Chunk {
	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		if err := p.stream(ctx, req, ch); err != nil {
			emit(ctx, ch, Chunk{Error: err})
		}
	}()
	return ch
}

func (p *compatibleProvider) stream(ctx context.Context, req Request, ch chan<- Chunk) error {
	httpReq, err := p.buildRequest(ctx, req, true)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	total := 0
	err = readSSE(resp.Body, func(_, data string) (bool, error) {
		if strings.TrimSpace(data) == "[DONE]" {
			return true, nil
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return false, nil
		}
		if chunk.Error != nil {
			return true, fmt.Errorf("upstream error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil && chunk.Usage.CompletionTokens > 0 {
			total = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			return false, nil
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			if !emit(ctx, ch, contentChunk(content)) {
				return true, ctx.Err()
			}
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	// 部分兼容服务不发送 [DONE]，EOF 也视为自然结束
	emit(ctx, ch, Chunk{Finished: true, TotalTokens: total})
	return nil
}

func (p *compatibleProvider) Complete(ctx context.Context, req Request) (string, error) {
	httpReq, err := p.buildRequest(ctx, req, false)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("no choices in chat response")
	}
	return out.Choices[0].Message.Content, nil
}

func toCompatibleMessages(messages []Message) []compatibleMessage {
	out := make([]compatibleMessage, 0, len(messages))
	for _, m := range messages {
		if len(m.Parts) == 0 {
			out = append(out, compatibleMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := make([]compatiblePart, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch part.Type {
			case PartImage:
				parts = append(parts, compatiblePart{Type: "image_url", ImageURL: &compatibleImageURLRef{URL: part.ImageURL}})
			default:
				parts = append(parts, compatiblePart{Type: "text", Text: part.Text})
			}
		}
		out = append(out, compatibleMessage{Role: m.Role, Content: parts})
	}
	return out
}

// readSSE 逐行读取 SSE 流，对每个 data 行回调 fn(event, data)。fn 返回 stop=true 时提前结束。
func readSSE(body io.Reader, fn func(event, data string) (bool, error)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			stop, err := fn(event, data)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}
	return nil
}

// StatusError 表示上游返回了非 200 状态。Body 仅用于日志，不能直接展示给用户。
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat api returned non-200 status: %s, body: %s", e.Status, e.Body)
}

func statusError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(bodyBytes))}
}
