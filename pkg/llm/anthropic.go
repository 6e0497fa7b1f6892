package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 4096
)

// anthropicProvider 调用 Anthropic Messages API。
type anthropicProvider struct {
	baseURL string
	client  *http.Client
}

// NewAnthropicProvider 创建 Anthropic 供应商。
func NewAnthropicProvider(baseURL string, client *http.Client) Provider {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &anthropicProvider{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type anthropicBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *anthropicProvider) newHTTPRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	messages, system := toAnthropicMessages(req.Messages)
	body := anthropicRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   anthropicMaxTokens,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		Stream:      stream,
		System:      system,
	}
	if req.Params.MaxTokens != nil {
		body.MaxTokens = *req.Params.MaxTokens
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

func (p *anthropicProvider) Stream(ctx context.Context, req Request) <-chan Chunk {
	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		if err := p.stream(ctx, req, ch); err != nil {
			emit(ctx, ch, Chunk{Error: err})
		}
	}()
	return ch
}

func (p *anthropicProvider) stream(ctx context.Context, req Request, ch chan<- Chunk) error {
	httpReq, err := p.newHTTPRequest(ctx, req, true)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	total := 0
	stopped := false
	err = readSSE(resp.Body, func(_, data string) (bool, error) {
		var event anthropicEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return false, nil
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text != "" && !emit(ctx, ch, contentChunk(event.Delta.Text)) {
				return true, ctx.Err()
			}
		case "message_delta":
			if event.Usage != nil {
				total = event.Usage.OutputTokens
			}
		case "message_stop":
			stopped = true
			return true, nil
		case "error":
			msg := data
			if event.Error != nil {
				msg = event.Error.Message
			}
			return true, fmt.Errorf("stream error: %s", msg)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	// message_stop 是必发事件，缺失说明连接被截断
	if !stopped {
		return ErrTruncatedStream
	}
	emit(ctx, ch, Chunk{Finished: true, TotalTokens: total})
	return nil
}

func (p *anthropicProvider) Complete(ctx context.Context, req Request) (string, error) {
	httpReq, err := p.newHTTPRequest(ctx, req, false)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	for _, block := range out.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", errors.New("no content in response")
}

// toAnthropicMessages 抽出 system 消息单独传递，其余消息按顺序转换。
func toAnthropicMessages(messages []Message) ([]anthropicMessage, string) {
	var system []string
	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Text())
			continue
		}
		if len(m.Parts) == 0 {
			out = append(out, anthropicMessage{Role: m.Role, Content: m.Content})
			continue
		}
		blocks := make([]anthropicBlock, 0, len(m.Parts))
		for _, part := range m.Parts {
			if part.Type != PartImage {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Text})
				continue
			}
			if mime, data, ok := parseDataURL(part.ImageURL); ok {
				blocks = append(blocks, anthropicBlock{Type: "image", Source: &anthropicImageSource{Type: "base64", MediaType: mime, Data: data}})
			} else {
				blocks = append(blocks, anthropicBlock{Type: "image", Source: &anthropicImageSource{Type: "url", URL: part.ImageURL}})
			}
		}
		out = append(out, anthropicMessage{Role: m.Role, Content: blocks})
	}
	return out, strings.Join(system, "\n\n")
}

// parseDataURL 解析 data:<mime>;base64,<data> 形式的 URL。
func parseDataURL(u string) (mime, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	meta, data, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mime, found = strings.CutSuffix(meta, ";base64")
	if !found {
		return "", "", false
	}
	return mime, data, true
}
