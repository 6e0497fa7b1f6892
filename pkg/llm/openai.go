package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// openAIProvider 使用 go-openai SDK 调用 OpenAI 官方接口。
type openAIProvider struct {
	baseURL string
	client  *http.Client
}

// NewOpenAIProvider 创建 OpenAI 供应商。baseURL 为空时使用 SDK 默认地址。
func NewOpenAIProvider(baseURL string, client *http.Client) Provider {
	if client == nil {
		client = &http.Client{}
	}
	return &openAIProvider{baseURL: baseURL, client: client}
}

// 每个请求的密钥可能不同（BYOK），因此按请求构造 SDK 客户端。
func (p *openAIProvider) sdk(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	cfg.HTTPClient = p.client
	return openai.NewClientWithConfig(cfg)
}

func (p *openAIProvider) chatRequest(req Request, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   stream,
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.Params.Temperature != nil {
		out.Temperature = float32(*req.Params.Temperature)
	}
	if req.Params.TopP != nil {
		out.TopP = float32(*req.Params.TopP)
	}
	if req.Params.MaxTokens != nil {
		out.MaxTokens = *req.Params.MaxTokens
	}
	return out
}

func (p *openAIProvider) Stream(ctx context.Context, req Request) <-chan Chunk {
	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		stream, err := p.sdk(req.APIKey).CreateChatCompletionStream(ctx, p.chatRequest(req, true))
		if err != nil {
			emit(ctx, ch, Chunk{Error: fmt.Errorf("openai stream: %w", err)})
			return
		}
		defer stream.Close()

		total := 0
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				emit(ctx, ch, Chunk{Finished: true, TotalTokens: total})
				return
			}
			if err != nil {
				emit(ctx, ch, Chunk{Error: fmt.Errorf("openai stream: %w", err)})
				return
			}
			if resp.Usage != nil && resp.Usage.CompletionTokens > 0 {
				total = resp.Usage.CompletionTokens
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if content := resp.Choices[0].Delta.Content; content != "" {
				if !emit(ctx, ch, contentChunk(content)) {
					return
				}
			}
		}
	}()
	return ch
}

func (p *openAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := p.sdk(req.APIKey).CreateChatCompletion(ctx, p.chatRequest(req, false))
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in openai response")
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		if len(m.Parts) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := make([]openai.ChatMessagePart, 0, len(m.Parts))
		for _, part := range m.Parts {
			if part.Type == PartImage {
				parts = append(parts, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: part.ImageURL},
				})
				continue
			}
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: part.Text})
		}
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts})
	}
	return out
}
