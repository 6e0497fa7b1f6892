package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// geminiProvider 调用 Google Gemini generateContent 接口。
type geminiProvider struct {
	baseURL string
	client  *http.Client
}

// NewGeminiProvider 创建 Gemini 供应商。
func NewGeminiProvider(baseURL string, client *http.Client) Provider {
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &geminiProvider{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *geminiProvider) newHTTPRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	contents, system := toGeminiContents(req.Messages)
	body := geminiRequest{
		Contents: contents,
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     req.Params.Temperature,
			TopP:            req.Params.TopP,
			MaxOutputTokens: req.Params.MaxTokens,
		},
	}
	if system != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	method := "generateContent"
	query := url.Values{}
	if stream {
		method = "streamGenerateContent"
		query.Set("alt", "sse")
	}
	if req.APIKey != "" {
		query.Set("key", req.APIKey)
	}
	endpoint := fmt.Sprintf("%s/models/%s:%s", p.baseURL, url.PathEscape(req.Model), method)
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (p *geminiProvider) Stream(ctx context.Context, req Request) <-chan Chunk {
	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		if err := p.stream(ctx, req, ch); err != nil {
			emit(ctx, ch, Chunk{Error: err})
		}
	}()
	return ch
}

func (p *geminiProvider) stream(ctx context.Context, req Request, ch chan<- Chunk) error {
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
	err = readSSE(resp.Body, func(_, data string) (bool, error) {
		if data == "" || data == "[DONE]" {
			return false, nil
		}
		var gr geminiResponse
		if err := json.Unmarshal([]byte(data), &gr); err != nil {
			return false, nil
		}
		if gr.Error != nil {
			return true, fmt.Errorf("stream error: %s", gr.Error.Message)
		}
		if gr.UsageMetadata != nil && gr.UsageMetadata.CandidatesTokenCount > 0 {
			total = gr.UsageMetadata.CandidatesTokenCount
		}
		if len(gr.Candidates) == 0 {
			return false, nil
		}
		candidate := gr.Candidates[0]
		for _, part := range candidate.Content.Parts {
			if part.Text != "" && !emit(ctx, ch, contentChunk(part.Text)) {
				return true, ctx.Err()
			}
		}
		if candidate.FinishReason == "SAFETY" {
			return true, errors.New("response blocked by safety filters")
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	emit(ctx, ch, Chunk{Finished: true, TotalTokens: total})
	return nil
}

func (p *geminiProvider) Complete(ctx context.Context, req Request) (string, error) {
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
	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("no candidates in response")
	}
	return gr.Candidates[0].Content.Parts[0].Text, nil
}

// toGeminiContents 将 assistant 映射为 model 角色，system 消息合并为 systemInstruction。
func toGeminiContents(messages []Message) ([]geminiContent, string) {
	var system []string
	out := make([]geminiContent, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Text())
			continue
		}
		role := m.Role
		if role == RoleAssistant {
			role = "model"
		}
		var parts []geminiPart
		if len(m.Parts) == 0 {
			parts = []geminiPart{{Text: m.Content}}
		} else {
			for _, part := range m.Parts {
				if part.Type == PartImage {
					if mime, data, ok := parseDataURL(part.ImageURL); ok {
						parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: mime, Data: data}})
					}
					continue
				}
				parts = append(parts, geminiPart{Text: part.Text})
			}
		}
		out = append(out, geminiContent{Role: role, Parts: parts})
	}
	return out, strings.Join(system, "\n\n")
}
