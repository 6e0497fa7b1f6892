package llm

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"polychat-go/internal/config"
	"polychat-go/pkg/log"
)

// KeyResolver 按用户查找自带的供应商密钥（BYOK）。未找到时返回空字符串。
type KeyResolver interface {
	ResolveAPIKey(ctx context.Context, userID uint, provider string) (string, error)
}

// Gateway 将模型 ID 解析到供应商，并对外提供统一的流式补全接口。
type Gateway interface {
	GetModelByID(modelID string) (*ModelDescriptor, bool)
	GetProviderForModel(modelID string) (*ProviderDescriptor, bool)
	ListModels() []ModelDescriptor
	// Resolve 在打开任何流之前校验模型与供应商凭证。
	Resolve(ctx context.Context, modelID string, cc CompletionContext) (ModelDescriptor, ProviderDescriptor, error)
	// CreateStreamingCompletion 仅在校验失败时返回 error；上游错误通过 Error 分块传递。
	CreateStreamingCompletion(ctx context.Context, messages []Message, modelID string, cc CompletionContext) (<-chan Chunk, error)
	Complete(ctx context.Context, messages []Message, modelID string, cc CompletionContext) (string, error)
}

type registeredProvider struct {
	desc     ProviderDescriptor
	provider Provider
	apiKey   string
}

// Registry 是 Gateway 的默认实现，保存供应商与模型的映射。
type Registry struct {
	providers map[string]*registeredProvider
	models    map[string]ModelDescriptor
	keys      KeyResolver
	gen       GenerationParams
}

// NewGateway 根据配置创建所有供应商适配器。keys 可以为 nil。
func NewGateway(cfg config.LLMConfig, keys KeyResolver) (Gateway, error) {
	g := newGateway(keys, generationFromConfig(cfg.Generation))
	for _, pc := range cfg.Providers {
		p, err := newProvider(pc)
		if err != nil {
			return nil, err
		}
		models := make([]ModelDescriptor, 0, len(pc.Models))
		for _, m := range pc.Models {
			name := m.Name
			if name == "" {
				name = m.ID
			}
			models = append(models, ModelDescriptor{
				ID:            m.ID,
				Name:          name,
				ContextWindow: m.ContextWindow,
				MaxTokens:     m.MaxTokens,
				Vision:        m.Vision,
			})
		}
		if err := g.Register(ProviderDescriptor{Name: pc.Name, Type: pc.Type, KeyOptional: pc.KeyOptional}, p, pc.APIKey, models...); err != nil {
			return nil, err
		}
		log.Infof("[LLMGateway] 已注册供应商 %s (%s)，模型数: %d", pc.Name, pc.Type, len(models))
	}
	return g, nil
}

// NewRegistry 创建一个空的网关，供测试或手动注册供应商使用。
func NewRegistry(keys KeyResolver) *Registry {
	return newGateway(keys, GenerationParams{})
}

func newGateway(keys KeyResolver, gen GenerationParams) *Registry {
	return &Registry{
		providers: make(map[string]*registeredProvider),
		models:    make(map[string]ModelDescriptor),
		keys:      keys,
		gen:       gen,
	}
}

// Register 注册一个供应商及其模型。模型 ID 全局唯一。
func (g *Registry) Register(desc ProviderDescriptor, p Provider, apiKey string, models ...ModelDescriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if _, exists := g.providers[desc.Name]; exists {
		return fmt.Errorf("duplicate provider %q", desc.Name)
	}
	desc.HasKey = apiKey != ""
	g.providers[desc.Name] = &registeredProvider{desc: desc, provider: p, apiKey: apiKey}
	for _, m := range models {
		if _, exists := g.models[m.ID]; exists {
			return fmt.Errorf("model %q registered twice", m.ID)
		}
		m.Provider = desc.Name
		g.models[m.ID] = m
	}
	return nil
}

func (g *Registry) GetModelByID(modelID string) (*ModelDescriptor, bool) {
	m, ok := g.models[modelID]
	if !ok {
		return nil, false
	}
	return &m, true
}

func (g *Registry) GetProviderForModel(modelID string) (*ProviderDescriptor, bool) {
	m, ok := g.models[modelID]
	if !ok {
		return nil, false
	}
	rp, ok := g.providers[m.Provider]
	if !ok {
		return nil, false
	}
	desc := rp.desc
	return &desc, true
}

func (g *Registry) ListModels() []ModelDescriptor {
	out := make([]ModelDescriptor, 0, len(g.models))
	for _, m := range g.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (g *Registry) Resolve(ctx context.Context, modelID string, cc CompletionContext) (ModelDescriptor, ProviderDescriptor, error) {
	_, m, rp, _, err := g.resolve(ctx, modelID, cc)
	if err != nil {
		return ModelDescriptor{}, ProviderDescriptor{}, err
	}
	return m, rp.desc, nil
}

// resolve 返回模型、供应商以及本次请求应使用的密钥。用户密钥优先于配置密钥。
func (g *Registry) resolve(ctx context.Context, modelID string, cc CompletionContext) (Provider, ModelDescriptor, *registeredProvider, string, error) {
	m, ok := g.models[modelID]
	if !ok {
		return nil, ModelDescriptor{}, nil, "", fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	rp, ok := g.providers[m.Provider]
	if !ok || rp.provider == nil {
		return nil, ModelDescriptor{}, nil, "", fmt.Errorf("%w: %s", ErrProviderNotConfigured, m.Provider)
	}
	key := rp.apiKey
	if g.keys != nil && cc.UserID != 0 {
		userKey, err := g.keys.ResolveAPIKey(ctx, cc.UserID, rp.desc.Name)
		if err != nil {
			log.Warnf("[LLMGateway] 查询用户密钥失败, user=%d provider=%s: %v", cc.UserID, rp.desc.Name, err)
		} else if userKey != "" {
			key = userKey
		}
	}
	if key == "" && !rp.desc.KeyOptional {
		return nil, ModelDescriptor{}, nil, "", fmt.Errorf("%w: %s", ErrProviderNotConfigured, rp.desc.Name)
	}
	return rp.provider, m, rp, key, nil
}

func (g *Registry) request(m ModelDescriptor, messages []Message, key string) Request {
	params := g.gen
	if m.MaxTokens > 0 && params.MaxTokens == nil {
		mt := m.MaxTokens
		params.MaxTokens = &mt
	}
	return Request{Model: m.ID, Messages: messages, APIKey: key, Params: params}
}

func (g *Registry) CreateStreamingCompletion(ctx context.Context, messages []Message, modelID string, cc CompletionContext) (<-chan Chunk, error) {
	p, m, _, key, err := g.resolve(ctx, modelID, cc)
	if err != nil {
		return nil, err
	}
	if cc.Personalization != "" {
		messages = append([]Message{{Role: RoleSystem, Content: cc.Personalization}}, messages...)
	}
	return p.Stream(ctx, g.request(m, messages, key)), nil
}

func (g *Registry) Complete(ctx context.Context, messages []Message, modelID string, cc CompletionContext) (string, error) {
	p, m, _, key, err := g.resolve(ctx, modelID, cc)
	if err != nil {
		return "", err
	}
	return p.Complete(ctx, g.request(m, messages, key))
}

func newProvider(pc config.ProviderConfig) (Provider, error) {
	client := &http.Client{Timeout: pc.Timeout}
	switch pc.Type {
	case "openai":
		return NewOpenAIProvider(pc.BaseURL, client), nil
	case "openai-compatible", "":
		if pc.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: base_url is required", pc.Name)
		}
		return NewCompatibleProvider(pc.BaseURL, client), nil
	case "anthropic":
		return NewAnthropicProvider(pc.BaseURL, client), nil
	case "gemini":
		return NewGeminiProvider(pc.BaseURL, client), nil
	default:
		return nil, fmt.Errorf("provider %s: unsupported type %q", pc.Name, pc.Type)
	}
}

func generationFromConfig(c config.LLMGenerationConfig) GenerationParams {
	var gp GenerationParams
	if c.Temperature != 0 {
		t := c.Temperature
		gp.Temperature = &t
	}
	if c.TopP != 0 {
		p := c.TopP
		gp.TopP = &p
	}
	if c.MaxTokens != 0 {
		m := c.MaxTokens
		gp.MaxTokens = &m
	}
	return gp
}
