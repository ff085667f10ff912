package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/shopspring/decimal"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// modelsCache 模型目录的 TTL 缓存
type modelsCache struct {
	mu        sync.RWMutex
	ttl       time.Duration
	models    []ModelInfo
	byID      map[string]ModelInfo
	fetchedAt time.Time
}

func newModelsCache(ttl time.Duration) *modelsCache {
	return &modelsCache{ttl: ttl}
}

func (c *modelsCache) get() []ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.models == nil || time.Since(c.fetchedAt) > c.ttl {
		return nil
	}
	return c.models
}

func (c *modelsCache) set(list []ModelInfo) {
	byID := make(map[string]ModelInfo, len(list))
	for _, m := range list {
		byID[m.ID] = m
	}
	c.mu.Lock()
	c.models, c.byID, c.fetchedAt = list, byID, time.Now()
	c.mu.Unlock()
}

// lookup 过期条目仍可用于计费
func (c *modelsCache) lookup(id string) (ModelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byID[id]
	return m, ok
}

func (c *modelsCache) invalidate() {
	c.mu.Lock()
	c.models, c.byID = nil, nil
	c.mu.Unlock()
}

// OpenRouterProvider 聚合网关，模型 id 形如 vendor/model
type OpenRouterProvider struct {
	*openAICompat
	httpClient *http.Client
	cache      *modelsCache
}

func NewOpenRouterProvider(userID uint, cfg Config, deps Deps) (Provider, error) {
	compat := newOpenAICompat(models.ProviderOpenRouter, userID, cfg, deps, defaultOpenRouterBaseURL)
	return &OpenRouterProvider{
		openAICompat: compat,
		httpClient:   newSyncClient(compat.deps.Timeout),
		cache:        newModelsCache(compat.deps.ModelsCacheTTL),
	}, nil
}

func (p *OpenRouterProvider) baseURL() string {
	if ep := p.config().Endpoint; ep != "" {
		return strings.TrimRight(ep, "/")
	}
	return defaultOpenRouterBaseURL
}

func (p *OpenRouterProvider) UpdateConfig(cfg Config) error {
	if err := p.openAICompat.UpdateConfig(cfg); err != nil {
		return err
	}
	p.cache.invalidate()
	return nil
}

func (p *OpenRouterProvider) Stream(ctx context.Context, model string, messages []Message, opts Options) <-chan Frame {
	return p.stream(ctx, model, messages, opts, p.SupportsTools(model), func(u Usage) decimal.Decimal {
		return p.CalculateCost(u, model)
	})
}

func (p *OpenRouterProvider) Generate(ctx context.Context, model string, messages []Message, opts Options) (string, error) {
	return p.generate(ctx, model, messages, opts, p.SupportsTools(model))
}

type openRouterModel struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextLength int    `json:"context_length"`
	Pricing       struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing"`
	TopProvider struct {
		ContextLength       int `json:"context_length"`
		MaxCompletionTokens int `json:"max_completion_tokens"`
	} `json:"top_provider"`
	Architecture struct {
		Modality string `json:"modality"`
	} `json:"architecture"`
	SupportedParameters []string `json:"supported_parameters"`
}

// Models 拉取 /models，价格按每 token 报价，换算为每百万
func (p *OpenRouterProvider) Models(ctx context.Context) ([]ModelInfo, error) {
	if cached := p.cache.get(); cached != nil {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL()+"/models", nil)
	if err != nil {
		return nil, err
	}
	if key := p.config().APIKey; key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewProviderError(apperrors.ProviderUpstreamUnavailable, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var result struct {
		Data []openRouterModel `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, badResponse("parse models: %v", err)
	}

	out := make([]ModelInfo, 0, len(result.Data))
	for _, m := range result.Data {
		maxTokens := m.TopProvider.MaxCompletionTokens
		if maxTokens == 0 {
			maxTokens = m.TopProvider.ContextLength
		}
		if maxTokens == 0 {
			maxTokens = m.ContextLength
		}
		name := m.Name
		if name == "" {
			name = m.ID
		}
		out = append(out, ModelInfo{
			ID:           m.ID,
			Name:         name,
			Provider:     string(models.ProviderOpenRouter),
			Capabilities: detectCapabilities(m),
			MaxTokens:    maxTokens,
			Pricing: &Pricing{
				Prompt:     perTokenToPerMillion(m.Pricing.Prompt),
				Completion: perTokenToPerMillion(m.Pricing.Completion),
			},
		})
	}
	p.cache.set(out)
	return out, nil
}

func detectCapabilities(m openRouterModel) []string {
	id := strings.ToLower(m.ID)
	caps := []string{"chat"}
	if strings.Contains(id, "vision") || strings.Contains(id, "gpt-4o") ||
		strings.Contains(id, "claude-3") || strings.Contains(id, "gemini") ||
		strings.Contains(id, "llava") || strings.Contains(m.Architecture.Modality, "image") {
		caps = append(caps, "vision")
	}
	for _, param := range m.SupportedParameters {
		if param == "tools" {
			caps = append(caps, "tools")
			break
		}
	}
	return caps
}

// SupportsTools 目录中有记录时以目录为准
func (p *OpenRouterProvider) SupportsTools(model string) bool {
	if m, ok := p.cache.lookup(model); ok {
		for _, c := range m.Capabilities {
			if c == "tools" {
				return true
			}
		}
		return false
	}
	lower := strings.ToLower(model)
	return strings.HasPrefix(lower, "openai/") || strings.HasPrefix(lower, "anthropic/") || strings.HasPrefix(lower, "google/gemini")
}

// CalculateCost 使用目录中的价格，未拉取过目录时为 0
func (p *OpenRouterProvider) CalculateCost(usage Usage, model string) decimal.Decimal {
	m, ok := p.cache.lookup(model)
	if !ok {
		return decimal.Zero
	}
	return costFromPricing(m.Pricing, usage)
}

// Vendor 模型 id 中的上游厂商前缀
func Vendor(model string) string {
	if i := strings.Index(model, "/"); i > 0 {
		return model[:i]
	}
	return ""
}
