package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aihub/chat-backend/internal/models"
)

// Constructor 适配器构造函数
type Constructor func(userID uint, cfg Config, deps Deps) (Provider, error)

// Registry 提供商类型到构造函数的映射，启动时注册，之后只读
type Registry struct {
	mu           sync.RWMutex
	constructors map[models.ProviderType]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[models.ProviderType]Constructor)}
}

// DefaultRegistry 注册全部内置提供商
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(models.ProviderOllama, NewOllamaProvider)
	r.MustRegister(models.ProviderOpenAI, NewOpenAIProvider)
	r.MustRegister(models.ProviderAnthropic, NewAnthropicProvider)
	r.MustRegister(models.ProviderGoogle, NewGoogleProvider)
	r.MustRegister(models.ProviderOpenRouter, NewOpenRouterProvider)
	return r
}

// Register 重复注册同一类型返回错误
func (r *Registry) Register(t models.ProviderType, ctor Constructor) error {
	if ctor == nil {
		return fmt.Errorf("nil constructor for provider %s", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.constructors[t]; exists {
		return fmt.Errorf("provider %s already registered", t)
	}
	r.constructors[t] = ctor
	return nil
}

func (r *Registry) MustRegister(t models.ProviderType, ctor Constructor) {
	if err := r.Register(t, ctor); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(t models.ProviderType) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.constructors[t]
	return ctor, ok
}

func (r *Registry) Has(t models.ProviderType) bool {
	_, ok := r.Lookup(t)
	return ok
}

// Types 已注册类型，按名称排序
func (r *Registry) Types() []models.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ProviderType, 0, len(r.constructors))
	for t := range r.constructors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
