package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aihub/chat-backend/internal/config"
	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/aihub/chat-backend/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SettingsSource 读取用户的提供商配置，不存在时返回 nil, nil
type SettingsSource interface {
	FindProviderSettings(ctx context.Context, userID uint, providerType models.ProviderType) (*models.ProviderSettings, error)
}

type instanceKey struct {
	providerType models.ProviderType
	userID       uint
}

// Factory 按 (类型, 用户) 缓存适配器实例
type Factory struct {
	registry *Registry
	settings SettingsSource
	defaults config.ProviderDefaults
	deps     Deps
	log      *zap.Logger

	mu        sync.Mutex
	instances map[instanceKey]Provider
	creating  singleflight.Group
}

func NewFactory(registry *Registry, settings SettingsSource, defaults config.ProviderDefaults, deps Deps) *Factory {
	return &Factory{
		registry:  registry,
		settings:  settings,
		defaults:  defaults,
		deps:      deps,
		log:       logger.Named("provider_factory"),
		instances: make(map[instanceKey]Provider),
	}
}

func (f *Factory) Registry() *Registry {
	return f.registry
}

// Get 首次使用时按数据库配置构造，之后复用。同一 (类型, 用户) 的并发首次调用只查一次库
func (f *Factory) Get(ctx context.Context, t models.ProviderType, userID uint) (Provider, error) {
	ctor, ok := f.registry.Lookup(t)
	if !ok {
		return nil, apperrors.NewInvalidInputError("provider", fmt.Sprintf("unknown provider type %q", t))
	}

	key := instanceKey{providerType: t, userID: userID}
	if p, ok := f.cached(key); ok {
		return p, nil
	}

	v, err, _ := f.creating.Do(fmt.Sprintf("%s:%d", t, userID), func() (interface{}, error) {
		if p, ok := f.cached(key); ok {
			return p, nil
		}
		cfg, err := f.loadConfig(ctx, t, userID)
		if err != nil {
			return nil, err
		}
		p, err := ctor(userID, cfg, f.deps)
		if err != nil {
			return nil, fmt.Errorf("construct provider %s: %w", t, err)
		}
		f.mu.Lock()
		f.instances[key] = p
		f.mu.Unlock()
		f.log.Debug("provider instance created", zap.String("provider", string(t)), zap.Uint("user_id", userID), zap.Bool("enabled", cfg.IsEnabled))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Provider), nil
}

func (f *Factory) cached(key instanceKey) (Provider, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.instances[key]
	return p, ok
}

// UpdateConfig 实例不存在时先构造再更新
func (f *Factory) UpdateConfig(ctx context.Context, t models.ProviderType, userID uint, cfg Config) error {
	p, err := f.Get(ctx, t, userID)
	if err != nil {
		return err
	}
	return p.UpdateConfig(cfg)
}

func (f *Factory) loadConfig(ctx context.Context, t models.ProviderType, userID uint) (Config, error) {
	if f.settings != nil {
		ps, err := f.settings.FindProviderSettings(ctx, userID, t)
		if err != nil {
			return Config{}, apperrors.NewServiceError(apperrors.ErrCodeDatabaseError, "failed to load provider settings").WithCause(err)
		}
		if ps != nil {
			return ConfigFromSettings(ps), nil
		}
	}
	return DefaultConfig(t, f.defaults), nil
}

// ConfigFromSettings 数据库行转适配器配置
func ConfigFromSettings(ps *models.ProviderSettings) Config {
	cfg := Config{IsEnabled: ps.IsEnabled}
	if ps.APIKey != nil {
		cfg.APIKey = *ps.APIKey
	}
	if ps.Endpoint != nil {
		cfg.Endpoint = *ps.Endpoint
	}
	if ps.OrganizationID != nil {
		cfg.OrganizationID = *ps.OrganizationID
	}
	return cfg
}

// DefaultConfig 环境变量给出的初始配置：本地推理默认启用，其余有密钥才启用
func DefaultConfig(t models.ProviderType, defaults config.ProviderDefaults) Config {
	env := defaults.For(string(t))
	cfg := Config{
		APIKey:         env.APIKey,
		Endpoint:       env.Endpoint,
		OrganizationID: env.OrganizationID,
	}
	if t == models.ProviderOllama {
		if cfg.Endpoint == "" {
			cfg.Endpoint = defaults.OllamaHost
		}
		cfg.IsEnabled = true
	} else {
		cfg.IsEnabled = cfg.APIKey != ""
	}
	return cfg
}

// ParseModelID 拆分 "<model>-<provider_type>" 形式的复合模型 id。
// 后缀不是已注册类型时整个 id 交给本地推理。
func (f *Factory) ParseModelID(id string) (models.ProviderType, string) {
	return ParseModelID(f.registry, id)
}

func ParseModelID(registry *Registry, id string) (models.ProviderType, string) {
	id = strings.TrimSpace(id)
	if i := strings.LastIndex(id, "-"); i > 0 && i < len(id)-1 {
		suffix := models.ProviderType(strings.ToLower(id[i+1:]))
		if registry.Has(suffix) {
			return suffix, id[:i]
		}
	}
	return models.ProviderOllama, id
}

// Resolve 解析模型 id 并取得适配器，失败时退回本地推理
func (f *Factory) Resolve(ctx context.Context, modelID string, userID uint) (Provider, string, error) {
	t, name := f.ParseModelID(modelID)
	p, err := f.Get(ctx, t, userID)
	if err == nil {
		return p, name, nil
	}
	if t == models.ProviderOllama {
		return nil, "", err
	}
	f.log.Warn("provider unresolved, falling back to ollama",
		zap.String("provider", string(t)), zap.String("model", modelID), zap.Error(err))
	p, fallbackErr := f.Get(ctx, models.ProviderOllama, userID)
	if fallbackErr != nil {
		return nil, "", fallbackErr
	}
	return p, name, nil
}

// ModelIDFor 生成客户端可回传的复合 id
func ModelIDFor(t models.ProviderType, name string) string {
	return name + "-" + string(t)
}
