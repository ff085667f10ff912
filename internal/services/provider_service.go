package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/aihub/chat-backend/internal/config"
	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/aihub/chat-backend/internal/providers"
	"github.com/aihub/chat-backend/internal/repository"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ProviderConfigurer 把新配置推给已缓存的适配器实例
type ProviderConfigurer interface {
	UpdateConfig(ctx context.Context, t models.ProviderType, userID uint, cfg providers.Config) error
}

// ProviderUpdate 部分更新，nil 字段保持不变
type ProviderUpdate struct {
	APIKey         *string `json:"api_key"`
	Endpoint       *string `json:"endpoint" validate:"omitempty,url"`
	OrganizationID *string `json:"organization_id"`
	IsEnabled      *bool   `json:"is_enabled"`
}

// ProviderService 用户提供商配置
type ProviderService struct {
	settings repository.ProviderSettingsRepository
	factory  ProviderConfigurer
	types    []models.ProviderType
	defaults config.ProviderDefaults
	validate *validator.Validate
	log      *zap.Logger
}

func NewProviderService(settings repository.ProviderSettingsRepository, factory ProviderConfigurer, types []models.ProviderType, defaults config.ProviderDefaults) *ProviderService {
	return &ProviderService{
		settings: settings,
		factory:  factory,
		types:    types,
		defaults: defaults,
		validate: validator.New(),
		log:      logger.Named("provider_service"),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *ProviderService) known(t models.ProviderType) bool {
	for _, k := range s.types {
		if k == t {
			return true
		}
	}
	return false
}

// EnsureDefaults 为用户补齐每种提供商的配置行，已有的行不覆盖
func (s *ProviderService) EnsureDefaults(ctx context.Context, userID uint) (int, error) {
	created := 0
	for _, t := range s.types {
		cfg := providers.DefaultConfig(t, s.defaults)
		ps := &models.ProviderSettings{
			UserID:         userID,
			ProviderType:   t,
			APIKey:         optional(cfg.APIKey),
			Endpoint:       optional(cfg.Endpoint),
			OrganizationID: optional(cfg.OrganizationID),
			IsEnabled:      cfg.IsEnabled,
		}
		ok, err := s.settings.CreateIfMissing(ctx, ps)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		s.log.Info("default provider settings created", zap.Uint("user_id", userID), zap.Int("count", created))
	}
	return created, nil
}

func (s *ProviderService) List(ctx context.Context, userID uint) ([]models.ProviderSettings, error) {
	return s.settings.ListForUser(ctx, userID)
}

// Update 保存配置后热更新适配器，进行中的流不受影响
func (s *ProviderService) Update(ctx context.Context, userID uint, t models.ProviderType, patch ProviderUpdate) (*models.ProviderSettings, error) {
	t = models.ProviderType(strings.ToLower(string(t)))
	if !s.known(t) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("provider %q", t))
	}
	if err := s.validate.Struct(patch); err != nil {
		return nil, apperrors.NewValidationError("invalid provider settings").WithDetails(err.Error())
	}

	ps, err := s.settings.FindProviderSettings(ctx, userID, t)
	if err != nil {
		return nil, err
	}
	if ps == nil {
		cfg := providers.DefaultConfig(t, s.defaults)
		ps = &models.ProviderSettings{
			UserID:         userID,
			ProviderType:   t,
			APIKey:         optional(cfg.APIKey),
			Endpoint:       optional(cfg.Endpoint),
			OrganizationID: optional(cfg.OrganizationID),
			IsEnabled:      cfg.IsEnabled,
		}
	}
	if patch.APIKey != nil {
		ps.APIKey = optional(strings.TrimSpace(*patch.APIKey))
	}
	if patch.Endpoint != nil {
		ps.Endpoint = optional(strings.TrimSpace(*patch.Endpoint))
	}
	if patch.OrganizationID != nil {
		ps.OrganizationID = optional(strings.TrimSpace(*patch.OrganizationID))
	}
	if patch.IsEnabled != nil {
		ps.IsEnabled = *patch.IsEnabled
	}

	if t == models.ProviderOllama {
		if ps.Endpoint == nil {
			return nil, apperrors.NewInvalidInputError("endpoint", "endpoint is required for ollama")
		}
	} else if ps.IsEnabled && ps.APIKey == nil {
		return nil, apperrors.NewInvalidInputError("api_key", fmt.Sprintf("%s cannot be enabled without an api key", t))
	}

	if err := s.settings.Upsert(ctx, ps); err != nil {
		return nil, err
	}
	if err := s.factory.UpdateConfig(ctx, t, userID, providers.ConfigFromSettings(ps)); err != nil {
		return nil, err
	}
	s.log.Info("provider settings updated",
		zap.Uint("user_id", userID),
		zap.String("provider", string(t)),
		zap.Bool("enabled", ps.IsEnabled))
	return ps, nil
}
