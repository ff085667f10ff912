package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aihub/chat-backend/internal/config"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/aihub/chat-backend/internal/providers"
	"github.com/aihub/chat-backend/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProviderLookup 取得用户的适配器实例
type ProviderLookup interface {
	Get(ctx context.Context, t models.ProviderType, userID uint) (providers.Provider, error)
}

// ModelDownloader 本地推理模型的拉取与删除
type ModelDownloader interface {
	Pull(endpoint, model string) (string, error)
	Status(taskID string) (providers.DownloadTask, error)
	Delete(ctx context.Context, endpoint, model string) error
}

// ModelService 模型目录与本地模型管理
type ModelService struct {
	lookup    ProviderLookup
	settings  repository.ProviderSettingsRepository
	downloads ModelDownloader
	types     []models.ProviderType
	defaults  config.ProviderDefaults
	// 目录请求按 (提供商, 用户) 熔断，避免每次都等待不可达的上游
	breakers  *breakerSet
	log       *zap.Logger
}

func NewModelService(lookup ProviderLookup, settings repository.ProviderSettingsRepository, downloads ModelDownloader, types []models.ProviderType, defaults config.ProviderDefaults) *ModelService {
	return &ModelService{
		lookup:    lookup,
		settings:  settings,
		downloads: downloads,
		types:     types,
		defaults:  defaults,
		breakers:  newBreakerSet(3, 1, time.Minute),
		log:       logger.Named("models"),
	}
}

func (s *ModelService) configs(ctx context.Context, userID uint) (map[models.ProviderType]providers.Config, error) {
	rows, err := s.settings.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[models.ProviderType]providers.Config, len(s.types))
	for _, t := range s.types {
		out[t] = providers.DefaultConfig(t, s.defaults)
	}
	for i := range rows {
		out[rows[i].ProviderType] = providers.ConfigFromSettings(&rows[i])
	}
	return out, nil
}

// ListModels 合并已启用提供商的模型，id 为 "<model>-<provider>"；单个提供商失败只跳过
func (s *ModelService) ListModels(ctx context.Context, userID uint) ([]providers.ModelInfo, error) {
	configs, err := s.configs(ctx, userID)
	if err != nil {
		return nil, err
	}

	results := make([][]providers.ModelInfo, len(s.types))
	var g errgroup.Group
	for i, t := range s.types {
		if !configs[t].IsEnabled {
			continue
		}
		g.Go(func() error {
			p, err := s.lookup.Get(ctx, t, userID)
			if err != nil {
				s.log.Warn("provider unavailable for model listing", zap.String("provider", string(t)), zap.Error(err))
				return nil
			}
			var list []providers.ModelInfo
			breaker := s.breakers.get(fmt.Sprintf("%s:%d", t, userID))
			err = breaker.Call(func() error {
				var callErr error
				list, callErr = p.Models(ctx)
				return callErr
			})
			if errors.Is(err, ErrCircuitOpen) {
				s.log.Debug("skipping provider with open circuit", zap.String("provider", string(t)))
				return nil
			}
			if err != nil {
				s.log.Warn("failed to list provider models", zap.String("provider", string(t)), zap.Error(err))
				return nil
			}
			for j := range list {
				list[j].ID = providers.ModelIDFor(t, list[j].ID)
				list[j].Provider = string(t)
			}
			results[i] = list
			return nil
		})
	}
	_ = g.Wait()

	out := make([]providers.ModelInfo, 0)
	for _, list := range results {
		out = append(out, list...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *ModelService) ollamaEndpoint(ctx context.Context, userID uint) string {
	ps, err := s.settings.FindProviderSettings(ctx, userID, models.ProviderOllama)
	if err == nil && ps != nil && ps.Endpoint != nil {
		return *ps.Endpoint
	}
	return s.defaults.OllamaHost
}

// Pull 后台拉取本地模型，返回任务 id
func (s *ModelService) Pull(ctx context.Context, userID uint, model string) (string, error) {
	return s.downloads.Pull(s.ollamaEndpoint(ctx, userID), model)
}

func (s *ModelService) PullStatus(taskID string) (providers.DownloadTask, error) {
	return s.downloads.Status(taskID)
}

func (s *ModelService) DeleteModel(ctx context.Context, userID uint, model string) error {
	return s.downloads.Delete(ctx, s.ollamaEndpoint(ctx, userID), model)
}
