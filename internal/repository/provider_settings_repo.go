package repository

import (
	"context"
	"errors"

	"github.com/aihub/chat-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// providerSettingsRepository 提供商配置仓库实现
type providerSettingsRepository struct {
	db *gorm.DB
}

// NewProviderSettingsRepository 创建提供商配置仓库
func NewProviderSettingsRepository(db *gorm.DB) ProviderSettingsRepository {
	return &providerSettingsRepository{db: db}
}

func (r *providerSettingsRepository) GetDB() *gorm.DB {
	return r.db
}

// FindProviderSettings 不存在时返回 nil, nil，由调用方使用默认配置
func (r *providerSettingsRepository) FindProviderSettings(ctx context.Context, userID uint, t models.ProviderType) (*models.ProviderSettings, error) {
	var ps models.ProviderSettings
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider_type = ?", userID, t).
		First(&ps).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(err, "provider settings")
	}
	return &ps, nil
}

func (r *providerSettingsRepository) ListForUser(ctx context.Context, userID uint) ([]models.ProviderSettings, error) {
	var items []models.ProviderSettings
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("provider_type ASC").Find(&items).Error
	if err != nil {
		return nil, dbError(err, "provider settings")
	}
	return items, nil
}

// Upsert 以 (user_id, provider_type) 为冲突键
func (r *providerSettingsRepository) Upsert(ctx context.Context, ps *models.ProviderSettings) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_key", "endpoint", "organization_id", "is_enabled", "updated_at"}),
	}).Create(ps).Error
	return dbError(err, "provider settings")
}

// CreateIfMissing 已存在时不覆盖用户修改，返回是否新建
func (r *providerSettingsRepository) CreateIfMissing(ctx context.Context, ps *models.ProviderSettings) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider_type"}},
		DoNothing: true,
	}).Create(ps)
	if res.Error != nil {
		return false, dbError(res.Error, "provider settings")
	}
	return res.RowsAffected > 0, nil
}
