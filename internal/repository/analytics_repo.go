package repository

import (
	"context"

	"github.com/aihub/chat-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type analyticsRepository struct {
	db *gorm.DB
}

// NewAnalyticsRepository 创建用量事件仓库
func NewAnalyticsRepository(db *gorm.DB) AnalyticsRepository {
	return &analyticsRepository{db: db}
}

func (r *analyticsRepository) GetDB() *gorm.DB {
	return r.db
}

// CreateAnalyticsEvent 按事件 id 去重，消息重投时不重复写入
func (r *analyticsRepository) CreateAnalyticsEvent(ctx context.Context, event *models.AnalyticsEvent) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(event).Error
	return dbError(err, "analytics event")
}
