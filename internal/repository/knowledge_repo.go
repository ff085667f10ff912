package repository

import (
	"context"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// knowledgeRepository 知识文档仓库实现
type knowledgeRepository struct {
	db *gorm.DB
}

// NewKnowledgeRepository 创建知识文档仓库
func NewKnowledgeRepository(db *gorm.DB) KnowledgeRepository {
	return &knowledgeRepository{db: db}
}

func (r *knowledgeRepository) GetDB() *gorm.DB {
	return r.db
}

func (r *knowledgeRepository) Create(ctx context.Context, k *models.Knowledge) error {
	if k.Status == "" {
		k.Status = models.KnowledgeProcessing
	}
	return dbError(r.db.WithContext(ctx).Create(k).Error, "knowledge")
}

func (r *knowledgeRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Knowledge, error) {
	var k models.Knowledge
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&k).Error; err != nil {
		return nil, dbError(err, "knowledge")
	}
	return &k, nil
}

func (r *knowledgeRepository) GetForUser(ctx context.Context, id uuid.UUID, userID uint) (*models.Knowledge, error) {
	var k models.Knowledge
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&k).Error; err != nil {
		return nil, dbError(err, "knowledge")
	}
	return &k, nil
}

// ListForUser 列表不返回全文
func (r *knowledgeRepository) ListForUser(ctx context.Context, userID uint) ([]models.Knowledge, error) {
	var items []models.Knowledge
	err := r.db.WithContext(ctx).
		Omit("content").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&items).Error
	if err != nil {
		return nil, dbError(err, "knowledge")
	}
	return items, nil
}

func (r *knowledgeRepository) update(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.Knowledge{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return dbError(res.Error, "knowledge")
	}
	if res.RowsAffected == 0 {
		return apperrors.NewNotFoundError("knowledge")
	}
	return nil
}

// MarkProcessing 重新处理前复位状态
func (r *knowledgeRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return r.update(ctx, id, map[string]interface{}{
		"status":        models.KnowledgeProcessing,
		"error_message": nil,
	})
}

func (r *knowledgeRepository) MarkReady(ctx context.Context, id uuid.UUID, content string, chunkCount int, metadata map[string]interface{}) error {
	return r.update(ctx, id, map[string]interface{}{
		"status":        models.KnowledgeReady,
		"content":       content,
		"chunk_count":   chunkCount,
		"metadata":      datatypes.JSONMap(metadata),
		"error_message": nil,
	})
}

func (r *knowledgeRepository) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	return r.update(ctx, id, map[string]interface{}{
		"status":        models.KnowledgeError,
		"error_message": message,
	})
}

func (r *knowledgeRepository) Delete(ctx context.Context, id uuid.UUID, userID uint) error {
	res := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&models.Knowledge{})
	if res.Error != nil {
		return dbError(res.Error, "knowledge")
	}
	if res.RowsAffected == 0 {
		return apperrors.NewNotFoundError("knowledge")
	}
	return nil
}
