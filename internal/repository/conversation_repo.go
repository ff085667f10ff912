package repository

import (
	"context"
	"time"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// conversationRepository 对话仓库实现
type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建对话仓库
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) GetDB() *gorm.DB {
	return r.db
}

func (r *conversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
	if conv.UserID == 0 {
		return apperrors.NewInvalidInputError("user_id", "is required")
	}
	return dbError(r.db.WithContext(ctx).Omit("Messages").Create(conv).Error, "conversation")
}

// GetForUser 不属于该用户的对话按不存在处理
func (r *conversationRepository) GetForUser(ctx context.Context, id uuid.UUID, userID uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).Where("uuid = ? AND user_id = ?", id, userID).First(&conv).Error
	if err != nil {
		return nil, dbError(err, "conversation")
	}
	return &conv, nil
}

// ListForUser 置顶优先，其次按 updated_at 倒序
func (r *conversationRepository) ListForUser(ctx context.Context, userID uint, includeHidden bool) ([]models.Conversation, error) {
	var convs []models.Conversation
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if !includeHidden {
		query = query.Where("is_hidden = ?", false)
	}
	if err := query.Order("is_pinned DESC").Order("updated_at DESC").Find(&convs).Error; err != nil {
		return nil, dbError(err, "conversations")
	}
	return convs, nil
}

// Touch 刷新 updated_at
func (r *conversationRepository) Touch(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("uuid = ?", id).
		UpdateColumn("updated_at", time.Now()).Error
	return dbError(err, "conversation")
}

func (r *conversationRepository) SoftDelete(ctx context.Context, id uuid.UUID, userID uint) error {
	res := r.db.WithContext(ctx).Where("uuid = ? AND user_id = ?", id, userID).Delete(&models.Conversation{})
	if res.Error != nil {
		return dbError(res.Error, "conversation")
	}
	if res.RowsAffected == 0 {
		return apperrors.NewNotFoundError("conversation")
	}
	return nil
}
