package repository

import (
	"context"
	"fmt"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/aihub/chat-backend/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// messageRepository 消息仓库实现
type messageRepository struct {
	db    *gorm.DB
	blobs storage.BlobStore
}

// NewMessageRepository 创建消息仓库，图片内容存放在 blobs 中
func NewMessageRepository(db *gorm.DB, blobs storage.BlobStore) MessageRepository {
	return &messageRepository{db: db, blobs: blobs}
}

func (r *messageRepository) GetDB() *gorm.DB {
	return r.db
}

func validateMessage(msg *models.Message) error {
	if msg.ConversationUUID == uuid.Nil {
		return apperrors.NewInvalidInputError("conversation_uuid", "is required")
	}
	switch msg.Role {
	case models.RoleUser:
		if msg.UserID == nil {
			return apperrors.NewInvalidInputError("user_id", "user messages require a user")
		}
		msg.TokensUsed = nil
		msg.GenerationTime = nil
		msg.PromptTokens = nil
		msg.CompletionTokens = nil
	case models.RoleAssistant:
		if msg.Model == "" {
			return apperrors.NewInvalidInputError("model", "assistant messages require a model")
		}
	case models.RoleSystem:
	default:
		return apperrors.NewInvalidInputError("role", fmt.Sprintf("unknown role %q", msg.Role))
	}
	msg.HasCitations = len(msg.Citations) > 0
	return nil
}

// Create 先写图片，再在一个事务内写消息和图片记录；事务失败时清理已写入的图片
func (r *messageRepository) Create(ctx context.Context, msg *models.Message, images []NewImage) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	if msg.IsError {
		return apperrors.NewInvalidInputError("is_error", "use CreateError for error messages")
	}

	rows, err := r.storeImages(ctx, images)
	if err != nil {
		return err
	}
	msg.HasImages = len(rows) > 0

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(msg).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for i := range rows {
			rows[i].MessageID = msg.ID
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		r.discardImages(ctx, rows)
		return dbError(err, "message")
	}
	msg.Images = rows
	return nil
}

func (r *messageRepository) storeImages(ctx context.Context, images []NewImage) ([]models.MessageImage, error) {
	if len(images) == 0 {
		return nil, nil
	}
	if r.blobs == nil {
		return nil, apperrors.NewServiceError(apperrors.ErrCodeStorageError, "image storage not configured")
	}
	rows := make([]models.MessageImage, 0, len(images))
	for i, img := range images {
		key, err := r.blobs.Put(ctx, img.Data, img.ContentType)
		if err != nil {
			r.discardImages(ctx, rows)
			return nil, apperrors.NewServiceError(apperrors.ErrCodeStorageError, "failed to store image").WithCause(err)
		}
		rows = append(rows, models.MessageImage{
			Order:       i,
			Path:        key,
			ContentType: img.ContentType,
			Size:        int64(len(img.Data)),
		})
	}
	return rows, nil
}

func (r *messageRepository) discardImages(ctx context.Context, rows []models.MessageImage) {
	ctx = context.WithoutCancel(ctx)
	for _, row := range rows {
		if err := r.blobs.Delete(ctx, row.Path); err != nil {
			logger.Warn("failed to remove orphan image", zap.String("path", row.Path), zap.Error(err))
		}
	}
}

// CreateError 错误消息与其 MessageError 同事务写入
func (r *messageRepository) CreateError(ctx context.Context, msg *models.Message, msgErr models.MessageError) error {
	if msg.Role != models.RoleAssistant {
		return apperrors.NewInvalidInputError("role", "error messages must be assistant messages")
	}
	if err := validateMessage(msg); err != nil {
		return err
	}
	if msgErr.Code == "" {
		return apperrors.NewInvalidInputError("code", "is required")
	}
	if msgErr.Title == "" {
		msgErr.Title = apperrors.ProviderErrorTitle(msgErr.Code)
	}
	finish := models.FinishError
	msg.IsError = true
	msg.FinishReason = &finish

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(msg).Error; err != nil {
			return err
		}
		msgErr.MessageID = msg.ID
		return tx.Create(&msgErr).Error
	})
	if err != nil {
		return dbError(err, "message")
	}
	msg.Error = &msgErr
	return nil
}

func withChildren(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Images", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order ASC") }).
		Preload("Error")
}

func (r *messageRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var msg models.Message
	if err := withChildren(r.db.WithContext(ctx)).Where("id = ?", id).First(&msg).Error; err != nil {
		return nil, dbError(err, "message")
	}
	return &msg, nil
}

// ListForConversation 按 created_at 升序
func (r *messageRepository) ListForConversation(ctx context.Context, conversationUUID uuid.UUID) ([]models.Message, error) {
	var msgs []models.Message
	err := withChildren(r.db.WithContext(ctx)).
		Where("conversation_uuid = ?", conversationUUID).
		Order("created_at ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, dbError(err, "messages")
	}
	return msgs, nil
}

// AttachCitations has_citations 与列表保持一致
func (r *messageRepository) AttachCitations(ctx context.Context, id uuid.UUID, citations []models.Citation) error {
	res := r.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).Updates(map[string]interface{}{
		"has_citations": len(citations) > 0,
		"citations":     datatypes.NewJSONSlice(citations),
	})
	if res.Error != nil {
		return dbError(res.Error, "message")
	}
	if res.RowsAffected == 0 {
		return apperrors.NewNotFoundError("message")
	}
	return nil
}

func (r *messageRepository) ImageData(ctx context.Context, img models.MessageImage) ([]byte, error) {
	if r.blobs == nil {
		return nil, apperrors.NewServiceError(apperrors.ErrCodeStorageError, "image storage not configured")
	}
	data, err := r.blobs.Get(ctx, img.Path)
	if err != nil {
		return nil, apperrors.NewServiceError(apperrors.ErrCodeStorageError, "failed to read image").WithCause(err)
	}
	return data, nil
}
