package repository

import (
	"context"

	"github.com/aihub/chat-backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository 基础仓库接口
type Repository interface {
	GetDB() *gorm.DB
}

// NewImage 待保存的消息图片
type NewImage struct {
	Data        []byte
	ContentType string
}

// MessageRepository 消息存储，所有创建路径一条消息一个事务
type MessageRepository interface {
	Repository
	Create(ctx context.Context, msg *models.Message, images []NewImage) error
	CreateError(ctx context.Context, msg *models.Message, msgErr models.MessageError) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error)
	ListForConversation(ctx context.Context, conversationUUID uuid.UUID) ([]models.Message, error)
	AttachCitations(ctx context.Context, id uuid.UUID, citations []models.Citation) error
	ImageData(ctx context.Context, img models.MessageImage) ([]byte, error)
}

// ConversationRepository 对话仓库
type ConversationRepository interface {
	Repository
	Create(ctx context.Context, conv *models.Conversation) error
	GetForUser(ctx context.Context, id uuid.UUID, userID uint) (*models.Conversation, error)
	ListForUser(ctx context.Context, userID uint, includeHidden bool) ([]models.Conversation, error)
	Touch(ctx context.Context, id uuid.UUID) error
	SoftDelete(ctx context.Context, id uuid.UUID, userID uint) error
}

// KnowledgeRepository 知识文档仓库
type KnowledgeRepository interface {
	Repository
	Create(ctx context.Context, k *models.Knowledge) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Knowledge, error)
	GetForUser(ctx context.Context, id uuid.UUID, userID uint) (*models.Knowledge, error)
	ListForUser(ctx context.Context, userID uint) ([]models.Knowledge, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkReady(ctx context.Context, id uuid.UUID, content string, chunkCount int, metadata map[string]interface{}) error
	MarkError(ctx context.Context, id uuid.UUID, message string) error
	Delete(ctx context.Context, id uuid.UUID, userID uint) error
}

// ProviderSettingsRepository 用户提供商配置仓库
type ProviderSettingsRepository interface {
	Repository
	FindProviderSettings(ctx context.Context, userID uint, t models.ProviderType) (*models.ProviderSettings, error)
	ListForUser(ctx context.Context, userID uint) ([]models.ProviderSettings, error)
	Upsert(ctx context.Context, ps *models.ProviderSettings) error
	CreateIfMissing(ctx context.Context, ps *models.ProviderSettings) (bool, error)
}

// UserRepository 用户仓库
type UserRepository interface {
	Repository
	EnsureUser(ctx context.Context, id uint, username string) (bool, error)
	GetByID(ctx context.Context, id uint) (*models.User, error)
}

// AnalyticsRepository 用量事件仓库
type AnalyticsRepository interface {
	Repository
	CreateAnalyticsEvent(ctx context.Context, event *models.AnalyticsEvent) error
}
