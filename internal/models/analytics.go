package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 分析事件类型
const (
	EventChatCompletion = "chat_completion"
	EventChatError      = "chat_error"
	EventChatCancelled  = "chat_cancelled"
)

// AnalyticsEvent 用量事件（只追加）
type AnalyticsEvent struct {
	ID               uuid.UUID         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID           uint              `gorm:"column:user_id;not null;index" json:"user_id"`
	EventType        string            `gorm:"column:event_type;size:50;not null;index" json:"event_type"`
	Provider         string            `gorm:"size:50" json:"provider"`
	Model            string            `gorm:"size:200" json:"model"`
	PromptTokens     int               `gorm:"column:prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int               `gorm:"column:completion_tokens" json:"completion_tokens"`
	TotalTokens      int               `gorm:"column:total_tokens" json:"total_tokens"`
	Cost             decimal.Decimal   `gorm:"column:cost;type:numeric(18,8)" json:"cost"`
	DurationMs       int64             `gorm:"column:duration_ms" json:"duration_ms"`
	Metadata         datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	Timestamp        time.Time         `gorm:"column:timestamp;not null;index" json:"timestamp"`
}

func (AnalyticsEvent) TableName() string {
	return "analytics_events"
}

func (e *AnalyticsEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
