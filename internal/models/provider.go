package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProviderType 上游提供商类型
type ProviderType string

const (
	ProviderOllama     ProviderType = "ollama"     // 本地推理
	ProviderOpenAI     ProviderType = "openai"     // OpenAI 兼容
	ProviderAnthropic  ProviderType = "anthropic"  // Anthropic messages API
	ProviderGoogle     ProviderType = "google"     // Google GenAI
	ProviderOpenRouter ProviderType = "openrouter" // 聚合网关
)

// ProviderSettings 用户级提供商配置，(user_id, provider_type) 唯一
type ProviderSettings struct {
	ID             uuid.UUID    `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID         uint         `gorm:"column:user_id;not null;uniqueIndex:idx_provider_settings_user_type" json:"user_id"`
	ProviderType   ProviderType `gorm:"column:provider_type;size:50;not null;uniqueIndex:idx_provider_settings_user_type" json:"provider_type"`
	APIKey         *string      `gorm:"column:api_key;type:text" json:"-"`
	Endpoint       *string      `gorm:"column:endpoint;size:500" json:"endpoint"`
	OrganizationID *string      `gorm:"column:organization_id;size:200" json:"organization_id"`
	IsEnabled      bool         `gorm:"column:is_enabled;not null" json:"is_enabled"`
	CreatedAt      time.Time    `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (ProviderSettings) TableName() string {
	return "provider_settings"
}

func (p *ProviderSettings) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// HasAPIKey 是否配置了密钥
func (p *ProviderSettings) HasAPIKey() bool {
	return p.APIKey != nil && *p.APIKey != ""
}
