package models

import (
	"time"

	"gorm.io/datatypes"
)

// User 用户表（认证主体，仅保留聊天需要的字段）
type User struct {
	ID        uint      `gorm:"primaryKey;column:id" json:"id"`
	Username  string    `gorm:"size:100;not null;uniqueIndex" json:"username"`
	Email     string    `gorm:"size:255" json:"email"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`

	Settings         *UserSettings      `gorm:"foreignKey:UserID" json:"settings,omitempty"`
	ProviderSettings []ProviderSettings `gorm:"foreignKey:UserID" json:"-"`
}

func (User) TableName() string {
	return "users"
}

// UserSettings 用户偏好
type UserSettings struct {
	UserID       uint   `gorm:"primaryKey;column:user_id" json:"user_id"`
	Theme        string `gorm:"size:20" json:"theme"`
	DefaultModel string `gorm:"size:200;column:default_model" json:"default_model"`
	// 提示词生成偏好（模板、语言等）
	PromptGeneration datatypes.JSONMap `gorm:"type:jsonb;column:prompt_generation" json:"prompt_generation"`
	UpdatedAt        time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

func (UserSettings) TableName() string {
	return "user_settings"
}
