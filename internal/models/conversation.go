package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Role 消息角色
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// FinishReason 生成结束原因
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishError     FinishReason = "error"
	FinishCancelled FinishReason = "cancelled"
	FinishLength    FinishReason = "length"
)

// Conversation 对话表，支持软删除，按 updated_at 倒序展示
type Conversation struct {
	UUID      uuid.UUID      `gorm:"column:uuid;type:uuid;primaryKey" json:"uuid"`
	UserID    uint           `gorm:"column:user_id;not null;index" json:"user_id"`
	Name      string         `gorm:"size:255;not null" json:"name"`
	IsPinned  bool           `gorm:"column:is_pinned;not null" json:"is_pinned"`
	IsHidden  bool           `gorm:"column:is_hidden;not null" json:"is_hidden"`
	CreatedAt time.Time      `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at;index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`

	Messages []Message `gorm:"foreignKey:ConversationUUID;references:UUID" json:"-"`
}

func (Conversation) TableName() string {
	return "conversations"
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.UUID == uuid.Nil {
		c.UUID = uuid.New()
	}
	return nil
}

// Citation 引用
type Citation struct {
	Text        string                 `json:"text"`
	Source      string                 `json:"source"`
	ChunkID     string                 `json:"chunk_id"`
	KnowledgeID string                 `json:"knowledge_id"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall 模型发起的工具调用
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult 工具调用结果
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
}

// Message 消息表
// user 消息必须有 UserID，且计时/token 字段为空；assistant 消息必须有 Model
type Message struct {
	ID               uuid.UUID     `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	ConversationUUID uuid.UUID     `gorm:"column:conversation_uuid;type:uuid;not null;index" json:"conversation_uuid"`
	Role             Role          `gorm:"column:role;size:20;not null" json:"role"`
	Content          string        `gorm:"type:text;not null" json:"content"`
	Model            string        `gorm:"size:200" json:"model"`
	Provider         string        `gorm:"size:50" json:"provider"`
	UserID           *uint         `gorm:"column:user_id;index" json:"user_id,omitempty"`
	CreatedAt        time.Time     `gorm:"column:created_at;not null;index" json:"created_at"`
	HasImages        bool          `gorm:"column:has_images;not null" json:"has_images"`
	TokensUsed       *int          `gorm:"column:tokens_used" json:"tokens_used"`
	GenerationTime   *float64      `gorm:"column:generation_time" json:"generation_time"`
	PromptTokens     *int          `gorm:"column:prompt_tokens" json:"prompt_tokens"`
	CompletionTokens *int          `gorm:"column:completion_tokens" json:"completion_tokens"`
	FinishReason     *FinishReason `gorm:"column:finish_reason;size:20" json:"finish_reason"`
	IsError          bool          `gorm:"column:is_error;not null" json:"is_error"`
	HasCitations     bool          `gorm:"column:has_citations;not null" json:"has_citations"`

	Citations   datatypes.JSONSlice[Citation]   `gorm:"type:jsonb;column:citations" json:"citations,omitempty"`
	ToolCalls   datatypes.JSONSlice[ToolCall]   `gorm:"type:jsonb;column:tool_calls" json:"tool_calls,omitempty"`
	ToolResults datatypes.JSONSlice[ToolResult] `gorm:"type:jsonb;column:tool_results" json:"tool_results,omitempty"`

	Images []MessageImage `gorm:"foreignKey:MessageID" json:"images,omitempty"`
	Error  *MessageError  `gorm:"foreignKey:MessageID" json:"error,omitempty"`
}

func (Message) TableName() string {
	return "messages"
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// MessageImage 消息图片，Order 保持上传顺序
type MessageImage struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	MessageID   uuid.UUID `gorm:"column:message_id;type:uuid;not null;index" json:"message_id"`
	Order       int       `gorm:"column:sort_order;not null" json:"order"`
	Path        string    `gorm:"size:500;not null" json:"path"`
	ContentType string    `gorm:"column:content_type;size:100" json:"content_type"`
	Size        int64     `gorm:"column:size" json:"size"`
	CreatedAt   time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (MessageImage) TableName() string {
	return "message_images"
}

func (i *MessageImage) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// MessageError 错误消息的一对一子记录
type MessageError struct {
	MessageID   uuid.UUID `gorm:"column:message_id;type:uuid;primaryKey" json:"message_id"`
	Code        string    `gorm:"size:100;not null" json:"code"`
	Title       string    `gorm:"size:255;not null" json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (MessageError) TableName() string {
	return "message_errors"
}
