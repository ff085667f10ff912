package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// KnowledgeStatus 知识处理状态
type KnowledgeStatus string

const (
	KnowledgeProcessing KnowledgeStatus = "processing"
	KnowledgeReady      KnowledgeStatus = "ready"
	KnowledgeError      KnowledgeStatus = "error"
)

// Knowledge 用户知识文档
type Knowledge struct {
	ID           uuid.UUID         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID       uint              `gorm:"column:user_id;not null;index" json:"user_id"`
	Name         string            `gorm:"size:255;not null" json:"name"`
	Identifier   string            `gorm:"size:255;not null;uniqueIndex" json:"identifier"`
	Content      string            `gorm:"type:text" json:"content,omitempty"`
	FileType     *string           `gorm:"column:file_type;size:20" json:"file_type"`
	FileSize     *int64            `gorm:"column:file_size" json:"file_size"`
	Status       KnowledgeStatus   `gorm:"size:20;not null;index" json:"status"`
	ErrorMessage *string           `gorm:"column:error_message;type:text" json:"error_message"`
	ChunkCount   int               `gorm:"column:chunk_count;not null" json:"chunk_count"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt    time.Time         `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

func (Knowledge) TableName() string {
	return "knowledge"
}

func (k *Knowledge) BeforeCreate(tx *gorm.DB) error {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	return nil
}

// KnowledgeChunk pgvector 后端的分块行
type KnowledgeChunk struct {
	ID          string          `gorm:"column:id;size:100;primaryKey" json:"id"`
	KnowledgeID string          `gorm:"column:knowledge_id;size:64;not null;index" json:"knowledge_id"`
	UserID      string          `gorm:"column:user_id;size:64;not null;index" json:"user_id"`
	Ordinal     int             `gorm:"column:ordinal;not null" json:"ordinal"`
	Text        string          `gorm:"column:text;type:text;not null" json:"text"`
	Embedding   pgvector.Vector `gorm:"column:embedding;type:vector" json:"-"`
	Metadata    datatypes.JSON  `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreatedAt   time.Time       `gorm:"column:created_at;not null" json:"created_at"`
}

func (KnowledgeChunk) TableName() string {
	return "knowledge_chunks"
}
