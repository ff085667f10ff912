package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aihub/chat-backend/internal/models"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PGVectorStore 基于 pgvector 的向量库，分块存放在 knowledge_chunks 表
type PGVectorStore struct {
	db *gorm.DB
}

func NewPGVectorStore(db *gorm.DB) *PGVectorStore {
	return &PGVectorStore{db: db}
}

func (s *PGVectorStore) Upsert(ctx context.Context, records []ChunkRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([]models.KnowledgeChunk, 0, len(records))
	for _, r := range records {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", r.ID, err)
		}
		rows = append(rows, models.KnowledgeChunk{
			ID:          r.ID,
			KnowledgeID: r.KnowledgeID,
			UserID:      r.UserID,
			Ordinal:     r.Ordinal,
			Text:        r.Text,
			Embedding:   pgvector.NewVector(r.Embedding),
			Metadata:    datatypes.JSON(meta),
			CreatedAt:   now,
		})
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"knowledge_id", "user_id", "ordinal", "text", "embedding", "metadata"}),
		}).
		CreateInBatches(rows, 200).Error
}

func (s *PGVectorStore) scoped(ctx context.Context, filter Filter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&models.KnowledgeChunk{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.KnowledgeID != "" {
		q = q.Where("knowledge_id = ?", filter.KnowledgeID)
	}
	return q
}

type pgChunkRow struct {
	models.KnowledgeChunk
	Distance float64 `gorm:"column:distance"`
}

// Query 使用 <=> 余弦距离运算符
func (s *PGVectorStore) Query(ctx context.Context, embedding []float32, k int, filter Filter) ([]QueryResult, error) {
	vec := pgvector.NewVector(embedding)
	var rows []pgChunkRow
	err := s.scoped(ctx, filter).
		Select("id, knowledge_id, user_id, ordinal, text, metadata, embedding <=> ? AS distance", vec).
		Order(clause.Expr{SQL: "embedding <=> ?", Vars: []interface{}{vec}}).
		Limit(k).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("pgvector query failed: %w", err)
	}
	out := make([]QueryResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, QueryResult{ChunkRecord: recordFromRow(r.KnowledgeChunk), Distance: r.Distance})
	}
	return out, nil
}

func (s *PGVectorStore) Delete(ctx context.Context, filter Filter) error {
	return s.scoped(ctx, filter).Delete(&models.KnowledgeChunk{}).Error
}

func (s *PGVectorStore) List(ctx context.Context, filter Filter, limit int) ([]ChunkRecord, error) {
	var rows []models.KnowledgeChunk
	err := s.scoped(ctx, filter).
		Select("id, knowledge_id, user_id, ordinal, text, metadata").
		Order("knowledge_id ASC, ordinal ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]ChunkRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, recordFromRow(r))
	}
	return out, nil
}

func recordFromRow(r models.KnowledgeChunk) ChunkRecord {
	rec := ChunkRecord{
		ID:          r.ID,
		KnowledgeID: r.KnowledgeID,
		UserID:      r.UserID,
		Ordinal:     r.Ordinal,
		Text:        r.Text,
	}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &rec.Metadata)
	}
	return rec
}
