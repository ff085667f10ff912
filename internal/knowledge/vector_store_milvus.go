package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aihub/chat-backend/internal/config"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"
)

const (
	milvusFieldID          = "id"
	milvusFieldKnowledgeID = "knowledge_id"
	milvusFieldUserID      = "user_id"
	milvusFieldOrdinal     = "ordinal"
	milvusFieldText        = "text"
	milvusFieldMetadata    = "metadata"
	milvusFieldVector      = "vector"
)

var milvusOutputFields = []string{
	milvusFieldID, milvusFieldKnowledgeID, milvusFieldUserID, milvusFieldOrdinal, milvusFieldText, milvusFieldMetadata,
}

type milvusVectorStore struct {
	client     client.Client
	collection string
	dimension  int
	log        *zap.Logger

	once    sync.Once
	initErr error
}

// NewMilvusVectorStore 单集合存储所有用户分块，按 user_id / knowledge_id 标量过滤
func NewMilvusVectorStore(ctx context.Context, collection string, dimension int, cfg config.MilvusConfig) (VectorStore, error) {
	if cfg.Address == "" {
		cfg.Address = "localhost:19530"
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if collection == "" {
		collection = "knowledge_chunks"
	}
	if dimension <= 0 {
		dimension = 768
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c, err := client.NewClient(connectCtx, client.Config{
		Address:       cfg.Address,
		DBName:        cfg.Database,
		Username:      cfg.Username,
		Password:      cfg.Password,
		EnableTLSAuth: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	return &milvusVectorStore{
		client:     c,
		collection: collection,
		dimension:  dimension,
		log:        logger.Named("milvus").With(zap.String("collection", collection)),
	}, nil
}

func (s *milvusVectorStore) ensureCollection(ctx context.Context) error {
	s.once.Do(func() {
		s.initErr = s.createCollection(ctx)
	})
	return s.initErr
}

func (s *milvusVectorStore) createCollection(ctx context.Context) error {
	exists, err := s.client.HasCollection(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !exists {
		schema := &entity.Schema{
			CollectionName: s.collection,
			Description:    "knowledge chunks",
			Fields: []*entity.Field{
				{Name: milvusFieldID, DataType: entity.FieldTypeVarChar, PrimaryKey: true, TypeParams: map[string]string{"max_length": "128"}},
				{Name: milvusFieldKnowledgeID, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "64"}},
				{Name: milvusFieldUserID, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "64"}},
				{Name: milvusFieldOrdinal, DataType: entity.FieldTypeInt64},
				{Name: milvusFieldText, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "65535"}},
				{Name: milvusFieldMetadata, DataType: entity.FieldTypeJSON},
				{Name: milvusFieldVector, DataType: entity.FieldTypeFloatVector, TypeParams: map[string]string{"dim": strconv.Itoa(s.dimension)}},
			},
		}
		if err := s.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		index, err := entity.NewIndexHNSW(entity.COSINE, 8, 64)
		if err != nil {
			return fmt.Errorf("failed to build index: %w", err)
		}
		if err := s.client.CreateIndex(ctx, s.collection, milvusFieldVector, index, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
		s.log.Info("created milvus collection", zap.Int("dimension", s.dimension))
	}
	if err := s.client.LoadCollection(ctx, s.collection, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

// fitDimension 维度不一致时截断或补零
func (s *milvusVectorStore) fitDimension(vec []float32) []float32 {
	if len(vec) == s.dimension {
		return vec
	}
	out := make([]float32, s.dimension)
	copy(out, vec)
	return out
}

func (s *milvusVectorStore) Upsert(ctx context.Context, records []ChunkRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	n := len(records)
	ids := make([]string, n)
	knowledgeIDs := make([]string, n)
	userIDs := make([]string, n)
	ordinals := make([]int64, n)
	texts := make([]string, n)
	metas := make([][]byte, n)
	vectors := make([][]float32, n)
	for i, r := range records {
		if len(r.Embedding) == 0 {
			return fmt.Errorf("chunk %s has no embedding", r.ID)
		}
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", r.ID, err)
		}
		ids[i], knowledgeIDs[i], userIDs[i] = r.ID, r.KnowledgeID, r.UserID
		ordinals[i], texts[i], metas[i] = int64(r.Ordinal), truncateRunes(r.Text, 16000), meta
		vectors[i] = s.fitDimension(r.Embedding)
	}

	_, err := s.client.Upsert(ctx, s.collection, "",
		entity.NewColumnVarChar(milvusFieldID, ids),
		entity.NewColumnVarChar(milvusFieldKnowledgeID, knowledgeIDs),
		entity.NewColumnVarChar(milvusFieldUserID, userIDs),
		entity.NewColumnInt64(milvusFieldOrdinal, ordinals),
		entity.NewColumnVarChar(milvusFieldText, texts),
		entity.NewColumnJSONBytes(milvusFieldMetadata, metas),
		entity.NewColumnFloatVector(milvusFieldVector, s.dimension, vectors),
	)
	if err != nil {
		return fmt.Errorf("milvus upsert failed: %w", err)
	}
	if err := s.client.Flush(ctx, s.collection, false); err != nil {
		s.log.Warn("milvus flush failed", zap.Error(err))
	}
	return nil
}

// Query Milvus 的 COSINE 分数为相似度，这里换算为距离
func (s *milvusVectorStore) Query(ctx context.Context, embedding []float32, k int, filter Filter) ([]QueryResult, error) {
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	sp, _ := entity.NewIndexHNSWSearchParam(64)
	results, err := s.client.Search(
		ctx,
		s.collection,
		[]string{},
		milvusExpr(filter),
		milvusOutputFields,
		[]entity.Vector{entity.FloatVector(s.fitDimension(embedding))},
		milvusFieldVector,
		entity.COSINE,
		k,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("milvus search failed: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	if results[0].Err != nil {
		return nil, fmt.Errorf("milvus search error: %w", results[0].Err)
	}

	result := results[0]
	records := recordsFromColumns(result.Fields, result.ResultCount)
	out := make([]QueryResult, 0, len(records))
	for i, r := range records {
		distance := 1.0
		if i < len(result.Scores) {
			distance = 1 - float64(result.Scores[i])
		}
		out = append(out, QueryResult{ChunkRecord: r, Distance: distance})
	}
	return out, nil
}

func (s *milvusVectorStore) Delete(ctx context.Context, filter Filter) error {
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}
	if err := s.client.Delete(ctx, s.collection, "", milvusExpr(filter)); err != nil {
		return fmt.Errorf("milvus delete failed: %w", err)
	}
	if err := s.client.Flush(ctx, s.collection, false); err != nil {
		s.log.Warn("milvus flush after delete failed", zap.Error(err))
	}
	return nil
}

func (s *milvusVectorStore) List(ctx context.Context, filter Filter, limit int) ([]ChunkRecord, error) {
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	columns, err := s.client.Query(ctx, s.collection, []string{}, milvusExpr(filter), milvusOutputFields, client.WithLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("milvus query failed: %w", err)
	}
	rows := 0
	for _, col := range columns {
		if col.Len() > rows {
			rows = col.Len()
		}
	}
	return recordsFromColumns(columns, rows), nil
}

// milvusExpr 标量过滤表达式；无条件时匹配全部
func milvusExpr(filter Filter) string {
	var parts []string
	if filter.UserID != "" {
		parts = append(parts, milvusFieldUserID+" == "+strconv.Quote(filter.UserID))
	}
	if filter.KnowledgeID != "" {
		parts = append(parts, milvusFieldKnowledgeID+" == "+strconv.Quote(filter.KnowledgeID))
	}
	if len(parts) == 0 {
		return milvusFieldID + ` != ""`
	}
	return strings.Join(parts, " && ")
}

func recordsFromColumns(columns []entity.Column, count int) []ChunkRecord {
	records := make([]ChunkRecord, count)
	for _, col := range columns {
		switch c := col.(type) {
		case *entity.ColumnVarChar:
			data := c.Data()
			for i := 0; i < count && i < len(data); i++ {
				switch c.Name() {
				case milvusFieldID:
					records[i].ID = data[i]
				case milvusFieldKnowledgeID:
					records[i].KnowledgeID = data[i]
				case milvusFieldUserID:
					records[i].UserID = data[i]
				case milvusFieldText:
					records[i].Text = data[i]
				}
			}
		case *entity.ColumnInt64:
			if c.Name() != milvusFieldOrdinal {
				continue
			}
			data := c.Data()
			for i := 0; i < count && i < len(data); i++ {
				records[i].Ordinal = int(data[i])
			}
		case *entity.ColumnJSONBytes:
			data := c.Data()
			for i := 0; i < count && i < len(data); i++ {
				var meta map[string]interface{}
				if json.Unmarshal(data[i], &meta) == nil {
					records[i].Metadata = meta
				}
			}
		}
	}
	return records
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
