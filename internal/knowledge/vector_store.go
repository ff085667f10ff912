package knowledge

import (
	"context"
	"fmt"
	"sort"

	"github.com/aihub/chat-backend/internal/logger"
	"go.uber.org/zap"
)

// ChunkRecord 向量库中的一条分块
type ChunkRecord struct {
	ID          string                 `json:"id"`
	KnowledgeID string                 `json:"knowledge_id"`
	UserID      string                 `json:"user_id"`
	Ordinal     int                    `json:"ordinal"`
	Text        string                 `json:"text"`
	Embedding   []float32              `json:"-"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// QueryResult 向量查询结果，Distance 为余弦距离
type QueryResult struct {
	ChunkRecord
	Distance float64
}

// Filter 元数据过滤，空字段不参与过滤
type Filter struct {
	UserID      string
	KnowledgeID string
}

func (f Filter) empty() bool {
	return f.UserID == "" && f.KnowledgeID == ""
}

func (f Filter) key() string {
	return "u:" + f.UserID + "|k:" + f.KnowledgeID
}

// ScopedFilter 限定到某用户的某个文档
func ScopedFilter(userID uint, knowledgeID string) Filter {
	return Filter{UserID: userKey(userID), KnowledgeID: knowledgeID}
}

// ChunkID 分块 id 由 (knowledge_id, 序号) 决定，重新处理时覆盖旧分块
func ChunkID(knowledgeID string, ordinal int) string {
	return fmt.Sprintf("%s_%d", knowledgeID, ordinal)
}

// VectorStore 持久化的余弦向量库
type VectorStore interface {
	Upsert(ctx context.Context, records []ChunkRecord) error
	Query(ctx context.Context, embedding []float32, k int, filter Filter) ([]QueryResult, error)
	Delete(ctx context.Context, filter Filter) error
	List(ctx context.Context, filter Filter, limit int) ([]ChunkRecord, error)
}

// LexicalIndex 分块的全文镜像，供词法检索列出用户分块
type LexicalIndex interface {
	Index(ctx context.Context, records []ChunkRecord) error
	Delete(ctx context.Context, filter Filter) error
	List(ctx context.Context, filter Filter, limit int) ([]ChunkRecord, error)
}

const maxListedChunks = 10000

// Gateway 嵌入生成与向量库读写的统一入口
type Gateway struct {
	embedder *CachedEmbedder
	store    VectorStore
	mirror   LexicalIndex
	log      *zap.Logger
}

// NewGateway mirror 可为 nil
func NewGateway(embedder *CachedEmbedder, store VectorStore, mirror LexicalIndex) *Gateway {
	return &Gateway{
		embedder: embedder,
		store:    store,
		mirror:   mirror,
		log:      logger.Named("vector_gateway"),
	}
}

func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	return g.embedder.Embed(ctx, text)
}

// Upsert 为缺少向量的记录生成向量后写入；全文镜像失败只记日志
func (g *Gateway) Upsert(ctx context.Context, records []ChunkRecord) error {
	if len(records) == 0 {
		return nil
	}
	for i := range records {
		if records[i].UserID == "" || records[i].KnowledgeID == "" {
			return fmt.Errorf("chunk %s is missing user_id or knowledge_id", records[i].ID)
		}
		if len(records[i].Embedding) > 0 {
			continue
		}
		vec, err := g.embedder.Embed(ctx, records[i].Text)
		if err != nil {
			return fmt.Errorf("failed to embed chunk %s: %w", records[i].ID, err)
		}
		records[i].Embedding = vec
	}
	if err := g.store.Upsert(ctx, records); err != nil {
		return err
	}
	if g.mirror != nil {
		if err := g.mirror.Index(ctx, records); err != nil {
			g.log.Warn("lexical mirror index failed", zap.Int("chunks", len(records)), zap.Error(err))
		}
	}
	return nil
}

func (g *Gateway) Query(ctx context.Context, embedding []float32, k int, filter Filter) ([]QueryResult, error) {
	if len(embedding) == 0 || k <= 0 {
		return nil, nil
	}
	return g.store.Query(ctx, embedding, k, filter)
}

// Delete 拒绝空过滤条件，避免清空整个库
func (g *Gateway) Delete(ctx context.Context, filter Filter) error {
	if filter.empty() {
		return fmt.Errorf("refusing to delete chunks without a filter")
	}
	if err := g.store.Delete(ctx, filter); err != nil {
		return err
	}
	if g.mirror != nil {
		if err := g.mirror.Delete(ctx, filter); err != nil {
			g.log.Warn("lexical mirror delete failed", zap.String("knowledge_id", filter.KnowledgeID), zap.Error(err))
		}
	}
	return nil
}

// Chunks 列出分块，按 (knowledge_id, 序号) 排序；优先读全文镜像
func (g *Gateway) Chunks(ctx context.Context, filter Filter, limit int) ([]ChunkRecord, error) {
	if limit <= 0 || limit > maxListedChunks {
		limit = maxListedChunks
	}
	var (
		records []ChunkRecord
		err     error
	)
	if g.mirror != nil {
		records, err = g.mirror.List(ctx, filter, limit)
		if err != nil {
			g.log.Warn("lexical mirror list failed, falling back to vector store", zap.Error(err))
		}
	}
	if g.mirror == nil || err != nil {
		records, err = g.store.List(ctx, filter, limit)
		if err != nil {
			return nil, err
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].KnowledgeID != records[j].KnowledgeID {
			return records[i].KnowledgeID < records[j].KnowledgeID
		}
		return records[i].Ordinal < records[j].Ordinal
	})
	return records, nil
}

// EmbeddingStats 嵌入缓存统计
func (g *Gateway) EmbeddingStats() CacheStats {
	return g.embedder.Stats()
}
