package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/aihub/chat-backend/internal/config"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	SearchSemantic = "semantic"
	SearchLexical  = "lexical"
	SearchContext  = "context"
)

// Result 检索返回的一个分块
type Result struct {
	ChunkID    string                 `json:"chunk_id"`
	Text       string                 `json:"text"`
	Metadata   map[string]interface{} `json:"metadata"`
	Score      float64                `json:"score"`
	SearchType string                 `json:"search_type"`
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "to": true,
	"in": true, "on": true, "for": true, "is": true, "are": true, "was": true, "be": true,
	"what": true, "how": true, "why": true, "with": true, "by": true, "it": true, "this": true,
	"that": true, "as": true, "at": true, "from": true, "do": true, "does": true,
}

// Engine 混合检索：向量召回与关键词打分融合，结果按 (query, user, k) 缓存
type Engine struct {
	gateway *Gateway
	cfg     config.RetrievalConfig
	search  *searchCache
	chunks  *chunkCache
	log     *zap.Logger
}

// NewEngine shared 非空时检索结果同时写入 redis
func NewEngine(gateway *Gateway, cfg config.RetrievalConfig, shared *redis.Client) *Engine {
	if cfg.SemanticWeight == 0 && cfg.LexicalWeight == 0 {
		cfg.SemanticWeight, cfg.LexicalWeight = 0.7, 0.3
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.5
	}
	if cfg.FetchMultiplier <= 0 {
		cfg.FetchMultiplier = 3
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 5
	}
	if cfg.ContextChunks <= 0 {
		cfg.ContextChunks = 20
	}
	if !cfg.SharedCache {
		shared = nil
	}
	return &Engine{
		gateway: gateway,
		cfg:     cfg,
		search:  newSearchCache(cfg.SearchCacheTTL, cfg.SearchCacheSize, newRedisStore(shared)),
		chunks:  newChunkCache(cfg.ChunkCacheSize),
		log:     logger.Named("retrieval"),
	}
}

func userKey(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}

// RelevantContext 返回与 query 最相关的 k 个分块；空查询或退化向量返回空列表
func (e *Engine) RelevantContext(ctx context.Context, query string, userID uint, k int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Result{}, nil
	}
	if k <= 0 {
		k = e.cfg.DefaultK
	}

	cacheKey := contentHash(fmt.Sprintf("%s\x00%d\x00%d", query, userID, k))
	if cached, ok := e.search.get(ctx, cacheKey); ok {
		return cached, nil
	}

	embedding, err := e.gateway.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if degenerate(embedding) {
		return []Result{}, nil
	}

	semantic, err := e.semantic(ctx, embedding, userID, k)
	if err != nil {
		return nil, err
	}

	results := semantic
	if e.cfg.Hybrid {
		lexical, err := e.lexical(ctx, query, userID, k)
		if err != nil {
			e.log.Warn("lexical search failed", zap.Uint("user_id", userID), zap.Error(err))
		}
		results = e.fuse(semantic, lexical, k)
	}

	e.search.set(ctx, cacheKey, results)
	return results, nil
}

func (e *Engine) semantic(ctx context.Context, embedding []float32, userID uint, k int) ([]Result, error) {
	hits, err := e.gateway.Query(ctx, embedding, k*e.cfg.FetchMultiplier, Filter{UserID: userKey(userID)})
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		similarity := 1 - h.Distance
		if similarity <= e.cfg.SimilarityThreshold {
			continue
		}
		results = append(results, resultFromRecord(h.ChunkRecord, similarity, SearchSemantic))
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// keywords 小写分词并去掉停用词
func keywords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	seen := map[string]bool{}
	for _, f := range fields {
		if stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// lexicalScore 关键词出现次数之和 / (分块词数 + 1)
func lexicalScore(text string, terms []string) float64 {
	lower := strings.ToLower(text)
	occurrences := 0
	for _, t := range terms {
		occurrences += strings.Count(lower, t)
	}
	if occurrences == 0 {
		return 0
	}
	return float64(occurrences) / float64(len(strings.Fields(lower))+1)
}

func (e *Engine) lexical(ctx context.Context, query string, userID uint, k int) ([]Result, error) {
	terms := keywords(query)
	if len(terms) == 0 {
		return nil, nil
	}
	records, err := e.listChunks(ctx, Filter{UserID: userKey(userID)}, 0)
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, r := range records {
		if score := lexicalScore(r.Text, terms); score > 0 {
			results = append(results, resultFromRecord(r, score, SearchLexical))
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// fuse 按内容去重后加权重排
func (e *Engine) fuse(semantic, lexical []Result, k int) []Result {
	seen := map[string]bool{}
	fused := make([]Result, 0, len(semantic)+len(lexical))
	add := func(r Result, weight float64) {
		h := contentHash(r.Text)
		if seen[h] {
			return
		}
		seen[h] = true
		r.Score *= weight
		fused = append(fused, r)
	}
	for _, r := range semantic {
		add(r, e.cfg.SemanticWeight)
	}
	for _, r := range lexical {
		add(r, e.cfg.LexicalWeight)
	}
	sort.SliceStable(fused, func(i, j int) bool { return fused[i].Score > fused[j].Score })
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused
}

func (e *Engine) listChunks(ctx context.Context, filter Filter, limit int) ([]ChunkRecord, error) {
	key := filter.key() + "|" + strconv.Itoa(limit)
	if records, ok := e.chunks.get(key); ok {
		return records, nil
	}
	records, err := e.gateway.Chunks(ctx, filter, limit)
	if err != nil {
		return nil, err
	}
	e.chunks.set(key, records)
	return records, nil
}

// ChunksForKnowledge 按序号返回某个知识文档的前若干分块，用于对话上下文
func (e *Engine) ChunksForKnowledge(ctx context.Context, knowledgeID uuid.UUID, userID uint) ([]Result, error) {
	records, err := e.listChunks(ctx, Filter{UserID: userKey(userID), KnowledgeID: knowledgeID.String()}, e.cfg.ContextChunks)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(records))
	for _, r := range records {
		results = append(results, resultFromRecord(r, 1, SearchContext))
	}
	return results, nil
}

// CitationsFor 见包级函数 CitationsFor
func (e *Engine) CitationsFor(response string, chunks []Result) (bool, []models.Citation) {
	return CitationsFor(response, chunks)
}

// CacheStats 三个缓存的命中统计
func (e *Engine) CacheStats() map[string]CacheStats {
	return map[string]CacheStats{
		"embedding": e.gateway.EmbeddingStats(),
		"search":    e.search.statsSnapshot(),
		"chunks":    e.chunks.statsSnapshot(),
	}
}

// Invalidate 分块变化后清空检索与分块缓存
func (e *Engine) Invalidate() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.search.clear(ctx); err != nil {
		e.log.Warn("failed to advance shared search cache generation", zap.Error(err))
	}
	e.chunks.clear()
}

func resultFromRecord(r ChunkRecord, score float64, searchType string) Result {
	meta := make(map[string]interface{}, len(r.Metadata)+2)
	for k, v := range r.Metadata {
		meta[k] = v
	}
	if _, ok := meta["knowledge_id"]; !ok {
		meta["knowledge_id"] = r.KnowledgeID
	}
	if _, ok := meta["citation"]; !ok {
		meta["citation"] = FormatCitation(meta)
	}
	return Result{
		ChunkID:    r.ID,
		Text:       r.Text,
		Metadata:   meta,
		Score:      score,
		SearchType: searchType,
	}
}
