package knowledge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aihub/chat-backend/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

const defaultMaxInputChars = 8000

// Embedder 定义文本向量化接口
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewEmbedder 按配置选择句向量服务或本地推理服务的 embeddings 接口，并包一层缓存
func NewEmbedder(cfg config.EmbeddingConfig, ollamaHost string) *CachedEmbedder {
	var inner Embedder
	if cfg.UseSentenceTransformers {
		inner = NewSentenceEmbedder(cfg.SentenceTransformerEndpoint, cfg.SentenceTransformerModel)
	} else {
		inner = NewOllamaEmbedder(ollamaHost, cfg.Model)
	}
	return NewCachedEmbedder(inner, cfg.CacheSize, cfg.MaxInputChars)
}

// OllamaEmbedder 调用本地推理服务 /api/embeddings
type OllamaEmbedder struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewOllamaEmbedder(endpoint, model string) *OllamaEmbedder {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{"model": e.model, "prompt": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding request failed: status %d", resp.StatusCode)
	}

	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embedding: %w", err)
	}
	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// SentenceEmbedder 句向量服务，走 OpenAI 兼容的 /embeddings 接口
type SentenceEmbedder struct {
	client *openai.Client
	model  string
}

func NewSentenceEmbedder(endpoint, model string) *SentenceEmbedder {
	cfg := openai.DefaultConfig("")
	if endpoint != "" {
		cfg.BaseURL = strings.TrimRight(endpoint, "/")
	}
	if model == "" {
		model = "all-MiniLM-L6-v2"
	}
	return &SentenceEmbedder{client: openai.NewClientWithConfig(cfg), model: model}
}

func (e *SentenceEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding response empty")
	}
	embedding := resp.Data[0].Embedding
	result := make([]float32, len(embedding))
	copy(result, embedding)
	return result, nil
}

// CachedEmbedder 按内容哈希缓存向量，满时随机淘汰一项
type CachedEmbedder struct {
	inner    Embedder
	maxChars int
	capacity int

	mu      sync.Mutex
	entries map[string][]float32
	stats   cacheCounter
}

func NewCachedEmbedder(inner Embedder, capacity, maxChars int) *CachedEmbedder {
	if capacity <= 0 {
		capacity = 1000
	}
	if maxChars <= 0 {
		maxChars = defaultMaxInputChars
	}
	return &CachedEmbedder{
		inner:    inner,
		maxChars: maxChars,
		capacity: capacity,
		entries:  make(map[string][]float32),
		stats:    cacheCounter{name: "embedding"},
	}
}

func (e *CachedEmbedder) truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= e.maxChars {
		return text
	}
	return string(runes[:e.maxChars])
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = e.truncate(strings.TrimSpace(text))
	if text == "" {
		return nil, nil
	}
	key := contentHash(text)

	e.mu.Lock()
	if vec, ok := e.entries[key]; ok {
		e.mu.Unlock()
		e.stats.hit()
		return vec, nil
	}
	e.mu.Unlock()
	e.stats.miss()

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.entries) >= e.capacity {
		for k := range e.entries {
			delete(e.entries, k)
			break
		}
	}
	e.entries[key] = vec
	e.mu.Unlock()
	return vec, nil
}

// Stats 缓存统计
func (e *CachedEmbedder) Stats() CacheStats {
	e.mu.Lock()
	size := len(e.entries)
	e.mu.Unlock()
	return e.stats.snapshot(size, e.capacity)
}

// degenerate 空向量或全零向量
func degenerate(vec []float32) bool {
	for _, v := range vec {
		if v > 1e-9 || v < -1e-9 {
			return false
		}
	}
	return true
}
