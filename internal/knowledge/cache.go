package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var cacheLookups = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "retrieval_cache_lookups_total",
		Help: "Retrieval cache lookups by cache and result",
	},
	[]string{"cache", "result"},
)

// CacheStats 单个缓存的命中统计
type CacheStats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Size     int   `json:"size"`
	Capacity int   `json:"capacity"`
}

type cacheCounter struct {
	name   string
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *cacheCounter) hit() {
	c.hits.Add(1)
	cacheLookups.WithLabelValues(c.name, "hit").Inc()
}

func (c *cacheCounter) miss() {
	c.misses.Add(1)
	cacheLookups.WithLabelValues(c.name, "miss").Inc()
}

func (c *cacheCounter) snapshot(size, capacity int) CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: size, Capacity: capacity}
}

type searchEntry struct {
	results []Result
	stored  time.Time
}

// sharedStore 跨进程共享的二级缓存
type sharedStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Int(ctx context.Context, key string) (int64, error)
}

// errSharedMiss 共享缓存中不存在该键
var errSharedMiss = errors.New("shared cache miss")

type redisStore struct {
	client *redis.Client
}

func newRedisStore(client *redis.Client) sharedStore {
	if client == nil {
		return nil
	}
	return &redisStore{client: client}
}

func (r *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errSharedMiss
	}
	return raw, err
}

func (r *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisStore) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

func (r *redisStore) Int(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, errSharedMiss
	}
	return n, err
}

// searchGenerationKey 失效时自增，共享缓存键带上当前代数，旧代数的结果不再可见
const searchGenerationKey = "retrieval:generation"

// searchCache 检索结果缓存，带 TTL，满时淘汰最早写入的一项
type searchCache struct {
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]searchEntry
	stats   cacheCounter

	// 可选的共享二级缓存
	shared sharedStore
}

func newSearchCache(ttl time.Duration, capacity int, shared sharedStore) *searchCache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	if capacity <= 0 {
		capacity = 100
	}
	return &searchCache{
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		entries:  make(map[string]searchEntry),
		stats:    cacheCounter{name: "search"},
		shared:   shared,
	}
}

// sharedKey 共享缓存不可用时返回 false
func (c *searchCache) sharedKey(ctx context.Context, key string) (string, bool) {
	if c.shared == nil {
		return "", false
	}
	gen, err := c.shared.Int(ctx, searchGenerationKey)
	if err != nil && !errors.Is(err, errSharedMiss) {
		return "", false
	}
	return fmt.Sprintf("retrieval:%d:%s", gen, key), true
}

func (c *searchCache) get(ctx context.Context, key string) ([]Result, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && c.now().Sub(entry.stored) > c.ttl {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if ok {
		c.stats.hit()
		return entry.results, true
	}

	if sk, ok := c.sharedKey(ctx, key); ok {
		if raw, err := c.shared.Get(ctx, sk); err == nil {
			var results []Result
			if json.Unmarshal(raw, &results) == nil {
				c.storeLocal(key, results)
				c.stats.hit()
				return results, true
			}
		}
	}
	c.stats.miss()
	return nil, false
}

func (c *searchCache) set(ctx context.Context, key string, results []Result) {
	c.storeLocal(key, results)
	if sk, ok := c.sharedKey(ctx, key); ok {
		if raw, err := json.Marshal(results); err == nil {
			_ = c.shared.Set(ctx, sk, raw, c.ttl)
		}
	}
}

func (c *searchCache) storeLocal(key string, results []Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		var (
			oldestKey string
			oldest    time.Time
		)
		for k, e := range c.entries {
			if oldestKey == "" || e.stored.Before(oldest) {
				oldestKey, oldest = k, e.stored
			}
		}
		delete(c.entries, oldestKey)
	}
	c.entries[key] = searchEntry{results: results, stored: c.now()}
}

// clear 清空本地缓存并推进共享缓存代数，其他进程的旧结果随之失效
func (c *searchCache) clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]searchEntry)
	c.mu.Unlock()
	if c.shared == nil {
		return nil
	}
	_, err := c.shared.Incr(ctx, searchGenerationKey)
	return err
}

func (c *searchCache) statsSnapshot() CacheStats {
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()
	return c.stats.snapshot(size, c.capacity)
}

// chunkCache 分块列表缓存，满时任意淘汰
type chunkCache struct {
	capacity int

	mu      sync.Mutex
	entries map[string][]ChunkRecord
	stats   cacheCounter
}

func newChunkCache(capacity int) *chunkCache {
	if capacity <= 0 {
		capacity = 500
	}
	return &chunkCache{capacity: capacity, entries: make(map[string][]ChunkRecord), stats: cacheCounter{name: "chunks"}}
}

func (c *chunkCache) get(key string) ([]ChunkRecord, bool) {
	c.mu.Lock()
	records, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		c.stats.hit()
	} else {
		c.stats.miss()
	}
	return records, ok
}

func (c *chunkCache) set(key string, records []ChunkRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[key] = records
}

func (c *chunkCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string][]ChunkRecord)
	c.mu.Unlock()
}

func (c *chunkCache) statsSnapshot() CacheStats {
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()
	return c.stats.snapshot(size, c.capacity)
}
