package knowledge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memShared 进程外共享缓存的内存实现，多个 searchCache 可共用
type memShared struct {
	mu     sync.Mutex
	values map[string][]byte
	ints   map[string]int64
}

func newMemShared() *memShared {
	return &memShared{values: map[string][]byte{}, ints: map[string]int64{}}
}

func (m *memShared) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, errSharedMiss
	}
	return v, nil
}

func (m *memShared) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memShared) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ints[key]++
	return m.ints[key], nil
}

func (m *memShared) Int(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.ints[key]
	if !ok {
		return 0, errSharedMiss
	}
	return n, nil
}

func TestSearchCache_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	shared := newMemShared()
	a := newSearchCache(time.Minute, 10, shared)
	b := newSearchCache(time.Minute, 10, shared)

	a.set(ctx, "q", []Result{{ChunkID: "k1_0"}})
	got, ok := b.get(ctx, "q")
	require.True(t, ok)
	assert.Equal(t, "k1_0", got[0].ChunkID)
}

func TestSearchCache_ClearHidesSharedEntries(t *testing.T) {
	ctx := context.Background()
	shared := newMemShared()
	a := newSearchCache(time.Minute, 10, shared)
	b := newSearchCache(time.Minute, 10, shared)

	a.set(ctx, "q", []Result{{ChunkID: "k1_0"}})
	_, ok := b.get(ctx, "q")
	require.True(t, ok)

	require.NoError(t, a.clear(ctx))

	_, ok = a.get(ctx, "q")
	assert.False(t, ok, "the invalidating process must not read its old result back from the shared cache")

	a.set(ctx, "q", []Result{{ChunkID: "k1_1"}})
	got, ok := a.get(ctx, "q")
	require.True(t, ok)
	assert.Equal(t, "k1_1", got[0].ChunkID)
}

func TestEngine_InvalidateAdvancesSharedGeneration(t *testing.T) {
	engine, store := newTestEngine(t, testRetrievalConfig())
	shared := newMemShared()
	engine.search.shared = shared
	ctx := context.Background()

	before, err := engine.RelevantContext(ctx, "ragdoll", 7, 3)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	require.NoError(t, store.Delete(ctx, Filter{KnowledgeID: "k2"}))
	engine.Invalidate()

	after, err := engine.RelevantContext(ctx, "ragdoll", 7, 3)
	require.NoError(t, err)
	for _, r := range after {
		assert.NotEqual(t, "k2", r.Metadata["knowledge_id"], "deleted chunk %s still returned", r.ChunkID)
	}
	n, err := shared.Int(ctx, searchGenerationKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
