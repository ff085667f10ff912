package knowledge

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
)

var testVocabulary = []string{"rag", "retrieval", "augmented", "generation", "ragdoll", "cat", "weather"}

// vocabEmbedder 按词表计数生成向量，最后一维恒为 1
type vocabEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (e *vocabEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	vec := make([]float32, len(testVocabulary)+1)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !unicode.IsLetter(r) })
	for _, w := range words {
		for i, v := range testVocabulary {
			if w == v {
				vec[i]++
			}
		}
	}
	vec[len(testVocabulary)] = 1
	return vec, nil
}

type zeroEmbedder struct{}

func (zeroEmbedder) Embed(context.Context, string) ([]float32, error) {
	return make([]float32, 4), nil
}

// memVectorStore 内存余弦向量库
type memVectorStore struct {
	mu      sync.Mutex
	records map[string]ChunkRecord
	queries int
}

func newMemVectorStore() *memVectorStore {
	return &memVectorStore{records: map[string]ChunkRecord{}}
}

func (s *memVectorStore) Upsert(_ context.Context, records []ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.ID] = r
	}
	return nil
}

func matches(r ChunkRecord, f Filter) bool {
	return (f.UserID == "" || r.UserID == f.UserID) && (f.KnowledgeID == "" || r.KnowledgeID == f.KnowledgeID)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (s *memVectorStore) Query(_ context.Context, embedding []float32, k int, filter Filter) ([]QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	var out []QueryResult
	for _, r := range s.records {
		if matches(r, filter) {
			out = append(out, QueryResult{ChunkRecord: r, Distance: 1 - cosine(embedding, r.Embedding)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *memVectorStore) Delete(_ context.Context, filter Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.records {
		if matches(r, filter) {
			delete(s.records, id)
		}
	}
	return nil
}

func (s *memVectorStore) List(_ context.Context, filter Filter, limit int) ([]ChunkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ChunkRecord
	for _, r := range s.records {
		if matches(r, filter) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memVectorStore) count(filter Filter) int {
	records, _ := s.List(context.Background(), filter, 0)
	return len(records)
}

type statusCall struct {
	state   string
	chunks  int
	message string
}

// memStatus 记录状态变更
type memStatus struct {
	mu    sync.Mutex
	calls map[uuid.UUID][]statusCall
}

func newMemStatus() *memStatus {
	return &memStatus{calls: map[uuid.UUID][]statusCall{}}
}

func (s *memStatus) record(id uuid.UUID, c statusCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[id] = append(s.calls[id], c)
}

func (s *memStatus) MarkProcessing(_ context.Context, id uuid.UUID) error {
	s.record(id, statusCall{state: "processing"})
	return nil
}

func (s *memStatus) MarkReady(_ context.Context, id uuid.UUID, _ string, chunkCount int, _ map[string]interface{}) error {
	s.record(id, statusCall{state: "ready", chunks: chunkCount})
	return nil
}

func (s *memStatus) MarkError(_ context.Context, id uuid.UUID, message string) error {
	s.record(id, statusCall{state: "error", message: message})
	return nil
}

func (s *memStatus) last(id uuid.UUID) statusCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := s.calls[id]
	if len(calls) == 0 {
		return statusCall{}
	}
	return calls[len(calls)-1]
}
