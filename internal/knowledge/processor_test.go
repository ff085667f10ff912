package knowledge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aihub/chat-backend/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pageOne   = "Alpha sentence one is here. Beta sentence two follows it. Gamma closes page one."
	pageThree = "Short last page."
)

// pagedExtractors 用固定页内容代替真实 PDF 解析
func pagedExtractors(pages ...string) *Extractors {
	ex := NewExtractors(0)
	ex.byType["pdf"] = extractorFunc(func(File) (*Extracted, error) {
		sections := make([]Section, 0, len(pages))
		for i, p := range pages {
			sections = append(sections, Section{Text: p, Citation: map[string]interface{}{"page": i + 1}})
		}
		return &Extracted{Sections: nonEmpty(sections), Metadata: map[string]interface{}{"pages": len(pages)}}, nil
	})
	return ex
}

type processorFixture struct {
	store   *memVectorStore
	status  *memStatus
	changes int
	chunker Chunker
}

func newProcessorFixture(extractors *Extractors, opts ProcessorOptions) (*Processor, *processorFixture) {
	fx := &processorFixture{
		store:   newMemVectorStore(),
		status:  newMemStatus(),
		chunker: NewChunker(StrategySemantic, 60, 0),
	}
	opts.OnChange = func() { fx.changes++ }
	gateway := NewGateway(NewCachedEmbedder(&vocabEmbedder{}, 100, 0), fx.store, nil)
	return NewProcessor(extractors, fx.chunker, gateway, fx.status, opts), fx
}

func TestProcess_ChunksPerPageWithCitations(t *testing.T) {
	p, fx := newProcessorFixture(pagedExtractors(pageOne, "", pageThree), ProcessorOptions{})
	k := &models.Knowledge{ID: uuid.New(), UserID: 7, Name: "doc.pdf"}

	count, err := p.Process(context.Background(), k, File{Name: "doc.pdf", Data: []byte("%PDF")})
	require.NoError(t, err)

	expected := len(fx.chunker.Split(pageOne)) + len(fx.chunker.Split(pageThree))
	assert.Equal(t, expected, count)
	assert.Equal(t, expected, fx.store.count(Filter{KnowledgeID: k.ID.String()}))
	assert.Equal(t, statusCall{state: "ready", chunks: expected}, fx.status.last(k.ID))
	assert.Equal(t, 1, fx.changes)

	records, err := fx.store.List(context.Background(), Filter{KnowledgeID: k.ID.String()}, 0)
	require.NoError(t, err)
	byID := map[string]ChunkRecord{}
	for _, r := range records {
		byID[r.ID] = r
	}
	first := byID[ChunkID(k.ID.String(), 0)]
	assert.Equal(t, "doc.pdf, Page 1", first.Metadata["citation"])
	assert.Equal(t, "7", first.UserID)
	last := byID[ChunkID(k.ID.String(), expected-1)]
	assert.Equal(t, "doc.pdf, Page 3", last.Metadata["citation"])
	assert.Equal(t, pageThree, last.Text)
}

func TestProcess_ReingestionReplacesChunks(t *testing.T) {
	ctx := context.Background()
	k := &models.Knowledge{ID: uuid.New(), UserID: 7, Name: "doc.pdf"}

	p, fx := newProcessorFixture(pagedExtractors(pageOne, "", pageThree), ProcessorOptions{})
	first, err := p.Process(ctx, k, File{Name: "doc.pdf"})
	require.NoError(t, err)

	// 同一个知识 id 再次处理，内容变短
	p.extractors = pagedExtractors(pageThree)
	second, err := p.Process(ctx, k, File{Name: "doc.pdf"})
	require.NoError(t, err)

	assert.Less(t, second, first)
	assert.Equal(t, second, fx.store.count(Filter{KnowledgeID: k.ID.String()}))

	// 相同内容重复处理得到相同的分块 id
	_, err = p.Process(ctx, k, File{Name: "doc.pdf"})
	require.NoError(t, err)
	records, err := fx.store.List(ctx, Filter{KnowledgeID: k.ID.String()}, 0)
	require.NoError(t, err)
	require.Len(t, records, second)
	assert.Equal(t, ChunkID(k.ID.String(), 0), records[0].ID)
}

func TestProcess_ExtractionFailureMarksError(t *testing.T) {
	p, fx := newProcessorFixture(NewExtractors(0), ProcessorOptions{})
	k := &models.Knowledge{ID: uuid.New(), UserID: 7}

	_, err := p.Process(context.Background(), k, File{Name: "broken.json", Data: []byte("{")})
	require.Error(t, err)

	last := fx.status.last(k.ID)
	assert.Equal(t, "error", last.state)
	assert.NotEmpty(t, last.message)
	assert.Zero(t, fx.store.count(Filter{}))
}

func TestProcess_EmptyDocumentIsError(t *testing.T) {
	p, fx := newProcessorFixture(NewExtractors(0), ProcessorOptions{})
	k := &models.Knowledge{ID: uuid.New(), UserID: 7}

	_, err := p.Process(context.Background(), k, File{Name: "blank.txt", Data: []byte("  \n ")})
	require.Error(t, err)
	assert.True(t, strings.Contains(fx.status.last(k.ID).message, "no text"))
}

func TestSubmit_IgnoresDuplicatesAndRuns(t *testing.T) {
	p, fx := newProcessorFixture(NewExtractors(0), ProcessorOptions{Workers: 1, QueueSize: 4})
	k := &models.Knowledge{ID: uuid.New(), UserID: 7}
	f := File{Name: "notes.txt", Data: []byte("Some notes about retrieval.")}

	ok, err := p.Submit(k, f)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.Submit(k, f)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, p.Active(k.ID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	require.Eventually(t, func() bool {
		return !p.Active(k.ID) && fx.status.last(k.ID).state == "ready"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, fx.store.count(Filter{KnowledgeID: k.ID.String()}))

	require.NoError(t, p.Close(context.Background()))
	_, err = p.Submit(k, f)
	assert.Error(t, err)
}

func TestSubmit_QueueFull(t *testing.T) {
	p, _ := newProcessorFixture(NewExtractors(0), ProcessorOptions{Workers: 1, QueueSize: 1})

	ok, err := p.Submit(&models.Knowledge{ID: uuid.New()}, File{Name: "a.txt"})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = p.Submit(&models.Knowledge{ID: uuid.New()}, File{Name: "b.txt"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestProcessor_ShutdownMarksQueuedAsError(t *testing.T) {
	p, fx := newProcessorFixture(NewExtractors(0), ProcessorOptions{Workers: 1, QueueSize: 4})
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		k := &models.Knowledge{ID: uuid.New(), UserID: 7}
		ok, err := p.Submit(k, File{Name: "notes.txt", Data: []byte("Some notes about retrieval.")})
		require.NoError(t, err)
		require.True(t, ok)
		ids = append(ids, k.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Start(ctx)
	require.NoError(t, p.Close(context.Background()))

	for _, id := range ids {
		last := fx.status.last(id)
		assert.Equal(t, "error", last.state)
		assert.Contains(t, last.message, "shutdown")
		assert.False(t, p.Active(id))
	}
	assert.Zero(t, fx.store.count(Filter{UserID: "7"}))

	_, err := p.Submit(&models.Knowledge{ID: uuid.New()}, File{Name: "late.txt"})
	assert.Error(t, err)
}
