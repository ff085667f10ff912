package providers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"
)

type fakeGeminiStream struct {
	chunks []*geminiChunk
	err    error
	gate   chan struct{}
	i      int
}

func (s *fakeGeminiStream) Next() (*geminiChunk, error) {
	if s.gate != nil && s.i == 1 {
		<-s.gate
	}
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return c, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, iterator.Done
}

type fakeGeminiBackend struct {
	mu      sync.Mutex
	stream  *fakeGeminiStream
	lastReq geminiRequest
	closed  bool
}

func (b *fakeGeminiBackend) Stream(_ context.Context, _ string, req geminiRequest) geminiStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastReq = req
	return b.stream
}

func (b *fakeGeminiBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeGeminiBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func newFakeGoogle(backend *fakeGeminiBackend) *GoogleProvider {
	return newGoogleProvider(1, Config{APIKey: "g", IsEnabled: true}, Deps{}, func(context.Context, Config, Deps) (geminiBackend, error) {
		return backend, nil
	})
}

func TestGoogle_StreamAndHistory(t *testing.T) {
	backend := &fakeGeminiBackend{stream: &fakeGeminiStream{chunks: []*geminiChunk{
		{Text: "Hel"},
		{Text: "lo", Calls: []ToolCall{{ID: "call_1", Name: "lookup", Arguments: `{}`}}},
		{FinishReason: "FinishReasonStop", Usage: &Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
	}}}
	p := newFakeGoogle(backend)

	frames := collect(t, p.Stream(context.Background(), "gemini-2.0-flash", []Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "q1"},
		{Role: models.RoleAssistant, Content: "a1"},
		{Role: models.RoleUser, Content: "q2", Images: []Image{{Data: []byte("i"), MIMEType: "image/jpeg"}}},
	}, Options{}))

	require.Len(t, frames, 4)
	assert.Equal(t, "Hel", frames[0].Content)
	assert.Equal(t, "lo", frames[1].Content)
	assert.Equal(t, "lookup", frames[2].ToolCall.Name)
	assert.Equal(t, 5, frames[3].Usage.TotalTokens)

	req := backend.lastReq
	assert.Equal(t, "sys", req.System)
	require.Len(t, req.History, 2)
	assert.Equal(t, "user", req.History[0].Role)
	assert.Equal(t, "model", req.History[1].Role)
	require.Len(t, req.Prompt, 2)
	assert.Equal(t, genai.Text("q2"), req.Prompt[0])
	assert.Equal(t, genai.Blob{MIMEType: "image/jpeg", Data: []byte("i")}, req.Prompt[1])
}

func TestGoogle_StreamErrorClassified(t *testing.T) {
	backend := &fakeGeminiBackend{stream: &fakeGeminiStream{
		chunks: []*geminiChunk{{Text: "Par"}},
		err:    errors.New("rpc error: code = ResourceExhausted desc = quota"),
	}}
	frames := collect(t, newFakeGoogle(backend).Stream(context.Background(), "gemini-2.0-flash", []Message{{Role: models.RoleUser, Content: "x"}}, Options{}))
	require.Len(t, frames, 2)
	assert.Equal(t, "rate_limit", frames[1].Err.Code)
}

func TestGoogle_UpdateConfigClosesClientAfterInFlightStream(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeGeminiBackend{stream: &fakeGeminiStream{gate: gate, chunks: []*geminiChunk{{Text: "a"}, {Text: "b"}}}}
	p := newFakeGoogle(backend)

	ch := p.Stream(context.Background(), "gemini-2.0-flash", []Message{{Role: models.RoleUser, Content: "x"}}, Options{})
	assert.Equal(t, "a", (<-ch).Content)

	require.NoError(t, p.UpdateConfig(Config{APIKey: "g2", IsEnabled: true}))
	assert.False(t, backend.isClosed())

	close(gate)
	rest := collect(t, ch)
	require.Len(t, rest, 2)
	assert.True(t, backend.isClosed())
}

func TestGoogle_GenerateAndModels(t *testing.T) {
	backend := &fakeGeminiBackend{stream: &fakeGeminiStream{chunks: []*geminiChunk{{Text: "A "}, {Text: "title"}}}}
	p := newFakeGoogle(backend)
	out, err := p.Generate(context.Background(), "gemini-2.0-flash", []Message{{Role: models.RoleUser, Content: "x"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "A title", out)

	list, err := p.Models(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, len(googleStaticModels))
	assert.False(t, p.SupportsTools("gemini-2.0-flash"))
	assert.Error(t, p.UpdateConfig(Config{IsEnabled: true}))
}
