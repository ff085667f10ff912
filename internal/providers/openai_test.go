package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aihub/chat-backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseWriter(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, l := range lines {
		fmt.Fprintf(w, "data: %s\n\n", l)
	}
}

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewOpenAIProvider(1, Config{Endpoint: srv.URL, APIKey: "sk-test", IsEnabled: true}, Deps{})
	require.NoError(t, err)
	return p.(*OpenAIProvider)
}

func TestOpenAI_StreamContentAndUsage(t *testing.T) {
	var body map[string]interface{}
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		sseWriter(w,
			`{"id":"1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"1","choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`,
			`{"id":"1","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
			`[DONE]`,
		)
	})

	frames := collect(t, p.Stream(context.Background(), "gpt-4o", []Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "look", Images: []Image{{Data: []byte("x"), MIMEType: "image/png"}}},
	}, Options{}))

	require.Len(t, frames, 3)
	assert.Equal(t, "Hel", frames[0].Content)
	assert.Equal(t, "lo", frames[1].Content)
	assert.Equal(t, FrameDone, frames[2].Kind)
	assert.Equal(t, 7, frames[2].Usage.TotalTokens)
	assert.Equal(t, "length", frames[2].FinishReason)

	assert.Equal(t, true, body["stream"])
	opts := body["stream_options"].(map[string]interface{})
	assert.Equal(t, true, opts["include_usage"])
	msgs := body["messages"].([]interface{})
	user := msgs[1].(map[string]interface{})
	parts := user["content"].([]interface{})
	require.Len(t, parts, 2)
	assert.Equal(t, "data:image/png;base64,eA==", parts[1].(map[string]interface{})["image_url"].(map[string]interface{})["url"])
}

func TestOpenAI_StreamAccumulatesToolCalls(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		sseWriter(w,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"search","arguments":""}}]}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
			`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`[DONE]`,
		)
	})

	frames := collect(t, p.Stream(context.Background(), "gpt-4o", []Message{{Role: models.RoleUser, Content: "x"}},
		Options{Tools: []Tool{{Name: "search", Parameters: map[string]interface{}{"type": "object"}}}}))

	require.Len(t, frames, 2)
	require.Equal(t, FrameToolCall, frames[0].Kind)
	assert.Equal(t, ToolCall{ID: "call_1", Name: "search", Arguments: `{"q":"go"}`}, *frames[0].ToolCall)
	assert.Equal(t, FrameDone, frames[1].Kind)
}

func TestOpenAI_RateLimit(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Too many","type":"rate_limit_exceeded"}}`)
	})
	frames := collect(t, p.Stream(context.Background(), "gpt-4o", []Message{{Role: models.RoleUser, Content: "x"}}, Options{}))
	require.Len(t, frames, 1)
	assert.Equal(t, "rate_limit", frames[0].Err.Code)
	assert.Equal(t, "Too many", frames[0].Err.Message)
}

func TestOpenAI_Generate(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","choices":[{"index":0,"message":{"role":"assistant","content":"Done"}}]}`)
	})
	out, err := p.Generate(context.Background(), "gpt-4o", []Message{{Role: models.RoleUser, Content: "x"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Done", out)
}

func TestOpenAI_Models(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-4o"},{"id":"text-embedding-3-small"},{"id":"gpt-3.5-turbo"}]}`)
	})
	list, err := p.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "gpt-3.5-turbo", list[0].ID)
	assert.Contains(t, list[1].Capabilities, "vision")
}

func TestOpenAI_UpdateConfigRequiresKey(t *testing.T) {
	p, err := NewOpenAIProvider(1, Config{}, Deps{})
	require.NoError(t, err)
	assert.Error(t, p.UpdateConfig(Config{IsEnabled: true}))
	assert.NoError(t, p.UpdateConfig(Config{IsEnabled: false}))
	assert.NoError(t, p.UpdateConfig(Config{IsEnabled: true, APIKey: "sk"}))
}

func TestOpenAI_UpdateConfigKeepsInFlightStream(t *testing.T) {
	release := make(chan struct{})
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"index":0,"delta":{"content":"a"}}]}`)
		w.(http.Flusher).Flush()
		<-release
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"index":0,"delta":{"content":"b"}}]}`)
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch := p.Stream(context.Background(), "gpt-4o", []Message{{Role: models.RoleUser, Content: "x"}}, Options{})
	first := <-ch
	assert.Equal(t, "a", first.Content)

	require.NoError(t, p.UpdateConfig(Config{IsEnabled: true, APIKey: "sk-new", Endpoint: "http://127.0.0.1:1"}))
	close(release)

	rest := collect(t, ch)
	require.Len(t, rest, 2)
	assert.Equal(t, "b", rest[0].Content)
	assert.Equal(t, FrameDone, rest[1].Kind)
}
