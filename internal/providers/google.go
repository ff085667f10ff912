package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/vertexai/genai"
	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const defaultGoogleLocation = "us-central1"

var googleStaticModels = []struct {
	id        string
	maxTokens int
}{
	{"gemini-2.5-pro", 65536},
	{"gemini-2.5-flash", 65536},
	{"gemini-2.0-flash", 8192},
	{"gemini-1.5-pro", 8192},
	{"gemini-1.5-flash", 8192},
}

// geminiRequest 已转换好的一次对话
type geminiRequest struct {
	System      string
	History     []*genai.Content
	Prompt      []genai.Part
	Temperature float32
	MaxTokens   int32
}

// geminiChunk 流中的一个响应
type geminiChunk struct {
	Text         string
	Calls        []ToolCall
	FinishReason string
	Usage        *Usage
}

// geminiStream Next 在结束时返回 iterator.Done
type geminiStream interface {
	Next() (*geminiChunk, error)
}

type geminiBackend interface {
	Stream(ctx context.Context, model string, req geminiRequest) geminiStream
	Close() error
}

type geminiBackendFactory func(ctx context.Context, cfg Config, deps Deps) (geminiBackend, error)

// backendHandle 引用计数，配置更新后旧客户端在最后一个流结束时关闭
type backendHandle struct {
	backend geminiBackend
	refs    int
	retired bool
}

// GoogleProvider Vertex AI Gemini
type GoogleProvider struct {
	*base
	newBackend geminiBackendFactory

	handleMu sync.Mutex
	handle   *backendHandle
}

func NewGoogleProvider(userID uint, cfg Config, deps Deps) (Provider, error) {
	return newGoogleProvider(userID, cfg, deps, newVertexBackend), nil
}

func newGoogleProvider(userID uint, cfg Config, deps Deps, factory geminiBackendFactory) *GoogleProvider {
	return &GoogleProvider{
		base:       newBase(models.ProviderGoogle, userID, cfg, deps),
		newBackend: factory,
	}
}

func (p *GoogleProvider) acquire(ctx context.Context, cfg Config) (*backendHandle, error) {
	p.handleMu.Lock()
	defer p.handleMu.Unlock()
	if p.handle == nil {
		backend, err := p.newBackend(ctx, cfg, p.deps)
		if err != nil {
			return nil, apperrors.NewProviderError(apperrors.ProviderUpstreamUnavailable, fmt.Sprintf("failed to create gemini client: %v", err))
		}
		p.handle = &backendHandle{backend: backend}
	}
	p.handle.refs++
	return p.handle, nil
}

func (p *GoogleProvider) release(h *backendHandle) {
	p.handleMu.Lock()
	h.refs--
	closeNow := h.retired && h.refs == 0
	p.handleMu.Unlock()
	if closeNow {
		p.closeBackend(h)
	}
}

func (p *GoogleProvider) closeBackend(h *backendHandle) {
	if err := h.backend.Close(); err != nil {
		p.log.Warn("failed to close gemini client", zap.Error(err))
	}
}

// retire 摘下当前客户端，无引用时立即关闭
func (p *GoogleProvider) retire() {
	p.handleMu.Lock()
	h := p.handle
	p.handle = nil
	closeNow := false
	if h != nil {
		h.retired = true
		closeNow = h.refs == 0
	}
	p.handleMu.Unlock()
	if closeNow {
		p.closeBackend(h)
	}
}

// buildRequest 角色映射为 user/model，最后一条用户消息作为本轮输入
func (p *GoogleProvider) buildRequest(messages []Message, opts Options) geminiRequest {
	opts = p.options(opts)
	system, rest := splitSystem(messages)
	rest = coalesce(rest)

	req := geminiRequest{
		System:      system,
		Temperature: float32(opts.Temperature),
		MaxTokens:   int32(opts.MaxTokens),
	}
	if n := len(rest); n > 0 && rest[n-1].Role == models.RoleUser {
		req.Prompt = geminiParts(rest[n-1])
		rest = rest[:n-1]
	}
	for _, m := range rest {
		role := "user"
		if m.Role == models.RoleAssistant {
			role = "model"
		}
		req.History = append(req.History, &genai.Content{Role: role, Parts: geminiParts(m)})
	}
	if len(req.Prompt) == 0 {
		req.Prompt = []genai.Part{genai.Text("")}
	}
	return req
}

func geminiParts(m Message) []genai.Part {
	parts := make([]genai.Part, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, genai.Text(m.Content))
	}
	for _, img := range m.Images {
		parts = append(parts, genai.Blob{MIMEType: imageMIME(img), Data: img.Data})
	}
	if len(parts) == 0 {
		parts = append(parts, genai.Text(""))
	}
	return parts
}

func (p *GoogleProvider) Stream(ctx context.Context, model string, messages []Message, opts Options) <-chan Frame {
	cfg := p.config()
	if !cfg.IsEnabled {
		return disabledStream(p.providerType)
	}
	req := p.buildRequest(messages, opts)

	return p.runStream(ctx, model, func(u Usage) decimal.Decimal { return p.CalculateCost(u, model) },
		func(ctx context.Context, emit func(Frame) bool) (streamResult, error) {
			h, err := p.acquire(ctx, cfg)
			if err != nil {
				return streamResult{}, err
			}
			defer p.release(h)

			var result streamResult
			it := h.backend.Stream(ctx, model, req)
			for {
				chunk, err := it.Next()
				if errors.Is(err, iterator.Done) {
					return result, nil
				}
				if err != nil {
					return streamResult{}, googleError(err)
				}
				if !emit(ContentFrame(chunk.Text)) {
					return streamResult{}, ctx.Err()
				}
				for _, call := range chunk.Calls {
					if !emit(ToolCallFrame(call)) {
						return streamResult{}, ctx.Err()
					}
				}
				if chunk.Usage != nil {
					result.Usage = chunk.Usage
				}
				if chunk.FinishReason != "" {
					result.FinishReason = normalizeFinish(chunk.FinishReason)
				}
			}
		})
}

// googleError gRPC 状态文本归类
func googleError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ResourceExhausted") || strings.Contains(msg, "429"):
		return apperrors.NewProviderError(apperrors.ProviderRateLimit, msg)
	case strings.Contains(msg, "PermissionDenied") || strings.Contains(msg, "Unauthenticated"):
		return apperrors.NewProviderError(apperrors.ProviderAuthFailed, msg)
	case strings.Contains(msg, "NotFound"):
		return apperrors.NewProviderError(apperrors.ProviderModelNotFound, msg)
	case strings.Contains(msg, "DeadlineExceeded"):
		return apperrors.NewProviderError(apperrors.ProviderTimeout, msg)
	case strings.Contains(msg, "Unavailable"):
		return apperrors.NewProviderError(apperrors.ProviderUpstreamUnavailable, msg)
	}
	return err
}

func (p *GoogleProvider) Generate(ctx context.Context, model string, messages []Message, opts Options) (string, error) {
	var sb strings.Builder
	for f := range p.Stream(ctx, model, messages, opts) {
		switch f.Kind {
		case FrameContent:
			sb.WriteString(f.Content)
		case FrameError:
			return "", apperrors.NewProviderError(apperrors.ErrorCode(f.Err.Code), f.Err.Message)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (p *GoogleProvider) Models(context.Context) ([]ModelInfo, error) {
	out := make([]ModelInfo, 0, len(googleStaticModels))
	for _, m := range googleStaticModels {
		out = append(out, ModelInfo{
			ID:           m.id,
			Name:         m.id,
			Provider:     string(models.ProviderGoogle),
			Capabilities: []string{"chat", "vision"},
			MaxTokens:    m.maxTokens,
		})
	}
	return out, nil
}

// UpdateConfig 启用时需要 API key 或进程级项目配置
func (p *GoogleProvider) UpdateConfig(cfg Config) error {
	if cfg.IsEnabled && strings.TrimSpace(cfg.APIKey) == "" && p.deps.GoogleProject == "" {
		return apperrors.NewInvalidInputError("api_key", "api key is required to enable google")
	}
	p.setConfig(cfg)
	p.retire()
	return nil
}

// SupportsTools 工具声明尚未接入，模型返回的函数调用仍会转为 tool_call 帧
func (p *GoogleProvider) SupportsTools(string) bool {
	return false
}

func (p *GoogleProvider) CalculateCost(Usage, string) decimal.Decimal {
	return decimal.Zero
}

// vertexBackend 基于 cloud.google.com/go/vertexai 的实现
type vertexBackend struct {
	client *genai.Client
}

func newVertexBackend(ctx context.Context, cfg Config, deps Deps) (geminiBackend, error) {
	project := deps.GoogleProject
	if project == "" {
		return nil, errors.New("google project is not configured")
	}
	location := deps.GoogleLocation
	if location == "" {
		location = defaultGoogleLocation
	}
	var opts []option.ClientOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := genai.NewClient(context.WithoutCancel(ctx), project, location, opts...)
	if err != nil {
		return nil, err
	}
	return &vertexBackend{client: client}, nil
}

func (b *vertexBackend) Stream(ctx context.Context, model string, req geminiRequest) geminiStream {
	gm := b.client.GenerativeModel(model)
	gm.SetTemperature(req.Temperature)
	gm.SetMaxOutputTokens(req.MaxTokens)
	if req.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	session := gm.StartChat()
	session.History = req.History
	return &vertexStream{it: session.SendMessageStream(ctx, req.Prompt...)}
}

func (b *vertexBackend) Close() error {
	return b.client.Close()
}

type vertexStream struct {
	it  *genai.GenerateContentResponseIterator
	seq int
}

func (s *vertexStream) Next() (*geminiChunk, error) {
	resp, err := s.it.Next()
	if err != nil {
		return nil, err
	}
	chunk := &geminiChunk{}
	for _, cand := range resp.Candidates {
		if cand.FinishReason != genai.FinishReasonUnspecified {
			chunk.FinishReason = cand.FinishReason.String()
		}
		if cand.Content == nil {
			continue
		}
		var sb strings.Builder
		for _, part := range cand.Content.Parts {
			switch v := part.(type) {
			case genai.Text:
				sb.WriteString(string(v))
			case genai.FunctionCall:
				args, _ := json.Marshal(v.Args)
				s.seq++
				chunk.Calls = append(chunk.Calls, ToolCall{
					ID:        fmt.Sprintf("call_%d", s.seq),
					Name:      v.Name,
					Arguments: string(args),
				})
			}
		}
		chunk.Text += sb.String()
	}
	if um := resp.UsageMetadata; um != nil {
		chunk.Usage = &Usage{
			PromptTokens:     int(um.PromptTokenCount),
			CompletionTokens: int(um.CandidatesTokenCount),
			TotalTokens:      int(um.TotalTokenCount),
		}
	}
	return chunk, nil
}
