package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/shopspring/decimal"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

var anthropicStaticModels = []string{
	"claude-sonnet-4-5",
	"claude-opus-4-1",
	"claude-3-7-sonnet-latest",
	"claude-3-5-haiku-latest",
}

// AnthropicProvider messages API；同步请求与流式请求分别使用不同的 HTTP 客户端
type AnthropicProvider struct {
	*base
	syncClient   *http.Client
	streamClient *http.Client
}

func NewAnthropicProvider(userID uint, cfg Config, deps Deps) (Provider, error) {
	b := newBase(models.ProviderAnthropic, userID, cfg, deps)
	return &AnthropicProvider{
		base:         b,
		syncClient:   newSyncClient(b.deps.Timeout),
		streamClient: newStreamClient(),
	}, nil
}

type anthropicBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type anthropicEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *AnthropicProvider) baseURL(cfg Config) string {
	if cfg.Endpoint != "" {
		return strings.TrimRight(cfg.Endpoint, "/")
	}
	return defaultAnthropicBaseURL
}

// buildRequest system 单独传递，相邻同角色消息合并
func (p *AnthropicProvider) buildRequest(model string, messages []Message, opts Options, stream bool) anthropicRequest {
	opts = p.options(opts)
	system, rest := splitSystem(messages)
	rest = coalesce(rest)

	req := anthropicRequest{
		Model:       model,
		System:      system,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      stream,
		Messages:    make([]anthropicMessage, 0, len(rest)),
	}
	for _, m := range rest {
		am := anthropicMessage{Role: string(m.Role)}
		for _, img := range m.Images {
			am.Content = append(am.Content, anthropicBlock{
				Type: "image",
				Source: &anthropicImageSource{
					Type:      "base64",
					MediaType: imageMIME(img),
					Data:      encodeImage(img),
				},
			})
		}
		if m.Content != "" || len(am.Content) == 0 {
			am.Content = append(am.Content, anthropicBlock{Type: "text", Text: m.Content})
		}
		req.Messages = append(req.Messages, am)
	}
	if p.SupportsTools(model) {
		for _, t := range opts.Tools {
			req.Tools = append(req.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
		}
	}
	return req
}

func (p *AnthropicProvider) setHeaders(req *http.Request, cfg Config) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

func (p *AnthropicProvider) do(ctx context.Context, client *http.Client, cfg Config, payload anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL(cfg)+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(req, cfg)
	if payload.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

// Stream 解析 SSE 事件流
func (p *AnthropicProvider) Stream(ctx context.Context, model string, messages []Message, opts Options) <-chan Frame {
	cfg := p.config()
	if !cfg.IsEnabled {
		return disabledStream(p.providerType)
	}
	payload := p.buildRequest(model, messages, opts, true)

	return p.runStream(ctx, model, func(u Usage) decimal.Decimal { return p.CalculateCost(u, model) },
		func(ctx context.Context, emit func(Frame) bool) (streamResult, error) {
			resp, err := p.do(ctx, p.streamClient, cfg, payload)
			if err != nil {
				return streamResult{}, err
			}
			defer resp.Body.Close()

			var (
				usage  Usage
				result streamResult
				tools  = map[int]*ToolCall{}
			)
			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
			for scanner.Scan() {
				line := scanner.Text()
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if data == "" {
					continue
				}

				var ev anthropicEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					return streamResult{}, badResponse("failed to parse anthropic event: %v", err)
				}

				switch ev.Type {
				case "message_start":
					if ev.Message != nil {
						usage.PromptTokens = ev.Message.Usage.InputTokens
						usage.CompletionTokens = ev.Message.Usage.OutputTokens
					}
				case "content_block_start":
					if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
						tools[ev.Index] = &ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
					}
				case "content_block_delta":
					if ev.Delta == nil {
						continue
					}
					switch ev.Delta.Type {
					case "text_delta":
						if !emit(ContentFrame(ev.Delta.Text)) {
							return streamResult{}, ctx.Err()
						}
					case "input_json_delta":
						if call, ok := tools[ev.Index]; ok {
							call.Arguments += ev.Delta.PartialJSON
						}
					}
				case "content_block_stop":
					if call, ok := tools[ev.Index]; ok {
						delete(tools, ev.Index)
						if call.Arguments == "" {
							call.Arguments = "{}"
						}
						if !emit(ToolCallFrame(*call)) {
							return streamResult{}, ctx.Err()
						}
					}
				case "message_delta":
					if ev.Usage != nil {
						usage.CompletionTokens = ev.Usage.OutputTokens
					}
					if ev.Delta != nil && ev.Delta.StopReason != "" {
						result.FinishReason = normalizeFinish(ev.Delta.StopReason)
					}
				case "message_stop":
					result.Usage = &usage
					return result, nil
				case "error":
					if ev.Error != nil {
						return streamResult{}, anthropicStreamError(ev.Error.Type, ev.Error.Message)
					}
					return streamResult{}, badResponse("anthropic stream error")
				}
			}
			if err := scanner.Err(); err != nil {
				return streamResult{}, err
			}
			return streamResult{}, badResponse("anthropic stream ended without message_stop")
		})
}

// anthropicStreamError 流内 error 事件按类型归类
func anthropicStreamError(errType, msg string) error {
	code := apperrors.ProviderBadResponse
	switch errType {
	case "rate_limit_error":
		code = apperrors.ProviderRateLimit
	case "overloaded_error", "api_error":
		code = apperrors.ProviderUpstreamUnavailable
	case "authentication_error", "permission_error":
		code = apperrors.ProviderAuthFailed
	case "not_found_error":
		code = apperrors.ProviderModelNotFound
	}
	return apperrors.NewProviderError(code, msg)
}

func (p *AnthropicProvider) Generate(ctx context.Context, model string, messages []Message, opts Options) (string, error) {
	cfg := p.config()
	if !cfg.IsEnabled {
		return "", apperrors.NewProviderError(apperrors.ProviderDisabled, "provider anthropic is disabled")
	}
	resp, err := p.do(ctx, p.syncClient, cfg, p.buildRequest(model, messages, opts, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", badResponse("failed to decode response: %v", err)
	}
	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", badResponse("no content in response")
	}
	return sb.String(), nil
}

// Models 无密钥时返回静态列表
func (p *AnthropicProvider) Models(ctx context.Context) ([]ModelInfo, error) {
	cfg := p.config()
	ids := anthropicStaticModels
	if cfg.APIKey != "" {
		fetched, err := p.fetchModels(ctx, cfg)
		if err != nil {
			p.log.Warn("failed to list anthropic models, using static list")
		} else if len(fetched) > 0 {
			ids = fetched
		}
	}

	out := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, ModelInfo{
			ID:           id,
			Name:         id,
			Provider:     string(models.ProviderAnthropic),
			Capabilities: []string{"chat", "vision", "tools"},
			MaxTokens:    p.deps.MaxTokens,
		})
	}
	return out, nil
}

func (p *AnthropicProvider) fetchModels(ctx context.Context, cfg Config) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL(cfg)+"/models", nil)
	if err != nil {
		return nil, err
	}
	p.setHeaders(req, cfg)
	resp, err := p.syncClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, badResponse("failed to decode models: %v", err)
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *AnthropicProvider) UpdateConfig(cfg Config) error {
	if cfg.IsEnabled && strings.TrimSpace(cfg.APIKey) == "" {
		return apperrors.NewInvalidInputError("api_key", "api key is required to enable anthropic")
	}
	p.setConfig(cfg)
	return nil
}

func (p *AnthropicProvider) SupportsTools(model string) bool {
	return strings.HasPrefix(model, "claude-3") || strings.HasPrefix(model, "claude-sonnet") ||
		strings.HasPrefix(model, "claude-opus") || strings.HasPrefix(model, "claude-haiku")
}

func (p *AnthropicProvider) CalculateCost(Usage, string) decimal.Decimal {
	return decimal.Zero
}

