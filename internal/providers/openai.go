package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
)

// openAICompat OpenAI 兼容协议的公共实现，商业接口与聚合网关共用
type openAICompat struct {
	*base
	defaultBaseURL string

	clientMu     sync.RWMutex
	syncClient   *openai.Client
	streamClient *openai.Client
}

func newOpenAICompat(t models.ProviderType, userID uint, cfg Config, deps Deps, defaultBaseURL string) *openAICompat {
	c := &openAICompat{
		base:           newBase(t, userID, cfg, deps),
		defaultBaseURL: defaultBaseURL,
	}
	c.rebuildClients(cfg)
	return c
}

// rebuildClients 热更新时替换客户端，进行中的流继续使用旧客户端
func (c *openAICompat) rebuildClients(cfg Config) {
	build := func(streaming bool) *openai.Client {
		oc := openai.DefaultConfig(cfg.APIKey)
		switch {
		case cfg.Endpoint != "":
			oc.BaseURL = strings.TrimRight(cfg.Endpoint, "/")
		case c.defaultBaseURL != "":
			oc.BaseURL = c.defaultBaseURL
		}
		oc.OrgID = cfg.OrganizationID
		if streaming {
			oc.HTTPClient = newStreamClient()
		} else {
			oc.HTTPClient = newSyncClient(c.deps.Timeout)
		}
		return openai.NewClientWithConfig(oc)
	}

	syncClient, streamClient := build(false), build(true)
	c.clientMu.Lock()
	c.syncClient, c.streamClient = syncClient, streamClient
	c.clientMu.Unlock()
}

func (c *openAICompat) clients() (*openai.Client, *openai.Client) {
	c.clientMu.RLock()
	defer c.clientMu.RUnlock()
	return c.syncClient, c.streamClient
}

// UpdateConfig 启用时必须提供 API key
func (c *openAICompat) UpdateConfig(cfg Config) error {
	if cfg.IsEnabled && strings.TrimSpace(cfg.APIKey) == "" {
		return apperrors.NewInvalidInputError("api_key", fmt.Sprintf("api key is required to enable %s", c.providerType))
	}
	c.setConfig(cfg)
	c.rebuildClients(cfg)
	return nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{Role: string(m.Role)}
		if len(m.Images) == 0 {
			msg.Content = m.Content
		} else {
			parts := make([]openai.ChatMessagePart, 0, len(m.Images)+1)
			if m.Content != "" {
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: m.Content})
			}
			for _, img := range m.Images {
				parts = append(parts, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: dataURL(img), Detail: openai.ImageURLDetailAuto},
				})
			}
			msg.MultiContent = parts
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(tools []Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func (c *openAICompat) buildRequest(model string, messages []Message, opts Options, supportsTools bool) openai.ChatCompletionRequest {
	opts = c.options(opts)
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(messages),
		Temperature: float32(opts.Temperature),
		MaxTokens:   opts.MaxTokens,
	}
	if supportsTools && len(opts.Tools) > 0 {
		req.Tools = toOpenAITools(opts.Tools)
	}
	return req
}

// toolCallAccumulator 按 index 拼接流式下发的工具调用片段
type toolCallAccumulator struct {
	calls map[int]*ToolCall
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int]*ToolCall)}
}

func (a *toolCallAccumulator) add(fragments []openai.ToolCall) {
	for i, tc := range fragments {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		call, ok := a.calls[idx]
		if !ok {
			call = &ToolCall{}
			a.calls[idx] = call
		}
		if tc.ID != "" {
			call.ID = tc.ID
		}
		if tc.Function.Name != "" {
			call.Name = tc.Function.Name
		}
		call.Arguments += tc.Function.Arguments
	}
}

// flush 按 index 顺序返回并清空
func (a *toolCallAccumulator) flush() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	idx := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		out = append(out, *a.calls[i])
	}
	a.calls = make(map[int]*ToolCall)
	return out
}

func (c *openAICompat) stream(ctx context.Context, model string, messages []Message, opts Options, supportsTools bool, costFn func(Usage) decimal.Decimal) <-chan Frame {
	cfg := c.config()
	if !cfg.IsEnabled {
		return disabledStream(c.providerType)
	}
	_, client := c.clients()
	req := c.buildRequest(model, messages, opts, supportsTools)
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	return c.runStream(ctx, model, costFn, func(ctx context.Context, emit func(Frame) bool) (streamResult, error) {
		stream, err := client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			return streamResult{}, err
		}
		defer stream.Close()

		var (
			result streamResult
			tools  = newToolCallAccumulator()
		)
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return streamResult{}, err
			}
			if resp.Usage != nil {
				result.Usage = &Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}
			}
			for _, choice := range resp.Choices {
				if !emit(ContentFrame(choice.Delta.Content)) {
					return streamResult{}, ctx.Err()
				}
				tools.add(choice.Delta.ToolCalls)
				if choice.FinishReason != "" {
					result.FinishReason = normalizeFinish(string(choice.FinishReason))
					for _, call := range tools.flush() {
						if !emit(ToolCallFrame(call)) {
							return streamResult{}, ctx.Err()
						}
					}
				}
			}
		}
		for _, call := range tools.flush() {
			if !emit(ToolCallFrame(call)) {
				return streamResult{}, ctx.Err()
			}
		}
		return result, nil
	})
}

func (c *openAICompat) generate(ctx context.Context, model string, messages []Message, opts Options, supportsTools bool) (string, error) {
	if !c.config().IsEnabled {
		return "", apperrors.NewProviderError(apperrors.ProviderDisabled, fmt.Sprintf("provider %s is disabled", c.providerType))
	}
	client, _ := c.clients()
	resp, err := client.CreateChatCompletion(ctx, c.buildRequest(model, messages, opts, supportsTools))
	if err != nil {
		fe := toFrameErr(err)
		return "", apperrors.NewProviderError(apperrors.ErrorCode(fe.Code), fe.Message).WithCause(err)
	}
	if len(resp.Choices) == 0 {
		return "", badResponse("empty choices in completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// OpenAIProvider 商业 OpenAI 兼容接口
type OpenAIProvider struct {
	*openAICompat
}

func NewOpenAIProvider(userID uint, cfg Config, deps Deps) (Provider, error) {
	return &OpenAIProvider{openAICompat: newOpenAICompat(models.ProviderOpenAI, userID, cfg, deps, "")}, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, model string, messages []Message, opts Options) <-chan Frame {
	return p.stream(ctx, model, messages, opts, p.SupportsTools(model), func(u Usage) decimal.Decimal {
		return p.CalculateCost(u, model)
	})
}

func (p *OpenAIProvider) Generate(ctx context.Context, model string, messages []Message, opts Options) (string, error) {
	return p.generate(ctx, model, messages, opts, p.SupportsTools(model))
}

// Models 只保留聊天模型
func (p *OpenAIProvider) Models(ctx context.Context) ([]ModelInfo, error) {
	if p.config().APIKey == "" {
		return nil, nil
	}
	client, _ := p.clients()
	list, err := client.ListModels(ctx)
	if err != nil {
		fe := toFrameErr(err)
		return nil, apperrors.NewProviderError(apperrors.ErrorCode(fe.Code), fe.Message).WithCause(err)
	}
	out := make([]ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		if !isOpenAIChatModel(m.ID) {
			continue
		}
		caps := []string{"chat"}
		if isOpenAIVisionModel(m.ID) {
			caps = append(caps, "vision")
		}
		if p.SupportsTools(m.ID) {
			caps = append(caps, "tools")
		}
		out = append(out, ModelInfo{
			ID:           m.ID,
			Name:         m.ID,
			Provider:     string(models.ProviderOpenAI),
			Capabilities: caps,
			MaxTokens:    p.deps.MaxTokens,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func isOpenAIChatModel(id string) bool {
	if strings.Contains(id, "instruct") || strings.Contains(id, "audio") || strings.Contains(id, "realtime") {
		return false
	}
	return strings.HasPrefix(id, "gpt-") || strings.HasPrefix(id, "o1") || strings.HasPrefix(id, "o3") || strings.HasPrefix(id, "o4") || strings.HasPrefix(id, "chatgpt-")
}

func isOpenAIVisionModel(id string) bool {
	return strings.HasPrefix(id, "gpt-4o") || strings.HasPrefix(id, "gpt-4.1") || strings.HasPrefix(id, "gpt-4-turbo") || strings.HasPrefix(id, "gpt-5")
}

func (p *OpenAIProvider) SupportsTools(model string) bool {
	return isOpenAIChatModel(model) && !strings.HasPrefix(model, "o1-mini")
}

// CalculateCost 上游未公布价格表，按 0 计
func (p *OpenAIProvider) CalculateCost(Usage, string) decimal.Decimal {
	return decimal.Zero
}
