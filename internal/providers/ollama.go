package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/shopspring/decimal"
)

const defaultOllamaEndpoint = "http://localhost:11434"

// OllamaProvider 本地推理服务，无需密钥，费用恒为 0
type OllamaProvider struct {
	*base
	syncClient   *http.Client
	streamClient *http.Client
}

// NewOllamaProvider 创建本地推理适配器
func NewOllamaProvider(userID uint, cfg Config, deps Deps) (Provider, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultOllamaEndpoint
	}
	b := newBase(models.ProviderOllama, userID, cfg, deps)
	return &OllamaProvider{
		base:         b,
		syncClient:   newSyncClient(b.deps.Timeout),
		streamClient: newStreamClient(),
	}, nil
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function Tool   `json:"function"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Tools    []ollamaTool           `json:"tools,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

func (p *OllamaProvider) buildRequest(model string, messages []Message, opts Options, stream bool) ollamaChatRequest {
	opts = p.options(opts)
	req := ollamaChatRequest{
		Model:    model,
		Messages: make([]ollamaMessage, 0, len(messages)),
		Stream:   stream,
		Options: map[string]interface{}{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
		},
	}
	for _, m := range messages {
		om := ollamaMessage{Role: string(m.Role), Content: m.Content}
		for _, img := range m.Images {
			om.Images = append(om.Images, encodeImage(img))
		}
		req.Messages = append(req.Messages, om)
	}
	if p.SupportsTools(model) {
		for _, t := range opts.Tools {
			req.Tools = append(req.Tools, ollamaTool{Type: "function", Function: t})
		}
	}
	return req
}

func (p *OllamaProvider) post(ctx context.Context, client *http.Client, endpoint, path string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(endpoint, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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

// Stream 读取 /api/chat 的 NDJSON 流
func (p *OllamaProvider) Stream(ctx context.Context, model string, messages []Message, opts Options) <-chan Frame {
	cfg := p.config()
	if !cfg.IsEnabled {
		return disabledStream(p.providerType)
	}
	req := p.buildRequest(model, messages, opts, true)

	return p.runStream(ctx, model, func(u Usage) decimal.Decimal { return p.CalculateCost(u, model) },
		func(ctx context.Context, emit func(Frame) bool) (streamResult, error) {
			resp, err := p.post(ctx, p.streamClient, cfg.Endpoint, "/api/chat", req)
			if err != nil {
				return streamResult{}, err
			}
			defer resp.Body.Close()

			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
			callSeq := 0
			for scanner.Scan() {
				line := bytes.TrimSpace(scanner.Bytes())
				if len(line) == 0 {
					continue
				}
				var chunk ollamaChatResponse
				if err := json.Unmarshal(line, &chunk); err != nil {
					return streamResult{}, badResponse("failed to parse ollama chunk: %v", err)
				}
				if chunk.Error != "" {
					return streamResult{}, ollamaError(chunk.Error)
				}
				if !emit(ContentFrame(chunk.Message.Content)) {
					return streamResult{}, ctx.Err()
				}
				for _, tc := range chunk.Message.ToolCalls {
					callSeq++
					call := ToolCall{
						ID:        fmt.Sprintf("call_%d", callSeq),
						Name:      tc.Function.Name,
						Arguments: string(tc.Function.Arguments),
					}
					if !emit(ToolCallFrame(call)) {
						return streamResult{}, ctx.Err()
					}
				}
				if chunk.Done {
					return streamResult{
						Usage: &Usage{
							PromptTokens:     chunk.PromptEvalCount,
							CompletionTokens: chunk.EvalCount,
						},
						FinishReason: normalizeFinish(chunk.DoneReason),
					}, nil
				}
			}
			if err := scanner.Err(); err != nil {
				return streamResult{}, err
			}
			return streamResult{}, badResponse("ollama stream ended without done marker")
		})
}

// ollamaError 流内错误，模型不存在时上游返回 "model ... not found"
func ollamaError(msg string) error {
	if strings.Contains(msg, "not found") {
		return apperrors.NewProviderError(apperrors.ProviderModelNotFound, msg)
	}
	return apperrors.NewProviderError(apperrors.ProviderUpstreamUnavailable, msg)
}

// Generate 非流式生成
func (p *OllamaProvider) Generate(ctx context.Context, model string, messages []Message, opts Options) (string, error) {
	cfg := p.config()
	if !cfg.IsEnabled {
		return "", apperrors.NewProviderError(apperrors.ProviderDisabled, "provider ollama is disabled")
	}
	resp, err := p.post(ctx, p.syncClient, cfg.Endpoint, "/api/chat", p.buildRequest(model, messages, opts, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var chat ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return "", badResponse("failed to decode response: %v", err)
	}
	if chat.Error != "" {
		return "", ollamaError(chat.Error)
	}
	return chat.Message.Content, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Model   string `json:"model"`
		Size    int64  `json:"size"`
		Details struct {
			Family        string   `json:"family"`
			Families      []string `json:"families"`
			ParameterSize string   `json:"parameter_size"`
		} `json:"details"`
	} `json:"models"`
}

// Models 列出本地已安装的模型
func (p *OllamaProvider) Models(ctx context.Context) ([]ModelInfo, error) {
	cfg := p.config()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(cfg.Endpoint, "/")+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.syncClient.Do(req)
	if err != nil {
		return nil, apperrors.NewProviderError(apperrors.ProviderUpstreamUnavailable, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, badResponse("failed to decode tags: %v", err)
	}

	out := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		caps := []string{"chat"}
		if isVisionModel(m.Name, m.Details.Families) {
			caps = append(caps, "vision")
		}
		if p.SupportsTools(m.Name) {
			caps = append(caps, "tools")
		}
		out = append(out, ModelInfo{
			ID:           m.Name,
			Name:         m.Name,
			Provider:     string(models.ProviderOllama),
			Capabilities: caps,
			MaxTokens:    p.deps.MaxTokens,
		})
	}
	return out, nil
}

func isVisionModel(name string, families []string) bool {
	lower := strings.ToLower(name)
	for _, marker := range []string{"llava", "vision", "bakllava", "moondream"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	for _, f := range families {
		if f == "clip" || f == "mllama" {
			return true
		}
	}
	return false
}

// UpdateConfig 本地推理必须有 endpoint
func (p *OllamaProvider) UpdateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return apperrors.NewInvalidInputError("endpoint", "endpoint is required for ollama")
	}
	p.setConfig(cfg)
	return nil
}

var ollamaToolModels = []string{"llama3.1", "llama3.2", "llama3.3", "qwen2.5", "qwen3", "mistral-nemo", "mistral-small", "command-r", "firefunction"}

func (p *OllamaProvider) SupportsTools(model string) bool {
	lower := strings.ToLower(model)
	for _, prefix := range ollamaToolModels {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func (p *OllamaProvider) CalculateCost(Usage, string) decimal.Decimal {
	return decimal.Zero
}
