package providers

import (
	"context"

	"github.com/aihub/chat-backend/internal/models"
	"github.com/shopspring/decimal"
)

// Image 消息附带的原始图片
type Image struct {
	Data     []byte
	MIMEType string
}

// Message 编排器使用的规范消息格式，由各适配器转换为上游格式
type Message struct {
	Role    models.Role
	Content string
	Images  []Image
}

// Tool 可供模型调用的函数定义
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Options 单次生成参数
type Options struct {
	Temperature float64
	MaxTokens   int
	Tools       []Tool
}

// Usage 上游报告的 token 用量
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCall 模型发起的工具调用
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// FrameKind 帧类型
type FrameKind int

const (
	FrameContent FrameKind = iota
	FrameToolCall
	FrameDone
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameContent:
		return "content"
	case FrameToolCall:
		return "tool_call"
	case FrameDone:
		return "done"
	case FrameError:
		return "error"
	default:
		return "unknown"
	}
}

// FrameErr 错误帧内容
type FrameErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame 流式输出的一个元素
type Frame struct {
	Kind         FrameKind
	Content      string
	ToolCall     *ToolCall
	Usage        Usage
	FinishReason string
	Err          *FrameErr
}

func ContentFrame(text string) Frame {
	return Frame{Kind: FrameContent, Content: text}
}

func ToolCallFrame(call ToolCall) Frame {
	return Frame{Kind: FrameToolCall, ToolCall: &call}
}

func DoneFrame(usage Usage, finishReason string) Frame {
	return Frame{Kind: FrameDone, Usage: usage, FinishReason: finishReason}
}

func ErrorFrame(code, message string) Frame {
	return Frame{Kind: FrameError, Err: &FrameErr{Code: code, Message: message}}
}

// Pricing 每百万 token 价格
type Pricing struct {
	Prompt     decimal.Decimal `json:"prompt"`
	Completion decimal.Decimal `json:"completion"`
}

// ModelInfo 模型目录条目
type ModelInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Provider     string   `json:"provider"`
	Capabilities []string `json:"capabilities"`
	MaxTokens    int      `json:"max_tokens"`
	Pricing      *Pricing `json:"pricing,omitempty"`
}

// Config 适配器的可热更新配置
type Config struct {
	APIKey         string
	Endpoint       string
	OrganizationID string
	IsEnabled      bool
}

// Provider 上游聊天服务的统一接口
//
// Stream 返回的通道是有限且不可重启的：文本增量以非空 content 帧输出，
// 正常结束时恰好输出一个 done 帧，上游错误转换为一个 error 帧后结束。
// 通道关闭即表示序列结束。
type Provider interface {
	Type() models.ProviderType
	Stream(ctx context.Context, model string, messages []Message, opts Options) <-chan Frame
	Generate(ctx context.Context, model string, messages []Message, opts Options) (string, error)
	Models(ctx context.Context) ([]ModelInfo, error)
	UpdateConfig(cfg Config) error
	SupportsTools(model string) bool
	CalculateCost(usage Usage, model string) decimal.Decimal
}

// EventSink 用量事件接收方，调用方不关心结果
type EventSink interface {
	LogEvent(eventType string, userID uint, data map[string]interface{})
}

type noopSink struct{}

func (noopSink) LogEvent(string, uint, map[string]interface{}) {}
