package providers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/aihub/chat-backend/internal/errors"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_provider_frames_total",
			Help: "Frames emitted by provider adapters",
		},
		[]string{"provider", "kind"},
	)

	streamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_provider_stream_duration_seconds",
			Help:    "Duration of provider streams",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "outcome"},
	)
)

// Deps 适配器构造所需的进程级依赖
type Deps struct {
	Sink           EventSink
	Timeout        time.Duration
	ModelsCacheTTL time.Duration
	GoogleProject  string
	GoogleLocation string
	Temperature    float64
	MaxTokens      int
}

func (d Deps) withDefaults() Deps {
	if d.Sink == nil {
		d.Sink = noopSink{}
	}
	if d.Timeout <= 0 {
		d.Timeout = 60 * time.Second
	}
	if d.ModelsCacheTTL <= 0 {
		d.ModelsCacheTTL = 10 * time.Minute
	}
	if d.Temperature == 0 {
		d.Temperature = 0.7
	}
	if d.MaxTokens == 0 {
		d.MaxTokens = 4096
	}
	return d
}

// base 各适配器共享的配置快照与流式执行逻辑
type base struct {
	providerType models.ProviderType
	userID       uint
	deps         Deps
	log          *zap.Logger

	mu  sync.RWMutex
	cfg Config
}

func newBase(t models.ProviderType, userID uint, cfg Config, deps Deps) *base {
	return &base{
		providerType: t,
		userID:       userID,
		deps:         deps.withDefaults(),
		log:          logger.Named("provider").With(zap.String("provider", string(t)), zap.Uint("user_id", userID)),
		cfg:          cfg,
	}
}

func (b *base) Type() models.ProviderType {
	return b.providerType
}

// config 返回配置快照，进行中的流持有旧快照不受热更新影响
func (b *base) config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *base) setConfig(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
	b.log.Info("provider config updated", zap.Bool("enabled", cfg.IsEnabled), zap.String("endpoint", cfg.Endpoint))
}

func (b *base) options(opts Options) Options {
	if opts.Temperature == 0 {
		opts.Temperature = b.deps.Temperature
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = b.deps.MaxTokens
	}
	return opts
}

// streamResult 上游流结束时的信息
type streamResult struct {
	Usage        *Usage
	FinishReason string
}

// streamFunc 执行一次上游流，emit 返回 false 表示消费方已离开
type streamFunc func(ctx context.Context, emit func(Frame) bool) (streamResult, error)

// runStream 统一帧规范：丢弃空文本、只发一个 done、错误转为 error 帧、panic 不外泄
func (b *base) runStream(ctx context.Context, model string, costFn func(Usage) decimal.Decimal, fn streamFunc) <-chan Frame {
	out := make(chan Frame)

	go func() {
		defer close(out)
		start := time.Now()
		contentFrames := 0
		provider := string(b.providerType)

		send := func(f Frame) bool {
			select {
			case out <- f:
				framesTotal.WithLabelValues(provider, f.Kind.String()).Inc()
				return true
			case <-ctx.Done():
				return false
			}
		}
		emit := func(f Frame) bool {
			switch f.Kind {
			case FrameContent:
				if f.Content == "" {
					return true
				}
				contentFrames++
			case FrameDone, FrameError:
				// 终止帧只能由 runStream 发出
				return true
			}
			return send(f)
		}

		var (
			result streamResult
			err    error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("provider panic: %v", r)
					b.log.Error("provider stream panicked", zap.Any("panic", r), zap.String("model", model))
				}
			}()
			result, err = fn(ctx, emit)
		}()

		elapsed := time.Since(start)
		if ctx.Err() != nil {
			streamDuration.WithLabelValues(provider, "cancelled").Observe(elapsed.Seconds())
			b.deps.Sink.LogEvent(models.EventChatCancelled, b.userID, map[string]interface{}{
				"provider":          provider,
				"model":             model,
				"completion_tokens": contentFrames,
				"duration_ms":       elapsed.Milliseconds(),
			})
			return
		}

		if err != nil {
			fe := toFrameErr(err)
			b.log.Warn("provider stream failed", zap.String("model", model), zap.String("code", fe.Code), zap.Error(err))
			streamDuration.WithLabelValues(provider, "error").Observe(elapsed.Seconds())
			b.deps.Sink.LogEvent(models.EventChatError, b.userID, map[string]interface{}{
				"provider":    provider,
				"model":       model,
				"error_code":  fe.Code,
				"duration_ms": elapsed.Milliseconds(),
			})
			send(ErrorFrame(fe.Code, fe.Message))
			return
		}

		usage := Usage{CompletionTokens: contentFrames}
		if result.Usage != nil {
			usage = *result.Usage
		}
		if usage.TotalTokens == 0 {
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
		finish := result.FinishReason
		if finish == "" {
			finish = string(models.FinishStop)
		}

		streamDuration.WithLabelValues(provider, "success").Observe(elapsed.Seconds())
		b.deps.Sink.LogEvent(models.EventChatCompletion, b.userID, map[string]interface{}{
			"provider":          provider,
			"model":             model,
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
			"cost":              costFn(usage).String(),
			"duration_ms":       elapsed.Milliseconds(),
		})
		send(DoneFrame(usage, finish))
	}()

	return out
}

// disabledStream 提供商被禁用时直接返回一个 error 帧
func disabledStream(t models.ProviderType) <-chan Frame {
	out := make(chan Frame, 1)
	out <- ErrorFrame(string(apperrors.ProviderDisabled), fmt.Sprintf("provider %s is disabled", t))
	close(out)
	return out
}

// normalizeFinish 上游结束原因归一化
func normalizeFinish(reason string) string {
	switch reason {
	case "length", "max_tokens", "MAX_TOKENS", "FinishReasonMaxTokens":
		return string(models.FinishLength)
	default:
		return string(models.FinishStop)
	}
}

// newSyncClient 非流式请求使用的有超时客户端
func newSyncClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// newStreamClient 流式请求不设整体超时，只限制建连和响应头，依赖 ctx 取消
func newStreamClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 120 * time.Second,
			MaxIdleConnsPerHost:   10,
		},
	}
}
