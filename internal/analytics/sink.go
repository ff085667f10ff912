package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aihub/chat-backend/internal/logger"
	"github.com/aihub/chat-backend/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_analytics_events_dropped_total",
		Help: "Analytics events dropped because the queue was full",
	})
	eventsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_analytics_events_written_total",
		Help: "Analytics events handed to the writer",
	}, []string{"result"})
)

// Writer 事件的最终去向（Kafka 或数据库）
type Writer interface {
	WriteEvent(ctx context.Context, event *models.AnalyticsEvent) error
}

// Sink 有界队列 + 单 worker，LogEvent 永不阻塞调用方
type Sink struct {
	writer Writer
	queue  chan *models.AnalyticsEvent
	log    *zap.Logger

	dropped atomic.Int64
	closed  atomic.Bool
	once    sync.Once
	done    chan struct{}
}

func NewSink(writer Writer, queueSize int) *Sink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Sink{
		writer: writer,
		queue:  make(chan *models.AnalyticsEvent, queueSize),
		log:    logger.Named("analytics"),
		done:   make(chan struct{}),
	}
}

// Start 启动后台 worker
func (s *Sink) Start() {
	go s.run()
}

func (s *Sink) run() {
	defer close(s.done)
	for event := range s.queue {
		s.write(event)
	}
}

func (s *Sink) write(event *models.AnalyticsEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			eventsWritten.WithLabelValues("panic").Inc()
			s.log.Error("analytics writer panicked", zap.Any("panic", r))
		}
	}()
	if err := s.writer.WriteEvent(ctx, event); err != nil {
		eventsWritten.WithLabelValues("error").Inc()
		s.log.Warn("failed to write analytics event",
			zap.String("event_type", event.EventType), zap.Uint("user_id", event.UserID), zap.Error(err))
		return
	}
	eventsWritten.WithLabelValues("ok").Inc()
}

// LogEvent 队列满或已关闭时丢弃
func (s *Sink) LogEvent(eventType string, userID uint, data map[string]interface{}) {
	if s.closed.Load() {
		s.drop()
		return
	}
	event := NewEvent(eventType, userID, data)
	defer func() {
		// Close 与 LogEvent 并发时可能向已关闭的通道发送
		if recover() != nil {
			s.drop()
		}
	}()
	select {
	case s.queue <- event:
	default:
		s.drop()
	}
}

func (s *Sink) drop() {
	s.dropped.Add(1)
	eventsDropped.Inc()
}

// Dropped 累计丢弃数
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close 停止接收并等待队列写完
func (s *Sink) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.queue)
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewEvent 从适配器上报的字段构造事件，未识别字段进入 metadata
func NewEvent(eventType string, userID uint, data map[string]interface{}) *models.AnalyticsEvent {
	event := &models.AnalyticsEvent{
		UserID:    userID,
		EventType: eventType,
		Cost:      decimal.Zero,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]interface{}{},
	}
	for k, v := range data {
		switch k {
		case "provider":
			event.Provider = toString(v)
		case "model":
			event.Model = toString(v)
		case "prompt_tokens":
			event.PromptTokens = int(toInt64(v))
		case "completion_tokens":
			event.CompletionTokens = int(toInt64(v))
		case "total_tokens":
			event.TotalTokens = int(toInt64(v))
		case "duration_ms":
			event.DurationMs = toInt64(v)
		case "cost":
			if d, err := decimal.NewFromString(toString(v)); err == nil {
				event.Cost = d
			}
		default:
			event.Metadata[k] = v
		}
	}
	if event.TotalTokens == 0 {
		event.TotalTokens = event.PromptTokens + event.CompletionTokens
	}
	if len(event.Metadata) == 0 {
		event.Metadata = nil
	}
	return event
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case decimal.Decimal:
		return t.String()
	case nil:
		return ""
	default:
		return decimal.NewFromFloat(toFloat(v)).String()
	}
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	default:
		return float64(toInt64(v))
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return int64(t)
	case float64:
		return int64(t)
	case float32:
		return int64(t)
	default:
		return 0
	}
}
