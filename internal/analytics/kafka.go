package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/aihub/chat-backend/internal/kafka"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/aihub/chat-backend/internal/models"
	"go.uber.org/zap"
)

// KafkaWriter 把事件发布到分析主题
type KafkaWriter struct {
	producer *kafka.Producer
}

func NewKafkaWriter(producer *kafka.Producer) *KafkaWriter {
	return &KafkaWriter{producer: producer}
}

func (w *KafkaWriter) WriteEvent(_ context.Context, event *models.AnalyticsEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal analytics event: %w", err)
	}
	userID := strconv.FormatUint(uint64(event.UserID), 10)
	return w.producer.Publish(userID, data, map[string]string{
		"user_id":    userID,
		"event_type": event.EventType,
	})
}

// Store 事件持久化
type Store interface {
	CreateAnalyticsEvent(ctx context.Context, event *models.AnalyticsEvent) error
}

// StoreWriter Kafka 关闭时由 worker 直接写库
type StoreWriter struct {
	store Store
}

func NewStoreWriter(store Store) *StoreWriter {
	return &StoreWriter{store: store}
}

func (w *StoreWriter) WriteEvent(ctx context.Context, event *models.AnalyticsEvent) error {
	return w.store.CreateAnalyticsEvent(ctx, event)
}

// Recorder 消费分析主题并写入 analytics_events
type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Handle 作为 kafka.MessageHandler 注册；无法解析的消息直接丢弃
func (r *Recorder) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	var event models.AnalyticsEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		logger.Warn("discarding malformed analytics message", zap.Int64("offset", message.Offset), zap.Error(err))
		return nil
	}
	return r.store.CreateAnalyticsEvent(ctx, &event)
}
