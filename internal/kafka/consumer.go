package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/aihub/chat-backend/internal/logger"
	"go.uber.org/zap"
)

// MessageHandler 消息处理函数
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// Consumer Kafka消费者组
type Consumer struct {
	consumer sarama.ConsumerGroup
	groupID  string
	topics   []string

	mu       sync.RWMutex
	handlers map[string]MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer 创建消费者组，需调用 Start 开始消费
func NewConsumer(brokers []string, groupID string, topics []string) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V2_6_0_0

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka消费者组失败: %w", err)
	}

	logger.Info("Kafka消费者初始化成功",
		zap.Strings("brokers", brokers),
		zap.String("group_id", groupID),
		zap.Strings("topics", topics))
	return newConsumerWith(group, groupID, topics), nil
}

func newConsumerWith(group sarama.ConsumerGroup, groupID string, topics []string) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		consumer: group,
		groupID:  groupID,
		topics:   topics,
		handlers: make(map[string]MessageHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler 注册消息处理器
func (c *Consumer) RegisterHandler(topic string, handler MessageHandler) {
	c.mu.Lock()
	c.handlers[topic] = handler
	c.mu.Unlock()
	logger.Info("注册Kafka消息处理器", zap.String("topic", topic))
}

func (c *Consumer) handler(topic string) (MessageHandler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[topic]
	return h, ok
}

// Start 后台消费直到 Close
func (c *Consumer) Start() {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		handler := &groupHandler{consumer: c}
		for {
			if err := c.consumer.Consume(c.ctx, c.topics, handler); err != nil {
				logger.Error("消费消息失败", zap.Error(err))
				select {
				case <-c.ctx.Done():
				case <-time.After(5 * time.Second):
				}
			}
			if c.ctx.Err() != nil {
				logger.Info("Kafka消费者停止", zap.String("group_id", c.groupID))
				return
			}
		}
	}()

	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			logger.Error("Kafka消费者错误", zap.Error(err))
		}
	}()
}

// Close 关闭消费者
func (c *Consumer) Close() error {
	c.cancel()
	err := c.consumer.Close()
	c.wg.Wait()
	return err
}

// groupHandler 消费者组处理器
type groupHandler struct {
	consumer *Consumer
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 处理失败的消息不提交，等待重新投递
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			h.dispatch(session.Context(), message, func() { session.MarkMessage(message, "") })
		case <-session.Context().Done():
			return nil
		}
	}
}

// dispatch 返回消息是否已标记
func (h *groupHandler) dispatch(ctx context.Context, message *sarama.ConsumerMessage, mark func()) bool {
	handler, ok := h.consumer.handler(message.Topic)
	if !ok {
		logger.Warn("未找到消息处理器", zap.String("topic", message.Topic))
		mark()
		return true
	}

	if err := handler(ctx, message); err != nil {
		logger.Error("处理消息失败",
			zap.String("topic", message.Topic),
			zap.Int("partition", int(message.Partition)),
			zap.Int64("offset", message.Offset),
			zap.Error(err))
		return false
	}

	mark()
	return true
}
