// 文件: pkg/kafka/consumer.go
// Kafka 事件消费者 (消费者组)
//
// 事件流下游 (例如 store.JournalWriter) 通过这里读回账本事件。
// 处理失败的消息记录日志后继续，offset 照常提交，下游需要幂等 (按 seq 去重)

package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"max.com/perpcore/pkg/event"
)

// =============================================================================
// Consumer 配置
// =============================================================================

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers       []string
	GroupID       string
	Topics        []string
	OffsetInitial int64 // sarama.OffsetNewest / sarama.OffsetOldest
	AutoCommit    bool
}

// DefaultConsumerConfig 默认从最早的 offset 开始
func DefaultConsumerConfig(brokers []string, groupID string, topics ...string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:       brokers,
		GroupID:       groupID,
		Topics:        topics,
		OffsetInitial: sarama.OffsetOldest,
		AutoCommit:    true,
	}
}

// =============================================================================
// Handler
// =============================================================================

// EventHandler 事件处理函数
type EventHandler func(ctx context.Context, env event.Envelope) error

// Consumer Kafka 消费者
type Consumer struct {
	client  sarama.ConsumerGroup
	config  ConsumerConfig
	handler EventHandler
	log     *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer 创建消费者
func NewConsumer(cfg ConsumerConfig, handler EventHandler) (*Consumer, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = cfg.OffsetInitial
	sc.Consumer.Offsets.AutoCommit.Enable = cfg.AutoCommit

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		log:     zap.L().Named("kafka"),
	}, nil
}

// Start 启动消费，ctx 取消或 Stop 时退出
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		h := &groupHandler{handler: c.handler, log: c.log}
		for {
			if err := c.client.Consume(ctx, c.config.Topics, h); err != nil {
				c.log.Error("consume", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.client.Close()
}

// =============================================================================
// sarama.ConsumerGroupHandler
// =============================================================================

type groupHandler struct {
	handler EventHandler
	log     *zap.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handle(session.Context(), msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *groupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	env, err := event.Decode(msg.Value)
	if err != nil {
		h.log.Warn("skip undecodable message",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return
	}
	if err := h.handler(ctx, env); err != nil {
		h.log.Error("handle event",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int64("seq", env.Seq),
			zap.Error(err))
	}
}
