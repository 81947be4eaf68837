// 文件: pkg/kafka/producer.go
// Kafka 事件生产者
//
// 特点:
// - 异步发送，高吞吐
// - 同一账户的事件用账户做分区 key，保证顺序
// - 发送错误只记日志和指标，不反压到账本 (账本已经提交)
// - 优雅关闭

package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"max.com/perpcore/pkg/event"
	"max.com/perpcore/pkg/metrics"
)

var ErrProducerClosed = errors.New("kafka producer is closed")

// =============================================================================
// Message 接口
// =============================================================================

// Message 通用消息接口
type Message interface {
	Topic() string          // 目标 topic
	Key() string            // 分区 key (相同 key 保证顺序)
	Value() ([]byte, error) // 消息体
}

// EventMessage 账本事件 -> Kafka 消息
type EventMessage struct {
	topic string
	ev    event.Event
}

func NewEventMessage(topic string, ev event.Event) EventMessage {
	return EventMessage{topic: topic, ev: ev}
}

func (m EventMessage) Topic() string          { return m.topic }
func (m EventMessage) Key() string            { return m.ev.Key() }
func (m EventMessage) Value() ([]byte, error) { return event.Encode(m.ev) }

// =============================================================================
// Producer 配置
// =============================================================================

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers        []string      // broker 地址列表
	Topic          string        // 事件 topic
	RequiredAcks   int           // 0=不等待, 1=leader确认, -1=全部确认
	Compression    string        // none, gzip, snappy, lz4, zstd
	FlushFrequency time.Duration // 刷新间隔
	FlushMessages  int           // 批量消息数
	MaxRetries     int
}

// DefaultProducerConfig 默认配置
func DefaultProducerConfig(brokers []string, topic string) ProducerConfig {
	return ProducerConfig{
		Brokers:        brokers,
		Topic:          topic,
		RequiredAcks:   -1,
		Compression:    "snappy",
		FlushFrequency: 100 * time.Millisecond,
		FlushMessages:  100,
		MaxRetries:     3,
	}
}

func (cfg ProducerConfig) sarama() *sarama.Config {
	sc := sarama.NewConfig()

	switch cfg.RequiredAcks {
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	}

	switch cfg.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	sc.Producer.Flush.Frequency = cfg.FlushFrequency
	sc.Producer.Flush.Messages = cfg.FlushMessages
	sc.Producer.Retry.Max = cfg.MaxRetries
	// 账户内有序: 同一分区只允许一个在途请求
	sc.Producer.Idempotent = cfg.RequiredAcks == -1
	if sc.Producer.Idempotent {
		sc.Net.MaxOpenRequests = 1
	}
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	return sc
}

// =============================================================================
// Producer
// =============================================================================

// Producer Kafka 事件生产者，实现 event.Sink
type Producer struct {
	producer sarama.AsyncProducer
	config   ProducerConfig
	log      *zap.Logger

	sentCount  atomic.Int64
	errorCount atomic.Int64

	closed atomic.Bool
	wg     sync.WaitGroup
}

var _ event.Sink = (*Producer)(nil)

// NewProducer 创建生产者
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	ap, err := sarama.NewAsyncProducer(cfg.Brokers, cfg.sarama())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newProducer(ap, cfg), nil
}

func newProducer(ap sarama.AsyncProducer, cfg ProducerConfig) *Producer {
	p := &Producer{
		producer: ap,
		config:   cfg,
		log:      zap.L().Named("kafka"),
	}
	p.wg.Add(1)
	go p.handleErrors()
	return p
}

// Send 发送一条消息 (异步)
func (p *Producer) Send(msg Message) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	data, err := msg.Value()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: msg.Topic(),
		Key:   sarama.StringEncoder(msg.Key()),
		Value: sarama.ByteEncoder(data),
	}
	p.sentCount.Add(1)
	return nil
}

// Publish 把一个事务的事件按顺序送进发送队列
func (p *Producer) Publish(_ context.Context, events []event.Event) error {
	for _, ev := range events {
		if err := p.Send(NewEventMessage(p.config.Topic, ev)); err != nil {
			metrics.EventsPublished.WithLabelValues("kafka", "error").Inc()
			return err
		}
		metrics.EventsPublished.WithLabelValues("kafka", "ok").Inc()
	}
	return nil
}

func (p *Producer) handleErrors() {
	defer p.wg.Done()
	for err := range p.producer.Errors() {
		p.errorCount.Add(1)
		metrics.EventsPublished.WithLabelValues("kafka", "error").Inc()
		p.log.Error("send failed",
			zap.String("topic", err.Msg.Topic),
			zap.Error(err.Err))
	}
}

// =============================================================================
// 统计与生命周期
// =============================================================================

// ProducerStats 统计信息
type ProducerStats struct {
	SentCount  int64
	ErrorCount int64
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		SentCount:  p.sentCount.Load(),
		ErrorCount: p.errorCount.Load(),
	}
}

// Close 关闭生产者，等待错误通道排空
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.producer.Close()
	p.wg.Wait()
	return err
}
