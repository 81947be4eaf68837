// 文件: pkg/nats/subscriber.go
// NATS 事件订阅者

package nats

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"max.com/perpcore/pkg/event"
)

// EventHandler 事件处理函数
type EventHandler func(env event.Envelope) error

// Subscriber NATS 订阅者
type Subscriber struct {
	conn    *nats.Conn
	subs    []*nats.Subscription
	handler EventHandler
	log     *zap.Logger
}

// NewSubscriber 创建订阅者
func NewSubscriber(url string, handler EventHandler) (*Subscriber, error) {
	conn, err := nats.Connect(url, nats.Name("perpcore-subscriber"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewSubscriberWithConn(conn, handler), nil
}

func NewSubscriberWithConn(conn *nats.Conn, handler EventHandler) *Subscriber {
	return &Subscriber{conn: conn, handler: handler, log: zap.L().Named("nats")}
}

func (s *Subscriber) onMessage(msg *nats.Msg) {
	env, err := event.Decode(msg.Data)
	if err != nil {
		s.log.Warn("skip undecodable message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if err := s.handler(env); err != nil {
		s.log.Error("handle event",
			zap.String("subject", msg.Subject),
			zap.Int64("seq", env.Seq),
			zap.Error(err))
	}
}

// Subscribe 订阅主题 (支持通配符)
func (s *Subscriber) Subscribe(subjects ...string) error {
	for _, subject := range subjects {
		sub, err := s.conn.Subscribe(subject, s.onMessage)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// SubscribeQueue 队列订阅 (同组内负载均衡)
func (s *Subscriber) SubscribeQueue(subject, queue string) error {
	sub, err := s.conn.QueueSubscribe(subject, queue, s.onMessage)
	if err != nil {
		return fmt.Errorf("queue subscribe %s: %w", subject, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Close 退订并关闭连接
func (s *Subscriber) Close() error {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.log.Warn("unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	s.conn.Close()
	return nil
}

// =============================================================================
// 便捷方法
// =============================================================================

// DecodeData 按事件类型解析负载
func DecodeData[T any](env event.Envelope) (*T, error) {
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
