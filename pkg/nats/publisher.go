// 文件: pkg/nats/publisher.go
// NATS 事件发布者
// 实时推送，subject = <prefix>.<事件类型>，例如 perp.order.executed
// 订阅方可用通配符 perp.order.> 只看订单事件

package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"max.com/perpcore/pkg/event"
	"max.com/perpcore/pkg/metrics"
)

const DefaultSubjectPrefix = "perp"

// Publisher NATS 发布者，实现 event.Sink
type Publisher struct {
	conn   *nats.Conn
	prefix string
	log    *zap.Logger
}

var _ event.Sink = (*Publisher)(nil)

// NewPublisher 创建发布者
func NewPublisher(url, prefix string) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("perpcore-publisher"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewPublisherWithConn(conn, prefix), nil
}

// NewPublisherWithConn 复用已有连接
func NewPublisherWithConn(conn *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: conn, prefix: prefix, log: zap.L().Named("nats")}
}

// Subject 事件对应的 subject
func (p *Publisher) Subject(t event.Type) string {
	return p.prefix + "." + string(t)
}

// Publish 逐条发布；NATS 是 at-most-once，失败只记录
func (p *Publisher) Publish(_ context.Context, events []event.Event) error {
	for _, ev := range events {
		data, err := event.Encode(ev)
		if err == nil {
			err = p.conn.Publish(p.Subject(ev.Type), data)
		}
		if err != nil {
			metrics.EventsPublished.WithLabelValues("nats", "error").Inc()
			p.log.Warn("publish failed",
				zap.String("type", string(ev.Type)),
				zap.Int64("seq", ev.Seq),
				zap.Error(err))
			return fmt.Errorf("publish %s: %w", ev.Type, err)
		}
		metrics.EventsPublished.WithLabelValues("nats", "ok").Inc()
	}
	return nil
}

// Flush 等待服务端确认已收到缓冲的消息
func (p *Publisher) Flush() error {
	return p.conn.Flush()
}

// Close 关闭连接
func (p *Publisher) Close() {
	p.conn.Close()
}
