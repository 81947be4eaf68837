// 文件: pkg/market/broadcaster.go
// 价格广播 - Fan-out
//
//	PriceService.OnPriceUpdate
//	            |
//	            v
//	      [Broadcaster]
//	       /    |    \
//	      v     v     v
//	  keeper   日志   ...
//
// 慢订阅者的 channel 满了直接丢弃，不阻塞价格写入

package market

import (
	"sync"

	"max.com/perpcore/pkg/metrics"
	"max.com/perpcore/pkg/oracle"
)

const defaultBuffer = 64

type subscriber struct {
	name string
	ch   chan oracle.PriceInfo
}

// Broadcaster 价格更新广播器
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	closed      bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe 注册订阅者，buffer <= 0 时用默认大小
// 返回的 cancel 注销并关闭 channel
func (b *Broadcaster) Subscribe(name string, buffer int) (<-chan oracle.PriceInfo, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{name: name, ch: make(chan oracle.PriceInfo, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subscribers = append(b.subscribers, sub)

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { b.remove(sub) })
	}
}

func (b *Broadcaster) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s == sub {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Broadcast 非阻塞推送，可直接作为 OnPriceUpdate 回调
func (b *Broadcaster) Broadcast(info oracle.PriceInfo) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subscribers {
		select {
		case s.ch <- info:
		default:
			metrics.PriceTicksDropped.WithLabelValues(s.name).Inc()
		}
	}
}

// Len 当前订阅者数量
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close 关闭所有订阅 channel，之后的 Subscribe 拿到已关闭的 channel
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subscribers {
		close(s.ch)
	}
	b.subscribers = nil
	b.closed = true
}
