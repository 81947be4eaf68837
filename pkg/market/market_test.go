package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perpcore/pkg/ledger"
	"max.com/perpcore/pkg/num"
	"max.com/perpcore/pkg/oracle"
)

type recorder struct {
	mu     sync.Mutex
	prices []num.Int
}

func (r *recorder) UpdatePrice(_ string, price num.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices = append(r.prices, price)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prices)
}

func TestBroadcastFanOut(t *testing.T) {
	b := NewBroadcaster()
	a, cancelA := b.Subscribe("a", 4)
	c, cancelC := b.Subscribe("c", 4)
	defer cancelA()
	defer cancelC()
	require.Equal(t, 2, b.Len())

	b.Broadcast(oracle.PriceInfo{Symbol: "ETH", Price: num.Wad(2000)})

	got := <-a
	assert.Equal(t, "ETH", got.Symbol)
	assert.True(t, got.Price.Eq(num.Wad(2000)))
	got = <-c
	assert.Equal(t, "ETH", got.Symbol)
}

func TestBroadcastDropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()
	slow, cancel := b.Subscribe("slow", 1)
	defer cancel()

	b.Broadcast(oracle.PriceInfo{Symbol: "ETH", Price: num.Wad(1)})
	b.Broadcast(oracle.PriceInfo{Symbol: "ETH", Price: num.Wad(2)})

	got := <-slow
	assert.True(t, got.Price.Eq(num.Wad(1)))
	select {
	case <-slow:
		t.Fatal("second update should have been dropped")
	default:
	}
}

func TestSubscribeCancel(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("x", 0)
	cancel()
	cancel()

	assert.Equal(t, 0, b.Len())
	_, ok := <-ch
	assert.False(t, ok)
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("x", 0)
	b.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe("late", 0)
	_, ok = <-late
	assert.False(t, ok)
	b.Broadcast(oracle.PriceInfo{Symbol: "ETH"})
}

func TestBroadcasterAsPriceCallback(t *testing.T) {
	clock := ledger.NewManualClock(1_700_000_000)
	prices := oracle.NewPriceService(clock, oracle.DefaultConfig())
	b := NewBroadcaster()
	prices.OnPriceUpdate(b.Broadcast)
	ch, cancel := b.Subscribe("test", 0)
	defer cancel()

	require.NoError(t, prices.UpdatePrice("ETH", num.Wad(1900)))

	got := <-ch
	assert.Equal(t, "ETH", got.Symbol)
	assert.True(t, got.Price.Eq(num.Wad(1900)))
	assert.Equal(t, int64(1_700_000_000), got.UpdatedAt)
}

func TestTickerStep(t *testing.T) {
	rec := &recorder{}
	tk := NewTicker("ETH", 2000, time.Second, rec).WithSeed(42)
	start := tk.lastUpdated

	for i := 1; i <= 10; i++ {
		p, err := tk.Step(start.Add(time.Duration(i) * time.Second))
		require.NoError(t, err)
		assert.Greater(t, p, 0.0)
		// 一秒的 50% 年化波动幅度很小
		assert.InDelta(t, 2000, p, 20)
	}
	require.Equal(t, 10, rec.len())
	assert.True(t, rec.prices[9].Eq(ToWad(tk.Price())))
}

func TestTickerShock(t *testing.T) {
	rec := &recorder{}
	tk := NewTicker("ETH", 2000, time.Second, rec)

	p, err := tk.Shock(-0.1)
	require.NoError(t, err)
	assert.InDelta(t, 1800, p, 1e-9)
	require.Equal(t, 1, rec.len())
	assert.True(t, rec.prices[0].Eq(num.Wad(1800)))
}

func TestTickerRun(t *testing.T) {
	rec := &recorder{}
	tk := NewTicker("ETH", 2000, 10*time.Millisecond, rec)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tk.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return rec.len() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestToWad(t *testing.T) {
	assert.True(t, ToWad(1.5).Eq(num.MustParse("1.5")))
	assert.True(t, ToWad(2000).Eq(num.Wad(2000)))
}
