// 文件: pkg/market/ticker.go
// 模拟行情 - 几何布朗运动 (GBM)
//
//	S_new = S * exp(-0.5*σ²*dt + σ*sqrt(dt)*Z),  Z ~ N(0,1)
//
// 无漂移，dt 以年计。价格写入 Publisher (通常是 PriceService)

package market

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"max.com/perpcore/pkg/num"
)

// Publisher 价格写入端
type Publisher interface {
	UpdatePrice(symbol string, price num.Int) error
}

// Ticker 单个资产的行情生成器
type Ticker struct {
	Symbol     string
	Interval   time.Duration
	Volatility float64 // 年化，0.5 = 50%

	mu          sync.Mutex
	price       float64
	lastUpdated time.Time
	r           *rand.Rand
	pub         Publisher
	log         *zap.Logger
}

func NewTicker(symbol string, startPrice float64, interval time.Duration, pub Publisher) *Ticker {
	return &Ticker{
		Symbol:      symbol,
		Interval:    interval,
		Volatility:  0.5,
		price:       startPrice,
		lastUpdated: time.Now(),
		r:           rand.New(rand.NewSource(time.Now().UnixNano())),
		pub:         pub,
		log:         zap.L().Named("ticker").With(zap.String("symbol", symbol)),
	}
}

// WithSeed 固定随机源
func (t *Ticker) WithSeed(seed int64) *Ticker {
	t.r = rand.New(rand.NewSource(seed))
	return t
}

// Price 当前价格
func (t *Ticker) Price() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.price
}

// Step 推进到 now 并发布新价格
func (t *Ticker) Step(now time.Time) (float64, error) {
	t.mu.Lock()
	dt := now.Sub(t.lastUpdated).Hours() / 24 / 365
	if dt <= 0 {
		dt = 1e-9
	}
	sigma := t.Volatility
	z := t.r.NormFloat64()
	t.price *= math.Exp(-0.5*sigma*sigma*dt + sigma*math.Sqrt(dt)*z)
	t.lastUpdated = now
	price := t.price
	t.mu.Unlock()

	return price, t.publish(price)
}

// Shock 一次性跳变，pct = -0.1 表示下跌 10%
func (t *Ticker) Shock(pct float64) (float64, error) {
	t.mu.Lock()
	t.price *= 1 + pct
	price := t.price
	t.mu.Unlock()

	t.log.Warn("price shock", zap.Float64("pct", pct), zap.Float64("price", price))
	return price, t.publish(price)
}

func (t *Ticker) publish(price float64) error {
	return t.pub.UpdatePrice(t.Symbol, ToWad(price))
}

// Run 按 Interval 推进，直到 ctx 结束
func (t *Ticker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := t.Step(now); err != nil {
				t.log.Error("publish price", zap.Error(err))
			}
		}
	}
}

// ToWad float64 价格转 WAD
func ToWad(f float64) num.Int {
	return num.FromDecimal(decimal.NewFromFloat(f), num.Decimals)
}
