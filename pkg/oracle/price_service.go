// 文件: pkg/oracle/price_service.go
// 价格服务 - 对核心暴露 GetPrice(asset, requireFresh)
//
// 【职责】
// 1. 存储各资产的最新价格 (主价格 + 参考价格)
// 2. 校验新鲜度: requireFresh 时超过 MaxAge 的价格直接报错
// 3. 校验偏离: 主价格与参考价格偏离超过 MaxDivergence 报错
// 4. 接收 keeper 随订单执行一起提交的价格更新包
//
// 核心把这里返回的任何错误都视为致命，整个事务回滚

package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"max.com/perpcore/pkg/ledger"
	"max.com/perpcore/pkg/num"
)

var (
	ErrNoPrice         = errors.New("price not available")
	ErrStalePrice      = errors.New("stale price")
	ErrPriceDivergence = errors.New("price diverges from reference")
	ErrInvalidPrice    = errors.New("invalid price")
)

// Feed 核心消费的价格接口
type Feed interface {
	GetPrice(ctx context.Context, asset string, requireFresh bool) (num.Int, error)
}

// Update 一条价格更新 (WAD)
type Update struct {
	Symbol      string  `json:"symbol"`
	Price       num.Int `json:"price"`
	PublishTime int64   `json:"publish_time"`
}

// Updater 能接收价格更新包的价格源
type Updater interface {
	ApplyUpdates(ctx context.Context, updates []Update) error
}

// Config 校验参数
type Config struct {
	MaxAge        int64   // 秒
	MaxDivergence num.Int // WAD，0 表示不校验
}

// DefaultConfig 默认 60 秒 / 2%
func DefaultConfig() Config {
	return Config{
		MaxAge:        60,
		MaxDivergence: num.MustParse("0.02"),
	}
}

// PriceInfo 价格信息
type PriceInfo struct {
	Symbol             string  `json:"symbol"`
	Price              num.Int `json:"price"`
	ReferencePrice     num.Int `json:"reference_price"`
	UpdatedAt          int64   `json:"updated_at"`
	ReferenceUpdatedAt int64   `json:"reference_updated_at"`
}

// PriceService 价格服务
type PriceService struct {
	mu     sync.RWMutex
	clock  ledger.Clock
	cfg    Config
	prices map[string]*PriceInfo

	// 价格更新回调 (通知强平 keeper)
	onPriceUpdate func(info PriceInfo)
}

var (
	_ Feed    = (*PriceService)(nil)
	_ Updater = (*PriceService)(nil)
)

func NewPriceService(clock ledger.Clock, cfg Config) *PriceService {
	return &PriceService{
		clock:  clock,
		cfg:    cfg,
		prices: make(map[string]*PriceInfo),
	}
}

// OnPriceUpdate 设置价格更新回调
func (s *PriceService) OnPriceUpdate(callback func(info PriceInfo)) {
	s.onPriceUpdate = callback
}

// GetPrice 获取校验后的价格
func (s *PriceService) GetPrice(_ context.Context, asset string, requireFresh bool) (num.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.prices[asset]
	if !ok || !info.Price.IsPos() {
		return num.Zero, fmt.Errorf("%w: %s", ErrNoPrice, asset)
	}
	if requireFresh && s.cfg.MaxAge > 0 && s.clock.Now()-info.UpdatedAt > s.cfg.MaxAge {
		return num.Zero, fmt.Errorf("%w: %s updated at %d", ErrStalePrice, asset, info.UpdatedAt)
	}
	if s.cfg.MaxDivergence.IsPos() && info.ReferencePrice.IsPos() {
		diff := info.Price.Sub(info.ReferencePrice).Abs()
		if diff.WDiv(info.ReferencePrice).Gt(s.cfg.MaxDivergence) {
			return num.Zero, fmt.Errorf("%w: %s", ErrPriceDivergence, asset)
		}
	}
	return info.Price, nil
}

// GetPriceInfo 获取完整价格信息 (副本)
func (s *PriceService) GetPriceInfo(symbol string) (PriceInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.prices[symbol]
	if !ok {
		return PriceInfo{}, false
	}
	return *info, true
}

// UpdatePrice 更新主价格
func (s *PriceService) UpdatePrice(symbol string, price num.Int) error {
	return s.set(symbol, price, s.clock.Now(), false)
}

// UpdateReferencePrice 更新参考价格 (第二数据源)
func (s *PriceService) UpdateReferencePrice(symbol string, price num.Int) error {
	return s.set(symbol, price, s.clock.Now(), true)
}

// ApplyUpdates 应用价格更新包，比当前旧的更新被忽略，发布时间晚于当前时间的拒绝
func (s *PriceService) ApplyUpdates(_ context.Context, updates []Update) error {
	now := s.clock.Now()
	for _, u := range updates {
		publish := u.PublishTime
		if publish == 0 {
			publish = now
		}
		if publish > now {
			return fmt.Errorf("%w: %s publish time %d after now %d", ErrInvalidPrice, u.Symbol, publish, now)
		}
		if err := s.set(u.Symbol, u.Price, publish, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *PriceService) set(symbol string, price num.Int, at int64, reference bool) error {
	if !price.IsPos() {
		return fmt.Errorf("%w: %s %s", ErrInvalidPrice, symbol, price)
	}

	s.mu.Lock()
	info, ok := s.prices[symbol]
	if !ok {
		info = &PriceInfo{Symbol: symbol}
		s.prices[symbol] = info
	}
	if reference {
		info.ReferencePrice = price
		info.ReferenceUpdatedAt = at
	} else {
		if at < info.UpdatedAt {
			s.mu.Unlock()
			return nil
		}
		info.Price = price
		info.UpdatedAt = at
	}
	snapshot := *info
	s.mu.Unlock()

	if s.onPriceUpdate != nil {
		s.onPriceUpdate(snapshot)
	}
	return nil
}

// GetAllPrices 获取所有价格
func (s *PriceService) GetAllPrices() map[string]PriceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]PriceInfo, len(s.prices))
	for k, v := range s.prices {
		result[k] = *v
	}
	return result
}
