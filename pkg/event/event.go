// 文件: pkg/event/event.go
// 账本事件 - 事务提交后才会发出
//
// 【下游】
// - NATS: perp.<type> 实时推送
// - Kafka: perp.events，DB 写入器消费后落流水表
// - 内存 Recorder: 测试断言

package event

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"max.com/perpcore/pkg/num"
)

// Type 事件类型
type Type string

const (
	TypeCollateralDeposited  Type = "collateral.deposited"
	TypeCollateralWithdrawn  Type = "collateral.withdrawn"
	TypeOrderSubmitted       Type = "order.submitted"
	TypeOrderExecuted        Type = "order.executed"
	TypeOrderFailed          Type = "order.failed"
	TypeOrderCancelled       Type = "order.cancelled"
	TypePositionLiquidated   Type = "position.liquidated"
	TypeCollateralLiquidated Type = "collateral.liquidated"
	TypeDeficitLoss          Type = "deficit.loss"
	TypeLiquidityAdded       Type = "liquidity.added"
	TypeLiquidityRemoved     Type = "liquidity.removed"
)

// Event 事件信封
type Event struct {
	Seq       int64  `json:"seq"` // 账本内单调递增
	Type      Type   `json:"type"`
	Account   string `json:"account"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// Key 分区 key，同一账户的事件保持顺序
func (e Event) Key() string {
	return e.Account
}

// =============================================================================
// 事件负载
// =============================================================================

type CollateralChange struct {
	Token    string  `json:"token"`
	Amount   num.Int `json:"amount"` // 代币原生精度
	Referral string  `json:"referral,omitempty"`
}

type OrderSubmitted struct {
	OrderID         int64   `json:"order_id"`
	Asset           string  `json:"asset"`
	Size            num.Int `json:"size"`
	AcceptablePrice num.Int `json:"acceptable_price"`
	KeeperFee       num.Int `json:"keeper_fee"`
	Expiry          int64   `json:"expiry"`
	ReduceOnly      bool    `json:"reduce_only"`
}

// TradeRecord 成交记录
type TradeRecord struct {
	OrderID     int64   `json:"order_id"`
	Asset       string  `json:"asset"`
	Size        num.Int `json:"size"`
	Price       num.Int `json:"price"`
	TradingFee  num.Int `json:"trading_fee"` // 原生精度
	KeeperFee   num.Int `json:"keeper_fee"`
	RealizedPnl num.Int `json:"realized_pnl"` // 原生精度
	Keeper      string  `json:"keeper"`
}

type OrderFailed struct {
	OrderID   int64   `json:"order_id"`
	Asset     string  `json:"asset"`
	Reason    string  `json:"reason"`
	KeeperFee num.Int `json:"keeper_fee"`
	Keeper    string  `json:"keeper"`
}

type OrderCancelled struct {
	OrderID   int64   `json:"order_id"`
	Asset     string  `json:"asset"`
	KeeperFee num.Int `json:"keeper_fee"`
	Caller    string  `json:"caller"`
}

type PositionLiquidated struct {
	Asset       string  `json:"asset"`
	Size        num.Int `json:"size"`
	Price       num.Int `json:"price"`
	Fee         num.Int `json:"fee"`     // 原生精度，给清算人
	Penalty     num.Int `json:"penalty"` // 原生精度
	ToInsurance num.Int `json:"to_insurance"`
	ToIncentive num.Int `json:"to_incentive"`
	RealizedPnl num.Int `json:"realized_pnl"`
	Liquidator  string  `json:"liquidator"`
}

type CollateralLiquidated struct {
	Token      string  `json:"token"`
	BaseAmount num.Int `json:"base_amount"` // 清算人支付的稳定币 (原生精度)
	Seized     num.Int `json:"seized"`      // 扣走的抵押品 (代币原生精度)
	Price      num.Int `json:"price"`
	Liquidator string  `json:"liquidator"`
}

// DeficitLoss 穿仓损失 (WAD)
type DeficitLoss struct {
	Amount           num.Int `json:"amount"`
	InsuranceCovered num.Int `json:"insurance_covered"`
	LpLoss           num.Int `json:"lp_loss"`
}

type LiquidityChange struct {
	Amount   num.Int `json:"amount"` // 原生精度
	Shares   num.Int `json:"shares"`
	Receiver string  `json:"receiver"`
}

// =============================================================================
// Sink
// =============================================================================

// Sink 事件下游
type Sink interface {
	Publish(ctx context.Context, events []Event) error
}

// Fanout 依次投递到多个下游，收集全部错误
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, events []Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder 内存记录 (测试用)
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, events []Event) error {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
	return nil
}

// All 已记录的全部事件
func (r *Recorder) All() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType 过滤某类事件
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.All() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset 清空
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Encode JSON 序列化
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Envelope 反序列化时先拿到原始 data，再按 Type 解析
type Envelope struct {
	Seq       int64           `json:"seq"`
	Type      Type            `json:"type"`
	Account   string          `json:"account"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Decode 解析信封
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(b, &env)
	return env, err
}
