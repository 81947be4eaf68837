// 文件: pkg/order/model.go
// 延迟执行订单模型
//
// 【状态机】
//
//	None -> Pending -> Executed
//	                -> Failed     (执行时校验不通过，仍收 keeper 费)
//	                -> Cancelled  (过期后才能取消)
//
// 终态不可变

package order

import (
	"errors"
	"fmt"

	"max.com/perpcore/pkg/num"
)

var ErrInvalidTransition = errors.New("invalid order status transition")

// =============================================================================
// 订单状态
// =============================================================================

type OrderStatus int8

const (
	StatusNone      OrderStatus = iota // 不存在
	StatusPending                      // 等待执行
	StatusExecuted                     // 已成交
	StatusFailed                       // 执行失败 (收 keeper 费)
	StatusCancelled                    // 已取消
)

func (s OrderStatus) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusPending:
		return "PENDING"
	case StatusExecuted:
		return "EXECUTED"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// IsTerminal 是否终态
func (s OrderStatus) IsTerminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusCancelled
}

// CanTransition 状态迁移是否合法
func CanTransition(from, to OrderStatus) bool {
	switch from {
	case StatusNone:
		return to == StatusPending
	case StatusPending:
		return to.IsTerminal()
	}
	return false
}

// =============================================================================
// 失败原因
// =============================================================================

type FailReason string

const (
	FailNone         FailReason = ""
	FailReduceOnly   FailReason = "REDUCE_ONLY_INVALID"
	FailLeverage     FailReason = "LEVERAGE_TOO_HIGH"
	FailLiquidatable FailReason = "WOULD_BE_LIQUIDATABLE"
	FailSoftLimit    FailReason = "SOFT_LIMIT_EXCEEDED"
	FailHardLimit    FailReason = "HARD_LIMIT_EXCEEDED"
)

// =============================================================================
// Order
// =============================================================================

// Order 订单 (值类型，直接存入账本)
type Order struct {
	ID      int64  `gorm:"column:order_id;primaryKey;autoIncrement:false" json:"id"` // 雪花ID
	Account string `gorm:"column:account;type:varchar(64);index" json:"account"`
	Asset   string `gorm:"column:asset;type:varchar(32);index" json:"asset"`

	// Size 有符号数量 (WAD)，正=买入
	Size num.Int `gorm:"column:size;type:varchar(80)" json:"size"`
	// AcceptablePrice 多单: 成交价 <= 该价；空单: 成交价 >= 该价
	AcceptablePrice num.Int `gorm:"column:acceptable_price;type:varchar(80)" json:"acceptable_price"`
	// KeeperFee 稳定币原生精度
	KeeperFee  num.Int `gorm:"column:keeper_fee;type:varchar(80)" json:"keeper_fee"`
	ReduceOnly bool    `gorm:"column:reduce_only" json:"reduce_only"`

	SubmitTime   int64 `gorm:"column:submit_time" json:"submit_time"`
	ExecutableAt int64 `gorm:"column:executable_at" json:"executable_at"` // submit + minOrderDelay
	Expiry       int64 `gorm:"column:expiry;index" json:"expiry"`

	Status     OrderStatus `gorm:"column:status;index" json:"status"`
	FailReason FailReason  `gorm:"column:fail_reason;type:varchar(32)" json:"fail_reason,omitempty"`

	// 执行结果
	ExecPrice  num.Int `gorm:"column:exec_price;type:varchar(80)" json:"exec_price"`
	TradingFee num.Int `gorm:"column:trading_fee;type:varchar(80)" json:"trading_fee"`
	Keeper     string  `gorm:"column:keeper;type:varchar(64)" json:"keeper,omitempty"`
	UpdatedAt  int64   `gorm:"column:updated_at" json:"updated_at"`
}

func (Order) TableName() string {
	return "perp_orders"
}

// =============================================================================
// 便捷方法
// =============================================================================

func (o Order) IsLong() bool {
	return o.Size.IsPos()
}

func (o Order) IsPending() bool {
	return o.Status == StatusPending
}

// IsExpired now 超过 expiry
func (o Order) IsExpired(now int64) bool {
	return now > o.Expiry
}

// IsReady 已过最小延迟
func (o Order) IsReady(now int64) bool {
	return now >= o.ExecutableAt
}

// PriceAcceptable 成交价是否满足用户的价格约束
func (o Order) PriceAcceptable(price num.Int) bool {
	if o.IsLong() {
		return price.Lte(o.AcceptablePrice)
	}
	return price.Gte(o.AcceptablePrice)
}

// Transition 返回迁移后的订单副本
func (o Order) Transition(to OrderStatus, now int64) (Order, error) {
	if !CanTransition(o.Status, to) {
		return o, fmt.Errorf("%w: %s -> %s (order %d)", ErrInvalidTransition, o.Status, to, o.ID)
	}
	o.Status = to
	o.UpdatedAt = now
	return o, nil
}
