// 文件: pkg/futures/position.go
// 持仓模型
//
// 【核心概念】
// - 单向持仓: Size > 0 多头，Size < 0 空头
// - Cost: 带符号的持仓成本 (Size × 开仓均价)，WAD
// - FundingSnap / FinancingSnap: 上次结算时所在方向的累计指数
//
// 【成交三种情况】
// 1. 开仓/加仓 (同向): Cost += delta × price
// 2. 减仓 (反向且不超过持仓): 按比例结转成本，实现盈亏 = 平掉部分 × price - 对应成本
// 3. 反手 (反向且超过持仓): 全部平仓 + 剩余部分按成交价重新开仓

package futures

import (
	"max.com/perpcore/pkg/num"
)

// PositionKey (账户, 资产)
type PositionKey struct {
	Account string
	Asset   string
}

// Position 持仓
type Position struct {
	Account string  `json:"account"`
	Asset   string  `json:"asset"`
	Size    num.Int `json:"size"`
	Cost    num.Int `json:"cost"`

	FundingSnap   num.Int `json:"funding_snap"`
	FinancingSnap num.Int `json:"financing_snap"`
	UpdatedAt     int64   `json:"updated_at"`
}

// Side 持仓方向
type Side int8

const (
	SideFlat  Side = 0
	SideLong  Side = 1
	SideShort Side = -1
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	}
	return "FLAT"
}

func sideOf(size num.Int) Side {
	return Side(size.Sign())
}

func (p Position) Side() Side { return sideOf(p.Size) }

func (p Position) IsOpen() bool { return !p.Size.IsZero() }

// EntryPrice 开仓均价
func (p Position) EntryPrice() num.Int {
	if p.Size.IsZero() {
		return num.Zero
	}
	return p.Cost.WDiv(p.Size)
}

// Notional |size| × price
func (p Position) Notional(price num.Int) num.Int {
	return p.Size.Abs().WMul(price)
}

// UnrealizedPnl size × price - cost
func (p Position) UnrealizedPnl(price num.Int) num.Int {
	return p.Size.WMul(price).Sub(p.Cost)
}

// tradeResult 一笔成交对持仓的影响
type tradeResult struct {
	NewSize  num.Int
	NewCost  num.Int
	Realized num.Int // WAD
}

// applyTrade 计算成交后的持仓 (纯函数)
func applyTrade(size, cost, delta, price num.Int) tradeResult {
	newSize := size.Add(delta)
	var res tradeResult
	res.NewSize = newSize

	switch {
	case size.IsZero() || size.SameSign(delta):
		res.NewCost = cost.Add(delta.WMul(price))

	case delta.Abs().Lte(size.Abs()):
		closed := delta.Neg()
		costClosed := cost.MulDiv(closed, size)
		res.Realized = closed.WMul(price).Sub(costClosed)
		res.NewCost = cost.Sub(costClosed)

	default:
		res.Realized = size.WMul(price).Sub(cost)
		res.NewCost = newSize.WMul(price)
	}

	if newSize.IsZero() {
		res.NewCost = num.Zero
	}
	return res
}

// increasesExposure |size+delta| > |size|
func increasesExposure(size, delta num.Int) bool {
	return size.Add(delta).Abs().Gt(size.Abs())
}
