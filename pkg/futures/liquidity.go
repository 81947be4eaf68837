// 文件: pkg/futures/liquidity.go
// LP 流动性 - 份额按 LP 净值定价
//
//   首次注入: shares = amount (1 份额 = 1 美元)
//   之后注入: shares = amount × totalShares / lpNetValue
//   赎回:     amount = shares × lpNetValue / totalShares
//
// 【可用流动性】
// 赎回不能动用为持仓预留的部分:
//   free = lpNetValue - Σ openInterest × lpReserveRatio

package futures

import (
	"fmt"

	"go.uber.org/zap"

	"max.com/perpcore/pkg/config"
	"max.com/perpcore/pkg/event"
	"max.com/perpcore/pkg/ledger"
	"max.com/perpcore/pkg/num"
)

// settleMarket 推进全部资产的指数，使 LP 净值反映到当前时刻
func (m *Market) settleMarket(tx *ledger.Tx) (Valuation, error) {
	if _, err := m.settle(tx, "", m.Perp.Tokens()...); err != nil {
		return Valuation{}, err
	}
	return m.valuate(tx.Context())
}

func (m *Market) addLiquidity(tx *ledger.Tx, provider string, amount, minShares num.Int, receiver string) (num.Int, error) {
	if provider == "" || receiver == "" {
		return num.Zero, ErrInvalidAccount
	}
	if !amount.IsPos() {
		return num.Zero, ErrInvalidAmount
	}
	v, err := m.settleMarket(tx)
	if err != nil {
		return num.Zero, err
	}

	g := m.pool.Get()
	value := num.ToWad(amount)
	shares := value
	if g.TotalShares.IsPos() {
		if !v.LpNetValue.IsPos() {
			return num.Zero, ErrEmptyPool
		}
		shares = value.MulDiv(g.TotalShares, v.LpNetValue)
	}
	if shares.IsZero() {
		return num.Zero, ErrInvalidAmount
	}
	if shares.Lt(minShares) {
		return num.Zero, fmt.Errorf("%w: shares %s < %s", ErrSlippage, shares, minShares)
	}

	m.pool.update(tx, func(st *GlobalState) {
		st.LpBalance = st.LpBalance.Add(value)
		st.TotalShares = st.TotalShares.Add(shares)
	})
	m.shares.Set(tx, receiver, m.shares.GetOr(receiver, num.Zero).Add(shares))

	m.log.Info("liquidity added",
		zap.String("provider", provider),
		zap.String("receiver", receiver),
		zap.String("amount", amount.String()),
		zap.String("shares", shares.String()))
	m.emit(tx, event.TypeLiquidityAdded, provider, event.LiquidityChange{
		Amount:   amount,
		Shares:   shares,
		Receiver: receiver,
	})
	return shares, nil
}

func (m *Market) removeLiquidity(tx *ledger.Tx, owner string, shares, minAmount num.Int, receiver string) (num.Int, error) {
	if owner == "" || receiver == "" {
		return num.Zero, ErrInvalidAccount
	}
	if !shares.IsPos() {
		return num.Zero, ErrInvalidAmount
	}
	held := m.shares.GetOr(owner, num.Zero)
	if held.Lt(shares) {
		return num.Zero, fmt.Errorf("%w: %s < %s", ErrInsufficientShares, held, shares)
	}
	v, err := m.settleMarket(tx)
	if err != nil {
		return num.Zero, err
	}
	g := m.pool.Get()
	if !v.LpNetValue.IsPos() {
		return num.Zero, ErrEmptyPool
	}

	amount := num.ToNative(shares.MulDiv(v.LpNetValue, g.TotalShares))
	if amount.Lt(minAmount) {
		return num.Zero, fmt.Errorf("%w: amount %s < %s", ErrSlippage, amount, minAmount)
	}
	value := num.ToWad(amount)
	if value.Gt(m.freeLiquidity(v)) {
		return num.Zero, ErrInsufficientFreeLiquidity
	}

	m.pool.update(tx, func(st *GlobalState) {
		st.LpBalance = st.LpBalance.Sub(value)
		st.TotalShares = st.TotalShares.Sub(shares)
	})
	m.shares.Set(tx, owner, held.Sub(shares))

	m.log.Info("liquidity removed",
		zap.String("owner", owner),
		zap.String("receiver", receiver),
		zap.String("amount", amount.String()),
		zap.String("shares", shares.String()))
	m.emit(tx, event.TypeLiquidityRemoved, owner, event.LiquidityChange{
		Amount:   amount,
		Shares:   shares,
		Receiver: receiver,
	})
	return amount, nil
}

// freeLiquidity LP 净值扣除持仓预留后的可赎回部分
func (m *Market) freeLiquidity(v Valuation) num.Int {
	reserved := num.Zero
	for sym, price := range v.Prices {
		st, ok := m.Perp.GetTokenInfo(sym)
		if !ok {
			continue
		}
		ratio := m.params.Get(config.Domain(sym), config.LpReserveRatio)
		reserved = reserved.Add(st.OpenInterest().WMul(price).WMul(ratio))
	}
	return v.LpNetValue.Sub(reserved)
}
