// 文件: pkg/futures/snapshot.go
// 状态快照 - 事务提交后把改动过的记录交给持久化层
//
// 账本容器在提交时按 key 去重回调，同一事务内多次修改同一条记录只会写一次最终值。
// 下游 (pkg/store) 自己决定批量落库的节奏

package futures

import (
	"max.com/perpcore/pkg/interest"
	"max.com/perpcore/pkg/metrics"
	"max.com/perpcore/pkg/num"
	"max.com/perpcore/pkg/order"
)

// BalanceRecord 余额快照
type BalanceRecord struct {
	Account string  `json:"account"`
	Token   string  `json:"token"`
	Amount  num.Int `json:"amount"`
}

// GlobalSnapshot 全局状态快照
type GlobalSnapshot struct {
	Pool     GlobalState    `json:"pool"`
	Debt     DebtBook       `json:"debt"`
	Interest interest.State `json:"interest"`
	NetValue num.Int        `json:"net_value"`
}

// SnapshotSink 状态快照下游
type SnapshotSink interface {
	SaveBalance(b BalanceRecord)
	SavePosition(p Position)
	DeletePosition(k PositionKey)
	SaveSymbol(s SymbolState)
	SaveOrder(o order.Order)
	SaveGlobal(g GlobalSnapshot)
}

// registerHooks 注册提交回调: 指标 + 快照
func (m *Market) registerHooks() {
	m.pool.state.OnChange(func(g GlobalState) {
		metrics.InsuranceFund.Set(g.InsuranceFund.Decimal(num.Decimals).InexactFloat64())
		m.saveGlobal()
	})
	m.Margin.book.OnChange(func(b DebtBook) {
		metrics.TotalDebt.Set(b.TotalDebt.Decimal(num.BaseDecimals).InexactFloat64())
		m.saveGlobal()
	})
	m.netValue.OnChange(func(v num.Int) {
		metrics.LpNetValue.Set(v.Decimal(num.Decimals).InexactFloat64())
		m.saveGlobal()
	})
	m.Interest.OnChange(func(interest.State) {
		m.saveGlobal()
	})

	if m.snapshots == nil {
		return
	}
	m.Margin.balances.OnChange(func(k BalanceKey, v num.Int, _ bool) {
		m.snapshots.SaveBalance(BalanceRecord{Account: k.Account, Token: k.Token, Amount: v})
	})
	m.Perp.positions.OnChange(func(k PositionKey, p Position, deleted bool) {
		if deleted {
			m.snapshots.DeletePosition(k)
			return
		}
		m.snapshots.SavePosition(p)
	})
	m.Perp.symbols.OnChange(func(_ string, s SymbolState, deleted bool) {
		if !deleted {
			m.snapshots.SaveSymbol(s)
		}
	})
	m.Positions.orders.OnChange(func(_ int64, o order.Order, deleted bool) {
		if !deleted {
			m.snapshots.SaveOrder(o)
		}
	})
}

func (m *Market) saveGlobal() {
	if m.snapshots == nil {
		return
	}
	m.snapshots.SaveGlobal(GlobalSnapshot{
		Pool:     m.pool.Get(),
		Debt:     m.Margin.Book(),
		Interest: m.Interest.State(),
		NetValue: m.netValue.Get(),
	})
}
