// 文件: pkg/futures/pool.go
// 全局资金池 - LP、保险基金、激励池
//
// 【记账方式】
// 全部用 WAD 记录；从账户稳定币余额划入/划出时，
// 先把 WAD 金额截断成原生精度，再把同一个原生金额 ×1e12 记入这里，
// 两边金额严格相等，截断只会让付款方少付，不会凭空生成价值

package futures

import (
	"max.com/perpcore/pkg/ledger"
	"max.com/perpcore/pkg/num"
)

// GlobalState 全局账本状态
type GlobalState struct {
	LpBalance     num.Int `json:"lp_balance"`     // LP 池已实现现金 (WAD)
	InsuranceFund num.Int `json:"insurance_fund"` // 保险基金 (WAD)
	IncentivePool num.Int `json:"incentive_pool"` // 清算激励池 (WAD)
	TotalShares   num.Int `json:"total_shares"`   // LP 份额总量 (WAD)
	DeficitTotal  num.Int `json:"deficit_total"`  // 累计穿仓损失 (WAD)
}

// Pool 全局资金池
type Pool struct {
	state *ledger.Value[GlobalState]
}

func newPool() *Pool {
	return &Pool{state: ledger.NewValue(GlobalState{})}
}

func (p *Pool) Get() GlobalState { return p.state.Get() }

func (p *Pool) update(tx *ledger.Tx, fn func(*GlobalState)) {
	st := p.state.Get()
	fn(&st)
	p.state.Set(tx, st)
}

// creditLp LP 收入 (负数即支出)
func (p *Pool) creditLp(tx *ledger.Tx, wad num.Int) {
	if wad.IsZero() {
		return
	}
	p.update(tx, func(st *GlobalState) { st.LpBalance = st.LpBalance.Add(wad) })
}

// creditNative 把账户侧的原生金额记入 LP
func (p *Pool) creditNative(tx *ledger.Tx, native num.Int) {
	p.creditLp(tx, num.ToWad(native))
}

func (p *Pool) addInsurance(tx *ledger.Tx, wad num.Int) {
	if wad.IsZero() {
		return
	}
	p.update(tx, func(st *GlobalState) { st.InsuranceFund = st.InsuranceFund.Add(wad) })
}

func (p *Pool) addIncentive(tx *ledger.Tx, wad num.Int) {
	if wad.IsZero() {
		return
	}
	p.update(tx, func(st *GlobalState) { st.IncentivePool = st.IncentivePool.Add(wad) })
}
