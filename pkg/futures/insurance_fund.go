// 文件: pkg/futures/insurance_fund.go
// 保险基金与穿仓处理
//
// 【穿仓】
// 账户基础余额为负 (有债务)，已经没有持仓，也没有可清算的抵押品，
// 这笔债务再也收不回来，就是穿仓损失 D:
//   1. 保险基金先兜底 min(I, D)
//   2. 剩余 D - min(I, D) 由 LP 池承担 (社会化)
//   3. 账户余额清零，债务从 totalDebt 中移除
//
// 【资金来源】
// 强平罚金按 PenaltyInsuranceShare 比例划入保险基金

package futures

import (
	"go.uber.org/zap"

	"max.com/perpcore/pkg/event"
	"max.com/perpcore/pkg/ledger"
	"max.com/perpcore/pkg/num"
)

// ComputeCoverage 保险基金能覆盖多少，剩余多少由 LP 承担
func ComputeCoverage(fundBalance, deficit num.Int) (covered, remaining num.Int) {
	if !fundBalance.IsPos() {
		return num.Zero, deficit
	}
	if fundBalance.Gte(deficit) {
		return deficit, num.Zero
	}
	return fundBalance, deficit.Sub(fundBalance)
}

// checkDeficit 账户已无可收回的资产时，核销其债务
func (m *Market) checkDeficit(tx *ledger.Tx, account string) (event.DeficitLoss, bool) {
	base := m.Margin.BaseBalance(account)
	if !base.IsNeg() {
		return event.DeficitLoss{}, false
	}
	if len(m.Perp.OpenPositions(account)) > 0 || m.Margin.hasOtherCollateral(account) {
		return event.DeficitLoss{}, false
	}

	deficit := num.ToWad(base.Neg())
	m.Margin.modifyBase(tx, account, base.Neg())

	covered, remaining := ComputeCoverage(m.pool.Get().InsuranceFund, deficit)
	m.pool.update(tx, func(st *GlobalState) {
		st.InsuranceFund = st.InsuranceFund.Sub(covered)
		st.LpBalance = st.LpBalance.Sub(remaining)
		st.DeficitTotal = st.DeficitTotal.Add(deficit)
	})

	loss := event.DeficitLoss{
		Amount:           deficit,
		InsuranceCovered: covered,
		LpLoss:           remaining,
	}
	m.log.Warn("deficit loss",
		zap.String("account", account),
		zap.String("amount", deficit.String()),
		zap.String("insurance_covered", covered.String()),
		zap.String("lp_loss", remaining.String()))
	m.emit(tx, event.TypeDeficitLoss, account, loss)
	return loss, true
}
