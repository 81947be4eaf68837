// 文件: pkg/interest/model.go
// 债务利率模型 - 折线 (kinked) 利率曲线
//
// 【曲线】
//
//	debtRatio <= vertex: rate = min + ratio/vertex × (vertexRate - min)
//	debtRatio >  vertex: rate = vertexRate + (ratio-vertex)/(1-vertex) × (maxRate(t) - vertexRate)
//
// 【maxRate 棘轮】
// 负债率持续高于拐点时，maxRate 按时间线性上调 (封顶 ceiling)，
// 惩罚长期高杠杆；回到拐点以下立即复位到基础值
//
// 【计息】
// interest = totalDebt × rate × elapsed / secondsPerYear，向零截断

package interest

import (
	"max.com/perpcore/pkg/config"
	"max.com/perpcore/pkg/ledger"
	"max.com/perpcore/pkg/num"
)

const (
	SecondsPerYear = 365 * 24 * 3600
	SecondsPerDay  = 24 * 3600
)

// Params 曲线参数 (全部 WAD)
type Params struct {
	VertexDebtRatio        num.Int
	VertexInterestRate     num.Int
	MinInterestRate        num.Int
	BaseMaxInterestRate    num.Int
	MaxInterestRateCeiling num.Int
	MaxRateRatchetPerDay   num.Int
}

// ParamsFrom 从参数表读取
func ParamsFrom(s *config.Store) Params {
	return Params{
		VertexDebtRatio:        s.Global(config.VertexDebtRatio),
		VertexInterestRate:     s.Global(config.VertexInterestRate),
		MinInterestRate:        s.Global(config.MinInterestRate),
		BaseMaxInterestRate:    s.Global(config.BaseMaxInterestRate),
		MaxInterestRateCeiling: s.Global(config.MaxInterestRateCeiling),
		MaxRateRatchetPerDay:   s.Global(config.MaxRateRatchetPerDay),
	}
}

// State 债务状态
type State struct {
	TotalDebt         num.Int `json:"total_debt"`
	DebtRatio         num.Int `json:"debt_ratio"`
	MaxInterestRate   num.Int `json:"max_interest_rate"`
	LastUpdate        int64   `json:"last_update"`
	LastMaxRateUpdate int64   `json:"last_max_rate_update"`
}

// Model 债务利率模型
type Model struct {
	store *config.Store
	state *ledger.Value[State]
}

func NewModel(store *config.Store) *Model {
	return &Model{store: store, state: ledger.NewValue(State{})}
}

// OnChange 注册持久化回调
func (m *Model) OnChange(fn func(State)) {
	m.state.OnChange(fn)
}

// State 当前状态
func (m *Model) State() State {
	return m.state.Get()
}

// Params 当前参数
func (m *Model) Params() Params {
	return ParamsFrom(m.store)
}

// Rate 按当前记录的负债率计算年化利率
func (m *Model) Rate() num.Int {
	st := m.state.Get()
	p := m.Params()
	return RateAt(p, st.DebtRatio, effectiveMax(p, st))
}

// RateAt 纯函数: 给定负债率和当前 maxRate 求年化利率
func RateAt(p Params, debtRatio, maxRate num.Int) num.Int {
	ratio := num.Clamp(debtRatio, num.Zero, num.WAD)
	if ratio.Lte(p.VertexDebtRatio) && p.VertexDebtRatio.IsPos() {
		return p.MinInterestRate.Add(ratio.MulDiv(p.VertexInterestRate.Sub(p.MinInterestRate), p.VertexDebtRatio))
	}
	span := num.WAD.Sub(p.VertexDebtRatio)
	if !span.IsPos() {
		return p.VertexInterestRate
	}
	return p.VertexInterestRate.Add(ratio.Sub(p.VertexDebtRatio).MulDiv(maxRate.Sub(p.VertexInterestRate), span))
}

func effectiveMax(p Params, st State) num.Int {
	if st.MaxInterestRate.IsZero() {
		return p.BaseMaxInterestRate
	}
	return st.MaxInterestRate
}

// Accrue totalDebt × rate × elapsed / secondsPerYear
func Accrue(totalDebt, rate num.Int, elapsed int64) num.Int {
	if elapsed <= 0 || !totalDebt.IsPos() {
		return num.Zero
	}
	return totalDebt.Mul(rate).MulDiv(num.New(elapsed), num.WAD.Mul(num.New(SecondsPerYear)))
}

// NextInterest 从上次更新到 now 的应计利息 (只是预估，不落账)
func (m *Model) NextInterest(now int64) num.Int {
	st := m.state.Get()
	if st.LastUpdate == 0 {
		return num.Zero
	}
	return Accrue(st.TotalDebt, m.Rate(), now-st.LastUpdate)
}

// Update 结转上次更新以来的利息，并记录新的债务数据
//
// 返回值是结转出的利息，调用方负责分摊到债务人
func (m *Model) Update(tx *ledger.Tx, totalDebt, debtRatio num.Int) num.Int {
	accrued := m.NextInterest(tx.Now())
	st := m.state.Get()
	st.TotalDebt = totalDebt
	st.DebtRatio = debtRatio
	st.LastUpdate = tx.Now()
	m.state.Set(tx, st)
	return accrued
}

// UpdateMaxInterestRate 棘轮: 高于拐点时按经过时间上调 maxRate，否则复位
func (m *Model) UpdateMaxInterestRate(tx *ledger.Tx) {
	st := m.state.Get()
	p := m.Params()
	now := tx.Now()

	next := p.BaseMaxInterestRate
	if st.LastMaxRateUpdate != 0 && st.DebtRatio.Gt(p.VertexDebtRatio) {
		elapsed := now - st.LastMaxRateUpdate
		bump := p.MaxRateRatchetPerDay.MulDiv(num.New(elapsed), num.New(SecondsPerDay))
		next = num.Min(effectiveMax(p, st).Add(bump), p.MaxInterestRateCeiling)
	}
	if next.Eq(st.MaxInterestRate) && st.LastMaxRateUpdate == now {
		return
	}
	st.MaxInterestRate = next
	st.LastMaxRateUpdate = now
	m.state.Set(tx, st)
}
