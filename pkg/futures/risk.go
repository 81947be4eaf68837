// 文件: pkg/futures/risk.go
// 账户风险计算
//
// 【公式】
//   equity      = baseMargin + otherMargin + Σ unrealizedPnl - 未结算费用
//   notional    = Σ |size| × price
//   maintenance = Σ notional_i × maintenanceMarginRatio_i
//   可被强平:    maintenance > equity
//   杠杆:        notional <= equity × maxLeverage
//
// 【风险等级】按 maintenance / equity
//   < 70%  安全
//   < 90%  预警
//   < 100% 危险
//   >= 100% 强平

package futures

import (
	"context"
	"fmt"

	"max.com/perpcore/pkg/config"
	"max.com/perpcore/pkg/num"
)

// RiskLevel 风险等级
type RiskLevel int8

const (
	RiskLevelSafe RiskLevel = iota
	RiskLevelWarning
	RiskLevelDanger
	RiskLevelLiquidate
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLevelSafe:
		return "SAFE"
	case RiskLevelWarning:
		return "WARNING"
	case RiskLevelDanger:
		return "DANGER"
	case RiskLevelLiquidate:
		return "LIQUIDATE"
	}
	return "UNKNOWN"
}

var (
	warningRatio = num.MustParse("0.7")
	dangerRatio  = num.MustParse("0.9")
)

// AccountRisk 账户风险快照 (全部 WAD)
type AccountRisk struct {
	Account        string    `json:"account"`
	BaseMargin     num.Int   `json:"base_margin"`
	OtherMargin    num.Int   `json:"other_margin"`
	UnrealizedPnl  num.Int   `json:"unrealized_pnl"`
	PendingCharges num.Int   `json:"pending_charges"` // 未结算的资金费 + 融资费 + 利息
	Equity         num.Int   `json:"equity"`
	Notional       num.Int   `json:"notional"`
	Maintenance    num.Int   `json:"maintenance"`
	Level          RiskLevel `json:"level"`
}

// Liquidatable 有持仓且维持保证金大于权益
func (r AccountRisk) Liquidatable() bool {
	return r.Notional.IsPos() && r.Maintenance.Gt(r.Equity)
}

// WithinLeverage notional <= equity × maxLeverage
func WithinLeverage(notional, equity, maxLeverage num.Int) bool {
	if notional.IsZero() {
		return true
	}
	if !equity.IsPos() {
		return false
	}
	return notional.Lte(equity.WMul(maxLeverage))
}

// Leverage notional / equity，权益非正时返回 false
func (r AccountRisk) Leverage() (num.Int, bool) {
	if !r.Equity.IsPos() {
		return num.Zero, r.Notional.IsZero()
	}
	return r.Notional.WDiv(r.Equity), true
}

func riskLevel(maintenance, equity num.Int) RiskLevel {
	if maintenance.IsZero() {
		return RiskLevelSafe
	}
	if !equity.IsPos() {
		return RiskLevelLiquidate
	}
	ratio := maintenance.WDiv(equity)
	switch {
	case ratio.Gt(num.WAD):
		return RiskLevelLiquidate
	case ratio.Gte(dangerRatio):
		return RiskLevelDanger
	case ratio.Gte(warningRatio):
		return RiskLevelWarning
	}
	return RiskLevelSafe
}

// accountRisk 计算账户风险
//
// 事务内调用前已经 settle，未结算费用为 0；只读查询时会把它们扣掉
func (m *Market) accountRisk(ctx context.Context, account string, fresh bool) (AccountRisk, error) {
	margin, err := m.Margin.AccountMargin(ctx, account, fresh)
	if err != nil {
		return AccountRisk{}, err
	}
	r := AccountRisk{
		Account:        account,
		BaseMargin:     margin.BaseMargin,
		OtherMargin:    margin.OtherMargin,
		UnrealizedPnl:  num.Zero,
		PendingCharges: m.Margin.PendingInterest(account),
		Notional:       num.Zero,
		Maintenance:    num.Zero,
	}
	for _, p := range m.Perp.OpenPositions(account) {
		price, err := m.feed.GetPrice(ctx, p.Asset, fresh)
		if err != nil {
			return AccountRisk{}, fmt.Errorf("price %s: %w", p.Asset, err)
		}
		notional := p.Notional(price)
		mmr := m.params.Get(config.Domain(p.Asset), config.MaintenanceMarginRatio)
		r.Notional = r.Notional.Add(notional)
		r.Maintenance = r.Maintenance.Add(notional.WMul(mmr))
		r.UnrealizedPnl = r.UnrealizedPnl.Add(p.UnrealizedPnl(price))

		funding, financing := m.Perp.PendingCharges(PositionKey{Account: account, Asset: p.Asset})
		r.PendingCharges = r.PendingCharges.Add(funding).Add(financing)
	}
	r.Equity = margin.Total().Add(r.UnrealizedPnl).Sub(r.PendingCharges)
	r.Level = riskLevel(r.Maintenance, r.Equity)
	return r, nil
}
