// 文件: pkg/futures/liquidation.go
// 强平
//
// 【持仓强平】liquidatePosition (任何人可调用)
// 条件: 结算后 maintenance > equity
//   1. 按最新价格全部平仓，实现盈亏计入余额
//   2. 清算费 = clamp(ratio × notional, min, max)，付给清算人
//   3. 罚金 = penaltyRatio × notional，按比例分给保险基金和激励池
//   4. 余额不足时直接变负 (变成债务)
//
// 【抵押品清算】liquidate(account, token, baseAmount)
// 清算人替账户还 baseAmount 的债务，按 price × floorPriceRatio 拿走对应数量的抵押品:
//   seized = baseAmount / (price × floorPriceRatio)
// 条件: 账户有债务、baseAmount 不超过债务、账户抵押不足
// 拿完后剩下价值不足 1 个最小单位的尘埃一并划给清算人
//
// 两种清算之后都会检查穿仓

package futures

import (
	"fmt"

	"go.uber.org/zap"

	"max.com/perpcore/pkg/config"
	"max.com/perpcore/pkg/event"
	"max.com/perpcore/pkg/ledger"
	"max.com/perpcore/pkg/num"
)

// LiquidationFee clamp(ratio × notional, min, max)
func LiquidationFee(notional, ratio, minFee, maxFee num.Int) num.Int {
	return num.Clamp(notional.WMul(ratio), minFee, maxFee)
}

func (m *Market) liquidatePosition(tx *ledger.Tx, liquidator, account, asset string) (event.PositionLiquidated, error) {
	ctx := tx.Context()
	d := config.Domain(asset)
	if liquidator == "" || account == "" {
		return event.PositionLiquidated{}, ErrInvalidAccount
	}
	if !m.Perp.HasToken(asset) {
		return event.PositionLiquidated{}, ErrUnsupportedAsset
	}
	if _, err := m.settle(tx, account, asset); err != nil {
		return event.PositionLiquidated{}, err
	}

	pos := m.Perp.Position(account, asset)
	if !pos.IsOpen() {
		return event.PositionLiquidated{}, ErrNoPosition
	}
	price, err := m.feed.GetPrice(ctx, asset, true)
	if err != nil {
		return event.PositionLiquidated{}, fmt.Errorf("price %s: %w", asset, err)
	}
	r, err := m.accountRisk(ctx, account, true)
	if err != nil {
		return event.PositionLiquidated{}, err
	}
	if !r.Liquidatable() {
		return event.PositionLiquidated{}, ErrNotLiquidatable
	}

	key := PositionKey{Account: account, Asset: asset}
	realized, err := m.Perp.trade(tx, key, pos.Size.Neg(), price)
	if err != nil {
		return event.PositionLiquidated{}, err
	}
	realizedNative := num.ToNative(realized)
	m.Margin.modifyBase(tx, account, realizedNative)
	m.pool.creditNative(tx, realizedNative.Neg())

	notional := pos.Notional(price)
	fee := num.ToNative(LiquidationFee(notional,
		m.params.Get(d, config.LiquidationFeeRatio),
		m.params.Get(d, config.MinLiquidationFee),
		m.params.Get(d, config.MaxLiquidationFee)))
	m.Margin.moveBase(tx, account, liquidator, fee)

	penalty := num.ToNative(notional.WMul(m.params.Get(d, config.LiquidationPenaltyRatio)))
	toInsurance := penalty.WMul(m.params.Get(d, config.PenaltyInsuranceShare))
	toIncentive := penalty.Sub(toInsurance)
	m.Margin.modifyBase(tx, account, penalty.Neg())
	m.pool.addInsurance(tx, num.ToWad(toInsurance))
	m.pool.addIncentive(tx, num.ToWad(toIncentive))

	rec := event.PositionLiquidated{
		Asset:       asset,
		Size:        pos.Size,
		Price:       price,
		Fee:         fee,
		Penalty:     penalty,
		ToInsurance: toInsurance,
		ToIncentive: toIncentive,
		RealizedPnl: realizedNative,
		Liquidator:  liquidator,
	}
	m.log.Info("position liquidated",
		zap.String("account", account),
		zap.String("asset", asset),
		zap.String("size", pos.Size.String()),
		zap.String("price", price.String()),
		zap.String("liquidator", liquidator))
	m.emit(tx, event.TypePositionLiquidated, account, rec)

	m.checkDeficit(tx, account)
	return rec, nil
}

// undercollateralized 抵押品清算的前置条件
func (m *Market) undercollateralized(r AccountRisk, debt num.Int, threshold num.Int) bool {
	if r.Liquidatable() {
		return true
	}
	if !r.OtherMargin.IsPos() {
		return true
	}
	return num.ToWad(debt).Gte(r.OtherMargin.WMul(threshold))
}

func (m *Market) liquidateCollateral(tx *ledger.Tx, liquidator, account, token string, amount num.Int) (event.CollateralLiquidated, error) {
	ctx := tx.Context()
	if liquidator == "" || account == "" || liquidator == account {
		return event.CollateralLiquidated{}, ErrInvalidAccount
	}
	tok, ok := m.Margin.Token(token)
	if !ok || tok.IsBase {
		return event.CollateralLiquidated{}, ErrUnsupportedToken
	}
	if !amount.IsPos() {
		return event.CollateralLiquidated{}, ErrInvalidAmount
	}
	if _, err := m.settle(tx, account); err != nil {
		return event.CollateralLiquidated{}, err
	}

	debt := m.Margin.Debt(account)
	if debt.IsZero() {
		return event.CollateralLiquidated{}, ErrNoDebt
	}
	if amount.Gt(debt) {
		return event.CollateralLiquidated{}, fmt.Errorf("%w: %s > %s", ErrLiquidationExceedsDebt, amount, debt)
	}
	r, err := m.accountRisk(ctx, account, true)
	if err != nil {
		return event.CollateralLiquidated{}, err
	}
	if !m.undercollateralized(r, debt, m.params.Global(config.DebtLiquidationThreshold)) {
		return event.CollateralLiquidated{}, ErrNotLiquidatable
	}
	if m.Margin.BaseBalance(liquidator).Lt(amount) {
		return event.CollateralLiquidated{}, fmt.Errorf("%w: liquidator base balance", ErrInsufficientBalance)
	}

	price, err := m.feed.GetPrice(ctx, token, true)
	if err != nil {
		return event.CollateralLiquidated{}, fmt.Errorf("price %s: %w", token, err)
	}
	unit := price.WMul(tok.FloorPriceRatio)
	if !unit.IsPos() {
		return event.CollateralLiquidated{}, fmt.Errorf("price %s: non-positive", token)
	}
	seized := num.ScaleFromWad(num.ToWad(amount).WDiv(unit), tok.Decimals)
	bal := m.Margin.Balance(account, token)
	if seized.Gt(bal) {
		return event.CollateralLiquidated{}, fmt.Errorf("%w: %s > %s", ErrOverSeizure, seized, bal)
	}

	m.Margin.moveBase(tx, liquidator, account, amount)
	m.Margin.transfer(tx, account, liquidator, token, seized)

	// 尘埃
	rest := bal.Sub(seized)
	if rest.IsPos() && SeizableValue(tok, rest, price).Lt(num.BaseScale) {
		m.Margin.transfer(tx, account, liquidator, token, rest)
		seized = seized.Add(rest)
	}

	rec := event.CollateralLiquidated{
		Token:      token,
		BaseAmount: amount,
		Seized:     seized,
		Price:      price,
		Liquidator: liquidator,
	}
	m.log.Info("collateral liquidated",
		zap.String("account", account),
		zap.String("token", token),
		zap.String("base_amount", amount.String()),
		zap.String("seized", seized.String()),
		zap.String("liquidator", liquidator))
	m.emit(tx, event.TypeCollateralLiquidated, account, rec)

	m.checkDeficit(tx, account)
	return rec, nil
}
