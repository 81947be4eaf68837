// 文件: pkg/futures/margin_tracker.go
// 保证金跟踪器 - 多抵押品余额、债务、利息分摊
//
// 【余额】
// - 基础抵押品 (稳定币): 原生精度 1e6，可以为负，负数即债务
// - 其它抵押品: 各自原生精度，永远 >= 0，按 price × conversionRatio × floorPriceRatio 折算
//
// 【债务】
// 所有基础余额的改动都走 modifyBase，它负责:
// 1. 先结算该账户的利息
// 2. 增量维护 totalDebt = -Σ min(base, 0)
//
// 【利息分摊】(类似分红指数)
//   accDebtIndex     += accrued × 1e18 / totalDebt
//   unsettledInterest += accrued
// 账户结算: 应付 = debt × (accDebtIndex - checkpoint) / 1e18
// 未结算利息计入 LP 净值，结算后从 unsettled 挪到 LP 现金

package futures

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"max.com/perpcore/pkg/config"
	"max.com/perpcore/pkg/interest"
	"max.com/perpcore/pkg/ledger"
	"max.com/perpcore/pkg/num"
	"max.com/perpcore/pkg/oracle"
)

// CollateralToken 抵押品配置
type CollateralToken struct {
	Symbol          string  `json:"symbol"`
	Decimals        uint8   `json:"decimals"`
	ConversionRatio num.Int `json:"conversion_ratio"`  // WAD
	FloorPriceRatio num.Int `json:"floor_price_ratio"` // WAD，防操纵折扣
	Cap             num.Int `json:"cap"`               // 原生精度，0 表示不限
	IsBase          bool    `json:"is_base"`
}

// BalanceKey (账户, 代币)
type BalanceKey struct {
	Account string
	Token   string
}

// DebtBook 全局债务账本
type DebtBook struct {
	TotalDebt         num.Int `json:"total_debt"`         // 原生精度
	AccDebtIndex      num.Int `json:"acc_debt_index"`     // 每单位债务累计利息 (WAD)
	UnsettledInterest num.Int `json:"unsettled_interest"` // WAD
}

// TotalDebtWad 总债务 (WAD)
func (b DebtBook) TotalDebtWad() num.Int {
	return num.ToWad(b.TotalDebt)
}

// AccountMargin 账户保证金
type AccountMargin struct {
	BaseMargin  num.Int `json:"base_margin"`  // 基础余额 (WAD，带符号)
	OtherMargin num.Int `json:"other_margin"` // 其它抵押品折算价值 (WAD)
}

// Total 合计
func (m AccountMargin) Total() num.Int {
	return m.BaseMargin.Add(m.OtherMargin)
}

// =============================================================================
// MarginTracker
// =============================================================================

// MarginTracker 保证金跟踪器
type MarginTracker struct {
	params *config.Store
	feed   oracle.Feed
	model  *interest.Model
	pool   *Pool

	baseToken string
	tokens    *ledger.Map[string, CollateralToken]
	balances  *ledger.Map[BalanceKey, num.Int]
	totals    *ledger.Map[string, num.Int]
	book      *ledger.Value[DebtBook]
	debtSnaps *ledger.Map[string, num.Int]

	log *zap.Logger
}

func NewMarginTracker(params *config.Store, feed oracle.Feed, model *interest.Model, pool *Pool) *MarginTracker {
	return &MarginTracker{
		params:    params,
		feed:      feed,
		model:     model,
		pool:      pool,
		tokens:    ledger.NewMap[string, CollateralToken](),
		balances:  ledger.NewMap[BalanceKey, num.Int](),
		totals:    ledger.NewMap[string, num.Int](),
		book:      ledger.NewValue(DebtBook{}),
		debtSnaps: ledger.NewMap[string, num.Int](),
		log:       zap.L().Named("margin"),
	}
}

// AddCollateralToken 注册抵押品
//
// 第一个 IsBase 的代币成为基础抵押品，之后不能再注册第二个
func (t *MarginTracker) AddCollateralToken(tx *ledger.Tx, tok CollateralToken) error {
	if tok.Symbol == "" {
		return ErrInvalidToken
	}
	if t.tokens.Has(tok.Symbol) {
		return ErrTokenExists
	}
	if tok.IsBase {
		if t.baseToken != "" {
			return fmt.Errorf("%w: base token already set to %s", ErrInvalidToken, t.baseToken)
		}
		if tok.Decimals != num.BaseDecimals {
			return fmt.Errorf("%w: base token must have %d decimals", ErrInvalidToken, num.BaseDecimals)
		}
		base := t.baseToken
		tx.OnUndo(func() { t.baseToken = base })
		t.baseToken = tok.Symbol
		tok.ConversionRatio = num.WAD
		tok.FloorPriceRatio = num.WAD
	} else {
		if !tok.ConversionRatio.IsPos() || tok.ConversionRatio.Gt(num.WAD) {
			return fmt.Errorf("%w: conversion ratio must be in (0, 1]", ErrInvalidToken)
		}
		if !tok.FloorPriceRatio.IsPos() || tok.FloorPriceRatio.Gt(num.WAD) {
			return fmt.Errorf("%w: floor price ratio must be in (0, 1]", ErrInvalidToken)
		}
	}
	if tok.Cap.IsNeg() {
		return fmt.Errorf("%w: negative cap", ErrInvalidToken)
	}
	t.tokens.Set(tx, tok.Symbol, tok)
	t.log.Info("collateral registered",
		zap.String("symbol", tok.Symbol),
		zap.Uint8("decimals", tok.Decimals),
		zap.Bool("base", tok.IsBase))
	return nil
}

// BaseToken 基础抵押品
func (t *MarginTracker) BaseToken() string { return t.baseToken }

// Token 抵押品配置
func (t *MarginTracker) Token(symbol string) (CollateralToken, bool) {
	return t.tokens.Get(symbol)
}

// Tokens 全部抵押品 (按名字排序)
func (t *MarginTracker) Tokens() []string {
	return t.tokens.Keys(func(a, b string) bool { return a < b })
}

// Balance 余额 (代币原生精度)
func (t *MarginTracker) Balance(account, token string) num.Int {
	return t.balances.GetOr(BalanceKey{Account: account, Token: token}, num.Zero)
}

// BaseBalance 基础余额 (原生精度)
func (t *MarginTracker) BaseBalance(account string) num.Int {
	return t.Balance(account, t.baseToken)
}

// TotalDeposited 某代币的总存量
func (t *MarginTracker) TotalDeposited(token string) num.Int {
	return t.totals.GetOr(token, num.Zero)
}

// Book 债务账本
func (t *MarginTracker) Book() DebtBook { return t.book.Get() }

// Debt 账户债务 (原生精度，>= 0)
func (t *MarginTracker) Debt(account string) num.Int {
	return num.Max(t.BaseBalance(account).Neg(), num.Zero)
}

// Debtors 基础余额为负的账户 (按名字排序)
func (t *MarginTracker) Debtors() []string {
	var out []string
	t.balances.Range(func(k BalanceKey, v num.Int) bool {
		if k.Token == t.baseToken && v.IsNeg() {
			out = append(out, k.Account)
		}
		return true
	})
	sort.Strings(out)
	return out
}

// =============================================================================
// 存取
// =============================================================================

func (t *MarginTracker) deposit(tx *ledger.Tx, account, token string, amount num.Int) error {
	tok, ok := t.tokens.Get(token)
	if !ok {
		return ErrUnsupportedToken
	}
	if !amount.IsPos() {
		return ErrInvalidAmount
	}
	total := t.TotalDeposited(token).Add(amount)
	if tok.Cap.IsPos() && total.Gt(tok.Cap) {
		return fmt.Errorf("%w: %s cap %s", ErrCapExceeded, token, tok.Cap)
	}
	t.totals.Set(tx, token, total)
	if tok.IsBase {
		t.modifyBase(tx, account, amount)
		return nil
	}
	key := BalanceKey{Account: account, Token: token}
	t.balances.Set(tx, key, t.balances.GetOr(key, num.Zero).Add(amount))
	return nil
}

// withdraw 只做余额检查；保证金/杠杆检查由调用方在扣款后进行
func (t *MarginTracker) withdraw(tx *ledger.Tx, account, token string, amount num.Int) error {
	tok, ok := t.tokens.Get(token)
	if !ok {
		return ErrUnsupportedToken
	}
	if !amount.IsPos() {
		return ErrInvalidAmount
	}
	key := BalanceKey{Account: account, Token: token}
	bal := t.balances.GetOr(key, num.Zero)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s balance %s < %s", ErrInsufficientBalance, token, bal, amount)
	}
	t.totals.Set(tx, token, num.Max(t.TotalDeposited(token).Sub(amount), num.Zero))
	if tok.IsBase {
		t.modifyBase(tx, account, amount.Neg())
		return nil
	}
	t.balances.Set(tx, key, bal.Sub(amount))
	return nil
}

// transfer 非基础抵押品在账户之间划转
func (t *MarginTracker) transfer(tx *ledger.Tx, from, to, token string, amount num.Int) {
	if amount.IsZero() {
		return
	}
	fk := BalanceKey{Account: from, Token: token}
	tk := BalanceKey{Account: to, Token: token}
	t.balances.Set(tx, fk, t.balances.GetOr(fk, num.Zero).Sub(amount))
	t.balances.Set(tx, tk, t.balances.GetOr(tk, num.Zero).Add(amount))
}

// modifyBase 基础余额的唯一改动入口
func (t *MarginTracker) modifyBase(tx *ledger.Tx, account string, delta num.Int) {
	t.settleAccountInterest(tx, account)
	if delta.IsZero() {
		return
	}
	t.setBase(tx, account, t.BaseBalance(account).Add(delta))
}

// moveBase 账户之间划转基础余额
func (t *MarginTracker) moveBase(tx *ledger.Tx, from, to string, amount num.Int) {
	if amount.IsZero() {
		return
	}
	t.modifyBase(tx, from, amount.Neg())
	t.modifyBase(tx, to, amount)
}

func (t *MarginTracker) setBase(tx *ledger.Tx, account string, next num.Int) {
	key := BalanceKey{Account: account, Token: t.baseToken}
	old := t.balances.GetOr(key, num.Zero)
	t.balances.Set(tx, key, next)

	oldDebt := num.Max(old.Neg(), num.Zero)
	newDebt := num.Max(next.Neg(), num.Zero)
	if oldDebt.Eq(newDebt) {
		return
	}
	book := t.book.Get()
	book.TotalDebt = book.TotalDebt.Add(newDebt).Sub(oldDebt)
	// 没有债务人了，截断留下的零头再也收不回来
	if book.TotalDebt.IsZero() {
		book.UnsettledInterest = num.Zero
	}
	t.book.Set(tx, book)
}

// =============================================================================
// 利息
// =============================================================================

// settleInterest 结转全局利息并记入分摊指数
//
// 每个事务开始 (settle) 和结束 (syncDebt) 都会调用，
// 利率模型里记录的债务因此总是等于账本里的 totalDebt
func (t *MarginTracker) settleInterest(tx *ledger.Tx, debtRatio num.Int) num.Int {
	book := t.book.Get()
	accrued := t.model.Update(tx, book.TotalDebtWad(), debtRatio)
	if !accrued.IsPos() {
		return num.Zero
	}
	if !book.TotalDebt.IsPos() {
		t.log.Warn("interest accrued without debtors", zap.String("accrued", accrued.String()))
		return num.Zero
	}
	book.AccDebtIndex = book.AccDebtIndex.Add(accrued.MulDiv(num.WAD, book.TotalDebtWad()))
	book.UnsettledInterest = book.UnsettledInterest.Add(accrued)
	t.book.Set(tx, book)
	return accrued
}

// PendingInterest 账户按当前指数尚未结算的利息 (WAD)
func (t *MarginTracker) PendingInterest(account string) num.Int {
	debt := t.Debt(account)
	if debt.IsZero() {
		return num.Zero
	}
	idx := t.book.Get().AccDebtIndex
	snap := t.debtSnaps.GetOr(account, num.Zero)
	return num.ToWad(debt).Mul(idx.Sub(snap)).Quo(num.WAD)
}

// settleAccountInterest 向账户收取利息，返回收取的原生金额
func (t *MarginTracker) settleAccountInterest(tx *ledger.Tx, account string) num.Int {
	book := t.book.Get()
	snap, seen := t.debtSnaps.Get(account)
	if seen && snap.Eq(book.AccDebtIndex) {
		return num.Zero
	}
	charge := num.ToNative(t.PendingInterest(account))
	t.debtSnaps.Set(tx, account, book.AccDebtIndex)
	if charge.IsZero() {
		return num.Zero
	}

	chargeWad := num.ToWad(charge)
	book.UnsettledInterest = num.Max(book.UnsettledInterest.Sub(chargeWad), num.Zero)
	t.book.Set(tx, book)
	t.setBase(tx, account, t.BaseBalance(account).Sub(charge))
	t.pool.creditLp(tx, chargeWad)
	return charge
}

// =============================================================================
// 估值
// =============================================================================

// CollateralValue 计入保证金的价值 (带 conversionRatio 和 floorPriceRatio 折扣)
func CollateralValue(tok CollateralToken, amount, price num.Int) num.Int {
	return num.ScaleToWad(amount, tok.Decimals).WMul(price).WMul(tok.ConversionRatio).WMul(tok.FloorPriceRatio)
}

// SeizableValue 清算时可拿走的价值 (只按 floorPriceRatio 折扣)
func SeizableValue(tok CollateralToken, amount, price num.Int) num.Int {
	return num.ScaleToWad(amount, tok.Decimals).WMul(price.WMul(tok.FloorPriceRatio))
}

// AccountMargin 账户保证金
func (t *MarginTracker) AccountMargin(ctx context.Context, account string, fresh bool) (AccountMargin, error) {
	m := AccountMargin{
		BaseMargin:  num.ToWad(t.BaseBalance(account)),
		OtherMargin: num.Zero,
	}
	for _, sym := range t.Tokens() {
		tok, _ := t.tokens.Get(sym)
		if tok.IsBase {
			continue
		}
		bal := t.Balance(account, sym)
		if bal.IsZero() {
			continue
		}
		price, err := t.feed.GetPrice(ctx, sym, fresh)
		if err != nil {
			return AccountMargin{}, fmt.Errorf("price %s: %w", sym, err)
		}
		m.OtherMargin = m.OtherMargin.Add(CollateralValue(tok, bal, price))
	}
	return m, nil
}

// seizable 账户剩余可被清算的抵押品总价值
func (t *MarginTracker) seizable(ctx context.Context, account string) (num.Int, error) {
	total := num.Zero
	for _, sym := range t.Tokens() {
		tok, _ := t.tokens.Get(sym)
		if tok.IsBase {
			continue
		}
		bal := t.Balance(account, sym)
		if bal.IsZero() {
			continue
		}
		price, err := t.feed.GetPrice(ctx, sym, false)
		if err != nil {
			return num.Zero, fmt.Errorf("price %s: %w", sym, err)
		}
		total = total.Add(SeizableValue(tok, bal, price))
	}
	return total, nil
}

// hasOtherCollateral 是否还有非基础抵押品
func (t *MarginTracker) hasOtherCollateral(account string) bool {
	for _, sym := range t.Tokens() {
		if sym == t.baseToken {
			continue
		}
		if t.Balance(account, sym).IsPos() {
			return true
		}
	}
	return false
}
