// 文件: pkg/futures/market.go
// Market - 顶层编排
//
// 【职责】
// 1. 对外暴露全部操作，每个操作是一个 ledger 事务 (全部成功或全部回滚)
// 2. settle: 任何保证金相关检查之前，把账户的利息、资金费、融资费结算到当前时刻
// 3. 估值: LP 净值、净偏斜、净持仓
// 4. 事务提交后发布事件、更新指标
//
// 【LP 净值】
//   lpNetValue = lpBalance + 未结算利息
//              + Σ_asset (未结算资金费 + 未结算融资费 - 交易者未实现盈亏)
//
// 【负债率】
//   debtRatio = totalDebt / (lpNetValue + totalDebt - netSkew)
//   分母 <= 0 时，有债务记为 100%，否则为 0

package futures

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"max.com/perpcore/pkg/config"
	"max.com/perpcore/pkg/event"
	"max.com/perpcore/pkg/interest"
	"max.com/perpcore/pkg/ledger"
	"max.com/perpcore/pkg/metrics"
	"max.com/perpcore/pkg/num"
	"max.com/perpcore/pkg/oracle"
	"max.com/perpcore/pkg/order"
)

// Market 永续合约核心
type Market struct {
	ledger *ledger.Ledger
	params *config.Store
	feed   oracle.Feed
	ids    order.IDGenerator

	pool      *Pool
	Interest  *interest.Model
	Perp      *PerpTracker
	Margin    *MarginTracker
	Positions *PositionManager

	shares    *ledger.Map[string, num.Int]
	referrals *ledger.Map[string, string]
	netValue  *ledger.Value[num.Int]

	sink      event.Sink
	snapshots SnapshotSink
	seq       int64

	log *zap.Logger
}

// Option 构造选项
type Option func(*Market)

// WithSink 事件下游
func WithSink(s event.Sink) Option {
	return func(m *Market) { m.sink = s }
}

// WithIDGenerator 订单 id 生成器 (默认雪花)
func WithIDGenerator(g order.IDGenerator) Option {
	return func(m *Market) { m.ids = g }
}

// WithSnapshotSink 状态快照下游
func WithSnapshotSink(s SnapshotSink) Option {
	return func(m *Market) { m.snapshots = s }
}

func NewMarket(l *ledger.Ledger, params *config.Store, feed oracle.Feed, opts ...Option) *Market {
	m := &Market{
		ledger:    l,
		params:    params,
		feed:      feed,
		ids:       order.SnowflakeGenerator{},
		pool:      newPool(),
		Interest:  interest.NewModel(params),
		shares:    ledger.NewMap[string, num.Int](),
		referrals: ledger.NewMap[string, string](),
		netValue:  ledger.NewValue(num.Zero),
		log:       zap.L().Named("market"),
	}
	m.Perp = NewPerpTracker(params)
	m.Margin = NewMarginTracker(params, feed, m.Interest, m.pool)
	m.Positions = newPositionManager(m)
	for _, opt := range opts {
		opt(m)
	}
	m.registerHooks()
	l.OnCommit(m.onCommit)
	return m
}

// Setup 按配置注册抵押品和资产
func (m *Market) Setup(ctx context.Context, cfg config.Market) error {
	return m.exec(ctx, "setup", func(tx *ledger.Tx) error {
		for _, c := range cfg.Collaterals {
			tok, err := CollateralFromConfig(c, c.Symbol == cfg.BaseToken)
			if err != nil {
				return err
			}
			if err := m.Margin.AddCollateralToken(tx, tok); err != nil {
				return fmt.Errorf("collateral %s: %w", c.Symbol, err)
			}
		}
		if m.Margin.BaseToken() != cfg.BaseToken {
			return fmt.Errorf("%w: base token %s not in collaterals", ErrInvalidToken, cfg.BaseToken)
		}
		for _, a := range cfg.Assets {
			if err := m.Perp.AddMarketToken(tx, a.Symbol); err != nil {
				return fmt.Errorf("asset %s: %w", a.Symbol, err)
			}
		}
		return nil
	})
}

// CollateralFromConfig 解析抵押品配置，比例默认 1，cap 默认不限
func CollateralFromConfig(c config.Collateral, isBase bool) (CollateralToken, error) {
	parse := func(s, def string, decimals int32) (num.Int, error) {
		if s == "" {
			s = def
		}
		return num.Parse(s, decimals)
	}
	conv, err := parse(c.ConversionRatio, "1", num.Decimals)
	if err != nil {
		return CollateralToken{}, fmt.Errorf("conversion_ratio: %w", err)
	}
	floor, err := parse(c.FloorPriceRatio, "1", num.Decimals)
	if err != nil {
		return CollateralToken{}, fmt.Errorf("floor_price_ratio: %w", err)
	}
	cp, err := parse(c.Cap, "0", int32(c.Decimals))
	if err != nil {
		return CollateralToken{}, fmt.Errorf("cap: %w", err)
	}
	return CollateralToken{
		Symbol:          c.Symbol,
		Decimals:        c.Decimals,
		ConversionRatio: conv,
		FloorPriceRatio: floor,
		Cap:             cp,
		IsBase:          isBase,
	}, nil
}

// =============================================================================
// 事务
// =============================================================================

// exec 执行一个事务，结束前同步债务数据到利率模型
func (m *Market) exec(ctx context.Context, op string, fn func(tx *ledger.Tx) error) error {
	err := m.ledger.Exec(ctx, func(tx *ledger.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return m.syncDebt(tx)
	})
	if err != nil {
		metrics.TxRejected.WithLabelValues(op).Inc()
		m.log.Debug("tx rejected", zap.String("op", op), zap.Error(err))
	}
	return err
}

func (m *Market) emit(tx *ledger.Tx, typ event.Type, account string, data any) {
	tx.Emit(event.Event{Type: typ, Account: account, Timestamp: tx.Now(), Data: data})
}

// onCommit 分配序号，发布事件，更新指标
func (m *Market) onCommit(ctx context.Context, raw []any) {
	if len(raw) == 0 {
		return
	}
	events := make([]event.Event, 0, len(raw))
	for _, r := range raw {
		ev, ok := r.(event.Event)
		if !ok {
			continue
		}
		m.seq++
		ev.Seq = m.seq
		events = append(events, ev)
		observe(ev)
	}
	if m.sink == nil || len(events) == 0 {
		return
	}
	if err := m.sink.Publish(ctx, events); err != nil {
		metrics.EventsPublished.WithLabelValues("market", "error").Add(float64(len(events)))
		m.log.Error("publish events", zap.Int("count", len(events)), zap.Error(err))
		return
	}
	metrics.EventsPublished.WithLabelValues("market", "ok").Add(float64(len(events)))
}

func observe(ev event.Event) {
	switch d := ev.Data.(type) {
	case event.OrderSubmitted:
		metrics.OrdersTotal.WithLabelValues(d.Asset, "submitted").Inc()
	case event.TradeRecord:
		metrics.OrdersTotal.WithLabelValues(d.Asset, "executed").Inc()
	case event.OrderFailed:
		metrics.OrdersTotal.WithLabelValues(d.Asset, "failed").Inc()
	case event.OrderCancelled:
		metrics.OrdersTotal.WithLabelValues(d.Asset, "cancelled").Inc()
	case event.PositionLiquidated:
		metrics.LiquidationsTotal.WithLabelValues("position").Inc()
	case event.CollateralLiquidated:
		metrics.LiquidationsTotal.WithLabelValues("collateral").Inc()
	case event.DeficitLoss:
		metrics.DeficitLoss.Add(d.Amount.Decimal(num.Decimals).InexactFloat64())
	}
}

// =============================================================================
// 估值
// =============================================================================

// Valuation 一次估值的结果
type Valuation struct {
	LpNetValue      num.Int            `json:"lp_net_value"`
	NetSkew         num.Int            `json:"net_skew"`
	NetOpenInterest num.Int            `json:"net_open_interest"`
	Prices          map[string]num.Int `json:"prices"` // 只包含有持仓的资产
}

func (m *Market) valuate(ctx context.Context) (Valuation, error) {
	g := m.pool.Get()
	v := Valuation{
		LpNetValue:      g.LpBalance.Add(m.Margin.Book().UnsettledInterest),
		NetSkew:         num.Zero,
		NetOpenInterest: num.Zero,
		Prices:          make(map[string]num.Int),
	}
	for _, sym := range m.Perp.Tokens() {
		st, _ := m.Perp.GetTokenInfo(sym)
		if st.OpenInterest().IsZero() {
			continue
		}
		price, err := m.feed.GetPrice(ctx, sym, false)
		if err != nil {
			return Valuation{}, fmt.Errorf("price %s: %w", sym, err)
		}
		v.Prices[sym] = price
		v.LpNetValue = v.LpNetValue.
			Add(st.UnsettledFunding()).
			Add(st.UnsettledFinancing()).
			Sub(st.TraderPnl(price))
		v.NetSkew = v.NetSkew.Add(st.NetSize.WMul(price))
		v.NetOpenInterest = v.NetOpenInterest.Add(st.OpenInterest().WMul(price))
	}
	return v, nil
}

// DebtRatio totalDebt / (lpNetValue + totalDebt - netSkew)，封顶 100%
func DebtRatio(totalDebt, lpNetValue, netSkew num.Int) num.Int {
	if !totalDebt.IsPos() {
		return num.Zero
	}
	denom := lpNetValue.Add(totalDebt).Sub(netSkew)
	if !denom.IsPos() {
		return num.WAD
	}
	return num.Min(totalDebt.WDiv(denom), num.WAD)
}

// capacity 资产可用的 LP 容量
func (m *Market) capacity(asset string, v Valuation) num.Int {
	if !v.LpNetValue.IsPos() {
		return num.Zero
	}
	return v.LpNetValue.WMul(m.params.Get(config.Domain(asset), config.CapacityProportion))
}

// syncDebt 事务结束前把最新债务和负债率写进利率模型
func (m *Market) syncDebt(tx *ledger.Tx) error {
	if m.Margin.BaseToken() == "" {
		return nil
	}
	v, err := m.valuate(tx.Context())
	if err != nil {
		return err
	}
	m.Margin.settleInterest(tx, DebtRatio(m.Margin.Book().TotalDebtWad(), v.LpNetValue, v.NetSkew))
	if !v.LpNetValue.Eq(m.netValue.Get()) {
		m.netValue.Set(tx, v.LpNetValue)
	}
	return nil
}

// settle 结算到当前时刻
//
// 顺序: 全局利息 -> maxRate 棘轮 -> 资产指数 -> 账户持仓费用 -> 账户利息
// account 为空时只推进全局和资产
func (m *Market) settle(tx *ledger.Tx, account string, assets ...string) (Valuation, error) {
	if m.Margin.BaseToken() == "" {
		return Valuation{}, ErrUnsupportedToken
	}
	v, err := m.valuate(tx.Context())
	if err != nil {
		return Valuation{}, err
	}
	m.Margin.settleInterest(tx, DebtRatio(m.Margin.Book().TotalDebtWad(), v.LpNetValue, v.NetSkew))
	m.Interest.UpdateMaxInterestRate(tx)

	for _, sym := range m.touchedAssets(account, assets) {
		if !m.Perp.HasToken(sym) {
			return Valuation{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, sym)
		}
		price := v.Prices[sym]
		capacity := m.capacity(sym, v)
		if err := m.Perp.UpdateFunding(tx, sym, price, capacity); err != nil {
			return Valuation{}, err
		}
		if err := m.Perp.UpdateFinancingFee(tx, sym, price, capacity); err != nil {
			return Valuation{}, err
		}
	}
	if account == "" {
		return v, nil
	}

	for _, p := range m.Perp.OpenPositions(account) {
		funding, financing := m.Perp.settlePosition(tx, PositionKey{Account: account, Asset: p.Asset})
		charge := num.ToNative(funding.Add(financing))
		if charge.IsZero() {
			continue
		}
		m.Margin.modifyBase(tx, account, charge.Neg())
		m.pool.creditNative(tx, charge)
	}
	m.Margin.settleAccountInterest(tx, account)
	return v, nil
}

// touchedAssets 指定资产 ∪ 账户持仓资产，排序去重
func (m *Market) touchedAssets(account string, assets []string) []string {
	set := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		set[a] = struct{}{}
	}
	if account != "" {
		for _, p := range m.Perp.OpenPositions(account) {
			set[p.Asset] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// 保证金
// =============================================================================

// DepositMargin 存入抵押品
func (m *Market) DepositMargin(ctx context.Context, account, token string, amount num.Int, referral string) error {
	return m.exec(ctx, "deposit", func(tx *ledger.Tx) error {
		if account == "" {
			return ErrInvalidAccount
		}
		if _, err := m.settle(tx, account); err != nil {
			return err
		}
		if err := m.Margin.deposit(tx, account, token, amount); err != nil {
			return err
		}
		if referral != "" && !m.referrals.Has(account) {
			m.referrals.Set(tx, account, referral)
		}
		m.emit(tx, event.TypeCollateralDeposited, account, event.CollateralChange{
			Token:    token,
			Amount:   amount,
			Referral: m.referrals.GetOr(account, ""),
		})
		return nil
	})
}

// WithdrawMargin 取出抵押品，取出后不能被强平、杠杆不能超限
func (m *Market) WithdrawMargin(ctx context.Context, account, token string, amount num.Int) error {
	return m.exec(ctx, "withdraw", func(tx *ledger.Tx) error {
		if account == "" {
			return ErrInvalidAccount
		}
		if _, err := m.settle(tx, account); err != nil {
			return err
		}
		if err := m.Margin.withdraw(tx, account, token, amount); err != nil {
			return err
		}
		if err := m.checkWithdrawal(tx.Context(), account); err != nil {
			return err
		}
		m.emit(tx, event.TypeCollateralWithdrawn, account, event.CollateralChange{
			Token:  token,
			Amount: amount,
		})
		return nil
	})
}

func (m *Market) checkWithdrawal(ctx context.Context, account string) error {
	r, err := m.accountRisk(ctx, account, true)
	if err != nil {
		return err
	}
	if r.Liquidatable() {
		return ErrInsufficientMargin
	}
	if !WithinLeverage(r.Notional, r.Equity.Sub(num.ToWad(m.Positions.pendingFees(account))), m.params.Global(config.MaxLeverage)) {
		return ErrLeverageTooHigh
	}
	debt := m.Margin.Debt(account)
	if debt.IsPos() && m.undercollateralized(AccountRisk{OtherMargin: r.OtherMargin, Notional: num.Zero}, debt, m.params.Global(config.DebtLiquidationThreshold)) {
		return ErrInsufficientMargin
	}
	return nil
}

// Settle 结算账户 (account 为空时只推进资产指数和全局利息)
func (m *Market) Settle(ctx context.Context, account string, assets ...string) error {
	return m.exec(ctx, "settle", func(tx *ledger.Tx) error {
		_, err := m.settle(tx, account, assets...)
		return err
	})
}

// =============================================================================
// 订单
// =============================================================================

// SubmitOrder 提交订单
func (m *Market) SubmitOrder(ctx context.Context, req SubmitRequest) (order.Order, error) {
	var o order.Order
	err := m.exec(ctx, "submit_order", func(tx *ledger.Tx) error {
		var err error
		o, err = m.Positions.submit(tx, req)
		return err
	})
	return o, err
}

// ExecuteOrder keeper 执行订单，附带价格更新包
//
// 软失败时返回 nil，订单状态为 Failed
func (m *Market) ExecuteOrder(ctx context.Context, keeper string, id int64, updates []oracle.Update) (order.Order, error) {
	var o order.Order
	err := m.exec(ctx, "execute_order", func(tx *ledger.Tx) error {
		var err error
		o, err = m.Positions.execute(tx, keeper, id, updates)
		return err
	})
	return o, err
}

// CancelOrder 任何人取消过期订单，keeper 费归调用者
func (m *Market) CancelOrder(ctx context.Context, keeper string, id int64) (order.Order, error) {
	var o order.Order
	err := m.exec(ctx, "cancel_order", func(tx *ledger.Tx) error {
		var err error
		o, err = m.Positions.cancel(tx, keeper, id, false)
		return err
	})
	return o, err
}

// SubmitCancelOrder 下单人取消自己的过期订单
func (m *Market) SubmitCancelOrder(ctx context.Context, owner string, id int64) (order.Order, error) {
	var o order.Order
	err := m.exec(ctx, "submit_cancel_order", func(tx *ledger.Tx) error {
		var err error
		o, err = m.Positions.cancel(tx, owner, id, true)
		return err
	})
	return o, err
}

// =============================================================================
// 清算
// =============================================================================

// LiquidatePosition 强平持仓
func (m *Market) LiquidatePosition(ctx context.Context, liquidator, account, asset string) (event.PositionLiquidated, error) {
	var rec event.PositionLiquidated
	err := m.exec(ctx, "liquidate_position", func(tx *ledger.Tx) error {
		var err error
		rec, err = m.liquidatePosition(tx, liquidator, account, asset)
		return err
	})
	return rec, err
}

// Liquidate 抵押品清算
func (m *Market) Liquidate(ctx context.Context, liquidator, account, token string, baseAmount num.Int) (event.CollateralLiquidated, error) {
	var rec event.CollateralLiquidated
	err := m.exec(ctx, "liquidate_collateral", func(tx *ledger.Tx) error {
		var err error
		rec, err = m.liquidateCollateral(tx, liquidator, account, token, baseAmount)
		return err
	})
	return rec, err
}

// =============================================================================
// 流动性
// =============================================================================

// AddLiquidity 注入流动性 (amount 为稳定币原生精度)，返回铸造的份额
func (m *Market) AddLiquidity(ctx context.Context, provider string, amount, minShares num.Int, receiver string) (num.Int, error) {
	var shares num.Int
	err := m.exec(ctx, "add_liquidity", func(tx *ledger.Tx) error {
		var err error
		shares, err = m.addLiquidity(tx, provider, amount, minShares, receiver)
		return err
	})
	return shares, err
}

// RemoveLiquidity 赎回份额，返回付出的稳定币 (原生精度)
func (m *Market) RemoveLiquidity(ctx context.Context, owner string, shares, minAmount num.Int, receiver string) (num.Int, error) {
	var amount num.Int
	err := m.exec(ctx, "remove_liquidity", func(tx *ledger.Tx) error {
		var err error
		amount, err = m.removeLiquidity(tx, owner, shares, minAmount, receiver)
		return err
	})
	return amount, err
}

// =============================================================================
// 管理
// =============================================================================

func (m *Market) AddMarketToken(ctx context.Context, symbol string) error {
	return m.exec(ctx, "add_market_token", func(tx *ledger.Tx) error {
		return m.Perp.AddMarketToken(tx, symbol)
	})
}

func (m *Market) RemoveToken(ctx context.Context, symbol string) error {
	return m.exec(ctx, "remove_token", func(tx *ledger.Tx) error {
		if _, err := m.settle(tx, "", symbol); err != nil {
			return err
		}
		return m.Perp.RemoveToken(tx, symbol)
	})
}

func (m *Market) AddCollateralToken(ctx context.Context, tok CollateralToken) error {
	return m.exec(ctx, "add_collateral_token", func(tx *ledger.Tx) error {
		return m.Margin.AddCollateralToken(tx, tok)
	})
}

// SetParam 调整参数，先把受影响的指数推进到当前时刻
func (m *Market) SetParam(ctx context.Context, domain config.Domain, name, value string) error {
	k, err := config.ParseKey(name)
	if err != nil {
		return err
	}
	v, err := config.ParseValue(k, value)
	if err != nil {
		return err
	}
	return m.exec(ctx, "set_param", func(tx *ledger.Tx) error {
		if m.Margin.BaseToken() != "" {
			if _, err := m.settle(tx, "", m.Perp.Tokens()...); err != nil {
				return err
			}
		}
		m.setParam(tx, domain, k, v)
		m.log.Info("param updated", zap.String("domain", string(domain)), zap.String("key", name), zap.String("value", value))
		return nil
	})
}

// setParam 参数表不在账本里，登记回滚动作恢复原值
func (m *Market) setParam(tx *ledger.Tx, domain config.Domain, k config.Key, v num.Int) {
	old, had := m.params.Lookup(domain, k)
	m.params.Set(domain, k, v)
	tx.OnUndo(func() {
		if had {
			m.params.Set(domain, k, old)
		} else {
			m.params.Unset(domain, k)
		}
	})
}

// =============================================================================
// 查询 (都在账本锁内读取，看到的是事务边界上的一致状态)
// =============================================================================

// Params 参数表
func (m *Market) Params() *config.Store { return m.params }

// Now 账本时间
func (m *Market) Now() int64 { return m.ledger.Clock().Now() }

func (m *Market) AccountMargin(ctx context.Context, account string) (AccountMargin, error) {
	var out AccountMargin
	err := m.ledger.View(func(int64) error {
		var err error
		out, err = m.Margin.AccountMargin(ctx, account, false)
		return err
	})
	return out, err
}

func (m *Market) AccountRisk(ctx context.Context, account string) (AccountRisk, error) {
	var out AccountRisk
	err := m.ledger.View(func(int64) error {
		var err error
		out, err = m.accountRisk(ctx, account, false)
		return err
	})
	return out, err
}

// IsLiquidatable maintenance > equity
func (m *Market) IsLiquidatable(ctx context.Context, account string) (bool, error) {
	r, err := m.AccountRisk(ctx, account)
	if err != nil {
		return false, err
	}
	return r.Liquidatable(), nil
}

// IsCollateralLiquidatable 有债务且抵押不足，可以清算抵押品
func (m *Market) IsCollateralLiquidatable(ctx context.Context, account string) (bool, error) {
	var out bool
	err := m.ledger.View(func(int64) error {
		debt := m.Margin.Debt(account)
		if debt.IsZero() {
			return nil
		}
		r, err := m.accountRisk(ctx, account, false)
		if err != nil {
			return err
		}
		out = m.undercollateralized(r, debt, m.params.Global(config.DebtLiquidationThreshold))
		return nil
	})
	return out, err
}

// MaxCollateralLiquidation 单个抵押品一次最多可清算的稳定币数额 (原生精度)
// = min(债务, 该抵押品按底价的价值)
func (m *Market) MaxCollateralLiquidation(ctx context.Context, account, token string) (num.Int, error) {
	out := num.Zero
	err := m.ledger.View(func(int64) error {
		tok, ok := m.Margin.Token(token)
		if !ok || tok.IsBase {
			return ErrUnsupportedToken
		}
		bal := m.Margin.Balance(account, token)
		debt := m.Margin.Debt(account)
		if !bal.IsPos() || debt.IsZero() {
			return nil
		}
		price, err := m.feed.GetPrice(ctx, token, false)
		if err != nil {
			return fmt.Errorf("price %s: %w", token, err)
		}
		out = num.Min(debt, num.ToNative(SeizableValue(tok, bal, price)))
		return nil
	})
	return out, err
}

// Tokens 已注册的抵押品
func (m *Market) Tokens() (out []string) {
	_ = m.ledger.View(func(int64) error {
		out = m.Margin.Tokens()
		return nil
	})
	return out
}

func (m *Market) Token(symbol string) (tok CollateralToken, ok bool) {
	_ = m.ledger.View(func(int64) error {
		tok, ok = m.Margin.Token(symbol)
		return nil
	})
	return tok, ok
}

// CollateralTokens 账户持有的非稳定币抵押品
func (m *Market) CollateralTokens(account string) (out []string) {
	_ = m.ledger.View(func(int64) error {
		for _, t := range m.Margin.Tokens() {
			tok, _ := m.Margin.Token(t)
			if !tok.IsBase && m.Margin.Balance(account, t).IsPos() {
				out = append(out, t)
			}
		}
		return nil
	})
	return out
}

func (m *Market) Position(account, asset string) (p Position) {
	_ = m.ledger.View(func(int64) error {
		p = m.Perp.Position(account, asset)
		return nil
	})
	return p
}

func (m *Market) OpenPositions(account string) (ps []Position) {
	_ = m.ledger.View(func(int64) error {
		ps = m.Perp.OpenPositions(account)
		return nil
	})
	return ps
}

func (m *Market) Order(id int64) (o order.Order, ok bool) {
	_ = m.ledger.View(func(int64) error {
		o, ok = m.Positions.Order(id)
		return nil
	})
	return o, ok
}

func (m *Market) AccountOrders(account string) (orders []order.Order) {
	_ = m.ledger.View(func(int64) error {
		orders = m.Positions.AccountOrders(account)
		return nil
	})
	return orders
}

func (m *Market) SymbolState(asset string) (st SymbolState, ok bool) {
	_ = m.ledger.View(func(int64) error {
		st, ok = m.Perp.GetTokenInfo(asset)
		return nil
	})
	return st, ok
}

func (m *Market) FeeInfo(asset string) (fi FeeInfo, ok bool) {
	_ = m.ledger.View(func(int64) error {
		fi, ok = m.Perp.GetFeeInfo(asset)
		return nil
	})
	return fi, ok
}

func (m *Market) Assets() (out []string) {
	_ = m.ledger.View(func(int64) error {
		out = m.Perp.Tokens()
		return nil
	})
	return out
}

func (m *Market) GlobalState() (g GlobalState) {
	_ = m.ledger.View(func(int64) error {
		g = m.pool.Get()
		return nil
	})
	return g
}

// DebtState 债务账本 + 利率模型状态
type DebtState struct {
	DebtBook
	Model interest.State `json:"model"`
	Rate  num.Int        `json:"rate"`
}

func (m *Market) DebtState() (d DebtState) {
	_ = m.ledger.View(func(int64) error {
		d = DebtState{DebtBook: m.Margin.Book(), Model: m.Interest.State(), Rate: m.Interest.Rate()}
		return nil
	})
	return d
}

func (m *Market) CollateralBalance(account, token string) (b num.Int) {
	_ = m.ledger.View(func(int64) error {
		b = m.Margin.Balance(account, token)
		return nil
	})
	return b
}

func (m *Market) Shares(account string) (s num.Int) {
	_ = m.ledger.View(func(int64) error {
		s = m.shares.GetOr(account, num.Zero)
		return nil
	})
	return s
}

func (m *Market) Referral(account string) (r string) {
	_ = m.ledger.View(func(int64) error {
		r = m.referrals.GetOr(account, "")
		return nil
	})
	return r
}

// LpNetValue 当前 LP 净值
func (m *Market) LpNetValue(ctx context.Context) (num.Int, error) {
	var out num.Int
	err := m.ledger.View(func(int64) error {
		v, err := m.valuate(ctx)
		out = v.LpNetValue
		return err
	})
	return out, err
}

// Valuation 当前估值
func (m *Market) Valuation(ctx context.Context) (Valuation, error) {
	var out Valuation
	err := m.ledger.View(func(int64) error {
		var err error
		out, err = m.valuate(ctx)
		return err
	})
	return out, err
}

// Accounts 有持仓的账户
func (m *Market) Accounts() (out []string) {
	_ = m.ledger.View(func(int64) error {
		out = m.Perp.Accounts()
		sort.Strings(out)
		return nil
	})
	return out
}

// BaseToken 稳定币符号
func (m *Market) BaseToken() (t string) {
	_ = m.ledger.View(func(int64) error {
		t = m.Margin.BaseToken()
		return nil
	})
	return t
}

// DebtorAccounts 有债务的账户
func (m *Market) DebtorAccounts() (out []string) {
	_ = m.ledger.View(func(int64) error {
		out = m.Margin.Debtors()
		return nil
	})
	return out
}

// ExecutableOrders / ExpiredOrders keeper 扫描用
func (m *Market) ExecutableOrders() (ids []int64) {
	_ = m.ledger.View(func(now int64) error {
		ids = m.Positions.ExecutableOrders(now)
		return nil
	})
	return ids
}

func (m *Market) ExpiredOrders() (ids []int64) {
	_ = m.ledger.View(func(now int64) error {
		ids = m.Positions.ExpiredOrders(now)
		return nil
	})
	return ids
}
