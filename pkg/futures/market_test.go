// 文件: pkg/futures/market_test.go
// Market 集成测试 - 手动时钟 + 固定价格源，结果完全确定

package futures

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perpcore/pkg/config"
	"max.com/perpcore/pkg/event"
	"max.com/perpcore/pkg/ledger"
	"max.com/perpcore/pkg/num"
	"max.com/perpcore/pkg/oracle"
	"max.com/perpcore/pkg/order"
)

// =============================================================================
// 测试辅助
// =============================================================================

const (
	testStart = int64(1_700_000_000)
	usdc      = "USDC"
	wbtc      = "WBTC"
	eth       = "ETH"
	keeper    = "keeper"
	lp        = "lp"
)

var errNoPrice = errors.New("no price")

// staticFeed 固定价格，忽略新鲜度
type staticFeed struct {
	mu     sync.Mutex
	prices map[string]num.Int
}

func newStaticFeed() *staticFeed {
	return &staticFeed{prices: map[string]num.Int{
		eth:  num.Wad(2000),
		wbtc: num.Wad(30000),
	}}
}

func (f *staticFeed) GetPrice(_ context.Context, asset string, _ bool) (num.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[asset]
	if !ok {
		return num.Zero, fmt.Errorf("%w: %s", errNoPrice, asset)
	}
	return p, nil
}

func (f *staticFeed) set(asset string, price num.Int) {
	f.mu.Lock()
	f.prices[asset] = price
	f.mu.Unlock()
}

func (f *staticFeed) drop(asset string) {
	f.mu.Lock()
	delete(f.prices, asset)
	f.mu.Unlock()
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *ledger.ManualClock
	feed   *staticFeed
	params *config.Store
	rec    *event.Recorder
	m      *Market
}

func testMarketConfig() config.Market {
	return config.Market{
		BaseToken: usdc,
		Assets:    []config.Asset{{Symbol: eth}},
		Collaterals: []config.Collateral{
			{Symbol: usdc, Decimals: 6},
			{Symbol: wbtc, Decimals: 8, ConversionRatio: "0.9", FloorPriceRatio: "0.95"},
		},
	}
}

// newHarness 默认交易手续费为 0，其它参数用默认值
func newHarness(t *testing.T) *harness {
	t.Helper()
	params := config.NewStore()
	params.Set(config.Global, config.TradingFeeRatio, num.Zero)

	h := &harness{
		t:      t,
		ctx:    context.Background(),
		clock:  ledger.NewManualClock(testStart),
		feed:   newStaticFeed(),
		params: params,
		rec:    &event.Recorder{},
	}
	h.m = NewMarket(ledger.New(h.clock), params, h.feed,
		WithSink(h.rec),
		WithIDGenerator(order.NewSequenceGenerator(1)))
	require.NoError(t, h.m.Setup(h.ctx, testMarketConfig()))
	return h
}

func base(s string) num.Int { return num.MustParseBase(s) }
func wad(s string) num.Int  { return num.MustParse(s) }

func (h *harness) deposit(account, amount string) {
	h.t.Helper()
	require.NoError(h.t, h.m.DepositMargin(h.ctx, account, usdc, base(amount), ""))
}

func (h *harness) addLiquidity(amount string) {
	h.t.Helper()
	_, err := h.m.AddLiquidity(h.ctx, lp, base(amount), num.Zero, lp)
	require.NoError(h.t, err)
}

func (h *harness) submit(account string, size num.Int, keeperFee string, reduceOnly bool) order.Order {
	h.t.Helper()
	o, err := h.m.SubmitOrder(h.ctx, h.request(account, size, keeperFee, reduceOnly))
	require.NoError(h.t, err)
	return o
}

func (h *harness) request(account string, size num.Int, keeperFee string, reduceOnly bool) SubmitRequest {
	acceptable := num.Wad(1_000_000)
	if size.IsNeg() {
		acceptable = num.One
	}
	return SubmitRequest{
		Account:         account,
		Asset:           eth,
		Size:            size,
		AcceptablePrice: acceptable,
		KeeperFee:       base(keeperFee),
		ReduceOnly:      reduceOnly,
	}
}

// trade 提交 -> 等待最小延迟 -> 执行
func (h *harness) trade(account string, size num.Int, keeperFee string) order.Order {
	h.t.Helper()
	o := h.submit(account, size, keeperFee, false)
	h.clock.Advance(h.params.Seconds(config.Global, config.MinOrderDelay))
	done, err := h.m.ExecuteOrder(h.ctx, keeper, o.ID, nil)
	require.NoError(h.t, err)
	return done
}

func (h *harness) margin(account string) AccountMargin {
	h.t.Helper()
	am, err := h.m.AccountMargin(h.ctx, account)
	require.NoError(h.t, err)
	return am
}

func (h *harness) lpValue() num.Int {
	h.t.Helper()
	v, err := h.m.LpNetValue(h.ctx)
	require.NoError(h.t, err)
	return v
}

// checkInvariants LP 是唯一对手方；债务等于全部负余额之和
func (h *harness) checkInvariants(accounts ...string) {
	h.t.Helper()
	for _, sym := range h.m.Assets() {
		sum := num.Zero
		for _, a := range accounts {
			sum = sum.Add(h.m.Position(a, sym).Size)
		}
		st, ok := h.m.SymbolState(sym)
		require.True(h.t, ok)
		assert.Equal(h.t, sum.Neg().String(), st.LpPosition.String(), "lp position of %s", sym)
		assert.Equal(h.t, sum.String(), st.NetSize.String(), "net size of %s", sym)
	}

	debt := num.Zero
	for _, a := range append(accounts, keeper, lp, "liq") {
		bal := h.m.CollateralBalance(a, usdc)
		debt = debt.Add(num.Max(bal.Neg(), num.Zero))
	}
	assert.Equal(h.t, debt.String(), h.m.DebtState().TotalDebt.String(), "total debt")
}

// =============================================================================
// 测试: 存取
// =============================================================================

func TestDepositWithdrawRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.deposit("alice", "500")
	before := h.margin("alice")

	require.NoError(t, h.m.DepositMargin(h.ctx, "alice", usdc, base("1234.567891"), "ref-1"))
	require.NoError(t, h.m.WithdrawMargin(h.ctx, "alice", usdc, base("1234.567891")))
	assert.Equal(t, before.Total().String(), h.margin("alice").Total().String())

	require.NoError(t, h.m.DepositMargin(h.ctx, "alice", wbtc, num.New(123_456_789), ""))
	require.NoError(t, h.m.WithdrawMargin(h.ctx, "alice", wbtc, num.New(123_456_789)))
	after := h.margin("alice")
	assert.Equal(t, before.BaseMargin.String(), after.BaseMargin.String())
	assert.True(t, after.OtherMargin.IsZero(), "no dust left: %s", after.OtherMargin)

	assert.Equal(t, "ref-1", h.m.Referral("alice"))
	assert.Len(t, h.rec.OfType(event.TypeCollateralWithdrawn), 2)
}

func TestDepositValidation(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.m.DepositMargin(h.ctx, "alice", "DOGE", base("1"), ""), ErrUnsupportedToken)
	assert.ErrorIs(t, h.m.DepositMargin(h.ctx, "alice", usdc, num.Zero, ""), ErrInvalidAmount)

	require.NoError(t, h.m.AddCollateralToken(h.ctx, CollateralToken{
		Symbol:          "SOL",
		Decimals:        9,
		ConversionRatio: wad("0.8"),
		FloorPriceRatio: wad("0.9"),
		Cap:             num.New(5_000_000_000),
	}))
	h.feed.set("SOL", num.Wad(100))
	require.NoError(t, h.m.DepositMargin(h.ctx, "alice", "SOL", num.New(4_000_000_000), ""))
	err := h.m.DepositMargin(h.ctx, "bob", "SOL", num.New(1_000_000_001), "")
	assert.ErrorIs(t, err, ErrCapExceeded)
	assert.True(t, h.m.CollateralBalance("bob", "SOL").IsZero())
}

func TestWithdrawCannotCreateDebt(t *testing.T) {
	h := newHarness(t)
	h.deposit("alice", "100")
	err := h.m.WithdrawMargin(h.ctx, "alice", usdc, base("100.000001"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, base("100").String(), h.m.CollateralBalance("alice", usdc).String())
}

// 1e6 <-> 1e18 换算必须精确
func TestBaseScaleConversion(t *testing.T) {
	h := newHarness(t)
	h.deposit("alice", "0.000001")
	am := h.margin("alice")
	assert.Equal(t, "1000000000000", am.BaseMargin.String(), "1 native unit is 1e12 wad")

	h.deposit("bob", "10000")
	assert.Equal(t, num.Wad(10000).String(), h.margin("bob").BaseMargin.String())

	// WBTC 8 位精度: 1 WBTC × 30000 × 0.9 × 0.95
	require.NoError(t, h.m.DepositMargin(h.ctx, "carol", wbtc, num.New(100_000_000), ""))
	assert.Equal(t, num.Wad(25650).String(), h.margin("carol").OtherMargin.String())
}

// =============================================================================
// 测试: 场景
// =============================================================================

func TestScenario_OpenLongZeroFee(t *testing.T) {
	h := newHarness(t)
	h.addLiquidity("1000000")
	h.deposit("alice", "10000")
	lpBefore := h.lpValue()

	o := h.trade("alice", num.Wad(50), "5")
	require.Equal(t, order.StatusExecuted, o.Status)
	assert.Equal(t, num.Wad(2000).String(), o.ExecPrice.String())

	am := h.margin("alice")
	assert.Equal(t, num.Wad(9995).String(), am.Total().String(), "margin = 10000 - keeper fee")
	assert.Equal(t, base("5").String(), h.m.CollateralBalance(keeper, usdc).String())
	assert.Equal(t, lpBefore.String(), h.lpValue().String(), "zero fee, zero change")

	pos := h.m.Position("alice", eth)
	assert.Equal(t, num.Wad(50).String(), pos.Size.String())
	assert.Equal(t, num.Wad(2000).String(), pos.EntryPrice().String())
	h.checkInvariants("alice")
}

func TestScenario_OpenLongTradingFee(t *testing.T) {
	h := newHarness(t)
	h.params.Set(config.Global, config.TradingFeeRatio, wad("0.0005"))
	h.addLiquidity("1000000")
	h.deposit("alice", "10000")
	lpBefore := h.lpValue()

	o := h.trade("alice", num.Wad(50), "5")
	require.Equal(t, order.StatusExecuted, o.Status)
	assert.Equal(t, base("50").String(), o.TradingFee.String())

	// 100,000 × 0.0005 = 50
	assert.Equal(t, num.Wad(9945).String(), h.margin("alice").Total().String())
	assert.Equal(t, lpBefore.Add(num.Wad(50)).String(), h.lpValue().String())
	h.checkInvariants("alice")
}

// =============================================================================
// 测试: 原子性
// =============================================================================

func TestRejectedTxLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	h.addLiquidity("1000000")
	h.deposit("alice", "1000")
	h.trade("alice", num.Wad(9), "0")

	marginBefore := h.margin("alice")
	globalBefore := h.m.GlobalState()
	debtBefore := h.m.DebtState()
	posBefore := h.m.Position("alice", eth)
	events := len(h.rec.All())

	// 取走 900 后杠杆 18000/100 > 20
	err := h.m.WithdrawMargin(h.ctx, "alice", usdc, base("900"))
	require.Error(t, err)

	assert.Equal(t, marginBefore, h.margin("alice"))
	assert.Equal(t, globalBefore, h.m.GlobalState())
	assert.Equal(t, debtBefore, h.m.DebtState())
	assert.Equal(t, posBefore, h.m.Position("alice", eth))
	assert.Len(t, h.rec.All(), events, "no events from reverted tx")
}

func TestRejectedTxRestoresParams(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("boom")
	require.NoError(t, h.m.SetParam(h.ctx, config.Global, "max_leverage", "10"))

	err := h.m.exec(h.ctx, "test", func(tx *ledger.Tx) error {
		h.m.setParam(tx, config.Global, config.MaxLeverage, num.Wad(2))
		h.m.setParam(tx, config.Domain(eth), config.TradingFeeRatio, wad("0.01"))
		assert.Equal(t, num.Wad(2).String(), h.params.Global(config.MaxLeverage).String())
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, num.Wad(10).String(), h.params.Global(config.MaxLeverage).String())
	_, ok := h.params.Lookup(config.Domain(eth), config.TradingFeeRatio)
	assert.False(t, ok, "asset override removed on rollback")
	assert.Equal(t, h.params.Global(config.TradingFeeRatio).String(),
		h.params.Get(config.Domain(eth), config.TradingFeeRatio).String())
}

func TestOracleErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	h.addLiquidity("1000000")
	h.deposit("alice", "1000")
	h.trade("alice", num.Wad(1), "0")

	h.feed.drop(eth)
	err := h.m.DepositMargin(h.ctx, "alice", usdc, base("1"), "")
	assert.ErrorIs(t, err, errNoPrice)
	assert.Equal(t, base("1000").String(), h.m.CollateralBalance("alice", usdc).String())
}

func TestEventsCarrySequence(t *testing.T) {
	h := newHarness(t)
	h.addLiquidity("1000")
	h.deposit("alice", "10")
	h.deposit("bob", "10")

	all := h.rec.All()
	require.Len(t, all, 3)
	for i, ev := range all {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, testStart, ev.Timestamp)
	}
	assert.Equal(t, event.TypeLiquidityAdded, all[0].Type)
}

func TestDebtRatio(t *testing.T) {
	tests := []struct {
		name                string
		debt, lpValue, skew num.Int
		want                num.Int
	}{
		{"no debt", num.Zero, num.Wad(100), num.Zero, num.Zero},
		{"simple", num.Wad(25), num.Wad(75), num.Zero, wad("0.25")},
		{"skew shrinks capacity", num.Wad(25), num.Wad(100), num.Wad(75), wad("0.5")},
		{"non-positive denominator", num.Wad(10), num.Wad(-20), num.Zero, num.WAD},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want.String(), DebtRatio(tt.debt, tt.lpValue, tt.skew).String())
		})
	}
}

func TestExecuteOrderAppliesPriceUpdates(t *testing.T) {
	clock := ledger.NewManualClock(testStart)
	feed := oracle.NewPriceService(clock, oracle.Config{MaxAge: 60})
	params := config.NewStore()
	m := NewMarket(ledger.New(clock), params, feed, WithIDGenerator(order.NewSequenceGenerator(1)))
	ctx := context.Background()
	require.NoError(t, m.Setup(ctx, testMarketConfig()))
	require.NoError(t, feed.UpdatePrice(eth, num.Wad(2000)))

	_, err := m.AddLiquidity(ctx, lp, base("1000000"), num.Zero, lp)
	require.NoError(t, err)
	require.NoError(t, m.DepositMargin(ctx, "alice", usdc, base("1000"), ""))

	o, err := m.SubmitOrder(ctx, SubmitRequest{
		Account: "alice", Asset: eth, Size: num.Wad(1),
		AcceptablePrice: num.Wad(2100), KeeperFee: base("1"),
	})
	require.NoError(t, err)

	clock.Advance(120)
	_, err = m.ExecuteOrder(ctx, keeper, o.ID, nil)
	assert.ErrorIs(t, err, oracle.ErrStalePrice, "execution requires a fresh price")

	updates := []oracle.Update{{Symbol: eth, Price: num.Wad(2050), PublishTime: clock.Now()}}
	done, err := m.ExecuteOrder(ctx, keeper, o.ID, updates)
	require.NoError(t, err)
	assert.Equal(t, order.StatusExecuted, done.Status)
	assert.Equal(t, num.Wad(2050).String(), done.ExecPrice.String())
}
