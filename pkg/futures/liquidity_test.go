// 文件: pkg/futures/liquidity_test.go

package futures

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perpcore/pkg/config"
	"max.com/perpcore/pkg/event"
	"max.com/perpcore/pkg/num"
)

func TestLiquiditySharesFollowNetValue(t *testing.T) {
	h := newHarness(t)
	h.params.Set(config.Global, config.TradingFeeRatio, wad("0.0005"))
	h.addLiquidity("1000000")
	assert.Equal(t, num.Wad(1_000_000).String(), h.m.Shares(lp).String(), "first deposit mints 1:1")

	h.deposit("alice", "10000")
	h.trade("alice", num.Wad(50), "0")
	assert.Equal(t, num.Wad(1_000_050).String(), h.lpValue().String())

	// 1000.05 / 1000050 × 1000000 = 1000 份
	shares, err := h.m.AddLiquidity(h.ctx, "bob", base("1000.05"), num.Wad(1000), "bob")
	require.NoError(t, err)
	assert.Equal(t, num.Wad(1000).String(), shares.String())
	assert.Equal(t, num.Wad(1_001_000).String(), h.m.GlobalState().TotalShares.String())

	_, err = h.m.RemoveLiquidity(h.ctx, "bob", num.Wad(1001), num.Zero, "bob")
	assert.ErrorIs(t, err, ErrInsufficientShares)
	_, err = h.m.RemoveLiquidity(h.ctx, "bob", num.Wad(1000), base("1000.06"), "bob")
	assert.ErrorIs(t, err, ErrSlippage)

	amount, err := h.m.RemoveLiquidity(h.ctx, "bob", num.Wad(1000), base("1000.05"), "bob")
	require.NoError(t, err)
	assert.Equal(t, base("1000.05").String(), amount.String())
	assert.True(t, h.m.Shares("bob").IsZero())
	assert.Equal(t, num.Wad(1_000_050).String(), h.lpValue().String())

	assert.Len(t, h.rec.OfType(event.TypeLiquidityAdded), 2)
	assert.Len(t, h.rec.OfType(event.TypeLiquidityRemoved), 1)
}

func TestAddLiquiditySlippage(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.AddLiquidity(h.ctx, lp, base("100"), num.Wad(101), lp)
	assert.ErrorIs(t, err, ErrSlippage)
	_, err = h.m.AddLiquidity(h.ctx, lp, num.Zero, num.Zero, lp)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.True(t, h.m.GlobalState().TotalShares.IsZero())
}

// 为持仓预留 OI × price × lpReserveRatio，不可赎回
func TestRemoveLiquidityKeepsReserve(t *testing.T) {
	h := newHarness(t)
	h.addLiquidity("1000000")
	h.deposit("alice", "10000")
	h.trade("alice", num.Wad(50), "0")

	// 预留 50 × 2000 × 0.2 = 20000
	_, err := h.m.RemoveLiquidity(h.ctx, lp, num.Wad(980_001), num.Zero, lp)
	assert.ErrorIs(t, err, ErrInsufficientFreeLiquidity)

	amount, err := h.m.RemoveLiquidity(h.ctx, lp, num.Wad(980_000), num.Zero, lp)
	require.NoError(t, err)
	assert.Equal(t, base("980000").String(), amount.String())
	assert.Equal(t, num.Wad(20_000).String(), h.m.GlobalState().LpBalance.String())
}
