package interest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perpcore/pkg/config"
	"max.com/perpcore/pkg/ledger"
	"max.com/perpcore/pkg/num"
)

func testParams() Params {
	return Params{
		VertexDebtRatio:        num.MustParse("0.4"),
		VertexInterestRate:     num.MustParse("0.25"),
		MinInterestRate:        num.MustParse("0.05"),
		BaseMaxInterestRate:    num.MustParse("1.2"),
		MaxInterestRateCeiling: num.MustParse("3"),
		MaxRateRatchetPerDay:   num.MustParse("0.1"),
	}
}

func TestRateAt_KinkedCurve(t *testing.T) {
	p := testParams()
	maxRate := p.BaseMaxInterestRate

	tests := []struct {
		name  string
		ratio string
		want  string
	}{
		{"zero debt", "0", "0.05"},
		{"below vertex", "0.1", "0.1"},
		{"at vertex", "0.4", "0.25"},
		{"above vertex", "0.7", "0.725"},
		{"full", "1", "1.2"},
		{"clamped above one", "1.5", "1.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RateAt(p, num.MustParse(tt.ratio), maxRate)
			assert.Equal(t, num.MustParse(tt.want).String(), got.String())
		})
	}
}

func TestAccrue_TenDays(t *testing.T) {
	debt := num.MustParse("123456789.1234567")
	rate := RateAt(testParams(), num.MustParse("0.1"), num.MustParse("1.2"))
	require.True(t, rate.Eq(num.MustParse("0.1")))

	got := Accrue(debt, rate, 10*SecondsPerDay)
	// debt × 0.1 × 10 / 365
	want := debt.Quo(num.New(365))
	assert.Equal(t, want.String(), got.String())
}

func newModel(t *testing.T) (*Model, *ledger.Ledger, *ledger.ManualClock) {
	t.Helper()
	s := config.NewStore()
	clock := ledger.NewManualClock(1_700_000_000)
	return NewModel(s), ledger.New(clock), clock
}

func TestModel_UpdateRollsForwardAccrual(t *testing.T) {
	m, l, clock := newModel(t)
	ctx := context.Background()
	debt := num.MustParse("123456789.1234567")

	var first num.Int
	require.NoError(t, l.Exec(ctx, func(tx *ledger.Tx) error {
		first = m.Update(tx, debt, num.MustParse("0.1"))
		return nil
	}))
	assert.True(t, first.IsZero(), "first update has no history")

	clock.Advance(10 * SecondsPerDay)
	projected := m.NextInterest(clock.Now())
	assert.Equal(t, debt.Quo(num.New(365)).String(), projected.String())

	// NextInterest 只是预估
	assert.Equal(t, projected.String(), m.NextInterest(clock.Now()).String())

	var accrued num.Int
	require.NoError(t, l.Exec(ctx, func(tx *ledger.Tx) error {
		accrued = m.Update(tx, debt.Add(projected), num.MustParse("0.1"))
		return nil
	}))
	assert.Equal(t, projected.String(), accrued.String())
	assert.True(t, m.NextInterest(clock.Now()).IsZero())
	assert.Equal(t, clock.Now(), m.State().LastUpdate)
}

func TestModel_MaxRateRatchet(t *testing.T) {
	m, l, clock := newModel(t)
	ctx := context.Background()
	p := m.Params()

	exec := func(fn func(tx *ledger.Tx)) {
		require.NoError(t, l.Exec(ctx, func(tx *ledger.Tx) error { fn(tx); return nil }))
	}

	exec(func(tx *ledger.Tx) {
		m.Update(tx, num.Wad(100), num.MustParse("0.8"))
		m.UpdateMaxInterestRate(tx)
	})
	assert.True(t, m.State().MaxInterestRate.Eq(p.BaseMaxInterestRate))

	// 高于拐点 2 天: +0.2
	clock.Advance(2 * SecondsPerDay)
	exec(func(tx *ledger.Tx) { m.UpdateMaxInterestRate(tx) })
	assert.Equal(t, num.MustParse("1.4").String(), m.State().MaxInterestRate.String())

	// 上限 3
	clock.Advance(100 * SecondsPerDay)
	exec(func(tx *ledger.Tx) { m.UpdateMaxInterestRate(tx) })
	assert.True(t, m.State().MaxInterestRate.Eq(p.MaxInterestRateCeiling))

	// 回到拐点以下复位
	exec(func(tx *ledger.Tx) {
		m.Update(tx, num.Wad(10), num.MustParse("0.1"))
		m.UpdateMaxInterestRate(tx)
	})
	assert.True(t, m.State().MaxInterestRate.Eq(p.BaseMaxInterestRate))
}

func TestModel_RateUsesRatchetedMax(t *testing.T) {
	m, l, clock := newModel(t)
	ctx := context.Background()

	require.NoError(t, l.Exec(ctx, func(tx *ledger.Tx) error {
		m.Update(tx, num.Wad(100), num.WAD)
		m.UpdateMaxInterestRate(tx)
		return nil
	}))
	assert.Equal(t, num.MustParse("1.2").String(), m.Rate().String())

	clock.Advance(SecondsPerDay)
	require.NoError(t, l.Exec(ctx, func(tx *ledger.Tx) error {
		m.UpdateMaxInterestRate(tx)
		return nil
	}))
	assert.Equal(t, num.MustParse("1.3").String(), m.Rate().String())
}
