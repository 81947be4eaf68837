package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perpcore/pkg/num"
)

var errBoom = errors.New("boom")

func TestExec_RollbackRestoresState(t *testing.T) {
	l := New(NewManualClock(1000))
	balances := NewMap[string, num.Int]()
	total := NewValue(num.Zero)

	require.NoError(t, l.Exec(context.Background(), func(tx *Tx) error {
		balances.Set(tx, "alice", num.New(100))
		total.Set(tx, num.New(100))
		return nil
	}))

	err := l.Exec(context.Background(), func(tx *Tx) error {
		balances.Set(tx, "alice", num.New(40))
		balances.Set(tx, "bob", num.New(60))
		balances.Delete(tx, "alice")
		total.Set(tx, num.New(999))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	v, ok := balances.Get("alice")
	require.True(t, ok)
	assert.True(t, v.Eq(num.New(100)))
	assert.False(t, balances.Has("bob"))
	assert.True(t, total.Get().Eq(num.New(100)))
}

func TestExec_OverflowPanicBecomesError(t *testing.T) {
	l := New(NewManualClock(0))
	v := NewValue(num.Zero)

	err := l.Exec(context.Background(), func(tx *Tx) error {
		v.Set(tx, num.New(7))
		huge := num.Pow10(76)
		_ = huge.Mul(huge)
		return nil
	})
	require.ErrorIs(t, err, num.ErrOverflow)
	assert.True(t, v.Get().IsZero())
}

func TestExec_OtherPanicPropagates(t *testing.T) {
	l := New(NewManualClock(0))
	v := NewValue(0)

	assert.Panics(t, func() {
		_ = l.Exec(context.Background(), func(tx *Tx) error {
			v.Set(tx, 5)
			panic("unexpected")
		})
	})
	assert.Equal(t, 0, v.Get())
}

func TestSavepoint_PartialRollbackKeepsEarlierWrites(t *testing.T) {
	l := New(NewManualClock(0))
	status := NewMap[int, string]()
	var delivered []any
	l.OnCommit(func(_ context.Context, events []any) { delivered = events })

	require.NoError(t, l.Exec(context.Background(), func(tx *Tx) error {
		status.Set(tx, 1, "pending")
		tx.Emit("submitted")

		sp := tx.Savepoint()
		status.Set(tx, 1, "executed")
		status.Set(tx, 2, "position")
		tx.Emit("trade")
		tx.RollbackTo(sp)

		status.Set(tx, 1, "failed")
		tx.Emit("failed")
		return nil
	}))

	s, _ := status.Get(1)
	assert.Equal(t, "failed", s)
	assert.False(t, status.Has(2))
	assert.Equal(t, []any{"submitted", "failed"}, delivered)
}

func TestOnChange_FiresOncePerKeyWithFinalValue(t *testing.T) {
	l := New(NewManualClock(0))
	m := NewMap[string, int]()
	seen := map[string]int{}
	calls := 0
	m.OnChange(func(k string, v int, deleted bool) {
		calls++
		if deleted {
			seen[k] = -1
			return
		}
		seen[k] = v
	})

	require.NoError(t, l.Exec(context.Background(), func(tx *Tx) error {
		m.Set(tx, "a", 1)
		m.Set(tx, "a", 2)
		m.Set(tx, "b", 3)
		m.Delete(tx, "b")
		return nil
	}))
	assert.Equal(t, 2, calls)
	assert.Equal(t, map[string]int{"a": 2, "b": -1}, seen)

	calls = 0
	_ = l.Exec(context.Background(), func(tx *Tx) error {
		m.Set(tx, "a", 9)
		return errBoom
	})
	assert.Zero(t, calls, "reverted tx must not reach commit hooks")
}

func TestExec_TimestampFixedWithinTx(t *testing.T) {
	clock := NewManualClock(500)
	l := New(clock)
	require.NoError(t, l.Exec(context.Background(), func(tx *Tx) error {
		clock.Advance(10)
		assert.Equal(t, int64(500), tx.Now())
		return nil
	}))
}
