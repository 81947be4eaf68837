package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perpcore/pkg/num"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{StatusNone, StatusPending, true},
		{StatusNone, StatusExecuted, false},
		{StatusPending, StatusExecuted, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusPending, false},
		{StatusExecuted, StatusExecuted, false},
		{StatusExecuted, StatusCancelled, false},
		{StatusFailed, StatusExecuted, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTransition_TerminalIsImmutable(t *testing.T) {
	o := Order{ID: 7, Status: StatusPending}
	done, err := o.Transition(StatusExecuted, 100)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, done.Status)
	assert.Equal(t, StatusPending, o.Status, "transition returns a copy")

	_, err = done.Transition(StatusExecuted, 101)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPriceAcceptable(t *testing.T) {
	long := Order{Size: num.Wad(1), AcceptablePrice: num.Wad(2000)}
	assert.True(t, long.PriceAcceptable(num.Wad(1999)))
	assert.True(t, long.PriceAcceptable(num.Wad(2000)))
	assert.False(t, long.PriceAcceptable(num.Wad(2001)))

	short := Order{Size: num.Wad(-1), AcceptablePrice: num.Wad(2000)}
	assert.True(t, short.PriceAcceptable(num.Wad(2001)))
	assert.False(t, short.PriceAcceptable(num.Wad(1999)))
}

func TestReadyAndExpiry(t *testing.T) {
	o := Order{SubmitTime: 100, ExecutableAt: 103, Expiry: 400}
	assert.False(t, o.IsReady(102))
	assert.True(t, o.IsReady(103))
	assert.False(t, o.IsExpired(400))
	assert.True(t, o.IsExpired(401))
}

func TestGenerators(t *testing.T) {
	seq := NewSequenceGenerator(10)
	assert.Equal(t, int64(10), seq.NextID())
	assert.Equal(t, int64(11), seq.NextID())

	a := SnowflakeGenerator{}.NextID()
	b := SnowflakeGenerator{}.NextID()
	assert.NotEqual(t, a, b)
	assert.Greater(t, b, a)
}
