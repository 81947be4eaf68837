// 文件: pkg/store/journal_writer_test.go

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perpcore/pkg/event"
	"max.com/perpcore/pkg/num"
)

func envelope(t *testing.T, ev event.Event) event.Envelope {
	t.Helper()
	data, err := event.Encode(ev)
	require.NoError(t, err)
	env, err := event.Decode(data)
	require.NoError(t, err)
	return env
}

func TestJournalWriterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	w := NewJournalWriter(repo, DefaultJournalWriterConfig())

	dep := envelope(t, event.Event{Seq: 1, Type: event.TypeCollateralDeposited, Account: "alice", Timestamp: testStart,
		Data: event.CollateralChange{Token: "USDC", Amount: num.New(1_000_000)}})
	require.NoError(t, w.Handle(ctx, dep))
	require.NoError(t, w.Handle(ctx, dep)) // 重复投递
	require.NoError(t, w.Flush(ctx))

	require.Len(t, repo.events, 1)
	row := repo.events[1]
	assert.Equal(t, "alice", row.Account)
	assert.Equal(t, string(event.TypeCollateralDeposited), row.Type)
	assert.JSONEq(t, `{"token":"USDC","amount":"1000000"}`, string(row.Data))
	assert.Equal(t, int64(2), w.Stats().ReceivedCount)
	assert.Empty(t, repo.funds)
}

func TestJournalWriterDerivesInsuranceLogs(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	w := NewJournalWriter(repo, DefaultJournalWriterConfig())

	require.NoError(t, w.Handle(ctx, envelope(t, event.Event{Seq: 10, Type: event.TypePositionLiquidated, Account: "bob",
		Data: event.PositionLiquidated{Asset: "ETH", ToInsurance: num.MustParseBase("42.885")}})))
	require.NoError(t, w.Handle(ctx, envelope(t, event.Event{Seq: 11, Type: event.TypeDeficitLoss, Account: "bob",
		Data: event.DeficitLoss{Amount: num.MustParse("491.525"), InsuranceCovered: num.MustParse("41.625")}})))
	require.NoError(t, w.Handle(ctx, envelope(t, event.Event{Seq: 12, Type: event.TypeDeficitLoss, Account: "carol",
		Data: event.DeficitLoss{Amount: num.Wad(5), InsuranceCovered: num.Zero, LpLoss: num.Wad(5)}})))
	require.NoError(t, w.Flush(ctx))

	require.Len(t, repo.funds, 2)
	assert.Equal(t, "penalty", repo.funds[10].Kind)
	assert.Equal(t, num.MustParse("42.885").String(), repo.funds[10].Amount.String())
	assert.Equal(t, "deficit", repo.funds[11].Kind)
	assert.Equal(t, num.MustParse("-41.625").String(), repo.funds[11].Amount.String())
	assert.Len(t, repo.events, 3)
}

func TestJournalWriterRejectsBadPayload(t *testing.T) {
	w := NewJournalWriter(newMemRepo(), DefaultJournalWriterConfig())
	err := w.Handle(context.Background(), event.Envelope{Seq: 1, Type: event.TypeDeficitLoss, Data: []byte(`{"amount":"x"}`)})
	assert.Error(t, err)
	assert.Equal(t, int64(1), w.Stats().ErrorCount)
}

func TestJournalWriterKeepsBatchOnFailure(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	w := NewJournalWriter(repo, DefaultJournalWriterConfig())

	require.NoError(t, w.HandleEvent(envelope(t, event.Event{Seq: 1, Type: event.TypeOrderSubmitted, Account: "a"})))
	repo.setFail(true)
	assert.ErrorIs(t, w.Flush(ctx), errDown)

	require.NoError(t, w.HandleEvent(envelope(t, event.Event{Seq: 2, Type: event.TypeOrderExecuted, Account: "a"})))
	repo.setFail(false)
	require.NoError(t, w.Flush(ctx))

	assert.Len(t, repo.events, 2)
	assert.Equal(t, int64(2), w.Stats().WrittenCount)
	assert.Equal(t, int64(1), w.Stats().BatchCount)
}
