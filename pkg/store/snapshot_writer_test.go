// 文件: pkg/store/snapshot_writer_test.go

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perpcore/pkg/config"
	"max.com/perpcore/pkg/futures"
	"max.com/perpcore/pkg/ledger"
	"max.com/perpcore/pkg/num"
	"max.com/perpcore/pkg/oracle"
	"max.com/perpcore/pkg/order"
)

// =============================================================================
// 测试辅助: 内存仓库
// =============================================================================

var errDown = errors.New("db down")

type memRepo struct {
	mu        sync.Mutex
	fail      bool
	balances  map[futures.BalanceKey]BalanceRow
	positions map[futures.PositionKey]PositionRow
	symbols   map[string]SymbolRow
	orders    map[int64]order.Order
	global    *GlobalRow
	events    map[int64]EventRow
	funds     map[int64]InsuranceFundLog
}

func newMemRepo() *memRepo {
	return &memRepo{
		balances:  make(map[futures.BalanceKey]BalanceRow),
		positions: make(map[futures.PositionKey]PositionRow),
		symbols:   make(map[string]SymbolRow),
		orders:    make(map[int64]order.Order),
		events:    make(map[int64]EventRow),
		funds:     make(map[int64]InsuranceFundLog),
	}
}

func (r *memRepo) setFail(v bool) {
	r.mu.Lock()
	r.fail = v
	r.mu.Unlock()
}

func (r *memRepo) guard() error {
	if r.fail {
		return errDown
	}
	return nil
}

func (r *memRepo) UpsertBalances(_ context.Context, rows []BalanceRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard(); err != nil {
		return err
	}
	for _, row := range rows {
		r.balances[futures.BalanceKey{Account: row.Account, Token: row.Token}] = row
	}
	return nil
}

func (r *memRepo) UpsertPositions(_ context.Context, rows []PositionRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		r.positions[futures.PositionKey{Account: row.Account, Asset: row.Asset}] = row
	}
	return nil
}

func (r *memRepo) DeletePositions(_ context.Context, keys []futures.PositionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		delete(r.positions, k)
	}
	return nil
}

func (r *memRepo) UpsertSymbols(_ context.Context, rows []SymbolRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		r.symbols[row.Symbol] = row
	}
	return nil
}

func (r *memRepo) UpsertOrders(_ context.Context, orders []order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range orders {
		r.orders[o.ID] = o
	}
	return nil
}

func (r *memRepo) SaveGlobal(_ context.Context, row GlobalRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = &row
	return nil
}

func (r *memRepo) InsertEvents(_ context.Context, rows []EventRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard(); err != nil {
		return err
	}
	for _, row := range rows {
		if _, ok := r.events[row.Seq]; !ok {
			r.events[row.Seq] = row
		}
	}
	return nil
}

func (r *memRepo) InsertInsuranceLogs(_ context.Context, rows []InsuranceFundLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		r.funds[row.Seq] = row
	}
	return nil
}

type recordingInvalidator struct {
	accounts []string
	symbols  []string
}

func (i *recordingInvalidator) Invalidate(_ context.Context, accounts, symbols []string) {
	i.accounts = append(i.accounts, accounts...)
	i.symbols = append(i.symbols, symbols...)
}

const testStart = int64(1_700_000_000)

func newTestMarket(t *testing.T, sink futures.SnapshotSink, opts ...futures.Option) (*futures.Market, *ledger.ManualClock) {
	t.Helper()
	clock := ledger.NewManualClock(testStart)
	prices := oracle.NewPriceService(clock, oracle.Config{MaxAge: 3600})
	require.NoError(t, prices.UpdatePrice("ETH", num.Wad(2000)))

	opts = append(opts,
		futures.WithSnapshotSink(sink),
		futures.WithIDGenerator(order.NewSequenceGenerator(1)))
	m := futures.NewMarket(ledger.New(clock), config.NewStore(), prices, opts...)
	require.NoError(t, m.Setup(context.Background(), config.Market{
		BaseToken:   "USDC",
		Assets:      []config.Asset{{Symbol: "ETH"}},
		Collaterals: []config.Collateral{{Symbol: "USDC", Decimals: 6}},
	}))
	return m, clock
}

func trade(t *testing.T, m *futures.Market, clock *ledger.ManualClock, account string, size num.Int) {
	t.Helper()
	acceptable := num.Wad(1_000_000)
	if size.IsNeg() {
		acceptable = num.One
	}
	o, err := m.SubmitOrder(context.Background(), futures.SubmitRequest{
		Account: account, Asset: "ETH", Size: size, AcceptablePrice: acceptable, KeeperFee: num.Zero,
	})
	require.NoError(t, err)
	clock.Advance(m.Params().Seconds(config.Global, config.MinOrderDelay))
	_, err = m.ExecuteOrder(context.Background(), "keeper", o.ID, nil)
	require.NoError(t, err)
}

// =============================================================================
// 测试
// =============================================================================

func TestSnapshotWriterCapturesCommittedState(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	inv := &recordingInvalidator{}
	w := NewSnapshotWriter(repo, inv, DefaultSnapshotWriterConfig())
	m, clock := newTestMarket(t, w)

	_, err := m.AddLiquidity(ctx, "lp", num.MustParseBase("100000"), num.Zero, "lp")
	require.NoError(t, err)
	require.NoError(t, m.DepositMargin(ctx, "alice", "USDC", num.MustParseBase("1000"), ""))
	trade(t, m, clock, "alice", num.Wad(1))
	require.NoError(t, w.Flush(ctx))

	bal := repo.balances[futures.BalanceKey{Account: "alice", Token: "USDC"}]
	assert.Equal(t, m.CollateralBalance("alice", "USDC").String(), bal.Amount.String())

	row, ok := repo.positions[futures.PositionKey{Account: "alice", Asset: "ETH"}]
	require.True(t, ok)
	assert.Equal(t, num.Wad(1).String(), row.Size.String())
	assert.Equal(t, m.Position("alice", "ETH").Cost.String(), row.Cost.String())

	sym, ok := repo.symbols["ETH"]
	require.True(t, ok)
	assert.Equal(t, num.Wad(1).String(), sym.NetSize.String())

	require.Len(t, repo.orders, 1)
	assert.Equal(t, order.StatusExecuted, repo.orders[1].Status)

	require.NotNil(t, repo.global)
	assert.Equal(t, m.GlobalState().LpBalance.String(), repo.global.LpBalance.String())
	assert.Contains(t, inv.accounts, "alice")
	assert.Contains(t, inv.symbols, "ETH")
	assert.Zero(t, w.Pending())

	// 平仓后持仓行被删除
	trade(t, m, clock, "alice", num.Wad(-1))
	require.NoError(t, w.Flush(ctx))
	_, ok = repo.positions[futures.PositionKey{Account: "alice", Asset: "ETH"}]
	assert.False(t, ok)
	assert.Len(t, repo.orders, 2)
}

func TestSnapshotWriterSkipsRejectedTx(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	w := NewSnapshotWriter(repo, nil, DefaultSnapshotWriterConfig())
	m, _ := newTestMarket(t, w)

	err := m.WithdrawMargin(ctx, "bob", "USDC", num.New(1))
	require.Error(t, err)
	require.NoError(t, w.Flush(ctx))
	assert.Empty(t, repo.balances)
}

func TestSnapshotWriterRetriesFailedBatch(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	w := NewSnapshotWriter(repo, nil, DefaultSnapshotWriterConfig())

	w.SaveBalance(futures.BalanceRecord{Account: "alice", Token: "USDC", Amount: num.New(1)})
	repo.setFail(true)
	assert.ErrorIs(t, w.Flush(ctx), errDown)
	assert.Equal(t, 1, w.Pending())

	// 失败期间的新值优先于失败批次里的旧值
	w.SaveBalance(futures.BalanceRecord{Account: "alice", Token: "USDC", Amount: num.New(2)})
	w.SaveBalance(futures.BalanceRecord{Account: "bob", Token: "USDC", Amount: num.New(3)})
	repo.setFail(false)
	require.NoError(t, w.Flush(ctx))

	assert.Equal(t, "2", repo.balances[futures.BalanceKey{Account: "alice", Token: "USDC"}].Amount.String())
	assert.Equal(t, "3", repo.balances[futures.BalanceKey{Account: "bob", Token: "USDC"}].Amount.String())
	assert.Equal(t, int64(1), w.Stats().ErrorCount)
	assert.Equal(t, int64(1), w.Stats().FlushCount)
}

func TestSnapshotWriterFlushesOnStop(t *testing.T) {
	repo := newMemRepo()
	cfg := DefaultSnapshotWriterConfig()
	cfg.FlushInterval = time.Hour
	w := NewSnapshotWriter(repo, nil, cfg)
	w.Start(context.Background())

	w.SaveSymbol(futures.SymbolState{Symbol: "ETH", NetSize: num.Wad(3)})
	w.Stop()

	require.Contains(t, repo.symbols, "ETH")
	assert.Equal(t, num.Wad(3).String(), repo.symbols["ETH"].NetSize.String())
}
