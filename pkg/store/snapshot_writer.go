// 文件: pkg/store/snapshot_writer.go
// 快照写入器 - 实现 futures.SnapshotSink
//
// 账本提交回调只往内存缓冲里放最新值 (同 key 覆盖)，
// 后台协程按间隔或缓冲大小批量落库:
// - 同一条记录在一个批次内只写最终状态
// - 写失败的批次合并回缓冲，下次重试 (缓冲里更新的值优先)

package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"max.com/perpcore/pkg/futures"
	"max.com/perpcore/pkg/metrics"
	"max.com/perpcore/pkg/order"
)

var _ futures.SnapshotSink = (*SnapshotWriter)(nil)

// Invalidator 落库后失效读缓存
type Invalidator interface {
	Invalidate(ctx context.Context, accounts, symbols []string)
}

// SnapshotWriterConfig 配置
type SnapshotWriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// DefaultSnapshotWriterConfig 默认配置
func DefaultSnapshotWriterConfig() SnapshotWriterConfig {
	return SnapshotWriterConfig{
		BatchSize:     500,
		FlushInterval: 500 * time.Millisecond,
		WriteTimeout:  10 * time.Second,
	}
}

// SnapshotWriterStats 写入统计
type SnapshotWriterStats struct {
	FlushCount int64
	RowCount   int64
	ErrorCount int64
}

type snapshotBatch struct {
	balances  map[futures.BalanceKey]BalanceRow
	positions map[futures.PositionKey]*futures.Position // nil = 删除
	symbols   map[string]futures.SymbolState
	orders    map[int64]order.Order
	global    *futures.GlobalSnapshot
}

func newSnapshotBatch() *snapshotBatch {
	return &snapshotBatch{
		balances:  make(map[futures.BalanceKey]BalanceRow),
		positions: make(map[futures.PositionKey]*futures.Position),
		symbols:   make(map[string]futures.SymbolState),
		orders:    make(map[int64]order.Order),
	}
}

func (b *snapshotBatch) size() int {
	n := len(b.balances) + len(b.positions) + len(b.symbols) + len(b.orders)
	if b.global != nil {
		n++
	}
	return n
}

// mergeOlder 把旧批次并回来，已有的 (更新的) key 不覆盖
func (b *snapshotBatch) mergeOlder(old *snapshotBatch) {
	for k, v := range old.balances {
		if _, ok := b.balances[k]; !ok {
			b.balances[k] = v
		}
	}
	for k, v := range old.positions {
		if _, ok := b.positions[k]; !ok {
			b.positions[k] = v
		}
	}
	for k, v := range old.symbols {
		if _, ok := b.symbols[k]; !ok {
			b.symbols[k] = v
		}
	}
	for k, v := range old.orders {
		if _, ok := b.orders[k]; !ok {
			b.orders[k] = v
		}
	}
	if b.global == nil {
		b.global = old.global
	}
}

// SnapshotWriter 快照写入器
type SnapshotWriter struct {
	repo  SnapshotRepository
	cache Invalidator
	cfg   SnapshotWriterConfig
	log   *zap.Logger

	mu      sync.Mutex
	pending *snapshotBatch
	stats   SnapshotWriterStats

	flushCh chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSnapshotWriter 创建写入器，cache 可为 nil
func NewSnapshotWriter(repo SnapshotRepository, cache Invalidator, cfg SnapshotWriterConfig) *SnapshotWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSnapshotWriterConfig().BatchSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultSnapshotWriterConfig().WriteTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultSnapshotWriterConfig().FlushInterval
	}
	return &SnapshotWriter{
		repo:    repo,
		cache:   cache,
		cfg:     cfg,
		log:     zap.L().Named("snapshot"),
		pending: newSnapshotBatch(),
		flushCh: make(chan struct{}, 1),
	}
}

// =============================================================================
// futures.SnapshotSink (在账本提交路径上调用，只写内存)
// =============================================================================

func (w *SnapshotWriter) SaveBalance(b futures.BalanceRecord) {
	w.put(func(p *snapshotBatch) {
		k := futures.BalanceKey{Account: b.Account, Token: b.Token}
		p.balances[k] = BalanceRow{Account: b.Account, Token: b.Token, Amount: b.Amount}
	})
}

func (w *SnapshotWriter) SavePosition(pos futures.Position) {
	w.put(func(p *snapshotBatch) {
		p.positions[futures.PositionKey{Account: pos.Account, Asset: pos.Asset}] = &pos
	})
}

func (w *SnapshotWriter) DeletePosition(k futures.PositionKey) {
	w.put(func(p *snapshotBatch) {
		p.positions[k] = nil
	})
}

func (w *SnapshotWriter) SaveSymbol(s futures.SymbolState) {
	w.put(func(p *snapshotBatch) {
		p.symbols[s.Symbol] = s
	})
}

func (w *SnapshotWriter) SaveOrder(o order.Order) {
	w.put(func(p *snapshotBatch) {
		p.orders[o.ID] = o
	})
}

func (w *SnapshotWriter) SaveGlobal(g futures.GlobalSnapshot) {
	w.put(func(p *snapshotBatch) {
		p.global = &g
	})
}

func (w *SnapshotWriter) put(fn func(p *snapshotBatch)) {
	w.mu.Lock()
	fn(w.pending)
	full := w.pending.size() >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

// Pending 缓冲中的记录数
func (w *SnapshotWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending.size()
}

// =============================================================================
// 批量写入
// =============================================================================

// Flush 立即把缓冲写库
func (w *SnapshotWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.pending
	w.pending = newSnapshotBatch()
	w.mu.Unlock()

	if batch.size() == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()

	if err := w.write(ctx, batch); err != nil {
		w.mu.Lock()
		w.pending.mergeOlder(batch)
		w.stats.ErrorCount++
		w.mu.Unlock()
		w.log.Error("flush snapshot", zap.Int("rows", batch.size()), zap.Error(err))
		return err
	}

	w.mu.Lock()
	w.stats.FlushCount++
	w.stats.RowCount += int64(batch.size())
	w.mu.Unlock()

	if w.cache != nil {
		w.cache.Invalidate(ctx, batch.accounts(), batch.symbolNames())
	}
	return nil
}

func (w *SnapshotWriter) write(ctx context.Context, b *snapshotBatch) error {
	now := time.Now()

	balances := make([]BalanceRow, 0, len(b.balances))
	for _, row := range b.balances {
		row.UpdatedAt = now
		balances = append(balances, row)
	}
	if err := track("balances", len(balances), w.repo.UpsertBalances(ctx, balances)); err != nil {
		return err
	}

	var upserts []PositionRow
	var deletes []futures.PositionKey
	for k, p := range b.positions {
		if p == nil {
			deletes = append(deletes, k)
			continue
		}
		row := positionRow(*p)
		row.UpdatedAt = now
		upserts = append(upserts, row)
	}
	if err := track("positions", len(upserts), w.repo.UpsertPositions(ctx, upserts)); err != nil {
		return err
	}
	if err := track("positions_deleted", len(deletes), w.repo.DeletePositions(ctx, deletes)); err != nil {
		return err
	}

	symbols := make([]SymbolRow, 0, len(b.symbols))
	for _, s := range b.symbols {
		row, err := symbolRow(s, now)
		if err != nil {
			return err
		}
		symbols = append(symbols, row)
	}
	if err := track("symbols", len(symbols), w.repo.UpsertSymbols(ctx, symbols)); err != nil {
		return err
	}

	orders := make([]order.Order, 0, len(b.orders))
	for _, o := range b.orders {
		orders = append(orders, o)
	}
	if err := track("orders", len(orders), w.repo.UpsertOrders(ctx, orders)); err != nil {
		return err
	}

	if b.global != nil {
		row, err := globalRow(*b.global, now)
		if err != nil {
			return err
		}
		if err := track("global", 1, w.repo.SaveGlobal(ctx, row)); err != nil {
			return err
		}
	}
	return nil
}

func track(table string, rows int, err error) error {
	if rows == 0 {
		return err
	}
	if err != nil {
		metrics.SnapshotRows.WithLabelValues(table, "error").Add(float64(rows))
		return err
	}
	metrics.SnapshotRows.WithLabelValues(table, "ok").Add(float64(rows))
	return nil
}

func (b *snapshotBatch) accounts() []string {
	seen := make(map[string]struct{})
	for k := range b.balances {
		seen[k.Account] = struct{}{}
	}
	for k := range b.positions {
		seen[k.Account] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	return out
}

func (b *snapshotBatch) symbolNames() []string {
	out := make([]string, 0, len(b.symbols))
	for s := range b.symbols {
		out = append(out, s)
	}
	return out
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动定时刷新
func (w *SnapshotWriter) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				// 最后刷新一次
				_ = w.Flush(context.Background())
				return
			case <-ticker.C:
				_ = w.Flush(ctx)
			case <-w.flushCh:
				_ = w.Flush(ctx)
			}
		}
	}()
}

// Stop 停止并刷掉剩余缓冲
func (w *SnapshotWriter) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// Stats 获取统计
func (w *SnapshotWriter) Stats() SnapshotWriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
