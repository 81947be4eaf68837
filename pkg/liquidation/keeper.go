// 文件: pkg/liquidation/keeper.go
// Keeper - 订单执行 / 取消 + 清算
//
// 架构:
//
//	┌──────────────────────────────────────────────┐
//	│                   Keeper                     │
//	│                                              │
//	│  全量扫描 (Interval)    名单检查 (FastInterval │
//	│  ├ 到期订单 -> 执行      或行情触发)            │
//	│  ├ 过期订单 -> 取消      └ 预警/危险账户        │
//	│  ├ 持仓账户 -> 评估                            │
//	│  └ 债务账户 -> 抵押检查                         │
//	│                 │                            │
//	│            ants 协程池执行任务                  │
//	└──────────────────────────────────────────────┘
//
// 每个操作在 Market 内是一个独立事务，失败只影响单个任务

package liquidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"max.com/perpcore/pkg/event"
	"max.com/perpcore/pkg/futures"
	"max.com/perpcore/pkg/metrics"
	"max.com/perpcore/pkg/num"
	"max.com/perpcore/pkg/oracle"
	"max.com/perpcore/pkg/order"
)

// =============================================================================
// 依赖
// =============================================================================

// Market keeper 需要的市场操作 (*futures.Market 实现)
type Market interface {
	ExecutableOrders() []int64
	ExpiredOrders() []int64
	ExecuteOrder(ctx context.Context, keeper string, id int64, updates []oracle.Update) (order.Order, error)
	CancelOrder(ctx context.Context, keeper string, id int64) (order.Order, error)

	Accounts() []string
	AccountRisk(ctx context.Context, account string) (futures.AccountRisk, error)
	OpenPositions(account string) []futures.Position
	LiquidatePosition(ctx context.Context, liquidator, account, asset string) (event.PositionLiquidated, error)

	BaseToken() string
	DebtorAccounts() []string
	CollateralBalance(account, token string) num.Int
	CollateralTokens(account string) []string
	IsCollateralLiquidatable(ctx context.Context, account string) (bool, error)
	MaxCollateralLiquidation(ctx context.Context, account, token string) (num.Int, error)
	Liquidate(ctx context.Context, liquidator, account, token string, baseAmount num.Int) (event.CollateralLiquidated, error)
}

var _ Market = (*futures.Market)(nil)

// =============================================================================
// 配置
// =============================================================================

const (
	DefaultScanInterval  = 5 * time.Second
	DefaultFastInterval  = 500 * time.Millisecond
	DefaultKeeperWorkers = 10
)

// Config keeper 配置
type Config struct {
	Account      string        // keeper 账户，收取 keeper 费和清算费
	Interval     time.Duration // 全量扫描间隔
	FastInterval time.Duration // 监控名单检查间隔
	Workers      int           // 协程池大小
}

// DefaultConfig 默认配置
func DefaultConfig(account string) Config {
	return Config{
		Account:      account,
		Interval:     DefaultScanInterval,
		FastInterval: DefaultFastInterval,
		Workers:      DefaultKeeperWorkers,
	}
}

// =============================================================================
// Keeper
// =============================================================================

// Keeper 后台执行器
type Keeper struct {
	market Market
	cfg    Config
	pool   *ants.Pool
	watch  *Watchlist
	log    *zap.Logger

	mu    sync.Mutex
	stats Stats

	triggerCh chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewKeeper 创建 keeper
func NewKeeper(market Market, cfg Config) (*Keeper, error) {
	if cfg.Account == "" {
		return nil, errors.New("keeper account is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultKeeperWorkers
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultScanInterval
	}
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = DefaultFastInterval
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Keeper{
		market:    market,
		cfg:       cfg,
		pool:      pool,
		watch:     NewWatchlist(),
		log:       zap.L().Named("keeper"),
		triggerCh: make(chan struct{}, 1),
	}, nil
}

// Watchlist 监控名单
func (k *Keeper) Watchlist() *Watchlist {
	return k.watch
}

// =============================================================================
// 扫描
// =============================================================================

// Scan 全量扫描一次并执行全部任务
func (k *Keeper) Scan(ctx context.Context) {
	start := time.Now()
	tasks := k.collect(ctx)
	k.run(ctx, tasks)

	elapsed := time.Since(start)
	k.mu.Lock()
	k.stats.Scans++
	k.stats.Watched = k.watch.Len()
	k.stats.LastScanDuration = elapsed
	k.mu.Unlock()

	if len(tasks) > 0 {
		k.log.Info("scan completed",
			zap.Int("tasks", len(tasks)),
			zap.Int("watched", k.watch.Len()),
			zap.Duration("elapsed", elapsed))
	}
}

func (k *Keeper) collect(ctx context.Context) []Task {
	var tasks []Task
	for _, id := range k.market.ExecutableOrders() {
		tasks = append(tasks, Task{Kind: TaskExecuteOrder, OrderID: id})
	}
	for _, id := range k.market.ExpiredOrders() {
		tasks = append(tasks, Task{Kind: TaskCancelOrder, OrderID: id})
	}

	now := time.Now()
	accounts := k.market.Accounts()
	results := make([]AccountRiskData, 0, len(accounts))
	for _, acct := range accounts {
		r, err := k.market.AccountRisk(ctx, acct)
		if err != nil {
			k.log.Warn("evaluate account", zap.String("account", acct), zap.Error(err))
			continue
		}
		if r.Liquidatable() {
			tasks = append(tasks, Task{Kind: TaskLiquidatePosition, Account: acct})
			continue
		}
		results = append(results, riskData(r, k.market.OpenPositions(acct), now))
	}
	k.watch.Replace(results)

	for _, acct := range k.market.DebtorAccounts() {
		ok, err := k.market.IsCollateralLiquidatable(ctx, acct)
		if err != nil {
			k.log.Warn("evaluate debtor", zap.String("account", acct), zap.Error(err))
			continue
		}
		if ok {
			tasks = append(tasks, Task{Kind: TaskLiquidateCollateral, Account: acct})
		}
	}
	return tasks
}

// CheckWatchlist 只重新评估监控名单里的账户
func (k *Keeper) CheckWatchlist(ctx context.Context) {
	accounts := k.watch.Accounts()
	if len(accounts) == 0 {
		return
	}
	now := time.Now()
	var tasks []Task
	results := make([]AccountRiskData, 0, len(accounts))
	for _, acct := range accounts {
		r, err := k.market.AccountRisk(ctx, acct)
		if err != nil {
			continue
		}
		if r.Liquidatable() {
			tasks = append(tasks, Task{Kind: TaskLiquidatePosition, Account: acct})
		}
		results = append(results, riskData(r, k.market.OpenPositions(acct), now))
	}
	k.watch.Update(results)
	k.run(ctx, tasks)
}

// Trigger 行情变化后请求一次名单检查 (非阻塞，可在任意协程调用)
func (k *Keeper) Trigger() {
	select {
	case k.triggerCh <- struct{}{}:
	default:
	}
}

// =============================================================================
// 任务执行
// =============================================================================

func (k *Keeper) run(ctx context.Context, tasks []Task) {
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		err := k.pool.Submit(func() {
			defer wg.Done()
			k.handle(ctx, t)
		})
		if err != nil {
			wg.Done()
			k.record(t.Kind, err)
			k.log.Error("submit task", zap.String("kind", t.Kind.String()), zap.Error(err))
		}
	}
	wg.Wait()
}

func (k *Keeper) handle(ctx context.Context, t Task) {
	switch t.Kind {
	case TaskExecuteOrder:
		o, err := k.market.ExecuteOrder(ctx, k.cfg.Account, t.OrderID, nil)
		k.record(t.Kind, err)
		if err != nil {
			k.log.Debug("execute order", zap.Int64("order_id", t.OrderID), zap.Error(err))
			return
		}
		k.mu.Lock()
		if o.Status == order.StatusFailed {
			k.stats.OrdersFailed++
		} else {
			k.stats.OrdersExecuted++
		}
		k.mu.Unlock()

	case TaskCancelOrder:
		_, err := k.market.CancelOrder(ctx, k.cfg.Account, t.OrderID)
		k.record(t.Kind, err)
		if err != nil {
			k.log.Debug("cancel order", zap.Int64("order_id", t.OrderID), zap.Error(err))
			return
		}
		k.mu.Lock()
		k.stats.OrdersCancelled++
		k.mu.Unlock()

	case TaskLiquidatePosition:
		k.liquidatePositions(ctx, t.Account)

	case TaskLiquidateCollateral:
		k.liquidateCollateral(ctx, t.Account)
	}
}

// liquidatePositions 逐个资产强平，账户恢复健康即停止
func (k *Keeper) liquidatePositions(ctx context.Context, account string) {
	for _, p := range k.market.OpenPositions(account) {
		rec, err := k.market.LiquidatePosition(ctx, k.cfg.Account, account, p.Asset)
		if errors.Is(err, futures.ErrNotLiquidatable) {
			return
		}
		k.record(TaskLiquidatePosition, err)
		if err != nil {
			k.log.Warn("liquidate position",
				zap.String("account", account),
				zap.String("asset", p.Asset),
				zap.Error(err))
			continue
		}
		k.mu.Lock()
		k.stats.PositionsLiquidated++
		k.mu.Unlock()
		k.log.Info("position liquidated",
			zap.String("account", account),
			zap.String("asset", rec.Asset),
			zap.String("fee", rec.Fee.String()))
	}
	k.watch.Remove(account)
}

// liquidateCollateral 用 keeper 的稳定币买走债务人的抵押品
func (k *Keeper) liquidateCollateral(ctx context.Context, account string) {
	budget := k.market.CollateralBalance(k.cfg.Account, k.market.BaseToken())
	for _, token := range k.market.CollateralTokens(account) {
		if !budget.IsPos() {
			k.log.Warn("keeper out of base balance", zap.String("account", account))
			return
		}
		max, err := k.market.MaxCollateralLiquidation(ctx, account, token)
		if err != nil {
			k.record(TaskLiquidateCollateral, err)
			continue
		}
		amount := num.Min(max, budget)
		if !amount.IsPos() {
			continue
		}
		rec, err := k.market.Liquidate(ctx, k.cfg.Account, account, token, amount)
		if errors.Is(err, futures.ErrNotLiquidatable) || errors.Is(err, futures.ErrNoDebt) {
			return
		}
		k.record(TaskLiquidateCollateral, err)
		if err != nil {
			k.log.Warn("liquidate collateral",
				zap.String("account", account),
				zap.String("token", token),
				zap.Error(err))
			continue
		}
		budget = budget.Sub(amount)
		k.mu.Lock()
		k.stats.CollateralLiquidated++
		k.mu.Unlock()
		k.log.Info("collateral liquidated",
			zap.String("account", account),
			zap.String("token", token),
			zap.String("base_amount", rec.BaseAmount.String()),
			zap.String("seized", rec.Seized.String()))
	}
}

func (k *Keeper) record(kind TaskKind, err error) {
	if err != nil {
		metrics.KeeperActions.WithLabelValues(kind.String(), "error").Inc()
		k.mu.Lock()
		k.stats.Errors++
		k.mu.Unlock()
		return
	}
	metrics.KeeperActions.WithLabelValues(kind.String(), "ok").Inc()
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动后台循环，启动时立即全量扫描一次
func (k *Keeper) Start(ctx context.Context) {
	ctx, k.cancel = context.WithCancel(ctx)
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.Scan(ctx)

		full := time.NewTicker(k.cfg.Interval)
		fast := time.NewTicker(k.cfg.FastInterval)
		defer full.Stop()
		defer fast.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-full.C:
				k.Scan(ctx)
			case <-fast.C:
				k.CheckWatchlist(ctx)
			case <-k.triggerCh:
				k.CheckWatchlist(ctx)
			}
		}
	}()
	k.log.Info("keeper started",
		zap.String("account", k.cfg.Account),
		zap.Duration("interval", k.cfg.Interval),
		zap.Int("workers", k.cfg.Workers))
}

// Stop 停止并释放协程池
func (k *Keeper) Stop() {
	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
	k.pool.Release()
	k.log.Info("keeper stopped")
}

// Stats 获取统计
func (k *Keeper) Stats() Stats {
	k.mu.Lock()
	defer k.mu.Unlock()
	s := k.stats
	s.Watched = k.watch.Len()
	return s
}
