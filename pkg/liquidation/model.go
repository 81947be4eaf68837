// 文件: pkg/liquidation/model.go
// Keeper 任务与账户风险记录

package liquidation

import (
	"time"

	"max.com/perpcore/pkg/futures"
	"max.com/perpcore/pkg/num"
)

// =============================================================================
// 任务
// =============================================================================

// TaskKind 任务类型
type TaskKind uint8

const (
	TaskExecuteOrder        TaskKind = iota + 1 // 到期订单: 执行
	TaskCancelOrder                             // 过期订单: 取消
	TaskLiquidatePosition                       // 账户维持保证金不足: 逐个资产强平
	TaskLiquidateCollateral                     // 债务抵押不足: 清算非稳定币抵押品
)

func (k TaskKind) String() string {
	switch k {
	case TaskExecuteOrder:
		return "execute_order"
	case TaskCancelOrder:
		return "cancel_order"
	case TaskLiquidatePosition:
		return "liquidate_position"
	case TaskLiquidateCollateral:
		return "liquidate_collateral"
	}
	return "unknown"
}

// Task 一次扫描产生的待办
type Task struct {
	Kind    TaskKind
	OrderID int64
	Account string
}

// =============================================================================
// 账户风险记录 (监控名单)
// =============================================================================

// AccountRiskData 监控名单里的账户风险
//
// 全量扫描时写入，快速检查时只重新评估名单里的账户
type AccountRiskData struct {
	Account     string
	Level       futures.RiskLevel
	Equity      num.Int
	Maintenance num.Int
	Assets      []string // 持仓资产
	UpdatedAt   time.Time
}

func riskData(r futures.AccountRisk, positions []futures.Position, now time.Time) AccountRiskData {
	assets := make([]string, 0, len(positions))
	for _, p := range positions {
		assets = append(assets, p.Asset)
	}
	return AccountRiskData{
		Account:     r.Account,
		Level:       r.Level,
		Equity:      r.Equity,
		Maintenance: r.Maintenance,
		Assets:      assets,
		UpdatedAt:   now,
	}
}

// =============================================================================
// 统计
// =============================================================================

// Stats keeper 累计统计
type Stats struct {
	Scans                int64
	OrdersExecuted       int64
	OrdersFailed         int64 // 执行后状态为 FAILED (仍收到 keeper 费)
	OrdersCancelled      int64
	PositionsLiquidated  int64
	CollateralLiquidated int64
	Errors               int64
	Watched              int
	LastScanDuration     time.Duration
}
