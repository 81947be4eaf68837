// 文件: pkg/metrics/metrics.go
// Prometheus 指标

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal 订单终态计数 (submitted/executed/failed/cancelled)
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_orders_total",
		Help: "Orders by lifecycle transition",
	}, []string{"asset", "status"})

	// TxRejected 被回滚的事务
	TxRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_tx_rejected_total",
		Help: "Reverted transactions by operation",
	}, []string{"op"})

	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Liquidations by kind (position/collateral)",
	}, []string{"kind"})

	// DeficitLoss 累计穿仓损失 (USD)
	DeficitLoss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_deficit_loss_usd_total",
		Help: "Cumulative deficit written off (USD)",
	})

	InsuranceFund = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_insurance_fund_usd",
		Help: "Insurance fund balance (USD)",
	})

	LpNetValue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_lp_net_value_usd",
		Help: "LP pool net value (USD)",
	})

	TotalDebt = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_total_debt_usd",
		Help: "Outstanding base collateral debt (USD)",
	})

	// EventsPublished 事件发布结果
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_events_published_total",
		Help: "Events handed to sinks by sink and result",
	}, []string{"sink", "result"})

	// SnapshotRows 快照落库行数
	SnapshotRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_snapshot_rows_total",
		Help: "Snapshot rows flushed to storage by table and result",
	}, []string{"table", "result"})

	// KeeperActions keeper 扫描后发起的操作
	KeeperActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_keeper_actions_total",
		Help: "Keeper actions by kind and result",
	}, []string{"action", "result"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})

	// PriceTicksDropped 订阅者跟不上被丢弃的价格推送
	PriceTicksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_price_ticks_dropped_total",
		Help: "Price updates dropped by slow subscribers",
	}, []string{"subscriber"})
)

// Handler /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
