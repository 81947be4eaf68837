// 文件: pkg/api/server.go
// HTTP 接口 - chi 路由
//
// 路由:
//
//	/api/v1/accounts/{account}           账户视图 / 存取 / 结算 / 历史事件 / 历史订单
//	/api/v1/orders                       下单 / 查询 / 执行 / 取消
//	/api/v1/liquidations                 持仓清算 / 抵押品清算
//	/api/v1/liquidity                    LP 存取
//	/api/v1/markets, /api/v1/pool        市场与资金池状态
//	/api/v1/admin                        参数 / 资产 / 抵押品
//	/api/v1/prices                       价格更新包
//	/metrics, /health
//
// 金额在请求里是十进制数，按单位换算: 仓位和价格是 WAD，
// 稳定币金额是原生精度，抵押品按各自 decimals

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"max.com/perpcore/pkg/futures"
	"max.com/perpcore/pkg/liquidation"
	"max.com/perpcore/pkg/metrics"
	"max.com/perpcore/pkg/oracle"
	"max.com/perpcore/pkg/store"
)

// Server HTTP 服务
type Server struct {
	market  *futures.Market
	prices  oracle.Updater
	history store.Reader
	keeper  *liquidation.Keeper
	log     *zap.Logger
}

type Option func(*Server)

// WithPriceUpdater 开启 POST /prices
func WithPriceUpdater(u oracle.Updater) Option {
	return func(s *Server) { s.prices = u }
}

// WithReader 开启历史事件查询
func WithReader(r store.Reader) Option {
	return func(s *Server) { s.history = r }
}

// WithKeeper 开启 keeper 状态查询
func WithKeeper(k *liquidation.Keeper) Option {
	return func(s *Server) { s.keeper = k }
}

func NewServer(m *futures.Market, opts ...Option) *Server {
	s := &Server{
		market: m,
		log:    zap.L().Named("api"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router 构建路由
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observe)

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/accounts/{account}", func(r chi.Router) {
			r.Get("/", s.getAccount)
			r.Get("/history", s.getHistory)
			r.Get("/orders", s.getOrderHistory)
			r.Post("/deposit", s.deposit)
			r.Post("/withdraw", s.withdraw)
			r.Post("/settle", s.settle)
		})

		r.Post("/orders", s.submitOrder)
		r.Route("/orders/{orderID}", func(r chi.Router) {
			r.Get("/", s.getOrder)
			r.Post("/execute", s.executeOrder)
			r.Post("/cancel", s.cancelOrder)
		})

		r.Post("/liquidations/positions", s.liquidatePosition)
		r.Post("/liquidations/collateral", s.liquidateCollateral)

		r.Post("/liquidity/add", s.addLiquidity)
		r.Post("/liquidity/remove", s.removeLiquidity)

		r.Get("/markets", s.listMarkets)
		r.Get("/markets/{asset}", s.getMarket)
		r.Get("/pool", s.getPool)
		r.Get("/keeper", s.getKeeper)

		r.Post("/prices", s.updatePrices)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/params", s.setParam)
			r.Post("/assets", s.addAsset)
			r.Delete("/assets/{asset}", s.removeAsset)
			r.Post("/collaterals", s.addCollateral)
		})
	})
	return r
}

// observe 按路由模板记录耗时
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = r.Method + " " + rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   s.market.Now(),
	})
}
