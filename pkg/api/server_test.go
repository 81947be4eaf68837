// 文件: pkg/api/server_test.go

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perpcore/pkg/config"
	"max.com/perpcore/pkg/futures"
	"max.com/perpcore/pkg/ledger"
	"max.com/perpcore/pkg/num"
	"max.com/perpcore/pkg/oracle"
	"max.com/perpcore/pkg/order"
	"max.com/perpcore/pkg/store"
)

// =============================================================================
// 测试辅助
// =============================================================================

type testEnv struct {
	t      *testing.T
	clock  *ledger.ManualClock
	prices *oracle.PriceService
	m      *futures.Market
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := ledger.NewManualClock(1_700_000_000)
	prices := oracle.NewPriceService(clock, oracle.Config{MaxAge: 60})
	require.NoError(t, prices.UpdatePrice("ETH", num.Wad(2000)))

	m := futures.NewMarket(ledger.New(clock), config.NewStore(), prices,
		futures.WithIDGenerator(order.NewSequenceGenerator(1)))
	require.NoError(t, m.Setup(context.Background(), config.Market{
		BaseToken:   "USDC",
		Assets:      []config.Asset{{Symbol: "ETH"}},
		Collaterals: []config.Collateral{{Symbol: "USDC", Decimals: 6}},
	}))
	return &testEnv{
		t:      t,
		clock:  clock,
		prices: prices,
		m:      m,
		router: NewServer(m, WithPriceUpdater(prices)).Router(),
	}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// =============================================================================
// 测试
// =============================================================================

func TestDepositAndAccountView(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(http.MethodPost, "/api/v1/accounts/alice/deposit", map[string]any{"token": "USDC", "amount": "1000.5"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "1000500000", decodeBody[map[string]num.Int](t, w)["balance"].String())

	w = e.do(http.MethodPost, "/api/v1/accounts/alice/deposit", map[string]any{"token": "DOGE", "amount": "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/api/v1/accounts/alice/withdraw", map[string]any{"token": "USDC", "amount": "2000"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	w = e.do(http.MethodGet, "/api/v1/accounts/alice/", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := decodeBody[AccountView](t, w)
	assert.Equal(t, "alice", view.Account)
	assert.Equal(t, "1000500000", view.Balances["USDC"].String())
	assert.Empty(t, view.Positions)
	assert.Equal(t, futures.RiskLevelSafe, view.Risk.Level)
}

func TestOrderLifecycle(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(http.MethodPost, "/api/v1/liquidity/add", map[string]any{"provider": "lp", "amount": "100000", "min_shares": "0"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = e.do(http.MethodPost, "/api/v1/accounts/alice/deposit", map[string]any{"token": "USDC", "amount": "1000"})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodPost, "/api/v1/orders", map[string]any{
		"account": "alice", "asset": "ETH", "size": "1", "acceptable_price": "2100", "keeper_fee": "1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	submitted := decodeBody[order.Order](t, w)
	assert.Equal(t, order.StatusPending, submitted.Status)
	path := fmt.Sprintf("/api/v1/orders/%d", submitted.ID)

	w = e.do(http.MethodPost, path+"/execute", ExecuteRequest{Keeper: "keeper"})
	assert.Equal(t, http.StatusConflict, w.Code, "min delay not elapsed")

	e.clock.Advance(e.m.Params().Seconds(config.Global, config.MinOrderDelay))
	w = e.do(http.MethodPost, path+"/execute", ExecuteRequest{
		Keeper:  "keeper",
		Updates: []oracle.Update{{Symbol: "ETH", Price: num.Wad(2010)}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	executed := decodeBody[order.Order](t, w)
	assert.Equal(t, order.StatusExecuted, executed.Status)
	assert.Equal(t, num.Wad(2010).String(), executed.ExecPrice.String())

	w = e.do(http.MethodGet, path+"/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "keeper", decodeBody[order.Order](t, w).Keeper)

	w = e.do(http.MethodPost, path+"/cancel", CancelRequest{Caller: "alice", Owner: true})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(http.MethodGet, "/api/v1/accounts/alice/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decodeBody[AccountView](t, w)
	require.Len(t, view.Positions, 1)
	assert.Equal(t, num.Wad(1).String(), view.Positions[0].Size.String())

	w = e.do(http.MethodGet, "/api/v1/pool", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	pool := decodeBody[PoolView](t, w)
	// 净偏斜按当前价格计价: 1 ETH × 2010
	assert.Equal(t, num.Wad(2010).String(), pool.Valuation.NetSkew.String())
}

func TestOrderNotFound(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/orders/42/", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/orders/abc/", nil).Code)
	assert.Equal(t, http.StatusNotFound,
		e.do(http.MethodPost, "/api/v1/orders/42/cancel", CancelRequest{Caller: "keeper"}).Code)
}

func TestLiquidationEndpoints(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(http.MethodPost, "/api/v1/liquidations/positions", LiquidatePositionRequest{
		Liquidator: "liq", Account: "alice", Asset: "ETH",
	})
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	w = e.do(http.MethodPost, "/api/v1/liquidations/collateral", map[string]any{
		"liquidator": "liq", "account": "alice", "token": "USDC", "amount": "1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestAdminEndpoints(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(http.MethodPost, "/api/v1/admin/params", ParamRequest{Name: "max_leverage", Value: "10"})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, num.Wad(10).String(), e.m.Params().Global(config.MaxLeverage).String())

	w = e.do(http.MethodPost, "/api/v1/admin/params", ParamRequest{Name: "no_such_key", Value: "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/api/v1/admin/assets", AssetRequest{Symbol: "BTC"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = e.do(http.MethodPost, "/api/v1/admin/assets", AssetRequest{Symbol: "BTC"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(http.MethodGet, "/api/v1/markets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[map[string]MarketView](t, w), 2)

	w = e.do(http.MethodDelete, "/api/v1/admin/assets/BTC", nil)
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/markets/BTC", nil).Code)

	w = e.do(http.MethodPost, "/api/v1/admin/collaterals", config.Collateral{
		Symbol: "WBTC", Decimals: 8, ConversionRatio: "0.9", FloorPriceRatio: "0.95",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tok, ok := e.m.Token("WBTC")
	require.True(t, ok)
	assert.Equal(t, num.MustParse("0.9").String(), tok.ConversionRatio.String())

	w = e.do(http.MethodPost, "/api/v1/admin/collaterals", config.Collateral{Symbol: "BAD", ConversionRatio: "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdatePrices(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(http.MethodPost, "/api/v1/prices", PricesRequest{Updates: []oracle.Update{{Symbol: "ETH", Price: num.Wad(2500)}}})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	info, ok := e.prices.GetPriceInfo("ETH")
	require.True(t, ok)
	assert.Equal(t, num.Wad(2500).String(), info.Price.String())

	w = e.do(http.MethodPost, "/api/v1/prices", PricesRequest{Updates: []oracle.Update{{Symbol: "ETH", Price: num.Zero}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	router := NewServer(e.m).Router()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/prices", bytes.NewBufferString(`{"updates":[]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// orderReader 只实现订单查询，其它方法不会被调用
type orderReader struct {
	store.Reader
	orders []order.Order
	got    store.OrderQuery
}

func (r *orderReader) AccountOrders(_ context.Context, q store.OrderQuery) ([]order.Order, error) {
	r.got = q
	var out []order.Order
	for _, o := range r.orders {
		if o.Account != q.Account || (q.Asset != "" && o.Asset != q.Asset) {
			continue
		}
		if q.PendingOnly && o.Status != order.StatusPending {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func TestOrderHistory(t *testing.T) {
	e := newTestEnv(t)
	reader := &orderReader{orders: []order.Order{
		{ID: 1, Account: "alice", Asset: "ETH", Size: num.Wad(1), Status: order.StatusExecuted},
		{ID: 2, Account: "alice", Asset: "ETH", Size: num.Wad(-1), Status: order.StatusPending},
		{ID: 3, Account: "bob", Asset: "ETH", Size: num.Wad(2), Status: order.StatusPending},
	}}
	e.router = NewServer(e.m, WithReader(reader)).Router()

	w := e.do(http.MethodGet, "/api/v1/accounts/alice/orders", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decodeBody[[]order.Order](t, w), 2)
	assert.Equal(t, store.OrderQuery{Account: "alice", Limit: 100}, reader.got)

	w = e.do(http.MethodGet, "/api/v1/accounts/alice/orders?status=pending&asset=ETH&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	pending := decodeBody[[]order.Order](t, w)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].ID)
	assert.Equal(t, store.OrderQuery{Account: "alice", Asset: "ETH", PendingOnly: true, Limit: 5}, reader.got)

	w = e.do(http.MethodGet, "/api/v1/accounts/carol/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/accounts/alice/orders?status=done", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/accounts/alice/orders?limit=0", nil).Code)
}

func TestOptionalEndpointsDisabled(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusNotImplemented, e.do(http.MethodGet, "/api/v1/accounts/alice/history", nil).Code)
	assert.Equal(t, http.StatusNotImplemented, e.do(http.MethodGet, "/api/v1/accounts/alice/orders", nil).Code)
	assert.Equal(t, http.StatusNotImplemented, e.do(http.MethodGet, "/api/v1/keeper", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/metrics", nil).Code)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{futures.ErrInvalidAmount, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", futures.ErrUnsupportedAsset), http.StatusBadRequest},
		{futures.ErrOrderNotFound, http.StatusNotFound},
		{futures.ErrNotOrderOwner, http.StatusForbidden},
		{futures.ErrOrderExpired, http.StatusConflict},
		{oracle.ErrStalePrice, http.StatusServiceUnavailable},
		{futures.ErrInsufficientMargin, http.StatusUnprocessableEntity},
		{futures.ErrNotLiquidatable, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusOf(tt.err))
		})
	}
}
