// 文件: pkg/api/handlers.go

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"max.com/perpcore/pkg/config"
	"max.com/perpcore/pkg/futures"
	"max.com/perpcore/pkg/num"
	"max.com/perpcore/pkg/oracle"
	"max.com/perpcore/pkg/order"
	"max.com/perpcore/pkg/store"
)

// =============================================================================
// 请求
// =============================================================================

type MarginRequest struct {
	Token    string          `json:"token"`
	Amount   decimal.Decimal `json:"amount"` // 代币单位
	Referral string          `json:"referral,omitempty"`
}

type OrderRequest struct {
	Account         string          `json:"account"`
	Asset           string          `json:"asset"`
	Size            decimal.Decimal `json:"size"` // 正=买
	AcceptablePrice decimal.Decimal `json:"acceptable_price"`
	KeeperFee       decimal.Decimal `json:"keeper_fee"`
	Expiry          int64           `json:"expiry,omitempty"`
	ReduceOnly      bool            `json:"reduce_only,omitempty"`
}

type ExecuteRequest struct {
	Keeper  string          `json:"keeper"`
	Updates []oracle.Update `json:"updates,omitempty"`
}

// CancelRequest owner=true 时是下单人主动取消，否则是 keeper 取消过期订单
type CancelRequest struct {
	Caller string `json:"caller"`
	Owner  bool   `json:"owner,omitempty"`
}

type LiquidatePositionRequest struct {
	Liquidator string `json:"liquidator"`
	Account    string `json:"account"`
	Asset      string `json:"asset"`
}

type LiquidateCollateralRequest struct {
	Liquidator string          `json:"liquidator"`
	Account    string          `json:"account"`
	Token      string          `json:"token"`
	Amount     decimal.Decimal `json:"amount"` // 稳定币
}

type AddLiquidityRequest struct {
	Provider  string          `json:"provider"`
	Amount    decimal.Decimal `json:"amount"`     // 稳定币
	MinShares decimal.Decimal `json:"min_shares"` // 份额
	Receiver  string          `json:"receiver,omitempty"`
}

type RemoveLiquidityRequest struct {
	Owner     string          `json:"owner"`
	Shares    decimal.Decimal `json:"shares"`
	MinAmount decimal.Decimal `json:"min_amount"`
	Receiver  string          `json:"receiver,omitempty"`
}

type ParamRequest struct {
	Domain string `json:"domain,omitempty"` // 空为全局
	Name   string `json:"name"`
	Value  string `json:"value"`
}

type AssetRequest struct {
	Symbol string `json:"symbol"`
}

type PricesRequest struct {
	Updates []oracle.Update `json:"updates"`
}

// =============================================================================
// 响应
// =============================================================================

type AccountView struct {
	Account   string              `json:"account"`
	Risk      futures.AccountRisk `json:"risk"`
	Balances  map[string]num.Int  `json:"balances"`
	Positions []futures.Position  `json:"positions"`
	Orders    []order.Order       `json:"orders"`
	Shares    num.Int             `json:"shares"`
	Referral  string              `json:"referral,omitempty"`
}

type MarketView struct {
	State futures.SymbolState `json:"state"`
	Fees  futures.FeeInfo     `json:"fees"`
}

type PoolView struct {
	Global    futures.GlobalState `json:"global"`
	Valuation futures.Valuation   `json:"valuation"`
	Debt      futures.DebtState   `json:"debt"`
}

type EventView struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Account   string          `json:"account"`
	Timestamp int64           `json:"ts"`
	Data      json.RawMessage `json:"data"`
}

// =============================================================================
// 辅助
// =============================================================================

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// tokenAmount 按抵押品精度换算
func (s *Server) tokenAmount(token string, d decimal.Decimal) (num.Int, error) {
	tok, ok := s.market.Token(token)
	if !ok {
		return num.Zero, fmt.Errorf("%w: %s", futures.ErrUnsupportedToken, token)
	}
	return num.FromDecimal(d, int32(tok.Decimals)), nil
}

func wad(d decimal.Decimal) num.Int  { return num.FromDecimal(d, num.Decimals) }
func base(d decimal.Decimal) num.Int { return num.FromDecimal(d, num.BaseDecimals) }

func orderID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: order id", errBadRequest)
	}
	return id, nil
}

// =============================================================================
// 账户
// =============================================================================

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	risk, err := s.market.AccountRisk(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	balances := make(map[string]num.Int)
	for _, t := range s.market.Tokens() {
		if b := s.market.CollateralBalance(account, t); !b.IsZero() {
			balances[t] = b
		}
	}
	positions := s.market.OpenPositions(account)
	if positions == nil {
		positions = []futures.Position{}
	}
	orders := s.market.AccountOrders(account)
	if orders == nil {
		orders = []order.Order{}
	}
	writeJSON(w, http.StatusOK, AccountView{
		Account:   account,
		Risk:      risk,
		Balances:  balances,
		Positions: positions,
		Orders:    orders,
		Shares:    s.market.Shares(account),
		Referral:  s.market.Referral(account),
	})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "event history storage disabled"})
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.history.Events(r.Context(), chi.URLParam(r, "account"), limit)
	if err != nil {
		s.log.Error("load history", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to load history"})
		return
	}
	out := make([]EventView, len(rows))
	for i, row := range rows {
		out[i] = EventView{Seq: row.Seq, Type: row.Type, Account: row.Account, Timestamp: row.Timestamp, Data: row.Data}
	}
	writeJSON(w, http.StatusOK, out)
}

// getOrderHistory 已落库的订单，?status=pending 只看挂单，?asset= 过滤资产
func (s *Server) getOrderHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "order history storage disabled"})
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := store.OrderQuery{
		Account: chi.URLParam(r, "account"),
		Asset:   r.URL.Query().Get("asset"),
		Limit:   limit,
	}
	switch status := r.URL.Query().Get("status"); status {
	case "":
	case "pending":
		q.PendingOnly = true
	default:
		writeError(w, fmt.Errorf("%w: status %q", errBadRequest, status))
		return
	}
	orders, err := s.history.AccountOrders(r.Context(), q)
	if err != nil {
		s.log.Error("load orders", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to load orders"})
		return
	}
	if orders == nil {
		orders = []order.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 100, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit", errBadRequest)
	}
	return n, nil
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	var req MarginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := s.tokenAmount(req.Token, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	account := chi.URLParam(r, "account")
	if err := s.market.DepositMargin(r.Context(), account, req.Token, amount, req.Referral); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]num.Int{"balance": s.market.CollateralBalance(account, req.Token)})
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	var req MarginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := s.tokenAmount(req.Token, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	account := chi.URLParam(r, "account")
	if err := s.market.WithdrawMargin(r.Context(), account, req.Token, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]num.Int{"balance": s.market.CollateralBalance(account, req.Token)})
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if err := s.market.Settle(r.Context(), account); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// 订单
// =============================================================================

func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	o, err := s.market.SubmitOrder(r.Context(), futures.SubmitRequest{
		Account:         req.Account,
		Asset:           req.Asset,
		Size:            wad(req.Size),
		AcceptablePrice: wad(req.AcceptablePrice),
		KeeperFee:       base(req.KeeperFee),
		Expiry:          req.Expiry,
		ReduceOnly:      req.ReduceOnly,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	o, ok := s.market.Order(id)
	if !ok {
		writeError(w, futures.ErrOrderNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) executeOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req ExecuteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	o, err := s.market.ExecuteOrder(r.Context(), req.Keeper, id, req.Updates)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req CancelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var o order.Order
	if req.Owner {
		o, err = s.market.SubmitCancelOrder(r.Context(), req.Caller, id)
	} else {
		o, err = s.market.CancelOrder(r.Context(), req.Caller, id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// =============================================================================
// 清算
// =============================================================================

func (s *Server) liquidatePosition(w http.ResponseWriter, r *http.Request) {
	var req LiquidatePositionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.market.LiquidatePosition(r.Context(), req.Liquidator, req.Account, req.Asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) liquidateCollateral(w http.ResponseWriter, r *http.Request) {
	var req LiquidateCollateralRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.market.Liquidate(r.Context(), req.Liquidator, req.Account, req.Token, base(req.Amount))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// =============================================================================
// 流动性
// =============================================================================

func (s *Server) addLiquidity(w http.ResponseWriter, r *http.Request) {
	var req AddLiquidityRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	receiver := req.Receiver
	if receiver == "" {
		receiver = req.Provider
	}
	shares, err := s.market.AddLiquidity(r.Context(), req.Provider, base(req.Amount), wad(req.MinShares), receiver)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]num.Int{"shares": shares})
}

func (s *Server) removeLiquidity(w http.ResponseWriter, r *http.Request) {
	var req RemoveLiquidityRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	receiver := req.Receiver
	if receiver == "" {
		receiver = req.Owner
	}
	amount, err := s.market.RemoveLiquidity(r.Context(), req.Owner, wad(req.Shares), base(req.MinAmount), receiver)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]num.Int{"amount": amount})
}

// =============================================================================
// 市场 / 资金池
// =============================================================================

func (s *Server) listMarkets(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]MarketView)
	for _, a := range s.market.Assets() {
		st, _ := s.market.SymbolState(a)
		fi, _ := s.market.FeeInfo(a)
		out[a] = MarketView{State: st, Fees: fi}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	st, ok := s.market.SymbolState(asset)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: futures.ErrUnsupportedAsset.Error()})
		return
	}
	fi, _ := s.market.FeeInfo(asset)
	writeJSON(w, http.StatusOK, MarketView{State: st, Fees: fi})
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	v, err := s.market.Valuation(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PoolView{
		Global:    s.market.GlobalState(),
		Valuation: v,
		Debt:      s.market.DebtState(),
	})
}

func (s *Server) getKeeper(w http.ResponseWriter, _ *http.Request) {
	if s.keeper == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "keeper not running"})
		return
	}
	writeJSON(w, http.StatusOK, s.keeper.Stats())
}

func (s *Server) updatePrices(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		writeError(w, futures.ErrPriceUpdateBlocked)
		return
	}
	var req PricesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.prices.ApplyUpdates(r.Context(), req.Updates); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// 管理
// =============================================================================

func (s *Server) setParam(w http.ResponseWriter, r *http.Request) {
	var req ParamRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.market.SetParam(r.Context(), config.Domain(req.Domain), req.Name, req.Value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addAsset(w http.ResponseWriter, r *http.Request) {
	var req AssetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Symbol == "" {
		writeError(w, fmt.Errorf("%w: symbol", errBadRequest))
		return
	}
	if err := s.market.AddMarketToken(r.Context(), req.Symbol); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) removeAsset(w http.ResponseWriter, r *http.Request) {
	if err := s.market.RemoveToken(r.Context(), chi.URLParam(r, "asset")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addCollateral(w http.ResponseWriter, r *http.Request) {
	var req config.Collateral
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tok, err := futures.CollateralFromConfig(req, false)
	if err != nil {
		writeError(w, errors.Join(errBadRequest, err))
		return
	}
	if err := s.market.AddCollateralToken(r.Context(), tok); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
