// 文件: pkg/futures/position_manager.go
// 订单管理 - 延迟执行订单的生命周期
//
// 【流程】
//
//	submitOrder  -> Pending (锁定 pending 规模和 keeper 费)
//	executeOrder -> Executed / Failed
//	cancelOrder  -> Cancelled (过期后，任何人都可以)
//
// 【最小延迟】
// 提交后至少等 minOrderDelay 秒才能执行，
// 防止用户看到预言机新价格后同一时刻下单并成交 (抢跑)
//
// 【软失败】
// 执行时校验不通过 (杠杆、reduce-only、限额、会被强平):
// 回滚到保存点撤销成交，订单进入 Failed，keeper 费照收
// 执行前的校验 (未到时间、已过期、价格不满足) 直接报错，整体回滚

package futures

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"max.com/perpcore/pkg/config"
	"max.com/perpcore/pkg/event"
	"max.com/perpcore/pkg/ledger"
	"max.com/perpcore/pkg/num"
	"max.com/perpcore/pkg/oracle"
	"max.com/perpcore/pkg/order"
)

// SubmitRequest 下单参数
type SubmitRequest struct {
	Account         string  `json:"account"`
	Asset           string  `json:"asset"`
	Size            num.Int `json:"size"`             // WAD，正=买
	AcceptablePrice num.Int `json:"acceptable_price"` // WAD
	KeeperFee       num.Int `json:"keeper_fee"`       // 稳定币原生精度
	Expiry          int64   `json:"expiry"`           // 0 表示 now + minOrderDelay + orderTTL
	ReduceOnly      bool    `json:"reduce_only"`
}

// PendingInfo 某账户某资产上未执行订单的汇总
type PendingInfo struct {
	Size       num.Int `json:"size"`
	KeeperFees num.Int `json:"keeper_fees"`
	Count      int     `json:"count"`
}

// PositionManager 订单管理
type PositionManager struct {
	m       *Market
	orders  *ledger.Map[int64, order.Order]
	live    *ledger.Map[string, []int64] // 账户 -> 未终结订单 (按提交顺序)
	pending *ledger.Map[PositionKey, PendingInfo]
	log     *zap.Logger
}

func newPositionManager(m *Market) *PositionManager {
	return &PositionManager{
		m:       m,
		orders:  ledger.NewMap[int64, order.Order](),
		live:    ledger.NewMap[string, []int64](),
		pending: ledger.NewMap[PositionKey, PendingInfo](),
		log:     zap.L().Named("position"),
	}
}

// =============================================================================
// 提交
// =============================================================================

func (pm *PositionManager) submit(tx *ledger.Tx, req SubmitRequest) (order.Order, error) {
	m := pm.m
	ctx := tx.Context()
	d := config.Domain(req.Asset)

	if req.Account == "" {
		return order.Order{}, ErrInvalidAccount
	}
	if !m.Perp.HasToken(req.Asset) {
		return order.Order{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, req.Asset)
	}
	if req.Size.IsZero() {
		return order.Order{}, ErrInvalidSize
	}
	if !req.AcceptablePrice.IsPos() {
		return order.Order{}, ErrInvalidPrice
	}
	if req.KeeperFee.Lt(m.params.Get(d, config.MinKeeperFee)) || req.KeeperFee.IsNeg() {
		return order.Order{}, ErrKeeperFeeTooLow
	}

	now := tx.Now()
	delay := m.params.Seconds(d, config.MinOrderDelay)
	expiry := req.Expiry
	if expiry == 0 {
		expiry = now + delay + m.params.Seconds(d, config.OrderTTL)
	} else if expiry < now+delay {
		return order.Order{}, ErrInvalidExpiry
	}

	if _, err := m.settle(tx, req.Account, req.Asset); err != nil {
		return order.Order{}, err
	}

	key := PositionKey{Account: req.Account, Asset: req.Asset}
	pos := m.Perp.Position(req.Account, req.Asset)
	pend := pm.Pending(req.Account, req.Asset)
	effective := pos.Size.Add(pend.Size)
	projected := effective.Add(req.Size)

	if req.ReduceOnly && !isReducing(effective, req.Size) {
		return order.Order{}, ErrInvalidReduceOnly
	}

	price, err := m.feed.GetPrice(ctx, req.Asset, false)
	if err != nil {
		return order.Order{}, fmt.Errorf("price %s: %w", req.Asset, err)
	}
	v, err := m.valuate(ctx)
	if err != nil {
		return order.Order{}, err
	}
	if err := m.checkLimits(req.Asset, pos.Size, pos.Size.Add(pend.Size).Add(req.Size), req.Size, price, v, req.ReduceOnly); err != nil {
		return order.Order{}, err
	}
	if increasesExposure(effective, req.Size) {
		if err := pm.checkProjectedMargin(ctx, req.Account, req.Asset, pos.Size, projected, price, req.KeeperFee); err != nil {
			return order.Order{}, err
		}
	}

	o := order.Order{
		ID:              m.ids.NextID(),
		Account:         req.Account,
		Asset:           req.Asset,
		Size:            req.Size,
		AcceptablePrice: req.AcceptablePrice,
		KeeperFee:       req.KeeperFee,
		ReduceOnly:      req.ReduceOnly,
		SubmitTime:      now,
		ExecutableAt:    now + delay,
		Expiry:          expiry,
	}
	o, err = o.Transition(order.StatusPending, now)
	if err != nil {
		return order.Order{}, err
	}
	if pm.orders.Has(o.ID) {
		return order.Order{}, fmt.Errorf("duplicate order id %d", o.ID)
	}

	pm.orders.Set(tx, o.ID, o)
	pm.live.Set(tx, o.Account, append(append([]int64(nil), pm.live.GetOr(o.Account, nil)...), o.ID))
	pm.pending.Set(tx, key, PendingInfo{
		Size:       pend.Size.Add(o.Size),
		KeeperFees: pend.KeeperFees.Add(o.KeeperFee),
		Count:      pend.Count + 1,
	})

	m.emit(tx, event.TypeOrderSubmitted, o.Account, event.OrderSubmitted{
		OrderID:         o.ID,
		Asset:           o.Asset,
		Size:            o.Size,
		AcceptablePrice: o.AcceptablePrice,
		KeeperFee:       o.KeeperFee,
		Expiry:          o.Expiry,
		ReduceOnly:      o.ReduceOnly,
	})
	return o, nil
}

// isReducing delta 与当前仓位反向且不超过仓位
func isReducing(current, delta num.Int) bool {
	return !current.IsZero() && !delta.IsZero() &&
		current.Sign() != delta.Sign() &&
		delta.Abs().Lte(current.Abs())
}

// checkProjectedMargin 假设所有未执行订单都按当前价成交后的杠杆和维持保证金
func (pm *PositionManager) checkProjectedMargin(ctx context.Context, account, asset string, posSize, projected, price, keeperFee num.Int) error {
	m := pm.m
	d := config.Domain(asset)
	r, err := m.accountRisk(ctx, account, false)
	if err != nil {
		return err
	}
	mmr := m.params.Get(d, config.MaintenanceMarginRatio)
	cur := posSize.Abs().WMul(price)
	next := projected.Abs().WMul(price)

	notional := r.Notional.Sub(cur).Add(next)
	maintenance := r.Maintenance.Sub(cur.WMul(mmr)).Add(next.WMul(mmr))
	fees := num.ToWad(pm.pendingFees(account).Add(keeperFee))
	equity := r.Equity.Sub(fees)

	if !WithinLeverage(notional, equity, m.params.Get(d, config.MaxLeverage)) {
		return ErrLeverageTooHigh
	}
	if maintenance.Gt(equity) {
		return ErrInsufficientMargin
	}
	return nil
}

// pendingFees 账户所有未执行订单锁定的 keeper 费 (原生精度)
func (pm *PositionManager) pendingFees(account string) num.Int {
	total := num.Zero
	for _, sym := range pm.m.Perp.Tokens() {
		if p, ok := pm.pending.Get(PositionKey{Account: account, Asset: sym}); ok {
			total = total.Add(p.KeeperFees)
		}
	}
	return total
}

// checkLimits 软/硬持仓上限，按成交后的持仓名义价值衡量
//
// posSize 为当前持仓，projected 为成交后的持仓
func (m *Market) checkLimits(asset string, posSize, projected, delta, price num.Int, v Valuation, reduceOnly bool) error {
	st, ok := m.Perp.GetTokenInfo(asset)
	if !ok {
		return ErrUnsupportedAsset
	}
	d := config.Domain(asset)
	oi := num.Max(st.OpenInterest().Sub(posSize.Abs()), num.Zero).Add(projected.Abs())
	notional := oi.WMul(price)
	capacity := m.capacity(asset, v)

	if notional.Gt(capacity.WMul(m.params.Get(d, config.HardLimitRatio))) {
		return fmt.Errorf("%w: %s oi %s", ErrHardLimitExceeded, asset, notional)
	}
	if notional.Gt(capacity.WMul(m.params.Get(d, config.SoftLimitRatio))) {
		opposite := !st.NetSize.IsZero() && st.NetSize.Sign() != delta.Sign()
		if !reduceOnly && !opposite {
			return fmt.Errorf("%w: %s oi %s", ErrSoftLimitExceeded, asset, notional)
		}
	}
	return nil
}

// =============================================================================
// 执行
// =============================================================================

type execResult struct {
	realized   num.Int // 原生精度
	tradingFee num.Int // 原生精度
}

func (pm *PositionManager) execute(tx *ledger.Tx, keeper string, id int64, updates []oracle.Update) (order.Order, error) {
	m := pm.m
	ctx := tx.Context()
	if keeper == "" {
		return order.Order{}, ErrInvalidAccount
	}

	if len(updates) > 0 {
		up, ok := m.feed.(oracle.Updater)
		if !ok {
			return order.Order{}, ErrPriceUpdateBlocked
		}
		if err := up.ApplyUpdates(ctx, updates); err != nil {
			return order.Order{}, err
		}
	}

	o, ok := pm.orders.Get(id)
	if !ok {
		return order.Order{}, ErrOrderNotFound
	}
	if !o.IsPending() {
		return order.Order{}, fmt.Errorf("%w: %d is %s", ErrOrderNotPending, id, o.Status)
	}
	now := tx.Now()
	if o.IsExpired(now) {
		return order.Order{}, ErrOrderExpired
	}
	if !o.IsReady(now) {
		return order.Order{}, ErrOrderNotReady
	}
	price, err := m.feed.GetPrice(ctx, o.Asset, true)
	if err != nil {
		return order.Order{}, fmt.Errorf("price %s: %w", o.Asset, err)
	}
	if !o.PriceAcceptable(price) {
		return order.Order{}, fmt.Errorf("%w: price %s bound %s", ErrPriceBoundViolated, price, o.AcceptablePrice)
	}

	if _, err := m.settle(tx, o.Account, o.Asset); err != nil {
		return order.Order{}, err
	}
	pm.unlock(tx, o)

	sp := tx.Savepoint()
	res, reason, err := pm.apply(tx, o, price)
	if err != nil {
		return order.Order{}, err
	}

	if reason != order.FailNone {
		tx.RollbackTo(sp)
		o, err = o.Transition(order.StatusFailed, now)
		o.FailReason = reason
	} else {
		o, err = o.Transition(order.StatusExecuted, now)
		o.ExecPrice = price
		o.TradingFee = res.tradingFee
	}
	if err != nil {
		return order.Order{}, err
	}
	o.Keeper = keeper

	// keeper 费成功失败都收
	m.Margin.moveBase(tx, o.Account, keeper, o.KeeperFee)
	pm.orders.Set(tx, o.ID, o)

	if reason != order.FailNone {
		pm.log.Info("order failed",
			zap.Int64("order_id", o.ID),
			zap.String("account", o.Account),
			zap.String("reason", string(reason)))
		m.emit(tx, event.TypeOrderFailed, o.Account, event.OrderFailed{
			OrderID:   o.ID,
			Asset:     o.Asset,
			Reason:    string(reason),
			KeeperFee: o.KeeperFee,
			Keeper:    keeper,
		})
		return o, nil
	}

	m.emit(tx, event.TypeOrderExecuted, o.Account, event.TradeRecord{
		OrderID:     o.ID,
		Asset:       o.Asset,
		Size:        o.Size,
		Price:       price,
		TradingFee:  res.tradingFee,
		KeeperFee:   o.KeeperFee,
		RealizedPnl: res.realized,
		Keeper:      keeper,
	})
	return o, nil
}

// apply 成交并做成交后的校验
//
// 返回 FailReason 表示软失败，调用方负责回滚到保存点；返回 error 表示整体回滚
func (pm *PositionManager) apply(tx *ledger.Tx, o order.Order, price num.Int) (execResult, order.FailReason, error) {
	m := pm.m
	ctx := tx.Context()
	d := config.Domain(o.Asset)
	key := PositionKey{Account: o.Account, Asset: o.Asset}
	pos := m.Perp.Position(o.Account, o.Asset)

	if o.ReduceOnly && !isReducing(pos.Size, o.Size) {
		return execResult{}, order.FailReduceOnly, nil
	}

	v, err := m.valuate(ctx)
	if err != nil {
		return execResult{}, order.FailNone, err
	}
	if err := m.checkLimits(o.Asset, pos.Size, pos.Size.Add(o.Size), o.Size, price, v, o.ReduceOnly); err != nil {
		switch {
		case errors.Is(err, ErrHardLimitExceeded):
			return execResult{}, order.FailHardLimit, nil
		case errors.Is(err, ErrSoftLimitExceeded):
			return execResult{}, order.FailSoftLimit, nil
		}
		return execResult{}, order.FailNone, err
	}

	realized, err := m.Perp.trade(tx, key, o.Size, price)
	if err != nil {
		return execResult{}, order.FailNone, err
	}
	realizedNative := num.ToNative(realized)
	m.Margin.modifyBase(tx, o.Account, realizedNative)
	m.pool.creditNative(tx, realizedNative.Neg())

	fee := num.ToNative(o.Size.Abs().WMul(price).WMul(m.params.Get(d, config.TradingFeeRatio)))
	m.Margin.modifyBase(tx, o.Account, fee.Neg())
	m.pool.creditNative(tx, fee)

	if increasesExposure(pos.Size, o.Size) {
		r, err := m.accountRisk(ctx, o.Account, true)
		if err != nil {
			return execResult{}, order.FailNone, err
		}
		equity := r.Equity.Sub(num.ToWad(o.KeeperFee))
		if !WithinLeverage(r.Notional, equity, m.params.Get(d, config.MaxLeverage)) {
			return execResult{}, order.FailLeverage, nil
		}
		if r.Maintenance.Gt(equity) {
			return execResult{}, order.FailLiquidatable, nil
		}
	}
	return execResult{realized: realizedNative, tradingFee: fee}, order.FailNone, nil
}

// =============================================================================
// 取消
// =============================================================================

// cancel 过期订单取消；ownerOnly 时只有下单人可以调用
func (pm *PositionManager) cancel(tx *ledger.Tx, caller string, id int64, ownerOnly bool) (order.Order, error) {
	m := pm.m
	if caller == "" {
		return order.Order{}, ErrInvalidAccount
	}
	o, ok := pm.orders.Get(id)
	if !ok {
		return order.Order{}, ErrOrderNotFound
	}
	if !o.IsPending() {
		return order.Order{}, fmt.Errorf("%w: %d is %s", ErrOrderNotPending, id, o.Status)
	}
	if ownerOnly && caller != o.Account {
		return order.Order{}, ErrNotOrderOwner
	}
	now := tx.Now()
	if !o.IsExpired(now) {
		return order.Order{}, ErrOrderNotExpired
	}

	if _, err := m.settle(tx, o.Account); err != nil {
		return order.Order{}, err
	}
	pm.unlock(tx, o)

	o, err := o.Transition(order.StatusCancelled, now)
	if err != nil {
		return order.Order{}, err
	}
	o.Keeper = caller
	m.Margin.moveBase(tx, o.Account, caller, o.KeeperFee)
	pm.orders.Set(tx, o.ID, o)

	m.emit(tx, event.TypeOrderCancelled, o.Account, event.OrderCancelled{
		OrderID:   o.ID,
		Asset:     o.Asset,
		KeeperFee: o.KeeperFee,
		Caller:    caller,
	})
	return o, nil
}

// unlock 订单离开 Pending: 释放 pending 汇总，移出账户的活跃列表
func (pm *PositionManager) unlock(tx *ledger.Tx, o order.Order) {
	key := PositionKey{Account: o.Account, Asset: o.Asset}
	if p, ok := pm.pending.Get(key); ok {
		p.Size = p.Size.Sub(o.Size)
		p.KeeperFees = p.KeeperFees.Sub(o.KeeperFee)
		p.Count--
		if p.Count <= 0 {
			pm.pending.Delete(tx, key)
		} else {
			pm.pending.Set(tx, key, p)
		}
	}

	ids := pm.live.GetOr(o.Account, nil)
	next := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != o.ID {
			next = append(next, id)
		}
	}
	if len(next) == 0 {
		pm.live.Delete(tx, o.Account)
		return
	}
	pm.live.Set(tx, o.Account, next)
}

// =============================================================================
// 查询
// =============================================================================

// Order 按 id 查询
func (pm *PositionManager) Order(id int64) (order.Order, bool) {
	return pm.orders.Get(id)
}

// AccountOrders 账户的活跃订单 (按提交顺序)
func (pm *PositionManager) AccountOrders(account string) []order.Order {
	ids := pm.live.GetOr(account, nil)
	out := make([]order.Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := pm.orders.Get(id); ok {
			out = append(out, o)
		}
	}
	return out
}

// Pending 未执行订单汇总
func (pm *PositionManager) Pending(account, asset string) PendingInfo {
	return pm.pending.GetOr(PositionKey{Account: account, Asset: asset}, PendingInfo{
		Size:       num.Zero,
		KeeperFees: num.Zero,
	})
}

// ExecutableOrders 已到执行时间且未过期的订单 id (keeper 扫描用)
func (pm *PositionManager) ExecutableOrders(now int64) []int64 {
	var ids []int64
	pm.orders.Range(func(id int64, o order.Order) bool {
		if o.IsPending() && o.IsReady(now) && !o.IsExpired(now) {
			ids = append(ids, id)
		}
		return true
	})
	slices.Sort(ids)
	return ids
}

// ExpiredOrders 已过期仍处于 Pending 的订单 id
func (pm *PositionManager) ExpiredOrders(now int64) []int64 {
	var ids []int64
	pm.orders.Range(func(id int64, o order.Order) bool {
		if o.IsPending() && o.IsExpired(now) {
			ids = append(ids, id)
		}
		return true
	})
	slices.Sort(ids)
	return ids
}
