// 文件: pkg/futures/perp_tracker.go
// 持仓跟踪器 - 每个资产的多空规模、资金费/融资费累计指数、LP 隐含对手仓
//
// 【累计指数】
// 每个方向维护一个累计指数 (每单位仓位应付的 WAD 金额)，
// 账户只记住上次结算时的指数:
//   应付 = |size| × (当前指数 - 快照) / 1e18
// 结算一个账户是 O(1)，价格更新时不需要遍历账户
//
// 【资金费】
// velocity (每日费率) = clamp(skewValue / capacity × maxV, ±maxV)
//   longIdx  += v × price × dt / (1e18 × 86400)
//   shortIdx -= 同上
// 多头偏重时 v > 0，多头付钱；空头偏重时反之
//
// 【融资费】
// 只向偏重一方收取，补偿 LP 被迫承担的方向性风险:
//   rate (年化) = maxFinancingRate × min(|skewValue| / capacity, 1)
//
// 【快照和】
// snapSum = Σ |size| × snap (1e36)，用来 O(1) 计算某方向未结算的总额，
// LP 净值需要把这部分算作 LP 的应收
//
// 【LP 对手仓】
// LP 是唯一对手方: LpPosition 永远等于 -NetSize

package futures

import (
	"go.uber.org/zap"

	"max.com/perpcore/pkg/config"
	"max.com/perpcore/pkg/interest"
	"max.com/perpcore/pkg/ledger"
	"max.com/perpcore/pkg/num"
)

// SymbolState 单个资产的状态
type SymbolState struct {
	Symbol string `json:"symbol"`

	NetSize    num.Int `json:"net_size"`    // Σ size (带符号)
	LongSize   num.Int `json:"long_size"`   // Σ 多头 |size|
	ShortSize  num.Int `json:"short_size"`  // Σ 空头 |size|
	NetCost    num.Int `json:"net_cost"`    // Σ cost (带符号)
	LpPosition num.Int `json:"lp_position"` // = -NetSize

	LongFundingIndex    num.Int `json:"long_funding_index"`
	ShortFundingIndex   num.Int `json:"short_funding_index"`
	LongFinancingIndex  num.Int `json:"long_financing_index"`
	ShortFinancingIndex num.Int `json:"short_financing_index"`

	LongFundingSnapSum    num.Int `json:"long_funding_snap_sum"`
	ShortFundingSnapSum   num.Int `json:"short_funding_snap_sum"`
	LongFinancingSnapSum  num.Int `json:"long_financing_snap_sum"`
	ShortFinancingSnapSum num.Int `json:"short_financing_snap_sum"`

	FundingVelocity     num.Int `json:"funding_velocity"`      // 每日费率 (WAD)
	FinancingRate       num.Int `json:"financing_rate"`        // 年化 (WAD)
	LastFundingUpdate   int64   `json:"last_funding_update"`
	LastFinancingUpdate int64   `json:"last_financing_update"`
}

// OpenInterest 多空合计 (数量)
func (s SymbolState) OpenInterest() num.Int {
	return s.LongSize.Add(s.ShortSize)
}

// UnsettledFunding 所有持仓尚未结算的资金费 (WAD，正数=交易者欠 LP)
func (s SymbolState) UnsettledFunding() num.Int {
	long := s.LongSize.Mul(s.LongFundingIndex).Sub(s.LongFundingSnapSum)
	short := s.ShortSize.Mul(s.ShortFundingIndex).Sub(s.ShortFundingSnapSum)
	return long.Add(short).Quo(num.WAD)
}

// UnsettledFinancing 所有持仓尚未结算的融资费 (WAD)
func (s SymbolState) UnsettledFinancing() num.Int {
	long := s.LongSize.Mul(s.LongFinancingIndex).Sub(s.LongFinancingSnapSum)
	short := s.ShortSize.Mul(s.ShortFinancingIndex).Sub(s.ShortFinancingSnapSum)
	return long.Add(short).Quo(num.WAD)
}

// TraderPnl 交易者整体未实现盈亏 (WAD)
func (s SymbolState) TraderPnl(price num.Int) num.Int {
	return s.NetSize.WMul(price).Sub(s.NetCost)
}

// FeeInfo 资金费/融资费概览
type FeeInfo struct {
	Symbol              string  `json:"symbol"`
	FundingVelocity     num.Int `json:"funding_velocity"`
	FinancingRate       num.Int `json:"financing_rate"`
	LongFundingIndex    num.Int `json:"long_funding_index"`
	ShortFundingIndex   num.Int `json:"short_funding_index"`
	LongFinancingIndex  num.Int `json:"long_financing_index"`
	ShortFinancingIndex num.Int `json:"short_financing_index"`
	LastFundingUpdate   int64   `json:"last_funding_update"`
	LastFinancingUpdate int64   `json:"last_financing_update"`
}

// =============================================================================
// PerpTracker
// =============================================================================

// PerpTracker 持仓跟踪器
type PerpTracker struct {
	params    *config.Store
	symbols   *ledger.Map[string, SymbolState]
	positions *ledger.Map[PositionKey, Position]
	log       *zap.Logger
}

func NewPerpTracker(params *config.Store) *PerpTracker {
	return &PerpTracker{
		params:    params,
		symbols:   ledger.NewMap[string, SymbolState](),
		positions: ledger.NewMap[PositionKey, Position](),
		log:       zap.L().Named("perp"),
	}
}

// AddMarketToken 上架资产
func (t *PerpTracker) AddMarketToken(tx *ledger.Tx, symbol string) error {
	if symbol == "" {
		return ErrUnsupportedAsset
	}
	if t.symbols.Has(symbol) {
		return ErrAssetExists
	}
	t.symbols.Set(tx, symbol, SymbolState{
		Symbol:              symbol,
		LastFundingUpdate:   tx.Now(),
		LastFinancingUpdate: tx.Now(),
	})
	t.log.Info("market listed", zap.String("symbol", symbol))
	return nil
}

// RemoveToken 下架资产，仍有持仓时失败
func (t *PerpTracker) RemoveToken(tx *ledger.Tx, symbol string) error {
	st, ok := t.symbols.Get(symbol)
	if !ok {
		return ErrUnsupportedAsset
	}
	if !st.LongSize.IsZero() || !st.ShortSize.IsZero() {
		return ErrOpenInterest
	}
	t.symbols.Delete(tx, symbol)
	t.log.Info("market delisted", zap.String("symbol", symbol))
	return nil
}

// HasToken 资产是否已上架
func (t *PerpTracker) HasToken(symbol string) bool {
	return t.symbols.Has(symbol)
}

// Tokens 已上架资产 (按名字排序)
func (t *PerpTracker) Tokens() []string {
	return t.symbols.Keys(func(a, b string) bool { return a < b })
}

// =============================================================================
// 指数推进
// =============================================================================

// FundingVelocity 由偏斜计算每日资金费率
//
// capacity 为 0 时，只要有偏斜就直接打满
func FundingVelocity(skewValue, capacity, maxVelocity num.Int) num.Int {
	if skewValue.IsZero() {
		return num.Zero
	}
	if !capacity.IsPos() {
		if skewValue.IsPos() {
			return maxVelocity
		}
		return maxVelocity.Neg()
	}
	v := skewValue.MulDiv(maxVelocity, capacity)
	return num.Clamp(v, maxVelocity.Neg(), maxVelocity)
}

// FinancingRate 偏重一方的年化融资费率
func FinancingRate(skewValue, capacity, maxRate num.Int) num.Int {
	if skewValue.IsZero() {
		return num.Zero
	}
	if !capacity.IsPos() {
		return maxRate
	}
	ratio := num.Min(skewValue.Abs().WDiv(capacity), num.WAD)
	return maxRate.WMul(ratio)
}

// UpdateFunding 把资金费指数推进到当前时间
//
// 本段时间内偏斜不变 (每次成交前都会先推进)，所以用当前偏斜计算费率
func (t *PerpTracker) UpdateFunding(tx *ledger.Tx, symbol string, price, capacity num.Int) error {
	st, ok := t.symbols.Get(symbol)
	if !ok {
		return ErrUnsupportedAsset
	}
	now := tx.Now()
	dt := now - st.LastFundingUpdate

	v := num.Zero
	if !st.NetSize.IsZero() {
		maxV := t.params.Get(config.Domain(symbol), config.MaxFundingVelocity)
		v = FundingVelocity(st.NetSize.WMul(price), capacity, maxV)
		if dt > 0 && !v.IsZero() {
			delta := v.Mul(price).MulDiv(num.New(dt), num.WAD.Mul(num.New(interest.SecondsPerDay)))
			st.LongFundingIndex = st.LongFundingIndex.Add(delta)
			st.ShortFundingIndex = st.ShortFundingIndex.Sub(delta)
		}
	}
	st.FundingVelocity = v
	st.LastFundingUpdate = now
	t.symbols.Set(tx, symbol, st)
	return nil
}

// UpdateFinancingFee 把融资费指数推进到当前时间，只加在偏重一方
func (t *PerpTracker) UpdateFinancingFee(tx *ledger.Tx, symbol string, price, capacity num.Int) error {
	st, ok := t.symbols.Get(symbol)
	if !ok {
		return ErrUnsupportedAsset
	}
	now := tx.Now()
	dt := now - st.LastFinancingUpdate

	rate := num.Zero
	if !st.NetSize.IsZero() {
		maxRate := t.params.Get(config.Domain(symbol), config.MaxFinancingFeeRate)
		skewValue := st.NetSize.WMul(price)
		rate = FinancingRate(skewValue, capacity, maxRate)
		if dt > 0 && !rate.IsZero() {
			delta := rate.Mul(price).MulDiv(num.New(dt), num.WAD.Mul(num.New(interest.SecondsPerYear)))
			if st.NetSize.IsPos() {
				st.LongFinancingIndex = st.LongFinancingIndex.Add(delta)
			} else {
				st.ShortFinancingIndex = st.ShortFinancingIndex.Add(delta)
			}
		}
	}
	st.FinancingRate = rate
	st.LastFinancingUpdate = now
	t.symbols.Set(tx, symbol, st)
	return nil
}

// =============================================================================
// 持仓结算与成交
// =============================================================================

func sideIndices(st SymbolState, side Side) (funding, financing num.Int) {
	if side == SideShort {
		return st.ShortFundingIndex, st.ShortFinancingIndex
	}
	return st.LongFundingIndex, st.LongFinancingIndex
}

// addContribution 把一个持仓计入 (sign=1) 或移出 (sign=-1) 所在方向的规模和快照和
func addContribution(st *SymbolState, p Position, sign int64) {
	if p.Size.IsZero() {
		return
	}
	s := num.New(sign)
	abs := p.Size.Abs().Mul(s)
	fSum := abs.Mul(p.FundingSnap)
	finSum := abs.Mul(p.FinancingSnap)
	if p.Size.IsPos() {
		st.LongSize = st.LongSize.Add(abs)
		st.LongFundingSnapSum = st.LongFundingSnapSum.Add(fSum)
		st.LongFinancingSnapSum = st.LongFinancingSnapSum.Add(finSum)
	} else {
		st.ShortSize = st.ShortSize.Add(abs)
		st.ShortFundingSnapSum = st.ShortFundingSnapSum.Add(fSum)
		st.ShortFinancingSnapSum = st.ShortFinancingSnapSum.Add(finSum)
	}
}

// PendingCharges 持仓按当前指数尚未结算的资金费和融资费 (正数=账户应付)
func (t *PerpTracker) PendingCharges(key PositionKey) (funding, financing num.Int) {
	pos, ok := t.positions.Get(key)
	if !ok || pos.Size.IsZero() {
		return num.Zero, num.Zero
	}
	st, ok := t.symbols.Get(key.Asset)
	if !ok {
		return num.Zero, num.Zero
	}
	fIdx, finIdx := sideIndices(st, pos.Side())
	abs := pos.Size.Abs()
	return abs.Mul(fIdx.Sub(pos.FundingSnap)).Quo(num.WAD), abs.Mul(finIdx.Sub(pos.FinancingSnap)).Quo(num.WAD)
}

// settlePosition 结算持仓的资金费和融资费，快照推进到当前指数
//
// 返回值正数表示账户应付给 LP；资金划转由调用方完成
func (t *PerpTracker) settlePosition(tx *ledger.Tx, key PositionKey) (funding, financing num.Int) {
	pos, ok := t.positions.Get(key)
	if !ok || pos.Size.IsZero() {
		return num.Zero, num.Zero
	}
	st := t.symbols.GetOr(key.Asset, SymbolState{})
	fIdx, finIdx := sideIndices(st, pos.Side())
	if fIdx.Eq(pos.FundingSnap) && finIdx.Eq(pos.FinancingSnap) {
		return num.Zero, num.Zero
	}
	funding, financing = t.PendingCharges(key)

	addContribution(&st, pos, -1)
	pos.FundingSnap = fIdx
	pos.FinancingSnap = finIdx
	pos.UpdatedAt = tx.Now()
	addContribution(&st, pos, 1)

	t.positions.Set(tx, key, pos)
	t.symbols.Set(tx, key.Asset, st)
	return funding, financing
}

// trade 把成交应用到持仓和资产状态，返回实现盈亏 (WAD)
//
// 调用前持仓必须已经结算 (快照等于当前指数)
func (t *PerpTracker) trade(tx *ledger.Tx, key PositionKey, delta, price num.Int) (num.Int, error) {
	st, ok := t.symbols.Get(key.Asset)
	if !ok {
		return num.Zero, ErrUnsupportedAsset
	}
	pos := t.positions.GetOr(key, Position{Account: key.Account, Asset: key.Asset})

	addContribution(&st, pos, -1)

	res := applyTrade(pos.Size, pos.Cost, delta, price)
	oldCost := pos.Cost
	pos.Size = res.NewSize
	pos.Cost = res.NewCost
	pos.FundingSnap, pos.FinancingSnap = sideIndices(st, pos.Side())
	pos.UpdatedAt = tx.Now()

	addContribution(&st, pos, 1)

	st.NetSize = st.NetSize.Add(delta)
	st.NetCost = st.NetCost.Add(pos.Cost.Sub(oldCost))
	st.LpPosition = st.NetSize.Neg()

	if pos.IsOpen() {
		t.positions.Set(tx, key, pos)
	} else {
		t.positions.Delete(tx, key)
	}
	t.symbols.Set(tx, key.Asset, st)
	return res.Realized, nil
}

// =============================================================================
// 查询
// =============================================================================

// GetNetPositionSize 交易者净仓位
func (t *PerpTracker) GetNetPositionSize(symbol string) num.Int {
	return t.symbols.GetOr(symbol, SymbolState{}).NetSize
}

// GetLpPosition LP 隐含对手仓
func (t *PerpTracker) GetLpPosition(symbol string) num.Int {
	return t.symbols.GetOr(symbol, SymbolState{}).LpPosition
}

// GetTokenInfo 资产状态
func (t *PerpTracker) GetTokenInfo(symbol string) (SymbolState, bool) {
	return t.symbols.Get(symbol)
}

// GetFeeInfo 费率和指数
func (t *PerpTracker) GetFeeInfo(symbol string) (FeeInfo, bool) {
	st, ok := t.symbols.Get(symbol)
	if !ok {
		return FeeInfo{}, false
	}
	return FeeInfo{
		Symbol:              symbol,
		FundingVelocity:     st.FundingVelocity,
		FinancingRate:       st.FinancingRate,
		LongFundingIndex:    st.LongFundingIndex,
		ShortFundingIndex:   st.ShortFundingIndex,
		LongFinancingIndex:  st.LongFinancingIndex,
		ShortFinancingIndex: st.ShortFinancingIndex,
		LastFundingUpdate:   st.LastFundingUpdate,
		LastFinancingUpdate: st.LastFinancingUpdate,
	}, true
}

// Position 持仓 (不存在时返回零值)
func (t *PerpTracker) Position(account, asset string) Position {
	key := PositionKey{Account: account, Asset: asset}
	return t.positions.GetOr(key, Position{Account: account, Asset: asset})
}

// OpenPositions 账户的全部非零持仓 (按资产排序)
func (t *PerpTracker) OpenPositions(account string) []Position {
	var out []Position
	for _, sym := range t.Tokens() {
		if p, ok := t.positions.Get(PositionKey{Account: account, Asset: sym}); ok && p.IsOpen() {
			out = append(out, p)
		}
	}
	return out
}

// Accounts 持有仓位的账户 (去重)
func (t *PerpTracker) Accounts() []string {
	seen := make(map[string]struct{})
	t.positions.Range(func(k PositionKey, p Position) bool {
		if p.IsOpen() {
			seen[k.Account] = struct{}{}
		}
		return true
	})
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	return out
}
