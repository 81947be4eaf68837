// 文件: pkg/config/store.go
// 类型化参数表 - Domain + Key -> 定点数
//
// 【设计】
// - 所有可调参数 (费率、限额、利率曲线、杠杆) 都是配置，不是常量
// - Domain 为空表示全局；资产 Domain 找不到时回落到全局，再回落到默认值
// - 值统一是 num.Int，按 Key 的单位解析 (WAD / 秒 / 稳定币原生精度)

package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"max.com/perpcore/pkg/num"
)

var ErrUnknownKey = errors.New("unknown config key")

// Domain 参数作用域
type Domain string

// Global 全局作用域
const Global Domain = ""

// Unit 参数单位
type Unit int8

const (
	UnitWad     Unit = iota // 1e18 定点
	UnitSeconds             // 整数秒
	UnitBase                // 稳定币原生精度
)

// Key 参数键
type Key uint8

const (
	MinOrderDelay Key = iota + 1
	OrderTTL
	MinKeeperFee
	MaxLeverage
	MaintenanceMarginRatio
	TradingFeeRatio
	LiquidationFeeRatio
	MinLiquidationFee
	MaxLiquidationFee
	LiquidationPenaltyRatio
	PenaltyInsuranceShare
	MaxFundingVelocity
	MaxFinancingFeeRate
	CapacityProportion
	SoftLimitRatio
	HardLimitRatio
	LpReserveRatio
	DebtLiquidationThreshold
	VertexDebtRatio
	VertexInterestRate
	MinInterestRate
	BaseMaxInterestRate
	MaxInterestRateCeiling
	MaxRateRatchetPerDay
)

type keyInfo struct {
	name string
	unit Unit
	def  string
}

var keyTable = map[Key]keyInfo{
	MinOrderDelay:            {"min_order_delay", UnitSeconds, "3"},
	OrderTTL:                 {"order_ttl", UnitSeconds, "300"},
	MinKeeperFee:             {"min_keeper_fee", UnitBase, "0"},
	MaxLeverage:              {"max_leverage", UnitWad, "20"},
	MaintenanceMarginRatio:   {"maintenance_margin_ratio", UnitWad, "0.01"},
	TradingFeeRatio:          {"trading_fee_ratio", UnitWad, "0.0005"},
	LiquidationFeeRatio:      {"liquidation_fee_ratio", UnitWad, "0.0035"},
	MinLiquidationFee:        {"min_liquidation_fee", UnitWad, "10"},
	MaxLiquidationFee:        {"max_liquidation_fee", UnitWad, "1000"},
	LiquidationPenaltyRatio:  {"liquidation_penalty_ratio", UnitWad, "0.005"},
	PenaltyInsuranceShare:    {"penalty_insurance_share", UnitWad, "0.5"},
	MaxFundingVelocity:       {"max_funding_velocity", UnitWad, "0.03"},
	MaxFinancingFeeRate:      {"max_financing_fee_rate", UnitWad, "0.1"},
	CapacityProportion:       {"capacity_proportion", UnitWad, "1"},
	SoftLimitRatio:           {"soft_limit_ratio", UnitWad, "0.5"},
	HardLimitRatio:           {"hard_limit_ratio", UnitWad, "0.8"},
	LpReserveRatio:           {"lp_reserve_ratio", UnitWad, "0.2"},
	DebtLiquidationThreshold: {"debt_liquidation_threshold", UnitWad, "0.95"},
	VertexDebtRatio:          {"vertex_debt_ratio", UnitWad, "0.4"},
	VertexInterestRate:       {"vertex_interest_rate", UnitWad, "0.25"},
	MinInterestRate:          {"min_interest_rate", UnitWad, "0.05"},
	BaseMaxInterestRate:      {"base_max_interest_rate", UnitWad, "1.2"},
	MaxInterestRateCeiling:   {"max_interest_rate_ceiling", UnitWad, "3"},
	MaxRateRatchetPerDay:     {"max_rate_ratchet_per_day", UnitWad, "0.1"},
}

var keyByName = func() map[string]Key {
	m := make(map[string]Key, len(keyTable))
	for k, info := range keyTable {
		m[info.name] = k
	}
	return m
}()

func (k Key) String() string {
	if info, ok := keyTable[k]; ok {
		return info.name
	}
	return "UNKNOWN"
}

// Unit 参数单位
func (k Key) Unit() Unit {
	return keyTable[k].unit
}

// ParseKey 按名字查找 Key
func ParseKey(name string) (Key, error) {
	if k, ok := keyByName[name]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownKey, name)
}

// ParseValue 按 Key 的单位解析十进制字符串
func ParseValue(k Key, s string) (num.Int, error) {
	switch k.Unit() {
	case UnitSeconds:
		return num.Parse(s, 0)
	case UnitBase:
		return num.Parse(s, num.BaseDecimals)
	default:
		return num.Parse(s, num.Decimals)
	}
}

// =============================================================================
// Store
// =============================================================================

// Store 参数表
type Store struct {
	mu       sync.RWMutex
	values   map[Domain]map[Key]num.Int
	defaults map[Key]num.Int
}

// NewStore 创建参数表 (全部 Key 带默认值)
func NewStore() *Store {
	s := &Store{
		values:   make(map[Domain]map[Key]num.Int),
		defaults: make(map[Key]num.Int, len(keyTable)),
	}
	for k, info := range keyTable {
		v, err := ParseValue(k, info.def)
		if err != nil {
			panic(err)
		}
		s.defaults[k] = v
	}
	return s
}

// Set 设置参数
func (s *Store) Set(d Domain, k Key, v num.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.values[d]
	if !ok {
		m = make(map[Key]num.Int)
		s.values[d] = m
	}
	m[k] = v
}

// Lookup 只查显式设置的值，不回落
func (s *Store) Lookup(d Domain, k Key) (num.Int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[d][k]
	return v, ok
}

// Unset 删除显式设置的值，之后按回落规则读取
func (s *Store) Unset(d Domain, k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values[d], k)
}

// SetString 按名字设置参数
func (s *Store) SetString(d Domain, name, value string) error {
	k, err := ParseKey(name)
	if err != nil {
		return err
	}
	v, err := ParseValue(k, value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	s.Set(d, k, v)
	return nil
}

// Get 读取参数: 资产作用域 -> 全局 -> 默认值
func (s *Store) Get(d Domain, k Key) num.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d != Global {
		if v, ok := s.values[d][k]; ok {
			return v
		}
	}
	if v, ok := s.values[Global][k]; ok {
		return v
	}
	return s.defaults[k]
}

// Global 读取全局参数
func (s *Store) Global(k Key) num.Int {
	return s.Get(Global, k)
}

// Seconds 读取秒数参数
func (s *Store) Seconds(d Domain, k Key) int64 {
	return s.Get(d, k).Int64()
}

// Dump 导出全部显式设置的参数 (调试/接口展示用)
func (s *Store) Dump() map[string]map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]string, len(s.values))
	for d, m := range s.values {
		name := string(d)
		if d == Global {
			name = "global"
		}
		entries := make(map[string]string, len(m))
		for k, v := range m {
			entries[k.String()] = v.String()
		}
		out[name] = entries
	}
	return out
}

// Keys 全部 Key (按定义顺序)
func Keys() []Key {
	keys := make([]Key, 0, len(keyTable))
	for k := range keyTable {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// BuildStore 由 market 配置段构建参数表
func BuildStore(m Market) (*Store, error) {
	s := NewStore()
	for name, value := range m.Params {
		if err := s.SetString(Global, name, value); err != nil {
			return nil, err
		}
	}
	for _, a := range m.Assets {
		for name, value := range a.Params {
			if err := s.SetString(Domain(a.Symbol), name, value); err != nil {
				return nil, fmt.Errorf("asset %s: %w", a.Symbol, err)
			}
		}
	}
	return s, nil
}
