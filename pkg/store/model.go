// 文件: pkg/store/model.go
// 持久化模型 - 账本状态的只读投影
//
// 大数统一存 varchar (num.Int 实现了 Valuer/Scanner)，避免 DECIMAL(65) 溢出。
// 写入只做 upsert，同一条记录重复写同一状态是幂等的

package store

import (
	"time"

	"max.com/perpcore/pkg/futures"
	"max.com/perpcore/pkg/num"
)

// BalanceRow 保证金余额 (代币原生精度，稳定币可为负 = 债务)
type BalanceRow struct {
	Account   string    `gorm:"column:account;type:varchar(64);primaryKey"`
	Token     string    `gorm:"column:token;type:varchar(32);primaryKey"`
	Amount    num.Int   `gorm:"column:amount;type:varchar(80)"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (BalanceRow) TableName() string { return "perp_balances" }

// PositionRow 持仓
type PositionRow struct {
	Account       string    `gorm:"column:account;type:varchar(64);primaryKey"`
	Asset         string    `gorm:"column:asset;type:varchar(32);primaryKey"`
	Size          num.Int   `gorm:"column:size;type:varchar(80)"`
	Cost          num.Int   `gorm:"column:cost;type:varchar(80)"`
	FundingSnap   num.Int   `gorm:"column:funding_snap;type:varchar(80)"`
	FinancingSnap num.Int   `gorm:"column:financing_snap;type:varchar(80)"`
	LedgerTime    int64     `gorm:"column:ledger_time"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (PositionRow) TableName() string { return "perp_positions" }

func positionRow(p futures.Position) PositionRow {
	return PositionRow{
		Account:       p.Account,
		Asset:         p.Asset,
		Size:          p.Size,
		Cost:          p.Cost,
		FundingSnap:   p.FundingSnap,
		FinancingSnap: p.FinancingSnap,
		LedgerTime:    p.UpdatedAt,
	}
}

// Position 转回领域模型
func (r PositionRow) Position() futures.Position {
	return futures.Position{
		Account:       r.Account,
		Asset:         r.Asset,
		Size:          r.Size,
		Cost:          r.Cost,
		FundingSnap:   r.FundingSnap,
		FinancingSnap: r.FinancingSnap,
		UpdatedAt:     r.LedgerTime,
	}
}

// SymbolRow 标的聚合状态，整行 JSON 存一份，常用列单独拆出便于查询
type SymbolRow struct {
	Symbol          string    `gorm:"column:symbol;type:varchar(32);primaryKey"`
	NetSize         num.Int   `gorm:"column:net_size;type:varchar(80)"`
	LongSize        num.Int   `gorm:"column:long_size;type:varchar(80)"`
	ShortSize       num.Int   `gorm:"column:short_size;type:varchar(80)"`
	FundingVelocity num.Int   `gorm:"column:funding_velocity;type:varchar(80)"`
	FinancingRate   num.Int   `gorm:"column:financing_rate;type:varchar(80)"`
	State           []byte    `gorm:"column:state;type:text"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

func (SymbolRow) TableName() string { return "perp_symbols" }

// GlobalRow 全局状态 (单行，ID 固定为 1)
type GlobalRow struct {
	ID            int       `gorm:"column:id;primaryKey;autoIncrement:false"`
	LpBalance     num.Int   `gorm:"column:lp_balance;type:varchar(80)"`
	InsuranceFund num.Int   `gorm:"column:insurance_fund;type:varchar(80)"`
	TotalShares   num.Int   `gorm:"column:total_shares;type:varchar(80)"`
	TotalDebt     num.Int   `gorm:"column:total_debt;type:varchar(80)"`
	NetValue      num.Int   `gorm:"column:net_value;type:varchar(80)"`
	State         []byte    `gorm:"column:state;type:text"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (GlobalRow) TableName() string { return "perp_global" }

const globalRowID = 1

// EventRow 事件流水，seq 全局唯一，重复消费直接忽略
type EventRow struct {
	Seq       int64     `gorm:"column:seq;primaryKey;autoIncrement:false"`
	Type      string    `gorm:"column:type;type:varchar(40);index"`
	Account   string    `gorm:"column:account;type:varchar(64);index"`
	Timestamp int64     `gorm:"column:ts;index"`
	Data      []byte    `gorm:"column:data;type:text"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (EventRow) TableName() string { return "perp_events" }

// InsuranceFundLog 保险基金变动流水 (从清算和穿仓事件派生)
type InsuranceFundLog struct {
	Seq       int64     `gorm:"column:seq;primaryKey;autoIncrement:false"`
	Kind      string    `gorm:"column:kind;type:varchar(16)"` // penalty / deficit
	Account   string    `gorm:"column:account;type:varchar(64);index"`
	Amount    num.Int   `gorm:"column:amount;type:varchar(80)"` // WAD，负数为支出
	Timestamp int64     `gorm:"column:ts"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (InsuranceFundLog) TableName() string { return "perp_insurance_fund_logs" }

// AllModels AutoMigrate 用
func AllModels() []any {
	return []any{
		&BalanceRow{},
		&PositionRow{},
		&SymbolRow{},
		&GlobalRow{},
		&EventRow{},
		&InsuranceFundLog{},
	}
}
