// 文件: pkg/store/repository.go
// 快照仓库 (GORM 实现)
//
// 写: 快照写入器批量 upsert
// 读: 查询服务 / 对账 (账本本身才是真相，这里只是投影)

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"max.com/perpcore/pkg/futures"
	"max.com/perpcore/pkg/order"
)

var ErrNotFound = errors.New("record not found")

// SnapshotRepository 快照写入接口
type SnapshotRepository interface {
	UpsertBalances(ctx context.Context, rows []BalanceRow) error
	UpsertPositions(ctx context.Context, rows []PositionRow) error
	DeletePositions(ctx context.Context, keys []futures.PositionKey) error
	UpsertSymbols(ctx context.Context, rows []SymbolRow) error
	UpsertOrders(ctx context.Context, orders []order.Order) error
	SaveGlobal(ctx context.Context, row GlobalRow) error
}

// JournalRepository 流水写入接口
type JournalRepository interface {
	InsertEvents(ctx context.Context, rows []EventRow) error
	InsertInsuranceLogs(ctx context.Context, rows []InsuranceFundLog) error
}

// Reader 查询接口
type Reader interface {
	Balances(ctx context.Context, account string) ([]BalanceRow, error)
	Positions(ctx context.Context, account string) ([]futures.Position, error)
	Symbol(ctx context.Context, symbol string) (*futures.SymbolState, error)
	Global(ctx context.Context) (*futures.GlobalSnapshot, error)
	Events(ctx context.Context, account string, limit int) ([]EventRow, error)
	AccountOrders(ctx context.Context, q OrderQuery) ([]order.Order, error)
}

// OrderQuery 账户订单查询，Asset 为空表示全部资产
type OrderQuery struct {
	Account     string
	Asset       string
	PendingOnly bool
	Limit       int
}

var (
	_ SnapshotRepository = (*GormRepository)(nil)
	_ JournalRepository  = (*GormRepository)(nil)
	_ Reader             = (*GormRepository)(nil)
)

// GormRepository GORM 实现
type GormRepository struct {
	db     *gorm.DB
	orders *order.GormOrderRepository
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db, orders: order.NewGormOrderRepository(db)}
}

func orderModel() any { return &order.Order{} }

// Orders 订单仓库
func (r *GormRepository) Orders() *order.GormOrderRepository {
	return r.orders
}

// =============================================================================
// 写
// =============================================================================

func (r *GormRepository) UpsertBalances(ctx context.Context, rows []BalanceRow) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account"}, {Name: "token"}},
			DoUpdates: clause.AssignmentColumns([]string{"amount", "updated_at"}),
		}).
		Create(&rows).Error
}

func (r *GormRepository) UpsertPositions(ctx context.Context, rows []PositionRow) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account"}, {Name: "asset"}},
			UpdateAll: true,
		}).
		Create(&rows).Error
}

func (r *GormRepository) DeletePositions(ctx context.Context, keys []futures.PositionKey) error {
	if len(keys) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, k := range keys {
			err := tx.Where("account = ? AND asset = ?", k.Account, k.Asset).
				Delete(&PositionRow{}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *GormRepository) UpsertSymbols(ctx context.Context, rows []SymbolRow) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}},
			UpdateAll: true,
		}).
		Create(&rows).Error
}

func (r *GormRepository) UpsertOrders(ctx context.Context, orders []order.Order) error {
	ptrs := make([]*order.Order, len(orders))
	for i := range orders {
		ptrs[i] = &orders[i]
	}
	return r.orders.Upsert(ctx, ptrs...)
}

func (r *GormRepository) SaveGlobal(ctx context.Context, row GlobalRow) error {
	row.ID = globalRowID
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

// InsertEvents 按 seq 去重，重复消费的消息直接忽略
func (r *GormRepository) InsertEvents(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, 200).Error
}

func (r *GormRepository) InsertInsuranceLogs(ctx context.Context, rows []InsuranceFundLog) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}

// =============================================================================
// 读
// =============================================================================

func (r *GormRepository) Balances(ctx context.Context, account string) ([]BalanceRow, error) {
	var rows []BalanceRow
	err := r.db.WithContext(ctx).
		Where("account = ?", account).
		Order("token ASC").
		Find(&rows).Error
	return rows, err
}

func (r *GormRepository) Positions(ctx context.Context, account string) ([]futures.Position, error) {
	var rows []PositionRow
	err := r.db.WithContext(ctx).
		Where("account = ?", account).
		Order("asset ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]futures.Position, len(rows))
	for i, row := range rows {
		out[i] = row.Position()
	}
	return out, nil
}

func (r *GormRepository) Symbol(ctx context.Context, symbol string) (*futures.SymbolState, error) {
	var row SymbolRow
	err := r.db.WithContext(ctx).Where("symbol = ?", symbol).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var s futures.SymbolState
	if err := json.Unmarshal(row.State, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *GormRepository) Global(ctx context.Context) (*futures.GlobalSnapshot, error) {
	var row GlobalRow
	err := r.db.WithContext(ctx).Where("id = ?", globalRowID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var g futures.GlobalSnapshot
	if err := json.Unmarshal(row.State, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Events 账户最近的事件，按 seq 倒序
func (r *GormRepository) Events(ctx context.Context, account string, limit int) ([]EventRow, error) {
	var rows []EventRow
	err := r.db.WithContext(ctx).
		Where("account = ?", account).
		Order("seq DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// AccountOrders 账户订单: 挂单按提交时间正序，历史按倒序
func (r *GormRepository) AccountOrders(ctx context.Context, q OrderQuery) ([]order.Order, error) {
	var (
		rows []*order.Order
		err  error
	)
	if q.PendingOnly {
		rows, err = r.orders.GetPendingByAccount(ctx, q.Account)
	} else {
		rows, err = r.orders.GetByAccountAndAsset(ctx, q.Account, q.Asset, q.Limit)
	}
	if err != nil {
		return nil, err
	}
	out := make([]order.Order, 0, len(rows))
	for _, o := range rows {
		if q.PendingOnly && q.Asset != "" && o.Asset != q.Asset {
			continue
		}
		out = append(out, *o)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// 领域模型 -> 行
// =============================================================================

func symbolRow(s futures.SymbolState, now time.Time) (SymbolRow, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return SymbolRow{}, err
	}
	return SymbolRow{
		Symbol:          s.Symbol,
		NetSize:         s.NetSize,
		LongSize:        s.LongSize,
		ShortSize:       s.ShortSize,
		FundingVelocity: s.FundingVelocity,
		FinancingRate:   s.FinancingRate,
		State:           data,
		UpdatedAt:       now,
	}, nil
}

func globalRow(g futures.GlobalSnapshot, now time.Time) (GlobalRow, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return GlobalRow{}, err
	}
	return GlobalRow{
		ID:            globalRowID,
		LpBalance:     g.Pool.LpBalance,
		InsuranceFund: g.Pool.InsuranceFund,
		TotalShares:   g.Pool.TotalShares,
		TotalDebt:     g.Debt.TotalDebt,
		NetValue:      g.NetValue,
		State:         data,
		UpdatedAt:     now,
	}, nil
}
