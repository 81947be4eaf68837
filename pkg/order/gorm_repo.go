// 文件: pkg/order/gorm_repo.go
// 订单投影存储 (GORM，MySQL/PostgreSQL 通用)

package order

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ OrderRepository = (*GormOrderRepository)(nil)

type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

// Upsert 订单是账本的投影，重复写入同一状态是幂等的
func (r *GormOrderRepository) Upsert(ctx context.Context, orders ...*Order) error {
	if len(orders) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			UpdateAll: true,
		}).
		Create(orders).Error
}

func (r *GormOrderRepository) GetByOrderID(ctx context.Context, orderID int64) (*Order, error) {
	var order Order
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *GormOrderRepository) GetPendingByAccount(ctx context.Context, account string) ([]*Order, error) {
	var orders []*Order
	err := r.db.WithContext(ctx).
		Where("account = ? AND status = ?", account, StatusPending).
		Order("submit_time ASC").
		Find(&orders).Error
	return orders, err
}

// GetByAccountAndAsset 按提交时间倒序，asset 为空时查全部资产，limit <= 0 不限
func (r *GormOrderRepository) GetByAccountAndAsset(ctx context.Context, account, asset string, limit int) ([]*Order, error) {
	var orders []*Order
	q := r.db.WithContext(ctx).Where("account = ?", account)
	if asset != "" {
		q = q.Where("asset = ?", asset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Order("submit_time DESC").Find(&orders).Error
	return orders, err
}
