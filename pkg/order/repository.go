// 文件: pkg/order/repository.go
package order

import "context"

type OrderRepository interface {
	// 写入 (按 order_id 覆盖)
	Upsert(ctx context.Context, orders ...*Order) error

	// 查询
	GetByOrderID(ctx context.Context, orderID int64) (*Order, error)
	GetPendingByAccount(ctx context.Context, account string) ([]*Order, error)
	GetByAccountAndAsset(ctx context.Context, account, asset string, limit int) ([]*Order, error)
}
