// 文件: pkg/store/cache_repo.go
// 查询侧 Redis 缓存
//
// 【装饰器】包装 Reader，调用方只看到 Reader 接口
// 【缓存策略】
// - 读: 先查 Redis，miss 则查 DB 并异步回填
// - 写: 快照写入器落库后调用 Invalidate 删缓存 (Cache Aside)

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"max.com/perpcore/pkg/futures"
	"max.com/perpcore/pkg/order"
)

var (
	_ Reader      = (*CachedReader)(nil)
	_ Invalidator = (*CachedReader)(nil)
)

const (
	cacheKeyPrefix    = "perp:"
	cacheKeyBalances  = cacheKeyPrefix + "balances:%s"
	cacheKeyPositions = cacheKeyPrefix + "positions:%s"
	cacheKeySymbol    = cacheKeyPrefix + "symbol:%s"

	cacheTTL = 10 * time.Minute
)

// CachedReader Redis 缓存装饰器
type CachedReader struct {
	repo  Reader
	redis *redis.Client
	log   *zap.Logger
}

func NewCachedReader(repo Reader, rds *redis.Client) *CachedReader {
	return &CachedReader{repo: repo, redis: rds, log: zap.L().Named("cache")}
}

// =============================================================================
// 读操作 (带缓存)
// =============================================================================

func (r *CachedReader) Balances(ctx context.Context, account string) ([]BalanceRow, error) {
	return cached(ctx, r, fmt.Sprintf(cacheKeyBalances, account), func() ([]BalanceRow, error) {
		return r.repo.Balances(ctx, account)
	})
}

func (r *CachedReader) Positions(ctx context.Context, account string) ([]futures.Position, error) {
	return cached(ctx, r, fmt.Sprintf(cacheKeyPositions, account), func() ([]futures.Position, error) {
		return r.repo.Positions(ctx, account)
	})
}

func (r *CachedReader) Symbol(ctx context.Context, symbol string) (*futures.SymbolState, error) {
	return cached(ctx, r, fmt.Sprintf(cacheKeySymbol, symbol), func() (*futures.SymbolState, error) {
		return r.repo.Symbol(ctx, symbol)
	})
}

// Global 全局状态变化频繁，不缓存
func (r *CachedReader) Global(ctx context.Context) (*futures.GlobalSnapshot, error) {
	return r.repo.Global(ctx)
}

// Events 流水只追加，直接查库
func (r *CachedReader) Events(ctx context.Context, account string, limit int) ([]EventRow, error) {
	return r.repo.Events(ctx, account, limit)
}

// AccountOrders 订单状态变化快，直接查库
func (r *CachedReader) AccountOrders(ctx context.Context, q OrderQuery) ([]order.Order, error) {
	return r.repo.AccountOrders(ctx, q)
}

func cached[T any](ctx context.Context, r *CachedReader, key string, load func() (T, error)) (T, error) {
	// 1. 查缓存
	data, err := r.redis.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return v, nil
		}
	}

	// 2. miss 查底层
	v, err := load()
	if err != nil {
		return v, err
	}

	// 3. 异步回填，不阻塞主流程
	go r.set(context.Background(), key, v)
	return v, nil
}

func (r *CachedReader) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, key, data, cacheTTL).Err(); err != nil {
		r.log.Debug("backfill cache", zap.String("key", key), zap.Error(err))
	}
}

// =============================================================================
// 失效
// =============================================================================

// Invalidate 删除账户和标的相关缓存
func (r *CachedReader) Invalidate(ctx context.Context, accounts, symbols []string) {
	keys := make([]string, 0, 2*len(accounts)+len(symbols))
	for _, a := range accounts {
		keys = append(keys, fmt.Sprintf(cacheKeyBalances, a), fmt.Sprintf(cacheKeyPositions, a))
	}
	for _, s := range symbols {
		keys = append(keys, fmt.Sprintf(cacheKeySymbol, s))
	}
	if len(keys) == 0 {
		return
	}
	if err := r.redis.Del(ctx, keys...).Err(); err != nil {
		r.log.Warn("invalidate cache", zap.Int("keys", len(keys)), zap.Error(err))
	}
}
