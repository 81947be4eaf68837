// 文件: pkg/ledger/ledger.go
// 事务账本 - 所有状态变更都在一个全局串行的事务里完成
//
// 【核心思路】撤销日志 (Undo Log)
// - 每次写入前，把旧值的恢复动作压栈
// - 事务失败: 逆序执行恢复动作，状态逐字节回到调用前
// - 事务成功: 丢弃撤销日志，执行提交钩子 (持久化、事件、指标)
//
// 【保存点】
// 订单执行失败时要"回滚成交，但保留 Failed 状态和 keeper 费"，
// 用 Savepoint/RollbackTo 实现部分回滚
//
// 【串行】
// Exec 持有互斥锁，保证事务一个接一个执行，外部看不到中间状态

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"max.com/perpcore/pkg/num"
)

// =============================================================================
// 时钟
// =============================================================================

// Clock 账本时间源 (秒)
type Clock interface {
	Now() int64
}

// SystemClock 系统时钟
type SystemClock struct{}

func (SystemClock) Now() int64 { return time.Now().Unix() }

// ManualClock 手动时钟，用于测试和回放
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

func NewManualClock(start int64) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 前进 d 秒
func (c *ManualClock) Advance(d int64) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

func (c *ManualClock) Set(now int64) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// =============================================================================
// Tx - 事务
// =============================================================================

// Tx 一次事务的上下文
type Tx struct {
	ctx  context.Context
	now  int64
	undo []func()

	// 提交后执行 (按 key 去重，保证同一条记录只持久化最终值)
	dirty      map[dirtyKey]func()
	dirtyOrder []dirtyKey

	events []any
}

type dirtyKey struct {
	owner any
	key   any
}

// Savepoint 保存点
type Savepoint struct {
	undo   int
	events int
}

func newTx(ctx context.Context, now int64) *Tx {
	return &Tx{
		ctx:   ctx,
		now:   now,
		dirty: make(map[dirtyKey]func()),
	}
}

// NewDetachedTx 创建不经过 Ledger 的事务，只给单元测试直接驱动组件用
func NewDetachedTx(ctx context.Context, now int64) *Tx {
	return newTx(ctx, now)
}

// Context 事务的 context
func (tx *Tx) Context() context.Context { return tx.ctx }

// Now 事务时间戳 (整个事务内不变)
func (tx *Tx) Now() int64 { return tx.now }

// OnUndo 登记一个回滚动作
func (tx *Tx) OnUndo(fn func()) {
	tx.undo = append(tx.undo, fn)
}

func (tx *Tx) markDirty(owner, key any, fn func()) {
	k := dirtyKey{owner: owner, key: key}
	if _, ok := tx.dirty[k]; !ok {
		tx.dirtyOrder = append(tx.dirtyOrder, k)
	}
	tx.dirty[k] = fn
}

// Emit 缓存一个事件，只有提交成功才会发出
func (tx *Tx) Emit(ev any) {
	tx.events = append(tx.events, ev)
}

// Events 当前已缓存的事件
func (tx *Tx) Events() []any {
	return tx.events
}

// Savepoint 创建保存点
func (tx *Tx) Savepoint() Savepoint {
	return Savepoint{undo: len(tx.undo), events: len(tx.events)}
}

// RollbackTo 回滚到保存点
func (tx *Tx) RollbackTo(sp Savepoint) {
	for i := len(tx.undo) - 1; i >= sp.undo; i-- {
		tx.undo[i]()
	}
	tx.undo = tx.undo[:sp.undo]
	tx.events = tx.events[:sp.events]
}

// Rollback 全部回滚
func (tx *Tx) Rollback() {
	tx.RollbackTo(Savepoint{})
}

func (tx *Tx) commitHooks() {
	for _, k := range tx.dirtyOrder {
		tx.dirty[k]()
	}
}

// =============================================================================
// Ledger - 串行执行器
// =============================================================================

// CommitFunc 事务提交后的回调，拿到本次事务发出的全部事件
type CommitFunc func(ctx context.Context, events []any)

// Ledger 串行事务执行器
type Ledger struct {
	mu       sync.Mutex
	clock    Clock
	onCommit []CommitFunc
	log      *zap.Logger
}

func New(clock Clock) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{clock: clock, log: zap.L().Named("ledger")}
}

// Clock 账本时钟
func (l *Ledger) Clock() Clock { return l.clock }

// OnCommit 注册提交回调
func (l *Ledger) OnCommit(fn CommitFunc) {
	l.mu.Lock()
	l.onCommit = append(l.onCommit, fn)
	l.mu.Unlock()
}

// Exec 执行一个事务
//
// fn 返回错误或发生溢出 panic 时整体回滚；其它 panic 回滚后继续抛出
func (l *Ledger) Exec(ctx context.Context, fn func(tx *Tx) error) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := newTx(ctx, l.clock.Now())

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			if e, ok := r.(error); ok && (errors.Is(e, num.ErrOverflow) || errors.Is(e, num.ErrDivByZero)) {
				err = fmt.Errorf("arithmetic: %w", e)
				l.log.Warn("tx reverted", zap.Error(err))
				return
			}
			panic(r)
		}
	}()

	if err = fn(tx); err != nil {
		tx.Rollback()
		l.log.Debug("tx reverted", zap.Error(err))
		return err
	}

	tx.commitHooks()
	for _, cb := range l.onCommit {
		cb(ctx, tx.events)
	}
	return nil
}

// View 只读访问，同样串行，保证读到的是事务边界上的一致快照
func (l *Ledger) View(fn func(now int64) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l.clock.Now())
}
