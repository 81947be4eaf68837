// 文件: pkg/store/journal_writer.go
// 事件流水写入器
//
// 消费 Kafka / NATS 送来的事件，写入 perp_events:
// - 批量写入提高吞吐
// - 按 seq 幂等，重复投递无副作用
// - 清算罚金和穿仓核销同时派生保险基金流水

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"max.com/perpcore/pkg/event"
	"max.com/perpcore/pkg/num"
)

// JournalWriterConfig 配置
type JournalWriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultJournalWriterConfig 默认配置
func DefaultJournalWriterConfig() JournalWriterConfig {
	return JournalWriterConfig{
		BatchSize:     100,
		FlushInterval: 500 * time.Millisecond,
	}
}

// JournalWriterStats 写入统计
type JournalWriterStats struct {
	ReceivedCount int64
	WrittenCount  int64
	ErrorCount    int64
	BatchCount    int64
}

// JournalWriter 流水写入器
type JournalWriter struct {
	repo JournalRepository
	cfg  JournalWriterConfig
	log  *zap.Logger

	mu     sync.Mutex
	events []EventRow
	funds  []InsuranceFundLog
	stats  JournalWriterStats

	flushCh chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewJournalWriter 创建写入器
func NewJournalWriter(repo JournalRepository, cfg JournalWriterConfig) *JournalWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultJournalWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultJournalWriterConfig().FlushInterval
	}
	return &JournalWriter{
		repo:    repo,
		cfg:     cfg,
		log:     zap.L().Named("journal"),
		events:  make([]EventRow, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
	}
}

// =============================================================================
// 消息处理
// =============================================================================

// Handle 处理一条事件 (kafka.EventHandler 签名)
func (w *JournalWriter) Handle(_ context.Context, env event.Envelope) error {
	fund, hasFund, err := insuranceLog(env)
	if err != nil {
		w.mu.Lock()
		w.stats.ErrorCount++
		w.mu.Unlock()
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}

	w.mu.Lock()
	w.events = append(w.events, EventRow{
		Seq:       env.Seq,
		Type:      string(env.Type),
		Account:   env.Account,
		Timestamp: env.Timestamp,
		Data:      []byte(env.Data),
		CreatedAt: time.Now(),
	})
	if hasFund {
		w.funds = append(w.funds, fund)
	}
	w.stats.ReceivedCount++
	full := len(w.events) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// HandleEvent nats.EventHandler 签名
func (w *JournalWriter) HandleEvent(env event.Envelope) error {
	return w.Handle(context.Background(), env)
}

// insuranceLog 从清算 / 穿仓事件派生保险基金流水
func insuranceLog(env event.Envelope) (InsuranceFundLog, bool, error) {
	row := InsuranceFundLog{Seq: env.Seq, Account: env.Account, Timestamp: env.Timestamp}
	switch env.Type {
	case event.TypePositionLiquidated:
		var p event.PositionLiquidated
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return row, false, err
		}
		if !p.ToInsurance.IsPos() {
			return row, false, nil
		}
		row.Kind = "penalty"
		row.Amount = num.ToWad(p.ToInsurance)
	case event.TypeDeficitLoss:
		var d event.DeficitLoss
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return row, false, err
		}
		if !d.InsuranceCovered.IsPos() {
			return row, false, nil
		}
		row.Kind = "deficit"
		row.Amount = d.InsuranceCovered.Neg()
	default:
		return row, false, nil
	}
	row.CreatedAt = time.Now()
	return row, true, nil
}

// =============================================================================
// 批量写入
// =============================================================================

// Flush 刷新缓冲写入数据库，失败的批次放回缓冲头部
func (w *JournalWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	events, funds := w.events, w.funds
	w.events = make([]EventRow, 0, w.cfg.BatchSize)
	w.funds = nil
	w.mu.Unlock()

	if len(events) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := w.repo.InsertEvents(ctx, events)
	if err == nil {
		err = w.repo.InsertInsuranceLogs(ctx, funds)
	}
	if err != nil {
		w.mu.Lock()
		w.events = append(events, w.events...)
		w.funds = append(funds, w.funds...)
		w.stats.ErrorCount++
		w.mu.Unlock()
		w.log.Error("batch insert", zap.Int("events", len(events)), zap.Error(err))
		return err
	}

	w.mu.Lock()
	w.stats.WrittenCount += int64(len(events))
	w.stats.BatchCount++
	w.mu.Unlock()
	return nil
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动定时刷新
func (w *JournalWriter) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				_ = w.Flush(context.Background())
				return
			case <-ticker.C:
				_ = w.Flush(ctx)
			case <-w.flushCh:
				_ = w.Flush(ctx)
			}
		}
	}()
}

// Stop 停止写入器
func (w *JournalWriter) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// Stats 获取统计
func (w *JournalWriter) Stats() JournalWriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
