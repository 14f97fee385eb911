package resilience

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// BulkheadConfig 舱壁配置
type BulkheadConfig struct {
	MaxConcurrent int64 // 同时执行的调用数
	MaxQueueSize  int64 // 等待执行的调用数上限，0 表示不排队
}

// Bulkhead 并发隔离
//
// 超过 MaxConcurrent 的调用排队等待；排队数超过 MaxQueueSize 时立即拒绝。
type Bulkhead struct {
	cfg     BulkheadConfig
	sem     *semaphore.Weighted
	waiting atomic.Int64
	active  atomic.Int64
}

var _ Guard = (*Bulkhead)(nil)

// NewBulkhead 创建舱壁
func NewBulkhead(cfg BulkheadConfig) *Bulkhead {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.MaxQueueSize < 0 {
		cfg.MaxQueueSize = 0
	}
	return &Bulkhead{cfg: cfg, sem: semaphore.NewWeighted(cfg.MaxConcurrent)}
}

// Execute 获取执行槽后运行 fn
func (b *Bulkhead) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.sem.TryAcquire(1) {
		if b.waiting.Add(1) > b.cfg.MaxQueueSize {
			b.waiting.Add(-1)
			return ErrBulkheadFull
		}
		err := b.sem.Acquire(ctx, 1)
		b.waiting.Add(-1)
		if err != nil {
			return fmt.Errorf("bulkhead wait: %w", err)
		}
	}
	defer b.sem.Release(1)

	b.active.Add(1)
	defer b.active.Add(-1)
	return fn(ctx)
}

// Allow 是否还有执行槽或排队位置
func (b *Bulkhead) Allow() bool {
	return b.active.Load() < b.cfg.MaxConcurrent || b.waiting.Load() < b.cfg.MaxQueueSize
}

// State 当前占用情况
func (b *Bulkhead) State() string {
	return fmt.Sprintf("active=%d/%d waiting=%d/%d",
		b.active.Load(), b.cfg.MaxConcurrent, b.waiting.Load(), b.cfg.MaxQueueSize)
}

// Active 正在执行的调用数
func (b *Bulkhead) Active() int64 { return b.active.Load() }

// Waiting 排队中的调用数
func (b *Bulkhead) Waiting() int64 { return b.waiting.Load() }
