package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	FailureThreshold int           // 连续失败多少次后打开
	ResetTimeout     time.Duration // 打开后多久允许试探
	// IsFailure 判断错误是否计入失败，nil 时除 context 取消外都计入
	IsFailure func(err error) bool
}

// CircuitBreaker 连续失败计数熔断器
//
// closed → 连续失败达到阈值 → open → ResetTimeout 后 half_open，
// 放行一个试探请求：成功回到 closed，失败重新 open。
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

var _ Guard = (*CircuitBreaker)(nil)

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// SetClock 替换时钟（测试用）
func (b *CircuitBreaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Execute 在熔断保护下执行 fn
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.acquire() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// Allow 当前是否放行
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.currentState() {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		return !b.probing
	}
	return true
}

// State 当前状态
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState().String()
}

// Failures 当前连续失败次数
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// currentState 计算包含超时迁移在内的状态，调用方持有锁
func (b *CircuitBreaker) currentState() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = BreakerHalfOpen
		b.probing = false
	}
	return b.state
}

func (b *CircuitBreaker) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.currentState() {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
	}
	return true
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil && b.cfg.IsFailure(err)
	if b.state == BreakerHalfOpen {
		b.probing = false
		if failed {
			b.trip()
		} else {
			b.state = BreakerClosed
			b.failures = 0
		}
		return
	}

	if !failed {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.trip()
	}
}

func (b *CircuitBreaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
}
