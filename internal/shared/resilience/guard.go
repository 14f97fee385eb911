// Package resilience 服务调用保护
//
// Guard 包裹一次调用：熔断器在连续失败后拒绝请求，舱壁限制并发与排队数量。
// FusionService 只依赖 Guard 接口，具体状态机可替换。
package resilience

import (
	"context"
	"errors"
)

var (
	// ErrCircuitOpen 熔断器打开，请求被拒绝
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrBulkheadFull 舱壁排队已满
	ErrBulkheadFull = errors.New("bulkhead queue is full")
)

// Guard 调用保护
type Guard interface {
	// Execute 在保护下执行 fn
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	// Allow 当前是否会放行请求（不占用资源）
	Allow() bool
	// State 状态描述
	State() string
}

// NoOp 不做任何限制的 Guard
type NoOp struct{}

var _ Guard = NoOp{}

func (NoOp) Execute(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
func (NoOp) Allow() bool                                                         { return true }
func (NoOp) State() string                                                       { return "disabled" }

// IsRejected 错误是否来自保护层拒绝（而非调用本身失败）
func IsRejected(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrBulkheadFull)
}
