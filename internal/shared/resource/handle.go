// Package resource 外部资源连接句柄
//
// 每个后端组件（存储、缓存、事件日志）通过 Handle 管理自己的连接：
//   - uninitialized：尚未尝试连接
//   - healthy：连接可用
//   - degraded：连接失败或最近一次操作失败
//
// Acquire 只在从未尝试过连接时建立连接，失败后直接返回最近的错误，供请求路径使用；
// Ensure 在未连接时总会重试，供健康探测使用。
package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ============================================================================
// Status - 组件状态
// ============================================================================

// Status 组件状态
type Status int32

const (
	StatusUninitialized Status = iota
	StatusHealthy
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	default:
		return "uninitialized"
	}
}

// Flag 并发安全的状态标记（在两次探测之间保持不变）
type Flag struct {
	v atomic.Int32
}

// Load 读取当前状态
func (f *Flag) Load() Status { return Status(f.v.Load()) }

// Set 设置状态
func (f *Flag) Set(s Status) { f.v.Store(int32(s)) }

// Healthy 当前是否健康
func (f *Flag) Healthy() bool { return f.Load() == StatusHealthy }

// ============================================================================
// Handle - 延迟连接句柄
// ============================================================================

// ErrClosed 句柄已关闭
var ErrClosed = errors.New("resource closed")

// ErrUnavailable 连接失败过且尚未被 Ensure 恢复
var ErrUnavailable = errors.New("resource unavailable")

type unavailableError struct {
	name string
	err  error
}

func (e *unavailableError) Error() string {
	if e.err == nil {
		return e.name + ": " + ErrUnavailable.Error()
	}
	return e.name + ": " + ErrUnavailable.Error() + ": " + e.err.Error()
}

func (e *unavailableError) Unwrap() []error {
	if e.err == nil {
		return []error{ErrUnavailable}
	}
	return []error{ErrUnavailable, e.err}
}

// ConnectFunc 建立连接
type ConnectFunc[T any] func(ctx context.Context) (T, error)

// Handle 延迟建立的资源连接
//
// 建立连接在 dial 锁内进行，不持有状态锁；Acquire 的快速路径不会被进行中的重连阻塞。
type Handle[T any] struct {
	name    string
	connect ConnectFunc[T]

	dial sync.Mutex // 串行化连接尝试与 Close

	mu        sync.Mutex
	value     T
	connected bool
	attempted bool
	closed    bool
	lastErr   error
	status    Flag
}

// NewHandle 创建句柄，不会立即连接
func NewHandle[T any](name string, connect ConnectFunc[T]) *Handle[T] {
	return &Handle[T]{name: name, connect: connect}
}

// Ready 用已建立的连接创建句柄（状态为 healthy）
func Ready[T any](name string, value T) *Handle[T] {
	h := &Handle[T]{name: name, value: value, connected: true, attempted: true}
	h.status.Set(StatusHealthy)
	return h
}

// Name 资源名称
func (h *Handle[T]) Name() string { return h.name }

// Ensure 返回可用连接，必要时建立连接
//
// 连接失败时状态置为 degraded 并返回错误，下次调用会再次尝试。
func (h *Handle[T]) Ensure(ctx context.Context) (T, error) {
	return h.establish(ctx, true)
}

// Acquire 返回可用连接，不重试失败过的连接
//
// 首次调用负责建立连接，并发的首批调用者等待这一次结果；
// 之后未连接时立即返回 ErrUnavailable，直到 Ensure 恢复连接。
func (h *Handle[T]) Acquire(ctx context.Context) (T, error) {
	h.mu.Lock()
	v, done, err := h.readyLocked(false)
	h.mu.Unlock()
	if done {
		return v, err
	}
	return h.establish(ctx, false)
}

// readyLocked done=true 时无需（或不允许）再连接
func (h *Handle[T]) readyLocked(retry bool) (T, bool, error) {
	var zero T
	switch {
	case h.closed:
		return zero, true, ErrClosed
	case h.connected:
		return h.value, true, nil
	case h.attempted && !retry:
		return zero, true, &unavailableError{name: h.name, err: h.lastErr}
	case h.connect == nil:
		return zero, true, errors.New(h.name + ": no connect function")
	}
	return zero, false, nil
}

func (h *Handle[T]) establish(ctx context.Context, retry bool) (T, error) {
	h.dial.Lock()
	defer h.dial.Unlock()

	// 等待 dial 锁期间其它调用者可能已经完成连接
	h.mu.Lock()
	v, done, err := h.readyLocked(retry)
	h.mu.Unlock()
	if done {
		return v, err
	}

	v, err = h.connect(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempted = true
	if err != nil {
		h.lastErr = err
		h.status.Set(StatusDegraded)
		var zero T
		return zero, err
	}
	h.value = v
	h.connected = true
	h.lastErr = nil
	h.status.Set(StatusHealthy)
	return v, nil
}

// Current 返回已建立的连接，不会触发连接
func (h *Handle[T]) Current() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value, h.connected && !h.closed
}

// Status 当前状态
func (h *Handle[T]) Status() Status { return h.status.Load() }

// LastError 最近一次失败原因
func (h *Handle[T]) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// MarkDegraded 操作失败后标记为 degraded（连接保留）
func (h *Handle[T]) MarkDegraded(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
	h.status.Set(StatusDegraded)
}

// MarkHealthy 操作成功后恢复为 healthy
func (h *Handle[T]) MarkHealthy() {
	h.mu.Lock()
	connected := h.connected
	h.lastErr = nil
	h.mu.Unlock()
	if connected {
		h.status.Set(StatusHealthy)
	}
}

// Close 关闭连接，closeFn 仅在连接已建立时调用；会等待进行中的连接尝试
func (h *Handle[T]) Close(closeFn func(T) error) error {
	h.dial.Lock()
	defer h.dial.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.status.Set(StatusUninitialized)
	if !h.connected || closeFn == nil {
		return nil
	}
	h.connected = false
	return closeFn(h.value)
}
