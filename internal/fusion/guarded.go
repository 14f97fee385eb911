package fusion

import (
	"context"
	"errors"

	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/resilience"
	"memory-fusion-hub/internal/shared/storage"
	"memory-fusion-hub/internal/telemetry"
)

// 保护层名称
const (
	GuardBreaker  = "circuit_breaker"
	GuardBulkhead = "bulkhead"
)

// Guarded 在 Service 外层套用熔断器和舱壁
//
// 熔断器包裹所有访问存储/缓存的调用；舱壁只限制 Put 的并发。
// HealthStatus 不经过保护层，以便熔断打开时仍能探测恢复。
type Guarded struct {
	inner    Service
	breaker  resilience.Guard
	bulkhead resilience.Guard
	metrics  *telemetry.Metrics
}

var _ Service = (*Guarded)(nil)

// NewGuarded 创建带保护的 Service，guard 为 nil 时不做限制
func NewGuarded(inner Service, breaker, bulkhead resilience.Guard, metrics *telemetry.Metrics) *Guarded {
	if breaker == nil {
		breaker = resilience.NoOp{}
	}
	if bulkhead == nil {
		bulkhead = resilience.NoOp{}
	}
	return &Guarded{inner: inner, breaker: breaker, bulkhead: bulkhead, metrics: metrics}
}

// Inner 被保护的 Service
func (g *Guarded) Inner() Service { return g.inner }

func (g *Guarded) run(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	err := g.breaker.Execute(ctx, fn)
	g.observe()
	if resilience.IsRejected(err) {
		if g.metrics != nil {
			g.metrics.RecordOperation(op, 0, err)
		}
		return wrap(op, key, err)
	}
	return err
}

func (g *Guarded) observe() {
	if g.metrics != nil {
		g.metrics.SetBreakerState(GuardBreaker, g.breaker.State())
	}
}

func (g *Guarded) Get(ctx context.Context, key, agentID string) (rec model.Record, err error) {
	err = g.run(ctx, "get", key, func(ctx context.Context) error {
		var ierr error
		rec, ierr = g.inner.Get(ctx, key, agentID)
		return ierr
	})
	return rec, err
}

func (g *Guarded) Put(ctx context.Context, key string, rec model.Record, agentID string) (res *PutResult, err error) {
	err = g.bulkhead.Execute(ctx, func(ctx context.Context) error {
		return g.run(ctx, "put", key, func(ctx context.Context) error {
			var ierr error
			res, ierr = g.inner.Put(ctx, key, rec, agentID)
			return ierr
		})
	})
	if err != nil {
		// 内层错误已是 *Error 且已计入指标，这里只处理舱壁拒绝或排队超时
		var fe *Error
		if !errors.As(err, &fe) && g.metrics != nil {
			g.metrics.RecordOperation("put", 0, err)
		}
		return nil, wrap("put", key, err)
	}
	return res, nil
}

func (g *Guarded) Delete(ctx context.Context, key, agentID string) (ok bool, err error) {
	err = g.run(ctx, "delete", key, func(ctx context.Context) error {
		var ierr error
		ok, ierr = g.inner.Delete(ctx, key, agentID)
		return ierr
	})
	return ok, err
}

func (g *Guarded) Exists(ctx context.Context, key string) (ok bool, err error) {
	err = g.run(ctx, "exists", key, func(ctx context.Context) error {
		var ierr error
		ok, ierr = g.inner.Exists(ctx, key)
		return ierr
	})
	return ok, err
}

func (g *Guarded) ListKeys(ctx context.Context, prefix string, limit int) (keys []string, err error) {
	err = g.run(ctx, "list_keys", prefix, func(ctx context.Context) error {
		var ierr error
		keys, ierr = g.inner.ListKeys(ctx, prefix, limit)
		return ierr
	})
	return keys, err
}

func (g *Guarded) BatchGet(ctx context.Context, keys []string, agentID string) (out map[string]model.Record, err error) {
	err = g.run(ctx, "batch_get", "", func(ctx context.Context) error {
		var ierr error
		out, ierr = g.inner.BatchGet(ctx, keys, agentID)
		return ierr
	})
	return out, err
}

func (g *Guarded) Search(ctx context.Context, q storage.SearchQuery) (out []model.Record, err error) {
	err = g.run(ctx, "search", "", func(ctx context.Context) error {
		var ierr error
		out, ierr = g.inner.Search(ctx, q)
		return ierr
	})
	return out, err
}

// HealthStatus 内层健康状态附加保护层状态
func (g *Guarded) HealthStatus(ctx context.Context) *HealthStatus {
	h := g.inner.HealthStatus(ctx)
	g.observe()
	if h.Guards == nil {
		h.Guards = make(map[string]string, 2)
	}
	h.Guards[GuardBreaker] = g.breaker.State()
	h.Guards[GuardBulkhead] = g.bulkhead.State()
	if h.Status == StatusHealthy && !g.breaker.Allow() {
		h.Status = StatusDegraded
	}
	return h
}
