package fusion

import (
	"context"
	"time"

	"memory-fusion-hub/internal/shared/cache"
	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/resource"
	"memory-fusion-hub/internal/telemetry"
)

// 汇总状态
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ComponentHealth 单个组件的探测结果
type ComponentHealth struct {
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// HealthStatus 服务健康状态
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
	Telemetry  telemetry.Summary          `json:"telemetry"`
	CacheStats *cache.Stats               `json:"cache_stats,omitempty"`
	Guards     map[string]string          `json:"guards,omitempty"`
}

// Healthy 是否完全健康
func (h *HealthStatus) Healthy() bool { return h.Status == StatusHealthy }

// HealthStatus 重新探测存储、缓存和事件日志
//
// 存储不可用为 unhealthy；缓存或事件日志不可用为 degraded。
func (s *FusionService) HealthStatus(ctx context.Context) *HealthStatus {
	h := &HealthStatus{
		Timestamp:  model.Now(),
		Components: make(map[string]ComponentHealth, 3),
	}

	h.Components[ComponentRepository] = s.checkRepository(ctx)
	h.Components[ComponentCache] = s.checkCache(ctx)
	h.Components[ComponentEventLog] = s.checkEventLog(ctx)

	switch {
	case h.Components[ComponentRepository].Status != StatusHealthy:
		h.Status = StatusUnhealthy
	case h.Components[ComponentCache].Status != StatusHealthy,
		h.Components[ComponentEventLog].Status != StatusHealthy:
		h.Status = StatusDegraded
	default:
		h.Status = StatusHealthy
	}

	if stats, err := s.cache.Info(ctx); err == nil {
		h.CacheStats = stats
	}
	h.Telemetry = s.metrics.Summary()
	return h
}

// CheckCache 显式探测缓存，成功时恢复缓存使用
func (s *FusionService) CheckCache(ctx context.Context) bool {
	return s.checkCache(ctx).Status == StatusHealthy
}

func (s *FusionService) checkRepository(ctx context.Context) ComponentHealth {
	start := time.Now()
	_, err := s.repo.Exists(ctx, s.healthKey)
	s.repoResult(err)
	return componentHealth(start, err)
}

// checkCache 往返探测缓存；从降级恢复时清空缓存，丢弃降级期间可能过期的条目
func (s *FusionService) checkCache(ctx context.Context) ComponentHealth {
	start := time.Now()
	wasDegraded := s.cacheStatus.Load() == resource.StatusDegraded

	if !s.cache.HealthCheck(ctx) {
		s.setStatus(ComponentCache, &s.cacheStatus, resource.StatusDegraded)
		return ComponentHealth{Status: StatusUnhealthy, Error: "cache round trip failed", LatencyMs: since(start)}
	}

	if wasDegraded {
		n, err := s.cache.ClearAll(ctx)
		if err != nil {
			s.setStatus(ComponentCache, &s.cacheStatus, resource.StatusDegraded)
			return componentHealth(start, err)
		}
		s.logger.WithContext(ctx).Info("Cache recovered, stale entries dropped", "cleared", n)
	}
	s.setStatus(ComponentCache, &s.cacheStatus, resource.StatusHealthy)
	return componentHealth(start, nil)
}

func (s *FusionService) checkEventLog(ctx context.Context) ComponentHealth {
	start := time.Now()
	_, err := s.events.Info(ctx)
	if err == nil && s.events.Degraded() {
		err = errEventLogDegraded
	}
	if err != nil {
		s.setStatus(ComponentEventLog, &s.eventStatus, resource.StatusDegraded)
	} else {
		s.setStatus(ComponentEventLog, &s.eventStatus, resource.StatusHealthy)
	}
	return componentHealth(start, err)
}

type healthError string

func (e healthError) Error() string { return string(e) }

const errEventLogDegraded = healthError("event log running in degraded mode")

func componentHealth(start time.Time, err error) ComponentHealth {
	if err != nil {
		return ComponentHealth{Status: StatusUnhealthy, Error: err.Error(), LatencyMs: since(start)}
	}
	return ComponentHealth{Status: StatusHealthy, LatencyMs: since(start)}
}

func since(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
