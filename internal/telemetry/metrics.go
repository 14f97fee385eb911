// Package telemetry Prometheus 指标导出
//
// 每个 FusionService 操作都会记录请求数、耗时、错误，以及缓存命中、
// 组件健康和熔断器状态。同时维护一份进程内汇总，供健康检查返回。
package telemetry

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"memory-fusion-hub/internal/shared/resource"
)

// DefaultNamespace 指标命名空间
const DefaultNamespace = "mfh"

// Metrics 包含所有 FusionService 指标
type Metrics struct {
	// 请求指标
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestErrors    *prometheus.CounterVec
	RequestsInFlight prometheus.Gauge

	// 缓存指标
	CacheRequests *prometheus.CounterVec

	// 事件指标
	EventsPublished *prometheus.CounterVec

	// 组件与保护层状态
	ComponentHealth *prometheus.GaugeVec
	BreakerState    *prometheus.GaugeVec

	// 批量操作
	BatchSize prometheus.Histogram

	registry *prometheus.Registry
	started  time.Time

	mu         sync.Mutex
	ops        map[string]*opStats
	cacheHits  int64
	cacheMiss  int64
	events     map[string]int64
	components map[string]resource.Status
	breakers   map[string]string
}

type opStats struct {
	count    int64
	errors   int64
	totalDur time.Duration
	maxDur   time.Duration
}

// NewMetrics 创建指标实例，注册到独立的 Registry
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total FusionService operations",
			},
			[]string{"operation", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "FusionService operation duration in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation"},
		),
		RequestErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_errors_total",
				Help:      "Total failed FusionService operations by error type",
			},
			[]string{"operation", "error_type"},
		),
		RequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Current number of operations being processed",
			},
		),
		CacheRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_requests_total",
				Help:      "Cache lookups by result",
			},
			[]string{"result"},
		),
		EventsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Events appended to the event log",
			},
			[]string{"event_type", "mode"},
		),
		ComponentHealth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "component_health",
				Help:      "Component status (0=uninitialized, 1=healthy, 2=degraded)",
			},
			[]string{"component"},
		),
		BreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"guard"},
		),
		BatchSize: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_get_keys",
				Help:      "Number of keys per BatchGet",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
		),

		registry:   reg,
		started:    time.Now(),
		ops:        make(map[string]*opStats),
		events:     make(map[string]int64),
		components: make(map[string]resource.Status),
		breakers:   make(map[string]string),
	}
}

// Handler 返回 Prometheus HTTP Handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry 底层 Registry（测试与自定义采集器用）
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Begin 开始一次操作，返回的函数在操作结束时调用
//
//	done := m.Begin("get")
//	defer func() { done(err) }()
func (m *Metrics) Begin(operation string) func(err error) {
	start := time.Now()
	m.RequestsInFlight.Inc()
	return func(err error) {
		m.RequestsInFlight.Dec()
		m.RecordOperation(operation, time.Since(start), err)
	}
}

// RecordOperation 记录一次操作
func (m *Metrics) RecordOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		m.RequestErrors.WithLabelValues(operation, ErrorType(err)).Inc()
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(duration.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.ops[operation]
	if !ok {
		s = &opStats{}
		m.ops[operation] = s
	}
	s.count++
	s.totalDur += duration
	if duration > s.maxDur {
		s.maxDur = duration
	}
	if err != nil {
		s.errors++
	}
}

// RecordCacheHit 记录缓存命中
func (m *Metrics) RecordCacheHit() {
	m.CacheRequests.WithLabelValues("hit").Inc()
	m.mu.Lock()
	m.cacheHits++
	m.mu.Unlock()
}

// RecordCacheMiss 记录缓存未命中（包括缓存不可用时的穿透）
func (m *Metrics) RecordCacheMiss() {
	m.CacheRequests.WithLabelValues("miss").Inc()
	m.mu.Lock()
	m.cacheMiss++
	m.mu.Unlock()
}

// RecordEvent 记录事件发布，degraded 表示事件日志处于降级模式
func (m *Metrics) RecordEvent(eventType string, degraded bool) {
	mode := "stream"
	if degraded {
		mode = "degraded"
	}
	m.EventsPublished.WithLabelValues(eventType, mode).Inc()
	m.mu.Lock()
	m.events[eventType+"/"+mode]++
	m.mu.Unlock()
}

// SetComponentHealth 设置组件状态
func (m *Metrics) SetComponentHealth(component string, status resource.Status) {
	m.ComponentHealth.WithLabelValues(component).Set(float64(status))
	m.mu.Lock()
	m.components[component] = status
	m.mu.Unlock()
}

// SetBreakerState 设置熔断器状态
func (m *Metrics) SetBreakerState(guard, state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half_open":
		v = 2
	}
	m.BreakerState.WithLabelValues(guard).Set(v)
	m.mu.Lock()
	m.breakers[guard] = state
	m.mu.Unlock()
}

// ObserveBatch 记录批量大小
func (m *Metrics) ObserveBatch(n int) {
	m.BatchSize.Observe(float64(n))
}

// ============================================================================
// Summary - 进程内汇总
// ============================================================================

// OperationSummary 单个操作的汇总
type OperationSummary struct {
	Count     int64   `json:"count"`
	Errors    int64   `json:"errors"`
	AvgMillis float64 `json:"avg_ms"`
	MaxMillis float64 `json:"max_ms"`
}

// Summary 指标汇总
type Summary struct {
	UptimeSeconds  float64                     `json:"uptime_seconds"`
	TotalRequests  int64                       `json:"total_requests"`
	TotalErrors    int64                       `json:"total_errors"`
	ErrorRate      float64                     `json:"error_rate"`
	CacheHits      int64                       `json:"cache_hits"`
	CacheMisses    int64                       `json:"cache_misses"`
	CacheHitRate   float64                     `json:"cache_hit_rate"`
	Operations     map[string]OperationSummary `json:"operations"`
	Events         map[string]int64            `json:"events"`
	Components     map[string]string           `json:"components"`
	CircuitBreaker map[string]string           `json:"circuit_breakers,omitempty"`
}

// Summary 返回当前汇总
func (m *Metrics) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		UptimeSeconds: time.Since(m.started).Seconds(),
		CacheHits:     m.cacheHits,
		CacheMisses:   m.cacheMiss,
		Operations:    make(map[string]OperationSummary, len(m.ops)),
		Events:        make(map[string]int64, len(m.events)),
		Components:    make(map[string]string, len(m.components)),
	}
	for name, op := range m.ops {
		s.TotalRequests += op.count
		s.TotalErrors += op.errors
		os := OperationSummary{Count: op.count, Errors: op.errors, MaxMillis: millis(op.maxDur)}
		if op.count > 0 {
			os.AvgMillis = millis(op.totalDur) / float64(op.count)
		}
		s.Operations[name] = os
	}
	if s.TotalRequests > 0 {
		s.ErrorRate = float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	if total := m.cacheHits + m.cacheMiss; total > 0 {
		s.CacheHitRate = float64(m.cacheHits) / float64(total)
	}
	for k, v := range m.events {
		s.Events[k] = v
	}
	for k, v := range m.components {
		s.Components[k] = v.String()
	}
	if len(m.breakers) > 0 {
		s.CircuitBreaker = make(map[string]string, len(m.breakers))
		for k, v := range m.breakers {
			s.CircuitBreaker[k] = v
		}
	}
	return s
}

// OperationNames 已记录过的操作名（有序）
func (s Summary) OperationNames() []string {
	names := make([]string, 0, len(s.Operations))
	for n := range s.Operations {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
