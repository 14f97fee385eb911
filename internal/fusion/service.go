// Package fusion 记忆融合服务
//
// FusionService 是存储、缓存与事件日志之上的统一读写入口：
//   - 读：缓存优先（cache-aside），未命中回源存储并回填缓存
//   - 写：单写锁串行化，存储写入为准，缓存尽力更新，随后追加事件
//
// 缓存与事件日志的失败都在本地消化，只降级对应组件的状态；
// 存储层失败才会让 Put/Delete 失败。传输层（gRPC / ZMQ）只依赖 Service 接口。
package fusion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"memory-fusion-hub/internal/shared/cache"
	"memory-fusion-hub/internal/shared/eventlog"
	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/resource"
	"memory-fusion-hub/internal/shared/storage"
	"memory-fusion-hub/internal/telemetry"
	"memory-fusion-hub/pkg/logging"
)

// ============================================================================
// Service 接口
// ============================================================================

// Service 协议无关的记忆服务接口
type Service interface {
	// Get 读取记录，不存在返回 (nil, nil)
	Get(ctx context.Context, key, agentID string) (model.Record, error)
	// Put 写入记录（CREATE 或 UPDATE），key 为空时使用记录自身的 key
	Put(ctx context.Context, key string, rec model.Record, agentID string) (*PutResult, error)
	// Delete 删除记录，不存在返回 false 且不产生事件
	Delete(ctx context.Context, key, agentID string) (bool, error)
	// Exists 判断记录是否存在，不产生事件
	Exists(ctx context.Context, key string) (bool, error)
	// ListKeys 按前缀列出 key
	ListKeys(ctx context.Context, prefix string, limit int) ([]string, error)
	// BatchGet 并发读取，单个 key 失败时该 key 结果为 nil
	BatchGet(ctx context.Context, keys []string, agentID string) (map[string]model.Record, error)
	// Search 按元数据过滤
	Search(ctx context.Context, q storage.SearchQuery) ([]model.Record, error)
	// HealthStatus 重新探测所有组件并汇总
	HealthStatus(ctx context.Context) *HealthStatus
}

// PutResult 写入结果
type PutResult struct {
	Key       string          `json:"key"`
	EventID   string          `json:"event_id,omitempty"`
	EventType model.EventType `json:"event_type"`
}

// ============================================================================
// FusionService
// ============================================================================

// 组件名（健康检查与指标标签）
const (
	ComponentRepository = "repository"
	ComponentCache      = "cache"
	ComponentEventLog   = "event_log"
)

// DefaultBatchConcurrency BatchGet 默认并发度
const DefaultBatchConcurrency = 16

// FusionService 记忆融合服务
type FusionService struct {
	repo       storage.Repository
	cache      cache.Cache
	events     eventlog.EventLog
	metrics    *telemetry.Metrics
	logger     *logging.Logger
	replicator Replicator

	cacheTTL         time.Duration
	batchConcurrency int
	healthKey        string

	// 容量为 1 的通道作为可取消的写锁
	writeLock chan struct{}

	// 组件状态在两次探测之间保持
	repoStatus  resource.Flag
	cacheStatus resource.Flag
	eventStatus resource.Flag
}

var _ Service = (*FusionService)(nil)

// Option FusionService 选项
type Option func(*FusionService)

// WithMetrics 设置指标
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *FusionService) { s.metrics = m }
}

// WithLogger 设置日志器
func WithLogger(l *logging.Logger) Option {
	return func(s *FusionService) { s.logger = l }
}

// WithCacheTTL 设置缓存 TTL（<= 0 使用缓存默认值）
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *FusionService) { s.cacheTTL = ttl }
}

// WithBatchConcurrency 设置 BatchGet 并发度
func WithBatchConcurrency(n int) Option {
	return func(s *FusionService) {
		if n > 0 {
			s.batchConcurrency = n
		}
	}
}

// WithReplicator 设置跨实例复制钩子
func WithReplicator(r Replicator) Option {
	return func(s *FusionService) {
		if r != nil {
			s.replicator = r
		}
	}
}

// WithHealthKey 设置存储探测使用的哨兵 key
func WithHealthKey(key string) Option {
	return func(s *FusionService) {
		if key != "" {
			s.healthKey = key
		}
	}
}

// HealthSentinelKey 存储探测默认使用的哨兵 key
const HealthSentinelKey = "__health_check__"

// New 创建 FusionService；c 为 nil 时禁用缓存
func New(repo storage.Repository, c cache.Cache, events eventlog.EventLog, opts ...Option) *FusionService {
	if c == nil {
		c = cache.NewNoOpCache()
	}
	s := &FusionService{
		repo:             repo,
		cache:            c,
		events:           events,
		replicator:       NoOpReplicator{},
		batchConcurrency: DefaultBatchConcurrency,
		healthKey:        HealthSentinelKey,
		writeLock:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewMetrics("")
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	return s
}

// Metrics 服务使用的指标
func (s *FusionService) Metrics() *telemetry.Metrics { return s.metrics }

// lock 获取写锁，ctx 取消时放弃等待
func (s *FusionService) lock(ctx context.Context) error {
	select {
	case s.writeLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *FusionService) unlock() { <-s.writeLock }

// ============================================================================
// 组件状态
// ============================================================================

func (s *FusionService) setStatus(component string, f *resource.Flag, st resource.Status) {
	if f.Load() == st {
		return
	}
	f.Set(st)
	s.metrics.SetComponentHealth(component, st)
}

// cacheUsable 缓存未被标记为降级
func (s *FusionService) cacheUsable() bool {
	return s.cacheStatus.Load() != resource.StatusDegraded
}

// cacheFailed 缓存调用失败：降级直到下一次探测成功
func (s *FusionService) cacheFailed(ctx context.Context, op, key string, err error) {
	s.setStatus(ComponentCache, &s.cacheStatus, resource.StatusDegraded)
	s.logger.WithContext(ctx).WithKey(key).Warn("Cache unavailable, falling back to repository",
		"operation", op, "error", err)
}

func (s *FusionService) cacheOK() {
	if s.cacheStatus.Load() == resource.StatusUninitialized {
		s.setStatus(ComponentCache, &s.cacheStatus, resource.StatusHealthy)
	}
}

// repoResult 根据存储调用结果更新状态
func (s *FusionService) repoResult(err error) {
	if err != nil && !errors.Is(err, storage.ErrNotFound) && !IsValidation(err) && !errors.Is(err, context.Canceled) {
		s.setStatus(ComponentRepository, &s.repoStatus, resource.StatusDegraded)
		return
	}
	s.setStatus(ComponentRepository, &s.repoStatus, resource.StatusHealthy)
}

// ============================================================================
// 读操作
// ============================================================================

// Get 读取记录
func (s *FusionService) Get(ctx context.Context, key, agentID string) (rec model.Record, err error) {
	done := s.metrics.Begin("get")
	defer func() { done(err) }()

	if key == "" {
		return nil, wrap("get", key, errKeyRequired)
	}

	if s.cacheUsable() {
		cached, cerr := s.cache.Get(ctx, key)
		switch {
		case cerr != nil:
			s.cacheFailed(ctx, "get", key, cerr)
		case cached != nil:
			s.cacheOK()
			s.metrics.RecordCacheHit()
			s.publish(ctx, model.EventRead, key, agentID, nil, nil)
			return cached, nil
		default:
			s.cacheOK()
		}
	}
	s.metrics.RecordCacheMiss()

	rec, err = s.repo.Get(ctx, key)
	s.repoResult(err)
	if err != nil {
		return nil, wrap("get", key, err)
	}
	if rec == nil {
		return nil, nil
	}

	if s.cacheUsable() {
		if cerr := s.cache.Put(ctx, key, rec, s.cacheTTL); cerr != nil {
			s.cacheFailed(ctx, "get", key, cerr)
		}
	}
	s.publish(ctx, model.EventRead, key, agentID, nil, nil)
	return rec, nil
}

// Exists 判断记录是否存在（缓存优先，不产生事件）
func (s *FusionService) Exists(ctx context.Context, key string) (ok bool, err error) {
	done := s.metrics.Begin("exists")
	defer func() { done(err) }()

	if key == "" {
		return false, wrap("exists", key, errKeyRequired)
	}

	if s.cacheUsable() {
		hit, cerr := s.cache.Exists(ctx, key)
		if cerr != nil {
			s.cacheFailed(ctx, "exists", key, cerr)
		} else {
			s.cacheOK()
			if hit {
				s.metrics.RecordCacheHit()
				return true, nil
			}
		}
	}
	s.metrics.RecordCacheMiss()

	ok, err = s.repo.Exists(ctx, key)
	s.repoResult(err)
	if err != nil {
		return false, wrap("exists", key, err)
	}
	return ok, nil
}

// ListKeys 按前缀列出 key（不经过缓存）
func (s *FusionService) ListKeys(ctx context.Context, prefix string, limit int) (keys []string, err error) {
	done := s.metrics.Begin("list_keys")
	defer func() { done(err) }()

	keys, err = s.repo.ListKeys(ctx, prefix, limit)
	s.repoResult(err)
	if err != nil {
		return nil, wrap("list_keys", prefix, err)
	}
	return keys, nil
}

// Search 按元数据搜索（不经过缓存）
func (s *FusionService) Search(ctx context.Context, q storage.SearchQuery) (out []model.Record, err error) {
	done := s.metrics.Begin("search")
	defer func() { done(err) }()

	out, err = s.repo.Search(ctx, q)
	s.repoResult(err)
	if err != nil {
		return nil, wrap("search", "", err)
	}
	return out, nil
}

// ============================================================================
// 写操作
// ============================================================================

// Put 写入记录
func (s *FusionService) Put(ctx context.Context, key string, rec model.Record, agentID string) (res *PutResult, err error) {
	done := s.metrics.Begin("put")
	defer func() { done(err) }()

	if rec == nil {
		return nil, wrap("put", key, fmt.Errorf("%w: record is required", model.ErrValidation))
	}
	if rec.Kind() == model.KindMemoryEvent {
		return nil, wrap("put", key, fmt.Errorf("%w: memory events are written by the event log only", model.ErrValidation))
	}
	if key == "" {
		key = rec.RecordKey()
	}
	if key == "" {
		return nil, wrap("put", key, errKeyRequired)
	}
	if err := model.Prepare(rec, key); err != nil {
		return nil, wrap("put", key, err)
	}
	payload, err := model.Encode(rec)
	if err != nil {
		return nil, wrap("put", key, err)
	}

	if err := s.lock(ctx); err != nil {
		return nil, wrap("put", key, err)
	}
	defer s.unlock()

	log := s.logger.WithContext(ctx).WithKey(key)

	prev, perr := s.repo.Get(ctx, key)
	if perr != nil {
		log.Warn("Previous value unavailable", "error", perr)
		prev = nil
	}

	if err := s.repo.Put(ctx, key, rec); err != nil {
		s.repoResult(err)
		return nil, wrap("put", key, err)
	}
	s.repoResult(nil)

	if s.cacheUsable() {
		if cerr := s.cache.Put(ctx, key, rec, s.cacheTTL); cerr != nil {
			s.cacheFailed(ctx, "put", key, cerr)
		} else {
			s.cacheOK()
		}
	}

	evType := model.EventCreate
	var prevPayload []byte
	if prev != nil {
		evType = model.EventUpdate
		if b, err := model.Encode(prev); err == nil {
			prevPayload = b
		}
	}
	eventID := s.publish(ctx, evType, key, agentID, payload, prevPayload)
	s.replicate(ctx, evType, key, payload)

	log.Debug("Record stored", "event_type", evType, "kind", rec.Kind(), "event_id", eventID)
	return &PutResult{Key: key, EventID: eventID, EventType: evType}, nil
}

// Delete 删除记录
func (s *FusionService) Delete(ctx context.Context, key, agentID string) (deleted bool, err error) {
	done := s.metrics.Begin("delete")
	defer func() { done(err) }()

	if key == "" {
		return false, wrap("delete", key, errKeyRequired)
	}

	if err := s.lock(ctx); err != nil {
		return false, wrap("delete", key, err)
	}
	defer s.unlock()

	log := s.logger.WithContext(ctx).WithKey(key)

	prev, perr := s.repo.Get(ctx, key)
	if perr != nil {
		log.Warn("Previous value unavailable", "error", perr)
	} else if prev == nil {
		return false, nil
	}

	if err := s.repo.Delete(ctx, key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.repoResult(nil)
			return false, nil
		}
		s.repoResult(err)
		return false, wrap("delete", key, err)
	}
	s.repoResult(nil)

	if s.cacheUsable() {
		if _, cerr := s.cache.Evict(ctx, key); cerr != nil {
			s.cacheFailed(ctx, "delete", key, cerr)
		}
	}

	var prevPayload []byte
	if prev != nil {
		if b, err := model.Encode(prev); err == nil {
			prevPayload = b
		}
	}
	s.publish(ctx, model.EventDelete, key, agentID, nil, prevPayload)
	s.replicate(ctx, model.EventDelete, key, nil)
	return true, nil
}

// ============================================================================
// 事件
// ============================================================================

// publish 追加事件；失败只降级事件日志状态，不影响调用结果
func (s *FusionService) publish(ctx context.Context, typ model.EventType, key, agentID string, payload, prev []byte) string {
	if agentID == "" {
		agentID, _ = ctx.Value(logging.AgentIDKey).(string)
	}
	id, err := s.events.Publish(ctx, eventlog.PublishRequest{
		EventType:     typ,
		TargetKey:     key,
		AgentID:       agentID,
		Payload:       payload,
		PreviousValue: prev,
		CorrelationID: logging.CorrelationID(ctx),
	})
	if err != nil {
		s.setStatus(ComponentEventLog, &s.eventStatus, resource.StatusDegraded)
		s.metrics.RecordEvent(string(typ), true)
		s.logger.WithContext(ctx).WithKey(key).Warn("Event not recorded", "event_type", typ, "error", err)
		return ""
	}

	degraded := eventlog.IsDegradedEventID(id)
	if degraded {
		s.setStatus(ComponentEventLog, &s.eventStatus, resource.StatusDegraded)
	} else {
		s.setStatus(ComponentEventLog, &s.eventStatus, resource.StatusHealthy)
	}
	s.metrics.RecordEvent(string(typ), degraded)
	return id
}

func (s *FusionService) replicate(ctx context.Context, typ model.EventType, key string, payload []byte) {
	if err := s.replicator.Replicate(ctx, Replication{EventType: typ, Key: key, Payload: payload}); err != nil {
		s.logger.WithContext(ctx).WithKey(key).Warn("Replication failed", "error", err)
	}
}
