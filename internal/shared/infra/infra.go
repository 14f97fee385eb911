// Package infra 基础设施聚合层
//
// 按 config.Config 构建 FusionService 依赖的全部组件：
//   - Repository：持久化存储（SQLite / PostgreSQL / MongoDB）
//   - Cache：缓存（Redis），未启用时为 nil
//   - EventLog：事件日志（Redis Streams），可选归档到 MinIO
//   - Queue：跨实例复制主题（Redis Streams）
//   - Metrics：Prometheus 指标
//
// 所有连接都延迟建立，构建本身不会因后端不可达而失败。
package infra

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"memory-fusion-hub/internal/config"
	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/internal/shared/cache"
	cacheredis "memory-fusion-hub/internal/shared/cache/redis"
	"memory-fusion-hub/internal/shared/eventlog"
	eventlogredis "memory-fusion-hub/internal/shared/eventlog/redis"
	"memory-fusion-hub/internal/shared/objstore"
	"memory-fusion-hub/internal/shared/queue"
	queueredis "memory-fusion-hub/internal/shared/queue/redis"
	"memory-fusion-hub/internal/shared/resilience"
	"memory-fusion-hub/internal/shared/storage"
	postgresdriver "memory-fusion-hub/internal/shared/storage/driver/postgres"
	sqlitedriver "memory-fusion-hub/internal/shared/storage/driver/sqlite"
	"memory-fusion-hub/internal/shared/storage/mongostore"
	"memory-fusion-hub/internal/shared/storage/repository"
	"memory-fusion-hub/internal/telemetry"
	"memory-fusion-hub/pkg/logging"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	// Repository 持久化存储
	Repository storage.Repository

	// Cache 缓存，nil 表示禁用
	Cache cache.Cache

	// EventLog 事件日志
	EventLog eventlog.EventLog

	// Archive 事件归档用的对象存储，未启用时为 nil
	Archive *objstore.Client

	// Queue 复制主题，未启用时为 nil
	Queue queue.Queue

	// Metrics 指标
	Metrics *telemetry.Metrics

	// Origin 本实例标识（复制消息的来源）
	Origin string

	cfg    *config.Config
	logger *logging.Logger
}

// New 按配置构建基础设施
func New(cfg *config.Config, logger *logging.Logger) (*Infrastructure, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	i := &Infrastructure{
		Metrics: telemetry.NewMetrics(cfg.Telemetry.Namespace),
		Origin:  instanceID(),
		cfg:     cfg,
		logger:  logger,
	}

	var err error
	if i.Repository, err = NewRepository(cfg, logger.Component("storage")); err != nil {
		return nil, err
	}
	if i.Cache, err = NewCache(cfg, logger.Component("cache")); err != nil {
		i.Close()
		return nil, err
	}
	if cfg.EventLog.Enabled && cfg.EventLog.Archive.Enabled {
		if i.Archive, err = NewArchive(cfg); err != nil {
			i.Close()
			return nil, err
		}
	}
	if i.EventLog, err = NewEventLog(cfg, i.Archive, logger.Component("eventlog")); err != nil {
		i.Close()
		return nil, err
	}
	if cfg.Replication.Enabled {
		if i.Queue, err = NewQueue(cfg, logger.Component("replication")); err != nil {
			i.Close()
			return nil, err
		}
	}

	logger.Info("Infrastructure ready",
		"backend", cfg.Storage.Backend,
		"cache", i.Cache != nil,
		"event_log", cfg.EventLog.Enabled,
		"archive", i.Archive != nil,
		"replication", i.Queue != nil,
	)
	return i, nil
}

// ============================================================================
// 组件构建
// ============================================================================

// NewRepository 按 storage.backend 创建存储
func NewRepository(cfg *config.Config, logger *logging.Logger) (storage.Repository, error) {
	opts := []repository.Option{
		repository.WithTimeout(cfg.Storage.Timeout),
		repository.WithLogger(logger),
	}

	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		if err := ensureSQLiteDir(cfg.Storage.SQLite.Path); err != nil {
			return nil, err
		}
		dsn := cfg.DatabaseURL
		return repository.Open(sqlitedriver.NewDialect(), func(ctx context.Context) (*sql.DB, error) {
			return sqlitedriver.Open(ctx, dsn)
		}, opts...), nil

	case config.BackendPostgres:
		pg := cfg.Storage.Postgres
		dsn := cfg.DatabaseURL
		pool := postgresdriver.PoolConfig{
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime,
		}
		return repository.Open(postgresdriver.NewDialect(), func(ctx context.Context) (*sql.DB, error) {
			return postgresdriver.Open(ctx, dsn, pool)
		}, opts...), nil

	case config.BackendMongoDB:
		return mongostore.NewStore(mongostore.Config{
			URI:         cfg.DatabaseURL,
			Database:    cfg.Storage.MongoDB.Database,
			MaxPoolSize: cfg.Storage.MongoDB.MaxPoolSize,
			Timeout:     cfg.Storage.Timeout,
		}, logger), nil
	}
	return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
}

// ensureSQLiteDir 创建数据库文件所在目录
func ensureSQLiteDir(path string) error {
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite directory %s: %w", dir, err)
	}
	return nil
}

// NewCache 创建 Redis 缓存，未启用时返回 nil
func NewCache(cfg *config.Config, logger *logging.Logger) (cache.Cache, error) {
	if !cfg.Cache.Enabled {
		logger.Info("Cache disabled")
		return nil, nil
	}
	store, err := cacheredis.NewStore(cacheredis.Options{
		URL:        cfg.CacheURL,
		KeyPrefix:  cfg.Cache.KeyPrefix,
		DefaultTTL: cfg.Cache.DefaultTTL,
		Timeout:    cfg.Cache.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return store, nil
}

// NewArchive 创建事件归档用的 MinIO 客户端
func NewArchive(cfg *config.Config) (*objstore.Client, error) {
	client, err := objstore.NewClient(objstore.Config{
		Endpoint:  cfg.MinIO.Endpoint,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		Bucket:    cfg.MinIO.Bucket,
		UseSSL:    cfg.MinIO.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return client, nil
}

// NewEventLog 创建事件日志
//
// 未启用时返回一个始终降级的进程内日志：写入照常成功，事件 ID 带降级前缀。
func NewEventLog(cfg *config.Config, archive *objstore.Client, logger *logging.Logger) (eventlog.EventLog, error) {
	if !cfg.EventLog.Enabled {
		logger.Info("Event log disabled")
		l := eventlog.NewMemoryLog()
		l.SetDegraded(true)
		return l, nil
	}

	opts := eventlogredis.Options{
		URL:       cfg.EventLogURL,
		Stream:    cfg.EventLog.Stream,
		MaxLen:    cfg.EventLog.MaxLen,
		BatchSize: cfg.EventLog.BatchSize,
		Timeout:   cfg.EventLog.Timeout,
	}
	if archive != nil {
		opts.Archiver = objstore.NewEventArchiver(archive, cfg.EventLog.Archive.Prefix)
	}
	store, err := eventlogredis.NewStore(opts, logger)
	if err != nil {
		return nil, fmt.Errorf("event log: %w", err)
	}
	return store, nil
}

// NewQueue 创建复制主题
func NewQueue(cfg *config.Config, logger *logging.Logger) (queue.Queue, error) {
	store, err := queueredis.NewStore(queueredis.Options{
		URL:   cfg.Replication.BrokerURL,
		Topic: cfg.Replication.Topic,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("replication: %w", err)
	}
	return store, nil
}

// ============================================================================
// Service 组装
// ============================================================================

// Service 组装带保护层的 FusionService
func (i *Infrastructure) Service() fusion.Service {
	cfg := i.cfg
	opts := []fusion.Option{
		fusion.WithMetrics(i.Metrics),
		fusion.WithLogger(i.logger.Component("fusion")),
		fusion.WithCacheTTL(cfg.Cache.DefaultTTL),
		fusion.WithBatchConcurrency(cfg.Fusion.BatchConcurrency),
		fusion.WithHealthKey(cfg.Fusion.HealthKey),
	}
	if i.Queue != nil {
		opts = append(opts, fusion.WithReplicator(fusion.NewQueueReplicator(i.Queue, i.Origin)))
	}
	svc := fusion.New(i.Repository, i.Cache, i.EventLog, opts...)

	var breaker, bulkhead resilience.Guard
	if cb := cfg.Resilience.CircuitBreaker; cb.Enabled {
		breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{
			FailureThreshold: cb.FailureThreshold,
			ResetTimeout:     cb.ResetTimeout,
			IsFailure:        fusion.CountsAsFailure,
		})
	}
	if bh := cfg.Resilience.Bulkhead; bh.Enabled {
		bulkhead = resilience.NewBulkhead(resilience.BulkheadConfig{
			MaxConcurrent: bh.MaxConcurrent,
			MaxQueueSize:  bh.MaxQueueSize,
		})
	}
	return fusion.NewGuarded(svc, breaker, bulkhead, i.Metrics)
}

// PrepareArchive 确保归档 bucket 存在，未启用归档时直接返回
func (i *Infrastructure) PrepareArchive(ctx context.Context) error {
	if i.Archive == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return i.Archive.EnsureBucket(ctx)
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var errs []error
	if i.Queue != nil {
		errs = append(errs, i.Queue.Close())
	}
	if i.EventLog != nil {
		errs = append(errs, i.EventLog.Close())
	}
	if i.Cache != nil {
		errs = append(errs, i.Cache.Close())
	}
	if i.Repository != nil {
		errs = append(errs, i.Repository.Close())
	}
	return errors.Join(errs...)
}

// NewMemoryInfrastructure 创建进程内基础设施（用于测试）
func NewMemoryInfrastructure(cfg *config.Config) *Infrastructure {
	return &Infrastructure{
		Repository: storage.NewMemoryRepository(),
		Cache:      cache.NewMemoryCache(cfg.Cache.DefaultTTL),
		EventLog:   eventlog.NewMemoryLog(),
		Queue:      queue.NewMemoryQueue(cfg.Replication.Topic),
		Metrics:    telemetry.NewMetrics(cfg.Telemetry.Namespace),
		Origin:     instanceID(),
		cfg:        cfg,
		logger:     logging.Nop(),
	}
}

// instanceID 主机名加随机后缀
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "mfh"
	}
	return host + "-" + uuid.NewString()[:8]
}
