// Package redis Redis 缓存实现
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"memory-fusion-hub/internal/shared/cache"
	"memory-fusion-hub/internal/shared/resource"
	"memory-fusion-hub/pkg/logging"
)

// Options 缓存参数
type Options struct {
	URL        string
	KeyPrefix  string
	DefaultTTL time.Duration
	Timeout    time.Duration
}

// Store Redis 缓存存储
//
// 连接在首次使用时建立；值为 model.Envelope JSON，带显式类型鉴别字段。
type Store struct {
	conn       *resource.Handle[*redis.Client]
	prefix     string
	defaultTTL time.Duration
	timeout    time.Duration
	counters   cache.Counters
	logger     *logging.Logger
}

var _ cache.Cache = (*Store)(nil)

// NewStore 从 URL 创建 Redis 缓存实例（延迟连接）
func NewStore(opts Options, logger *logging.Logger) (*Store, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	s := newStore(opts, logger)
	s.conn = resource.NewHandle("redis-cache", func(ctx context.Context) (*redis.Client, error) {
		client := redis.NewClient(redisOpts)

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}

		s.logger.Info("[Redis/Cache] Connected", "addr", redisOpts.Addr, "db", redisOpts.DB)
		return client, nil
	})
	return s, nil
}

// NewStoreFromClient 从现有 Redis 客户端创建缓存实例
func NewStoreFromClient(client *redis.Client, opts Options, logger *logging.Logger) *Store {
	s := newStore(opts, logger)
	s.conn = resource.Ready("redis-cache", client)
	return s
}

func newStore(opts Options, logger *logging.Logger) *Store {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = cache.DefaultKeyPrefix
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = cache.DefaultTTL
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{
		prefix:     opts.KeyPrefix,
		defaultTTL: opts.DefaultTTL,
		timeout:    opts.Timeout,
		logger:     logger,
	}
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.conn.Close(func(c *redis.Client) error { return c.Close() })
}

// Status 连接状态
func (s *Store) Status() resource.Status {
	return s.conn.Status()
}

// client 返回可用客户端及带超时的上下文
//
// 连接失败过时立即返回错误，重连只在 HealthCheck 中进行。
func (s *Store) client(ctx context.Context, op, key string) (*redis.Client, context.Context, context.CancelFunc, error) {
	return s.acquire(ctx, op, key, s.conn.Acquire)
}

func (s *Store) acquire(ctx context.Context, op, key string, get func(context.Context) (*redis.Client, error)) (*redis.Client, context.Context, context.CancelFunc, error) {
	c, err := get(ctx)
	if err != nil {
		s.counters.Error()
		return nil, nil, nil, &cache.Error{Op: op, Key: key, Err: err}
	}
	if s.timeout <= 0 {
		return c, ctx, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return c, ctx, cancel, nil
}

// fail 记录失败并标记 degraded
func (s *Store) fail(op, key string, err error) error {
	s.counters.Error()
	s.conn.MarkDegraded(err)
	s.logger.Warn("Cache operation failed", "operation", op, "key", key, "error", err)
	return &cache.Error{Op: op, Key: key, Err: err}
}

// k 加上命名空间前缀
func (s *Store) k(key string) string {
	return s.prefix + key
}
