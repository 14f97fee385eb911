// Package redis Redis Streams 事件日志实现
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"memory-fusion-hub/internal/shared/eventlog"
	"memory-fusion-hub/internal/shared/resource"
	"memory-fusion-hub/pkg/logging"
)

// Options 事件日志参数
//
// 事件日志使用独立的连接配置（URL 中包含 DB 序号），不与缓存共享。
type Options struct {
	URL       string
	Stream    string
	MaxLen    int64
	BatchSize int64
	Timeout   time.Duration
	Archiver  eventlog.Archiver
}

// Store Redis Streams 事件日志
//
// 所有事件写入单个 Stream。Publish 在互斥锁内分配 sequence_number 并 XADD，
// 保证序号顺序与追加顺序一致。序号在 XADD 之前预留：失败的写入留下空洞，
// 但不会出现重复（XADD 可能已在服务端生效而客户端超时）。
type Store struct {
	conn     *resource.Handle[*redis.Client]
	stream   string
	maxLen   int64
	batch    int64
	timeout  time.Duration
	archiver eventlog.Archiver
	logger   *logging.Logger

	mu  sync.Mutex // 保护 seq，并串行化 Publish 与 CompactLog
	seq int64
}

var _ eventlog.EventLog = (*Store)(nil)

// NewStore 创建事件日志（延迟连接）
//
// 首次使用时连接并从最后一条事件恢复 sequence_number；
// 连接失败进入降级模式，请求路径不再重试，只有 Info 探测会重试连接。
func NewStore(opts Options, logger *logging.Logger) (*Store, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	s := newStore(opts, logger)
	s.conn = resource.NewHandle("redis-eventlog", func(ctx context.Context) (*redis.Client, error) {
		client := redis.NewClient(redisOpts)
		if err := s.init(ctx, client); err != nil {
			client.Close()
			s.logger.Warn("Event log unavailable, running degraded", "addr", redisOpts.Addr, "error", err)
			return nil, err
		}
		s.logger.Info("[Redis/EventLog] Connected", "addr", redisOpts.Addr, "db", redisOpts.DB,
			"stream", s.stream, "sequence", s.seq)
		return client, nil
	})
	return s, nil
}

// NewStoreFromClient 从现有 Redis 客户端创建事件日志（仍延迟初始化序号）
func NewStoreFromClient(client *redis.Client, opts Options, logger *logging.Logger) *Store {
	s := newStore(opts, logger)
	s.conn = resource.NewHandle("redis-eventlog", func(ctx context.Context) (*redis.Client, error) {
		if err := s.init(ctx, client); err != nil {
			return nil, err
		}
		return client, nil
	})
	return s
}

func newStore(opts Options, logger *logging.Logger) *Store {
	if opts.Stream == "" {
		opts.Stream = eventlog.DefaultStream
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = eventlog.DefaultMaxLen
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = eventlog.DefaultBatchSize
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{
		stream:   opts.Stream,
		maxLen:   opts.MaxLen,
		batch:    opts.BatchSize,
		timeout:  opts.Timeout,
		archiver: opts.Archiver,
		logger:   logger,
	}
}

// init 验证连接并从最后一条事件恢复序号
func (s *Store) init(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	msgs, err := client.XRevRangeN(ctx, s.stream, "+", "-", 1).Result()
	if err != nil {
		return fmt.Errorf("failed to read last event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = 0
	if len(msgs) > 0 {
		ev, err := eventlog.DecodeFields(msgs[0].Values)
		if err != nil {
			return fmt.Errorf("failed to decode last event: %w", err)
		}
		s.seq = ev.SequenceNumber
	}
	return nil
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.conn.Close(func(c *redis.Client) error { return c.Close() })
}

// Degraded 是否处于降级模式
func (s *Store) Degraded() bool {
	return s.conn.Status() == resource.StatusDegraded
}

// Status 连接状态
func (s *Store) Status() resource.Status {
	return s.conn.Status()
}

// client 返回可用客户端；ok=false 表示降级
//
// 只有第一次使用会尝试连接，降级后立即返回，重连由 Info 探测负责。
func (s *Store) client(ctx context.Context) (*redis.Client, bool) {
	c, err := s.conn.Acquire(ctx)
	if err != nil {
		return nil, false
	}
	return c, true
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// fail 标记降级并包装错误
func (s *Store) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return &eventlog.Error{Op: op, Err: err}
	}
	s.conn.MarkDegraded(err)
	s.logger.Warn("Event log operation failed", "operation", op, "error", err)
	return &eventlog.Error{Op: op, Err: err}
}
