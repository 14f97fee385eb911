// Package repository 数据库无关的记录存储层
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
//
// 连接在首次使用时建立并自动建表（resource.Handle），失败后下次调用重试。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"memory-fusion-hub/internal/shared/resource"
	"memory-fusion-hub/internal/shared/storage"
	"memory-fusion-hub/internal/shared/storage/dbutil"
	"memory-fusion-hub/pkg/logging"
)

// OpenFunc 建立数据库连接
type OpenFunc func(ctx context.Context) (*sql.DB, error)

// Option Store 可选参数
type Option func(*Store)

// WithTimeout 单次操作超时
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithLogger 指定日志器
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store 通用记录存储
// 实现了 storage.Repository 接口
type Store struct {
	conn    *resource.Handle[*sql.DB]
	dialect dbutil.Dialect
	timeout time.Duration
	logger  *logging.Logger
}

var _ storage.Repository = (*Store)(nil)

// NewStore 用已打开的连接创建存储（调用方负责建表）
func NewStore(db *sql.DB, dialect dbutil.Dialect, opts ...Option) *Store {
	s := &Store{
		conn:    resource.Ready(string(dialect.DriverType()), db),
		dialect: dialect,
	}
	return s.apply(opts)
}

// Open 创建延迟连接的存储，首次使用时打开连接并执行 AutoMigrate
func Open(dialect dbutil.Dialect, open OpenFunc, opts ...Option) *Store {
	s := &Store{dialect: dialect}
	s.conn = resource.NewHandle(string(dialect.DriverType()), func(ctx context.Context) (*sql.DB, error) {
		db, err := open(ctx)
		if err != nil {
			return nil, err
		}
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, err
		}
		s.logger.Info("Repository connected", "driver", dialect.DriverType())
		return db, nil
	})
	return s.apply(opts)
}

func (s *Store) apply(opts []Option) *Store {
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	return s
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.conn.Close(func(db *sql.DB) error { return db.Close() })
}

// Status 连接状态
func (s *Store) Status() resource.Status {
	return s.conn.Status()
}

// Dialect 返回当前方言
func (s *Store) Dialect() dbutil.Dialect {
	return s.dialect
}

// db 返回可用连接，连接失败包装为 storage.ErrConnection
func (s *Store) db(ctx context.Context) (*sql.DB, error) {
	db, err := s.conn.Ensure(ctx)
	if err != nil {
		return nil, storage.ConnectionError(string(s.dialect.DriverType()), err)
	}
	return db, nil
}

// withTimeout 应用单次操作超时
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// observe 记录查询耗时并包装错误
func (s *Store) observe(op, key string, start time.Time, err error) error {
	logErr := err
	if errors.Is(err, storage.ErrNotFound) {
		logErr = nil
	}
	s.logger.DBQueryLog(op, "memory_records", time.Since(start), logErr)
	return storage.Wrap(op, key, err)
}
