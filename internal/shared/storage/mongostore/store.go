// Package mongostore 实现基于 MongoDB 的 Repository
//
// 使用 mongo-go-driver v2。每条记录一个文档：_id 为记录 key，
// 索引字段平铺在文档上，完整记录以信封 JSON 存放在 payload。
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"memory-fusion-hub/internal/shared/resource"
	"memory-fusion-hub/internal/shared/storage"
	"memory-fusion-hub/pkg/logging"
)

// ColRecords 记录集合名称
const ColRecords = "memory_records"

// Config MongoDB 连接参数
type Config struct {
	URI         string
	Database    string
	MaxPoolSize uint64
	Timeout     time.Duration
}

// Store 实现 storage.Repository 接口的 MongoDB 驱动
type Store struct {
	cfg    Config
	conn   *resource.Handle[*mongo.Client]
	logger *logging.Logger
}

var _ storage.Repository = (*Store)(nil)

// NewStore 创建 MongoDB 存储实例（延迟连接）
//
// uri: MongoDB 连接 URI，如 "mongodb://localhost:27017"
// Database: 数据库名称，如 "memory_fusion"
func NewStore(cfg Config, logger *logging.Logger) *Store {
	if cfg.Database == "" {
		cfg.Database = "memory_fusion"
	}
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Store{cfg: cfg, logger: logger}
	s.conn = resource.NewHandle("mongodb", s.connect)
	return s
}

// connect 建立连接、验证并创建索引
func (s *Store) connect(ctx context.Context) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Client().ApplyURI(s.cfg.URI).SetServerSelectionTimeout(5 * time.Second)
	if s.cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(s.cfg.MaxPoolSize)
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect failed: %w", err)
	}

	// 验证连接
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}

	// 创建索引
	if err := ensureIndexes(ctx, client.Database(s.cfg.Database).Collection(ColRecords)); err != nil {
		s.logger.Warn("mongostore: ensure indexes failed", "error", err)
	}

	s.logger.Info("Repository connected", "driver", "mongodb", "database", s.cfg.Database)
	return client, nil
}

// Close 关闭 MongoDB 连接
func (s *Store) Close() error {
	return s.conn.Close(func(c *mongo.Client) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.Disconnect(ctx)
	})
}

// Status 连接状态
func (s *Store) Status() resource.Status {
	return s.conn.Status()
}

// col 获取记录集合，连接失败包装为 storage.ErrConnection
func (s *Store) col(ctx context.Context) (*mongo.Collection, error) {
	client, err := s.conn.Ensure(ctx)
	if err != nil {
		return nil, storage.ConnectionError("mongodb", err)
	}
	return client.Database(s.cfg.Database).Collection(ColRecords), nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

// ensureIndexes 创建所有必要的索引
func ensureIndexes(ctx context.Context, col *mongo.Collection) error {
	indexes := []bson.D{
		{{Key: "kind", Value: 1}},
		{{Key: "memory_type", Value: 1}},
		{{Key: "session_id", Value: 1}},
		{{Key: "user_id", Value: 1}},
		{{Key: "tags", Value: 1}},
		{{Key: "subject", Value: 1}, {Key: "predicate", Value: 1}},
		{{Key: "domain", Value: 1}},
		{{Key: "relevance_score", Value: -1}, {Key: "updated_at", Value: -1}},
	}
	for _, keys := range indexes {
		if _, err := col.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys}); err != nil {
			return fmt.Errorf("create index on %s: %w", ColRecords, err)
		}
	}
	return nil
}
