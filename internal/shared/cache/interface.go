// Package cache 缓存层抽象接口
//
// 缓存是存储层的派生投影：可能为空、过期或被禁用，
// 任何缓存失败都不影响调用结果的正确性。当前由 Redis 实现。
package cache

import (
	"context"
	"time"

	"memory-fusion-hub/internal/shared/model"
)

// ============================================================================
// 缓存接口定义
// ============================================================================

// Cache 记录缓存接口
type Cache interface {
	// Get 读取记录，未命中返回 (nil, nil)；损坏的值视为未命中
	Get(ctx context.Context, key string) (model.Record, error)

	// Put 写入记录，ttl <= 0 时使用默认 TTL
	Put(ctx context.Context, key string, rec model.Record, ttl time.Duration) error

	// Evict 删除 key，返回是否存在
	Evict(ctx context.Context, key string) (bool, error)

	// Exists 判断 key 是否存在
	Exists(ctx context.Context, key string) (bool, error)

	// GetTTL 返回剩余 TTL；found=false 表示 key 不存在，-1 表示永不过期
	GetTTL(ctx context.Context, key string) (ttl time.Duration, found bool, err error)

	// SetTTL 修改 TTL，返回 key 是否存在
	SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ClearAll 清空本缓存命名空间下的所有 key，返回删除数量
	ClearAll(ctx context.Context) (int64, error)

	// HealthCheck 真实的 set/get/delete 往返探测
	HealthCheck(ctx context.Context) bool

	// Info 缓存统计
	Info(ctx context.Context) (*Stats, error)

	Close() error
}
