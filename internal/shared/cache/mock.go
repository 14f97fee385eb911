// Package cache 缓存层 mock 实现
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"memory-fusion-hub/internal/shared/model"
)

// ============================================================================
// NoOpCache - 空操作的 Cache 实现（缓存禁用时使用）
// ============================================================================

// NoOpCache 是一个不做任何操作的 Cache 实现，所有读取都未命中
type NoOpCache struct{}

// NewNoOpCache 创建 NoOpCache 实例
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

func (c *NoOpCache) Get(ctx context.Context, key string) (model.Record, error) { return nil, nil }
func (c *NoOpCache) Put(ctx context.Context, key string, rec model.Record, ttl time.Duration) error {
	return nil
}
func (c *NoOpCache) Evict(ctx context.Context, key string) (bool, error)  { return false, nil }
func (c *NoOpCache) Exists(ctx context.Context, key string) (bool, error) { return false, nil }
func (c *NoOpCache) GetTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	return 0, false, nil
}
func (c *NoOpCache) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, nil
}
func (c *NoOpCache) ClearAll(ctx context.Context) (int64, error) { return 0, nil }
func (c *NoOpCache) HealthCheck(ctx context.Context) bool        { return true }
func (c *NoOpCache) Info(ctx context.Context) (*Stats, error) {
	return &Stats{Status: "disabled"}, nil
}

// Close 关闭缓存
func (c *NoOpCache) Close() error {
	return nil
}

// 确保 NoOpCache 实现了 Cache 接口
var _ Cache = (*NoOpCache)(nil)

// ============================================================================
// MemoryCache - 进程内 TTL 缓存（用于测试，支持故障注入）
// ============================================================================

type memEntry struct {
	data     []byte
	expireAt time.Time // 零值表示永不过期
}

// MemoryCache 进程内缓存，值以信封编码保存
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]memEntry
	defaultTTL time.Duration
	failErr    error
	counters   Counters

	// Now 时钟，测试可替换
	Now func() time.Time
}

// NewMemoryCache 创建进程内缓存
func NewMemoryCache(defaultTTL time.Duration) *MemoryCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &MemoryCache{
		entries:    make(map[string]memEntry),
		defaultTTL: defaultTTL,
		Now:        time.Now,
	}
}

var _ Cache = (*MemoryCache)(nil)

// FailWith 后续所有操作返回 err（nil 表示恢复）
func (c *MemoryCache) FailWith(err error) {
	c.mu.Lock()
	c.failErr = err
	c.mu.Unlock()
}

// Corrupt 写入无法解码的值（测试损坏数据路径）
func (c *MemoryCache) Corrupt(key string) {
	c.mu.Lock()
	c.entries[key] = memEntry{data: []byte("{corrupted")}
	c.mu.Unlock()
}

// Len 当前 key 数量（含已过期未清理的）
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) check(op, key string) error {
	if c.failErr != nil {
		c.counters.Error()
		return &Error{Op: op, Key: key, Err: c.failErr}
	}
	return nil
}

// lookup 返回未过期条目，过期条目顺带删除（调用方持锁）
func (c *MemoryCache) lookup(key string) (memEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return e, false
	}
	if !e.expireAt.IsZero() && !c.Now().Before(e.expireAt) {
		delete(c.entries, key)
		return e, false
	}
	return e, true
}

func (c *MemoryCache) Get(ctx context.Context, key string) (model.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("get", key); err != nil {
		return nil, err
	}
	e, ok := c.lookup(key)
	if !ok {
		c.counters.Miss()
		return nil, nil
	}
	rec, err := model.Decode(e.data)
	if err != nil {
		c.counters.Corrupted()
		c.counters.Miss()
		delete(c.entries, key)
		return nil, nil
	}
	c.counters.Hit()
	return rec, nil
}

func (c *MemoryCache) Put(ctx context.Context, key string, rec model.Record, ttl time.Duration) error {
	data, err := model.Encode(rec)
	if err != nil {
		return &Error{Op: "put", Key: key, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("put", key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.entries[key] = memEntry{data: data, expireAt: c.Now().Add(ttl)}
	c.counters.Set()
	return nil
}

func (c *MemoryCache) Evict(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("evict", key); err != nil {
		return false, err
	}
	_, ok := c.lookup(key)
	delete(c.entries, key)
	if ok {
		c.counters.Evict()
	}
	return ok, nil
}

func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("exists", key); err != nil {
		return false, err
	}
	_, ok := c.lookup(key)
	return ok, nil
}

func (c *MemoryCache) GetTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("get_ttl", key); err != nil {
		return 0, false, err
	}
	e, ok := c.lookup(key)
	if !ok {
		return 0, false, nil
	}
	if e.expireAt.IsZero() {
		return NoExpiry, true, nil
	}
	return e.expireAt.Sub(c.Now()), true, nil
}

func (c *MemoryCache) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("set_ttl", key); err != nil {
		return false, err
	}
	e, ok := c.lookup(key)
	if !ok {
		return false, nil
	}
	if ttl <= 0 {
		e.expireAt = time.Time{}
	} else {
		e.expireAt = c.Now().Add(ttl)
	}
	c.entries[key] = e
	return true, nil
}

func (c *MemoryCache) ClearAll(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("clear_all", ""); err != nil {
		return 0, err
	}
	n := int64(len(c.entries))
	c.entries = make(map[string]memEntry)
	return n, nil
}

func (c *MemoryCache) HealthCheck(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failErr == nil
}

func (c *MemoryCache) Info(ctx context.Context) (*Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := "healthy"
	if c.failErr != nil {
		status = "degraded"
	}
	return c.counters.Snapshot(status), nil
}

func (c *MemoryCache) Close() error { return nil }

// Keys 返回所有未过期 key（测试辅助）
func (c *MemoryCache) Keys(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for k := range c.entries {
		if _, ok := c.lookup(k); ok && strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}
