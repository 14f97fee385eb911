// Package cache 缓存层类型定义
package cache

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ============================================================================
// Key 前缀和 TTL 常量
// ============================================================================

const (
	// DefaultKeyPrefix 缓存 key 命名空间
	DefaultKeyPrefix = "mfh:cache:"

	// DefaultTTL 默认过期时间
	DefaultTTL = time.Hour

	// NoExpiry GetTTL 对永不过期 key 的返回值
	NoExpiry time.Duration = -1
)

// ============================================================================
// 错误
// ============================================================================

// Error 缓存操作失败
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ============================================================================
// 统计
// ============================================================================

// Stats 缓存统计
type Stats struct {
	Status    string  `json:"status"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Evictions int64   `json:"evictions"`
	Errors    int64   `json:"errors"`
	Corrupted int64   `json:"corrupted"`
	HitRate   float64 `json:"hit_rate"`
	KeyPrefix string  `json:"key_prefix,omitempty"`
}

// Counters 并发安全的缓存计数器
type Counters struct {
	hits, misses, sets, evictions, errors, corrupted atomic.Int64
}

func (c *Counters) Hit()       { c.hits.Add(1) }
func (c *Counters) Miss()      { c.misses.Add(1) }
func (c *Counters) Set()       { c.sets.Add(1) }
func (c *Counters) Evict()     { c.evictions.Add(1) }
func (c *Counters) Error()     { c.errors.Add(1) }
func (c *Counters) Corrupted() { c.corrupted.Add(1) }

// Snapshot 生成统计快照
func (c *Counters) Snapshot(status string) *Stats {
	s := &Stats{
		Status:    status,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Evictions: c.evictions.Load(),
		Errors:    c.errors.Load(),
		Corrupted: c.corrupted.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
