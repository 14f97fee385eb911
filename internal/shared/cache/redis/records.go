// Package redis 记录缓存操作
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"memory-fusion-hub/internal/shared/cache"
	"memory-fusion-hub/internal/shared/model"
)

// Get 读取记录
//
// 无法解码的值计为 corrupted，立即删除并按未命中返回。
func (s *Store) Get(ctx context.Context, key string) (model.Record, error) {
	c, ctx, cancel, err := s.client(ctx, "get", key)
	if err != nil {
		return nil, err
	}
	defer cancel()

	data, err := c.Get(ctx, s.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.counters.Miss()
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("get", key, err)
	}

	rec, err := model.Decode(data)
	if err != nil {
		s.counters.Corrupted()
		s.counters.Miss()
		s.logger.Warn("Corrupted cache entry evicted", "key", key, "error", err)
		c.Del(ctx, s.k(key))
		return nil, nil
	}
	s.counters.Hit()
	return rec, nil
}

// Put 写入记录
func (s *Store) Put(ctx context.Context, key string, rec model.Record, ttl time.Duration) error {
	data, err := model.Encode(rec)
	if err != nil {
		return &cache.Error{Op: "put", Key: key, Err: err}
	}
	c, ctx, cancel, err := s.client(ctx, "put", key)
	if err != nil {
		return err
	}
	defer cancel()

	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if err := c.Set(ctx, s.k(key), data, ttl).Err(); err != nil {
		return s.fail("put", key, err)
	}
	s.counters.Set()
	return nil
}

// Evict 删除 key
func (s *Store) Evict(ctx context.Context, key string) (bool, error) {
	c, ctx, cancel, err := s.client(ctx, "evict", key)
	if err != nil {
		return false, err
	}
	defer cancel()

	n, err := c.Del(ctx, s.k(key)).Result()
	if err != nil {
		return false, s.fail("evict", key, err)
	}
	if n > 0 {
		s.counters.Evict()
	}
	return n > 0, nil
}

// Exists 判断 key 是否存在
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	c, ctx, cancel, err := s.client(ctx, "exists", key)
	if err != nil {
		return false, err
	}
	defer cancel()

	n, err := c.Exists(ctx, s.k(key)).Result()
	if err != nil {
		return false, s.fail("exists", key, err)
	}
	return n > 0, nil
}

// GetTTL 返回剩余 TTL
//
// go-redis 对 TTL 的 -1（永不过期）与 -2（不存在）原样返回纳秒值。
func (s *Store) GetTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	c, ctx, cancel, err := s.client(ctx, "get_ttl", key)
	if err != nil {
		return 0, false, err
	}
	defer cancel()

	d, err := c.TTL(ctx, s.k(key)).Result()
	if err != nil {
		return 0, false, s.fail("get_ttl", key, err)
	}
	switch d {
	case -2:
		return 0, false, nil
	case -1:
		return cache.NoExpiry, true, nil
	}
	return d, true, nil
}

// SetTTL 修改 TTL，ttl <= 0 时移除过期时间
func (s *Store) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c, ctx, cancel, err := s.client(ctx, "set_ttl", key)
	if err != nil {
		return false, err
	}
	defer cancel()

	var ok bool
	if ttl <= 0 {
		ok, err = c.Persist(ctx, s.k(key)).Result()
		if err == nil && !ok {
			// PERSIST 对无过期时间的 key 也返回 0
			var n int64
			n, err = c.Exists(ctx, s.k(key)).Result()
			ok = n > 0
		}
	} else {
		ok, err = c.Expire(ctx, s.k(key), ttl).Result()
	}
	if err != nil {
		return false, s.fail("set_ttl", key, err)
	}
	return ok, nil
}

// ClearAll 通过 SCAN 删除命名空间下的所有 key
func (s *Store) ClearAll(ctx context.Context) (int64, error) {
	c, ctx, cancel, err := s.client(ctx, "clear_all", "")
	if err != nil {
		return 0, err
	}
	defer cancel()

	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := c.Scan(ctx, cursor, s.prefix+"*", 200).Result()
		if err != nil {
			return deleted, s.fail("clear_all", "", err)
		}
		if len(keys) > 0 {
			n, err := c.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, s.fail("clear_all", "", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	s.logger.Info("Cache cleared", "deleted", deleted)
	return deleted, nil
}

// HealthCheck set/get/delete 往返探测，成功时恢复 healthy；未连接时重试连接
func (s *Store) HealthCheck(ctx context.Context) bool {
	c, ctx, cancel, err := s.acquire(ctx, "health_check", "", s.conn.Ensure)
	if err != nil {
		return false
	}
	defer cancel()

	sentinel := s.k("__health_check__:" + uuid.NewString())
	want := "ok"
	if err := c.Set(ctx, sentinel, want, 10*time.Second).Err(); err != nil {
		s.conn.MarkDegraded(err)
		return false
	}
	got, err := c.Get(ctx, sentinel).Result()
	if err == nil && got != want {
		err = errors.New("health check value mismatch")
	}
	if delErr := c.Del(ctx, sentinel).Err(); err == nil && delErr != nil {
		err = fmt.Errorf("health check delete: %w", delErr)
	}
	if err != nil {
		s.conn.MarkDegraded(err)
		return false
	}
	s.conn.MarkHealthy()
	return true
}

// Info 返回本地计数器统计
func (s *Store) Info(ctx context.Context) (*cache.Stats, error) {
	st := s.counters.Snapshot(s.conn.Status().String())
	st.KeyPrefix = s.prefix
	return st, nil
}
