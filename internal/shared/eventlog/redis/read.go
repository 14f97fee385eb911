// Package redis 事件读取、回放与订阅
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"memory-fusion-hub/internal/shared/eventlog"
	"memory-fusion-hub/internal/shared/model"
)

// fetch 读取 after 之后（不含）最多 count 条事件
//
// 排他起点用 ID+1 计算，不依赖 "(" 语法。
func (s *Store) fetch(ctx context.Context, after string, count int64) ([]eventlog.Entry, error) {
	c, ok := s.client(ctx)
	if !ok {
		return nil, nil
	}
	start := "-"
	if after != "" {
		next, err := eventlog.NextID(after)
		if err != nil {
			return nil, &eventlog.Error{Op: "replay", Err: err}
		}
		start = next
	}
	return s.rangeN(ctx, c, start, count)
}

// rangeN XRANGE start + COUNT n，并解码为事件
func (s *Store) rangeN(ctx context.Context, c *redis.Client, start string, count int64) ([]eventlog.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	msgs, err := c.XRangeN(ctx, s.stream, start, "+", count).Result()
	if err != nil {
		return nil, s.fail("range", err)
	}
	out := make([]eventlog.Entry, 0, len(msgs))
	for _, m := range msgs {
		ev, err := eventlog.DecodeFields(m.Values)
		if err != nil {
			s.logger.Warn("Skipping undecodable event", "stream_id", m.ID, "error", err)
			continue
		}
		out = append(out, eventlog.Entry{ID: m.ID, Event: ev})
	}
	return out, nil
}

// GetEvents 从 start（含）开始读取最多 count 条事件
func (s *Store) GetEvents(ctx context.Context, start string, count int64, targetKey string) ([]*model.MemoryEvent, error) {
	c, ok := s.client(ctx)
	if !ok {
		return []*model.MemoryEvent{}, nil
	}
	if start == "" || start == "0" {
		start = "-"
	}

	out := []*model.MemoryEvent{}
	for {
		entries, err := s.rangeN(ctx, c, start, s.batch)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if targetKey != "" && e.Event.TargetKey != targetKey {
				continue
			}
			out = append(out, e.Event)
			if count > 0 && int64(len(out)) >= count {
				return out, nil
			}
		}
		if int64(len(entries)) < s.batch {
			return out, nil
		}
		next, err := eventlog.NextID(entries[len(entries)-1].ID)
		if err != nil {
			return nil, &eventlog.Error{Op: "get_events", Err: err}
		}
		start = next
	}
}

// GetEventsSince 读取 since 之后的事件
//
// 先按流 ID 的毫秒时间定位，再按事件自身时间戳过滤。
func (s *Store) GetEventsSince(ctx context.Context, since time.Time, targetKey string) ([]*model.MemoryEvent, error) {
	all, err := s.GetEvents(ctx, eventlog.TimeToID(since), 0, targetKey)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, ev := range all {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Replay 返回按序的惰性游标
func (s *Store) Replay(ctx context.Context, opts eventlog.ReplayOptions) *eventlog.Cursor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = s.batch
	}
	return eventlog.NewCursor(s.fetch, opts)
}

// Subscribe 订阅 after 之后的新事件（XREAD BLOCK）
//
// after 为空时以当前最后一条的流 ID 为起点，而不是 "$"：
// 两次 XREAD 之间追加的事件不会丢失。
func (s *Store) Subscribe(ctx context.Context, after string) (<-chan *model.MemoryEvent, error) {
	c, ok := s.client(ctx)
	if !ok {
		return nil, &eventlog.Error{Op: "subscribe", Err: errors.New("event log degraded")}
	}
	lastID := after
	if lastID == "" {
		id, err := s.lastID(ctx, c)
		if err != nil {
			return nil, s.fail("subscribe", err)
		}
		lastID = id
	}
	ch := make(chan *model.MemoryEvent, 100)

	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := c.XRead(ctx, &redis.XReadArgs{
				Streams: []string{s.stream, lastID},
				Count:   s.batch,
				Block:   5 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() == nil {
					s.logger.Warn("[Redis/EventLog] Subscription error", "error", err)
				}
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					ev, err := eventlog.DecodeFields(msg.Values)
					if err != nil {
						s.logger.Warn("Skipping undecodable event", "stream_id", msg.ID, "error", err)
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// lastID 最后一条事件的流 ID，空流为 "0-0"
func (s *Store) lastID(ctx context.Context, c *redis.Client) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	msgs, err := c.XRevRangeN(ctx, s.stream, "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

// Info 探测 Stream 状态；降级时会重试连接
func (s *Store) Info(ctx context.Context) (*eventlog.Info, error) {
	c, err := s.conn.Ensure(ctx)
	if err != nil {
		return nil, &eventlog.Error{Op: "info", Err: err}
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	length, err := c.XLen(ctx, s.stream).Result()
	if err != nil {
		return nil, s.fail("info", err)
	}
	info := &eventlog.Info{Stream: s.stream, Length: length}
	if length > 0 {
		if first, err := c.XRangeN(ctx, s.stream, "-", "+", 1).Result(); err == nil && len(first) > 0 {
			info.FirstID = first[0].ID
		}
		if last, err := c.XRevRangeN(ctx, s.stream, "+", "-", 1).Result(); err == nil && len(last) > 0 {
			info.LastID = last[0].ID
		}
	}
	s.conn.MarkHealthy()
	info.Status = s.conn.Status().String()

	s.mu.Lock()
	info.LatestSequence = s.seq
	s.mu.Unlock()
	return info, nil
}
