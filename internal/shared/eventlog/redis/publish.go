// Package redis 事件发布与裁剪
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"memory-fusion-hub/internal/shared/eventlog"
	"memory-fusion-hub/internal/shared/model"
)

// Publish 发布事件
func (s *Store) Publish(ctx context.Context, req eventlog.PublishRequest) (string, error) {
	if !req.EventType.IsValid() {
		return "", &eventlog.Error{Op: "publish", Err: fmt.Errorf("invalid event type %q", req.EventType)}
	}
	c, ok := s.client(ctx)
	if !ok {
		id := eventlog.DegradedEventID()
		s.logger.Warn("Event log degraded, event dropped", "event_type", req.EventType, "key", req.TargetKey, "event_id", id)
		return id, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ev := eventlog.NewEvent(req)
	ev.SequenceNumber = s.seq

	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: eventlog.EncodeFields(ev),
	}
	streamID, err := c.XAdd(ctx, args).Result()
	if err != nil {
		return "", s.fail("publish", err)
	}
	s.conn.MarkHealthy()

	s.logger.Debug("[Redis/EventLog] Published event", "stream_id", streamID,
		"seq", ev.SequenceNumber, "type", ev.EventType, "key", ev.TargetKey)
	return ev.EventID, nil
}

// LatestSequence 最新的 sequence_number
func (s *Store) LatestSequence(ctx context.Context) (int64, error) {
	if _, ok := s.client(ctx); !ok {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, nil
}

// CompactLog 只保留最近 keepRecent 条事件
//
// 配置了 Archiver 时先把将被删除的事件归档，归档失败则放弃裁剪。
// 持有发布锁，裁剪期间不会有新事件写入。
func (s *Store) CompactLog(ctx context.Context, keepRecent int64) (int64, error) {
	if keepRecent < 0 {
		keepRecent = 0
	}
	c, ok := s.client(ctx)
	if !ok {
		return 0, &eventlog.Error{Op: "compact", Err: fmt.Errorf("event log degraded")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	length, err := c.XLen(ctx, s.stream).Result()
	if err != nil {
		return 0, s.fail("compact", err)
	}
	excess := length - keepRecent
	if excess <= 0 {
		return 0, nil
	}

	if s.archiver != nil {
		if err := s.archive(ctx, c, excess); err != nil {
			return 0, &eventlog.Error{Op: "compact", Err: fmt.Errorf("archive failed, log not trimmed: %w", err)}
		}
	}

	n, err := c.XTrimMaxLen(ctx, s.stream, keepRecent).Result()
	if err != nil {
		return 0, s.fail("compact", err)
	}
	s.logger.Info("Event log compacted", "stream", s.stream, "removed", n, "kept", keepRecent)
	return n, nil
}

// archive 归档最早的 count 条事件
func (s *Store) archive(ctx context.Context, c *redis.Client, count int64) error {
	events := make([]*model.MemoryEvent, 0, count)
	var firstID, lastID string
	start := "-"
	for int64(len(events)) < count {
		n := s.batch
		if remaining := count - int64(len(events)); remaining < n {
			n = remaining
		}
		msgs, err := c.XRangeN(ctx, s.stream, start, "+", n).Result()
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			ev, err := eventlog.DecodeFields(m.Values)
			if err != nil {
				return err
			}
			if firstID == "" {
				firstID = m.ID
			}
			lastID = m.ID
			events = append(events, ev)
		}
		next, err := eventlog.NextID(lastID)
		if err != nil {
			return err
		}
		start = next
	}
	if len(events) == 0 {
		return nil
	}
	name := fmt.Sprintf("%s/%s_%s.jsonl", s.stream, firstID, lastID)
	return s.archiver.Archive(ctx, name, events)
}
