// Package eventlog 事件日志 mock 实现
package eventlog

import (
	"context"
	"strconv"
	"sync"
	"time"

	"memory-fusion-hub/internal/shared/model"
)

// ============================================================================
// MemoryLog - 进程内事件日志（用于测试）
// ============================================================================

// MemoryLog 进程内事件日志，语义与 Redis 实现一致
//
// 流 ID 为 "<n>-0"，n 从 1 开始递增。
type MemoryLog struct {
	mu       sync.Mutex
	entries  []Entry
	nextID   uint64
	seq      int64
	degraded bool
	failErr  error
	changed  chan struct{} // Publish 时关闭，唤醒订阅者
}

// NewMemoryLog 创建进程内事件日志
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

var _ EventLog = (*MemoryLog)(nil)

// SetDegraded 模拟后端不可达
func (l *MemoryLog) SetDegraded(d bool) {
	l.mu.Lock()
	l.degraded = d
	l.mu.Unlock()
}

// FailWith Publish 返回 err（nil 表示恢复）
func (l *MemoryLog) FailWith(err error) {
	l.mu.Lock()
	l.failErr = err
	l.mu.Unlock()
}

// Events 返回全部事件副本（测试辅助）
func (l *MemoryLog) Events() []*model.MemoryEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*model.MemoryEvent, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.Event)
	}
	return out
}

func (l *MemoryLog) Publish(ctx context.Context, req PublishRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.degraded {
		return DegradedEventID(), nil
	}
	if l.failErr != nil {
		return "", &Error{Op: "publish", Err: l.failErr}
	}

	ev := NewEvent(req)
	ev.SequenceNumber = l.seq + 1
	l.nextID++
	l.entries = append(l.entries, Entry{ID: strconv.FormatUint(l.nextID, 10) + "-0", Event: ev})
	l.seq = ev.SequenceNumber

	if l.changed != nil {
		close(l.changed)
		l.changed = nil
	}
	return ev.EventID, nil
}

// fetch 读取 after 之后的条目
func (l *MemoryLog) fetch(ctx context.Context, after string, count int64) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.degraded {
		return nil, nil
	}
	var afterID StreamID
	if after != "" {
		id, err := ParseStreamID(after)
		if err != nil {
			return nil, err
		}
		afterID = id
	}
	var out []Entry
	for _, e := range l.entries {
		id, _ := ParseStreamID(e.ID)
		if after != "" && !afterID.Less(id) {
			continue
		}
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) GetEvents(ctx context.Context, start string, count int64, targetKey string) ([]*model.MemoryEvent, error) {
	after := ""
	if start != "" && start != "-" && start != "0" {
		id, err := ParseStreamID(start)
		if err != nil {
			return nil, &Error{Op: "get_events", Err: err}
		}
		if id.Ms > 0 || id.Seq > 0 {
			// start 含自身：转换为前一个 ID 之后
			if id.Seq > 0 {
				after = StreamID{Ms: id.Ms, Seq: id.Seq - 1}.String()
			} else {
				after = StreamID{Ms: id.Ms - 1, Seq: ^uint64(0)}.String()
			}
		}
	}
	cur := NewCursor(l.fetch, ReplayOptions{After: after, TargetKey: targetKey})
	out := []*model.MemoryEvent{}
	for count <= 0 || int64(len(out)) < count {
		ev, err := cur.Next(ctx)
		if err != nil {
			break
		}
		out = append(out, ev)
	}
	return out, nil
}

func (l *MemoryLog) GetEventsSince(ctx context.Context, since time.Time, targetKey string) ([]*model.MemoryEvent, error) {
	all, err := Collect(ctx, NewCursor(l.fetch, ReplayOptions{TargetKey: targetKey}))
	if err != nil {
		return nil, err
	}
	out := []*model.MemoryEvent{}
	for _, ev := range all {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *MemoryLog) Replay(ctx context.Context, opts ReplayOptions) *Cursor {
	return NewCursor(l.fetch, opts)
}

func (l *MemoryLog) Subscribe(ctx context.Context, after string) (<-chan *model.MemoryEvent, error) {
	l.mu.Lock()
	if after == "" && len(l.entries) > 0 {
		after = l.entries[len(l.entries)-1].ID
	}
	l.mu.Unlock()

	ch := make(chan *model.MemoryEvent, 100)
	go func() {
		defer close(ch)
		for {
			wake := l.wait()
			entries, err := l.fetch(ctx, after, 100)
			if err != nil {
				return
			}
			for _, e := range entries {
				select {
				case ch <- e.Event:
					after = e.ID
				case <-ctx.Done():
					return
				}
			}
			if len(entries) > 0 {
				continue
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// wait 返回下一次 Publish 时关闭的通道
func (l *MemoryLog) wait() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.changed == nil {
		l.changed = make(chan struct{})
	}
	return l.changed
}

func (l *MemoryLog) LatestSequence(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.degraded {
		return 0, nil
	}
	return l.seq, nil
}

func (l *MemoryLog) CompactLog(ctx context.Context, keepRecent int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if keepRecent < 0 {
		keepRecent = 0
	}
	n := int64(len(l.entries)) - keepRecent
	if n <= 0 {
		return 0, nil
	}
	l.entries = append([]Entry(nil), l.entries[n:]...)
	return n, nil
}

func (l *MemoryLog) Info(ctx context.Context) (*Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.degraded {
		return nil, &Error{Op: "info", Err: context.DeadlineExceeded}
	}
	info := &Info{Stream: "memory", Length: int64(len(l.entries)), LatestSequence: l.seq, Status: "healthy"}
	if len(l.entries) > 0 {
		info.FirstID = l.entries[0].ID
		info.LastID = l.entries[len(l.entries)-1].ID
	}
	return info, nil
}

func (l *MemoryLog) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

func (l *MemoryLog) Close() error { return nil }
