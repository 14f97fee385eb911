// Package queue 消息队列 mock 实现
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// NoOpQueue - 空操作的 Queue 实现（复制关闭时使用）
// ============================================================================

// NoOpQueue 是一个不做任何操作的 Queue 实现
type NoOpQueue struct{}

// NewNoOpQueue 创建 NoOpQueue 实例
func NewNoOpQueue() *NoOpQueue {
	return &NoOpQueue{}
}

func (q *NoOpQueue) Publish(ctx context.Context, msg *Message) (string, error) { return "", nil }
func (q *NoOpQueue) CreateConsumerGroup(ctx context.Context, group string) error {
	return nil
}
func (q *NoOpQueue) Consume(ctx context.Context, group, consumerID string, count int64, blockTimeout time.Duration) ([]*Message, error) {
	return []*Message{}, nil
}
func (q *NoOpQueue) Ack(ctx context.Context, group string, messageIDs ...string) error { return nil }
func (q *NoOpQueue) Length(ctx context.Context) (int64, error)                       { return 0, nil }
func (q *NoOpQueue) Pending(ctx context.Context, group string) (int64, error)         { return 0, nil }
func (q *NoOpQueue) Topic() string                                                   { return "" }

// Close 关闭队列
func (q *NoOpQueue) Close() error {
	return nil
}

// 确保 NoOpQueue 实现了 Queue 接口
var _ Queue = (*NoOpQueue)(nil)

// ============================================================================
// MemoryQueue - 进程内队列（用于测试）
// ============================================================================

// MemoryQueue 单主题内存队列，消费者组语义与 Redis Streams 一致：
// 每个组独立推进读取位置，未确认消息计入 Pending。
type MemoryQueue struct {
	mu       sync.Mutex
	topic    string
	messages []*Message
	groups   map[string]*memGroup
	failErr  error
}

type memGroup struct {
	next    int
	pending map[string]struct{}
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue(topic string) *MemoryQueue {
	if topic == "" {
		topic = DefaultTopic
	}
	return &MemoryQueue{topic: topic, groups: make(map[string]*memGroup)}
}

var _ Queue = (*MemoryQueue)(nil)

// FailWith 后续 Publish 返回 err（nil 表示恢复）
func (q *MemoryQueue) FailWith(err error) {
	q.mu.Lock()
	q.failErr = err
	q.mu.Unlock()
}

// Messages 已发布的全部消息（测试辅助）
func (q *MemoryQueue) Messages() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Message(nil), q.messages...)
}

func (q *MemoryQueue) Publish(ctx context.Context, msg *Message) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failErr != nil {
		return "", q.failErr
	}
	cp := *msg
	cp.ID = fmt.Sprintf("%d-0", len(q.messages)+1)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	q.messages = append(q.messages, &cp)
	return cp.ID, nil
}

func (q *MemoryQueue) CreateConsumerGroup(ctx context.Context, group string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.groups[group]; !ok {
		q.groups[group] = &memGroup{pending: make(map[string]struct{})}
	}
	return nil
}

func (q *MemoryQueue) Consume(ctx context.Context, group, consumerID string, count int64, blockTimeout time.Duration) ([]*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.groups[group]
	if !ok {
		return nil, fmt.Errorf("NOGROUP consumer group %q does not exist", group)
	}
	var out []*Message
	for g.next < len(q.messages) && (count <= 0 || int64(len(out)) < count) {
		m := q.messages[g.next]
		g.next++
		g.pending[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, group string, messageIDs ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if g, ok := q.groups[group]; ok {
		for _, id := range messageIDs {
			delete(g.pending, id)
		}
	}
	return nil
}

func (q *MemoryQueue) Length(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.messages)), nil
}

func (q *MemoryQueue) Pending(ctx context.Context, group string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if g, ok := q.groups[group]; ok {
		return int64(len(g.pending)), nil
	}
	return 0, nil
}

func (q *MemoryQueue) Topic() string { return q.topic }

func (q *MemoryQueue) Close() error { return nil }
