package fusion

import (
	"context"

	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/queue"
)

// Replication 一次需要复制到其它实例的变更
type Replication struct {
	EventType model.EventType
	Key       string
	Payload   []byte
}

// Replicator 跨实例复制钩子，失败不影响本地写入
type Replicator interface {
	Replicate(ctx context.Context, r Replication) error
}

// NoOpReplicator 不做任何复制
type NoOpReplicator struct{}

func (NoOpReplicator) Replicate(context.Context, Replication) error { return nil }

// QueueReplicator 把变更发布到复制主题
type QueueReplicator struct {
	pub    queue.Publisher
	origin string
}

var _ Replicator = (*QueueReplicator)(nil)

// NewQueueReplicator origin 标识本实例，消费方据此跳过自己发布的消息
func NewQueueReplicator(pub queue.Publisher, origin string) *QueueReplicator {
	return &QueueReplicator{pub: pub, origin: origin}
}

func (q *QueueReplicator) Replicate(ctx context.Context, r Replication) error {
	_, err := q.pub.Publish(ctx, &queue.Message{
		EventType: r.EventType,
		Key:       r.Key,
		Payload:   r.Payload,
		Origin:    q.origin,
		CreatedAt: model.Now(),
	})
	return err
}
