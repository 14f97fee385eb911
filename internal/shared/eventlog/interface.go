// Package eventlog 追加写审计事件日志抽象接口
//
// 每次成功的写入/删除对应恰好一条事件，sequence_number 全局单调递增。
// 日志只追加，仅能通过 CompactLog 裁剪。当前由 Redis Streams 实现。
package eventlog

import (
	"context"
	"time"

	"memory-fusion-hub/internal/shared/model"
)

// ============================================================================
// 事件日志接口定义
// ============================================================================

// EventLog 事件日志
type EventLog interface {
	// Publish 追加事件，返回 event_id
	//
	// 后端不可达时进入降级模式：返回 "degraded-<uuid>" 且不报错。
	Publish(ctx context.Context, req PublishRequest) (string, error)

	// GetEvents 从 start（流 ID，含）开始读取最多 count 条事件，targetKey 非空时过滤
	GetEvents(ctx context.Context, start string, count int64, targetKey string) ([]*model.MemoryEvent, error)

	// GetEventsSince 读取 since 之后的事件
	GetEventsSince(ctx context.Context, since time.Time, targetKey string) ([]*model.MemoryEvent, error)

	// Replay 返回按序的惰性游标
	Replay(ctx context.Context, opts ReplayOptions) *Cursor

	// Subscribe 推送流 ID 在 after 之后的事件，ctx 取消时关闭通道
	//
	// after 为空表示从订阅时的末尾开始；"0-0" 表示从头开始。
	Subscribe(ctx context.Context, after string) (<-chan *model.MemoryEvent, error)

	// LatestSequence 最新的 sequence_number，空日志为 0
	LatestSequence(ctx context.Context) (int64, error)

	// CompactLog 只保留最近 keepRecent 条，返回删除数量
	CompactLog(ctx context.Context, keepRecent int64) (int64, error)

	// Info 探测后端并返回流信息（降级时会尝试重连）
	Info(ctx context.Context) (*Info, error)

	// Degraded 是否处于降级模式
	Degraded() bool

	Close() error
}

// Archiver 裁剪前归档事件（对象存储等）
type Archiver interface {
	Archive(ctx context.Context, name string, events []*model.MemoryEvent) error
}
