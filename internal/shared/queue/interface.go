// Package queue 消息队列抽象接口
//
// 跨实例复制使用的主题队列，当前由 Redis Streams 实现：
// 写入方追加消息，消费方通过消费者组读取并确认。
package queue

import (
	"context"
	"time"
)

// ============================================================================
// 队列接口定义
// ============================================================================

// Publisher 发布端
type Publisher interface {
	// Publish 追加消息到主题，返回消息 ID
	Publish(ctx context.Context, msg *Message) (string, error)
}

// Consumer 消费端
type Consumer interface {
	// CreateConsumerGroup 创建消费者组（已存在时忽略）
	CreateConsumerGroup(ctx context.Context, group string) error
	// Consume 读取尚未投递给该组的消息，blockTimeout 内无消息返回空
	Consume(ctx context.Context, group, consumerID string, count int64, blockTimeout time.Duration) ([]*Message, error)
	// Ack 确认消息已处理
	Ack(ctx context.Context, group string, messageIDs ...string) error
	// Length 主题中的消息数
	Length(ctx context.Context) (int64, error)
	// Pending 组内已投递未确认的消息数
	Pending(ctx context.Context, group string) (int64, error)
}

// Queue 消息队列组合接口
type Queue interface {
	Publisher
	Consumer
	Topic() string
	Close() error
}
