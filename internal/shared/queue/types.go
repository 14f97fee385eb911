// Package queue 消息队列类型定义
package queue

import (
	"encoding/json"
	"time"

	"memory-fusion-hub/internal/shared/model"
)

// ============================================================================
// 消息类型
// ============================================================================

// Message 复制消息
//
// Payload 为信封编码的记录快照，DELETE 时为空。
type Message struct {
	ID        string          `json:"id,omitempty"`
	EventType model.EventType `json:"event_type"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Origin    string          `json:"origin"` // 发布实例标识
	CreatedAt time.Time       `json:"created_at"`
}

// Record 解码 Payload
func (m *Message) Record() (model.Record, error) {
	if len(m.Payload) == 0 {
		return nil, nil
	}
	return model.Decode(m.Payload)
}

// ============================================================================
// 常量
// ============================================================================

const (
	// DefaultTopic 默认复制主题（Redis Stream key）
	DefaultTopic = "memory_fusion.replication"

	// DefaultMaxLen 主题保留的近似最大长度
	DefaultMaxLen = 10000

	// 消息字段
	FieldEventType = "event_type"
	FieldKey       = "key"
	FieldPayload   = "payload"
	FieldOrigin    = "origin"
	FieldCreatedAt = "created_at"
)
