// Package eventlog 事件日志类型定义
package eventlog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"memory-fusion-hub/internal/shared/model"
)

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// DefaultStream 默认 Stream 名称
	DefaultStream = "mfh:events"

	// DefaultMaxLen Stream 近似最大长度（XADD MAXLEN ~）
	DefaultMaxLen = 100000

	// DefaultBatchSize 回放分页大小
	DefaultBatchSize = 500

	// DegradedPrefix 降级模式下合成的事件 ID 前缀
	DegradedPrefix = "degraded-"
)

// DegradedEventID 生成降级模式事件 ID
func DegradedEventID() string {
	return DegradedPrefix + uuid.NewString()
}

// IsDegradedEventID 是否为降级模式合成的事件 ID
func IsDegradedEventID(id string) bool {
	return strings.HasPrefix(id, DegradedPrefix)
}

// ============================================================================
// 请求与结果类型
// ============================================================================

// PublishRequest 发布事件请求
type PublishRequest struct {
	EventType     model.EventType
	TargetKey     string
	AgentID       string
	Payload       json.RawMessage
	PreviousValue json.RawMessage
	CorrelationID string
}

// ReplayOptions 回放参数
type ReplayOptions struct {
	// After 从该流 ID 之后开始（不含），空表示从头
	After string
	// TargetKey 非空时只回放该 key 的事件
	TargetKey string
	// SinceSequence 只回放 sequence_number > SinceSequence 的事件
	SinceSequence int64
	// BatchSize 每次向后端读取的条数
	BatchSize int64
}

// Info 事件日志状态
type Info struct {
	Stream         string `json:"stream"`
	Length         int64  `json:"length"`
	FirstID        string `json:"first_id,omitempty"`
	LastID         string `json:"last_id,omitempty"`
	LatestSequence int64  `json:"latest_sequence"`
	Status         string `json:"status"`
}

// Error 事件日志操作失败
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("eventlog %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// ============================================================================
// 流 ID（<ms>-<seq>）
// ============================================================================

// StreamID 解析后的流 ID
type StreamID struct {
	Ms  uint64
	Seq uint64
}

// ParseStreamID 解析 "<ms>-<seq>"，省略 seq 时视为 0
func ParseStreamID(s string) (StreamID, error) {
	msPart, seqPart, found := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("invalid stream id %q", s)
	}
	var seq uint64
	if found {
		if seq, err = strconv.ParseUint(seqPart, 10, 64); err != nil {
			return StreamID{}, fmt.Errorf("invalid stream id %q", s)
		}
	}
	return StreamID{Ms: ms, Seq: seq}, nil
}

func (id StreamID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Next 紧随其后的最小 ID（用于排他游标）
func (id StreamID) Next() StreamID {
	if id.Seq == ^uint64(0) {
		return StreamID{Ms: id.Ms + 1}
	}
	return StreamID{Ms: id.Ms, Seq: id.Seq + 1}
}

// Less 比较大小
func (id StreamID) Less(o StreamID) bool {
	if id.Ms != o.Ms {
		return id.Ms < o.Ms
	}
	return id.Seq < o.Seq
}

// NextID 返回 s 之后的最小 ID 字符串
func NextID(s string) (string, error) {
	id, err := ParseStreamID(s)
	if err != nil {
		return "", err
	}
	return id.Next().String(), nil
}

// TimeToID 时间对应的最小流 ID
func TimeToID(t time.Time) string {
	ms := t.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	return StreamID{Ms: uint64(ms)}.String()
}

// ============================================================================
// 字段编解码（Stream 值均为字符串）
// ============================================================================

// EncodeFields 将事件平铺为字符串字段
func EncodeFields(ev *model.MemoryEvent) map[string]interface{} {
	return map[string]interface{}{
		"event_id":        ev.EventID,
		"event_type":      string(ev.EventType),
		"target_key":      ev.TargetKey,
		"timestamp":       ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"agent_id":        ev.AgentID,
		"payload":         string(ev.Payload),
		"previous_value":  string(ev.PreviousValue),
		"sequence_number": strconv.FormatInt(ev.SequenceNumber, 10),
		"correlation_id":  ev.CorrelationID,
	}
}

// DecodeFields 从字符串字段还原事件
func DecodeFields(values map[string]interface{}) (*model.MemoryEvent, error) {
	str := func(k string) string {
		s, _ := values[k].(string)
		return s
	}
	ev := &model.MemoryEvent{
		EventID:       str("event_id"),
		EventType:     model.EventType(str("event_type")),
		TargetKey:     str("target_key"),
		AgentID:       str("agent_id"),
		CorrelationID: str("correlation_id"),
	}
	if ev.EventID == "" {
		return nil, fmt.Errorf("event without event_id")
	}
	if ts := str("timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("event %s: bad timestamp: %w", ev.EventID, err)
		}
		ev.Timestamp = t
	}
	if p := str("payload"); p != "" {
		ev.Payload = json.RawMessage(p)
	}
	if p := str("previous_value"); p != "" {
		ev.PreviousValue = json.RawMessage(p)
	}
	if s := str("sequence_number"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("event %s: bad sequence_number: %w", ev.EventID, err)
		}
		ev.SequenceNumber = n
	}
	return ev, nil
}

// NewEvent 根据请求构造事件（不含 sequence_number）
func NewEvent(req PublishRequest) *model.MemoryEvent {
	return &model.MemoryEvent{
		EventID:       uuid.NewString(),
		EventType:     req.EventType,
		TargetKey:     req.TargetKey,
		Timestamp:     model.Now(),
		AgentID:       req.AgentID,
		Payload:       req.Payload,
		PreviousValue: req.PreviousValue,
		CorrelationID: req.CorrelationID,
	}
}
