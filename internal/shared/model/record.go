// Package model 记录联合类型与信封编解码
//
// 四类记录共用一张存储表和一个缓存命名空间，
// 通过显式的类型鉴别字段（Kind）在序列化中携带类型信息。
package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrValidation 记录校验失败
	ErrValidation = errors.New("validation failed")

	// ErrUnknownKind 未知的记录类型鉴别值
	ErrUnknownKind = errors.New("unknown record kind")
)

func invalid(kind Kind, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, kind, fmt.Sprintf(format, args...))
}

// ============================================================================
// Kind - 记录类型鉴别值
// ============================================================================

// Kind 记录类型
type Kind string

const (
	KindMemoryItem      Kind = "memory_item"
	KindSessionData     Kind = "session_data"
	KindKnowledgeRecord Kind = "knowledge_record"
	KindMemoryEvent     Kind = "memory_event"
)

// AllKinds 所有记录类型
var AllKinds = []Kind{KindMemoryItem, KindSessionData, KindKnowledgeRecord, KindMemoryEvent}

// ParseKind 解析记录类型，兼容常见别名
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "memory_item", "memoryitem", "memory", "item":
		return KindMemoryItem, nil
	case "session_data", "sessiondata", "session":
		return KindSessionData, nil
	case "knowledge_record", "knowledgerecord", "knowledge":
		return KindKnowledgeRecord, nil
	case "memory_event", "memoryevent", "event":
		return KindMemoryEvent, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// ============================================================================
// Record - 记录联合类型
// ============================================================================

// Record 四类记录的封闭接口
type Record interface {
	// Kind 返回类型鉴别值
	Kind() Kind
	// RecordKey 返回记录自身携带的 key（派生 key 或 MemoryItem.Key）
	RecordKey() string
	// Validate 校验字段约束
	Validate() error

	isRecord()
}

func (*MemoryItem) Kind() Kind      { return KindMemoryItem }
func (*SessionData) Kind() Kind     { return KindSessionData }
func (*KnowledgeRecord) Kind() Kind { return KindKnowledgeRecord }
func (*MemoryEvent) Kind() Kind     { return KindMemoryEvent }

func (*MemoryItem) isRecord()      {}
func (*SessionData) isRecord()     {}
func (*KnowledgeRecord) isRecord() {}
func (*MemoryEvent) isRecord()     {}

func (m *MemoryItem) RecordKey() string      { return m.Key }
func (s *SessionData) RecordKey() string     { return SessionKey(s.SessionID) }
func (k *KnowledgeRecord) RecordKey() string { return KnowledgeKey(k.ID) }
func (e *MemoryEvent) RecordKey() string     { return e.EventID }

// Validate 校验 MemoryItem
func (m *MemoryItem) Validate() error {
	if m.Key == "" {
		return invalid(KindMemoryItem, "key is required")
	}
	if m.MemoryType != "" && !m.MemoryType.IsValid() {
		return invalid(KindMemoryItem, "unknown memory_type %q", m.MemoryType)
	}
	if !inUnitRange(m.RelevanceScore) {
		return invalid(KindMemoryItem, "relevance_score %v out of [0,1]", m.RelevanceScore)
	}
	if m.AccessCount < 0 {
		return invalid(KindMemoryItem, "access_count must not be negative")
	}
	return nil
}

// Validate 校验 SessionData
func (s *SessionData) Validate() error {
	if s.SessionID == "" {
		return invalid(KindSessionData, "session_id is required")
	}
	if s.InteractionCount < 0 {
		return invalid(KindSessionData, "interaction_count must not be negative")
	}
	return nil
}

// Validate 校验 KnowledgeRecord
func (k *KnowledgeRecord) Validate() error {
	if k.ID == "" {
		return invalid(KindKnowledgeRecord, "knowledge_id is required")
	}
	if k.Subject == "" || k.Predicate == "" {
		return invalid(KindKnowledgeRecord, "subject and predicate are required")
	}
	if !inUnitRange(k.Confidence) {
		return invalid(KindKnowledgeRecord, "confidence %v out of [0,1]", k.Confidence)
	}
	if k.ValidFrom != nil && k.ValidUntil != nil && k.ValidUntil.Before(*k.ValidFrom) {
		return invalid(KindKnowledgeRecord, "valid_until before valid_from")
	}
	return nil
}

// Validate 校验 MemoryEvent
func (e *MemoryEvent) Validate() error {
	if e.EventID == "" {
		return invalid(KindMemoryEvent, "event_id is required")
	}
	if !e.EventType.IsValid() {
		return invalid(KindMemoryEvent, "unknown event_type %q", e.EventType)
	}
	if e.TargetKey == "" {
		return invalid(KindMemoryEvent, "target_key is required")
	}
	return nil
}

func inUnitRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Prepare 写入前补全 key 与零值时间戳
//
// MemoryItem 的 key 为空时取 key；非空且不一致视为校验失败。
func Prepare(rec Record, key string) error {
	now := Now()
	switch r := rec.(type) {
	case *MemoryItem:
		if r.Key == "" {
			r.Key = key
		} else if key != "" && r.Key != key {
			return invalid(KindMemoryItem, "item key %q does not match %q", r.Key, key)
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = r.CreatedAt
		}
	case *SessionData:
		if r.StartedAt.IsZero() {
			r.StartedAt = now
		}
		if r.LastActivity.IsZero() {
			r.LastActivity = r.StartedAt
		}
	case *KnowledgeRecord:
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
	case *MemoryEvent:
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
	}
	return rec.Validate()
}

// RecordTimes 返回记录的创建时间与最近更新时间，零值取当前时间
func RecordTimes(rec Record) (created, updated time.Time) {
	switch r := rec.(type) {
	case *MemoryItem:
		created, updated = r.CreatedAt, r.UpdatedAt
	case *SessionData:
		created, updated = r.StartedAt, r.LastActivity
	case *KnowledgeRecord:
		created, updated = r.CreatedAt, r.CreatedAt
	case *MemoryEvent:
		created, updated = r.Timestamp, r.Timestamp
	}
	now := Now()
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}
	return created, updated
}

// ============================================================================
// Envelope - 带类型鉴别的序列化信封
// ============================================================================

// Envelope 记录的统一序列化形式
//
// 存储层 payload、缓存值与事件快照都使用该格式。
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode 将记录编码为信封 JSON
func Encode(rec Record) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", ErrValidation)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", rec.Kind(), err)
	}
	return json.Marshal(Envelope{Type: rec.Kind(), Data: data})
}

// Decode 从信封 JSON 还原记录
func Decode(b []byte) (Record, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" || len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: envelope missing type or data", ErrValidation)
	}
	return DecodeAs(env.Type, env.Data)
}

// DecodeAs 按指定类型解码记录数据
func DecodeAs(kind Kind, data []byte) (Record, error) {
	rec, err := newRecord(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return rec, nil
}

func newRecord(kind Kind) (Record, error) {
	switch kind {
	case KindMemoryItem:
		return &MemoryItem{}, nil
	case KindSessionData:
		return &SessionData{}, nil
	case KindKnowledgeRecord:
		return &KnowledgeRecord{}, nil
	case KindMemoryEvent:
		return &MemoryEvent{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// DetectRecord 根据线上 JSON 对象的形状确定记录类型
//
// 规则（按优先级）：
//  1. 信封形式 {"type": <kind>, "data": {...}}
//  2. 含 session_id → SessionData
//  3. 含 knowledge_id → KnowledgeRecord
//  4. 含 event_id → MemoryEvent
//  5. 其它 → MemoryItem
func DetectRecord(raw []byte) (Record, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: item must be a JSON object", ErrValidation)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if typ, ok := fields["type"]; ok {
		if data, ok := fields["data"]; ok {
			var s string
			if json.Unmarshal(typ, &s) == nil {
				if kind, err := ParseKind(s); err == nil {
					return DecodeAs(kind, data)
				}
			}
		}
	}

	kind := KindMemoryItem
	switch {
	case has(fields, "session_id"):
		kind = KindSessionData
	case has(fields, "knowledge_id"):
		kind = KindKnowledgeRecord
	case has(fields, "event_id"):
		kind = KindMemoryEvent
	}
	return DecodeAs(kind, raw)
}

func has(fields map[string]json.RawMessage, name string) bool {
	_, ok := fields[name]
	return ok
}

// ============================================================================
// Metadata - 可索引的标量元数据
// ============================================================================

// Metadata 存储层与记录一起保存的索引字段
type Metadata struct {
	MemoryType     string
	Tags           []string
	SessionID      string
	UserID         string
	RelevanceScore float64

	// 仅 KnowledgeRecord
	Subject   string
	Predicate string
	Domain    string
}

// ExtractMetadata 提取记录的索引字段
func ExtractMetadata(rec Record) Metadata {
	switch r := rec.(type) {
	case *MemoryItem:
		md := Metadata{
			MemoryType:     string(r.MemoryType),
			Tags:           normalizeTags(r.Tags),
			RelevanceScore: r.RelevanceScore,
		}
		if v, ok := r.Context["session_id"].(string); ok {
			md.SessionID = v
		}
		if v, ok := r.Context["user_id"].(string); ok {
			md.UserID = v
		}
		return md
	case *SessionData:
		return Metadata{
			MemoryType: string(MemoryTypeSession),
			SessionID:  r.SessionID,
			UserID:     r.UserID,
		}
	case *KnowledgeRecord:
		return Metadata{
			MemoryType:     string(MemoryTypeKnowledge),
			RelevanceScore: r.Confidence,
			Subject:        r.Subject,
			Predicate:      r.Predicate,
			Domain:         r.Domain,
		}
	case *MemoryEvent:
		return Metadata{}
	}
	return Metadata{}
}
