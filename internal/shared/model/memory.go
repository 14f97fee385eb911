// Package model 定义核心数据模型
//
// memory.go 包含 Memory Fusion Hub 的四类记录：
//   - MemoryItem：通用记忆单元
//   - SessionData：会话状态
//   - KnowledgeRecord：知识三元组（subject / predicate / object）
//   - MemoryEvent：变更审计事件（只存在于事件日志中）
//
// 记忆类型：
//   - conversation：对话记忆
//   - knowledge：知识
//   - session：会话上下文
//   - context：任务上下文
//   - metadata：元数据
package model

import (
	"encoding/json"
	"sort"
	"time"
)

// ============================================================================
// MemoryType - 记忆类型枚举
// ============================================================================

// MemoryType 记忆类型
type MemoryType string

const (
	MemoryTypeConversation MemoryType = "conversation"
	MemoryTypeKnowledge    MemoryType = "knowledge"
	MemoryTypeSession      MemoryType = "session"
	MemoryTypeContext      MemoryType = "context"
	MemoryTypeMetadata     MemoryType = "metadata"
)

// IsValid 是否为合法的记忆类型
func (t MemoryType) IsValid() bool {
	switch t {
	case MemoryTypeConversation, MemoryTypeKnowledge, MemoryTypeSession,
		MemoryTypeContext, MemoryTypeMetadata:
		return true
	}
	return false
}

// ============================================================================
// EventType - 事件类型枚举
// ============================================================================

// EventType 事件类型
type EventType string

const (
	EventCreate EventType = "CREATE"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventRead   EventType = "READ"
)

// IsValid 是否为合法的事件类型
func (t EventType) IsValid() bool {
	switch t {
	case EventCreate, EventUpdate, EventDelete, EventRead:
		return true
	}
	return false
}

// IsMutation 是否为变更事件（READ 之外）
func (t EventType) IsMutation() bool {
	return t == EventCreate || t == EventUpdate || t == EventDelete
}

// ============================================================================
// MemoryItem - 通用记忆单元
// ============================================================================

// MemoryItem 记忆条目
//
// RelevanceScore 与 Tags 用于搜索过滤；ParentID 为弱引用，不做级联。
type MemoryItem struct {
	Key            string         `json:"key" bson:"key"`
	Content        any            `json:"content" bson:"content"`
	MemoryType     MemoryType     `json:"memory_type" bson:"memory_type"`
	CreatedAt      time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" bson:"updated_at"`
	AccessCount    int64          `json:"access_count" bson:"access_count"`
	RelevanceScore float64        `json:"relevance_score" bson:"relevance_score"`
	Tags           []string       `json:"tags,omitempty" bson:"tags,omitempty"`
	ParentID       string         `json:"parent_id,omitempty" bson:"parent_id,omitempty"`
	Context        map[string]any `json:"context,omitempty" bson:"context,omitempty"`
}

// NewMemoryItem 创建记忆条目，时间戳取当前 UTC 时间
func NewMemoryItem(key string, content any, memoryType MemoryType) *MemoryItem {
	now := Now()
	return &MemoryItem{
		Key:            key,
		Content:        content,
		MemoryType:     memoryType,
		CreatedAt:      now,
		UpdatedAt:      now,
		RelevanceScore: 0.5,
	}
}

// AddTag 添加标签（集合语义，结果保持有序）
func (m *MemoryItem) AddTag(tags ...string) {
	m.Tags = normalizeTags(append(m.Tags, tags...))
}

// HasTag 是否包含标签
func (m *MemoryItem) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Touch 记录一次访问
func (m *MemoryItem) Touch() {
	m.AccessCount++
	m.UpdatedAt = Now()
}

// ============================================================================
// SessionData - 会话状态
// ============================================================================

// SessionKeyPrefix 会话记录的派生 key 前缀
const SessionKeyPrefix = "session:"

// SessionData 会话数据
//
// 每次变更都会刷新 LastActivity。
type SessionData struct {
	SessionID        string         `json:"session_id" bson:"session_id"`
	UserID           string         `json:"user_id,omitempty" bson:"user_id,omitempty"`
	StartedAt        time.Time      `json:"started_at" bson:"started_at"`
	LastActivity     time.Time      `json:"last_activity" bson:"last_activity"`
	IsActive         bool           `json:"is_active" bson:"is_active"`
	Context          map[string]any `json:"context,omitempty" bson:"context,omitempty"`
	Variables        map[string]any `json:"variables,omitempty" bson:"variables,omitempty"`
	InteractionCount int64          `json:"interaction_count" bson:"interaction_count"`
	AccessedMemories []string       `json:"accessed_memories,omitempty" bson:"accessed_memories,omitempty"`
}

// NewSessionData 创建活跃会话
func NewSessionData(sessionID, userID string) *SessionData {
	now := Now()
	return &SessionData{
		SessionID:    sessionID,
		UserID:       userID,
		StartedAt:    now,
		LastActivity: now,
		IsActive:     true,
	}
}

// SessionKey 返回会话的派生 key
func SessionKey(sessionID string) string {
	return SessionKeyPrefix + sessionID
}

// RecordInteraction 记录一次交互
func (s *SessionData) RecordInteraction() {
	s.InteractionCount++
	s.LastActivity = Now()
}

// SetVariable 设置会话变量
func (s *SessionData) SetVariable(name string, value any) {
	if s.Variables == nil {
		s.Variables = make(map[string]any)
	}
	s.Variables[name] = value
	s.LastActivity = Now()
}

// AddAccessedMemory 追加访问过的记忆 key（保持顺序）
func (s *SessionData) AddAccessedMemory(key string) {
	s.AccessedMemories = append(s.AccessedMemories, key)
	s.LastActivity = Now()
}

// Deactivate 结束会话
func (s *SessionData) Deactivate() {
	s.IsActive = false
	s.LastActivity = Now()
}

// ============================================================================
// KnowledgeRecord - 知识三元组
// ============================================================================

// KnowledgeKeyPrefix 知识记录的派生 key 前缀
const KnowledgeKeyPrefix = "knowledge:"

// KnowledgeRecord 知识记录（RDF 风格三元组）
//
// 写入主表的同时双写到三元组索引，支持 subject/predicate/domain 查询。
type KnowledgeRecord struct {
	ID                 string     `json:"knowledge_id" bson:"knowledge_id"`
	Subject            string     `json:"subject" bson:"subject"`
	Predicate          string     `json:"predicate" bson:"predicate"`
	Object             any        `json:"object" bson:"object"`
	Confidence         float64    `json:"confidence" bson:"confidence"`
	Source             string     `json:"source,omitempty" bson:"source,omitempty"`
	Domain             string     `json:"domain,omitempty" bson:"domain,omitempty"`
	CreatedAt          time.Time  `json:"created_at" bson:"created_at"`
	ValidFrom          *time.Time `json:"valid_from,omitempty" bson:"valid_from,omitempty"`
	ValidUntil         *time.Time `json:"valid_until,omitempty" bson:"valid_until,omitempty"`
	Verified           bool       `json:"verified" bson:"verified"`
	VerificationSource string     `json:"verification_source,omitempty" bson:"verification_source,omitempty"`
}

// NewKnowledgeRecord 创建知识记录
func NewKnowledgeRecord(id, subject, predicate string, object any) *KnowledgeRecord {
	return &KnowledgeRecord{
		ID:         id,
		Subject:    subject,
		Predicate:  predicate,
		Object:     object,
		Confidence: 1.0,
		CreatedAt:  Now(),
	}
}

// KnowledgeKey 返回知识记录的派生 key
func KnowledgeKey(id string) string {
	return KnowledgeKeyPrefix + id
}

// IsValidAt 判断记录在给定时间点是否有效
func (k *KnowledgeRecord) IsValidAt(t time.Time) bool {
	if k.ValidFrom != nil && t.Before(*k.ValidFrom) {
		return false
	}
	if k.ValidUntil != nil && !t.Before(*k.ValidUntil) {
		return false
	}
	return true
}

// Verify 标记为已验证
func (k *KnowledgeRecord) Verify(source string) {
	k.Verified = true
	k.VerificationSource = source
}

// ============================================================================
// MemoryEvent - 审计事件
// ============================================================================

// MemoryEvent 记忆变更事件
//
// 发布后不可变。Payload / PreviousValue 为 Envelope 编码的记录快照。
type MemoryEvent struct {
	EventID        string          `json:"event_id"`
	EventType      EventType       `json:"event_type"`
	TargetKey      string          `json:"target_key"`
	Timestamp      time.Time       `json:"timestamp"`
	AgentID        string          `json:"agent_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PreviousValue  json.RawMessage `json:"previous_value,omitempty"`
	SequenceNumber int64           `json:"sequence_number"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
}

// ============================================================================
// 辅助函数
// ============================================================================

// Now 返回当前 UTC 时间（统一时区，保证序列化往返后相等）
func Now() time.Time {
	return time.Now().UTC()
}

// normalizeTags 去重并排序
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
