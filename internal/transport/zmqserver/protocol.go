// Package zmqserver FusionService 的 ZMQ REQ/REP 适配层
//
// 单个 REP socket，一问一答，请求与响应都是 JSON：
//
//	请求 {"action": "get", "key": "k1", ...}
//	响应 {"success": true, "action": "get", "result": {...}, "error": null, "timestamp": "..."}
//
// 支持的 action：get, put, delete, exists, list_keys, batch_get, health, ping, search。
// put 的 item 按字段形状确定记录类型（见 model.DetectRecord）。
package zmqserver

import (
	"encoding/json"
	"time"

	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/storage"
)

// Action 请求动作
type Action string

const (
	ActionGet      Action = "get"
	ActionPut      Action = "put"
	ActionDelete   Action = "delete"
	ActionExists   Action = "exists"
	ActionListKeys Action = "list_keys"
	ActionBatchGet Action = "batch_get"
	ActionHealth   Action = "health"
	ActionPing     Action = "ping"
	ActionSearch   Action = "search"
)

// Request ZMQ 请求
type Request struct {
	Action        Action               `json:"action"`
	Key           string               `json:"key,omitempty"`
	Item          json.RawMessage      `json:"item,omitempty"`
	Keys          []string             `json:"keys,omitempty"`
	Prefix        string               `json:"prefix,omitempty"`
	Limit         int                  `json:"limit,omitempty"`
	Query         *storage.SearchQuery `json:"query,omitempty"`
	AgentID       string               `json:"agent_id,omitempty"`
	CorrelationID string               `json:"correlation_id,omitempty"`
}

// Response ZMQ 响应；失败时 result 为 null，成功时 error 为 null
type Response struct {
	Success   bool            `json:"success"`
	Action    Action          `json:"action"`
	Result    json.RawMessage `json:"result"`
	Error     *string         `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}

// Err 失败响应的错误信息
func (r *Response) Err() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// Decode 把 result 解码到 v
func (r *Response) Decode(v any) error {
	if len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}

// ============================================================================
// 结果类型
// ============================================================================

// RecordResult 单条记录，Record 为记录自身的 JSON（不带信封）
type RecordResult struct {
	Type   model.Kind      `json:"type"`
	Key    string          `json:"key"`
	Record json.RawMessage `json:"record"`
}

// Decode 还原为领域记录
func (r *RecordResult) Decode() (model.Record, error) {
	return model.DecodeAs(r.Type, r.Record)
}

func newRecordResult(key string, rec model.Record) (*RecordResult, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return &RecordResult{Type: rec.Kind(), Key: key, Record: b}, nil
}

// GetResult get 的结果
type GetResult struct {
	Key   string        `json:"key"`
	Found bool          `json:"found"`
	Item  *RecordResult `json:"item,omitempty"`
}

// PutResult put 的结果
type PutResult struct {
	Key       string          `json:"key"`
	EventID   string          `json:"event_id,omitempty"`
	EventType model.EventType `json:"event_type"`
}

// DeleteResult delete 的结果
type DeleteResult struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted"`
}

// ExistsResult exists 的结果
type ExistsResult struct {
	Key    string `json:"key"`
	Exists bool   `json:"exists"`
}

// ListKeysResult list_keys 的结果
type ListKeysResult struct {
	Keys  []string `json:"keys"`
	Count int      `json:"count"`
}

// BatchGetResult batch_get 的结果，未找到或读取失败的 key 值为 null
type BatchGetResult struct {
	Items map[string]*RecordResult `json:"items"`
	Found int                      `json:"found"`
}

// SearchResult search 的结果
type SearchResult struct {
	Items []*RecordResult `json:"items"`
	Count int             `json:"count"`
}

// PingResult ping 的结果
type PingResult struct {
	Pong bool `json:"pong"`
}
