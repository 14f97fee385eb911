package grpcserver

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/storage"
)

// wireMessage 与 memory_fusion.proto 中同名消息互转
type wireMessage interface {
	protoName() string
	marshalWire(w wire) error
	unmarshalWire(w wire) error
}

// encode 构建待发送的 protobuf 消息
func encode(msg wireMessage) (proto.Message, error) {
	w := newWire(msg.protoName())
	if err := msg.marshalWire(w); err != nil {
		return nil, err
	}
	return w.message(), nil
}

// ============================================================================
// RecordMessage - 记录的线上形式
// ============================================================================

// 内容编码
const (
	ContentText = "text"
	ContentJSON = "json"
)

// RecordMessage 对应 memory_fusion.Record
//
// MemoryItem 展开为字段，content 为字符串（text）或任意 JSON 值（json）；
// 其它类型以 Data 携带完整文档，Type 为类型鉴别值。
type RecordMessage struct {
	Type model.Kind
	Key  string

	ContentType    string
	Text           string
	JSON           *structpb.Value
	MemoryType     model.MemoryType
	CreatedAt      time.Time
	UpdatedAt      time.Time
	AccessCount    int64
	RelevanceScore float64
	Tags           []string
	ParentID       string
	Context        *structpb.Struct

	Data *structpb.Struct
}

// FromRecord 转换为线上形式
func FromRecord(rec model.Record) (*RecordMessage, error) {
	if rec == nil {
		return nil, nil
	}
	item, ok := rec.(*model.MemoryItem)
	if !ok {
		data := new(structpb.Struct)
		if err := toProtoJSON(rec, data); err != nil {
			return nil, fmt.Errorf("marshal %s: %w", rec.Kind(), err)
		}
		return &RecordMessage{Type: rec.Kind(), Key: rec.RecordKey(), Data: data}, nil
	}

	m := &RecordMessage{
		Type:           model.KindMemoryItem,
		Key:            item.Key,
		MemoryType:     item.MemoryType,
		CreatedAt:      item.CreatedAt,
		UpdatedAt:      item.UpdatedAt,
		AccessCount:    item.AccessCount,
		RelevanceScore: item.RelevanceScore,
		Tags:           item.Tags,
		ParentID:       item.ParentID,
	}
	switch c := item.Content.(type) {
	case nil:
	case string:
		m.ContentType, m.Text = ContentText, c
	default:
		m.ContentType, m.JSON = ContentJSON, new(structpb.Value)
		if err := toProtoJSON(c, m.JSON); err != nil {
			return nil, fmt.Errorf("marshal content: %w", err)
		}
	}
	if len(item.Context) > 0 {
		m.Context = new(structpb.Struct)
		if err := toProtoJSON(item.Context, m.Context); err != nil {
			return nil, fmt.Errorf("marshal context: %w", err)
		}
	}
	return m, nil
}

// Record 还原为领域记录
func (m *RecordMessage) Record() (model.Record, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: record is required", model.ErrValidation)
	}
	kind := m.Type
	if kind == "" {
		kind = model.KindMemoryItem
	}
	if kind != model.KindMemoryItem {
		if m.Data == nil {
			return nil, fmt.Errorf("%w: %s requires data", model.ErrValidation, kind)
		}
		data, err := protojson.Marshal(m.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: data: %v", model.ErrValidation, err)
		}
		return model.DecodeAs(kind, data)
	}

	item := &model.MemoryItem{
		Key:            m.Key,
		MemoryType:     m.MemoryType,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		AccessCount:    m.AccessCount,
		RelevanceScore: m.RelevanceScore,
		Tags:           m.Tags,
		ParentID:       m.ParentID,
	}
	switch m.ContentType {
	case ContentText:
		item.Content = m.Text
	case ContentJSON:
		if m.JSON != nil {
			item.Content = m.JSON.AsInterface()
		}
	case "":
	default:
		return nil, fmt.Errorf("%w: unknown content_type %q", model.ErrValidation, m.ContentType)
	}
	if m.Context != nil {
		item.Context = m.Context.AsMap()
	}
	return item, nil
}

func (m *RecordMessage) marshalWire(w wire) error {
	w.setString("type", string(m.Type))
	w.setString("key", m.Key)
	switch m.ContentType {
	case ContentText:
		// oneof 成员有显式存在性，空字符串也要写入
		w.m.Set(w.field("text"), protoreflect.ValueOfString(m.Text))
	case ContentJSON:
		w.setMessage("json", m.JSON)
	}
	w.setString("memory_type", string(m.MemoryType))
	if !m.CreatedAt.IsZero() {
		w.setMessage("created_at", timestamppb.New(m.CreatedAt))
	}
	if !m.UpdatedAt.IsZero() {
		w.setMessage("updated_at", timestamppb.New(m.UpdatedAt))
	}
	w.setInt64("access_count", m.AccessCount)
	w.setDouble("relevance_score", m.RelevanceScore)
	w.setStrings("tags", m.Tags)
	w.setString("parent_id", m.ParentID)
	w.setMessage("context", m.Context)
	w.setMessage("data", m.Data)
	return nil
}

func recordFromWire(w wire) (*RecordMessage, error) {
	m := &RecordMessage{
		Type:           model.Kind(w.getString("type")),
		Key:            w.getString("key"),
		MemoryType:     model.MemoryType(w.getString("memory_type")),
		AccessCount:    w.getInt("access_count"),
		RelevanceScore: w.getDouble("relevance_score"),
		Tags:           w.getStrings("tags"),
		ParentID:       w.getString("parent_id"),
	}
	switch {
	case w.has("text"):
		m.ContentType, m.Text = ContentText, w.getString("text")
	case w.has("json"):
		m.ContentType, m.JSON = ContentJSON, new(structpb.Value)
		if _, err := w.into("json", m.JSON); err != nil {
			return nil, err
		}
	}

	var err error
	if m.CreatedAt, err = timeField(w, "created_at"); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = timeField(w, "updated_at"); err != nil {
		return nil, err
	}
	if m.Context, err = structField(w, "context"); err != nil {
		return nil, err
	}
	if m.Data, err = structField(w, "data"); err != nil {
		return nil, err
	}
	return m, nil
}

func timeField(w wire, name string) (time.Time, error) {
	ts := new(timestamppb.Timestamp)
	ok, err := w.into(name, ts)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return ts.AsTime(), nil
}

func structField(w wire, name string) (*structpb.Struct, error) {
	st := new(structpb.Struct)
	ok, err := w.into(name, st)
	if err != nil || !ok {
		return nil, err
	}
	return st, nil
}

// toProtoJSON 经 JSON 文档转换为 protobuf 类型
func toProtoJSON(v any, dst proto.Message) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return protojson.Unmarshal(b, dst)
}

// fromProtoJSON toProtoJSON 的逆过程
func fromProtoJSON(src proto.Message, v any) error {
	b, err := protojson.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// ============================================================================
// 请求与响应
// ============================================================================

type GetRequest struct {
	Key     string
	AgentID string
}

func (*GetRequest) protoName() string { return "GetRequest" }

func (r *GetRequest) marshalWire(w wire) error {
	w.setString("key", r.Key)
	w.setString("agent_id", r.AgentID)
	return nil
}

func (r *GetRequest) unmarshalWire(w wire) error {
	r.Key, r.AgentID = w.getString("key"), w.getString("agent_id")
	return nil
}

type GetResponse struct {
	Success bool
	Found   bool
	Record  *RecordMessage
	Error   string
}

func (*GetResponse) protoName() string { return "GetResponse" }

func (r *GetResponse) marshalWire(w wire) error {
	w.setBool("success", r.Success)
	w.setBool("found", r.Found)
	if r.Record != nil {
		if err := r.Record.marshalWire(w.sub("record")); err != nil {
			return err
		}
	}
	w.setString("error", r.Error)
	return nil
}

func (r *GetResponse) unmarshalWire(w wire) error {
	r.Success, r.Found, r.Error = w.getBool("success"), w.getBool("found"), w.getString("error")
	if sub, ok := w.child("record"); ok {
		rec, err := recordFromWire(sub)
		if err != nil {
			return err
		}
		r.Record = rec
	}
	return nil
}

type PutRequest struct {
	Key     string
	Record  *RecordMessage
	AgentID string
}

func (*PutRequest) protoName() string { return "PutRequest" }

func (r *PutRequest) marshalWire(w wire) error {
	w.setString("key", r.Key)
	if r.Record != nil {
		if err := r.Record.marshalWire(w.sub("record")); err != nil {
			return err
		}
	}
	w.setString("agent_id", r.AgentID)
	return nil
}

func (r *PutRequest) unmarshalWire(w wire) error {
	r.Key, r.AgentID = w.getString("key"), w.getString("agent_id")
	if sub, ok := w.child("record"); ok {
		rec, err := recordFromWire(sub)
		if err != nil {
			return err
		}
		r.Record = rec
	}
	return nil
}

type PutResponse struct {
	Success   bool
	Key       string
	EventID   string
	EventType string
	Error     string
}

func (*PutResponse) protoName() string { return "PutResponse" }

func (r *PutResponse) marshalWire(w wire) error {
	w.setBool("success", r.Success)
	w.setString("key", r.Key)
	w.setString("event_id", r.EventID)
	w.setString("event_type", r.EventType)
	w.setString("error", r.Error)
	return nil
}

func (r *PutResponse) unmarshalWire(w wire) error {
	r.Success = w.getBool("success")
	r.Key, r.EventID, r.EventType = w.getString("key"), w.getString("event_id"), w.getString("event_type")
	r.Error = w.getString("error")
	return nil
}

type DeleteRequest struct {
	Key     string
	AgentID string
}

func (*DeleteRequest) protoName() string { return "DeleteRequest" }

func (r *DeleteRequest) marshalWire(w wire) error {
	w.setString("key", r.Key)
	w.setString("agent_id", r.AgentID)
	return nil
}

func (r *DeleteRequest) unmarshalWire(w wire) error {
	r.Key, r.AgentID = w.getString("key"), w.getString("agent_id")
	return nil
}

type DeleteResponse struct {
	Success bool
	Deleted bool
	Error   string
}

func (*DeleteResponse) protoName() string { return "DeleteResponse" }

func (r *DeleteResponse) marshalWire(w wire) error {
	w.setBool("success", r.Success)
	w.setBool("deleted", r.Deleted)
	w.setString("error", r.Error)
	return nil
}

func (r *DeleteResponse) unmarshalWire(w wire) error {
	r.Success, r.Deleted, r.Error = w.getBool("success"), w.getBool("deleted"), w.getString("error")
	return nil
}

type BatchGetRequest struct {
	Keys    []string
	AgentID string
}

func (*BatchGetRequest) protoName() string { return "BatchGetRequest" }

func (r *BatchGetRequest) marshalWire(w wire) error {
	w.setStrings("keys", r.Keys)
	w.setString("agent_id", r.AgentID)
	return nil
}

func (r *BatchGetRequest) unmarshalWire(w wire) error {
	r.Keys, r.AgentID = w.getStrings("keys"), w.getString("agent_id")
	return nil
}

// BatchGetResponse 未找到或读取失败的 key 列在 Missing 中
type BatchGetResponse struct {
	Success bool
	Records map[string]*RecordMessage
	Missing []string
	Error   string
}

func (*BatchGetResponse) protoName() string { return "BatchGetResponse" }

func (r *BatchGetResponse) marshalWire(w wire) error {
	w.setBool("success", r.Success)
	for key, rec := range r.Records {
		if rec == nil {
			continue
		}
		if err := rec.marshalWire(w.putMapMessage("records", key)); err != nil {
			return err
		}
	}
	w.setStrings("missing", r.Missing)
	w.setString("error", r.Error)
	return nil
}

func (r *BatchGetResponse) unmarshalWire(w wire) error {
	r.Success, r.Missing, r.Error = w.getBool("success"), w.getStrings("missing"), w.getString("error")
	entries := w.getMapMessages("records")
	r.Records = make(map[string]*RecordMessage, len(entries))
	for key, sub := range entries {
		rec, err := recordFromWire(sub)
		if err != nil {
			return fmt.Errorf("record %s: %w", key, err)
		}
		r.Records[key] = rec
	}
	return nil
}

type ExistsRequest struct {
	Key string
}

func (*ExistsRequest) protoName() string { return "ExistsRequest" }

func (r *ExistsRequest) marshalWire(w wire) error {
	w.setString("key", r.Key)
	return nil
}

func (r *ExistsRequest) unmarshalWire(w wire) error {
	r.Key = w.getString("key")
	return nil
}

type ExistsResponse struct {
	Success bool
	Exists  bool
	Error   string
}

func (*ExistsResponse) protoName() string { return "ExistsResponse" }

func (r *ExistsResponse) marshalWire(w wire) error {
	w.setBool("success", r.Success)
	w.setBool("exists", r.Exists)
	w.setString("error", r.Error)
	return nil
}

func (r *ExistsResponse) unmarshalWire(w wire) error {
	r.Success, r.Exists, r.Error = w.getBool("success"), w.getBool("exists"), w.getString("error")
	return nil
}

type ListKeysRequest struct {
	Prefix string
	Limit  int
}

func (*ListKeysRequest) protoName() string { return "ListKeysRequest" }

func (r *ListKeysRequest) marshalWire(w wire) error {
	w.setString("prefix", r.Prefix)
	w.setInt32("limit", r.Limit)
	return nil
}

func (r *ListKeysRequest) unmarshalWire(w wire) error {
	r.Prefix, r.Limit = w.getString("prefix"), int(w.getInt("limit"))
	return nil
}

type ListKeysResponse struct {
	Success bool
	Keys    []string
	Error   string
}

func (*ListKeysResponse) protoName() string { return "ListKeysResponse" }

func (r *ListKeysResponse) marshalWire(w wire) error {
	w.setBool("success", r.Success)
	w.setStrings("keys", r.Keys)
	w.setString("error", r.Error)
	return nil
}

func (r *ListKeysResponse) unmarshalWire(w wire) error {
	r.Success, r.Keys, r.Error = w.getBool("success"), w.getStrings("keys"), w.getString("error")
	return nil
}

type HealthRequest struct{}

func (*HealthRequest) protoName() string { return "HealthRequest" }

func (*HealthRequest) marshalWire(wire) error { return nil }

func (*HealthRequest) unmarshalWire(wire) error { return nil }

// HealthResponse Health 以 google.protobuf.Struct 携带 HealthStatus 的 JSON 文档
type HealthResponse struct {
	Success bool
	Status  string
	Health  *fusion.HealthStatus
	Error   string
}

func (*HealthResponse) protoName() string { return "HealthResponse" }

func (r *HealthResponse) marshalWire(w wire) error {
	w.setBool("success", r.Success)
	w.setString("status", r.Status)
	if r.Health != nil {
		st := new(structpb.Struct)
		if err := toProtoJSON(r.Health, st); err != nil {
			return fmt.Errorf("marshal health: %w", err)
		}
		w.setMessage("health", st)
	}
	w.setString("error", r.Error)
	return nil
}

func (r *HealthResponse) unmarshalWire(w wire) error {
	r.Success, r.Status, r.Error = w.getBool("success"), w.getString("status"), w.getString("error")
	st, err := structField(w, "health")
	if err != nil || st == nil {
		return err
	}
	r.Health = new(fusion.HealthStatus)
	if err := fromProtoJSON(st, r.Health); err != nil {
		return fmt.Errorf("unmarshal health: %w", err)
	}
	return nil
}

type SearchRequest struct {
	Query storage.SearchQuery
}

func (*SearchRequest) protoName() string { return "SearchRequest" }

func (r *SearchRequest) marshalWire(w wire) error {
	q, sub := r.Query, w.sub("query")
	sub.setString("kind", string(q.Kind))
	sub.setString("memory_type", q.MemoryType)
	sub.setStrings("tags", q.Tags)
	sub.setString("session_id", q.SessionID)
	sub.setString("user_id", q.UserID)
	sub.setDouble("min_relevance", q.MinRelevance)
	sub.setString("subject", q.Subject)
	sub.setString("predicate", q.Predicate)
	sub.setString("domain", q.Domain)
	sub.setInt32("limit", q.Limit)
	return nil
}

func (r *SearchRequest) unmarshalWire(w wire) error {
	sub, ok := w.child("query")
	if !ok {
		return nil
	}
	r.Query = storage.SearchQuery{
		Kind:         model.Kind(sub.getString("kind")),
		MemoryType:   sub.getString("memory_type"),
		Tags:         sub.getStrings("tags"),
		SessionID:    sub.getString("session_id"),
		UserID:       sub.getString("user_id"),
		MinRelevance: sub.getDouble("min_relevance"),
		Subject:      sub.getString("subject"),
		Predicate:    sub.getString("predicate"),
		Domain:       sub.getString("domain"),
		Limit:        int(sub.getInt("limit")),
	}
	return nil
}

type SearchResponse struct {
	Success bool
	Records []*RecordMessage
	Error   string
}

func (*SearchResponse) protoName() string { return "SearchResponse" }

func (r *SearchResponse) marshalWire(w wire) error {
	w.setBool("success", r.Success)
	for _, rec := range r.Records {
		if err := rec.marshalWire(w.appendMessage("records")); err != nil {
			return err
		}
	}
	w.setString("error", r.Error)
	return nil
}

func (r *SearchResponse) unmarshalWire(w wire) error {
	r.Success, r.Error = w.getBool("success"), w.getString("error")
	for _, sub := range w.getMessages("records") {
		rec, err := recordFromWire(sub)
		if err != nil {
			return err
		}
		r.Records = append(r.Records, rec)
	}
	return nil
}
