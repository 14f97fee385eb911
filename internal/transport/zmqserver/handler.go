package zmqserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/storage"
	"memory-fusion-hub/pkg/logging"
)

var (
	errKeyRequired  = errors.New("key is required")
	errItemRequired = errors.New("item is required")
	errKeysRequired = errors.New("keys is required")
)

// Handler 把 ZMQ JSON 请求翻译为 FusionService 调用
//
// 与 socket 无关，可直接测试。
type Handler struct {
	svc    fusion.Service
	logger *logging.Logger
}

// NewHandler 创建请求处理器
func NewHandler(svc fusion.Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Handle 处理一个原始请求，总是返回可发送的响应
func (h *Handler) Handle(ctx context.Context, raw []byte) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return encode(failure("", fmt.Errorf("invalid request: %w", err)))
	}

	ctx = context.WithValue(ctx, logging.TransportKey, "zmq")
	corrID := req.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
	}
	ctx = logging.WithCorrelationID(ctx, corrID)
	ctx = logging.WithAgentID(ctx, req.AgentID)

	start := time.Now()
	result, err := h.dispatch(ctx, &req)
	h.logger.WithContext(ctx).Debug("ZMQ request", "action", req.Action, "key", req.Key, "duration", time.Since(start))
	if err != nil {
		return encode(failure(req.Action, err))
	}
	return encode(success(req.Action, result))
}

func (h *Handler) dispatch(ctx context.Context, req *Request) (any, error) {
	switch req.Action {
	case ActionPing:
		return PingResult{Pong: true}, nil
	case ActionGet:
		return h.get(ctx, req)
	case ActionPut:
		return h.put(ctx, req)
	case ActionDelete:
		if req.Key == "" {
			return nil, errKeyRequired
		}
		ok, err := h.svc.Delete(ctx, req.Key, req.AgentID)
		if err != nil {
			return nil, err
		}
		return DeleteResult{Key: req.Key, Deleted: ok}, nil
	case ActionExists:
		if req.Key == "" {
			return nil, errKeyRequired
		}
		ok, err := h.svc.Exists(ctx, req.Key)
		if err != nil {
			return nil, err
		}
		return ExistsResult{Key: req.Key, Exists: ok}, nil
	case ActionListKeys:
		keys, err := h.svc.ListKeys(ctx, req.Prefix, req.Limit)
		if err != nil {
			return nil, err
		}
		return ListKeysResult{Keys: keys, Count: len(keys)}, nil
	case ActionBatchGet:
		return h.batchGet(ctx, req)
	case ActionHealth:
		return h.svc.HealthStatus(ctx), nil
	case ActionSearch:
		return h.search(ctx, req)
	case "":
		return nil, errors.New("action is required")
	}
	return nil, fmt.Errorf("unknown action %q", req.Action)
}

func (h *Handler) get(ctx context.Context, req *Request) (any, error) {
	if req.Key == "" {
		return nil, errKeyRequired
	}
	rec, err := h.svc.Get(ctx, req.Key, req.AgentID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return GetResult{Key: req.Key}, nil
	}
	item, err := newRecordResult(req.Key, rec)
	if err != nil {
		return nil, err
	}
	return GetResult{Key: req.Key, Found: true, Item: item}, nil
}

func (h *Handler) put(ctx context.Context, req *Request) (any, error) {
	if len(req.Item) == 0 || string(req.Item) == "null" {
		return nil, errItemRequired
	}
	rec, err := model.DetectRecord(req.Item)
	if err != nil {
		return nil, err
	}
	res, err := h.svc.Put(ctx, req.Key, rec, req.AgentID)
	if err != nil {
		return nil, err
	}
	return PutResult{Key: res.Key, EventID: res.EventID, EventType: res.EventType}, nil
}

func (h *Handler) batchGet(ctx context.Context, req *Request) (any, error) {
	if len(req.Keys) == 0 {
		return nil, errKeysRequired
	}
	recs, err := h.svc.BatchGet(ctx, req.Keys, req.AgentID)
	if err != nil {
		return nil, err
	}
	out := BatchGetResult{Items: make(map[string]*RecordResult, len(req.Keys))}
	for _, key := range req.Keys {
		out.Items[key] = nil
		rec := recs[key]
		if rec == nil {
			continue
		}
		item, err := newRecordResult(key, rec)
		if err != nil {
			continue
		}
		out.Items[key] = item
		out.Found++
	}
	return out, nil
}

func (h *Handler) search(ctx context.Context, req *Request) (any, error) {
	var q storage.SearchQuery
	if req.Query != nil {
		q = *req.Query
	}
	if q.Limit == 0 {
		q.Limit = req.Limit
	}
	recs, err := h.svc.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	out := SearchResult{Items: make([]*RecordResult, 0, len(recs))}
	for _, rec := range recs {
		item, err := newRecordResult(rec.RecordKey(), rec)
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, item)
	}
	out.Count = len(out.Items)
	return out, nil
}

// ============================================================================
// 响应编码
// ============================================================================

func success(action Action, result any) *Response {
	b, err := json.Marshal(result)
	if err != nil {
		return failure(action, fmt.Errorf("encode result: %w", err))
	}
	return &Response{Success: true, Action: action, Result: b, Timestamp: model.Now()}
}

func failure(action Action, err error) *Response {
	msg := err.Error()
	return &Response{Action: action, Error: &msg, Timestamp: model.Now()}
}

func encode(resp *Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		// Response 只含可编码字段，这里不会失败
		return []byte(`{"success":false,"action":"","result":null,"error":"encode response","timestamp":null}`)
	}
	return b
}
