package objstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"memory-fusion-hub/internal/shared/eventlog"
	"memory-fusion-hub/internal/shared/model"
)

// ObjectStore Archiver 依赖的对象存储能力
type ObjectStore interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
}

var _ ObjectStore = (*Client)(nil)

// EventArchiver 把事件以 JSON Lines 写入对象存储
type EventArchiver struct {
	store  ObjectStore
	prefix string
}

var _ eventlog.Archiver = (*EventArchiver)(nil)

// NewEventArchiver 创建事件归档器，prefix 为空时使用 "event-archive"
func NewEventArchiver(store ObjectStore, prefix string) *EventArchiver {
	if prefix == "" {
		prefix = "event-archive"
	}
	return &EventArchiver{store: store, prefix: prefix}
}

// ObjectName 归档对象的完整名称
func (a *EventArchiver) ObjectName(name string) string {
	return path.Join(a.prefix, name)
}

// Archive 写入一批事件
func (a *EventArchiver) Archive(ctx context.Context, name string, events []*model.MemoryEvent) error {
	data, err := EncodeJSONL(events)
	if err != nil {
		return err
	}
	return a.store.Upload(ctx, a.ObjectName(name), bytes.NewReader(data), int64(len(data)), "application/x-ndjson")
}

// Load 读回一个归档对象
func (a *EventArchiver) Load(ctx context.Context, name string) ([]*model.MemoryEvent, error) {
	rc, err := a.store.Download(ctx, a.ObjectName(name))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return DecodeJSONL(rc)
}

// EncodeJSONL 每行一个事件
func EncodeJSONL(events []*model.MemoryEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return nil, fmt.Errorf("encode event %s: %w", ev.EventID, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeJSONL 解析 JSON Lines，跳过空行
func DecodeJSONL(r io.Reader) ([]*model.MemoryEvent, error) {
	var out []*model.MemoryEvent
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var ev model.MemoryEvent
		if err := json.Unmarshal(b, &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, &ev)
	}
	return out, sc.Err()
}
