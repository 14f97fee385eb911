// Package storage 提供存储层抽象
//
// mock.go 提供用于测试的内存实现
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"memory-fusion-hub/internal/shared/model"
)

// ============================================================================
// MemoryRepository - 进程内 Repository 实现（用于测试）
// ============================================================================

// MemoryRepository 基于 map 的 Repository，支持故障注入
//
// 记录以信封编码保存，读取时解码，行为与 SQL 实现一致（返回副本）。
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]memEntry
	seq     int64
	failErr error
}

type memEntry struct {
	payload []byte
	meta    model.Metadata
	kind    model.Kind
	order   int64
}

// NewMemoryRepository 创建内存 Repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]memEntry)}
}

var _ Repository = (*MemoryRepository)(nil)

// FailWith 后续所有操作返回 err（nil 表示恢复）
func (r *MemoryRepository) FailWith(err error) {
	r.mu.Lock()
	r.failErr = err
	r.mu.Unlock()
}

func (r *MemoryRepository) fail(op, key string) error {
	if r.failErr != nil {
		return Wrap(op, key, r.failErr)
	}
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, key string) (model.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.fail("get", key); err != nil {
		return nil, err
	}
	e, ok := r.records[key]
	if !ok {
		return nil, nil
	}
	rec, err := model.Decode(e.payload)
	return rec, Wrap("get", key, err)
}

func (r *MemoryRepository) Put(ctx context.Context, key string, rec model.Record) error {
	payload, err := model.Encode(rec)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("put", key); err != nil {
		return err
	}
	r.seq++
	r.records[key] = memEntry{payload: payload, meta: model.ExtractMetadata(rec), kind: rec.Kind(), order: r.seq}
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("delete", key); err != nil {
		return err
	}
	if _, ok := r.records[key]; !ok {
		return ErrNotFound
	}
	delete(r.records, key)
	return nil
}

func (r *MemoryRepository) Exists(ctx context.Context, key string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.fail("exists", key); err != nil {
		return false, err
	}
	_, ok := r.records[key]
	return ok, nil
}

func (r *MemoryRepository) ListKeys(ctx context.Context, prefix string, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.fail("list_keys", prefix); err != nil {
		return nil, err
	}
	keys := []string{}
	for k := range r.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (r *MemoryRepository) Search(ctx context.Context, q SearchQuery) ([]model.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.fail("search", ""); err != nil {
		return nil, err
	}

	type hit struct {
		key string
		e   memEntry
	}
	var hits []hit
	for k, e := range r.records {
		if matches(q, e) {
			hits = append(hits, hit{k, e})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i].e, hits[j].e
		if a.meta.RelevanceScore != b.meta.RelevanceScore {
			return a.meta.RelevanceScore > b.meta.RelevanceScore
		}
		if a.order != b.order {
			return a.order > b.order
		}
		return hits[i].key < hits[j].key
	})
	if limit := q.EffectiveLimit(); len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]model.Record, 0, len(hits))
	for _, h := range hits {
		rec, err := model.Decode(h.e.payload)
		if err != nil {
			return nil, Wrap("search", h.key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func matches(q SearchQuery, e memEntry) bool {
	md := e.meta
	switch {
	case q.Kind != "" && e.kind != q.Kind:
		return false
	case q.MemoryType != "" && md.MemoryType != q.MemoryType:
		return false
	case q.SessionID != "" && md.SessionID != q.SessionID:
		return false
	case q.UserID != "" && md.UserID != q.UserID:
		return false
	case q.MinRelevance > 0 && md.RelevanceScore < q.MinRelevance:
		return false
	}
	if q.HasTriple() {
		if e.kind != model.KindKnowledgeRecord {
			return false
		}
		if (q.Subject != "" && md.Subject != q.Subject) ||
			(q.Predicate != "" && md.Predicate != q.Predicate) ||
			(q.Domain != "" && md.Domain != q.Domain) {
			return false
		}
	}
	for _, want := range q.Tags {
		found := false
		for _, t := range md.Tags {
			if t == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r *MemoryRepository) Count(ctx context.Context, kind model.Kind) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.fail("count", ""); err != nil {
		return 0, err
	}
	var n int64
	for _, e := range r.records {
		if kind == "" || e.kind == kind {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) Close() error { return nil }

// ErrInjected 测试中注入的默认故障
var ErrInjected = errors.New("injected failure")
