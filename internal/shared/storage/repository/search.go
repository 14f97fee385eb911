// Package repository 索引字段搜索
package repository

import (
	"context"
	"strings"
	"time"

	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/storage"
	"memory-fusion-hub/internal/shared/storage/dbutil"
)

// Search 按索引字段过滤记录，结果按相关度、更新时间降序
//
// 过滤只用到索引列，不需要反序列化 payload；标签为"全部包含"语义。
func (s *Store) Search(ctx context.Context, q storage.SearchQuery) (out []model.Record, err error) {
	start := time.Now()
	defer func() { err = s.observe("search", "", start, err) }()

	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query, args := buildSearch(s.dialect, q)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out = []model.Record{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		rec, err := model.Decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// buildSearch 构建搜索 SQL
func buildSearch(d dbutil.Dialect, q storage.SearchQuery) (string, []interface{}) {
	var a dbutil.Args
	var conds []string

	base := `SELECT r.payload FROM memory_records r`
	if q.HasTriple() {
		base += ` JOIN knowledge_triples k ON k.record_key = r.record_key`
		if q.Subject != "" {
			conds = append(conds, "k.subject = "+a.Add(q.Subject))
		}
		if q.Predicate != "" {
			conds = append(conds, "k.predicate = "+a.Add(q.Predicate))
		}
		if q.Domain != "" {
			conds = append(conds, "k.domain = "+a.Add(q.Domain))
		}
	}
	if q.Kind != "" {
		conds = append(conds, "r.kind = "+a.Add(string(q.Kind)))
	}
	if q.MemoryType != "" {
		conds = append(conds, "r.memory_type = "+a.Add(q.MemoryType))
	}
	if q.SessionID != "" {
		conds = append(conds, "r.session_id = "+a.Add(q.SessionID))
	}
	if q.UserID != "" {
		conds = append(conds, "r.user_id = "+a.Add(q.UserID))
	}
	if q.MinRelevance > 0 {
		conds = append(conds, "r.relevance_score >= "+a.Add(q.MinRelevance))
	}
	for _, tag := range q.Tags {
		conds = append(conds, "EXISTS (SELECT 1 FROM record_tags t WHERE t.record_key = r.record_key AND t.tag = "+a.Add(tag)+")")
	}

	if len(conds) > 0 {
		base += " WHERE " + strings.Join(conds, " AND ")
	}
	base += " ORDER BY r.relevance_score DESC, r.updated_at DESC, r.record_key LIMIT " + a.Add(q.EffectiveLimit())
	return d.Rebind(base), a.Values()
}
