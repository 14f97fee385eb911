// Package repository 记录 CRUD
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/storage"
)

// Get 读取记录，不存在时返回 (nil, nil)
func (s *Store) Get(ctx context.Context, key string) (rec model.Record, err error) {
	start := time.Now()
	defer func() { err = s.observe("get", key, start, err) }()

	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var payload []byte
	err = db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM memory_records WHERE record_key = $1`), key).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.Decode(payload)
}

// Put 写入记录
//
// 单个事务内完成：主表 UPSERT（保留 created_at）、标签替换、三元组索引同步。
func (s *Store) Put(ctx context.Context, key string, rec model.Record) (err error) {
	start := time.Now()
	defer func() { err = s.observe("put", key, start, err) }()

	payload, err := model.Encode(rec)
	if err != nil {
		return err
	}
	md := model.ExtractMetadata(rec)
	createdAt, updatedAt := recordTimes(rec)

	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO memory_records (record_key, kind, memory_type, session_id, user_id, relevance_score, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		` + s.dialect.UpsertConflict("record_key", []string{
		"kind = EXCLUDED.kind",
		"memory_type = EXCLUDED.memory_type",
		"session_id = EXCLUDED.session_id",
		"user_id = EXCLUDED.user_id",
		"relevance_score = EXCLUDED.relevance_score",
		"payload = EXCLUDED.payload",
		"updated_at = EXCLUDED.updated_at",
	})
	if _, err = tx.ExecContext(ctx, s.rebind(upsert),
		key, string(rec.Kind()), md.MemoryType, md.SessionID, md.UserID, md.RelevanceScore,
		string(payload), createdAt, updatedAt); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM record_tags WHERE record_key = $1`), key); err != nil {
		return err
	}
	for _, tag := range md.Tags {
		if _, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO record_tags (record_key, tag) VALUES ($1, $2)`), key, tag); err != nil {
			return err
		}
	}

	if err = s.syncTriple(ctx, tx, key, rec); err != nil {
		return err
	}
	return tx.Commit()
}

// syncTriple 知识记录双写到三元组表；其它类型清除该 key 的旧三元组
//
// 三元组行以 record_key 为主键：不同 key 下 knowledge_id 相同的记录各占一行。
func (s *Store) syncTriple(ctx context.Context, tx *sql.Tx, key string, rec model.Record) error {
	kr, ok := rec.(*model.KnowledgeRecord)
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM knowledge_triples WHERE record_key = $1`), key); err != nil {
		return err
	}
	if !ok {
		return nil
	}

	object, err := json.Marshal(kr.Object)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO knowledge_triples (record_key, record_id, subject, predicate, object, domain, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		key, kr.ID, kr.Subject, kr.Predicate, string(object), kr.Domain, kr.Confidence)
	return err
}

// Delete 删除记录及其标签与三元组，不存在时返回 storage.ErrNotFound
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { err = s.observe("delete", key, start, err) }()

	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM memory_records WHERE record_key = $1`), key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM record_tags WHERE record_key = $1`), key); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM knowledge_triples WHERE record_key = $1`), key); err != nil {
		return err
	}
	return tx.Commit()
}

// Exists 判断记录是否存在
func (s *Store) Exists(ctx context.Context, key string) (ok bool, err error) {
	start := time.Now()
	defer func() { err = s.observe("exists", key, start, err) }()

	db, err := s.db(ctx)
	if err != nil {
		return false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var one int
	err = db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM memory_records WHERE record_key = $1`), key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListKeys 按前缀列出 key
//
// 前缀比较区分大小写，% 与 _ 按字面匹配。
func (s *Store) ListKeys(ctx context.Context, prefix string, limit int) (keys []string, err error) {
	start := time.Now()
	defer func() { err = s.observe("list_keys", prefix, start, err) }()

	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT record_key FROM memory_records`
	var args []interface{}
	if prefix != "" {
		query += ` WHERE substr(record_key, 1, $1) = $2`
		args = append(args, utf8.RuneCountInString(prefix), prefix)
	}
	query += ` ORDER BY record_key`
	if limit > 0 {
		query += ` LIMIT ` + fmt.Sprintf("$%d", len(args)+1)
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys = []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Count 统计记录数
func (s *Store) Count(ctx context.Context, kind model.Kind) (n int64, err error) {
	start := time.Now()
	defer func() { err = s.observe("count", "", start, err) }()

	db, err := s.db(ctx)
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if kind == "" {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records`).Scan(&n)
	} else {
		err = db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM memory_records WHERE kind = $1`), string(kind)).Scan(&n)
	}
	return n, err
}

// recordTimes 返回主表的 created_at / updated_at（UnixNano，便于跨方言排序）
func recordTimes(rec model.Record) (int64, int64) {
	created, updated := model.RecordTimes(rec)
	return created.UnixNano(), updated.UnixNano()
}
