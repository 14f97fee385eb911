// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和单机嵌入式部署场景。
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"memory-fusion-hub/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) UpsertConflict(conflictColumn string, updateExprs []string) string {
	return dbutil.OnConflictUpdate(conflictColumn, updateExprs)
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:fusion.db?cache=shared&mode=rwc" 或 ":memory:"
//
// 连接池限制为 1：单写者模型，同时保证 :memory: 数据库在所有调用间共享。
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 建表语句（与 PostgreSQL 结构一致）
const schema = `
CREATE TABLE IF NOT EXISTS memory_records (
    record_key TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    memory_type TEXT NOT NULL DEFAULT '',
    session_id TEXT NOT NULL DEFAULT '',
    user_id TEXT NOT NULL DEFAULT '',
    relevance_score REAL NOT NULL DEFAULT 0,
    payload TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_records_kind ON memory_records(kind);
CREATE INDEX IF NOT EXISTS idx_memory_records_memory_type ON memory_records(memory_type);
CREATE INDEX IF NOT EXISTS idx_memory_records_session ON memory_records(session_id);
CREATE INDEX IF NOT EXISTS idx_memory_records_user ON memory_records(user_id);

CREATE TABLE IF NOT EXISTS record_tags (
    record_key TEXT NOT NULL,
    tag TEXT NOT NULL,
    PRIMARY KEY (record_key, tag)
);
CREATE INDEX IF NOT EXISTS idx_record_tags_tag ON record_tags(tag);

CREATE TABLE IF NOT EXISTS knowledge_triples (
    record_key TEXT PRIMARY KEY,
    record_id TEXT NOT NULL,
    subject TEXT NOT NULL,
    predicate TEXT NOT NULL,
    object TEXT,
    domain TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_knowledge_triples_record_id ON knowledge_triples(record_id);
CREATE INDEX IF NOT EXISTS idx_knowledge_triples_subject ON knowledge_triples(subject);
CREATE INDEX IF NOT EXISTS idx_knowledge_triples_predicate ON knowledge_triples(predicate);
CREATE INDEX IF NOT EXISTS idx_knowledge_triples_domain ON knowledge_triples(domain);
`
