// Package postgres PostgreSQL 数据库驱动
//
// 提供 PostgreSQL 连接管理和方言实现。
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"memory-fusion-hub/internal/shared/storage/dbutil"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect PostgreSQL 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverPostgres
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.RebindToPositional(query)
}

func (d *Dialect) UpsertConflict(conflictColumn string, updateExprs []string) string {
	return dbutil.OnConflictUpdate(conflictColumn, updateExprs)
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// PoolConfig 连接池参数，零值使用默认值
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open 创建 PostgreSQL 数据库连接
func Open(ctx context.Context, databaseURL string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 25
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 5
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// NewDialect 创建 PostgreSQL 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

const schema = `
CREATE TABLE IF NOT EXISTS memory_records (
    record_key VARCHAR(512) PRIMARY KEY,
    kind VARCHAR(32) NOT NULL,
    memory_type VARCHAR(32) NOT NULL DEFAULT '',
    session_id VARCHAR(256) NOT NULL DEFAULT '',
    user_id VARCHAR(256) NOT NULL DEFAULT '',
    relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    payload TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_records_kind ON memory_records(kind);
CREATE INDEX IF NOT EXISTS idx_memory_records_memory_type ON memory_records(memory_type);
CREATE INDEX IF NOT EXISTS idx_memory_records_session ON memory_records(session_id);
CREATE INDEX IF NOT EXISTS idx_memory_records_user ON memory_records(user_id);

CREATE TABLE IF NOT EXISTS record_tags (
    record_key VARCHAR(512) NOT NULL,
    tag VARCHAR(256) NOT NULL,
    PRIMARY KEY (record_key, tag)
);
CREATE INDEX IF NOT EXISTS idx_record_tags_tag ON record_tags(tag);

CREATE TABLE IF NOT EXISTS knowledge_triples (
    record_key VARCHAR(512) PRIMARY KEY,
    record_id VARCHAR(256) NOT NULL,
    subject TEXT NOT NULL,
    predicate TEXT NOT NULL,
    object TEXT,
    domain VARCHAR(256) NOT NULL DEFAULT '',
    confidence DOUBLE PRECISION NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_knowledge_triples_record_id ON knowledge_triples(record_id);
CREATE INDEX IF NOT EXISTS idx_knowledge_triples_subject ON knowledge_triples(subject);
CREATE INDEX IF NOT EXISTS idx_knowledge_triples_predicate ON knowledge_triples(predicate);
CREATE INDEX IF NOT EXISTS idx_knowledge_triples_domain ON knowledge_triples(domain);
`
