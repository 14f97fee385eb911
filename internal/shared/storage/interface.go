// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方（FusionService）只依赖 Repository 接口
//   - 具体实现在子包中：repository/（SQLite、PostgreSQL）、mongostore/（MongoDB）
//   - 初始化时通过 infra 包按配置注入
//
// 四类记录共用一个 key 空间，按 key 后写覆盖。
package storage

import (
	"context"

	"memory-fusion-hub/internal/shared/model"
)

// Repository 持久化记录存储
//
// 除 Delete 外所有操作都是幂等的：对不存在的 key 第二次 Delete 返回 ErrNotFound。
// 实现负责延迟连接与建表，首次调用时完成。
type Repository interface {
	// Get 读取记录，不存在时返回 (nil, nil)
	Get(ctx context.Context, key string) (model.Record, error)

	// Put 写入记录（覆盖），同时更新索引字段、标签与三元组
	Put(ctx context.Context, key string, rec model.Record) error

	// Delete 删除记录，不存在时返回 ErrNotFound
	Delete(ctx context.Context, key string) error

	// Exists 判断记录是否存在
	Exists(ctx context.Context, key string) (bool, error)

	// ListKeys 按前缀列出 key（字典序），limit <= 0 表示不限制
	ListKeys(ctx context.Context, prefix string, limit int) ([]string, error)

	// Search 按索引字段过滤记录
	Search(ctx context.Context, q SearchQuery) ([]model.Record, error)

	// Count 统计记录数，kind 为空时统计全部
	Count(ctx context.Context, kind model.Kind) (int64, error)

	// Close 释放连接
	Close() error
}

// SearchQuery 搜索条件，零值字段不参与过滤
type SearchQuery struct {
	Kind         model.Kind `json:"kind,omitempty"`
	MemoryType   string     `json:"memory_type,omitempty"`
	Tags         []string   `json:"tags,omitempty"` // 必须全部包含
	SessionID    string     `json:"session_id,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	MinRelevance float64    `json:"min_relevance,omitempty"`

	// 知识三元组过滤
	Subject   string `json:"subject,omitempty"`
	Predicate string `json:"predicate,omitempty"`
	Domain    string `json:"domain,omitempty"`

	Limit int `json:"limit,omitempty"`
}

// DefaultSearchLimit Limit 未指定时的默认返回条数
const DefaultSearchLimit = 100

// EffectiveLimit 返回实际使用的 limit
func (q SearchQuery) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultSearchLimit
	}
	return q.Limit
}

// HasTriple 是否包含三元组过滤条件
func (q SearchQuery) HasTriple() bool {
	return q.Subject != "" || q.Predicate != "" || q.Domain != ""
}
