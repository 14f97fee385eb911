package mongostore

import (
	"context"
	"regexp"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/storage"
)

// recordDoc 记录文档
type recordDoc struct {
	Key            string   `bson:"_id"`
	Kind           string   `bson:"kind"`
	MemoryType     string   `bson:"memory_type"`
	SessionID      string   `bson:"session_id"`
	UserID         string   `bson:"user_id"`
	RelevanceScore float64  `bson:"relevance_score"`
	Tags           []string `bson:"tags"`
	Subject        string   `bson:"subject,omitempty"`
	Predicate      string   `bson:"predicate,omitempty"`
	Domain         string   `bson:"domain,omitempty"`
	Payload        string   `bson:"payload"`
	CreatedAt      int64    `bson:"created_at"`
	UpdatedAt      int64    `bson:"updated_at"`
}

func byKey(key string) bson.D {
	return bson.D{{Key: "_id", Value: key}}
}

// Get 读取记录，不存在时返回 (nil, nil)
func (s *Store) Get(ctx context.Context, key string) (model.Record, error) {
	col, err := s.col(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc, err := findOne[recordDoc](ctx, col, byKey(key))
	if err != nil || doc == nil {
		return nil, wrapError("get", key, err)
	}
	rec, err := model.Decode([]byte(doc.Payload))
	return rec, wrapError("get", key, err)
}

// Put 写入记录（upsert，created_at 仅在首次插入时设置）
func (s *Store) Put(ctx context.Context, key string, rec model.Record) error {
	payload, err := model.Encode(rec)
	if err != nil {
		return err
	}
	md := model.ExtractMetadata(rec)
	createdAt, updatedAt := recordTimes(rec)

	col, err := s.col(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tags := md.Tags
	if tags == nil {
		tags = []string{}
	}
	set := bson.D{
		{Key: "kind", Value: string(rec.Kind())},
		{Key: "memory_type", Value: md.MemoryType},
		{Key: "session_id", Value: md.SessionID},
		{Key: "user_id", Value: md.UserID},
		{Key: "relevance_score", Value: md.RelevanceScore},
		{Key: "tags", Value: tags},
		{Key: "subject", Value: md.Subject},
		{Key: "predicate", Value: md.Predicate},
		{Key: "domain", Value: md.Domain},
		{Key: "payload", Value: string(payload)},
		{Key: "updated_at", Value: updatedAt},
	}
	update := bson.D{
		{Key: "$set", Value: set},
		{Key: "$setOnInsert", Value: bson.D{{Key: "created_at", Value: createdAt}}},
	}
	_, err = col.UpdateOne(ctx, byKey(key), update, options.UpdateOne().SetUpsert(true))
	return wrapError("put", key, err)
}

// Delete 删除记录，不存在时返回 storage.ErrNotFound
func (s *Store) Delete(ctx context.Context, key string) error {
	col, err := s.col(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := col.DeleteOne(ctx, byKey(key))
	if err != nil {
		return wrapError("delete", key, err)
	}
	if res.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Exists 判断记录是否存在
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	col, err := s.col(ctx)
	if err != nil {
		return false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := col.CountDocuments(ctx, byKey(key), options.Count().SetLimit(1))
	if err != nil {
		return false, wrapError("exists", key, err)
	}
	return n > 0, nil
}

// ListKeys 按前缀列出 key
func (s *Store) ListKeys(ctx context.Context, prefix string, limit int) ([]string, error) {
	col, err := s.col(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.D{}
	if prefix != "" {
		filter = append(filter, bson.E{Key: "_id", Value: bson.D{{Key: "$regex", Value: "^" + regexp.QuoteMeta(prefix)}}})
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	docs, err := findMany[recordDoc](ctx, col, filter, opts)
	if err != nil {
		return nil, wrapError("list_keys", prefix, err)
	}
	keys := make([]string, 0, len(docs))
	for _, d := range docs {
		keys = append(keys, d.Key)
	}
	return keys, nil
}

// Search 按索引字段过滤记录
func (s *Store) Search(ctx context.Context, q storage.SearchQuery) ([]model.Record, error) {
	col, err := s.col(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "relevance_score", Value: -1}, {Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(q.EffectiveLimit()))

	docs, err := findMany[recordDoc](ctx, col, searchFilter(q), opts)
	if err != nil {
		return nil, wrapError("search", "", err)
	}
	out := make([]model.Record, 0, len(docs))
	for _, d := range docs {
		rec, err := model.Decode([]byte(d.Payload))
		if err != nil {
			return nil, wrapError("search", d.Key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// searchFilter 构建搜索过滤条件
func searchFilter(q storage.SearchQuery) bson.D {
	filter := bson.D{}
	eq := func(field, v string) {
		if v != "" {
			filter = append(filter, bson.E{Key: field, Value: v})
		}
	}
	kind := q.Kind
	if kind == "" && q.HasTriple() {
		kind = model.KindKnowledgeRecord
	}
	eq("kind", string(kind))
	eq("memory_type", q.MemoryType)
	eq("session_id", q.SessionID)
	eq("user_id", q.UserID)
	eq("subject", q.Subject)
	eq("predicate", q.Predicate)
	eq("domain", q.Domain)
	if q.MinRelevance > 0 {
		filter = append(filter, bson.E{Key: "relevance_score", Value: bson.D{{Key: "$gte", Value: q.MinRelevance}}})
	}
	if len(q.Tags) > 0 {
		filter = append(filter, bson.E{Key: "tags", Value: bson.D{{Key: "$all", Value: q.Tags}}})
	}
	return filter
}

// Count 统计记录数
func (s *Store) Count(ctx context.Context, kind model.Kind) (int64, error) {
	col, err := s.col(ctx)
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.D{}
	if kind != "" {
		filter = append(filter, bson.E{Key: "kind", Value: string(kind)})
	}
	n, err := col.CountDocuments(ctx, filter)
	return n, wrapError("count", "", err)
}

// recordTimes 返回 created_at / updated_at（UnixNano）
func recordTimes(rec model.Record) (int64, int64) {
	created, updated := model.RecordTimes(rec)
	return created.UnixNano(), updated.UnixNano()
}
