package fusion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-fusion-hub/internal/shared/cache"
	"memory-fusion-hub/internal/shared/eventlog"
	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/queue"
	"memory-fusion-hub/internal/shared/storage"
)

// testRepo 内存 Repository，记录 Put 顺序并可对指定 key 注入故障
type testRepo struct {
	*storage.MemoryRepository

	mu       sync.Mutex
	failKeys map[string]error
	putOrder []string
}

func newTestRepo() *testRepo {
	return &testRepo{MemoryRepository: storage.NewMemoryRepository(), failKeys: map[string]error{}}
}

func (r *testRepo) failKey(key string, err error) {
	r.mu.Lock()
	r.failKeys[key] = err
	r.mu.Unlock()
}

func (r *testRepo) keyErr(op, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failKeys[key]; ok {
		return storage.Wrap(op, key, err)
	}
	return nil
}

func (r *testRepo) Get(ctx context.Context, key string) (model.Record, error) {
	if err := r.keyErr("get", key); err != nil {
		return nil, err
	}
	return r.MemoryRepository.Get(ctx, key)
}

func (r *testRepo) Put(ctx context.Context, key string, rec model.Record) error {
	r.mu.Lock()
	r.putOrder = append(r.putOrder, key)
	r.mu.Unlock()
	return r.MemoryRepository.Put(ctx, key, rec)
}

type fixture struct {
	svc   *FusionService
	repo  *testRepo
	cache *cache.MemoryCache
	log   *eventlog.MemoryLog
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:  newTestRepo(),
		cache: cache.NewMemoryCache(time.Minute),
		log:   eventlog.NewMemoryLog(),
	}
	f.svc = New(f.repo, f.cache, f.log, opts...)
	return f
}

func (f *fixture) mutations() []*model.MemoryEvent {
	var out []*model.MemoryEvent
	for _, ev := range f.log.Events() {
		if ev.EventType.IsMutation() {
			out = append(out, ev)
		}
	}
	return out
}

var errCacheDown = errors.New("cache connection refused")

// ============================================================================
// Put / Get
// ============================================================================

func TestPutGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := model.NewMemoryItem("note:1", "hello", model.MemoryTypeConversation)
	item.AddTag("greeting")

	res, err := f.svc.Put(ctx, "note:1", item, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, model.EventCreate, res.EventType)
	assert.NotEmpty(t, res.EventID)

	got, err := f.svc.Get(ctx, "note:1", "agent-a")
	require.NoError(t, err)
	assert.Equal(t, item, got)

	missing, err := f.svc.Get(ctx, "note:404", "")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPut_DerivedKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Put(ctx, "", model.NewSessionData("s1", "u1"), "")
	require.NoError(t, err)
	assert.Equal(t, "session:s1", res.Key)

	res, err = f.svc.Put(ctx, "", model.NewKnowledgeRecord("k1", "go", "is", "compiled"), "")
	require.NoError(t, err)
	assert.Equal(t, "knowledge:k1", res.Key)

	rec, err := f.svc.Get(ctx, "session:s1", "")
	require.NoError(t, err)
	assert.Equal(t, model.KindSessionData, rec.Kind())
}

func TestPut_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		key  string
		rec  model.Record
	}{
		{"nil record", "k", nil},
		{"event record", "k", &model.MemoryEvent{EventID: "e", EventType: model.EventCreate, TargetKey: "k"}},
		{"key mismatch", "other", model.NewMemoryItem("k", "v", model.MemoryTypeContext)},
		{"missing key", "", &model.MemoryItem{Content: "v"}},
		{"relevance out of range", "k", &model.MemoryItem{Key: "k", RelevanceScore: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Put(ctx, tt.key, tt.rec, "")
			require.Error(t, err)
			assert.True(t, IsValidation(err))
			var fe *Error
			assert.True(t, errors.As(err, &fe))
		})
	}
	assert.Empty(t, f.log.Events())

	_, err := f.svc.Get(ctx, "", "")
	assert.True(t, IsValidation(err))
}

func TestPut_CreateThenUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := model.NewMemoryItem("k", "A", model.MemoryTypeContext)
	b := model.NewMemoryItem("k", "B", model.MemoryTypeContext)

	_, err := f.svc.Put(ctx, "k", a, "agent")
	require.NoError(t, err)
	res, err := f.svc.Put(ctx, "k", b, "agent")
	require.NoError(t, err)
	assert.Equal(t, model.EventUpdate, res.EventType)

	events := f.mutations()
	require.Len(t, events, 2)

	assert.Equal(t, model.EventCreate, events[0].EventType)
	assert.Nil(t, events[0].PreviousValue)

	assert.Equal(t, model.EventUpdate, events[1].EventType)
	encodedA, err := model.Encode(a)
	require.NoError(t, err)
	assert.JSONEq(t, string(encodedA), string(events[1].PreviousValue))
	assert.JSONEq(t, string(events[0].Payload), string(events[1].PreviousValue))

	assert.Less(t, events[0].SequenceNumber, events[1].SequenceNumber)
	assert.Equal(t, "agent", events[1].AgentID)
}

func TestPut_RepositoryFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.FailWith(storage.ErrInjected)

	_, err := f.svc.Put(ctx, "k", model.NewMemoryItem("k", "v", model.MemoryTypeContext), "")
	require.Error(t, err)
	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "put", fe.Op)
	assert.ErrorIs(t, err, storage.ErrInjected)

	assert.Empty(t, f.log.Events())
	assert.Zero(t, f.cache.Len())

	h := f.svc.HealthStatus(ctx)
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, StatusUnhealthy, h.Components[ComponentRepository].Status)
}

func TestPut_EventLogFailureDoesNotFailCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.log.FailWith(errors.New("stream unavailable"))
	res, err := f.svc.Put(ctx, "k", model.NewMemoryItem("k", "v", model.MemoryTypeContext), "")
	require.NoError(t, err)
	assert.Empty(t, res.EventID)

	f.log.FailWith(nil)
	f.log.SetDegraded(true)
	res, err = f.svc.Put(ctx, "k", model.NewMemoryItem("k", "v2", model.MemoryTypeContext), "")
	require.NoError(t, err)
	assert.True(t, eventlog.IsDegradedEventID(res.EventID))

	h := f.svc.HealthStatus(ctx)
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, StatusUnhealthy, h.Components[ComponentEventLog].Status)

	f.log.SetDegraded(false)
	h = f.svc.HealthStatus(ctx)
	assert.Equal(t, StatusHealthy, h.Status)
}

// ============================================================================
// Delete
// ============================================================================

func TestDelete_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.svc.Delete(ctx, "ghost", "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.log.Events())

	item := model.NewMemoryItem("k", "v", model.MemoryTypeContext)
	_, err = f.svc.Put(ctx, "k", item, "")
	require.NoError(t, err)

	ok, err = f.svc.Delete(ctx, "k", "agent")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.Delete(ctx, "k", "agent")
	require.NoError(t, err)
	assert.False(t, ok)

	events := f.mutations()
	require.Len(t, events, 2)
	assert.Equal(t, model.EventDelete, events[1].EventType)
	assert.JSONEq(t, string(events[0].Payload), string(events[1].PreviousValue))

	exists, err := f.svc.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Zero(t, f.cache.Len())
}

// ============================================================================
// 缓存透明性与降级
// ============================================================================

func TestGet_CacheAside(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := model.NewMemoryItem("k", "v", model.MemoryTypeContext)
	_, err := f.svc.Put(ctx, "k", item, "")
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, "k", "")
	require.NoError(t, err)
	s := f.svc.Metrics().Summary()
	assert.Equal(t, int64(1), s.CacheHits)

	// 缓存被清空后回源并回填
	_, err = f.cache.Evict(ctx, "k")
	require.NoError(t, err)
	got, err := f.svc.Get(ctx, "k", "")
	require.NoError(t, err)
	assert.Equal(t, item, got)
	assert.Equal(t, []string{"k"}, f.cache.Keys(""))

	reads := 0
	for _, ev := range f.log.Events() {
		if ev.EventType == model.EventRead {
			reads++
		}
	}
	assert.Equal(t, 2, reads)
}

func TestGet_CacheTransparencyUnderFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.cache.FailWith(errCacheDown)

	item := model.NewMemoryItem("k", map[string]any{"text": "v"}, model.MemoryTypeKnowledge)
	_, err := f.svc.Put(ctx, "k", item, "")
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, "k", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	encodedPut, _ := model.Encode(item)
	encodedGot, _ := model.Encode(got)
	assert.JSONEq(t, string(encodedPut), string(encodedGot))

	ok, err := f.svc.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCacheDegradationRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Put(ctx, "k", model.NewMemoryItem("k", "v", model.MemoryTypeContext), "")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, f.svc.HealthStatus(ctx).Status)

	f.cache.FailWith(errCacheDown)
	_, err = f.svc.Get(ctx, "k", "")
	require.NoError(t, err)

	h := f.svc.HealthStatus(ctx)
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, StatusUnhealthy, h.Components[ComponentCache].Status)
	assert.Equal(t, "degraded", h.CacheStats.Status)

	// 缓存恢复后，在下一次探测之前仍保持降级
	f.cache.FailWith(nil)
	hitsBefore := f.svc.Metrics().Summary().CacheHits
	_, err = f.svc.Get(ctx, "k", "")
	require.NoError(t, err)
	assert.Equal(t, hitsBefore, f.svc.Metrics().Summary().CacheHits)

	h = f.svc.HealthStatus(ctx)
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, StatusHealthy, h.Components[ComponentCache].Status)
	assert.Equal(t, "healthy", h.Telemetry.Components[ComponentCache])

	// 恢复时清空了降级期间的缓存，下一次读取回填，再下一次命中
	_, err = f.svc.Get(ctx, "k", "")
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, "k", "")
	require.NoError(t, err)
	assert.Equal(t, hitsBefore+1, f.svc.Metrics().Summary().CacheHits)
}

func TestCheckCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.cache.FailWith(errCacheDown)
	assert.False(t, f.svc.CheckCache(ctx))
	f.cache.FailWith(nil)
	assert.True(t, f.svc.CheckCache(ctx))
}

func TestNilCacheDisablesCaching(t *testing.T) {
	svc := New(storage.NewMemoryRepository(), nil, eventlog.NewMemoryLog())
	ctx := context.Background()

	_, err := svc.Put(ctx, "k", model.NewMemoryItem("k", "v", model.MemoryTypeContext), "")
	require.NoError(t, err)
	got, err := svc.Get(ctx, "k", "")
	require.NoError(t, err)
	assert.NotNil(t, got)

	h := svc.HealthStatus(ctx)
	assert.Equal(t, "disabled", h.CacheStats.Status)
	assert.Equal(t, StatusHealthy, h.Status)
}

// ============================================================================
// 顺序
// ============================================================================

func TestOrdering_ConcurrentWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%02d", i)
			_, err := f.svc.Put(ctx, key, model.NewMemoryItem(key, i, model.MemoryTypeContext), "")
			assert.NoError(t, err)
			if i%3 == 0 {
				_, err := f.svc.Delete(ctx, key, "")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	events := f.mutations()
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		assert.Less(t, events[i-1].SequenceNumber, events[i].SequenceNumber)
	}

	var created []string
	for _, ev := range events {
		if ev.EventType == model.EventCreate {
			created = append(created, ev.TargetKey)
		}
	}
	f.repo.mu.Lock()
	order := append([]string(nil), f.repo.putOrder...)
	f.repo.mu.Unlock()
	assert.Equal(t, order, created, "event order must follow write lock order")
}

func TestPut_LockWaitHonorsContext(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.lock(context.Background()))
	defer f.svc.unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.svc.Put(ctx, "k", model.NewMemoryItem("k", "v", model.MemoryTypeContext), "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ============================================================================
// BatchGet / ListKeys / Search
// ============================================================================

func TestBatchGet_PartialFailure(t *testing.T) {
	f := newFixture(t, WithBatchConcurrency(2))
	ctx := context.Background()

	present := model.NewMemoryItem("present", "here", model.MemoryTypeContext)
	_, err := f.svc.Put(ctx, "present", present, "")
	require.NoError(t, err)
	f.repo.failKey("malformed", errors.New("cannot decode row"))

	out, err := f.svc.BatchGet(ctx, []string{"present", "absent", "malformed", "present"}, "")
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, present, out["present"])
	assert.Contains(t, out, "absent")
	assert.Nil(t, out["absent"])
	assert.Contains(t, out, "malformed")
	assert.Nil(t, out["malformed"])
}

func TestListKeysAndSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, key := range []string{"user:1", "user:2", "task:1"} {
		item := model.NewMemoryItem(key, key, model.MemoryTypeContext)
		item.RelevanceScore = float64(i+1) / 10
		if key != "task:1" {
			item.AddTag("user")
		}
		_, err := f.svc.Put(ctx, key, item, "")
		require.NoError(t, err)
	}

	keys, err := f.svc.ListKeys(ctx, "user:", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:1", "user:2"}, keys)

	recs, err := f.svc.Search(ctx, storage.SearchQuery{Tags: []string{"user"}})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "user:2", recs[0].RecordKey())

	f.repo.FailWith(storage.ErrInjected)
	_, err = f.svc.ListKeys(ctx, "", 0)
	assert.ErrorIs(t, err, storage.ErrInjected)
}

// ============================================================================
// 指标
// ============================================================================

func TestTelemetryRecordedForEveryOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.svc.Get(ctx, "missing", "")
	_, _ = f.svc.Put(ctx, "", nil, "")
	_, _ = f.svc.Delete(ctx, "missing", "")

	s := f.svc.Metrics().Summary()
	assert.Equal(t, int64(1), s.Operations["get"].Count)
	assert.Equal(t, int64(1), s.Operations["put"].Errors)
	assert.Equal(t, int64(1), s.Operations["delete"].Count)
}

// ============================================================================
// 复制
// ============================================================================

func TestReplication_PublishesMutations(t *testing.T) {
	q := queue.NewMemoryQueue("")
	f := newFixture(t, WithReplicator(NewQueueReplicator(q, "hub-a")))
	ctx := context.Background()

	_, err := f.svc.Put(ctx, "k", model.NewMemoryItem("k", "v", model.MemoryTypeContext), "")
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, "k", "")
	require.NoError(t, err)
	_, err = f.svc.Delete(ctx, "k", "")
	require.NoError(t, err)

	msgs := q.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.EventCreate, msgs[0].EventType)
	assert.Equal(t, "hub-a", msgs[0].Origin)
	rec, err := msgs[0].Record()
	require.NoError(t, err)
	assert.Equal(t, "k", rec.RecordKey())
	assert.Equal(t, model.EventDelete, msgs[1].EventType)

	// 复制失败不影响写入
	q.FailWith(errors.New("broker down"))
	_, err = f.svc.Put(ctx, "k2", model.NewMemoryItem("k2", "v", model.MemoryTypeContext), "")
	assert.NoError(t, err)
}
