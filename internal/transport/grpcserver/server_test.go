package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"

	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/internal/shared/cache"
	"memory-fusion-hub/internal/shared/eventlog"
	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/storage"
)

type testEnv struct {
	lis    *bufconn.Listener
	client *Client
	server *Server
	repo   *storage.MemoryRepository
	events *eventlog.MemoryLog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := storage.NewMemoryRepository()
	events := eventlog.NewMemoryLog()
	svc := fusion.New(repo, cache.NewMemoryCache(time.Minute), events)

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(svc, Options{MaxWorkers: 4, RequestTimeout: 5 * time.Second}, nil)
	go srv.Serve(lis)
	t.Cleanup(srv.grpc.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &testEnv{lis: lis, client: client, server: srv, repo: repo, events: events}
}

func (env *testEnv) dial(t *testing.T, opts ...grpc.DialOption) *Client {
	t.Helper()
	opts = append(opts, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return env.lis.DialContext(ctx)
	}))
	client, err := Dial("passthrough:///bufnet", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// wireRoundTrip 序列化为 protobuf 字节再解回
func wireRoundTrip(t *testing.T, msg *RecordMessage) *RecordMessage {
	t.Helper()
	w := newWire("Record")
	require.NoError(t, msg.marshalWire(w))
	b, err := proto.Marshal(w.message())
	require.NoError(t, err)

	back := newWire("Record")
	require.NoError(t, proto.Unmarshal(b, back.message()))
	got, err := recordFromWire(back)
	require.NoError(t, err)
	return got
}

func TestRecordMessage_MemoryItemContent(t *testing.T) {
	ts := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		content     any
		contentType string
	}{
		{"text", "plain text", ContentText},
		{"json object", map[string]any{"a": float64(1), "b": []any{"x"}}, ContentJSON},
		{"json number", float64(42), ContentJSON},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := &model.MemoryItem{
				Key: "k", Content: tt.content, MemoryType: model.MemoryTypeConversation,
				CreatedAt: ts, UpdatedAt: ts, RelevanceScore: 0.4, Tags: []string{"t"},
				Context: map[string]any{"session_id": "s1"},
			}
			msg, err := FromRecord(item)
			require.NoError(t, err)
			assert.Equal(t, tt.contentType, msg.ContentType)

			got, err := msg.Record()
			require.NoError(t, err)
			assert.Equal(t, item, got)

			got, err = wireRoundTrip(t, msg).Record()
			require.NoError(t, err)
			assert.Equal(t, item, got)
		})
	}
}

func TestRecordMessage_OtherKinds(t *testing.T) {
	kr := model.NewKnowledgeRecord("kr1", "go", "has", "channels")
	msg, err := FromRecord(kr)
	require.NoError(t, err)
	assert.Equal(t, model.KindKnowledgeRecord, msg.Type)
	assert.Equal(t, "knowledge:kr1", msg.Key)
	assert.NotEmpty(t, msg.Data)

	got, err := msg.Record()
	require.NoError(t, err)
	assert.Equal(t, kr, got)

	got, err = wireRoundTrip(t, msg).Record()
	require.NoError(t, err)
	assert.Equal(t, kr, got)

	_, err = (&RecordMessage{Type: model.KindSessionData}).Record()
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = (&RecordMessage{ContentType: "xml"}).Record()
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestServer_PutGetDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	item := model.NewMemoryItem("k1", map[string]any{"text": "hi"}, model.MemoryTypeContext)
	res, err := env.client.Put(ctx, "k1", item, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "k1", res.Key)
	assert.Equal(t, string(model.EventCreate), res.EventType)
	assert.NotEmpty(t, res.EventID)

	got, err := env.client.Get(ctx, "k1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, item, got)

	ok, err := env.client.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	deleted, err := env.client.Delete(ctx, "k1", "")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = env.client.Delete(ctx, "k1", "")
	require.NoError(t, err)
	assert.False(t, deleted)

	got, err = env.client.Get(ctx, "k1", "")
	require.NoError(t, err)
	assert.Nil(t, got)

	var types []model.EventType
	for _, ev := range env.events.Events() {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []model.EventType{model.EventCreate, model.EventRead, model.EventDelete}, types)
	assert.Equal(t, "agent-1", env.events.Events()[0].AgentID)
}

func TestServer_ErrorsAreReportedInResponse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client.Get(ctx, "", "")
	require.Error(t, err)
	assert.True(t, IsRemote(err))

	env.repo.FailWith(storage.ErrInjected)
	_, err = env.client.Put(ctx, "k1", model.NewMemoryItem("k1", "v", model.MemoryTypeContext), "")
	require.Error(t, err)
	assert.True(t, IsRemote(err))
	assert.Contains(t, err.Error(), "injected failure")

	out := new(PutResponse)
	require.NoError(t, env.client.invoke(ctx, "Put", &PutRequest{Key: "k2"}, out))
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "record is required")
}

func TestServer_BatchGetListKeysSearch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, key := range []string{"a:1", "a:2", "b:1"} {
		item := model.NewMemoryItem(key, key, model.MemoryTypeKnowledge)
		item.Tags = []string{"x"}
		_, err := env.client.Put(ctx, key, item, "")
		require.NoError(t, err)
	}
	_, err := env.client.Put(ctx, "", model.NewSessionData("s1", "u1"), "")
	require.NoError(t, err)

	recs, err := env.client.BatchGet(ctx, []string{"a:1", "missing", "session:s1"}, "")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Nil(t, recs["missing"])
	assert.Equal(t, "a:1", recs["a:1"].(*model.MemoryItem).Content)
	assert.Equal(t, "u1", recs["session:s1"].(*model.SessionData).UserID)

	keys, err := env.client.ListKeys(ctx, "a:", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "a:2"}, keys)

	found, err := env.client.Search(ctx, storage.SearchQuery{Tags: []string{"x"}, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, found, 3)
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h, err := env.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, fusion.StatusHealthy, h.Status)
	assert.Contains(t, h.Components, fusion.ComponentRepository)

	hc := healthpb.NewHealthClient(env.client.Conn())
	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	env.repo.FailWith(storage.ErrInjected)
	h, err = env.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, fusion.StatusUnhealthy, h.Status)

	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestServer_Shutdown(t *testing.T) {
	svc := fusion.New(storage.NewMemoryRepository(), nil, eventlog.NewMemoryLog())
	srv := NewServer(svc, Options{}, nil)
	lis := bufconn.Listen(1 << 16)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
