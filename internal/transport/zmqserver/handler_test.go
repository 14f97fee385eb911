package zmqserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/internal/shared/cache"
	"memory-fusion-hub/internal/shared/eventlog"
	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/storage"
)

func newTestHandler(t *testing.T) (*Handler, *storage.MemoryRepository, *eventlog.MemoryLog) {
	t.Helper()
	repo := storage.NewMemoryRepository()
	events := eventlog.NewMemoryLog()
	svc := fusion.New(repo, cache.NewMemoryCache(time.Minute), events)
	return NewHandler(svc, nil), repo, events
}

func call(t *testing.T, h *Handler, req string) *Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(h.Handle(context.Background(), []byte(req)), &resp))
	assert.False(t, resp.Timestamp.IsZero())
	return &resp
}

func TestHandle_ResponseShape(t *testing.T) {
	h, _, _ := newTestHandler(t)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(h.Handle(context.Background(), []byte(`{"action":"ping"}`)), &fields))
	for _, name := range []string{"success", "action", "result", "error", "timestamp"} {
		assert.Contains(t, fields, name)
	}
	assert.Equal(t, "null", string(fields["error"]))
	assert.JSONEq(t, `{"pong":true}`, string(fields["result"]))

	require.NoError(t, json.Unmarshal(h.Handle(context.Background(), []byte(`{"action":"nope"}`)), &fields))
	assert.Equal(t, "null", string(fields["result"]))
	assert.Equal(t, "false", string(fields["success"]))
}

func TestHandle_InvalidRequests(t *testing.T) {
	h, _, _ := newTestHandler(t)

	tests := []struct {
		name    string
		req     string
		wantErr string
	}{
		{"not json", `hello`, "invalid request"},
		{"missing action", `{}`, "action is required"},
		{"unknown action", `{"action":"drop_table"}`, "unknown action"},
		{"get without key", `{"action":"get"}`, "key is required"},
		{"put without item", `{"action":"put","key":"k"}`, "item is required"},
		{"put array item", `{"action":"put","key":"k","item":[1]}`, "must be a JSON object"},
		{"batch without keys", `{"action":"batch_get"}`, "keys is required"},
		{"delete without key", `{"action":"delete"}`, "key is required"},
		{"exists without key", `{"action":"exists"}`, "key is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, h, tt.req)
			assert.False(t, resp.Success)
			assert.Contains(t, resp.Err(), tt.wantErr)
		})
	}
}

func TestHandle_PutDetectsRecordKind(t *testing.T) {
	h, repo, _ := newTestHandler(t)

	tests := []struct {
		name    string
		req     string
		wantKey string
		want    model.Kind
	}{
		{"memory item", `{"action":"put","key":"k1","item":{"content":"hi","memory_type":"context","relevance_score":0.5}}`, "k1", model.KindMemoryItem},
		{"session", `{"action":"put","item":{"session_id":"s1","user_id":"u1","is_active":true}}`, "session:s1", model.KindSessionData},
		{"knowledge", `{"action":"put","item":{"knowledge_id":"kr1","subject":"go","predicate":"is","object":"fast","confidence":0.9}}`, "knowledge:kr1", model.KindKnowledgeRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, h, tt.req)
			require.True(t, resp.Success, resp.Err())

			var res PutResult
			require.NoError(t, resp.Decode(&res))
			assert.Equal(t, tt.wantKey, res.Key)
			assert.Equal(t, model.EventCreate, res.EventType)

			rec, err := repo.Get(context.Background(), tt.wantKey)
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, tt.want, rec.Kind())
		})
	}

	resp := call(t, h, `{"action":"put","item":{"event_id":"e1","event_type":"CREATE","target_key":"k"}}`)
	assert.False(t, resp.Success, "events cannot be stored directly")
}

func TestHandle_ReadOperations(t *testing.T) {
	h, _, events := newTestHandler(t)

	require.True(t, call(t, h, `{"action":"put","key":"a:1","item":{"content":"one","tags":["x"],"relevance_score":0.9}}`).Success)
	require.True(t, call(t, h, `{"action":"put","key":"a:2","item":{"content":"two","relevance_score":0.1}}`).Success)

	t.Run("get", func(t *testing.T) {
		resp := call(t, h, `{"action":"get","key":"a:1","agent_id":"agent-7"}`)
		require.True(t, resp.Success)
		var res GetResult
		require.NoError(t, resp.Decode(&res))
		assert.True(t, res.Found)
		rec, err := res.Item.Decode()
		require.NoError(t, err)
		assert.Equal(t, "one", rec.(*model.MemoryItem).Content)

		evs := events.Events()
		last := evs[len(evs)-1]
		assert.Equal(t, model.EventRead, last.EventType)
		assert.Equal(t, "agent-7", last.AgentID)
	})

	t.Run("get missing", func(t *testing.T) {
		resp := call(t, h, `{"action":"get","key":"zzz"}`)
		require.True(t, resp.Success)
		var res GetResult
		require.NoError(t, resp.Decode(&res))
		assert.False(t, res.Found)
		assert.Nil(t, res.Item)
	})

	t.Run("exists and list_keys", func(t *testing.T) {
		var ex ExistsResult
		require.NoError(t, call(t, h, `{"action":"exists","key":"a:2"}`).Decode(&ex))
		assert.True(t, ex.Exists)

		var lk ListKeysResult
		require.NoError(t, call(t, h, `{"action":"list_keys","prefix":"a:","limit":1}`).Decode(&lk))
		assert.Equal(t, []string{"a:1"}, lk.Keys)
		assert.Equal(t, 1, lk.Count)
	})

	t.Run("batch_get", func(t *testing.T) {
		var res BatchGetResult
		require.NoError(t, call(t, h, `{"action":"batch_get","keys":["a:1","nope","a:2"]}`).Decode(&res))
		assert.Equal(t, 2, res.Found)
		assert.Len(t, res.Items, 3)
		assert.Nil(t, res.Items["nope"])
		assert.Equal(t, "a:2", res.Items["a:2"].Key)
	})

	t.Run("search", func(t *testing.T) {
		var res SearchResult
		require.NoError(t, call(t, h, `{"action":"search","query":{"min_relevance":0.5}}`).Decode(&res))
		require.Equal(t, 1, res.Count)
		assert.Equal(t, "a:1", res.Items[0].Key)
	})

	t.Run("health", func(t *testing.T) {
		var hs fusion.HealthStatus
		require.NoError(t, call(t, h, `{"action":"health"}`).Decode(&hs))
		assert.Equal(t, fusion.StatusHealthy, hs.Status)
	})

	t.Run("delete", func(t *testing.T) {
		var res DeleteResult
		require.NoError(t, call(t, h, `{"action":"delete","key":"a:2"}`).Decode(&res))
		assert.True(t, res.Deleted)
		require.NoError(t, call(t, h, `{"action":"delete","key":"a:2"}`).Decode(&res))
		assert.False(t, res.Deleted)
	})
}

func TestHandle_RepositoryFailure(t *testing.T) {
	h, repo, _ := newTestHandler(t)
	repo.FailWith(storage.ErrInjected)

	resp := call(t, h, `{"action":"put","key":"k","item":{"content":"x"}}`)
	assert.False(t, resp.Success)
	assert.Equal(t, ActionPut, resp.Action)
	assert.Contains(t, resp.Err(), "injected failure")
	assert.Equal(t, "null", string(mustMarshal(t, resp.Result)))
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
