package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/queue"
	"memory-fusion-hub/pkg/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewStore(Options{URL: "redis://" + mr.Addr() + "/0", Topic: "repl"}, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PublishConsumeAck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConsumerGroup(ctx, "followers"))
	require.NoError(t, s.CreateConsumerGroup(ctx, "followers"), "existing group is not an error")

	created := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	id, err := s.Publish(ctx, &queue.Message{
		EventType: model.EventCreate,
		Key:       "k1",
		Payload:   []byte(`{"type":"memory_item","data":{"key":"k1"}}`),
		Origin:    "hub-a",
		CreatedAt: created,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = s.Publish(ctx, &queue.Message{EventType: model.EventDelete, Key: "k1", Origin: "hub-a"})
	require.NoError(t, err)

	n, err := s.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	msgs, err := s.Consume(ctx, "followers", "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, model.EventCreate, msgs[0].EventType)
	assert.Equal(t, "hub-a", msgs[0].Origin)
	assert.Equal(t, created, msgs[0].CreatedAt)
	rec, err := msgs[0].Record()
	require.NoError(t, err)
	assert.Equal(t, "k1", rec.RecordKey())

	assert.Equal(t, model.EventDelete, msgs[1].EventType)
	assert.Empty(t, msgs[1].Payload)

	pending, err := s.Pending(ctx, "followers")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	require.NoError(t, s.Ack(ctx, "followers", msgs[0].ID, msgs[1].ID))
	pending, err = s.Pending(ctx, "followers")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestStore_ConsumeEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConsumerGroup(ctx, "g"))

	msgs, err := s.Consume(ctx, "g", "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NoError(t, s.Ack(ctx, "g"))
}

func TestStore_Defaults(t *testing.T) {
	s := NewStoreFromClient(nil, Options{}, nil)
	assert.Equal(t, queue.DefaultTopic, s.Topic())

	_, err := NewStore(Options{URL: "not-a-url"}, nil)
	assert.Error(t, err)
}

func TestMemoryQueue_GroupsAreIndependent(t *testing.T) {
	q := queue.NewMemoryQueue("")
	ctx := context.Background()

	_, err := q.Consume(ctx, "missing", "c", 1, 0)
	assert.Error(t, err)

	require.NoError(t, q.CreateConsumerGroup(ctx, "a"))
	require.NoError(t, q.CreateConsumerGroup(ctx, "b"))
	for _, k := range []string{"k1", "k2", "k3"} {
		_, err := q.Publish(ctx, &queue.Message{EventType: model.EventUpdate, Key: k})
		require.NoError(t, err)
	}

	first, err := q.Consume(ctx, "a", "c", 2, 0)
	require.NoError(t, err)
	assert.Len(t, first, 2)
	rest, err := q.Consume(ctx, "a", "c", 0, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "k3", rest[0].Key)

	all, err := q.Consume(ctx, "b", "c", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, q.Ack(ctx, "a", first[0].ID))
	pending, _ := q.Pending(ctx, "a")
	assert.Equal(t, int64(2), pending)
}
