package statestore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonValue(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	entry, err := s.Set(ctx, "foo", jsonValue(t, "bar"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Version)

	got, err := s.Get(ctx, "foo")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, jsonValue(t, "bar"), got.Value)
}

func TestGetMissingKey(t *testing.T) {
	s := NewInMemoryStore()
	got, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	_, err := s.Set(ctx, "foo", jsonValue(t, "bar"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "foo"))

	got, err := s.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	first, err := s.Set(ctx, "foo", jsonValue(t, 1))
	require.NoError(t, err)
	second, err := s.Set(ctx, "foo", jsonValue(t, 2))
	require.NoError(t, err)

	assert.Less(t, first.Version, second.Version)
	assert.Equal(t, second.Version, s.Version(ctx))
}

func TestTimeTravel(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	_, err := s.Set(ctx, "foo", jsonValue(t, "v1"))
	require.NoError(t, err)
	cutoff := time.Now().UTC()
	time.Sleep(time.Millisecond)
	_, err = s.Set(ctx, "foo", jsonValue(t, "v2"))
	require.NoError(t, err)

	past, err := s.GetAt(ctx, "foo", cutoff)
	require.NoError(t, err)
	require.NotNil(t, past)
	assert.Equal(t, jsonValue(t, "v1"), past.Value)

	now, err := s.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, jsonValue(t, "v2"), now.Value)
}

func TestGetAtBeforeAnyWriteReturnsNil(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	past, err := s.GetAt(ctx, "foo", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Nil(t, past)
}

func TestFork(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	_, err := s.Set(ctx, "foo", jsonValue(t, "before"))
	require.NoError(t, err)

	forkID, err := s.Fork(ctx, "experiment")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, forkID)

	_, err = s.Set(ctx, "foo", jsonValue(t, "after"))
	require.NoError(t, err)

	got, err := s.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, jsonValue(t, "after"), got.Value)
}

func TestMergeForkAppliesNewerVersionsOnly(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	_, err := s.Set(ctx, "foo", jsonValue(t, "v1"))
	require.NoError(t, err)

	forkID, err := s.Fork(ctx, "experiment")
	require.NoError(t, err)

	_, err = s.Set(ctx, "foo", jsonValue(t, "v2-main"))
	require.NoError(t, err)

	require.NoError(t, s.MergeFork(ctx, forkID))

	got, err := s.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, jsonValue(t, "v2-main"), got.Value)
}

func TestMergeUnknownForkErrors(t *testing.T) {
	s := NewInMemoryStore()
	err := s.MergeFork(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestSnapshotExcludesTombstones(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	_, err := s.Set(ctx, "keep", jsonValue(t, "v"))
	require.NoError(t, err)
	_, err = s.Set(ctx, "gone", jsonValue(t, "v"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "gone"))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	_, ok := snap.Entries["keep"]
	assert.True(t, ok)
	_, ok = snap.Entries["gone"]
	assert.False(t, ok)
}

func TestSubscriptionReceivesMatchingEvents(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	sub := s.Subscribe(SubscriptionFilter{KeyPrefix: "users:"})
	defer s.Unsubscribe(sub.ID)

	_, err := s.Set(ctx, "orders:1", jsonValue(t, "x"))
	require.NoError(t, err)
	_, err = s.Set(ctx, "users:1", jsonValue(t, "y"))
	require.NoError(t, err)

	select {
	case ev := <-sub.Events:
		assert.Equal(t, "users:1", ev.Key)
		assert.Equal(t, ChangeCreated, ev.ChangeType)
	case <-time.After(time.Second):
		t.Fatal("expected a matching event")
	}
}
