package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count,omitempty"`
	Done  bool   `json:"done,omitempty"`
}

func TestMemoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	id, err := m.Create(ctx, "things", testDoc{Name: "first"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var got testDoc
	require.NoError(t, m.Get(ctx, "things", id, &got))
	assert.Equal(t, "first", got.Name)

	err = m.Get(ctx, "things", "missing", &got)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySetMerge(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "things", "a", testDoc{Name: "first", Count: 3}, false))

	// A merge overlays only the fields present in the patch.
	require.NoError(t, m.Set(ctx, "things", "a", map[string]any{"done": true}, true))

	var got testDoc
	require.NoError(t, m.Get(ctx, "things", "a", &got))
	assert.Equal(t, "first", got.Name)
	assert.Equal(t, 3, got.Count)
	assert.True(t, got.Done)

	// A plain Set replaces the document.
	require.NoError(t, m.Set(ctx, "things", "a", testDoc{Name: "second"}, false))
	require.NoError(t, m.Get(ctx, "things", "a", &got))
	assert.Equal(t, "second", got.Name)
	assert.Equal(t, 0, got.Count)
}

func TestMemoryDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "things", "a", testDoc{Name: "first"}, false))
	require.NoError(t, m.Delete(ctx, "things", "a"))
	require.NoError(t, m.Delete(ctx, "things", "a"))
	require.NoError(t, m.Delete(ctx, "nothere", "a"))

	var got testDoc
	assert.ErrorIs(t, m.Get(ctx, "things", "a", &got), ErrNotFound)
}

func TestMemorySubscribeInitialSnapshot(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "things", "a", testDoc{Name: "first"}, false))
	require.NoError(t, m.Set(ctx, "things", "b", testDoc{Name: "second"}, false))

	sub, err := m.Subscribe(ctx, "things")
	require.NoError(t, err)
	defer sub.Close()

	snap := recvSnapshot(t, sub)
	assert.Len(t, snap.Docs, 2)
	require.Len(t, snap.Changes, 2)
	for _, change := range snap.Changes {
		assert.Equal(t, ChangeAdded, change.Kind)
	}
}

func TestMemorySubscribeDeliversChanges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	sub, err := m.Subscribe(ctx, "things")
	require.NoError(t, err)
	defer sub.Close()

	snap := recvSnapshot(t, sub)
	assert.Empty(t, snap.Docs)

	require.NoError(t, m.Set(ctx, "things", "a", testDoc{Name: "first"}, false))
	snap = recvSnapshot(t, sub)
	require.Len(t, snap.Changes, 1)
	assert.Equal(t, ChangeAdded, snap.Changes[0].Kind)
	assert.Equal(t, "a", snap.Changes[0].ID)

	require.NoError(t, m.Set(ctx, "things", "a", testDoc{Name: "updated"}, false))
	snap = recvSnapshot(t, sub)
	require.Len(t, snap.Changes, 1)
	assert.Equal(t, ChangeModified, snap.Changes[0].Kind)

	var doc testDoc
	require.NoError(t, json.Unmarshal(snap.Docs["a"], &doc))
	assert.Equal(t, "updated", doc.Name)

	require.NoError(t, m.Delete(ctx, "things", "a"))
	snap = recvSnapshot(t, sub)
	require.Len(t, snap.Changes, 1)
	assert.Equal(t, ChangeRemoved, snap.Changes[0].Kind)
	assert.Empty(t, snap.Docs)
}

func TestMemorySubscriptionClose(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	sub, err := m.Subscribe(ctx, "things")
	require.NoError(t, err)

	recvSnapshot(t, sub)
	sub.Close()
	sub.Close() // Close is idempotent

	_, open := <-sub.C
	assert.False(t, open)

	// Writes after close must not block or panic.
	require.NoError(t, m.Set(ctx, "things", "a", testDoc{Name: "first"}, false))
}

func TestMemorySnapshotsAreIndependent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	sub, err := m.Subscribe(ctx, "things")
	require.NoError(t, err)
	defer sub.Close()
	recvSnapshot(t, sub)

	require.NoError(t, m.Set(ctx, "things", "a", testDoc{Name: "first"}, false))
	first := recvSnapshot(t, sub)

	require.NoError(t, m.Set(ctx, "things", "b", testDoc{Name: "second"}, false))
	second := recvSnapshot(t, sub)

	// The earlier snapshot must not see the later write.
	assert.Len(t, first.Docs, 1)
	assert.Len(t, second.Docs, 2)
}

func TestRoomCollectionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	sub, err := m.Subscribe(ctx, RoomCollection("room-a"))
	require.NoError(t, err)
	defer sub.Close()
	recvSnapshot(t, sub)

	// A write to another room's collection must not wake this subscriber.
	require.NoError(t, m.Set(ctx, RoomCollection("room-b"), "room-b", testDoc{Name: "other"}, false))
	select {
	case snap := <-sub.C:
		t.Fatalf("received snapshot for an unrelated room: %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, m.Set(ctx, RoomCollection("room-a"), "room-a", testDoc{Name: "mine"}, false))
	snap := recvSnapshot(t, sub)
	assert.Len(t, snap.Docs, 1)
	assert.Contains(t, snap.Docs, "room-a")
}

func recvSnapshot(t *testing.T, sub *Subscription) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.C:
		require.True(t, ok, "subscription closed unexpectedly")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}
