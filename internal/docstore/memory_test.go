package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func TestMemoryServerTimestamp(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	m.SetClock(func() time.Time { return time.UnixMilli(1_700_000_000_123) })

	ctx := context.Background()
	id, err := m.Add(ctx, "calls", Data{"status": "dialing", "createdAt": ServerTimestamp})
	require.NoError(t, err)

	d, err := m.Get(ctx, "calls", id)
	require.NoError(t, err)
	assert.Equal(t, float64(1_700_000_000_123), d.Data["createdAt"])
	assert.Equal(t, "dialing", d.Data["status"])
}

func TestMemoryUpdateMissing(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	err := m.Update(context.Background(), "calls", "nope", Data{"status": "ended"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateIf(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "calls", "c1", Data{"status": "ended"}))
	err := m.UpdateIf(ctx, "calls", "c1", Expect("status", "dialing", "connecting"), Data{"status": "ongoing"})
	assert.ErrorIs(t, err, ErrConflict)

	d, err := m.Get(ctx, "calls", "c1")
	require.NoError(t, err)
	assert.Equal(t, "ended", d.Data["status"])

	require.NoError(t, m.UpdateIf(ctx, "calls", "c1", Expect("status", "ended"), Data{"endedAt": 5}))
	d, err = m.Get(ctx, "calls", "c1")
	require.NoError(t, err)
	assert.Equal(t, float64(5), d.Data["endedAt"])

	err = m.UpdateIf(ctx, "calls", "nope", Expect("status", "dialing"), Data{"status": "ended"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateMerges(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "calls", "c1", Data{"status": "dialing", "caller": "a@x.com"}))
	require.NoError(t, m.Update(ctx, "calls", "c1", Data{"status": "ongoing"}))

	d, err := m.Get(ctx, "calls", "c1")
	require.NoError(t, err)
	assert.Equal(t, "ongoing", d.Data["status"])
	assert.Equal(t, "a@x.com", d.Data["caller"])
}

func TestMemorySubscribeChanges(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "calls/c1/callerCandidates", "k1", Data{"candidate": "a"}))

	ch, cancel, err := m.Subscribe(Collection("calls/c1/callerCandidates"))
	require.NoError(t, err)
	defer cancel()

	first := next(t, ch)
	require.Len(t, first.Changes, 1)
	assert.Equal(t, Added, first.Changes[0].Type)

	require.NoError(t, m.Set(ctx, "calls/c1/callerCandidates", "k2", Data{"candidate": "b"}))
	s := next(t, ch)
	require.Len(t, s.Changes, 1)
	assert.Equal(t, Added, s.Changes[0].Type)
	assert.Equal(t, "k2", s.Changes[0].Doc.ID)
	assert.Len(t, s.Docs, 2)

	require.NoError(t, m.Delete(ctx, "calls/c1/callerCandidates", "k1"))
	s = next(t, ch)
	require.Len(t, s.Changes, 1)
	assert.Equal(t, Removed, s.Changes[0].Type)
}

func TestMemorySubscribeDocument(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	ch, cancel, err := m.Subscribe(Document("calls", "c1"))
	require.NoError(t, err)
	defer cancel()

	assert.True(t, next(t, ch).Empty())

	require.NoError(t, m.Set(ctx, "calls", "c1", Data{"status": "dialing"}))
	s := next(t, ch)
	require.Len(t, s.Docs, 1)
	assert.Equal(t, "dialing", s.Docs[0].Data["status"])

	// Writes to other documents of the collection do not produce snapshots.
	require.NoError(t, m.Set(ctx, "calls", "c2", Data{"status": "dialing"}))
	require.NoError(t, m.Update(ctx, "calls", "c1", Data{"status": "ended"}))
	s = next(t, ch)
	assert.Equal(t, "ended", s.Docs[0].Data["status"])
	assert.Equal(t, Modified, s.Changes[0].Type)
}

func TestMemorySubscriptionIsLossless(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	ch, cancel, err := m.Subscribe(Collection("log"))
	require.NoError(t, err)
	defer cancel()
	next(t, ch)

	// Nobody reads while these land; every addition must still arrive in order.
	for i := 0; i < 50; i++ {
		require.NoError(t, m.Set(ctx, "log", string(rune('A'+i)), Data{"n": i}))
	}
	for i := 0; i < 50; i++ {
		s := next(t, ch)
		require.Len(t, s.Changes, 1)
		assert.Equal(t, float64(i), s.Changes[0].Doc.Data["n"])
	}
}

func TestMemoryCancelClosesChannel(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ch, cancel, err := m.Subscribe(Collection("calls"))
	require.NoError(t, err)
	cancel()
	cancel()

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())

	_, err := m.Add(context.Background(), "calls", Data{})
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = m.Subscribe(Collection("calls"))
	assert.ErrorIs(t, err, ErrClosed)
}
