package docstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "store.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	id, err := s.Add(ctx, "calls", Data{"status": "dialing", "createdAt": ServerTimestamp})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	d, err := s.Get(ctx, "calls", id)
	require.NoError(t, err)
	assert.Equal(t, "dialing", d.Data["status"])
	assert.IsType(t, float64(0), d.Data["createdAt"])
}

func TestSQLiteQueryMatchesMemory(t *testing.T) {
	s := openTestSQLite(t)
	m := NewMemory()
	defer m.Close()
	seedMessages(t, s, 12)
	seedMessages(t, m, 12)

	q := Collection("contacts/c1/messages").Order("timestamp", false).Last(5)
	ctx := context.Background()
	fromSQL, err := s.Query(ctx, q)
	require.NoError(t, err)
	fromMem, err := m.Query(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, ids(fromMem), ids(fromSQL))
}

func TestSQLiteUpdateAndDelete(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Update(ctx, "calls", "missing", Data{"status": "ended"}), ErrNotFound)

	require.NoError(t, s.Set(ctx, "calls", "c1", Data{"status": "dialing", "caller": "a@x.com"}))
	require.NoError(t, s.Update(ctx, "calls", "c1", Data{"status": "ended", "endedAt": ServerTimestamp}))

	d, err := s.Get(ctx, "calls", "c1")
	require.NoError(t, err)
	assert.Equal(t, "ended", d.Data["status"])
	assert.Equal(t, "a@x.com", d.Data["caller"])
	assert.Contains(t, d.Data, "endedAt")

	err = s.UpdateIf(ctx, "calls", "c1", Expect("status", "dialing"), Data{"status": "ongoing"})
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, s.UpdateIf(ctx, "calls", "c1", Expect("status", "ended"), Data{"note": "kept"}))
	d, err = s.Get(ctx, "calls", "c1")
	require.NoError(t, err)
	assert.Equal(t, "ended", d.Data["status"])
	assert.Equal(t, "kept", d.Data["note"])

	require.NoError(t, s.Delete(ctx, "calls", "c1"))
	_, err = s.Get(ctx, "calls", "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteSubscribe(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	ch, cancel, err := s.Subscribe(Collection("calls").Where("receiver", Eq, "b@x.com"))
	require.NoError(t, err)
	defer cancel()
	assert.True(t, next(t, ch).Empty())

	require.NoError(t, s.Set(ctx, "calls", "c1", Data{"receiver": "b@x.com", "status": "dialing"}))
	snap := next(t, ch)
	require.Len(t, snap.Docs, 1)
	assert.Equal(t, Added, snap.Changes[0].Type)

	require.NoError(t, s.Update(ctx, "calls", "c1", Data{"status": "ended"}))
	snap = next(t, ch)
	assert.Equal(t, Modified, snap.Changes[0].Type)
}
