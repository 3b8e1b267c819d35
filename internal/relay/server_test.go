package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/cove/internal/docstore"
)

func startRelay(t *testing.T, tokenHash string) (*Server, *docstore.Memory) {
	t.Helper()
	store := docstore.NewMemory()
	srv := New(store, "127.0.0.1:0", tokenHash)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		store.Close()
	})
	require.NoError(t, srv.Start(ctx))
	return srv, store
}

func dial(t *testing.T, url, token string) *docstore.Remote {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := docstore.DialRemote(ctx, url, token)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestHealthz(t *testing.T) {
	srv := New(docstore.NewMemory(), "", "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRelaySharesWritesAndPushes(t *testing.T) {
	srv, _ := startRelay(t, "")
	alice := dial(t, srv.URL(), "")
	bob := dial(t, srv.URL(), "")
	ctx := context.Background()

	ch, cancel, err := bob.Subscribe(docstore.Collection("calls").Where("receiver", docstore.Eq, "b@x.com"))
	require.NoError(t, err)
	defer cancel()

	select {
	case s := <-ch:
		assert.True(t, s.Empty())
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	id, err := alice.Add(ctx, "calls", docstore.Data{
		"receiver":  "b@x.com",
		"status":    "dialing",
		"createdAt": docstore.ServerTimestamp,
	})
	require.NoError(t, err)

	select {
	case s := <-ch:
		require.Len(t, s.Docs, 1)
		assert.Equal(t, id, s.Docs[0].ID)
		assert.Equal(t, docstore.Added, s.Changes[0].Type)
		assert.IsType(t, float64(0), s.Docs[0].Data["createdAt"])
	case <-time.After(2 * time.Second):
		t.Fatal("no push after write")
	}

	d, err := bob.Get(ctx, "calls", id)
	require.NoError(t, err)
	assert.Equal(t, "dialing", d.Data["status"])
}

func TestRelayKeepsNotFound(t *testing.T) {
	srv, _ := startRelay(t, "")
	r := dial(t, srv.URL(), "")

	err := r.Update(context.Background(), "calls", "missing", docstore.Data{"status": "ended"})
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	_, err = r.Get(context.Background(), "calls", "missing")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestRelayGuardedUpdate(t *testing.T) {
	srv, store := startRelay(t, "")
	r := dial(t, srv.URL(), "")
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "calls", "c1", docstore.Data{"status": "rejected"}))
	err := r.UpdateIf(ctx, "calls", "c1", docstore.Expect("status", "dialing"), docstore.Data{"status": "connecting"})
	assert.ErrorIs(t, err, docstore.ErrConflict)

	require.NoError(t, r.UpdateIf(ctx, "calls", "c1", docstore.Expect("status", "rejected"), docstore.Data{"seen": true}))
	d, err := store.Get(ctx, "calls", "c1")
	require.NoError(t, err)
	assert.Equal(t, "rejected", d.Data["status"])
	assert.Equal(t, true, d.Data["seen"])
}

func TestRelayRequiresToken(t *testing.T) {
	hash, err := HashToken("s3cret")
	require.NoError(t, err)
	srv, _ := startRelay(t, hash)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = docstore.DialRemote(ctx, srv.URL(), "wrong")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "401"), err.Error())

	r := dial(t, srv.URL(), "s3cret")
	_, err = r.Add(context.Background(), "calls", docstore.Data{"status": "dialing"})
	assert.NoError(t, err)
}

func TestRelayUnsubscribeStopsPushes(t *testing.T) {
	srv, store := startRelay(t, "")
	r := dial(t, srv.URL(), "")

	ch, cancel, err := r.Subscribe(docstore.Collection("calls"))
	require.NoError(t, err)
	<-ch
	cancel()

	require.NoError(t, store.Set(context.Background(), "calls", "c1", docstore.Data{"status": "dialing"}))
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
