package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/cove/internal/docstore"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type pair struct {
	store  *countingStore
	a, b   *Channel
	ae, be *fakeEngine
	an, bn *noticeLog
}

func newPair(t *testing.T, opts Options) *pair {
	t.Helper()
	mem := docstore.NewMemory()
	p := &pair{
		store: &countingStore{Store: mem},
		ae:    &fakeEngine{},
		be:    &fakeEngine{},
		an:    &noticeLog{},
		bn:    &noticeLog{},
	}
	ao, bo := opts, opts
	ao.Self, bo.Self = "a@x.com", "b@x.com"
	p.a = NewChannel(p.store, p.ae, ao)
	p.b = NewChannel(p.store, p.be, bo)
	p.a.OnNotice(p.an.add)
	p.b.OnNotice(p.bn.add)
	t.Cleanup(func() {
		p.a.Close()
		p.b.Close()
		mem.Close()
	})
	return p
}

func (p *pair) doc(t *testing.T, id string) Call {
	t.Helper()
	d, err := p.store.Get(context.Background(), callsCollection, id)
	require.NoError(t, err)
	c, err := decodeCall(d)
	require.NoError(t, err)
	return c
}

func (p *pair) incoming(t *testing.T, ch *Channel) Call {
	t.Helper()
	require.Eventually(t, func() bool { _, ok := ch.Pending(); return ok }, waitFor, tick)
	c, _ := ch.Pending()
	return c
}

func TestJoinReachesOngoingWithStreams(t *testing.T) {
	p := newPair(t, Options{})
	ctx := context.Background()
	require.NoError(t, p.b.Listen(ctx))

	placed, err := p.a.StartCall(ctx, "b@x.com", Video)
	require.NoError(t, err)
	assert.Equal(t, Dialing, placed.Status)
	assert.NotNil(t, placed.Offer)

	in := p.incoming(t, p.b)
	assert.Equal(t, placed.ID, in.ID)
	assert.Equal(t, 1, p.bn.count(NoticeIncoming))

	require.NoError(t, p.b.JoinCall(ctx, in))

	require.Eventually(t, func() bool {
		c, role, ok := p.a.Current()
		return ok && role == RoleCaller && c.Status == Ongoing
	}, waitFor, tick)
	c, role, ok := p.b.Current()
	require.True(t, ok)
	assert.Equal(t, RoleReceiver, role)
	assert.Equal(t, Ongoing, c.Status)

	stored := p.doc(t, placed.ID)
	assert.Equal(t, Ongoing, stored.Status)
	require.NotNil(t, stored.Answer)
	assert.Equal(t, "answer", stored.Answer.Type)

	assert.NotNil(t, p.a.LocalMedia())
	assert.NotNil(t, p.b.LocalMedia())
	require.Eventually(t, func() bool { return len(p.a.RemoteTracks()) == 2 }, waitFor, tick)
	assert.Len(t, p.b.RemoteTracks(), 2)
	assert.Eventually(t, p.an.has(NoticeAnswered), waitFor, tick)

	// Each side emitted two candidates; each applied the other's, never early.
	require.Eventually(t, func() bool { return p.ae.peer(0).appliedCount() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return p.be.peer(0).appliedCount() == 2 }, waitFor, tick)
	assert.Zero(t, p.ae.peer(0).early)
	assert.Zero(t, p.be.peer(0).early)

	// The dial timer was cancelled by the answer.
	time.Sleep(10 * time.Millisecond)
	_, _, ok = p.a.Current()
	assert.True(t, ok)
}

func TestRejectEndsCaller(t *testing.T) {
	p := newPair(t, Options{})
	ctx := context.Background()
	require.NoError(t, p.b.Listen(ctx))

	placed, err := p.a.StartCall(ctx, "b@x.com", Video)
	require.NoError(t, err)
	in := p.incoming(t, p.b)

	require.NoError(t, p.b.RejectCall(ctx, in))
	assert.Nil(t, p.be.media(0), "reject must not acquire media")

	require.Eventually(t, func() bool { _, _, ok := p.a.Current(); return !ok }, waitFor, tick)
	assert.True(t, p.ae.media(0).isStopped())
	assert.True(t, p.ae.peer(0).isClosed())
	assert.Eventually(t, p.an.has(NoticeRejected), waitFor, tick)

	// The rejected document stays rejected: the caller does not overwrite it.
	assert.Equal(t, Rejected, p.doc(t, placed.ID).Status)
	_, ok := p.b.Pending()
	assert.False(t, ok)
}

func TestDialTimeoutEndsAndReleases(t *testing.T) {
	p := newPair(t, Options{DialTimeout: 150 * time.Millisecond})
	ctx := context.Background()

	placed, err := p.a.StartCall(ctx, "b@x.com", Audio)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.store.open.Load())

	require.Eventually(t, p.an.has(NoticeNoAnswer), waitFor, tick)
	_, _, ok := p.a.Current()
	assert.False(t, ok)

	stored := p.doc(t, placed.ID)
	assert.Equal(t, Ended, stored.Status)
	assert.NotZero(t, stored.EndedAt)
	assert.True(t, p.ae.media(0).isStopped())
	assert.True(t, p.ae.peer(0).isClosed())
	assert.Equal(t, int32(0), p.store.open.Load())
}

func TestCallerHangupSurfacesMissed(t *testing.T) {
	p := newPair(t, Options{})
	ctx := context.Background()
	require.NoError(t, p.b.Listen(ctx))

	placed, err := p.a.StartCall(ctx, "b@x.com", Audio)
	require.NoError(t, err)
	p.incoming(t, p.b)

	require.NoError(t, p.a.EndCall(ctx))
	assert.Equal(t, Ended, p.doc(t, placed.ID).Status)

	require.Eventually(t, p.bn.has(NoticeMissed), waitFor, tick)
	_, ok := p.b.Pending()
	assert.False(t, ok)

	// Ending again is harmless.
	require.NoError(t, p.a.EndCall(ctx))
	assert.Equal(t, 1, p.an.count(NoticeEnded))
}

func TestStartRefusedWhileBusy(t *testing.T) {
	p := newPair(t, Options{})
	ctx := context.Background()

	_, err := p.a.StartCall(ctx, "b@x.com", Audio)
	require.NoError(t, err)
	_, err = p.a.StartCall(ctx, "c@x.com", Audio)
	assert.ErrorIs(t, err, ErrCallActive)

	// A pending incoming call also blocks dialing out.
	require.NoError(t, p.b.Listen(ctx))
	p.incoming(t, p.b)
	_, err = p.b.StartCall(ctx, "c@x.com", Audio)
	assert.ErrorIs(t, err, ErrCallActive)
}

func TestMediaFailureCleansUp(t *testing.T) {
	p := newPair(t, Options{})
	ctx := context.Background()
	p.ae.mediaErr = errors.New("camera busy")

	_, err := p.a.StartCall(ctx, "b@x.com", Video)
	require.ErrorIs(t, err, ErrMediaUnavailable)
	_, _, ok := p.a.Current()
	assert.False(t, ok)
	assert.Equal(t, int32(0), p.store.open.Load())

	docs, err := p.store.Query(ctx, docstore.Collection(callsCollection))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestJoinMediaFailureRejects(t *testing.T) {
	p := newPair(t, Options{})
	ctx := context.Background()
	require.NoError(t, p.b.Listen(ctx))
	p.be.mediaErr = ErrMediaUnavailable

	placed, err := p.a.StartCall(ctx, "b@x.com", Video)
	require.NoError(t, err)
	in := p.incoming(t, p.b)

	err = p.b.JoinCall(ctx, in)
	require.ErrorIs(t, err, ErrMediaUnavailable)
	assert.Equal(t, Rejected, p.doc(t, placed.ID).Status)
	assert.Equal(t, 1, p.bn.count(NoticeFailed))
	require.Eventually(t, func() bool { _, _, ok := p.a.Current(); return !ok }, waitFor, tick)
}

func TestHangupDuringJoinKeepsCallEnded(t *testing.T) {
	p := newPair(t, Options{})
	ctx := context.Background()
	require.NoError(t, p.b.Listen(ctx))

	placed, err := p.a.StartCall(ctx, "b@x.com", Video)
	require.NoError(t, err)
	in := p.incoming(t, p.b)

	p.be.beforeMedia = func() { assert.NoError(t, p.a.EndCall(ctx)) }
	err = p.b.JoinCall(ctx, in)
	require.ErrorIs(t, err, ErrNoCall)

	stored := p.doc(t, placed.ID)
	assert.Equal(t, Ended, stored.Status)
	assert.Nil(t, stored.Answer)

	require.Eventually(t, func() bool { _, _, ok := p.b.Current(); return !ok }, waitFor, tick)
	assert.True(t, p.be.media(0).isStopped())
	assert.True(t, p.be.peer(0).isClosed())
	assert.Zero(t, p.bn.count(NoticeFailed))
}

func TestHangupBeforeRejectKeepsCallEnded(t *testing.T) {
	p := newPair(t, Options{})
	ctx := context.Background()
	require.NoError(t, p.b.Listen(ctx))

	placed, err := p.a.StartCall(ctx, "b@x.com", Audio)
	require.NoError(t, err)
	in := p.incoming(t, p.b)

	require.NoError(t, p.a.EndCall(ctx))
	// The receiver still holds the dialing copy it was shown.
	require.NoError(t, p.b.RejectCall(ctx, in))
	assert.Equal(t, Ended, p.doc(t, placed.ID).Status)
}

func TestJoinFailureAfterHangupKeepsCallEnded(t *testing.T) {
	p := newPair(t, Options{})
	ctx := context.Background()
	require.NoError(t, p.b.Listen(ctx))

	placed, err := p.a.StartCall(ctx, "b@x.com", Video)
	require.NoError(t, err)
	in := p.incoming(t, p.b)

	p.be.mediaErr = ErrMediaUnavailable
	p.be.beforeMedia = func() { assert.NoError(t, p.a.EndCall(ctx)) }
	err = p.b.JoinCall(ctx, in)
	require.ErrorIs(t, err, ErrMediaUnavailable)
	assert.Equal(t, Ended, p.doc(t, placed.ID).Status)
}

func TestSecondCallerWaitsWhileRinging(t *testing.T) {
	p := newPair(t, Options{})
	ctx := context.Background()
	third := NewChannel(p.store, &fakeEngine{}, Options{Self: "c@x.com"})
	t.Cleanup(func() { third.Close() })
	require.NoError(t, p.b.Listen(ctx))

	fromA, err := p.a.StartCall(ctx, "b@x.com", Audio)
	require.NoError(t, err)
	in := p.incoming(t, p.b)
	require.Equal(t, fromA.ID, in.ID)

	fromC, err := third.StartCall(ctx, "b@x.com", Audio)
	require.NoError(t, err)

	// The ringing call keeps its place and is not reported missed.
	assert.Never(t, func() bool {
		c, ok := p.b.Pending()
		return !ok || c.ID != fromA.ID || p.bn.count(NoticeMissed) > 0
	}, 100*time.Millisecond, tick)
	assert.Equal(t, Dialing, p.doc(t, fromA.ID).Status)

	// Once a gives up, c's call rings.
	require.NoError(t, p.a.EndCall(ctx))
	require.Eventually(t, func() bool { return p.bn.count(NoticeMissed) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		c, ok := p.b.Pending()
		return ok && c.ID == fromC.ID
	}, waitFor, tick)
	assert.Equal(t, 2, p.bn.count(NoticeIncoming))
}

func TestHandledCallIsNotResurfaced(t *testing.T) {
	p := newPair(t, Options{})
	ctx := context.Background()
	require.NoError(t, p.b.Listen(ctx))

	_, err := p.a.StartCall(ctx, "b@x.com", Audio)
	require.NoError(t, err)
	in := p.incoming(t, p.b)
	require.NoError(t, p.b.RejectCall(ctx, in))

	// A duplicate snapshot of the same dialing document is ignored.
	data, err := docstore.ToData(in)
	require.NoError(t, err)
	p.b.discover(docstore.Snapshot{Docs: []*docstore.Doc{{ID: in.ID, Collection: callsCollection, Data: data}}})
	_, ok := p.b.Pending()
	assert.False(t, ok)
	assert.Equal(t, 1, p.bn.count(NoticeIncoming))
}

func TestStaleCallIgnored(t *testing.T) {
	p := newPair(t, Options{})
	old := Call{
		ID:        "c-old",
		Type:      Audio,
		Caller:    "a@x.com",
		Receiver:  "b@x.com",
		Status:    Dialing,
		CreatedAt: time.Now().Add(-2 * time.Minute).UnixMilli(),
	}
	data, err := docstore.ToData(old)
	require.NoError(t, err)

	p.b.discover(docstore.Snapshot{Docs: []*docstore.Doc{{ID: old.ID, Collection: callsCollection, Data: data}}})
	_, ok := p.b.Pending()
	assert.False(t, ok)
	assert.Zero(t, p.bn.count(NoticeIncoming))
}

func TestGlareSmallerCallerWins(t *testing.T) {
	p := newPair(t, Options{})
	ctx := context.Background()

	fromA, err := p.a.StartCall(ctx, "b@x.com", Video)
	require.NoError(t, err)
	fromB, err := p.b.StartCall(ctx, "a@x.com", Video)
	require.NoError(t, err)

	require.NoError(t, p.a.Listen(ctx))
	require.NoError(t, p.b.Listen(ctx))

	// b@x.com yields to a@x.com.
	in := p.incoming(t, p.b)
	assert.Equal(t, fromA.ID, in.ID)
	require.Eventually(t, func() bool { return p.doc(t, fromB.ID).Status == Ended }, waitFor, tick)

	c, role, ok := p.a.Current()
	require.True(t, ok)
	assert.Equal(t, RoleCaller, role)
	assert.Equal(t, fromA.ID, c.ID)
	_, ok = p.a.Pending()
	assert.False(t, ok)

	require.NoError(t, p.b.JoinCall(ctx, in))
	require.Eventually(t, func() bool {
		c, _, ok := p.a.Current()
		return ok && c.Status == Ongoing
	}, waitFor, tick)
}

func TestToggleMedia(t *testing.T) {
	p := newPair(t, Options{})
	ctx := context.Background()

	_, err := p.a.ToggleAudio()
	assert.ErrorIs(t, err, ErrNoCall)

	_, err = p.a.StartCall(ctx, "b@x.com", Video)
	require.NoError(t, err)

	muted, err := p.a.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, muted)
	disabled, err := p.a.ToggleVideo()
	require.NoError(t, err)
	assert.True(t, disabled)

	m := p.ae.media(0)
	m.mu.Lock()
	assert.False(t, m.audioOn)
	assert.False(t, m.videoOn)
	m.mu.Unlock()

	muted, err = p.a.ToggleAudio()
	require.NoError(t, err)
	assert.False(t, muted)
}

func TestEndCallWithoutCall(t *testing.T) {
	p := newPair(t, Options{})
	assert.NoError(t, p.a.EndCall(context.Background()))
	assert.Zero(t, p.an.count(NoticeEnded))
}
