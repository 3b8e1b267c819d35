package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petervdpas/cove/internal/docstore"
)

type fakePeer struct {
	id string

	mu      sync.Mutex
	remote  *SessionDescription
	applied []Candidate
	early   int
	closed  bool
	onCand  func(Candidate)
	onTrack func(RemoteTrack)
	onState func(string)
}

func (p *fakePeer) emit(prefix string) {
	p.mu.Lock()
	fn := p.onCand
	p.mu.Unlock()
	if fn == nil {
		return
	}
	for i := 0; i < 2; i++ {
		fn(Candidate{Candidate: fmt.Sprintf("candidate:%s-%s-%d", prefix, p.id, i)})
	}
}

func (p *fakePeer) CreateOffer(context.Context) (SessionDescription, error) {
	p.emit("offer")
	return SessionDescription{SDP: "v=0 offer " + p.id, Type: "offer"}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (SessionDescription, error) {
	p.emit("answer")
	return SessionDescription{SDP: "v=0 answer " + p.id, Type: "answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(d SessionDescription) error {
	p.mu.Lock()
	p.remote = &d
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(RemoteTrack{ID: "audio-" + p.id, Kind: "audio", Codec: "audio/opus"})
		fn(RemoteTrack{ID: "video-" + p.id, Kind: "video", Codec: "video/VP8"})
	}
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePeer) AddCandidate(c Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.early++
		return errors.New("no remote description")
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePeer) OnCandidate(fn func(Candidate)) {
	p.mu.Lock()
	p.onCand = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnRemoteTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionState(fn func(string)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) appliedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.applied)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeMedia struct {
	typ Type

	mu      sync.Mutex
	audioOn bool
	videoOn bool
	stopped bool
}

func (m *fakeMedia) HasAudio() bool { return true }
func (m *fakeMedia) HasVideo() bool { return m.typ == Video }

func (m *fakeMedia) SetAudioEnabled(on bool) {
	m.mu.Lock()
	m.audioOn = on
	m.mu.Unlock()
}

func (m *fakeMedia) SetVideoEnabled(on bool) {
	m.mu.Lock()
	m.videoOn = on
	m.mu.Unlock()
}

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *fakeMedia) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type fakeEngine struct {
	mu       sync.Mutex
	mediaErr error
	medias   []*fakeMedia
	peers    []*fakePeer

	// beforeMedia runs while media is being acquired.
	beforeMedia func()
}

func (e *fakeEngine) OpenMedia(_ context.Context, t Type) (LocalMedia, error) {
	e.mu.Lock()
	hook := e.beforeMedia
	e.mu.Unlock()
	if hook != nil {
		hook()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mediaErr != nil {
		return nil, e.mediaErr
	}
	m := &fakeMedia{typ: t, audioOn: true, videoOn: t == Video}
	e.medias = append(e.medias, m)
	return m, nil
}

func (e *fakeEngine) NewPeer(callID string, _ LocalMedia) (Peer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := &fakePeer{id: fmt.Sprintf("%s#%d", callID, len(e.peers))}
	e.peers = append(e.peers, p)
	return p, nil
}

func (e *fakeEngine) media(i int) *fakeMedia {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.medias) {
		return nil
	}
	return e.medias[i]
}

func (e *fakeEngine) peer(i int) *fakePeer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.peers) {
		return nil
	}
	return e.peers[i]
}

// countingStore tracks how many subscriptions are open.
type countingStore struct {
	docstore.Store
	open atomic.Int32
}

func (s *countingStore) Subscribe(q docstore.Query) (<-chan docstore.Snapshot, func(), error) {
	ch, cancel, err := s.Store.Subscribe(q)
	if err != nil {
		return nil, nil, err
	}
	s.open.Add(1)
	var once sync.Once
	return ch, func() {
		once.Do(func() { s.open.Add(-1) })
		cancel()
	}, nil
}

type noticeLog struct {
	mu   sync.Mutex
	list []Notice
}

func (l *noticeLog) add(n Notice) {
	l.mu.Lock()
	l.list = append(l.list, n)
	l.mu.Unlock()
}

func (l *noticeLog) count(k NoticeKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, x := range l.list {
		if x.Kind == k {
			n++
		}
	}
	return n
}

func (l *noticeLog) has(k NoticeKind) func() bool {
	return func() bool { return l.count(k) > 0 }
}
