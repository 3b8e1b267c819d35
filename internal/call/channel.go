// Package call places and answers 1:1 audio/video calls. Signaling runs
// entirely through docstore documents: a call document carries the offer,
// answer and status, and two candidate sub-collections carry each side's ICE
// candidates. Media runs over pion/webrtc.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/cove/internal/docstore"
	"github.com/petervdpas/cove/internal/util"
)

const writeTimeout = 10 * time.Second

// Options configures a Channel.
type Options struct {
	// Self is the local identity written as caller/receiver.
	Self           string
	DialTimeout    time.Duration
	IncomingWindow time.Duration
	HandledIDs     int
	Now            func() time.Time
}

func (o *Options) defaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 30 * time.Second
	}
	if o.IncomingWindow <= 0 {
		o.IncomingWindow = 60 * time.Second
	}
	if o.HandledIDs <= 0 {
		o.HandledIDs = 64
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Channel owns the local call session: at most one active call plus at most
// one pending incoming call.
type Channel struct {
	store   docstore.Store
	engine  Engine
	opts    Options
	handled *util.BoundedSet

	mu            sync.Mutex
	active        *session
	pending       *Call
	pendingTimer  *time.Timer
	pendingCancel func()
	latest        *Call
	listenCancel  func()
	handlers      []func(Notice)
}

// session is everything one call owns. Fields are written under Channel.mu
// while the session is open; after closed is set they are only read by
// release.
type session struct {
	call     Call
	role     Role
	written  bool
	closed   bool
	answered bool

	media  LocalMedia
	peer   Peer
	queue  *CandidateQueue
	subs   []func()
	timer  *time.Timer
	remote []RemoteTrack

	audioOn bool
	videoOn bool
}

// advance moves the observed status forward if the table allows it.
func (s *session) advance(to Status) bool {
	if s.call.Status == to || !CanTransition(s.call.Status, to) {
		return false
	}
	s.call.Status = to
	return true
}

func (s *session) release() {
	if s.timer != nil {
		s.timer.Stop()
	}
	for _, cancel := range s.subs {
		cancel()
	}
	if s.peer != nil {
		_ = s.peer.Close()
	}
	if s.media != nil {
		s.media.Stop()
	}
}

func NewChannel(store docstore.Store, engine Engine, opts Options) *Channel {
	opts.defaults()
	return &Channel{
		store:   store,
		engine:  engine,
		opts:    opts,
		handled: util.NewBoundedSet(opts.HandledIDs),
	}
}

// OnNotice registers a handler for call notices. Handlers run on the
// goroutine that raised the notice and must not block.
func (c *Channel) OnNotice(fn func(Notice)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

func (c *Channel) notify(n Notice) {
	c.mu.Lock()
	handlers := make([]func(Notice), len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(n)
	}
}

// bind runs fn under the lock if s is still open.
func (c *Channel) bind(s *session, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.closed {
		return false
	}
	fn()
	return true
}

// Current returns the active call, if any.
func (c *Channel) Current() (Call, Role, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Call{}, RoleNone, false
	}
	return c.active.call, c.active.role, true
}

// Pending returns the incoming call waiting for join or reject.
func (c *Channel) Pending() (Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Call{}, false
	}
	return *c.pending, true
}

// LocalMedia returns the active call's local capture.
func (c *Channel) LocalMedia() LocalMedia {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	return c.active.media
}

// RemoteTracks returns the tracks the other side is sending on the active call.
func (c *Channel) RemoteTracks() []RemoteTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	return append([]RemoteTrack(nil), c.active.remote...)
}

// StartCall dials peer.
func (c *Channel) StartCall(ctx context.Context, peer string, t Type) (Call, error) {
	if peer == "" || peer == c.opts.Self {
		return Call{}, fmt.Errorf("call: invalid peer %q", peer)
	}

	c.mu.Lock()
	if c.active != nil || c.pending != nil {
		c.mu.Unlock()
		return Call{}, ErrCallActive
	}
	s := &session{
		role:    RoleCaller,
		call:    Call{ID: c.store.NewID(), Type: t, Caller: c.opts.Self, Receiver: peer, Status: Dialing},
		audioOn: true,
		videoOn: t == Video,
	}
	c.active = s
	c.mu.Unlock()

	id := s.call.ID
	log.Printf("CALL [%s]: dialing %s (%s)", id, peer, t)

	media, err := c.engine.OpenMedia(ctx, t)
	if err != nil {
		c.abort(s)
		if !errors.Is(err, ErrMediaUnavailable) {
			err = fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		log.Printf("CALL [%s]: %v", id, err)
		return Call{}, err
	}
	if !c.bind(s, func() { s.media = media }) {
		media.Stop()
		return Call{}, ErrNoCall
	}

	if err := c.setupPeer(s); err != nil {
		c.abort(s)
		return Call{}, err
	}

	if err := c.watch(s); err != nil {
		c.abort(s)
		return Call{}, err
	}

	offer, err := s.peer.CreateOffer(ctx)
	if err != nil {
		c.abort(s)
		return Call{}, fmt.Errorf("create offer: %w", err)
	}

	ok := c.bind(s, func() {
		s.call.Offer = &offer
		s.timer = time.AfterFunc(c.opts.DialTimeout, func() { c.dialTimeout(s) })
	})
	if !ok {
		return Call{}, ErrNoCall
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.store.Set(wctx, callsCollection, id, newCallData(s.call)); err != nil {
		log.Printf("CALL [%s]: write call document: %v", id, err)
		c.abort(s)
		return Call{}, fmt.Errorf("write call: %w", err)
	}

	var out Call
	if !c.bind(s, func() {
		s.written = true
		out = s.call
	}) {
		// Hung up while the document was being written.
		_ = c.transition(ctx, id, Ended, docstore.Data{"endedAt": docstore.ServerTimestamp})
		return Call{}, ErrNoCall
	}
	return out, nil
}

// JoinCall answers an incoming call. Any failure after media is requested
// rejects the call.
func (c *Channel) JoinCall(ctx context.Context, incoming Call) error {
	if incoming.ID == "" {
		return ErrNoCall
	}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return ErrCallActive
	}
	s := &session{role: RoleReceiver, call: incoming, audioOn: true, videoOn: incoming.Type == Video}
	c.active = s
	c.clearPendingLocked(incoming.ID)
	c.handled.Add(incoming.ID)
	c.mu.Unlock()

	id := incoming.ID

	// The caller may have hung up while we were deciding.
	fresh, err := c.fetch(ctx, id)
	if err != nil {
		c.abort(s)
		return err
	}
	if fresh.Status != Dialing {
		c.abort(s)
		log.Printf("CALL [%s]: cannot join, status is %s", id, fresh.Status)
		return fmt.Errorf("%w: call is %s", ErrNoCall, fresh.Status)
	}
	c.bind(s, func() { s.call = fresh })

	media, err := c.engine.OpenMedia(ctx, fresh.Type)
	if err != nil {
		if !errors.Is(err, ErrMediaUnavailable) {
			err = fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		c.failJoin(ctx, s, err)
		return err
	}
	if !c.bind(s, func() { s.media = media }) {
		media.Stop()
		return ErrNoCall
	}

	if err := c.setupPeer(s); err != nil {
		c.failJoin(ctx, s, err)
		return err
	}

	// Watch before writing so a hangup from here on ends this session.
	if err := c.watch(s); err != nil {
		c.failJoin(ctx, s, err)
		return err
	}

	if err := c.transition(ctx, id, Connecting, nil); err != nil {
		return c.joinWriteFailed(ctx, s, err)
	}
	if !c.bind(s, func() {
		s.written = true
		s.advance(Connecting)
	}) {
		_ = c.transition(ctx, id, Ended, docstore.Data{"endedAt": docstore.ServerTimestamp})
		return ErrNoCall
	}

	if fresh.Offer == nil {
		err := fmt.Errorf("call %s has no offer", id)
		c.failJoin(ctx, s, err)
		return err
	}
	if err := s.peer.SetRemoteDescription(*fresh.Offer); err != nil {
		err = fmt.Errorf("apply offer: %w", err)
		c.failJoin(ctx, s, err)
		return err
	}
	s.queue.Ready()

	answer, err := s.peer.CreateAnswer(ctx)
	if err != nil {
		err = fmt.Errorf("create answer: %w", err)
		c.failJoin(ctx, s, err)
		return err
	}
	if err := c.transition(ctx, id, Ongoing, docstore.Data{
		"answer": map[string]any{"sdp": answer.SDP, "type": answer.Type},
	}); err != nil {
		return c.joinWriteFailed(ctx, s, err)
	}
	if !c.bind(s, func() {
		s.call.Answer = &answer
		s.advance(Ongoing)
	}) {
		return ErrNoCall
	}
	log.Printf("CALL [%s]: joined call from %s", id, fresh.Caller)
	return nil
}

// joinWriteFailed handles a status write that did not land. A conflict means
// the caller finished the call first.
func (c *Channel) joinWriteFailed(ctx context.Context, s *session, err error) error {
	if errors.Is(err, docstore.ErrConflict) {
		log.Printf("CALL [%s]: caller left before the join completed", s.call.ID)
		c.abort(s)
		return fmt.Errorf("%w: %v", ErrNoCall, err)
	}
	c.failJoin(ctx, s, err)
	return err
}

// RejectCall declines call without acquiring media.
func (c *Channel) RejectCall(ctx context.Context, call Call) error {
	if call.ID == "" {
		return ErrNoCall
	}

	c.mu.Lock()
	c.handled.Add(call.ID)
	c.clearPendingLocked(call.ID)
	var s *session
	if c.active != nil && c.active.call.ID == call.ID {
		s = c.active
		if s.call.Status == Ongoing {
			c.mu.Unlock()
			return c.end(ctx, s, NoticeEnded, nil)
		}
		s.closed = true
		c.active = nil
	}
	c.mu.Unlock()

	if s != nil {
		s.release()
	}
	err := c.transition(ctx, call.ID, Rejected, nil)
	if errors.Is(err, docstore.ErrConflict) {
		log.Printf("CALL [%s]: not rejecting, call already finished", call.ID)
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("CALL [%s]: rejected call from %s", call.ID, call.Caller)
	return nil
}

// EndCall hangs up. It is safe to call in any state.
func (c *Channel) EndCall(ctx context.Context) error {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return c.end(ctx, s, NoticeEnded, nil)
}

// end tears s down and, when the other side has not already finished the
// call, marks the document ended.
func (c *Channel) end(ctx context.Context, s *session, kind NoticeKind, cause error) error {
	c.mu.Lock()
	if s.closed {
		c.mu.Unlock()
		return nil
	}
	s.closed = true
	if c.active == s {
		c.active = nil
	}
	call := s.call
	write := s.written && !call.Status.Terminal()
	c.handled.Add(call.ID)
	c.mu.Unlock()

	s.release()

	var err error
	if write {
		err = c.transition(ctx, call.ID, Ended, docstore.Data{"endedAt": docstore.ServerTimestamp})
		switch {
		case err == nil:
			call.Status = Ended
		case errors.Is(err, docstore.ErrConflict):
			// The other side finished it first.
			err = nil
		}
	}
	log.Printf("CALL [%s]: ended (%s)", call.ID, kind)
	c.notify(Notice{Kind: kind, Call: call, Err: cause})
	return err
}

// abort drops a session whose document was never written.
func (c *Channel) abort(s *session) {
	c.mu.Lock()
	if s.closed {
		c.mu.Unlock()
		return
	}
	s.closed = true
	if c.active == s {
		c.active = nil
	}
	c.mu.Unlock()
	s.release()
}

func (c *Channel) failJoin(ctx context.Context, s *session, err error) {
	log.Printf("CALL [%s]: join failed: %v", s.call.ID, err)
	c.notify(Notice{Kind: NoticeFailed, Call: s.call, Err: err})
	if rerr := c.RejectCall(context.WithoutCancel(ctx), s.call); rerr != nil {
		log.Printf("CALL [%s]: reject after failed join: %v", s.call.ID, rerr)
	}
}

func (c *Channel) dialTimeout(s *session) {
	c.mu.Lock()
	if s.closed || s.answered {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	log.Printf("CALL [%s]: no answer after %s", s.call.ID, c.opts.DialTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = c.end(ctx, s, NoticeNoAnswer, nil)
}

// setupPeer creates the peer connection and routes its local candidates to
// the role's outbound stream.
func (c *Channel) setupPeer(s *session) error {
	id := s.call.ID
	peer, err := c.engine.NewPeer(id, s.media)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	queue := NewCandidateQueue(id, peer)

	collection := docstore.Path(callsCollection, id, s.role.ownCandidates())
	peer.OnCandidate(func(cand Candidate) {
		c.mu.Lock()
		closed := s.closed
		c.mu.Unlock()
		if closed {
			return
		}
		data, err := docstore.ToData(cand)
		if err != nil {
			log.Printf("CALL [%s]: encode candidate: %v", id, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if _, err := c.store.Add(ctx, collection, data); err != nil {
			log.Printf("CALL [%s]: write candidate: %v", id, err)
		}
	})
	peer.OnRemoteTrack(func(rt RemoteTrack) {
		c.bind(s, func() { s.remote = append(s.remote, rt) })
	})
	peer.OnConnectionState(func(state string) {
		if state == "failed" {
			log.Printf("CALL [%s]: ice failed", id)
			c.notify(Notice{Kind: NoticeFailed, Call: s.call, Err: errors.New("ice connection failed")})
		}
	})

	if !c.bind(s, func() {
		s.peer = peer
		s.queue = queue
	}) {
		_ = peer.Close()
		return ErrNoCall
	}
	return nil
}

// watch subscribes to the call document and the other side's candidates.
func (c *Channel) watch(s *session) error {
	id := s.call.ID

	docs, cancelDoc, err := c.store.Subscribe(docstore.Document(callsCollection, id))
	if err != nil {
		return fmt.Errorf("subscribe call: %w", err)
	}
	cands, cancelCands, err := c.store.Subscribe(docstore.Collection(docstore.Path(callsCollection, id, s.role.remoteCandidates())))
	if err != nil {
		cancelDoc()
		return fmt.Errorf("subscribe candidates: %w", err)
	}
	if !c.bind(s, func() { s.subs = append(s.subs, cancelDoc, cancelCands) }) {
		cancelDoc()
		cancelCands()
		return ErrNoCall
	}

	go func() {
		for snap := range docs {
			if len(snap.Docs) == 0 {
				continue
			}
			next, err := decodeCall(snap.Docs[0])
			if err != nil {
				log.Printf("CALL [%s]: %v", id, err)
				continue
			}
			c.observe(s, next)
		}
	}()
	go func() {
		for snap := range cands {
			for _, ch := range snap.Changes {
				if ch.Type != docstore.Added {
					continue
				}
				cand, err := decodeCandidate(ch.Doc)
				if err != nil {
					log.Printf("CALL [%s]: %v", id, err)
					continue
				}
				s.queue.Push(ch.Doc.ID, cand)
			}
		}
	}()
	return nil
}

// observe reacts to a new version of the active call document.
func (c *Channel) observe(s *session, next Call) {
	c.mu.Lock()
	if s.closed {
		c.mu.Unlock()
		return
	}
	if next.Status != s.call.Status && !s.advance(next.Status) {
		log.Printf("CALL [%s]: ignoring transition %s -> %s", s.call.ID, s.call.Status, next.Status)
	}
	if next.EndedAt != 0 {
		s.call.EndedAt = next.EndedAt
	}

	var applyAnswer *SessionDescription
	if s.role == RoleCaller && next.Answer != nil && !s.answered && !s.peer.HasRemoteDescription() {
		s.answered = true
		s.call.Answer = next.Answer
		if s.timer != nil {
			s.timer.Stop()
		}
		applyAnswer = next.Answer
	}
	status := s.call.Status
	call := s.call
	c.mu.Unlock()

	if applyAnswer != nil {
		if err := s.peer.SetRemoteDescription(*applyAnswer); err != nil {
			log.Printf("CALL [%s]: apply answer: %v", call.ID, err)
			c.notify(Notice{Kind: NoticeFailed, Call: call, Err: err})
		} else {
			s.queue.Ready()
			log.Printf("CALL [%s]: answered by %s", call.ID, call.Receiver)
			c.notify(Notice{Kind: NoticeAnswered, Call: call})
		}
	}

	switch status {
	case Ended:
		_ = c.end(context.Background(), s, NoticeEnded, nil)
	case Rejected:
		_ = c.end(context.Background(), s, NoticeRejected, nil)
	}
}

// ToggleAudio flips local audio. Returns the new muted state (true = muted).
func (c *Channel) ToggleAudio() (bool, error) {
	c.mu.Lock()
	s := c.active
	if s == nil || s.media == nil {
		c.mu.Unlock()
		return false, ErrNoCall
	}
	s.audioOn = !s.audioOn
	on, media, id := s.audioOn, s.media, s.call.ID
	c.mu.Unlock()

	media.SetAudioEnabled(on)
	log.Printf("CALL [%s]: audio muted=%v", id, !on)
	return !on, nil
}

// ToggleVideo flips local video. Returns the new disabled state (true = disabled).
func (c *Channel) ToggleVideo() (bool, error) {
	c.mu.Lock()
	s := c.active
	if s == nil || s.media == nil {
		c.mu.Unlock()
		return false, ErrNoCall
	}
	s.videoOn = !s.videoOn
	on, media, id := s.videoOn, s.media, s.call.ID
	c.mu.Unlock()

	media.SetVideoEnabled(on)
	log.Printf("CALL [%s]: video disabled=%v", id, !on)
	return !on, nil
}

// Close stops listening and hangs up.
func (c *Channel) Close() error {
	c.mu.Lock()
	cancel := c.listenCancel
	c.listenCancel = nil
	if c.pending != nil {
		c.clearPendingLocked(c.pending.ID)
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	ctx, done := context.WithTimeout(context.Background(), writeTimeout)
	defer done()
	return c.EndCall(ctx)
}

func (c *Channel) fetch(ctx context.Context, id string) (Call, error) {
	d, err := c.store.Get(ctx, callsCollection, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Call{}, fmt.Errorf("%w: %s", ErrNoCall, id)
		}
		return Call{}, err
	}
	return decodeCall(d)
}

// transition writes status to plus fields, but only while the stored status
// can still move to it. docstore.ErrConflict means it no longer can.
func (c *Channel) transition(ctx context.Context, id string, to Status, fields docstore.Data) error {
	data := docstore.Data{"status": string(to)}
	for k, v := range fields {
		data[k] = v
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.store.UpdateIf(wctx, callsCollection, id, docstore.Expect("status", sources(to)...), data); err != nil {
		log.Printf("CALL [%s]: update %s: %v", id, to, err)
		return fmt.Errorf("update call %s: %w", id, err)
	}
	return nil
}
