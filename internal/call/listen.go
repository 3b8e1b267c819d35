package call

import (
	"context"
	"log"
	"time"

	"github.com/petervdpas/cove/internal/docstore"
)

// Listen watches for dialing calls addressed to Self until ctx ends or the
// channel is closed. Calling it again replaces the previous listener.
func (c *Channel) Listen(ctx context.Context) error {
	cutoff := c.opts.Now().Add(-c.opts.IncomingWindow).UnixMilli()
	q := docstore.Collection(callsCollection).
		Where("receiver", docstore.Eq, c.opts.Self).
		Where("status", docstore.Eq, string(Dialing)).
		Where("createdAt", docstore.Gt, cutoff).
		Order("createdAt", true).
		First(1)

	ch, cancel, err := c.store.Subscribe(q)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, cancel)
	c.mu.Lock()
	prev := c.listenCancel
	c.listenCancel = func() {
		stop()
		cancel()
	}
	c.mu.Unlock()
	if prev != nil {
		prev()
	}

	go func() {
		for snap := range ch {
			c.discover(snap)
		}
	}()
	log.Printf("CALL: listening for calls to %s", c.opts.Self)
	return nil
}

func (c *Channel) discover(snap docstore.Snapshot) {
	var incoming *Call
	if len(snap.Docs) > 0 {
		call, err := decodeCall(snap.Docs[0])
		if err != nil {
			log.Printf("CALL: %v", err)
		} else {
			incoming = &call
		}
	}
	c.consider(incoming)
}

// consider surfaces incoming as the pending call when nothing else is
// ringing or active. A ringing call keeps its place until its own document
// leaves dialing.
func (c *Channel) consider(incoming *Call) {
	now := c.opts.Now()

	var notices []Notice
	var loser *session
	var ringing *Call

	c.mu.Lock()
	c.latest = incoming
	switch {
	case incoming == nil:
	case c.handled.Contains(incoming.ID):
	case c.pending != nil:
	case now.Sub(time.UnixMilli(incoming.CreatedAt)) > c.opts.IncomingWindow:
		log.Printf("CALL [%s]: ignoring stale call from %s", incoming.ID, incoming.Caller)
	case c.active != nil:
		s := c.active
		if s.role == RoleCaller && !s.answered && s.call.Receiver == incoming.Caller && incoming.Caller < c.opts.Self {
			// Both sides dialed each other: the smaller caller id wins.
			log.Printf("CALL [%s]: glare with %s, yielding to their call %s", s.call.ID, incoming.Caller, incoming.ID)
			loser = s
			c.setPendingLocked(*incoming, now)
			ringing = incoming
			notices = append(notices, Notice{Kind: NoticeIncoming, Call: *incoming})
		}
	default:
		c.setPendingLocked(*incoming, now)
		ringing = incoming
		log.Printf("CALL [%s]: incoming %s call from %s", incoming.ID, incoming.Type, incoming.Caller)
		notices = append(notices, Notice{Kind: NoticeIncoming, Call: *incoming})
	}
	c.mu.Unlock()

	if ringing != nil {
		c.watchPending(ringing.ID)
	}
	if loser != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		_ = c.end(ctx, loser, NoticeEnded, nil)
		cancel()
	}
	for _, n := range notices {
		c.notify(n)
	}
}

// watchPending follows the pending call's own document so a caller who gives
// up is noticed even while a newer call heads the incoming query.
func (c *Channel) watchPending(id string) {
	ch, cancel, err := c.store.Subscribe(docstore.Document(callsCollection, id))
	if err != nil {
		log.Printf("CALL [%s]: watch incoming call: %v", id, err)
		return
	}
	c.mu.Lock()
	if c.pending == nil || c.pending.ID != id {
		c.mu.Unlock()
		cancel()
		return
	}
	c.pendingCancel = cancel
	c.mu.Unlock()

	go func() {
		for snap := range ch {
			if len(snap.Docs) > 0 {
				call, err := decodeCall(snap.Docs[0])
				if err == nil && call.Status == Dialing {
					continue
				}
			}
			c.missPending(id, "caller gave up")
			return
		}
	}()
}

// setPendingLocked records call as the pending incoming call and expires it
// when it leaves the incoming window.
func (c *Channel) setPendingLocked(call Call, now time.Time) {
	cp := call
	c.pending = &cp
	if c.pendingTimer != nil {
		c.pendingTimer.Stop()
	}
	left := time.UnixMilli(call.CreatedAt).Add(c.opts.IncomingWindow).Sub(now)
	if left < 0 {
		left = 0
	}
	c.pendingTimer = time.AfterFunc(left, func() { c.missPending(call.ID, "expired unanswered") })
}

func (c *Channel) clearPendingLocked(id string) {
	if c.pending == nil || c.pending.ID != id {
		return
	}
	c.pending = nil
	if c.pendingTimer != nil {
		c.pendingTimer.Stop()
		c.pendingTimer = nil
	}
	if c.pendingCancel != nil {
		c.pendingCancel()
		c.pendingCancel = nil
	}
}

// missPending drops the pending call id as missed and gives the newest
// waiting call, if any, its turn.
func (c *Channel) missPending(id, why string) {
	c.mu.Lock()
	if c.pending == nil || c.pending.ID != id {
		c.mu.Unlock()
		return
	}
	missed := *c.pending
	c.clearPendingLocked(id)
	c.handled.Add(id)
	next := c.latest
	c.mu.Unlock()

	log.Printf("CALL [%s]: incoming call %s", id, why)
	c.notify(Notice{Kind: NoticeMissed, Call: missed})
	c.consider(next)
}
