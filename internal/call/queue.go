package call

import (
	"log"
	"sync"
)

// CandidateQueue holds remote candidates until the peer connection has a
// remote description, then applies them in arrival order exactly once.
type CandidateQueue struct {
	callID string
	peer   Peer

	mu      sync.Mutex
	ready   bool
	pending []queued
	seen    map[string]struct{}
}

type queued struct {
	id string
	c  Candidate
}

func NewCandidateQueue(callID string, peer Peer) *CandidateQueue {
	return &CandidateQueue{callID: callID, peer: peer, seen: make(map[string]struct{})}
}

// Push applies c now if the remote description is set, otherwise buffers it.
// A candidate id seen before is dropped.
func (q *CandidateQueue) Push(id string, c Candidate) {
	q.mu.Lock()
	if _, dup := q.seen[id]; dup {
		q.mu.Unlock()
		return
	}
	q.seen[id] = struct{}{}
	if !q.ready {
		q.ready = q.peer.HasRemoteDescription()
	}
	if !q.ready {
		q.pending = append(q.pending, queued{id: id, c: c})
		q.mu.Unlock()
		return
	}
	// Held across apply so a concurrent Ready flush cannot interleave.
	q.apply(id, c)
	q.mu.Unlock()
}

// Ready marks the remote description as set and flushes the buffer.
// Later calls are no-ops.
func (q *CandidateQueue) Ready() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready && len(q.pending) == 0 {
		return
	}
	q.ready = true
	pending := q.pending
	q.pending = nil
	if len(pending) > 0 {
		log.Printf("CALL [%s]: flushing %d queued candidates", q.callID, len(pending))
	}
	for _, p := range pending {
		q.apply(p.id, p.c)
	}
}

// Pending is the number of buffered candidates.
func (q *CandidateQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *CandidateQueue) apply(id string, c Candidate) {
	if err := q.peer.AddCandidate(c); err != nil {
		log.Printf("CALL [%s]: candidate %s rejected: %v", q.callID, id, err)
	}
}
