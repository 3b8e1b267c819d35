package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueBuffersUntilReady(t *testing.T) {
	peer := &fakePeer{id: "p"}
	q := NewCandidateQueue("c1", peer)

	q.Push("x1", Candidate{Candidate: "one"})
	q.Push("x2", Candidate{Candidate: "two"})
	q.Push("x1", Candidate{Candidate: "one"})
	assert.Equal(t, 2, q.Pending())
	assert.Zero(t, peer.appliedCount())

	_ = peer.SetRemoteDescription(SessionDescription{SDP: "v=0", Type: "answer"})
	q.Ready()
	q.Ready()
	q.Push("x3", Candidate{Candidate: "three"})
	q.Push("x2", Candidate{Candidate: "two"})

	var got []string
	for _, c := range peer.applied {
		got = append(got, c.Candidate)
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
	assert.Zero(t, peer.early)
	assert.Zero(t, q.Pending())
}

func TestQueueAppliesImmediatelyWithRemoteDescription(t *testing.T) {
	peer := &fakePeer{id: "p"}
	_ = peer.SetRemoteDescription(SessionDescription{SDP: "v=0", Type: "offer"})
	q := NewCandidateQueue("c1", peer)

	q.Push("x1", Candidate{Candidate: "one"})
	assert.Equal(t, 1, peer.appliedCount())
	assert.Zero(t, q.Pending())
}
