package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[Status][]Status{
		Dialing:    {Connecting, Ended, Rejected},
		Connecting: {Ongoing, Ended, Rejected},
		Ongoing:    {Ended},
	}
	all := []Status{Dialing, Connecting, Ongoing, Ended, Rejected}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.True(t, Ended.Terminal())
	assert.True(t, Rejected.Terminal())
	assert.False(t, Ongoing.Terminal())
}

func TestParseTypeAndPeer(t *testing.T) {
	typ, err := ParseType("video")
	assert.NoError(t, err)
	assert.Equal(t, Video, typ)
	_, err = ParseType("screen")
	assert.Error(t, err)

	c := Call{Caller: "a@x.com", Receiver: "b@x.com"}
	assert.Equal(t, "b@x.com", c.Peer("a@x.com"))
	assert.Equal(t, "a@x.com", c.Peer("b@x.com"))
}
