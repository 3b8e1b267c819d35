package call

import (
	"errors"
	"fmt"
)

var (
	ErrCallActive       = errors.New("call: a call is already active or pending")
	ErrMediaUnavailable = errors.New("call: local media unavailable")
	ErrNoCall           = errors.New("call: no such call")
)

// Type is the media kind a call was placed with.
type Type string

const (
	Audio Type = "audio"
	Video Type = "video"
)

func ParseType(s string) (Type, error) {
	switch Type(s) {
	case Audio, Video:
		return Type(s), nil
	}
	return "", fmt.Errorf("call: unknown type %q", s)
}

// Status is the lifecycle state stored on the call document.
type Status string

const (
	Dialing    Status = "dialing"
	Connecting Status = "connecting"
	Ongoing    Status = "ongoing"
	Ended      Status = "ended"
	Rejected   Status = "rejected"
)

var transitions = map[Status][]Status{
	Dialing:    {Connecting, Ended, Rejected},
	Connecting: {Ongoing, Ended, Rejected},
	Ongoing:    {Ended},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == Ended || s == Rejected }

func (s Status) Valid() bool {
	switch s {
	case Dialing, Connecting, Ongoing, Ended, Rejected:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a forward move. Staying in the
// same state is not a transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sources lists, as stored values, the statuses that may move to to.
func sources(to Status) []any {
	var out []any
	for _, from := range []Status{Dialing, Connecting, Ongoing} {
		if CanTransition(from, to) {
			out = append(out, string(from))
		}
	}
	return out
}

// SessionDescription is an SDP offer or answer as stored on the call document.
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Candidate is the raw ICE candidate payload written to a candidate stream.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Call is the decoded call document.
type Call struct {
	ID        string              `json:"-"`
	Type      Type                `json:"type"`
	Caller    string              `json:"caller"`
	Receiver  string              `json:"receiver"`
	Status    Status              `json:"status"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	CreatedAt int64               `json:"createdAt,omitempty"`
	EndedAt   int64               `json:"endedAt,omitempty"`
}

// Peer returns the other participant as seen from self.
func (c Call) Peer(self string) string {
	if c.Caller == self {
		return c.Receiver
	}
	return c.Caller
}

// Role is which side of a call the local session is on.
type Role int

const (
	RoleNone Role = iota
	RoleCaller
	RoleReceiver
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleReceiver:
		return "receiver"
	}
	return "none"
}

// ownCandidates is the stream a role writes its local candidates to.
func (r Role) ownCandidates() string {
	if r == RoleCaller {
		return "callerCandidates"
	}
	return "receiverCandidates"
}

// remoteCandidates is the stream a role reads the other side's candidates from.
func (r Role) remoteCandidates() string {
	if r == RoleCaller {
		return "receiverCandidates"
	}
	return "callerCandidates"
}

// NoticeKind classifies what a Notice reports.
type NoticeKind string

const (
	NoticeIncoming NoticeKind = "incoming"
	NoticeMissed   NoticeKind = "missed"
	NoticeNoAnswer NoticeKind = "no-answer"
	NoticeAnswered NoticeKind = "answered"
	NoticeEnded    NoticeKind = "ended"
	NoticeRejected NoticeKind = "rejected"
	NoticeFailed   NoticeKind = "failed"
)

// Notice is a user-facing event raised by the channel.
type Notice struct {
	Kind NoticeKind
	Call Call
	Err  error
}
