package call

import "context"

// Peer is one peer connection as the signaling channel drives it.
type Peer interface {
	// CreateOffer and CreateAnswer also install the result as the local description.
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetRemoteDescription(d SessionDescription) error
	HasRemoteDescription() bool
	AddCandidate(c Candidate) error

	// Handlers must be registered before CreateOffer/CreateAnswer.
	OnCandidate(fn func(Candidate))
	OnRemoteTrack(fn func(RemoteTrack))
	OnConnectionState(fn func(state string))

	Close() error
}

// LocalMedia is the captured local tracks owned by one call.
type LocalMedia interface {
	HasAudio() bool
	HasVideo() bool
	SetAudioEnabled(on bool)
	SetVideoEnabled(on bool)
	Stop()
}

// RemoteTrack describes a track the other side is sending.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string
	Codec    string
}

// Engine produces local media and peer connections.
type Engine interface {
	OpenMedia(ctx context.Context, t Type) (LocalMedia, error)
	NewPeer(callID string, media LocalMedia) (Peer, error)
}
