package call

import (
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// localTrack is one captured track and, once added to a peer connection,
// the sender carrying it.
type localTrack struct {
	kind    webrtc.RTPCodecType
	track   webrtc.TrackLocal
	close   func() error
	sender  *webrtc.RTPSender
	enabled bool
}

// pionMedia is LocalMedia backed by pion tracks. An empty track list is a
// receive-only session.
type pionMedia struct {
	callID string
	typ    Type

	mu      sync.Mutex
	tracks  []*localTrack
	stopped bool
}

func newPionMedia(callID string, typ Type, tracks []*localTrack) *pionMedia {
	for _, t := range tracks {
		t.enabled = true
	}
	return &pionMedia{callID: callID, typ: typ, tracks: tracks}
}

func (m *pionMedia) has(kind webrtc.RTPCodecType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tracks {
		if t.kind == kind {
			return true
		}
	}
	return false
}

func (m *pionMedia) HasAudio() bool { return m.has(webrtc.RTPCodecTypeAudio) }
func (m *pionMedia) HasVideo() bool { return m.has(webrtc.RTPCodecTypeVideo) }

func (m *pionMedia) SetAudioEnabled(on bool) { m.setEnabled(webrtc.RTPCodecTypeAudio, on) }
func (m *pionMedia) SetVideoEnabled(on bool) { m.setEnabled(webrtc.RTPCodecTypeVideo, on) }

// setEnabled swaps the sender's track out (nil) or back in. The capture
// keeps running so re-enabling is instant.
func (m *pionMedia) setEnabled(kind webrtc.RTPCodecType, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tracks {
		if t.kind != kind || t.enabled == on {
			continue
		}
		t.enabled = on
		if t.sender == nil {
			continue
		}
		var tr webrtc.TrackLocal
		if on {
			tr = t.track
		}
		if err := t.sender.ReplaceTrack(tr); err != nil {
			log.Printf("CALL [%s]: ReplaceTrack(%s) error: %v", m.callID, kind, err)
		}
	}
}

// attach adds every track to pc plus recvonly transceivers for the kinds the
// call expects but we cannot send.
func (m *pionMedia) attach(pc *webrtc.PeerConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var haveAudio, haveVideo bool
	for _, t := range m.tracks {
		sender, err := pc.AddTrack(t.track)
		if err != nil {
			log.Printf("CALL [%s]: AddTrack error: %v", m.callID, err)
			continue
		}
		t.sender = sender
		go drainRTCP(sender)
		haveAudio = haveAudio || t.kind == webrtc.RTPCodecTypeAudio
		haveVideo = haveVideo || t.kind == webrtc.RTPCodecTypeVideo
	}
	addRecvOnlyTransceivers(m.callID, pc, m.typ == Video && !haveVideo, !haveAudio)
}

func (m *pionMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	for _, t := range m.tracks {
		if t.close != nil {
			_ = t.close()
		}
	}
	log.Printf("CALL [%s]: local media stopped (%d tracks)", m.callID, len(m.tracks))
}

// drainRTCP reads incoming RTCP for a sender so interceptors (NACK, reports)
// keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// addRecvOnlyTransceivers adds recvonly transceivers for the kinds we do not
// send so CreateOffer/CreateAnswer always produces valid m-lines with ICE
// credentials.
func addRecvOnlyTransceivers(callID string, pc *webrtc.PeerConnection, video, audio bool) {
	if video {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL [%s]: AddTransceiver(video) error: %v", callID, err)
		}
	}
	if audio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL [%s]: AddTransceiver(audio) error: %v", callID, err)
		}
	}
}
