package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// EngineConfig configures the pion engine.
type EngineConfig struct {
	ICEServers        []string
	CandidatePoolSize int
	// ReceiveOnly skips device capture; calls still negotiate and receive.
	ReceiveOnly bool
	// RecordDir, when set, receives one file per remote track.
	RecordDir string
}

// PionEngine is the production Engine built on pion/webrtc.
type PionEngine struct {
	plat *platform
	api  *webrtc.API

	mu  sync.RWMutex
	cfg EngineConfig
}

func NewPionEngine(cfg EngineConfig) (*PionEngine, error) {
	plat, err := newPlatform()
	if err != nil {
		return nil, err
	}

	// A brief NAT hiccup should not end the call: the default disconnected
	// timeout is 5 s.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api, err := plat.api(se)
	if err != nil {
		return nil, err
	}
	return &PionEngine{plat: plat, api: api, cfg: cfg}, nil
}

// Apply swaps in new settings for calls created after it returns.
func (e *PionEngine) Apply(cfg EngineConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	log.Printf("CALL: engine settings updated (%d ice servers, receive_only=%v)", len(cfg.ICEServers), cfg.ReceiveOnly)
}

func (e *PionEngine) config() EngineConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *PionEngine) OpenMedia(ctx context.Context, t Type) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Device ids are not known yet; media is labelled by type until attached.
	label := string(t)
	if e.config().ReceiveOnly {
		log.Printf("CALL [%s]: receive-only, skipping capture", label)
		return newPionMedia(label, t, nil), nil
	}
	tracks, err := e.plat.capture(label, t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	return newPionMedia(label, t, tracks), nil
}

func (e *PionEngine) NewPeer(callID string, media LocalMedia) (Peer, error) {
	cfg := e.config()
	pool := cfg.CandidatePoolSize
	if pool < 0 || pool > 255 {
		pool = 0
	}
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           []webrtc.ICEServer{{URLs: cfg.ICEServers}},
		ICECandidatePoolSize: uint8(pool),
	})
	if err != nil {
		return nil, err
	}

	var typ Type = Video
	if pm, ok := media.(*pionMedia); ok {
		pm.mu.Lock()
		pm.callID = callID
		pm.mu.Unlock()
		pm.attach(pc)
		typ = pm.typ
	} else {
		addRecvOnlyTransceivers(callID, pc, true, true)
	}

	p := &pionPeer{callID: callID, pc: pc, recordDir: cfg.RecordDir, done: make(chan struct{})}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if fn := p.candidateHandler(); fn != nil {
			fn(Candidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind().String(),
			Codec:    track.Codec().MimeType,
		}
		log.Printf("CALL [%s]: remote track %s (%s)", callID, rt.Kind, rt.Codec)
		if fn := p.trackHandler(); fn != nil {
			fn(rt)
		}
		go consumeTrack(p, track)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection state %s", callID, s)
		if fn := p.stateHandler(); fn != nil {
			fn(s.String())
		}
	})
	log.Printf("CALL [%s]: peer connection ready (%s, %d ice servers)", callID, typ, len(cfg.ICEServers))
	return p, nil
}

// pionPeer adapts *webrtc.PeerConnection to Peer.
type pionPeer struct {
	callID    string
	pc        *webrtc.PeerConnection
	recordDir string
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	onCand  func(Candidate)
	onTrack func(RemoteTrack)
	onState func(string)
}

func (p *pionPeer) OnCandidate(fn func(Candidate)) {
	p.mu.Lock()
	p.onCand = fn
	p.mu.Unlock()
}

func (p *pionPeer) OnRemoteTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *pionPeer) OnConnectionState(fn func(string)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *pionPeer) candidateHandler() func(Candidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onCand
}

func (p *pionPeer) trackHandler() func(RemoteTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onTrack
}

func (p *pionPeer) stateHandler() func(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onState
}

func (p *pionPeer) CreateOffer(ctx context.Context) (SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{SDP: offer.SDP, Type: offer.Type.String()}, nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{SDP: answer.SDP, Type: answer.Type.String()}, nil
}

func (p *pionPeer) SetRemoteDescription(d SessionDescription) error {
	t := webrtc.NewSDPType(d.Type)
	if t == webrtc.SDPTypeUnknown {
		return errors.New("unknown sdp type " + d.Type)
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: d.SDP})
}

func (p *pionPeer) HasRemoteDescription() bool { return p.pc.RemoteDescription() != nil }

func (p *pionPeer) AddCandidate(c Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
		log.Printf("CALL [%s]: peer connection closed", p.callID)
	})
	return err
}
