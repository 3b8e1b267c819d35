//go:build linux && cgo

package call

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// platform captures camera and microphone through pion/mediadevices
// (V4L2 + malgo) and encodes VP8 + Opus.
type platform struct {
	codecs *mediadevices.CodecSelector
}

func newPlatform() (*platform, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &platform{codecs: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

func (p *platform) api(se webrtc.SettingEngine) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	p.codecs.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// capture opens local devices for a call of type t. GetUserMedia fails as a
// unit if either track can't be opened, so video calls fall back to
// video-only and then audio-only.
func (p *platform) capture(callID string, t Type) ([]*localTrack, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL [%s]: no media devices found by pion/mediadevices", callID)
	}
	for _, d := range devices {
		log.Printf("CALL [%s]: media device kind=%v label=%q", callID, d.Kind, d.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if t == Video {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: p.codecs}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: some cameras expose an MJPEG node whose
				// malformed frames poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL [%s]: GetUserMedia (%s) failed: %v", callID, a.label, err)
			lastErr = err
			continue
		}

		var out []*localTrack
		for _, track := range stream.GetTracks() {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL [%s]: local track ended: %v", callID, err)
				}
			})
			out = append(out, &localTrack{kind: track.Kind(), track: track, close: track.Close})
		}
		log.Printf("CALL [%s]: local media captured (%s), %d tracks", callID, a.label, len(out))
		return out, nil
	}
	return nil, lastErr
}
