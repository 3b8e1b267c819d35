//go:build !(linux && cgo)

package call

import (
	"errors"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// platform has no device capture outside Linux; calls run receive-only.
type platform struct{}

func newPlatform() (*platform, error) { return &platform{}, nil }

func (p *platform) api(se webrtc.SettingEngine) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

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

func (p *platform) capture(string, Type) ([]*localTrack, error) {
	return nil, errors.New("device capture is only supported on linux")
}
