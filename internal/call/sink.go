package call

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

const pliInterval = 3 * time.Second

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
	Close() error
}

// consumeTrack reads a remote track until the peer closes. Video tracks get
// periodic picture-loss requests so the sender emits keyframes.
func consumeTrack(p *pionPeer, track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go requestKeyframes(p, uint32(track.SSRC()))
	}

	w := openRecorder(p.callID, p.recordDir, track)
	if w != nil {
		defer w.Close()
	}

	var packets int
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Printf("CALL [%s]: remote %s track done after %d packets", p.callID, track.Kind(), packets)
			return
		}
		packets++
		if w != nil {
			if err := w.WriteRTP(pkt); err != nil {
				log.Printf("CALL [%s]: record error: %v", p.callID, err)
				_ = w.Close()
				w = nil
			}
		}
	}
}

func requestKeyframes(p *pionPeer, ssrc uint32) {
	t := time.NewTicker(pliInterval)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			if err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				return
			}
		}
	}
}

// openRecorder returns a file writer for the track's codec, or nil when
// recording is off or the codec has no container here.
func openRecorder(callID, dir string, track *webrtc.TrackRemote) rtpWriter {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("CALL [%s]: record dir: %v", callID, err)
		return nil
	}
	base := filepath.Join(dir, fmt.Sprintf("%s-%s", callID, track.ID()))

	mime := track.Codec().MimeType
	var (
		w   rtpWriter
		err error
	)
	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		w, err = ivfwriter.New(base + ".ivf")
	case strings.EqualFold(mime, webrtc.MimeTypeOpus):
		w, err = oggwriter.New(base+".ogg", 48000, 2)
	default:
		log.Printf("CALL [%s]: not recording %s", callID, mime)
		return nil
	}
	if err != nil {
		log.Printf("CALL [%s]: recorder: %v", callID, err)
		return nil
	}
	log.Printf("CALL [%s]: recording %s to %s", callID, mime, dir)
	return w
}
