package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/vovakirdan/carelink/internal/media"
)

const (
	streamID    = "carelink"
	opusFrame   = 20 * time.Millisecond
	placeholder = "placeholder"
)

// opusSilence is a single Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Track is a local track that can be added to a PeerConnection.
type Track struct {
	local *webrtc.TrackLocalStaticSample
	kind  media.Kind

	once sync.Once
	stop chan struct{}
}

func newTrack(kind media.Kind, label string) (*Track, error) {
	mime := webrtc.MimeTypeVP8
	if kind == media.KindAudio {
		mime = webrtc.MimeTypeOpus
	}
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime},
		label+"-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", kind, err)
	}
	return &Track{local: local, kind: kind, stop: make(chan struct{})}, nil
}

func (t *Track) ID() string       { return t.local.ID() }
func (t *Track) Kind() media.Kind { return t.kind }

func (t *Track) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// Stopped reports whether Stop was called.
func (t *Track) Stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// Source is the media.Source of a headless client. It has no capture devices,
// so calls run on placeholder tracks: silent audio and a video track that
// carries no frames.
type Source struct {
	Clock clock.Clock
}

func (s Source) UserMedia(context.Context) ([]media.Track, error) {
	return nil, fmt.Errorf("%w: no capture devices", media.ErrUnavailable)
}

func (s Source) DisplayMedia(context.Context) (media.Track, error) {
	return nil, fmt.Errorf("%w: no display capture", media.ErrUnavailable)
}

func (s Source) Placeholder(kind media.Kind) (media.Track, error) {
	t, err := newTrack(kind, placeholder+"-"+string(kind))
	if err != nil {
		return nil, err
	}
	if kind == media.KindAudio {
		clk := s.Clock
		if clk == nil {
			clk = clock.New()
		}
		go t.writeSilence(clk)
	}
	return t, nil
}

func (t *Track) writeSilence(clk clock.Clock) {
	ticker := clk.Ticker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			// Writes before the track is bound to a connection are no-ops.
			_ = t.local.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: opusFrame})
		}
	}
}
