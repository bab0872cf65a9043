// Package media describes the local and remote tracks a call carries,
// independent of the WebRTC stack that moves them.
package media

import (
	"context"
	"errors"
)

// Kind is the media type of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ErrUnavailable is returned by sources that cannot produce a track.
var ErrUnavailable = errors.New("media unavailable")

// Track is one audio or video track.
type Track interface {
	ID() string
	Kind() Kind
	// Stop releases the capture behind the track. It is idempotent.
	Stop()
}

// Source produces local tracks.
type Source interface {
	// UserMedia returns the camera and microphone tracks.
	UserMedia(ctx context.Context) ([]Track, error)
	// DisplayMedia returns a screen capture video track.
	DisplayMedia(ctx context.Context) (Track, error)
	// Placeholder returns a silent or blank track of kind.
	Placeholder(kind Kind) (Track, error)
}

// StopAll stops every track in ts.
func StopAll(ts []Track) {
	for _, t := range ts {
		if t != nil {
			t.Stop()
		}
	}
}
