// Package media acquires and releases local capture tracks for calls.
// Coupling to the negotiation layer is via the Provider interface only.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrUnavailable reports that no capture source could be acquired. Callers
// decide whether that is fatal (it usually is not — calls can run
// receive-only).
var ErrUnavailable = errors.New("media: no capture source available")

// Kind selects a track class for enable/disable toggles.
type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

// TrackBundle is one acquisition's worth of local tracks. Exclusively owned
// by the call session it was acquired for; released exactly once.
type TrackBundle struct {
	Tracks []webrtc.TrackLocal

	stop func()
}

// Close stops every capture track in the bundle. Safe to call on nil.
func (b *TrackBundle) Close() {
	if b == nil || b.stop == nil {
		return
	}
	b.stop()
	b.stop = nil
}

// Provider is the media-capture capability consumed by the negotiation
// coordinator.
type Provider interface {
	// Acquire opens the capture devices and returns their tracks. The wait
	// is bounded by ctx; expiry or absent hardware yields ErrUnavailable.
	Acquire(ctx context.Context) (*TrackBundle, error)

	// Release stops and forgets a previously acquired bundle.
	Release(*TrackBundle)

	// SetTrackEnabled records the mute/camera-off state for one track
	// class. Errors only on an unknown kind.
	SetTrackEnabled(kind Kind, enabled bool) error

	// Configure registers the provider's codecs on a MediaEngine before a
	// peer connection is built from it.
	Configure(*webrtc.MediaEngine) error
}
