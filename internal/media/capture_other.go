//go:build !linux || !cgo

package media

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// CaptureProvider on non-Linux platforms performs no hardware capture —
// pion/mediadevices drivers (V4L2/malgo) are Linux-only here. Acquire
// reports ErrUnavailable and calls proceed receive-only.
type CaptureProvider struct{}

func NewCaptureProvider() (*CaptureProvider, error) {
	return &CaptureProvider{}, nil
}

func (p *CaptureProvider) Configure(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (p *CaptureProvider) Acquire(_ context.Context) (*TrackBundle, error) {
	log.Info("no capture drivers on this platform — receive-only")
	return nil, ErrUnavailable
}

func (p *CaptureProvider) Release(b *TrackBundle) {
	b.Close()
}

func (p *CaptureProvider) SetTrackEnabled(kind Kind, enabled bool) error {
	log.Debugf("%s enabled=%v (no local capture)", kind, enabled)
	return nil
}
