//go:build linux && cgo

package media

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// CaptureProvider captures camera and microphone via pion/mediadevices
// (V4L2 + malgo on Linux) and encodes VP8 + Opus.
type CaptureProvider struct {
	selector *mediadevices.CodecSelector

	mu      sync.Mutex
	tracks  []mediadevices.Track
	audioOn bool
	videoOn bool
}

// NewCaptureProvider builds the VP8/Opus codec selector once; Acquire reuses
// it for every call attempt.
func NewCaptureProvider() (*CaptureProvider, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}

	return &CaptureProvider{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		audioOn: true,
		videoOn: true,
	}, nil
}

// Configure registers the selector's codecs on the engine.
func (p *CaptureProvider) Configure(me *webrtc.MediaEngine) error {
	p.selector.Populate(me)
	return nil
}

// Acquire opens capture devices with graceful fallback. GetUserMedia fails
// as a unit if either track can't be opened, so try video+audio first, then
// video-only, then audio-only — a busy microphone must not take the camera
// down with it. The device wait is bounded by ctx.
func (p *CaptureProvider) Acquire(ctx context.Context) (*TrackBundle, error) {
	type result struct {
		bundle *TrackBundle
		err    error
	}
	done := make(chan result, 1)
	go func() {
		b, err := p.acquire()
		done <- result{b, err}
	}()

	select {
	case r := <-done:
		return r.bundle, r.err
	case <-ctx.Done():
		// Leave the goroutine to finish and clean up after itself.
		go func() {
			if r := <-done; r.bundle != nil {
				r.bundle.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
}

func (p *CaptureProvider) acquire() (*TrackBundle, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warn("no media devices found by pion/mediadevices")
	}
	for _, d := range devices {
		log.Debugf("media device — kind=%v label=%q", d.Kind, d.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: p.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node
				// that produces malformed JPEG frames, which poisons the
				// VP8 encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640×480 to keep VP8 encoding latency down.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		locals := make([]webrtc.TrackLocal, 0, len(tracks))
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local track ended: %v", err)
				}
			})
			locals = append(locals, track)
		}

		p.mu.Lock()
		p.tracks = tracks
		p.mu.Unlock()

		log.Infof("local media captured (%s) — %d tracks", a.label, len(tracks))
		return &TrackBundle{
			Tracks: locals,
			stop: func() {
				for _, t := range tracks {
					_ = t.Close()
				}
			},
		}, nil
	}

	return nil, ErrUnavailable
}

// Release stops the bundle's tracks and forgets them.
func (p *CaptureProvider) Release(b *TrackBundle) {
	b.Close()
	p.mu.Lock()
	p.tracks = nil
	p.mu.Unlock()
}

// SetTrackEnabled records the mute/camera-off state for one track class.
func (p *CaptureProvider) SetTrackEnabled(kind Kind, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch kind {
	case Audio:
		p.audioOn = enabled
	case Video:
		p.videoOn = enabled
	default:
		return fmt.Errorf("media: unknown track kind %q", kind)
	}
	log.Infof("%s enabled=%v", kind, enabled)
	return nil
}
