package call

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peerlobby/internal/media"
	"github.com/petervdpas/peerlobby/internal/signal"
)

// pliInterval is how often a keyframe is requested from the remote video
// sender while the track is live.
const pliInterval = 3 * time.Second

// NewPionFactory returns a ConnFactory producing real pion PeerConnections
// with the provider's codecs, default interceptors, and generous ICE
// timeouts — the stock 5 s disconnectedTimeout is far too short for relay
// paths that hiccup during re-keying or failover.
func NewPionFactory(provider media.Provider) ConnFactory {
	return func(ice ICEConfig, bundle *media.TrackBundle, cb ConnCallbacks) (PeerConn, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := provider.Configure(mediaEngine); err != nil {
			return nil, fmt.Errorf("call: configure media engine: %w", err)
		}

		interceptorRegistry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
			return nil, fmt.Errorf("call: register interceptors: %w", err)
		}

		se := webrtc.SettingEngine{}
		se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		)

		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice.Servers})
		if err != nil {
			return nil, fmt.Errorf("call: new peer connection: %w", err)
		}

		if bundle != nil && len(bundle.Tracks) > 0 {
			for _, track := range bundle.Tracks {
				sender, err := pc.AddTrack(track)
				if err != nil {
					_ = pc.Close()
					return nil, fmt.Errorf("call: add track: %w", err)
				}
				go drainSenderRTCP(sender)
			}
		} else {
			// Receive-only: keep the SDP m-lines valid so offers and
			// answers still carry ICE credentials.
			addRecvOnlyTransceivers(pc)
		}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if cb.OnLocalCandidate == nil {
				return
			}
			if c == nil {
				cb.OnLocalCandidate(nil)
				return
			}
			init := c.ToJSON()
			cb.OnLocalCandidate(&signal.CandidateInit{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			})
		})

		pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
			log.Debugf("ice connection state: %s", st)
			if cb.OnConnectivity != nil {
				cb.OnConnectivity(connectivityFromICE(st))
			}
		})

		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			log.Infof("remote %s track %s", track.Kind(), track.ID())
			go drainRemoteTrack(pc, track)
			if cb.OnRemoteTrack != nil {
				cb.OnRemoteTrack(track.Kind().String())
			}
		})

		return &pionConn{pc: pc}, nil
	}
}

// pionConn adapts *webrtc.PeerConnection to the PeerConn interface.
type pionConn struct {
	pc        *webrtc.PeerConnection
	closeOnce sync.Once
	closeErr  error
}

func (c *pionConn) CreateOffer() (signal.Description, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return signal.Description{}, fmt.Errorf("create offer: %w", err)
	}
	return signal.Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *pionConn) CreateAnswer() (signal.Description, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return signal.Description{}, fmt.Errorf("create answer: %w", err)
	}
	return signal.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *pionConn) SetLocalDescription(d signal.Description) error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	})
}

func (c *pionConn) SetRemoteDescription(d signal.Description) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	})
}

func (c *pionConn) AddICECandidate(ci signal.CandidateInit) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	})
}

func (c *pionConn) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *pionConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.pc.Close() })
	return c.closeErr
}

// addRecvOnlyTransceivers adds recvonly video and audio transceivers so
// CreateOffer/CreateAnswer always produce valid m-lines.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("add %s transceiver: %v", kind, err)
		}
	}
}

// drainSenderRTCP keeps the sender's interceptor chain fed. Without this
// read loop, NACK and congestion-control reports are never processed.
func drainSenderRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// drainRemoteTrack consumes inbound RTP and, for video, periodically asks
// the remote sender for a keyframe via RTCP PLI. Rendering the frames is
// the presentation layer's business; this loop keeps the transport healthy.
func drainRemoteTrack(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	done := make(chan struct{})
	defer close(done)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go func() {
			ticker := time.NewTicker(pliInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					err := pc.WriteRTCP([]rtcp.Packet{
						&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
					})
					if err != nil {
						return
					}
				}
			}
		}()
	}

	var packets uint64
	for {
		var pkt *rtp.Packet
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("remote %s track read ended: %v", track.Kind(), err)
			}
			return
		}
		if packets++; packets%1000 == 0 {
			log.Debugf("remote %s track: %d packets (last seq %d)", track.Kind(), packets, pkt.SequenceNumber)
		}
	}
}
