package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peerlobby/internal/media"
	"github.com/petervdpas/peerlobby/internal/signal"
)

// PeerConn is the slice of peer-connection behavior the coordinator needs.
// The production implementation wraps pion; tests use a scripted fake.
type PeerConn interface {
	CreateOffer() (signal.Description, error)
	CreateAnswer() (signal.Description, error)
	SetLocalDescription(signal.Description) error
	SetRemoteDescription(signal.Description) error

	// AddICECandidate applies one remote connectivity candidate. Only valid
	// once a remote description is installed.
	AddICECandidate(signal.CandidateInit) error

	// HasRemoteDescription reports whether a remote description has been
	// installed on this connection instance.
	HasRemoteDescription() bool

	Close() error
}

// ConnCallbacks are fired from transport goroutines. Receivers must route
// them back into the coordinator loop rather than mutating state directly.
type ConnCallbacks struct {
	// OnLocalCandidate fires per gathered candidate; nil signals
	// gathering complete.
	OnLocalCandidate func(*signal.CandidateInit)

	// OnConnectivity fires on every reachability change.
	OnConnectivity func(ConnectivityPhase)

	// OnRemoteTrack fires when remote media starts arriving. Kind is
	// "audio" or "video".
	OnRemoteTrack func(kind string)
}

// ICEConfig holds the reflection (STUN) and relay (TURN) servers used for
// candidate gathering. Injected from configuration, never hard-coded; the
// config watcher refreshes it when relay credentials rotate.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// ConnFactory builds one peer connection with the given ICE servers and
// local tracks attached. A nil bundle yields a receive-only connection.
type ConnFactory func(ice ICEConfig, bundle *media.TrackBundle, cb ConnCallbacks) (PeerConn, error)
