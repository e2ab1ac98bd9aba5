package call

import (
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/peerlobby/internal/media"
)

var log = logging.Logger("call")

// session is the per-call state bundle. It exists from role assignment (or
// an incoming offer) until teardown, and is only ever touched from the
// coordinator loop.
type session struct {
	id     string
	roomID string
	role   Role
	peerID string

	conn    PeerConn
	bundle  *media.TrackBundle
	pending candidateQueue

	signalingPhase    SignalingPhase
	connectivityPhase ConnectivityPhase

	// connecting is set while the first Connected has not arrived yet;
	// active is set once it has. Used only for user-facing notices.
	connecting bool
	active     bool
}
