package call

import "github.com/pion/webrtc/v4"

// Role is which side initiates the description exchange. Assigned by the
// server on room assignment and immutable for the life of a session.
type Role int8

const (
	RoleUnassigned Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	}
	return "unassigned"
}

// SignalingPhase mirrors the connection's description-negotiation phase.
//
// Legal transitions:
//
//	Stable --createOffer--> HaveLocalOffer --remoteAnswer--> Stable
//	Stable --remoteOffer--> HaveRemoteOffer --localAnswer--> Stable
//	any --close--> Closed (terminal; a new session builds a new connection)
type SignalingPhase int8

const (
	PhaseStable SignalingPhase = iota
	PhaseHaveLocalOffer
	PhaseHaveRemoteOffer
	PhaseClosed
)

func (p SignalingPhase) String() string {
	switch p {
	case PhaseStable:
		return "stable"
	case PhaseHaveLocalOffer:
		return "have-local-offer"
	case PhaseHaveRemoteOffer:
		return "have-remote-offer"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// ConnectivityPhase mirrors end-to-end reachability.
type ConnectivityPhase int8

const (
	ConnNew ConnectivityPhase = iota
	ConnChecking
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (p ConnectivityPhase) String() string {
	switch p {
	case ConnNew:
		return "new"
	case ConnChecking:
		return "checking"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// connectivityFromICE maps pion ICE connection states onto our phases.
// Completed collapses into Connected — both mean the call is up.
func connectivityFromICE(s webrtc.ICEConnectionState) ConnectivityPhase {
	switch s {
	case webrtc.ICEConnectionStateNew:
		return ConnNew
	case webrtc.ICEConnectionStateChecking:
		return ConnChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return ConnConnected
	case webrtc.ICEConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ConnFailed
	case webrtc.ICEConnectionStateClosed:
		return ConnClosed
	}
	return ConnNew
}
