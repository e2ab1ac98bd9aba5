package call

import "errors"

var (
	// ErrInvalidPhase reports an operation attempted outside its required
	// signaling phase. Recovered by dropping the operation, except inside
	// offer handling where the session is unrecoverable and is torn down.
	ErrInvalidPhase = errors.New("call: invalid signaling phase")

	// ErrResourceUnavailable reports that media or sink acquisition failed
	// within its bounded wait. Surfaced to the user; no session is created.
	ErrResourceUnavailable = errors.New("call: media resource unavailable")

	// ErrTransportDown reports that the signaling bus disconnected. The bus
	// adapter owns reconnection; the coordinator only tears down.
	ErrTransportDown = errors.New("call: signaling transport disconnected")

	// ErrClosed reports an operation on a coordinator that has shut down.
	ErrClosed = errors.New("call: coordinator closed")
)
