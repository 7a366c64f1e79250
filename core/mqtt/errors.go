package mqtt

import "errors"

var (
	// ErrConnection is returned when the broker cannot be reached within the
	// initial retry budget.
	ErrConnection = errors.New("mqtt connection failed")
	// ErrNotConnected is returned for operations attempted while the session
	// is down.
	ErrNotConnected = errors.New("mqtt client not connected")
	// ErrAckTimeout is returned when the broker does not acknowledge a
	// publish or subscribe in time.
	ErrAckTimeout = errors.New("timeout waiting for ack")
	// ErrStopped is returned once the client has been stopped.
	ErrStopped = errors.New("mqtt client stopped")
)
