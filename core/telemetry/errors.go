package telemetry

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode matches every DecodeError.
	ErrDecode = errors.New("telemetry decode failed")
	// ErrVehicleMismatch is returned when the payload names a different
	// vehicle than its topic.
	ErrVehicleMismatch = errors.New("payload vehicle id does not match topic")
	// ErrInvalidVehicleID is returned for empty or malformed vehicle ids.
	ErrInvalidVehicleID = errors.New("invalid vehicle id")
	// ErrNoOrderingKey is returned for payloads carrying neither a timestamp
	// nor a sequence number. Redeliveries of such payloads could not be told
	// apart.
	ErrNoOrderingKey = errors.New("payload has no timestamp or sequence number")
)

// DecodeError describes a rejected payload.
type DecodeError struct {
	Topic  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	if e.Topic == "" {
		return "decode: " + msg
	}
	return fmt.Sprintf("decode %s: %s", e.Topic, msg)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDecode}
	}
	return []error{ErrDecode, e.Err}
}

func decodeErr(topic, reason string, err error) error {
	return &DecodeError{Topic: topic, Reason: reason, Err: err}
}
