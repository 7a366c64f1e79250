package model

import "time"

// TelemetryEvent is one decoded report from a vehicle. Events are treated as
// immutable once decoded: consumers share them without copying.
type TelemetryEvent struct {
	VehicleID string           `json:"vehicleId"`
	Timestamp time.Time        `json:"timestamp"`
	Seq       *uint64          `json:"seq,omitempty"`
	Fields    map[string]Value `json:"fields"`
	// Size is the length in bytes of the source payload.
	Size       int       `json:"size"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Sequence returns the publisher sequence number if the payload carried one.
func (e TelemetryEvent) Sequence() (uint64, bool) {
	if e.Seq == nil {
		return 0, false
	}
	return *e.Seq, true
}

// Field looks up a field by name.
func (e TelemetryEvent) Field(name string) (Value, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// Supersedes reports whether e should replace prev as the latest event for
// the vehicle. Sequence numbers win when both sides carry one; otherwise the
// publisher timestamps are compared. Equal positions are duplicates.
func (e TelemetryEvent) Supersedes(prev TelemetryEvent) bool {
	if e.Seq != nil && prev.Seq != nil {
		return *e.Seq > *prev.Seq
	}
	return e.Timestamp.After(prev.Timestamp)
}
