package metrics

import "time"

// Ingest outcomes.
const (
	IngestApplied   = "applied"
	IngestDuplicate = "duplicate"
	IngestRejected  = "rejected"
	IngestRetired   = "retired"
)

// IngestEvent describes the handling of one inbound telemetry payload.
type IngestEvent struct {
	VehicleID string
	Source    string
	Result    string
	Size      int
	Time      time.Time
}

// IngestRecorder records telemetry ingestion outcomes.
type IngestRecorder interface {
	RecordIngest(ev IngestEvent) error
}

// ConnectionEvent captures a broker session transition.
type ConnectionEvent struct {
	Connected bool
	Attempt   int
	Error     string
	Time      time.Time
}

// ConnectionRecorder records broker connectivity changes.
type ConnectionRecorder interface {
	RecordConnection(ev ConnectionEvent) error
}

// Session lifecycle actions.
const (
	SessionOpened = "opened"
	SessionClosed = "closed"
	SessionResync = "resync"
	SessionReaped = "reaped"
)

// SessionEvent captures dashboard stream activity.
type SessionEvent struct {
	SessionID string
	Action    string
	Time      time.Time
}

// SessionRecorder records stream session lifecycle.
type SessionRecorder interface {
	RecordSession(ev SessionEvent) error
}

// CommandEvent represents the outcome of a command publication.
type CommandEvent struct {
	RequestID   string
	VehicleID   string
	CommandType string
	Status      string
	Latency     time.Duration
	Error       string
	Time        time.Time
}

// CommandRecorder records command outcomes.
type CommandRecorder interface {
	RecordCommand(ev CommandEvent) error
}

// HealthEvent is a vehicle health transition.
type HealthEvent struct {
	VehicleID string
	From      string
	To        string
	Time      time.Time
}

// HealthRecorder records vehicle health transitions.
type HealthRecorder interface {
	RecordHealth(ev HealthEvent) error
}

// MetricsSink is implemented by sinks accepting every operational event.
type MetricsSink interface {
	IngestRecorder
	ConnectionRecorder
	SessionRecorder
	CommandRecorder
	HealthRecorder
}

// NopSink implements MetricsSink with no-op methods.
type NopSink struct{}

func (NopSink) RecordIngest(IngestEvent) error         { return nil }
func (NopSink) RecordConnection(ConnectionEvent) error { return nil }
func (NopSink) RecordSession(SessionEvent) error       { return nil }
func (NopSink) RecordCommand(CommandEvent) error       { return nil }
func (NopSink) RecordHealth(HealthEvent) error         { return nil }

// OrNop returns s, or NopSink when s is nil.
func OrNop(s MetricsSink) MetricsSink {
	if s == nil {
		return NopSink{}
	}
	return s
}
