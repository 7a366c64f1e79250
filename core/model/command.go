package model

import (
	"encoding/json"
	"time"
)

// CommandStatus tracks the delivery outcome of a command.
type CommandStatus string

const (
	CommandPending      CommandStatus = "PENDING"
	CommandAcknowledged CommandStatus = "ACKNOWLEDGED"
	CommandFailed       CommandStatus = "FAILED"
)

// CommandRequest is an operator instruction addressed to one vehicle.
type CommandRequest struct {
	RequestID   string          `json:"requestId"`
	VehicleID   string          `json:"vehicleId"`
	CommandType string          `json:"commandType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	IssuedAt    time.Time       `json:"issuedAt"`
}

// CommandResult reports what happened to a CommandRequest.
type CommandResult struct {
	RequestID   string        `json:"requestId"`
	VehicleID   string        `json:"vehicleId"`
	CommandType string        `json:"commandType"`
	Status      CommandStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
	IssuedAt    time.Time     `json:"issuedAt"`
	CompletedAt time.Time     `json:"completedAt,omitempty"`
}

// Done reports whether the command reached a terminal status.
func (r CommandResult) Done() bool {
	return r.Status == CommandAcknowledged || r.Status == CommandFailed
}
