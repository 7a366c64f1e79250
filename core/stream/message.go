package stream

import (
	"time"

	"github.com/kilianp07/fleetstream/core/fleet"
	"github.com/kilianp07/fleetstream/core/model"
)

// MessageType identifies what a Message carries. A session always starts
// with a snapshot; resync replaces the consumer's view after its queue
// overflowed.
type MessageType string

const (
	MessageSnapshot MessageType = "snapshot"
	MessageResync   MessageType = "resync"
	MessageState    MessageType = "state"
	MessageCommand  MessageType = "command"
)

// Message is one item delivered to a session consumer.
type Message struct {
	Type     MessageType          `json:"type"`
	Snapshot *fleet.Snapshot      `json:"snapshot,omitempty"`
	Change   *fleet.Change        `json:"change,omitempty"`
	Command  *model.CommandResult `json:"command,omitempty"`
	Reason   string               `json:"reason,omitempty"`
	At       time.Time            `json:"at"`
}
