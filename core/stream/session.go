package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kilianp07/fleetstream/core/fleet"
	"github.com/kilianp07/fleetstream/core/model"
)

var (
	// ErrSessionClosed is returned by Next once the session was unsubscribed.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionOverflow is never returned; it is the reason carried by a
	// resync message.
	ErrSessionOverflow = errors.New("session buffer overflow")
)

type pendingSnapshot uint8

const (
	pendingNone pendingSnapshot = iota
	pendingInitial
	pendingResync
)

type item struct {
	change  *fleet.Change
	command *model.CommandResult
}

// Session is one consumer's ordered view of the fleet. It starts with a
// snapshot and then receives deltas. When the consumer falls more than the
// buffer size behind, queued deltas are discarded and the next read returns
// a fresh snapshot instead.
type Session struct {
	id       string
	filter   map[string]struct{}
	capacity int
	source   SnapshotSource
	now      func() time.Time
	// onResync runs on the consumer's goroutine when a resync is delivered.
	onResync func(*Session)

	mu        sync.Mutex
	queue     []item
	pending   pendingSnapshot
	cursor    map[string]uint64
	lastRead  time.Time
	waiting   bool
	closed    bool
	overflows int

	wake chan struct{}
	done chan struct{}
}

func newSession(id string, filter []string, capacity int, source SnapshotSource, now func() time.Time) *Session {
	s := &Session{
		id:       id,
		capacity: capacity,
		source:   source,
		now:      now,
		pending:  pendingInitial,
		cursor:   make(map[string]uint64),
		lastRead: now(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if len(filter) > 0 {
		s.filter = make(map[string]struct{}, len(filter))
		for _, id := range filter {
			s.filter[id] = struct{}{}
		}
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Overflows returns how many times the queue overflowed.
func (s *Session) Overflows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflows
}

// Cursor returns the highest revision delivered for a vehicle.
func (s *Session) Cursor(vehicleID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor[vehicleID]
}

func (s *Session) matches(vehicleID string) bool {
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[vehicleID]
	return ok
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// offer enqueues without blocking. It reports whether the queue overflowed.
func (s *Session) offer(it item, vehicleID string) bool {
	if !s.matches(vehicleID) {
		return false
	}
	s.mu.Lock()
	if s.closed || s.pending != pendingNone {
		// A snapshot is due and will cover this change.
		s.mu.Unlock()
		return false
	}
	overflow := len(s.queue) >= s.capacity
	if overflow {
		s.queue = nil
		s.pending = pendingResync
		s.overflows++
	} else {
		s.queue = append(s.queue, it)
	}
	s.mu.Unlock()
	s.signal()
	return overflow
}

// Next blocks until a message is available, ctx ends or the session closes.
func (s *Session) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		s.waiting = false
		if s.closed {
			s.mu.Unlock()
			return Message{}, ErrSessionClosed
		}
		s.lastRead = s.now()

		if kind := s.pending; kind != pendingNone {
			s.pending = pendingNone
			s.mu.Unlock()
			if kind == pendingResync && s.onResync != nil {
				s.onResync(s)
			}
			return s.snapshotMessage(kind), nil
		}

		for len(s.queue) > 0 {
			it := s.queue[0]
			s.queue[0] = item{}
			s.queue = s.queue[1:]
			if it.change != nil {
				id := it.change.VehicleID()
				if it.change.Revision() <= s.cursor[id] {
					continue
				}
				s.cursor[id] = it.change.Revision()
				s.mu.Unlock()
				return Message{Type: MessageState, Change: it.change, At: s.now()}, nil
			}
			s.mu.Unlock()
			return Message{Type: MessageCommand, Command: it.command, At: s.now()}, nil
		}
		s.waiting = true
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
			return Message{}, ErrSessionClosed
		case <-ctx.Done():
			s.mu.Lock()
			s.waiting = false
			s.mu.Unlock()
			return Message{}, ctx.Err()
		}
	}
}

// snapshotMessage is taken without holding s.mu; the store notifies
// sessions while holding vehicle locks.
func (s *Session) snapshotMessage(kind pendingSnapshot) Message {
	snap := s.source.Snapshot()
	if s.filter != nil {
		for id := range snap.Vehicles {
			if !s.matches(id) {
				delete(snap.Vehicles, id)
			}
		}
	}
	s.mu.Lock()
	for id, st := range snap.Vehicles {
		if st.Revision > s.cursor[id] {
			s.cursor[id] = st.Revision
		}
	}
	s.mu.Unlock()

	msg := Message{Type: MessageSnapshot, Snapshot: &snap, At: snap.TakenAt}
	if kind == pendingResync {
		msg.Type = MessageResync
		msg.Reason = ErrSessionOverflow.Error()
	}
	return msg
}

// idleSince reports when the consumer last read, and false while a read is
// in progress.
func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiting {
		return time.Time{}, false
	}
	return s.lastRead, true
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}
