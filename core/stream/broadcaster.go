package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/fleetstream/core/fleet"
	"github.com/kilianp07/fleetstream/core/logger"
	coremetrics "github.com/kilianp07/fleetstream/core/metrics"
	"github.com/kilianp07/fleetstream/core/model"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broadcaster closed")

// SnapshotSource provides the full fleet view for new and resyncing sessions.
type SnapshotSource interface {
	Snapshot() fleet.Snapshot
}

// Broadcaster fans state changes out to every subscribed session. Delivery
// never blocks the caller: slow sessions are resynced instead.
type Broadcaster struct {
	cfg    Config
	source SnapshotSource
	log    logger.Logger
	rec    coremetrics.SessionRecorder
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// Option customizes a Broadcaster.
type Option func(*Broadcaster)

func WithLogger(l logger.Logger) Option { return func(b *Broadcaster) { b.log = logger.OrNop(l) } }

func WithRecorder(r coremetrics.SessionRecorder) Option {
	return func(b *Broadcaster) {
		if r != nil {
			b.rec = r
		}
	}
}

func WithClock(now func() time.Time) Option { return func(b *Broadcaster) { b.now = now } }

func NewBroadcaster(cfg Config, source SnapshotSource, opts ...Option) *Broadcaster {
	cfg.SetDefaults()
	b := &Broadcaster{
		cfg:      cfg,
		source:   source,
		log:      logger.Nop{},
		rec:      coremetrics.NopSink{},
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe opens a session. An empty filter follows the whole fleet. The
// first message returned by Next is a snapshot.
func (b *Broadcaster) Subscribe(filter []string) (*Session, error) {
	s := newSession(uuid.NewString(), filter, b.cfg.BufferSize, b.source, b.now)
	s.onResync = b.resynced

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.sessions[s.id] = s
	b.mu.Unlock()

	b.record(s.id, coremetrics.SessionOpened)
	b.log.Debugw("stream session opened", map[string]any{"session_id": s.id, "filter": filter})
	return s, nil
}

// Unsubscribe ends a session. Pending and future Next calls return
// ErrSessionClosed.
func (b *Broadcaster) Unsubscribe(id string) {
	if b.remove(id) {
		b.record(id, coremetrics.SessionClosed)
	}
}

func (b *Broadcaster) remove(id string) bool {
	b.mu.Lock()
	s, ok := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()
	if ok {
		s.close()
	}
	return ok
}

// Session looks up an open session.
func (b *Broadcaster) Session(id string) (*Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[id]
	return s, ok
}

// Count returns the number of open sessions.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Notify implements fleet.Notifier. It runs under the store's vehicle lock,
// so overflows are only flagged here and recorded when the resync is read.
func (b *Broadcaster) Notify(c fleet.Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sessions {
		s.offer(item{change: &c}, c.VehicleID())
	}
}

// NotifyCommand delivers a command outcome to sessions following the vehicle.
func (b *Broadcaster) NotifyCommand(r model.CommandResult) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sessions {
		s.offer(item{command: &r}, r.VehicleID)
	}
}

func (b *Broadcaster) resynced(s *Session) {
	b.log.Warnf("stream session %s: %v, resyncing", s.id, ErrSessionOverflow)
	b.record(s.id, coremetrics.SessionResync)
}

func (b *Broadcaster) record(id, action string) {
	if err := b.rec.RecordSession(coremetrics.SessionEvent{SessionID: id, Action: action, Time: b.now()}); err != nil {
		b.log.Warnf("record session: %v", err)
	}
}

// Reap closes sessions that have not read for longer than the idle timeout.
// Sessions blocked in Next are never reaped.
func (b *Broadcaster) Reap() int {
	cutoff := b.now().Add(-b.cfg.IdleTimeout())
	b.mu.RLock()
	var idle []string
	for id, s := range b.sessions {
		if last, ok := s.idleSince(); ok && last.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	b.mu.RUnlock()

	n := 0
	for _, id := range idle {
		if b.remove(id) {
			b.record(id, coremetrics.SessionReaped)
			b.log.Infof("stream session %s reaped after inactivity", id)
			n++
		}
	}
	return n
}

// RunReaper periodically reaps idle sessions until ctx ends.
func (b *Broadcaster) RunReaper(ctx context.Context) error {
	interval := b.cfg.IdleTimeout() / 4
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			b.Reap()
		}
	}
}

// Close ends every session and rejects new subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	sessions := b.sessions
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()
	for id, s := range sessions {
		s.close()
		b.record(id, coremetrics.SessionClosed)
	}
}
