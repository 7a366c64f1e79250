package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/kilianp07/fleetstream/core/logger"
	coremetrics "github.com/kilianp07/fleetstream/core/metrics"
	"github.com/kilianp07/fleetstream/core/model"
)

// ErrNotFound is returned for vehicles that never reported.
var ErrNotFound = errors.New("vehicle not found")

// ChangeKind tells why a vehicle state changed.
type ChangeKind string

const (
	ChangeTelemetry ChangeKind = "telemetry"
	ChangeHealth    ChangeKind = "health"
)

// Change is emitted for every state transition, in per-vehicle order.
type Change struct {
	Kind  ChangeKind         `json:"kind"`
	State model.VehicleState `json:"state"`
}

func (c Change) VehicleID() string { return c.State.VehicleID }
func (c Change) Revision() uint64  { return c.State.Revision }

// Snapshot is a point-in-time copy of the fleet.
type Snapshot struct {
	TakenAt  time.Time                     `json:"takenAt"`
	Vehicles map[string]model.VehicleState `json:"vehicles"`
}

// Notifier receives changes synchronously while the vehicle is locked.
// Implementations must not block and must not call back into the store.
type Notifier interface {
	Notify(Change)
}

type entry struct {
	mu      sync.Mutex
	state   model.VehicleState
	health  *fsm.FSM
	history *history
	retired bool
}

// Store holds the latest state of every vehicle. Updates for one vehicle are
// serialized; different vehicles proceed in parallel.
type Store struct {
	cfg Config
	now func() time.Time
	log logger.Logger
	rec coremetrics.HealthRecorder

	mu       sync.RWMutex
	entries  map[string]*entry
	notifier Notifier

	revision atomic.Uint64
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithLogger(l logger.Logger) Option { return func(s *Store) { s.log = logger.OrNop(l) } }

func WithRecorder(r coremetrics.HealthRecorder) Option {
	return func(s *Store) {
		if r != nil {
			s.rec = r
		}
	}
}

func NewStore(cfg Config, opts ...Option) *Store {
	cfg.SetDefaults()
	s := &Store{
		cfg:     cfg,
		now:     time.Now,
		log:     logger.Nop{},
		rec:     coremetrics.NopSink{},
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetNotifier installs the change listener. Call it before the first Apply.
func (s *Store) SetNotifier(n Notifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

func (s *Store) lookup(id string, create bool) *entry {
	s.mu.RLock()
	e := s.entries[id]
	s.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.entries[id]; e == nil {
		e = &entry{health: newHealthFSM(), history: newHistory(s.cfg.History())}
		s.entries[id] = e
	}
	return e
}

func (s *Store) emit(c Change) {
	s.mu.RLock()
	n := s.notifier
	s.mu.RUnlock()
	if n != nil {
		n.Notify(c)
	}
}

// Apply merges ev into the vehicle state. Events that do not supersede the
// current one, and events for retired vehicles, are dropped and reported
// with applied=false. Applying always brings the vehicle back to FRESH.
func (s *Store) Apply(ev model.TelemetryEvent) (model.VehicleState, bool) {
	st, applied, hc := s.apply(ev)
	s.recordHealth(hc)
	return st, applied
}

func (s *Store) apply(ev model.TelemetryEvent) (model.VehicleState, bool, *healthChange) {
	e := s.lookup(ev.VehicleID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.retired {
		return e.state, false, nil
	}
	known := e.state.Revision != 0
	if known && !ev.Supersedes(e.state.LastEvent) {
		return e.state, false, nil
	}

	now := s.now()
	if now.Before(e.state.LastUpdatedAt) {
		now = e.state.LastUpdatedAt
	}
	from, to, changed := fire(e.health, eventRefresh)
	e.history.push(ev)
	e.state = model.VehicleState{
		VehicleID:     ev.VehicleID,
		LastEvent:     ev,
		LastUpdatedAt: now,
		Health:        to,
		History:       e.history.slice(),
		Revision:      s.revision.Add(1),
	}
	s.emit(Change{Kind: ChangeTelemetry, State: e.state})
	if !changed {
		return e.state, true, nil
	}
	return e.state, true, &healthChange{id: ev.VehicleID, from: from, to: to, at: now}
}

// healthChange is recorded once the vehicle lock is released.
type healthChange struct {
	id       string
	from, to model.Health
	at       time.Time
}

// transition must be called with e.mu held. The returned change, if any,
// must be passed to recordHealth after unlocking.
func (s *Store) transition(e *entry, event string) *healthChange {
	if e.state.Revision == 0 {
		return nil
	}
	from, to, changed := fire(e.health, event)
	if !changed {
		return nil
	}
	next := e.state
	next.Health = to
	next.Revision = s.revision.Add(1)
	e.state = next
	s.emit(Change{Kind: ChangeHealth, State: next})
	return &healthChange{id: next.VehicleID, from: from, to: to, at: s.now()}
}

func (s *Store) recordHealth(hc *healthChange) {
	if hc == nil {
		return
	}
	s.log.Debugw("vehicle health changed", map[string]any{"vehicle_id": hc.id, "from": hc.from, "to": hc.to})
	ev := coremetrics.HealthEvent{VehicleID: hc.id, From: string(hc.from), To: string(hc.to), Time: hc.at}
	if err := s.rec.RecordHealth(ev); err != nil {
		s.log.Warnf("record health: %v", err)
	}
}

func (s *Store) all() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// Sweep downgrades vehicles whose last update is older than the configured
// thresholds and returns how many changed. Each vehicle is re-checked under
// its lock so a concurrent Apply always wins.
func (s *Store) Sweep() int {
	now := s.now()
	n := 0
	for _, e := range s.all() {
		e.mu.Lock()
		var hc *healthChange
		age := now.Sub(e.state.LastUpdatedAt)
		switch {
		case age >= s.cfg.LostAfter():
			hc = s.transition(e, eventLose)
		case age >= s.cfg.StaleAfter():
			hc = s.transition(e, eventStale)
		}
		e.mu.Unlock()
		if hc != nil {
			s.recordHealth(hc)
			n++
		}
	}
	return n
}

// MarkAllStale downgrades every FRESH vehicle. It is used when the broker
// session drops and no vehicle can be considered live.
func (s *Store) MarkAllStale() int {
	n := 0
	for _, e := range s.all() {
		e.mu.Lock()
		hc := s.transition(e, eventStale)
		e.mu.Unlock()
		if hc != nil {
			s.recordHealth(hc)
			n++
		}
	}
	return n
}

// MarkLost forces a vehicle to LOST. It reports false when the vehicle never
// reported or is already LOST.
func (s *Store) MarkLost(id string) bool {
	e := s.lookup(id, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	hc := s.transition(e, eventLose)
	e.mu.Unlock()
	s.recordHealth(hc)
	return hc != nil
}

// Retire marks a vehicle LOST and ignores its telemetry until Reinstate.
// The last known state stays readable. It reports whether the health
// changed.
func (s *Store) Retire(id string) bool {
	e := s.lookup(id, true)
	e.mu.Lock()
	e.retired = true
	hc := s.transition(e, eventLose)
	e.mu.Unlock()
	s.recordHealth(hc)
	return hc != nil
}

// Reinstate accepts telemetry for a retired vehicle again. The vehicle stays
// LOST until its next event.
func (s *Store) Reinstate(id string) {
	e := s.lookup(id, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.retired = false
	e.mu.Unlock()
}

// Retired reports whether telemetry for the vehicle is being ignored.
func (s *Store) Retired(id string) bool {
	e := s.lookup(id, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retired
}

// Get returns the state of one vehicle.
func (s *Store) Get(id string) (model.VehicleState, error) {
	e := s.lookup(id, false)
	if e == nil {
		return model.VehicleState{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Revision == 0 {
		return model.VehicleState{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.state, nil
}

// Known reports whether the vehicle has reported at least once.
func (s *Store) Known(id string) bool {
	_, err := s.Get(id)
	return err == nil
}

// Snapshot copies every vehicle state. Vehicles are read one at a time, so
// the snapshot is consistent per vehicle.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	entries := make([]*entry, 0, len(s.entries))
	for id, e := range s.entries {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	vehicles := make(map[string]model.VehicleState, len(entries))
	for i, e := range entries {
		e.mu.Lock()
		if e.state.Revision != 0 {
			vehicles[ids[i]] = e.state
		}
		e.mu.Unlock()
	}
	return Snapshot{TakenAt: s.now(), Vehicles: vehicles}
}

// List returns the snapshot as a slice ordered by vehicle id.
func (s *Store) List() []model.VehicleState {
	snap := s.Snapshot()
	out := make([]model.VehicleState, 0, len(snap.Vehicles))
	for _, st := range snap.Vehicles {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

// Counts returns the number of vehicles per health.
func (s *Store) Counts() map[model.Health]int {
	out := map[model.Health]int{model.HealthFresh: 0, model.HealthStale: 0, model.HealthLost: 0}
	for _, st := range s.Snapshot().Vehicles {
		out[st.Health]++
	}
	return out
}

// RunSweeper calls Sweep on every interval until ctx ends.
func (s *Store) RunSweeper(ctx context.Context) error {
	t := time.NewTicker(s.cfg.SweepInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := s.Sweep(); n > 0 {
				s.log.Debugf("sweep changed %d vehicles", n)
			}
		}
	}
}
