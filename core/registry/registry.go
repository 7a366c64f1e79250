package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kilianp07/fleetstream/core/logger"
	coremqtt "github.com/kilianp07/fleetstream/core/mqtt"
	"github.com/kilianp07/fleetstream/core/telemetry"
)

// ErrNotDeclared is returned when retiring an unknown vehicle.
var ErrNotDeclared = errors.New("vehicle not declared")

// LossMarker is told when a vehicle is retired or declared again. A retired
// vehicle is held LOST and its late telemetry is ignored.
type LossMarker interface {
	Retire(vehicleID string) bool
	Reinstate(vehicleID string)
}

// Subscription describes one declared vehicle.
type Subscription struct {
	VehicleID string `json:"vehicleId"`
	Topic     string `json:"topic"`
	// Active is false until the broker confirmed the subscription on the
	// current session.
	Active      bool      `json:"active"`
	ActiveSince time.Time `json:"activeSince,omitempty"`
}

// Registry owns the set of declared vehicles and keeps the broker
// subscriptions in line with it across reconnects.
type Registry struct {
	topics  telemetry.Topics
	broker  coremqtt.Subscriber
	handler coremqtt.MessageHandler
	marker  LossMarker
	log     logger.Logger
	now     func() time.Time

	mu   sync.Mutex
	subs map[string]*Subscription
}

// Option customizes a Registry.
type Option func(*Registry)

func WithLogger(l logger.Logger) Option { return func(r *Registry) { r.log = logger.OrNop(l) } }

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// New returns an empty registry. handler receives every telemetry message
// and marker may be nil.
func New(topics telemetry.Topics, broker coremqtt.Subscriber, handler coremqtt.MessageHandler, marker LossMarker, opts ...Option) *Registry {
	r := &Registry{
		topics:  topics,
		broker:  broker,
		handler: handler,
		marker:  marker,
		log:     logger.Nop{},
		now:     time.Now,
		subs:    make(map[string]*Subscription),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Declare adds a vehicle. The subscription is made immediately when the
// broker is connected and otherwise deferred to the next Resubscribe.
// Declaring a vehicle twice is a no-op.
func (r *Registry) Declare(vehicleID string) error {
	if err := telemetry.ValidateVehicleID(vehicleID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[vehicleID]; ok {
		return nil
	}
	sub := &Subscription{VehicleID: vehicleID, Topic: r.topics.Telemetry(vehicleID)}
	r.subs[vehicleID] = sub
	if r.marker != nil {
		r.marker.Reinstate(vehicleID)
	}
	if !r.broker.IsConnected() {
		r.log.Debugf("vehicle %s declared, subscription deferred until connected", vehicleID)
		return nil
	}
	if err := r.subscribe(sub); err != nil {
		// Kept declared; the next reconnect retries it.
		r.log.Warnf("subscribe %s: %v", sub.Topic, err)
	}
	return nil
}

// Retire removes a vehicle, drops its subscription and marks it LOST.
// Telemetry still in flight for it is ignored until it is declared again.
func (r *Registry) Retire(vehicleID string) error {
	r.mu.Lock()
	sub, ok := r.subs[vehicleID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotDeclared, vehicleID)
	}
	delete(r.subs, vehicleID)
	if sub.Active && r.broker.IsConnected() {
		if err := r.broker.Unsubscribe(sub.Topic); err != nil {
			r.log.Warnf("unsubscribe %s: %v", sub.Topic, err)
		}
	}
	r.mu.Unlock()

	if r.marker != nil {
		r.marker.Retire(vehicleID)
	}
	r.log.Infof("vehicle %s retired", vehicleID)
	return nil
}

// Resubscribe re-establishes every declared subscription. It is called by
// the connection manager on each (re)connect, before the session is
// reported ready.
func (r *Registry) Resubscribe() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, sub := range r.subs {
		sub.Active = false
		if err := r.subscribe(sub); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sub.Topic, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	r.log.Infof("resubscribed %d vehicles", len(r.subs))
	return nil
}

// Deactivate flags every subscription inactive after the session dropped.
func (r *Registry) Deactivate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		sub.Active = false
	}
}

// subscribe must be called with r.mu held.
func (r *Registry) subscribe(sub *Subscription) error {
	if err := r.broker.Subscribe(sub.Topic, r.handler); err != nil {
		return err
	}
	sub.Active = true
	sub.ActiveSince = r.now()
	return nil
}

// Declared reports whether the vehicle is part of the registry.
func (r *Registry) Declared(vehicleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[vehicleID]
	return ok
}

// List returns the subscriptions ordered by vehicle id.
func (r *Registry) List() []Subscription {
	r.mu.Lock()
	out := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, *s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}
