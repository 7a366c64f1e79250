package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kilianp07/fleetstream/core/logger"
	coremetrics "github.com/kilianp07/fleetstream/core/metrics"
	"github.com/kilianp07/fleetstream/core/model"
	"github.com/kilianp07/fleetstream/core/monitoring"
)

// ErrStopped is returned by Submit once the ingestor stopped.
var ErrStopped = errors.New("ingestor stopped")

// Sources of inbound payloads.
const (
	SourceMQTT = "mqtt"
	SourceHTTP = "http"
)

// Config sizes the inbound queue.
type Config struct {
	InboxSize int `json:"inbox_size"`
}

func (c *Config) SetDefaults() {
	if c.InboxSize == 0 {
		c.InboxSize = 1024
	}
}

// Message is a raw payload waiting to be decoded. Topic is empty for
// payloads that did not come from the broker.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
	Source     string
}

// Decoder turns a payload into an event.
type Decoder interface {
	Decode(topic string, payload []byte, receivedAt time.Time) (model.TelemetryEvent, error)
}

// Applier merges events into the fleet state.
type Applier interface {
	Apply(ev model.TelemetryEvent) (model.VehicleState, bool)
}

// retirement is implemented by appliers that ignore retired vehicles.
type retirement interface {
	Retired(vehicleID string) bool
}

// Ingestor decouples transport callbacks from decoding and state updates.
// Messages are processed one at a time in arrival order.
type Ingestor struct {
	inbox   chan Message
	decoder Decoder
	store   Applier
	log     logger.Logger
	rec     coremetrics.IngestRecorder
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// Option customizes an Ingestor.
type Option func(*Ingestor)

func WithLogger(l logger.Logger) Option { return func(i *Ingestor) { i.log = logger.OrNop(l) } }

func WithRecorder(r coremetrics.IngestRecorder) Option {
	return func(i *Ingestor) {
		if r != nil {
			i.rec = r
		}
	}
}

func New(cfg Config, decoder Decoder, store Applier, opts ...Option) *Ingestor {
	cfg.SetDefaults()
	i := &Ingestor{
		inbox:   make(chan Message, cfg.InboxSize),
		decoder: decoder,
		store:   store,
		log:     logger.Nop{},
		rec:     coremetrics.NopSink{},
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// HandleMessage is the broker callback. It blocks while the inbox is full so
// that back-pressure reaches the broker connection instead of dropping data.
func (i *Ingestor) HandleMessage(topic string, payload []byte) {
	msg := Message{Topic: topic, Payload: payload, ReceivedAt: i.now(), Source: SourceMQTT}
	select {
	case i.inbox <- msg:
	case <-i.stop:
	}
}

// Submit queues a payload, waiting for room until ctx ends.
func (i *Ingestor) Submit(ctx context.Context, msg Message) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = i.now()
	}
	select {
	case <-i.stop:
		return ErrStopped
	default:
	}
	select {
	case i.inbox <- msg:
		return nil
	case <-i.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued messages.
func (i *Ingestor) Pending() int { return len(i.inbox) }

// Run processes the inbox until ctx ends. Queued messages are drained
// before returning.
func (i *Ingestor) Run(ctx context.Context) error {
	defer i.stopOnce.Do(func() { close(i.stop) })
	for {
		select {
		case msg := <-i.inbox:
			i.process(msg)
		case <-ctx.Done():
			i.stopOnce.Do(func() { close(i.stop) })
			for {
				select {
				case msg := <-i.inbox:
					i.process(msg)
				default:
					return nil
				}
			}
		}
	}
}

// Process handles one message synchronously and reports whether the state
// changed.
func (i *Ingestor) Process(msg Message) (bool, error) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = i.now()
	}
	ev, err := i.decoder.Decode(msg.Topic, msg.Payload, msg.ReceivedAt)
	if err != nil {
		i.record(msg, "", coremetrics.IngestRejected)
		return false, err
	}
	_, applied := i.store.Apply(ev)
	result := coremetrics.IngestApplied
	if !applied {
		result = coremetrics.IngestDuplicate
		if r, ok := i.store.(retirement); ok && r.Retired(ev.VehicleID) {
			result = coremetrics.IngestRetired
		}
	}
	i.record(msg, ev.VehicleID, result)
	return applied, nil
}

func (i *Ingestor) process(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Errorf("ingest panic on %q: %v", msg.Topic, r)
			monitoring.CapturePanic(r, map[string]string{"component": "ingest", "topic": msg.Topic})
		}
	}()
	if _, err := i.Process(msg); err != nil {
		i.log.Warnf("drop telemetry from %s: %v", describe(msg), err)
	}
}

func (i *Ingestor) record(msg Message, vehicleID, result string) {
	ev := coremetrics.IngestEvent{
		VehicleID: vehicleID,
		Source:    msg.Source,
		Result:    result,
		Size:      len(msg.Payload),
		Time:      msg.ReceivedAt,
	}
	if err := i.rec.RecordIngest(ev); err != nil {
		i.log.Warnf("record ingest: %v", err)
	}
}

func describe(msg Message) string {
	if msg.Topic != "" {
		return msg.Topic
	}
	return fmt.Sprintf("%s payload", msg.Source)
}
