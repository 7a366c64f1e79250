// Package simulator drives a fleet of simulated rovers that publish
// telemetry and obey commands over MQTT.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/fleetstream/core/logger"
)

// Transport is the broker surface used by the fleet.
type Transport interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Close()
}

// Fleet publishes telemetry for every rover on each tick.
type Fleet struct {
	cfg    Config
	log    logger.Logger
	rng    *rand.Rand
	mu     sync.Mutex
	rovers map[string]*Rover
	ids    []string
	last   map[string][]byte
}

// NewFleet creates Count rovers named rover-1..rover-N.
func NewFleet(cfg Config, log logger.Logger) *Fleet {
	cfg.SetDefaults()
	f := &Fleet{
		cfg:    cfg,
		log:    logger.OrNop(log),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		rovers: make(map[string]*Rover, cfg.Count),
		last:   make(map[string][]byte, cfg.Count),
	}
	for i := 1; i <= cfg.Count; i++ {
		id := fmt.Sprintf("rover-%d", i)
		f.rovers[id] = NewRover(id, f.rng)
		f.ids = append(f.ids, id)
	}
	return f
}

// Rover returns a copy of a rover's current state.
func (f *Fleet) Rover(id string) (Rover, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rovers[id]
	if !ok {
		return Rover{}, false
	}
	return *r, true
}

// Tick advances every rover and publishes its telemetry.
func (f *Fleet) Tick(t Transport, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.ids {
		r := f.rovers[id]
		topic := f.cfg.Prefix + "/" + id + "/telemetry"
		if prev := f.last[id]; prev != nil && f.rng.Float64() < f.cfg.DuplicateRate {
			if err := t.Publish(topic, prev); err != nil {
				return err
			}
			continue
		}
		r.Step(f.cfg.Interval, f.rng)
		doc, err := r.Telemetry(now)
		if err != nil {
			return fmt.Errorf("encode %s: %w", id, err)
		}
		if err := t.Publish(topic, doc); err != nil {
			return fmt.Errorf("publish %s: %w", id, err)
		}
		f.last[id] = doc
	}
	return nil
}

// HandleCommand routes a command message to its rover.
func (f *Fleet) HandleCommand(topic string, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		f.log.Warnf("decode command on %s: %v", topic, err)
		return
	}
	if cmd.VehicleID == "" {
		parts := strings.Split(topic, "/")
		if len(parts) >= 3 {
			cmd.VehicleID = parts[len(parts)-2]
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rovers[cmd.VehicleID]
	if !ok {
		f.log.Warnf("command for unknown rover %s", cmd.VehicleID)
		return
	}
	if f.cfg.DropRate > 0 && f.rng.Float64() < f.cfg.DropRate {
		f.log.Infof("%s: dropping %s", r.ID, cmd.RequestID)
		return
	}
	if err := r.Handle(cmd); err != nil {
		f.log.Warnf("%s: %v", r.ID, err)
		return
	}
	f.log.Infof("%s: applied %s (%s), mode %s", r.ID, cmd.CommandType, cmd.RequestID, r.Mode)
}

// Run subscribes to commands and publishes telemetry every interval until
// ctx ends.
func (f *Fleet) Run(ctx context.Context, t Transport) error {
	defer t.Close()
	if err := t.Subscribe(f.cfg.Prefix+"/+/command", f.HandleCommand); err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	f.log.Infof("simulating %d rovers every %s", len(f.ids), f.cfg.Interval)
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := f.Tick(t, now); err != nil {
				f.log.Warnf("tick: %v", err)
			}
		}
	}
}

type pahoTransport struct {
	cli paho.Client
}

// Dial connects to the broker with automatic reconnection.
func Dial(cfg Config) (Transport, error) {
	cfg.SetDefaults()
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	cli := paho.NewClient(opts)
	if tok := cli.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, tok.Error()
	}
	return &pahoTransport{cli: cli}, nil
}

func (p *pahoTransport) Publish(topic string, payload []byte) error {
	tok := p.cli.Publish(topic, 0, false, payload)
	if !tok.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return tok.Error()
}

func (p *pahoTransport) Subscribe(topic string, handler func(string, []byte)) error {
	tok := p.cli.Subscribe(topic, 1, func(_ paho.Client, m paho.Message) {
		handler(m.Topic(), m.Payload())
	})
	tok.Wait()
	return tok.Error()
}

func (p *pahoTransport) Close() { p.cli.Disconnect(250) }
