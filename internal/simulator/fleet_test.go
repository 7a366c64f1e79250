package simulator

import (
	"bytes"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kilianp07/fleetstream/core/telemetry"
)

type fakeTransport struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{published: map[string][][]byte{}}
}

func (f *fakeTransport) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

func (f *fakeTransport) Subscribe(string, func(string, []byte)) error { return nil }
func (f *fakeTransport) Close()                                       {}

func TestNewFleetIDs(t *testing.T) {
	f := NewFleet(Config{Count: 3, Seed: 1}, nil)
	for _, id := range []string{"rover-1", "rover-2", "rover-3"} {
		if _, ok := f.Rover(id); !ok {
			t.Fatalf("missing %s", id)
		}
	}
	if _, ok := f.Rover("rover-4"); ok {
		t.Fatal("unexpected rover-4")
	}
}

func TestTickPublishesDecodableTelemetry(t *testing.T) {
	f := NewFleet(Config{Count: 2, Seed: 1, Interval: time.Second}, nil)
	tr := newFakeTransport()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := f.Tick(tr, now); err != nil {
		t.Fatal(err)
	}

	dec := telemetry.NewDecoder(telemetry.NewTopics(telemetry.TopicConfig{}))
	docs := tr.published["fleet/rover-1/telemetry"]
	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	ev, err := dec.Decode("fleet/rover-1/telemetry", docs[0], now)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if seq, ok := ev.Sequence(); !ok || seq != 1 {
		t.Fatalf("seq = %d, %v", seq, ok)
	}
	if !ev.Timestamp.Equal(now) {
		t.Fatalf("timestamp = %s", ev.Timestamp)
	}
	if _, ok := ev.Field("battery"); !ok {
		t.Fatal("battery missing")
	}
}

func TestDuplicateRateRepublishes(t *testing.T) {
	f := NewFleet(Config{Count: 1, Seed: 1, DuplicateRate: 1}, nil)
	tr := newFakeTransport()
	for i := 0; i < 3; i++ {
		if err := f.Tick(tr, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	docs := tr.published["fleet/rover-1/telemetry"]
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}
	if !bytes.Equal(docs[0], docs[2]) {
		t.Fatal("expected duplicates of the first document")
	}
}

func TestReturnHomeCommand(t *testing.T) {
	f := NewFleet(Config{Count: 1, Seed: 1}, nil)
	tr := newFakeTransport()
	for i := 0; i < 5; i++ {
		if err := f.Tick(tr, time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	f.HandleCommand("fleet/rover-1/command", []byte(`{"requestId":"r1","commandType":"RETURN_HOME"}`))
	got, _ := f.Rover("rover-1")
	if got.Mode != ModeReturning {
		t.Fatalf("mode = %s", got.Mode)
	}

	for i := 0; i < 200 && got.Mode != ModeHome; i++ {
		if err := f.Tick(tr, time.Now()); err != nil {
			t.Fatal(err)
		}
		got, _ = f.Rover("rover-1")
	}
	if got.Mode != ModeHome {
		t.Fatalf("rover never reached home, mode %s", got.Mode)
	}
	if got.Lat != got.HomeLat || got.Lon != got.HomeLon {
		t.Fatal("rover not at home position")
	}
}

func TestRoverHandle(t *testing.T) {
	r := NewRover("rover-1", rand.New(rand.NewSource(1)))
	if err := r.Handle(Command{CommandType: CmdSetSpeed, Payload: []byte(`{"speed":7}`)}); err != nil {
		t.Fatal(err)
	}
	if r.Speed != 7 {
		t.Fatalf("speed = %v", r.Speed)
	}
	if err := r.Handle(Command{CommandType: CmdSetSpeed, Payload: []byte(`{"speed":-1}`)}); err == nil {
		t.Fatal("expected error for negative speed")
	}
	if err := r.Handle(Command{CommandType: "SELF_DESTRUCT"}); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestDropRateIgnoresCommands(t *testing.T) {
	f := NewFleet(Config{Count: 1, Seed: 1, DropRate: 1}, nil)
	f.HandleCommand("fleet/rover-1/command", []byte(`{"vehicleId":"rover-1","commandType":"RETURN_HOME"}`))
	if r, _ := f.Rover("rover-1"); r.Mode != ModePatrol {
		t.Fatalf("mode = %s", r.Mode)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	cfg.DropRate = 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected rate error")
	}
}
