package ingest

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetstream/core/fleet"
	coremetrics "github.com/kilianp07/fleetstream/core/metrics"
	"github.com/kilianp07/fleetstream/core/model"
	"github.com/kilianp07/fleetstream/core/telemetry"
)

type ingestRecorder struct {
	coremetrics.NopSink
	mu      sync.Mutex
	results []string
}

func (r *ingestRecorder) RecordIngest(ev coremetrics.IngestEvent) error {
	r.mu.Lock()
	r.results = append(r.results, ev.Result)
	r.mu.Unlock()
	return nil
}

func (r *ingestRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.results...)
}

func newIngestor(t *testing.T, size int) (*Ingestor, *fleet.Store, *ingestRecorder) {
	t.Helper()
	store := fleet.NewStore(fleet.Config{})
	rec := &ingestRecorder{}
	dec := telemetry.NewDecoder(telemetry.NewTopics(telemetry.TopicConfig{}))
	return New(Config{InboxSize: size}, dec, store, WithRecorder(rec)), store, rec
}

func TestProcessOutcomes(t *testing.T) {
	ing, store, rec := newIngestor(t, 4)

	applied, err := ing.Process(Message{Topic: "fleet/r1/telemetry", Payload: []byte(`{"seq":1,"battery":50}`)})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = ing.Process(Message{Topic: "fleet/r1/telemetry", Payload: []byte(`{"seq":1,"battery":50}`)})
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = ing.Process(Message{Topic: "fleet/r1/telemetry", Payload: []byte(`not json`)})
	assert.ErrorIs(t, err, telemetry.ErrDecode)

	assert.Equal(t, []string{coremetrics.IngestApplied, coremetrics.IngestDuplicate, coremetrics.IngestRejected}, rec.snapshot())
	st, err := store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthFresh, st.Health)
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Notify(fleet.Change) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestRedeliveryWithoutOrderingKeyIsRejected(t *testing.T) {
	ing, store, rec := newIngestor(t, 4)
	notes := &countingNotifier{}
	store.SetNotifier(notes)

	for i := 0; i < 2; i++ {
		applied, err := ing.Process(Message{Topic: "fleet/rover-7/telemetry", Payload: []byte(`{"lat":10.0}`)})
		assert.False(t, applied)
		assert.ErrorIs(t, err, telemetry.ErrNoOrderingKey)
	}
	assert.False(t, store.Known("rover-7"))
	assert.Zero(t, notes.count())
	assert.Equal(t, []string{coremetrics.IngestRejected, coremetrics.IngestRejected}, rec.snapshot())
}

func TestRetiredVehicleIgnoresLateTelemetry(t *testing.T) {
	ing, store, rec := newIngestor(t, 4)

	applied, err := ing.Process(Message{Topic: "fleet/r1/telemetry", Payload: []byte(`{"seq":1,"lat":10.0}`)})
	require.NoError(t, err)
	require.True(t, applied)
	require.True(t, store.Retire("r1"))

	applied, err = ing.Process(Message{Payload: []byte(`{"vehicleId":"r1","seq":2,"lat":10.1}`), Source: SourceHTTP})
	require.NoError(t, err)
	assert.False(t, applied)
	st, err := store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthLost, st.Health)
	seq, _ := st.LastEvent.Sequence()
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, []string{coremetrics.IngestApplied, coremetrics.IngestRetired}, rec.snapshot())

	store.Reinstate("r1")
	applied, err = ing.Process(Message{Topic: "fleet/r1/telemetry", Payload: []byte(`{"seq":3,"lat":10.2}`)})
	require.NoError(t, err)
	assert.True(t, applied)
	st, _ = store.Get("r1")
	assert.Equal(t, model.HealthFresh, st.Health)
}

func TestRunProcessesInOrderAndDrains(t *testing.T) {
	ing, store, _ := newIngestor(t, 64)
	for i := 1; i <= 20; i++ {
		ing.HandleMessage("fleet/r1/telemetry", []byte(`{"seq":`+strconv.Itoa(i)+`}`))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ing.Run(ctx))

	assert.Zero(t, ing.Pending())
	st, err := store.Get("r1")
	require.NoError(t, err)
	seq, _ := st.LastEvent.Sequence()
	assert.Equal(t, uint64(20), seq)
	assert.Len(t, st.History, 20)

	err = ing.Submit(context.Background(), Message{Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRunSurvivesBadPayloads(t *testing.T) {
	ing, store, _ := newIngestor(t, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ing.Run(ctx)
		close(done)
	}()

	ing.HandleMessage("fleet/r1/telemetry", []byte(`{{{`))
	require.NoError(t, ing.Submit(ctx, Message{Payload: []byte(`{"vehicleId":"r2","seq":1,"battery":3}`), Source: SourceHTTP}))
	require.Eventually(t, func() bool { return store.Known("r2") }, time.Second, time.Millisecond)
	assert.False(t, store.Known("r1"))

	cancel()
	<-done
}

func TestSubmitHonoursContextWhenFull(t *testing.T) {
	ing, _, _ := newIngestor(t, 1)
	require.NoError(t, ing.Submit(context.Background(), Message{Payload: []byte(`{}`)}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ing.Submit(ctx, Message{Payload: []byte(`{}`)}), context.DeadlineExceeded)
}
