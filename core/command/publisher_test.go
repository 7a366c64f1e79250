package command

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetstream/core/model"
	coremqtt "github.com/kilianp07/fleetstream/core/mqtt"
	"github.com/kilianp07/fleetstream/core/telemetry"
)

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeTransport acknowledges publishes unless told to hang or fail.
type fakeTransport struct {
	mu        sync.Mutex
	hang      bool
	failFirst int
	calls     []published
}

func (f *fakeTransport) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	f.mu.Lock()
	f.calls = append(f.calls, published{topic: topic, qos: qos, payload: payload})
	hang := f.hang
	fail := f.failFirst > 0
	if fail {
		f.failFirst--
	}
	f.mu.Unlock()
	if fail {
		return coremqtt.ErrNotConnected
	}
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeTransport) setHang(h bool) {
	f.mu.Lock()
	f.hang = h
	f.mu.Unlock()
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func intPtr(v int) *int { return &v }

type directory map[string]bool

func (d directory) Known(id string) bool { return d[id] }

type resultSink struct {
	mu      sync.Mutex
	results []model.CommandResult
}

func (r *resultSink) NotifyCommand(res model.CommandResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func newPublisher(t *testing.T, tr *fakeTransport, opts ...Option) *Publisher {
	t.Helper()
	p := NewPublisher(Config{RetryBackoffMS: 1}, telemetry.NewTopics(telemetry.TopicConfig{}), tr,
		directory{"r1": true}, append([]Option{WithAckTimeout(100 * time.Millisecond)}, opts...)...)
	t.Cleanup(p.Close)
	return p
}

func TestSendAcknowledged(t *testing.T) {
	tr := &fakeTransport{}
	sink := &resultSink{}
	p := newPublisher(t, tr, WithNotifier(sink))

	res, err := p.Send(context.Background(), model.CommandRequest{
		VehicleID: "r1", CommandType: "RETURN_HOME", Payload: json.RawMessage(`{"alt":30}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.CommandAcknowledged, res.Status)
	assert.NotEmpty(t, res.RequestID)

	require.Equal(t, 1, tr.count())
	call := tr.calls[0]
	assert.Equal(t, "fleet/r1/command", call.topic)
	assert.Equal(t, byte(1), call.qos)
	var env map[string]any
	require.NoError(t, json.Unmarshal(call.payload, &env))
	assert.Equal(t, res.RequestID, env["requestId"])
	assert.Equal(t, "RETURN_HOME", env["commandType"])
	assert.Equal(t, map[string]any{"alt": 30.0}, env["payload"])

	status, ok := p.Status(res.RequestID)
	require.True(t, ok)
	assert.Equal(t, model.CommandAcknowledged, status.Status)
	require.Len(t, sink.results, 1)
}

func TestPublishUnknownVehicle(t *testing.T) {
	p := newPublisher(t, &fakeTransport{})
	_, err := p.Publish(model.CommandRequest{VehicleID: "ghost", CommandType: "X"})
	assert.ErrorIs(t, err, ErrUnknownVehicle)
}

func TestPublishValidation(t *testing.T) {
	p := newPublisher(t, &fakeTransport{})
	_, err := p.Publish(model.CommandRequest{VehicleID: "r1"})
	assert.ErrorIs(t, err, ErrInvalidCommand)
	_, err = p.Publish(model.CommandRequest{VehicleID: "r1", CommandType: "X", Payload: json.RawMessage(`{`)})
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestTimeoutThenRecovery(t *testing.T) {
	tr := &fakeTransport{hang: true}
	p := newPublisher(t, tr)

	id, err := p.Publish(model.CommandRequest{VehicleID: "r1", CommandType: "RETURN_HOME"})
	require.NoError(t, err)
	pendingStatus, ok := p.Status(id)
	require.True(t, ok)
	assert.Equal(t, model.CommandPending, pendingStatus.Status)

	res, err := p.Await(context.Background(), id)
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.Equal(t, model.CommandFailed, res.Status)
	assert.NotEmpty(t, res.Error)

	tr.setHang(false)
	res, err = p.Send(context.Background(), model.CommandRequest{VehicleID: "r1", CommandType: "RETURN_HOME"})
	require.NoError(t, err)
	assert.Equal(t, model.CommandAcknowledged, res.Status)
}

func TestRetriesWhileDisconnected(t *testing.T) {
	tr := &fakeTransport{failFirst: 2}
	p := newPublisher(t, tr)
	res, err := p.Send(context.Background(), model.CommandRequest{VehicleID: "r1", CommandType: "PING"})
	require.NoError(t, err)
	assert.Equal(t, model.CommandAcknowledged, res.Status)
	assert.Equal(t, 3, tr.count())
}

func TestZeroRetriesPublishesOnce(t *testing.T) {
	tr := &fakeTransport{failFirst: 2}
	p := NewPublisher(Config{RetryBackoffMS: 1, MaxRetries: intPtr(0)}, telemetry.NewTopics(telemetry.TopicConfig{}), tr,
		directory{"r1": true}, WithAckTimeout(time.Second))
	t.Cleanup(p.Close)

	res, err := p.Send(context.Background(), model.CommandRequest{VehicleID: "r1", CommandType: "PING"})
	assert.ErrorIs(t, err, coremqtt.ErrNotConnected)
	assert.Equal(t, model.CommandFailed, res.Status)
	assert.Equal(t, 1, tr.count())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Retries())

	cfg = Config{MaxRetries: intPtr(0)}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.Retries())

	cfg = Config{MaxRetries: intPtr(-1)}
	cfg.SetDefaults()
	assert.Error(t, cfg.Validate())
}

func TestDuplicateRequestID(t *testing.T) {
	tr := &fakeTransport{hang: true}
	p := newPublisher(t, tr)
	_, err := p.Publish(model.CommandRequest{RequestID: "fixed", VehicleID: "r1", CommandType: "X"})
	require.NoError(t, err)
	_, err = p.Publish(model.CommandRequest{RequestID: "fixed", VehicleID: "r1", CommandType: "X"})
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestAwaitUnknown(t *testing.T) {
	p := newPublisher(t, &fakeTransport{})
	_, err := p.Await(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownRequest)
	_, ok := p.Status("nope")
	assert.False(t, ok)
}

func TestCloseFailsInflight(t *testing.T) {
	tr := &fakeTransport{hang: true}
	p := NewPublisher(Config{}, telemetry.NewTopics(telemetry.TopicConfig{}), tr, directory{"r1": true})
	id, err := p.Publish(model.CommandRequest{VehicleID: "r1", CommandType: "X"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.count() == 1 }, time.Second, 5*time.Millisecond)

	p.Close()
	res, err := p.Await(context.Background(), id)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, model.CommandFailed, res.Status)

	_, err = p.Publish(model.CommandRequest{VehicleID: "r1", CommandType: "X"})
	assert.ErrorIs(t, err, ErrClosed)
}
