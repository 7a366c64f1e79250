package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetstream/core/model"
)

var received = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDecoder() *Decoder {
	return NewDecoder(NewTopics(TopicConfig{Prefix: "fleet"}))
}

func TestDecodeFullDocument(t *testing.T) {
	d := newTestDecoder()
	payload := []byte(`{"vehicleId":"rover-1","ts":1772366400000,"seq":7,"mode":"AUTO","armed":true,
		"metrics":{"battery":81.5,"speed":3},"pos":{"lat":48.1,"lng":2.3}}`)

	ev, err := d.Decode("fleet/rover-1/telemetry", payload, received)
	require.NoError(t, err)

	assert.Equal(t, "rover-1", ev.VehicleID)
	assert.Equal(t, time.UnixMilli(1772366400000).UTC(), ev.Timestamp)
	seq, ok := ev.Sequence()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), seq)
	assert.Equal(t, len(payload), ev.Size)
	assert.Equal(t, received, ev.ReceivedAt)

	battery, ok := ev.Fields["battery"].Float()
	assert.True(t, ok)
	assert.InDelta(t, 81.5, battery, 1e-9)
	mode, _ := ev.Fields["mode"].Text()
	assert.Equal(t, "AUTO", mode)
	assert.Equal(t, model.KindRaw, ev.Fields["pos"].Kind())
	assert.NotContains(t, ev.Fields, "vehicleId")
	assert.NotContains(t, ev.Fields, "ts")
	assert.NotContains(t, ev.Fields, "metrics")
}

func TestDecodeSequenceOnlyDefaultsTimestampToReceiveTime(t *testing.T) {
	ev, err := newTestDecoder().Decode("fleet/rover-2/telemetry", []byte(`{"seq":3,"battery":10}`), received)
	require.NoError(t, err)
	assert.Equal(t, "rover-2", ev.VehicleID)
	assert.Equal(t, received, ev.Timestamp)
	seq, ok := ev.Sequence()
	assert.True(t, ok)
	assert.Equal(t, uint64(3), seq)
}

func TestDecodeTimestampFormats(t *testing.T) {
	d := newTestDecoder()
	cases := map[string]time.Time{
		`{"timestamp":1772366400}`:                     time.Unix(1772366400, 0).UTC(),
		`{"timestamp":1772366400.5}`:                   time.Unix(1772366400, 5e8).UTC(),
		`{"timestamp":"2026-03-01T11:00:00Z"}`:         time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		`{"timestamp":"2026-03-01T13:00:00.25+02:00"}`: time.Date(2026, 3, 1, 11, 0, 0, 25e7, time.UTC),
		`{"ts":"1772366400000"}`:                       time.UnixMilli(1772366400000).UTC(),
	}
	for payload, want := range cases {
		ev, err := d.Decode("fleet/r/telemetry", []byte(payload), received)
		require.NoError(t, err, payload)
		assert.True(t, want.Equal(ev.Timestamp), "%s: got %v", payload, ev.Timestamp)
	}
}

func TestDecodeWithoutTopicUsesPayloadID(t *testing.T) {
	ev, err := newTestDecoder().Decode("", []byte(`{"droneId":"d-9","seq":1,"alt":120}`), received)
	require.NoError(t, err)
	assert.Equal(t, "d-9", ev.VehicleID)
}

func TestDecodeRejects(t *testing.T) {
	d := newTestDecoder()
	cases := []struct {
		name    string
		topic   string
		payload string
		target  error
	}{
		{"malformed", "fleet/r1/telemetry", `{"battery":`, ErrDecode},
		{"not an object", "fleet/r1/telemetry", `[1,2]`, ErrDecode},
		{"empty", "fleet/r1/telemetry", ``, ErrDecode},
		{"mismatch", "fleet/r1/telemetry", `{"vehicleId":"r2"}`, ErrVehicleMismatch},
		{"conflicting aliases", "", `{"vehicleId":"a","vehicle_id":"b"}`, ErrDecode},
		{"no vehicle", "", `{"battery":1}`, ErrInvalidVehicleID},
		{"foreign topic", "other/r1/telemetry", `{}`, ErrDecode},
		{"command topic", "fleet/r1/command", `{}`, ErrDecode},
		{"bad seq", "fleet/r1/telemetry", `{"seq":-1}`, ErrDecode},
		{"bad timestamp", "fleet/r1/telemetry", `{"timestamp":"yesterday"}`, ErrDecode},
		{"wildcard id", "", `{"vehicleId":"a/#"}`, ErrInvalidVehicleID},
		{"no ordering key", "fleet/r1/telemetry", `{"lat":10.0}`, ErrNoOrderingKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.Decode(tc.topic, []byte(tc.payload), received)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.target)
			assert.ErrorIs(t, err, ErrDecode)
			var de *DecodeError
			assert.True(t, errors.As(err, &de))
		})
	}
}

func TestMetricsOverrideTopLevel(t *testing.T) {
	ev, err := newTestDecoder().Decode("fleet/r/telemetry", []byte(`{"seq":1,"battery":1,"metrics":{"battery":2}}`), received)
	require.NoError(t, err)
	v, _ := ev.Fields["battery"].Float()
	assert.Equal(t, 2.0, v)
}

func TestNonObjectMetricsKeptAsField(t *testing.T) {
	ev, err := newTestDecoder().Decode("fleet/r/telemetry", []byte(`{"seq":1,"metrics":[1,2]}`), received)
	require.NoError(t, err)
	assert.Equal(t, model.KindRaw, ev.Fields["metrics"].Kind())
}

func TestTopics(t *testing.T) {
	tp := NewTopics(TopicConfig{Prefix: "/drones/"})
	assert.Equal(t, "drones/d1/telemetry", tp.Telemetry("d1"))
	assert.Equal(t, "drones/d1/command", tp.Command("d1"))
	id, err := tp.VehicleFromTelemetry("drones/d1/telemetry")
	require.NoError(t, err)
	assert.Equal(t, "d1", id)

	_, err = tp.VehicleFromTelemetry("drones/a/b/telemetry")
	assert.ErrorIs(t, err, ErrInvalidVehicleID)

	assert.Equal(t, DefaultPrefix, NewTopics(TopicConfig{}).Prefix())
}
