package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kilianp07/fleetstream/core/model"
)

// Header keys recognised in telemetry documents. Everything else becomes a
// field.
var (
	vehicleKeys   = []string{"vehicleId", "vehicle_id", "droneId"}
	timestampKeys = []string{"timestamp", "ts"}
	sequenceKeys  = []string{"seq", "sequence", "sequenceNumber"}
)

// metricsKey names an optional object whose members are merged into the
// field map. Members win over top-level keys of the same name.
const metricsKey = "metrics"

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = 1e12

// Decoder turns raw telemetry payloads into events. It is stateless and safe
// for concurrent use.
type Decoder struct {
	topics Topics
}

func NewDecoder(topics Topics) *Decoder {
	return &Decoder{topics: topics}
}

// Decode parses payload received on topic. An empty topic means the payload
// arrived outside the broker and must name its vehicle itself. A payload
// needs a timestamp or a sequence number; when only the sequence number is
// present the timestamp defaults to receivedAt.
func (d *Decoder) Decode(topic string, payload []byte, receivedAt time.Time) (model.TelemetryEvent, error) {
	var topicID string
	if topic != "" {
		id, err := d.topics.VehicleFromTelemetry(topic)
		if err != nil {
			return model.TelemetryEvent{}, decodeErr(topic, "topic", err)
		}
		topicID = id
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return model.TelemetryEvent{}, decodeErr(topic, "payload is not a JSON object", nil)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return model.TelemetryEvent{}, decodeErr(topic, "malformed JSON", err)
	}

	h, err := readHeader(doc)
	if err != nil {
		return model.TelemetryEvent{}, decodeErr(topic, "header", err)
	}

	id := topicID
	switch {
	case topicID != "" && h.vehicleID != "" && h.vehicleID != topicID:
		return model.TelemetryEvent{}, decodeErr(topic, fmt.Sprintf("payload names %q", h.vehicleID), ErrVehicleMismatch)
	case id == "":
		id = h.vehicleID
	}
	if err := ValidateVehicleID(id); err != nil {
		return model.TelemetryEvent{}, decodeErr(topic, "vehicle id", err)
	}
	if h.timestamp.IsZero() && h.seq == nil {
		return model.TelemetryEvent{}, decodeErr(topic, "header", ErrNoOrderingKey)
	}

	fields, err := readFields(doc)
	if err != nil {
		return model.TelemetryEvent{}, decodeErr(topic, "fields", err)
	}

	ts := h.timestamp
	if ts.IsZero() {
		ts = receivedAt
	}
	return model.TelemetryEvent{
		VehicleID:  id,
		Timestamp:  ts,
		Seq:        h.seq,
		Fields:     fields,
		Size:       len(payload),
		ReceivedAt: receivedAt,
	}, nil
}

type header struct {
	vehicleID string
	timestamp time.Time
	seq       *uint64
}

func readHeader(doc map[string]json.RawMessage) (header, error) {
	var h header
	for _, k := range vehicleKeys {
		raw, ok := doc[k]
		if !ok {
			continue
		}
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return h, fmt.Errorf("%s must be a string", k)
		}
		if h.vehicleID != "" && h.vehicleID != id {
			return h, fmt.Errorf("conflicting vehicle ids %q and %q", h.vehicleID, id)
		}
		h.vehicleID = id
	}
	for _, k := range timestampKeys {
		raw, ok := doc[k]
		if !ok {
			continue
		}
		ts, err := parseTimestamp(raw)
		if err != nil {
			return h, fmt.Errorf("%s: %w", k, err)
		}
		h.timestamp = ts
		break
	}
	for _, k := range sequenceKeys {
		raw, ok := doc[k]
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(string(bytes.TrimSpace(raw)), 10, 64)
		if err != nil {
			return h, fmt.Errorf("%s must be a non-negative integer", k)
		}
		h.seq = &n
		break
	}
	return h, nil
}

func isHeaderKey(k string) bool {
	for _, set := range [][]string{vehicleKeys, timestampKeys, sequenceKeys} {
		for _, h := range set {
			if h == k {
				return true
			}
		}
	}
	return false
}

func readFields(doc map[string]json.RawMessage) (map[string]model.Value, error) {
	fields := make(map[string]model.Value, len(doc))
	for k, raw := range doc {
		if isHeaderKey(k) || k == metricsKey {
			continue
		}
		var v model.Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		fields[k] = v
	}
	raw, ok := doc[metricsKey]
	if !ok {
		return fields, nil
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nested); err != nil || nested == nil {
		// Not an object: keep it as an ordinary field.
		var v model.Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", metricsKey, err)
		}
		fields[metricsKey] = v
		return fields, nil
	}
	for k, r := range nested {
		var v model.Value
		if err := v.UnmarshalJSON(r); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", metricsKey, k, err)
		}
		fields[k] = v
	}
	return fields, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("unsupported time %q", s)
		}
		return fromEpoch(f)
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unsupported time %s", raw)
	}
	return fromEpoch(f)
}

func fromEpoch(f float64) (time.Time, error) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("invalid epoch %v", f)
	}
	if f >= epochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
