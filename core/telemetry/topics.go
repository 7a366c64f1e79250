package telemetry

import (
	"fmt"
	"strings"
)

// DefaultPrefix is the root of all fleet topics.
const DefaultPrefix = "fleet"

// TopicConfig selects the topic layout. Telemetry is published on
// {prefix}/{vehicleId}/telemetry and commands on {prefix}/{vehicleId}/command.
type TopicConfig struct {
	Prefix string `json:"prefix"`
}

// Topics builds and parses per-vehicle topic names.
type Topics struct {
	prefix string
}

// NewTopics returns a Topics for the configured prefix.
func NewTopics(cfg TopicConfig) Topics {
	p := strings.Trim(cfg.Prefix, "/")
	if p == "" {
		p = DefaultPrefix
	}
	return Topics{prefix: p}
}

func (t Topics) Prefix() string { return t.prefix }

func (t Topics) Telemetry(vehicleID string) string {
	return t.prefix + "/" + vehicleID + "/telemetry"
}

func (t Topics) Command(vehicleID string) string {
	return t.prefix + "/" + vehicleID + "/command"
}

// VehicleFromTelemetry extracts the vehicle id from a telemetry topic.
func (t Topics) VehicleFromTelemetry(topic string) (string, error) {
	rest, ok := strings.CutPrefix(topic, t.prefix+"/")
	if !ok {
		return "", fmt.Errorf("topic %q outside prefix %q", topic, t.prefix)
	}
	id, ok := strings.CutSuffix(rest, "/telemetry")
	if !ok {
		return "", fmt.Errorf("topic %q is not a telemetry topic", topic)
	}
	if err := ValidateVehicleID(id); err != nil {
		return "", err
	}
	return id, nil
}

// ValidateVehicleID rejects ids that cannot be embedded in a topic level.
func ValidateVehicleID(id string) error {
	if id == "" {
		return ErrInvalidVehicleID
	}
	if len(id) > 128 || strings.ContainsAny(id, "/+#\x00") || strings.TrimSpace(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidVehicleID, id)
	}
	return nil
}
