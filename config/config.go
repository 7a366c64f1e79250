// Package config loads the service configuration from an optional YAML or
// JSON file overlaid by FLEET_ environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/fleetstream/api"
	"github.com/kilianp07/fleetstream/core/command"
	"github.com/kilianp07/fleetstream/core/fleet"
	"github.com/kilianp07/fleetstream/core/ingest"
	"github.com/kilianp07/fleetstream/core/metrics"
	"github.com/kilianp07/fleetstream/core/stream"
	"github.com/kilianp07/fleetstream/core/telemetry"
	"github.com/kilianp07/fleetstream/infra/mqtt"
)

// EnvPrefix prefixes environment overrides. Nested keys are separated by a
// double underscore, e.g. FLEET_MQTT__BROKER.
const EnvPrefix = "FLEET_"

type Config struct {
	MQTT    mqtt.Config           `json:"mqtt"`
	Topics  telemetry.TopicConfig `json:"topics"`
	Fleet   fleet.Config          `json:"fleet"`
	Stream  stream.Config         `json:"stream"`
	Command command.Config        `json:"command"`
	Ingest  ingest.Config         `json:"ingest"`
	HTTP    api.Config            `json:"http"`
	Metrics metrics.Config        `json:"metrics"`
	Sentry  SentryConfig          `json:"sentry"`
}

// Load reads path, when not empty, then applies environment overrides,
// defaults and validation.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Set("metrics.prometheus_enabled", true); err != nil {
		return nil, err
	}
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills every section.
func (c *Config) SetDefaults() {
	c.MQTT.SetDefaults()
	c.Fleet.SetDefaults()
	c.Stream.SetDefaults()
	c.Command.SetDefaults()
	c.Ingest.SetDefaults()
	c.HTTP.SetDefaults()
	c.Metrics.SetDefaults()
	c.Sentry.SetDefaults()
}

// Validate reports every invalid section.
func (c Config) Validate() error {
	var errs []error
	for name, v := range map[string]interface{ Validate() error }{
		"mqtt":    c.MQTT,
		"fleet":   c.Fleet,
		"stream":  c.Stream,
		"command": c.Command,
		"http":    c.HTTP,
		"metrics": c.Metrics,
		"sentry":  c.Sentry,
	} {
		if err := v.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	for _, id := range c.Fleet.Vehicles {
		if err := telemetry.ValidateVehicleID(id); err != nil {
			errs = append(errs, fmt.Errorf("fleet.vehicles: %w", err))
		}
	}
	return errors.Join(errs...)
}
