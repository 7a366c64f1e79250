package fleet

import (
	"fmt"
	"time"
)

// Config controls freshness thresholds and history retention.
type Config struct {
	StaleAfterSeconds int `json:"stale_after_seconds"`
	LostAfterSeconds  int `json:"lost_after_seconds"`
	SweepIntervalMS   int `json:"sweep_interval_ms"`
	// HistorySize is the number of events kept per vehicle. Nil means the
	// default; 0 keeps none.
	HistorySize *int `json:"history_size"`
	// Vehicles are declared at startup before any telemetry arrives.
	Vehicles []string `json:"vehicles"`
}

// SetDefaults fills unset values.
func (c *Config) SetDefaults() {
	if c.StaleAfterSeconds == 0 {
		c.StaleAfterSeconds = 15
	}
	if c.LostAfterSeconds == 0 {
		c.LostAfterSeconds = 60
	}
	if c.SweepIntervalMS == 0 {
		c.SweepIntervalMS = 1000
	}
	if c.HistorySize == nil {
		n := 32
		c.HistorySize = &n
	}
}

// Validate checks the threshold ordering.
func (c Config) Validate() error {
	if c.StaleAfterSeconds <= 0 {
		return fmt.Errorf("fleet.stale_after_seconds must be positive")
	}
	if c.LostAfterSeconds <= c.StaleAfterSeconds {
		return fmt.Errorf("fleet.lost_after_seconds must exceed stale_after_seconds")
	}
	if c.SweepIntervalMS <= 0 {
		return fmt.Errorf("fleet.sweep_interval_ms must be positive")
	}
	if c.History() < 0 {
		return fmt.Errorf("fleet.history_size cannot be negative")
	}
	return nil
}

func (c Config) StaleAfter() time.Duration { return time.Duration(c.StaleAfterSeconds) * time.Second }
func (c Config) LostAfter() time.Duration  { return time.Duration(c.LostAfterSeconds) * time.Second }
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

// History returns the configured history size, 0 when unset.
func (c Config) History() int {
	if c.HistorySize == nil {
		return 0
	}
	return *c.HistorySize
}
