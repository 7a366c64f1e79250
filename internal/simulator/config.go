package simulator

import (
	"errors"
	"time"
)

// Config holds parameters for the simulator.
type Config struct {
	Broker   string
	ClientID string
	// Prefix is the topic root shared with the service.
	Prefix   string
	Count    int
	Interval time.Duration
	// DuplicateRate is the probability of re-publishing the previous
	// document, which the service must ignore.
	DuplicateRate float64
	// DropRate is the probability of ignoring a received command.
	DropRate float64
	Seed     int64
}

func (c *Config) SetDefaults() {
	if c.Broker == "" {
		c.Broker = "tcp://localhost:1883"
	}
	if c.ClientID == "" {
		c.ClientID = "fleetstream-sim"
	}
	if c.Prefix == "" {
		c.Prefix = "fleet"
	}
	if c.Count == 0 {
		c.Count = 5
	}
	if c.Interval == 0 {
		c.Interval = time.Second
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

func (c Config) Validate() error {
	if c.Count <= 0 {
		return errors.New("count must be positive")
	}
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 || c.DropRate < 0 || c.DropRate > 1 {
		return errors.New("rates must be within [0,1]")
	}
	return nil
}
