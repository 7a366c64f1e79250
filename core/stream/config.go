package stream

import (
	"fmt"
	"time"
)

// Config bounds per-session buffering and liveness.
type Config struct {
	BufferSize         int `json:"buffer_size"`
	HeartbeatSeconds   int `json:"heartbeat_seconds"`
	IdleTimeoutSeconds int `json:"idle_timeout_seconds"`
}

func (c *Config) SetDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = 256
	}
	if c.HeartbeatSeconds == 0 {
		c.HeartbeatSeconds = 25
	}
	if c.IdleTimeoutSeconds == 0 {
		c.IdleTimeoutSeconds = 120
	}
}

func (c Config) Validate() error {
	if c.BufferSize <= 0 {
		return fmt.Errorf("stream.buffer_size must be positive")
	}
	if c.HeartbeatSeconds <= 0 || c.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("stream heartbeat and idle timeout must be positive")
	}
	return nil
}

func (c Config) Heartbeat() time.Duration   { return time.Duration(c.HeartbeatSeconds) * time.Second }
func (c Config) IdleTimeout() time.Duration { return time.Duration(c.IdleTimeoutSeconds) * time.Second }
