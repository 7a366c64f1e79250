package command

import (
	"fmt"
	"time"
)

// Config controls delivery guarantees and result retention.
type Config struct {
	AckTimeoutSeconds int `json:"ack_timeout_seconds"`
	// QoS below 1 is raised to 1.
	QoS byte `json:"qos"`
	// MaxRetries bounds republishing while the broker is down. Nil means
	// the default; 0 publishes once.
	MaxRetries       *int `json:"max_retries"`
	RetryBackoffMS   int  `json:"retry_backoff_ms"`
	ResultTTLSeconds int  `json:"result_ttl_seconds"`
	MaxResults       int  `json:"max_results"`
}

func (c *Config) SetDefaults() {
	if c.AckTimeoutSeconds == 0 {
		c.AckTimeoutSeconds = 10
	}
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.MaxRetries == nil {
		n := 3
		c.MaxRetries = &n
	}
	if c.RetryBackoffMS == 0 {
		c.RetryBackoffMS = 100
	}
	if c.ResultTTLSeconds == 0 {
		c.ResultTTLSeconds = 600
	}
	if c.MaxResults == 0 {
		c.MaxResults = 10000
	}
}

func (c Config) Validate() error {
	if c.AckTimeoutSeconds <= 0 {
		return fmt.Errorf("command.ack_timeout_seconds must be positive")
	}
	if c.QoS > 2 {
		return fmt.Errorf("command.qos must be 0, 1 or 2")
	}
	if c.Retries() < 0 || c.RetryBackoffMS < 0 {
		return fmt.Errorf("command retry settings cannot be negative")
	}
	return nil
}

func (c Config) AckTimeout() time.Duration { return time.Duration(c.AckTimeoutSeconds) * time.Second }
func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}
func (c Config) ResultTTL() time.Duration { return time.Duration(c.ResultTTLSeconds) * time.Second }

// Retries returns the configured retry bound, 0 when unset.
func (c Config) Retries() int {
	if c.MaxRetries == nil {
		return 0
	}
	return *c.MaxRetries
}
