package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/netcode/crypto"
)

// ErrInvalidConfig indicates a Config that failed validation.
var ErrInvalidConfig = errors.New("invalid client configuration")

// Config holds the client tunables. Timeouts are configuration, never
// negotiated on the wire.
type Config struct {
	// ProtocolID must match the connect token and the servers.
	ProtocolID uint64

	// RetryInterval is the gap between retransmitted requests and responses.
	RetryInterval time.Duration

	// KeepAliveInterval is how long a connected client stays quiet before
	// sending a keep-alive.
	KeepAliveInterval time.Duration

	// RequestTimeout bounds the request phase against one server address.
	RequestTimeout time.Duration

	// ResponseTimeout bounds the response phase against one server address.
	ResponseTimeout time.Duration

	// IdleTimeout applies when the connect token carries no timeout.
	IdleTimeout time.Duration

	// DisconnectRedundancy is how many disconnect packets a local
	// disconnect fires. They are never retried.
	DisconnectRedundancy int

	// EventQueueSize bounds the notification queue; the oldest events are
	// overwritten when the caller does not drain it.
	EventQueueSize int

	// TimeProvider supplies the clock; nil means the wall clock.
	TimeProvider crypto.TimeProvider
}

// DefaultConfig returns a configuration with the protocol's usual timings.
func DefaultConfig() *Config {
	return &Config{
		RetryInterval:        100 * time.Millisecond,
		KeepAliveInterval:    100 * time.Millisecond,
		RequestTimeout:       5 * time.Second,
		ResponseTimeout:      5 * time.Second,
		IdleTimeout:          5 * time.Second,
		DisconnectRedundancy: 3,
		EventQueueSize:       256,
	}
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if c.RetryInterval <= 0 {
		return fmt.Errorf("%w: retry interval must be positive", ErrInvalidConfig)
	}
	if c.KeepAliveInterval <= 0 {
		return fmt.Errorf("%w: keep-alive interval must be positive", ErrInvalidConfig)
	}
	if c.RequestTimeout < c.RetryInterval {
		return fmt.Errorf("%w: request timeout %v is shorter than retry interval %v", ErrInvalidConfig, c.RequestTimeout, c.RetryInterval)
	}
	if c.ResponseTimeout < c.RetryInterval {
		return fmt.Errorf("%w: response timeout %v is shorter than retry interval %v", ErrInvalidConfig, c.ResponseTimeout, c.RetryInterval)
	}
	if c.IdleTimeout <= c.KeepAliveInterval {
		return fmt.Errorf("%w: idle timeout %v must exceed keep-alive interval %v", ErrInvalidConfig, c.IdleTimeout, c.KeepAliveInterval)
	}
	if c.DisconnectRedundancy < 1 {
		return fmt.Errorf("%w: disconnect redundancy must be at least 1", ErrInvalidConfig)
	}
	if c.EventQueueSize < 1 {
		return fmt.Errorf("%w: event queue size must be at least 1", ErrInvalidConfig)
	}
	return nil
}
