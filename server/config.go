package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/limits"
)

// ErrInvalidConfig indicates a Config that failed validation.
var ErrInvalidConfig = errors.New("invalid server configuration")

// Config holds the server tunables.
type Config struct {
	// ProtocolID must match the connect tokens and the clients.
	ProtocolID uint64

	// PrivateKey is shared with the token authority.
	PrivateKey crypto.Key

	// MaxClients bounds the slot table. Handshakes in progress occupy a
	// slot too.
	MaxClients int

	// BindAddress is the UDP address Listen binds.
	BindAddress string

	// PublicAddress is the address clients reach this server at. Tokens
	// that do not list it are refused. Empty means the transport's local
	// address, which must then not be a wildcard.
	PublicAddress string

	// KeepAliveInterval is how long a connected slot stays quiet before the
	// server sends it a keep-alive.
	KeepAliveInterval time.Duration

	// HandshakeTimeout bounds how long a slot may wait for its challenge
	// response.
	HandshakeTimeout time.Duration

	// IdleTimeout applies to connected slots whose token carries no timeout.
	IdleTimeout time.Duration

	// DisconnectRedundancy is how many disconnect packets a server-side
	// disconnect fires.
	DisconnectRedundancy int

	// ReplayDataDir persists redeemed token sequences so replays stay
	// rejected across restarts. Empty keeps them in memory only.
	ReplayDataDir string

	// RequestRateLimit caps connection requests per second across all
	// sources; zero disables the limit.
	RequestRateLimit float64

	// RequestBurst is the limiter's bucket size.
	RequestBurst int

	// EventQueueSize bounds the notification queue.
	EventQueueSize int

	// TimeProvider supplies the clock; nil means the wall clock.
	TimeProvider crypto.TimeProvider
}

// DefaultConfig returns a configuration with the protocol's usual timings.
// ProtocolID and PrivateKey still have to be filled in.
func DefaultConfig() *Config {
	return &Config{
		MaxClients:           64,
		BindAddress:          "0.0.0.0:40000",
		KeepAliveInterval:    100 * time.Millisecond,
		HandshakeTimeout:     5 * time.Second,
		IdleTimeout:          5 * time.Second,
		DisconnectRedundancy: 3,
		RequestBurst:         32,
		EventQueueSize:       1024,
	}
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if c.PrivateKey.IsZero() {
		return fmt.Errorf("%w: private key is not set", ErrInvalidConfig)
	}
	if c.MaxClients < 1 || c.MaxClients > limits.MaxClients {
		return fmt.Errorf("%w: max clients %d outside [1, %d]", ErrInvalidConfig, c.MaxClients, limits.MaxClients)
	}
	if c.KeepAliveInterval <= 0 {
		return fmt.Errorf("%w: keep-alive interval must be positive", ErrInvalidConfig)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: handshake timeout must be positive", ErrInvalidConfig)
	}
	if c.IdleTimeout <= c.KeepAliveInterval {
		return fmt.Errorf("%w: idle timeout %v must exceed keep-alive interval %v", ErrInvalidConfig, c.IdleTimeout, c.KeepAliveInterval)
	}
	if c.DisconnectRedundancy < 1 {
		return fmt.Errorf("%w: disconnect redundancy must be at least 1", ErrInvalidConfig)
	}
	if c.RequestRateLimit < 0 {
		return fmt.Errorf("%w: request rate limit must not be negative", ErrInvalidConfig)
	}
	if c.RequestRateLimit > 0 && c.RequestBurst < 1 {
		return fmt.Errorf("%w: request burst must be at least 1 when rate limiting", ErrInvalidConfig)
	}
	if c.EventQueueSize < 1 {
		return fmt.Errorf("%w: event queue size must be at least 1", ErrInvalidConfig)
	}
	return nil
}
