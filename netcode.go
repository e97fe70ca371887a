package netcode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/netcode/client"
	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/server"
	"github.com/opd-ai/netcode/token"
	"github.com/opd-ai/netcode/transport"
)

// ErrInvalidOptions indicates Options that failed validation.
var ErrInvalidOptions = errors.New("invalid netcode options")

// Options is the deployment configuration shared by servers, clients and the
// token authority. It loads from YAML; durations are written the way
// time.ParseDuration reads them ("100ms", "5s").
type Options struct {
	ProtocolID uint64 `yaml:"protocol_id"`
	// PrivateKey is the hex encoded key shared by the servers and the token
	// authority. Clients never see it.
	PrivateKey string `yaml:"private_key"`

	MaxClients        int    `yaml:"max_clients"`
	BindAddress       string `yaml:"bind_address"`
	PublicAddress     string `yaml:"public_address"`
	ClientBindAddress string `yaml:"client_bind_address"`
	// ServerAddresses are the candidates written into minted tokens, in the
	// order clients try them.
	ServerAddresses []string `yaml:"server_addresses"`

	RetryInterval     time.Duration `yaml:"retry_interval"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ResponseTimeout   time.Duration `yaml:"response_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`

	// TokenLifetime is how long a minted token may be redeemed.
	TokenLifetime time.Duration `yaml:"token_lifetime"`
	// TokenTimeoutSeconds is the idle timeout written into minted tokens;
	// zero leaves it to each side's IdleTimeout.
	TokenTimeoutSeconds uint32 `yaml:"token_timeout_seconds"`

	ReplayDataDir    string  `yaml:"replay_data_dir"`
	RequestRateLimit float64 `yaml:"request_rate_limit"`
	RequestBurst     int     `yaml:"request_burst"`
	EventQueueSize   int     `yaml:"event_queue_size"`
	LogLevel         string  `yaml:"log_level"`
}

// NewOptions returns options populated with the protocol's default timings.
// ProtocolID and PrivateKey still have to be provided.
func NewOptions() *Options {
	sc := server.DefaultConfig()
	cc := client.DefaultConfig()
	return &Options{
		MaxClients:          sc.MaxClients,
		BindAddress:         sc.BindAddress,
		ClientBindAddress:   "0.0.0.0:0",
		RetryInterval:       cc.RetryInterval,
		KeepAliveInterval:   sc.KeepAliveInterval,
		RequestTimeout:      cc.RequestTimeout,
		ResponseTimeout:     cc.ResponseTimeout,
		HandshakeTimeout:    sc.HandshakeTimeout,
		IdleTimeout:         sc.IdleTimeout,
		TokenLifetime:       30 * time.Second,
		TokenTimeoutSeconds: 5,
		RequestBurst:        sc.RequestBurst,
		EventQueueSize:      sc.EventQueueSize,
		LogLevel:            "info",
	}
}

// LoadOptions reads a YAML file over the defaults and validates the result.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options: %w", err)
	}
	opts := NewOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidOptions, path, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "LoadOptions",
		"path":        path,
		"protocol_id": fmt.Sprintf("%#x", opts.ProtocolID),
		"max_clients": opts.MaxClients,
	}).Debug("Options loaded")
	return opts, nil
}

// Validate checks the settings both roles share. Role specific checks run
// again when ServerConfig or ClientConfig is built.
func (o *Options) Validate() error {
	if _, err := logrus.ParseLevel(o.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if o.PrivateKey != "" {
		if _, err := o.Key(); err != nil {
			return err
		}
	}
	if _, err := o.ServerUDPAddrs(); err != nil {
		return err
	}
	if o.TokenLifetime < time.Second {
		return fmt.Errorf("%w: token lifetime %v is shorter than one second", ErrInvalidOptions, o.TokenLifetime)
	}
	if err := o.ClientConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}

// Key decodes PrivateKey.
func (o *Options) Key() (crypto.Key, error) {
	if o.PrivateKey == "" {
		return crypto.Key{}, fmt.Errorf("%w: private key is not set", ErrInvalidOptions)
	}
	k, err := crypto.ParseKeyHex(o.PrivateKey)
	if err != nil {
		return crypto.Key{}, fmt.Errorf("%w: private key: %v", ErrInvalidOptions, err)
	}
	return k, nil
}

// ServerUDPAddrs resolves ServerAddresses.
func (o *Options) ServerUDPAddrs() ([]*net.UDPAddr, error) {
	addrs := make([]*net.UDPAddr, 0, len(o.ServerAddresses))
	for _, s := range o.ServerAddresses {
		a, err := net.ResolveUDPAddr("udp", s)
		if err != nil {
			return nil, fmt.Errorf("%w: server address %q: %v", ErrInvalidOptions, s, err)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// ServerConfig converts the options into a validated server configuration.
func (o *Options) ServerConfig() (*server.Config, error) {
	key, err := o.Key()
	if err != nil {
		return nil, err
	}
	c := &server.Config{
		ProtocolID:           o.ProtocolID,
		PrivateKey:           key,
		MaxClients:           o.MaxClients,
		BindAddress:          o.BindAddress,
		PublicAddress:        o.publicAddress(),
		KeepAliveInterval:    o.KeepAliveInterval,
		HandshakeTimeout:     o.HandshakeTimeout,
		IdleTimeout:          o.IdleTimeout,
		DisconnectRedundancy: server.DefaultConfig().DisconnectRedundancy,
		ReplayDataDir:        o.ReplayDataDir,
		RequestRateLimit:     o.RequestRateLimit,
		RequestBurst:         o.RequestBurst,
		EventQueueSize:       o.EventQueueSize,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// publicAddress is PublicAddress, or the only entry of ServerAddresses when
// PublicAddress is empty.
func (o *Options) publicAddress() string {
	if o.PublicAddress == "" && len(o.ServerAddresses) == 1 {
		return o.ServerAddresses[0]
	}
	return o.PublicAddress
}

// ClientConfig converts the options into a client configuration.
func (o *Options) ClientConfig() *client.Config {
	c := client.DefaultConfig()
	c.ProtocolID = o.ProtocolID
	c.RetryInterval = o.RetryInterval
	c.KeepAliveInterval = o.KeepAliveInterval
	c.RequestTimeout = o.RequestTimeout
	c.ResponseTimeout = o.ResponseTimeout
	c.IdleTimeout = o.IdleTimeout
	c.EventQueueSize = o.EventQueueSize
	return c
}

// NewServer applies the log level and starts a server bound to BindAddress.
func NewServer(o *Options) (*server.Server, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	applyLogLevel(o.LogLevel)
	c, err := o.ServerConfig()
	if err != nil {
		return nil, err
	}
	return server.Listen(c)
}

// NewClient applies the log level and creates a client on a UDP socket bound
// to ClientBindAddress.
func NewClient(o *Options) (*client.Client, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	applyLogLevel(o.LogLevel)
	t, err := transport.NewUDPTransport(o.ClientBindAddress)
	if err != nil {
		return nil, err
	}
	c, err := client.New(o.ClientConfig(), t)
	if err != nil {
		t.Close()
		return nil, err
	}
	return c, nil
}

// MintToken issues an encoded connect token for clientID that lists
// ServerAddresses. The token sequence is random so that independently minted
// tokens never collide in a server's replay store.
func (o *Options) MintToken(clientID uint64, userData []byte) ([]byte, error) {
	key, err := o.Key()
	if err != nil {
		return nil, err
	}
	defer crypto.WipeKey(&key)

	addrs, err := o.ServerUDPAddrs()
	if err != nil {
		return nil, err
	}
	var seq [8]byte
	if err := crypto.RandomBytes(seq[:]); err != nil {
		return nil, err
	}

	t, err := token.NewConnectToken(token.Options{
		ProtocolID:      o.ProtocolID,
		ClientID:        clientID,
		Sequence:        binary.LittleEndian.Uint64(seq[:]),
		ServerAddresses: addrs,
		UserData:        userData,
		TimeoutSeconds:  o.TokenTimeoutSeconds,
		Lifetime:        o.TokenLifetime,
	}, time.Now())
	if err != nil {
		return nil, err
	}
	defer t.Wipe()

	logrus.WithFields(logrus.Fields{
		"function":  "MintToken",
		"client_id": clientID,
		"servers":   len(addrs),
		"expires":   t.ExpireTime(),
	}).Info("Connect token minted")
	return t.Encode(&key)
}

func applyLogLevel(level string) {
	if l, err := logrus.ParseLevel(level); err == nil {
		logrus.SetLevel(l)
	}
}
