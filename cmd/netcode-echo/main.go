package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/opd-ai/netcode"
	"github.com/opd-ai/netcode/client"
	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/server"
	"github.com/opd-ai/netcode/token"
)

const tickInterval = 10 * time.Millisecond

// CLI configuration
type CLIConfig struct {
	mode          string
	configPath    string
	bindAddress   string
	serverAddress string
	tokenFile     string
	clientID      uint64
	count         int
	interval      time.Duration
	timeout       time.Duration
	logLevel      string
	help          bool
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	config := &CLIConfig{}

	fs.StringVar(&config.mode, "mode", "server", "Mode: keygen, token, server or client")
	fs.StringVar(&config.configPath, "config", "", "YAML options file")

	// Network overrides
	fs.StringVar(&config.bindAddress, "bind", "", "Bind address (overrides bind_address or client_bind_address)")
	fs.StringVar(&config.serverAddress, "server", "", "Server address written into minted tokens (overrides server_addresses)")

	// Token handling
	fs.StringVar(&config.tokenFile, "token-file", "", "Token file to write (token mode) or read (client mode); empty means stdout or stdin")
	fs.Uint64Var(&config.clientID, "client-id", 1, "Client ID for minted tokens")

	// Client behaviour
	fs.IntVar(&config.count, "count", 10, "Number of pings the client sends")
	fs.DurationVar(&config.interval, "interval", 100*time.Millisecond, "Gap between client pings")
	fs.DurationVar(&config.timeout, "timeout", 0, "Stop after this long; zero runs until interrupted")

	fs.StringVar(&config.logLevel, "log-level", "", "Log level (overrides log_level)")
	fs.BoolVar(&config.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config, nil
}

// printUsage prints the usage information.
func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "netcode echo tool")
	fmt.Fprintln(w, "=================")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintf(w, "  %s -mode <keygen|token|server|client> [options]\n", os.Args[0])
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  # Generate a key for the options file\n")
	fmt.Fprintf(w, "  %s -mode keygen\n", os.Args[0])
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  # Serve and mint a token against the same options\n")
	fmt.Fprintf(w, "  %s -mode server -config netcode.yaml\n", os.Args[0])
	fmt.Fprintf(w, "  %s -mode token -config netcode.yaml -client-id 7 -token-file player.token\n", os.Args[0])
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  # Connect and send 5 pings\n")
	fmt.Fprintf(w, "  %s -mode client -config netcode.yaml -token-file player.token -count 5\n", os.Args[0])
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	switch config.mode {
	case "keygen", "token", "server", "client":
	default:
		return fmt.Errorf("unknown mode %q", config.mode)
	}
	if config.mode == "client" && config.count < 1 {
		return fmt.Errorf("count must be at least 1")
	}
	if config.interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if config.timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

// loadOptions reads the options file, if any, and applies flag overrides.
func loadOptions(config *CLIConfig) (*netcode.Options, error) {
	opts := netcode.NewOptions()
	if config.configPath != "" {
		var err error
		if opts, err = netcode.LoadOptions(config.configPath); err != nil {
			return nil, err
		}
	}

	if config.bindAddress != "" {
		if config.mode == "client" {
			opts.ClientBindAddress = config.bindAddress
		} else {
			opts.BindAddress = config.bindAddress
		}
	}
	if config.serverAddress != "" {
		opts.ServerAddresses = []string{config.serverAddress}
	}
	if config.logLevel != "" {
		opts.LogLevel = strings.ToLower(config.logLevel)
	}
	return opts, opts.Validate()
}

// runKeygen prints a fresh private key.
func runKeygen(w io.Writer) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	defer crypto.WipeKey(&key)
	fmt.Fprintln(w, hex.EncodeToString(key[:]))
	return nil
}

// runToken mints a token and writes it base64 encoded.
func runToken(opts *netcode.Options, config *CLIConfig, w io.Writer) error {
	buf, err := opts.MintToken(config.clientID, nil)
	if err != nil {
		return err
	}
	encoded := token.EncodeBase64(buf)
	if config.tokenFile == "" {
		fmt.Fprintln(w, encoded)
		return nil
	}
	return os.WriteFile(config.tokenFile, []byte(encoded+"\n"), 0o600)
}

// readToken loads a base64 token from the token file or r.
func readToken(config *CLIConfig, r io.Reader) ([]byte, error) {
	var data []byte
	var err error
	if config.tokenFile != "" {
		data, err = os.ReadFile(config.tokenFile)
	} else {
		data, err = io.ReadAll(r)
	}
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	return token.DecodeBase64(string(data))
}

// runServer echoes every payload back to its sender until ctx is done.
func runServer(ctx context.Context, srv *server.Server, w io.Writer) error {
	fmt.Fprintf(w, "Listening on %v (public %v)\n", srv.LocalAddr(), srv.PublicAddr())
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			srv.DisconnectAll()
			return nil
		case <-ticker.C:
		}

		srv.Iterate()
		for ev, ok := srv.PollEvent(); ok; ev, ok = srv.PollEvent() {
			switch e := ev.(type) {
			case server.ClientConnected:
				fmt.Fprintf(w, "Client %d connected from %v as %v\n", e.ClientID, e.Addr, e.Handle)
			case server.ClientDisconnected:
				fmt.Fprintf(w, "Client %d disconnected: %v\n", e.ClientID, e.Reason)
			case *server.PayloadReceived:
				if err := srv.SendPayload(e.Handle, e.Data); err != nil && !errors.Is(err, server.ErrNotConnected) {
					e.Release()
					return err
				}
				e.Release()
			}
		}
	}
}

// runClient connects with connectToken and sends count pings, returning once
// every echo arrived.
func runClient(ctx context.Context, c *client.Client, connectToken []byte, count int, interval time.Duration, w io.Writer) error {
	if err := c.Connect(connectToken); err != nil {
		return err
	}
	defer c.Disconnect()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	sent, echoed := 0, 0
	var lastSend time.Time
	for echoed < count {
		select {
		case <-ctx.Done():
			return fmt.Errorf("stopped after %d of %d echoes: %w", echoed, count, ctx.Err())
		case <-ticker.C:
		}

		c.Iterate()
		for ev, ok := c.PollEvent(); ok; ev, ok = c.PollEvent() {
			switch e := ev.(type) {
			case client.StateChanged:
				fmt.Fprintf(w, "State: %v\n", e.New)
				if e.New.IsError() {
					return fmt.Errorf("connection failed: %v", e.New)
				}
				if e.New == client.StateConnected {
					fmt.Fprintf(w, "Connected to %v as client %d of %d\n", c.ServerAddress(), c.ClientIndex(), c.MaxClients())
				}
			case *client.PayloadReceived:
				echoed++
				fmt.Fprintf(w, "Echo: %s\n", e.Data)
				e.Release()
			}
		}

		if c.State() == client.StateConnected && sent < count && time.Since(lastSend) >= interval {
			if err := c.Send([]byte(fmt.Sprintf("ping %d", sent))); err != nil {
				return err
			}
			sent++
			lastSend = time.Now()
		}
	}
	fmt.Fprintf(w, "Received %d of %d echoes\n", echoed, count)
	return nil
}

// setupSignalHandling sets up graceful shutdown on interrupt signals.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		cancel()
	}()
}

func run(config *CLIConfig) error {
	if config.mode == "keygen" {
		return runKeygen(os.Stdout)
	}

	opts, err := loadOptions(config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if config.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, config.timeout)
		defer cancel()
	}
	setupSignalHandling(cancel)

	switch config.mode {
	case "token":
		return runToken(opts, config, os.Stdout)
	case "server":
		srv, err := netcode.NewServer(opts)
		if err != nil {
			return err
		}
		defer srv.Close()
		return runServer(ctx, srv, os.Stdout)
	default:
		connectToken, err := readToken(config, os.Stdin)
		if err != nil {
			return err
		}
		c, err := netcode.NewClient(opts)
		if err != nil {
			return err
		}
		defer c.Close()
		return runClient(ctx, c, connectToken, config.count, config.interval, os.Stdout)
	}
}

// main is the entry point for the echo tool.
func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	cliConfig, err := parseCLIFlags(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	if cliConfig.help {
		printUsage(fs, os.Stdout)
		os.Exit(0)
	}

	if err := validateCLIConfig(cliConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}

	if err := run(cliConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
