// Package netcode ties the protocol packages together for deployments.
//
// netcode is a connection layer for real-time games over UDP. A web backend
// that has authenticated a player mints a connect token with the private key
// it shares with the dedicated servers. The client presents that token, the
// server verifies it without calling back to the backend, and from then on
// every packet in both directions is encrypted and authenticated with the
// per-session keys carried inside the token.
//
// The packages are layered:
//
//   - crypto: AEAD sealing, token MACs, the replay store and time sources
//   - token: connect and challenge token codecs
//   - transport: the packet codec and datagram transports
//   - client and server: the two connection state machines
//
// This package adds the deployment side: Options loadable from YAML, helpers
// that build configured servers and clients, and token minting.
//
//	opts, err := netcode.LoadOptions("netcode.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv, err := netcode.NewServer(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
//
//	for {
//	    srv.Iterate()
//	    time.Sleep(10 * time.Millisecond)
//	}
//
// A matching options file:
//
//	protocol_id: 0x1122334455667788
//	private_key: 60f5c0e2...   # 64 hex digits
//	bind_address: 0.0.0.0:40000
//	server_addresses: ["203.0.113.7:40000"]
//	max_clients: 64
//	idle_timeout: 5s
//	log_level: info
package netcode
