// Package server implements the netcode connection manager.
//
// A Server owns one datagram socket and a fixed table of client slots. A
// client holding a valid connect token is admitted in three steps:
//
//  1. connection request: the token's private section is decrypted with the
//     shared private key, checked against this server's public address and
//     the replay store, and a slot is reserved in the pending state
//  2. connection challenge: the server answers with a challenge token only it
//     can open
//  3. connection response: the client echoes the challenge and the slot is
//     promoted to connected
//
// When every slot is taken, requests are answered with a denied packet.
// Malformed, forged or replayed datagrams are never answered.
//
// The server is driven by Iterate and reports what happened through
// PollEvent. Clients are addressed by Handle values, which go stale once the
// client is evicted:
//
//	srv, err := server.Listen(cfg)
//	for range time.Tick(10 * time.Millisecond) {
//	    srv.Iterate()
//	    for ev, ok := srv.PollEvent(); ok; ev, ok = srv.PollEvent() {
//	        if p, ok := ev.(*server.PayloadReceived); ok {
//	            srv.SendPayload(p.Handle, p.Data)
//	            p.Release()
//	        }
//	    }
//	}
package server
