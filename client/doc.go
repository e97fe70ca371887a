// Package client implements the client side of the netcode handshake.
//
// A Client is fed a connect token obtained out-of-band and walks through
//
//	Disconnected -> SendingConnectionRequest -> SendingConnectionResponse -> Connected
//
// trying each server address in the token in order. Failures end in one of
// the negative terminal states (denied, request or response timeout, timed
// out, invalid or expired token). The client is driven by calling Iterate at
// a steady rate; state changes and received payloads are queued and drained
// with PollEvent:
//
//	c, err := client.New(cfg, udpTransport)
//	if err := c.Connect(tokenBytes); err != nil {
//	    log.Fatal(err)
//	}
//	for range time.Tick(10 * time.Millisecond) {
//	    c.Iterate()
//	    for ev, ok := c.PollEvent(); ok; ev, ok = c.PollEvent() {
//	        switch e := ev.(type) {
//	        case client.StateChanged:
//	            log.Println(e.Old, "->", e.New)
//	        case *client.PayloadReceived:
//	            handle(e.Data)
//	            e.Release()
//	        }
//	    }
//	}
package client
