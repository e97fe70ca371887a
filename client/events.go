package client

import "github.com/opd-ai/netcode/pool"

// Event is a notification queued by Iterate, Connect or Disconnect and
// drained with PollEvent.
type Event interface {
	isClientEvent()
}

// StateChanged reports a state transition.
type StateChanged struct {
	Old State
	New State
}

// PayloadReceived carries one payload from the server. Data is a pooled
// buffer; call Release once it is no longer needed.
type PayloadReceived struct {
	Data []byte
}

// Release returns Data to the packet pool.
func (e *PayloadReceived) Release() {
	pool.Packets.Put(e.Data)
	e.Data = nil
}

func (StateChanged) isClientEvent()     {}
func (*PayloadReceived) isClientEvent() {}
