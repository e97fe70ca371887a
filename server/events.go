package server

import (
	"fmt"
	"net"

	"github.com/opd-ai/netcode/limits"
	"github.com/opd-ai/netcode/pool"
)

// Handle is an opaque reference to a client slot. Handles of evicted clients
// go stale and are rejected even after the slot is reused.
type Handle struct {
	index      uint32
	generation uint32
}

// Index returns the slot index, which is also the client index reported to
// the client in keep-alives.
func (h Handle) Index() int { return int(h.index) }

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.index, h.generation)
}

// ClientState is the server-side view of a slot.
type ClientState uint8

const (
	ClientStateDisconnected ClientState = iota
	ClientStatePending
	ClientStateConnected
)

func (s ClientState) String() string {
	switch s {
	case ClientStateDisconnected:
		return "disconnected"
	case ClientStatePending:
		return "pending"
	case ClientStateConnected:
		return "connected"
	default:
		return fmt.Sprintf("ClientState(%d)", uint8(s))
	}
}

// DisconnectReason explains why a connected client went away.
type DisconnectReason uint8

const (
	ReasonTimedOut DisconnectReason = iota
	ReasonClientDisconnected
	ReasonServerDisconnected
	ReasonHandshakeTimedOut
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonTimedOut:
		return "timed out"
	case ReasonClientDisconnected:
		return "client disconnected"
	case ReasonServerDisconnected:
		return "server disconnected"
	case ReasonHandshakeTimedOut:
		return "handshake timed out"
	default:
		return fmt.Sprintf("DisconnectReason(%d)", uint8(r))
	}
}

// Event is a notification queued by the server and drained with PollEvent.
type Event interface {
	isServerEvent()
}

// ClientConnected reports a completed handshake.
type ClientConnected struct {
	Handle   Handle
	ClientID uint64
	Addr     net.Addr
	UserData [limits.UserDataSize]byte
}

// ClientDisconnected reports the eviction of a connected client.
type ClientDisconnected struct {
	Handle   Handle
	ClientID uint64
	Reason   DisconnectReason
}

// PayloadReceived carries one payload from a connected client. Data is a
// pooled buffer; call Release once done with it.
type PayloadReceived struct {
	Handle Handle
	Data   []byte
}

// Release returns Data to the packet pool.
func (e *PayloadReceived) Release() {
	pool.Packets.Put(e.Data)
	e.Data = nil
}

// ClientStateChanged reports every slot transition, handshakes included.
type ClientStateChanged struct {
	Handle Handle
	State  ClientState
}

func (ClientConnected) isServerEvent()    {}
func (ClientDisconnected) isServerEvent() {}
func (*PayloadReceived) isServerEvent()   {}
func (ClientStateChanged) isServerEvent() {}
