package client

import "fmt"

// State is the client connection state. Negative values are terminal
// failures; the numeric codes are part of the public contract.
type State int8

const (
	StateConnectTokenExpired       State = -6
	StateInvalidConnectToken       State = -5
	StateConnectionTimedOut        State = -4
	StateConnectionResponseTimeout State = -3
	StateConnectionRequestTimeout  State = -2
	StateConnectionDenied          State = -1
	StateDisconnected              State = 0
	StateSendingConnectionRequest  State = 1
	StateSendingConnectionResponse State = 2
	StateConnected                 State = 3
)

func (s State) String() string {
	switch s {
	case StateConnectTokenExpired:
		return "connect token expired"
	case StateInvalidConnectToken:
		return "invalid connect token"
	case StateConnectionTimedOut:
		return "connection timed out"
	case StateConnectionResponseTimeout:
		return "connection response timed out"
	case StateConnectionRequestTimeout:
		return "connection request timed out"
	case StateConnectionDenied:
		return "connection denied"
	case StateDisconnected:
		return "disconnected"
	case StateSendingConnectionRequest:
		return "sending connection request"
	case StateSendingConnectionResponse:
		return "sending connection response"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int8(s))
	}
}

// IsError reports whether s is a terminal failure state.
func (s State) IsError() bool {
	return s < StateDisconnected
}

// IsActive reports whether the client is connecting or connected.
func (s State) IsActive() bool {
	return s > StateDisconnected
}
