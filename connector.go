package mcpuse

import (
	"context"
	"iter"
)

// ConnectorState tracks the lifecycle of a physical channel.
type ConnectorState int32

// Connector lifecycle states.
const (
	StateDisconnected ConnectorState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ConnectorState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Connector owns exactly one physical channel and its framing. It has no
// knowledge of protocol semantics beyond encoding and decoding envelopes. A
// Connector is exclusively owned by one Session at a time.
type Connector interface {
	// Connect establishes the channel. It blocks until the transport is
	// usable or fails, leaving the state Connected or Disconnected.
	Connect(ctx context.Context) error

	// Send transmits one envelope. It fails fast when the connector is not
	// Connected.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator over inbound envelopes in wire arrival
	// order. The iteration ends when the channel closes. A decode failure on
	// one record is reported through the wire sink and does not end the
	// iteration.
	Messages() iter.Seq[JSONRPCMessage]

	// State reports the current lifecycle state.
	State() ConnectorState

	// Close tears the channel down. It is idempotent and always leaves the
	// state Disconnected.
	Close(ctx context.Context) error
}
