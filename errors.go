package mcpuse

import (
	"fmt"
	"time"
)

// FramingError reports bytes that could not be decoded into a well-formed
// protocol envelope. A framing error on one inbound record never tears down
// the connection by itself; the reader reports it and continues.
type FramingError struct {
	// Data is the offending record, possibly truncated.
	Data []byte
	Err  error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing: %v", e.Err)
}

func (e *FramingError) Unwrap() error { return e.Err }

// TransportError reports a failure of the physical channel: spawn failure,
// connect failure, or a broken socket/stream.
type TransportError struct {
	// Op names the failing operation, e.g. "spawn", "post", "stream".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a structured error envelope returned by the server.
type ProtocolError struct {
	Code    int
	Message string
	Data    map[string]any
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// TimeoutError reports that no response arrived within the request deadline.
// The pending entry is removed when this fires; a response arriving later for
// the same id is discarded.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %q timed out after %s", e.Method, e.Timeout)
}

// DisconnectError reports that the connector closed while a request was
// outstanding. Every pending request receives one when the channel goes down.
type DisconnectError struct {
	Reason string
}

func (e *DisconnectError) Error() string {
	if e.Reason == "" {
		return "connector disconnected with request outstanding"
	}
	return "connector disconnected: " + e.Reason
}

// UsageError reports API misuse, such as sending before Connect or calling a
// session method before Initialize completes.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return "usage: " + e.Msg }

func protocolError(rpcErr *JSONRPCError) *ProtocolError {
	return &ProtocolError{
		Code:    rpcErr.Code,
		Message: rpcErr.Message,
		Data:    rpcErr.Data,
	}
}
