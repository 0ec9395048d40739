package shelly

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol indicates the device answered with an error envelope or
	// sent a frame this client does not understand.
	ErrProtocol = errors.New("shelly: protocol error")

	// ErrTransport indicates an HTTP or WebSocket level failure, including
	// non-2xx responses without an error envelope.
	ErrTransport = errors.New("shelly: transport error")

	// ErrExportStalled indicates an export body sent nothing for longer
	// than the request timeout.
	ErrExportStalled = errors.New("shelly: export stalled")
)

// RPCError is the error member of a device RPC response.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%v: %s: code %d: %s", ErrProtocol, e.Method, e.Code, e.Message)
}

func (e *RPCError) Unwrap() error {
	return ErrProtocol
}
