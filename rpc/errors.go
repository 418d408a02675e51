package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrCallFailed matches every failed call made by a Client, whether the failure happened
	// in the transport or was reported by the remote side.
	//
	// Use errors.As with *TransportError or *RemoteError to tell them apart.
	ErrCallFailed = errors.New("rpc call failed")

	// ErrMessageTooLarge indicates that a message exceeded the configured maximum size.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

var (
	// ErrClientConfigNil indicates that a nil ClientConfig was provided.
	ErrClientConfigNil = errors.New("client config is nil")

	// ErrServerConfigNil indicates that a nil ServerConfig was provided.
	ErrServerConfigNil = errors.New("server config is nil")

	// ErrDispatcherNil indicates that a nil Dispatcher was provided.
	ErrDispatcherNil = errors.New("dispatcher is nil")

	// ErrServerStarted indicates that Start was called on a running server.
	ErrServerStarted = errors.New("server already started")

	// ErrServerClosed indicates that the server has been closed.
	ErrServerClosed = errors.New("server closed")
)

var (
	// ErrEmptyMethod indicates an attempt to register a handler without a name.
	ErrEmptyMethod = errors.New("method name is empty")

	// ErrDuplicateMethod indicates an attempt to register a method name twice.
	ErrDuplicateMethod = errors.New("method already registered")

	// ErrNilHandler indicates an attempt to register a nil handler.
	ErrNilHandler = errors.New("handler is nil")
)

// TransportError reports a failure to connect to, write to, or read from the remote server,
// including responses that could not be decoded.
type TransportError struct {
	// Op is the failed step: "dial", "write", "read" or "decode".
	Op string
	// Addr is the remote address.
	Addr string
	// Err is the underlying error.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports whether target is ErrCallFailed.
func (e *TransportError) Is(target error) bool { return target == ErrCallFailed }

// RemoteError reports a response with success set to false.
type RemoteError struct {
	// Method is the requested method name.
	Method string
	// Message is the error text sent by the server.
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote call %s failed: %s", e.Method, e.Message)
}

// Is reports whether target is ErrCallFailed.
func (e *RemoteError) Is(target error) bool { return target == ErrCallFailed }

// ProtocolError reports a request the server could not interpret.
// Its message is sent verbatim as the response of a failed call.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}
