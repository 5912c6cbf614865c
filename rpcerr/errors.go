// Package rpcerr defines the error kinds surfaced by the companion client.
//
// Callers need to tell "never connected" from "connection dropped" from
// "companion rejected the call" to decide between reconnecting, retrying and
// giving up, so each is its own type. Nothing in this module retries; errors
// from the channel and the stub reach the caller unchanged.
package rpcerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned by any call issued after the client
	// (or its channel) was closed, and by calls in flight at close time.
	ErrConnectionClosed = errors.New("companion: connection closed")

	// ErrTargetRequired is returned by proxied calls issued without a target udid.
	ErrTargetRequired = errors.New("companion: proxied call requires a target udid")

	// ErrRateLimited is returned when the client-side limiter rejects a call.
	ErrRateLimited = errors.New("companion: rate limit exceeded")

	// ErrUnknownCall is returned when invoking a capability name the client does not expose.
	ErrUnknownCall = errors.New("companion: unknown call")
)

// ConnectionError reports a channel that could not be established (Lost is
// false) or that broke after being established (Lost is true).
type ConnectionError struct {
	Addr string
	Lost bool
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Lost {
		return fmt.Sprintf("companion: connection to %s lost: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("companion: connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a response the client could not interpret.
type ProtocolError struct {
	Method string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("companion: malformed response to %s: %v", e.Method, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RemoteError is a call the companion received and rejected. Code is the
// gRPC status code name on the grpc transport and empty on the framed one.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("companion: %s failed (%s): %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("companion: %s failed: %s", e.Method, e.Message)
}

// NameCollisionError reports a capability name produced twice by a loader,
// or one that shadows a reserved client operation.
type NameCollisionError struct {
	Name     string
	Reserved bool
}

func (e *NameCollisionError) Error() string {
	if e.Reserved {
		return fmt.Sprintf("companion: call name %q collides with a reserved client operation", e.Name)
	}
	return fmt.Sprintf("companion: duplicate call name %q", e.Name)
}

// IsConnectionLost reports whether err means an established channel broke.
func IsConnectionLost(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Lost
}

// IsRemote reports whether err is a rejection from the companion.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
