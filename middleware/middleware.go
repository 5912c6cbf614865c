// Package middleware provides the onion-style chain wrapped around companion
// calls. The stub runs it around every outgoing request; the server runs it
// around its dispatcher.
package middleware

import (
	"companion-rpc/message"
	"context"
)

// HandlerFunc handles one call. A non-nil error means the call never
// produced a response (transport failure, cancellation, local rejection);
// a companion-side failure is reported in the returned message's Error.
type HandlerFunc func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that Chain(A, B, C)(h) == A(B(C(h))).
// Execution order: A.before → B.before → C.before → h → C.after → B.after → A.after
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
