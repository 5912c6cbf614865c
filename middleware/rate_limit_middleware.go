package middleware

import (
	"companion-rpc/message"
	"companion-rpc/rpcerr"
	"context"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware applies a token bucket shared by every call through
// the chain. Calls over the limit fail immediately with rpcerr.ErrRateLimited.
// A burst below 1 is raised to 1; a zero-size bucket would reject everything.
func RateLimitMiddleware(r float64, burst int) Middleware {
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			if !limiter.Allow() {
				return nil, rpcerr.ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
