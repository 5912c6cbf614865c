package middleware

import (
	"companion-rpc/message"
	"context"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every call with its duration and outcome.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
			}
			if udid, ok := req.Metadata["udid"]; ok {
				fields = append(fields, zap.String("udid", udid))
			}
			switch {
			case err != nil:
				logger.Warn("call failed", append(fields, zap.Error(err))...)
			case resp != nil && resp.Error != "":
				logger.Info("call rejected", append(fields, zap.String("error", resp.Error))...)
			default:
				logger.Debug("call", fields...)
			}
			return resp, err
		}
	}
}
