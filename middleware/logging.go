package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"metabridge/message"
)

// Logging records each call's endpoint, duration, and outcome.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.Uint64("call_id", req.CallID),
				zap.String("endpoint", req.Endpoint),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Error != nil {
				logger.Warn("call failed", append(fields,
					zap.String("kind", resp.Error.Kind),
					zap.String("error", resp.Error.Message))...)
			} else {
				logger.Debug("call ok", fields...)
			}
			return resp
		}
	}
}
