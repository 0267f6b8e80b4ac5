package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"metabridge/message"
)

// RateLimit rejects calls beyond a token-bucket budget of r calls per second
// with a burst allowance, answering with a RateLimitError response so the
// connection stays usable.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.NewErrorResponse(req.CallID, message.KindRateLimit, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
