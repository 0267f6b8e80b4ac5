package middleware

import (
	"context"
	"time"

	"metabridge/message"
)

// Timeout bounds a single endpoint invocation. The handler keeps running on
// its goroutine after the deadline — closing the connection is the only
// cancellation signal the bridge defines — but the caller gets a TimeoutError
// response instead of waiting forever.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewErrorResponse(req.CallID, message.KindTimeout,
					"endpoint invocation exceeded "+d.String())
			}
		}
	}
}
