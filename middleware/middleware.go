// Package middleware provides the server-side handler chain.
//
// Middlewares wrap the dispatch handler in an onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//
// so A sees the request first and the response last. The chain is built once
// at server startup, not per request.
package middleware

import (
	"context"

	"metabridge/message"
)

// HandlerFunc processes one decoded request and always produces a response;
// failures are expressed as error responses, never as a missing reply.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

// Middleware wraps a HandlerFunc with additional behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, applied in the order given.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
