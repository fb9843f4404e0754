// Package middleware implements the inbound dispatch middleware chain of a
// viaduct receive loop.
//
// Middlewares wrap the handler invocation for every incoming RPC and request
// frame. They run synchronously on the receive loop's thread, in registration
// order, so a middleware that blocks throttles the whole loop — the same
// contract handlers themselves live under.
//
// A middleware that declines to call next drops the message. For an RPC that
// is the end of it; for a request, the receive loop notices that no response
// was sent and wakes the remote caller with a dropped-responder error, so a
// filtering middleware can never leave the peer blocked.
package middleware

import (
	"context"

	"viaduct/message"
)

type HandlerFunc func(ctx context.Context, msg *message.Message)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines multiple middlewares into one, outermost first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
