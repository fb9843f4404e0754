package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"viaduct/message"
)

// RateLimit drops inbound messages beyond a token-bucket budget of r events
// per second with the given burst. Dropped requests still wake the remote
// caller, with a dropped-responder error rather than a response.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message) {
			if !limiter.Allow() {
				return
			}
			next(ctx, msg)
		}
	}
}
