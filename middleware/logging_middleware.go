package middleware

import (
	"context"
	"log/slog"
	"time"

	"viaduct/message"
)

// Logging records payload size and handler duration for every dispatched
// message. A nil logger means slog.Default().
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message) {
			start := time.Now()
			next(ctx, msg)
			logger.Debug("viaduct: dispatched message",
				"bytes", msg.Len(),
				"duration", time.Since(start))
		}
	}
}
