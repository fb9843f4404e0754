package channel

import (
	"log/slog"

	"viaduct/codec"
	"viaduct/middleware"
	"viaduct/protocol"
)

// DefaultMaxPayload bounds a single frame's payload unless overridden with
// WithMaxPayload. The wire format itself allows up to 4 GiB − 1.
const DefaultMaxPayload = 64 << 20

type config struct {
	codec       codec.Codec
	maxPayload  uint32
	maxInflight int
	logger      *slog.Logger
	middlewares []middleware.Middleware
	reaper      func()
	pipeBuffer  int
	peerOrder   byte
}

func newConfig(opts []Option) config {
	cfg := config{
		codec:      &codec.JSONCodec{},
		maxPayload: DefaultMaxPayload,
		logger:     slog.Default(),
		peerOrder:  protocol.NativeOrder(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option configures an endpoint in Parent, Child, or New.
type Option func(*config)

// WithCodec sets the payload codec. Both peers must use the same codec.
// Default is JSONCodec.
func WithCodec(c codec.Codec) Option {
	return func(cfg *config) { cfg.codec = c }
}

// WithMaxPayload caps the payload size accepted in a single frame, send and
// receive. An inbound frame announcing more poisons the endpoint.
func WithMaxPayload(n uint32) Option {
	return func(cfg *config) { cfg.maxPayload = n }
}

// WithMaxInflight caps concurrently outstanding requests; 0 means unbounded.
// Requests beyond the cap fail with ErrTooManyInflight.
func WithMaxInflight(n int) Option {
	return func(cfg *config) { cfg.maxInflight = n }
}

// WithLogger sets the structured logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithMiddleware appends inbound dispatch middlewares, applied in order.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(cfg *config) { cfg.middlewares = append(cfg.middlewares, mw...) }
}

// WithReaper installs a peer-death callback. On the parent this also creates
// the reaper pipe; on the child the callback only fires if the parent created
// one.
func WithReaper(callback func()) Option {
	return func(cfg *config) { cfg.reaper = callback }
}

// WithPipeBufferSize asks the kernel for a larger pipe buffer on both
// directions. Best effort; ignored where unsupported. Parent side only.
func WithPipeBufferSize(n int) Option {
	return func(cfg *config) { cfg.pipeBuffer = n }
}

// WithPeerByteOrder declares the peer's byte order tag for endpoints built
// with New, which performs no probe exchange. Parent and Child ignore it:
// they learn the peer's order from the handshake.
func WithPeerByteOrder(tag byte) Option {
	return func(cfg *config) { cfg.peerOrder = tag }
}
