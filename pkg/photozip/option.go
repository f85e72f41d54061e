package photozip

import (
	"log/slog"
	"time"
)

type Option func(*Handler)

// Root sets the directory archives are served from.
func Root(p string) Option {
	return func(h *Handler) {
		h.root = p
	}
}

// IndexFile sets the HTML document served at /.
func IndexFile(p string) Option {
	return func(h *Handler) {
		h.index = p
	}
}

// Delay sets how long to idle after each chunk is sent.
func Delay(d time.Duration) Option {
	return func(h *Handler) {
		h.delay = d
	}
}

func ChunkSize(n int) Option {
	return func(h *Handler) {
		h.chunkSize = n
	}
}

func Logger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithResolver replaces the default filesystem resolver.
func WithResolver(r Resolver) Option {
	return func(h *Handler) {
		h.resolver = r
	}
}

// WithProducer replaces zip(1) as the archive producer.
func WithProducer(p Producer) Option {
	return func(h *Handler) {
		h.producer = p
	}
}
