// Package transport defines the byte-stream connection used by the duplex client.
package transport

import (
	"context"
	"time"
)

// MaxChunkSize is the largest chunk a single Read returns.
const MaxChunkSize = 4096

// Conn abstracts one outbound bidirectional byte stream.
// Implementations exist for raw TCP and for WebSocket.
type Conn interface {
	// Read blocks until at least one byte is available and returns at most
	// MaxChunkSize bytes. Returns io.EOF when the peer closed the stream.
	Read(ctx context.Context) ([]byte, error)

	// Write sends all of data or returns an error.
	Write(ctx context.Context, data []byte) error

	// Close releases the connection. A pending Read fails promptly.
	// Calling Close more than once is a no-op.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Options configures how a Conn is dialed and how its I/O is bounded.
type Options struct {
	DialTimeout     time.Duration
	KeepAlive       bool
	KeepAlivePeriod time.Duration

	// ReadTimeout bounds each Read. Zero blocks until data or close.
	ReadTimeout time.Duration
	// WriteTimeout bounds each Write. Zero means no deadline.
	WriteTimeout time.Duration

	ReadBufferSize int
	// Path is the request path used by the WebSocket transport.
	Path string
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() *Options {
	return &Options{
		DialTimeout:     5 * time.Second,
		KeepAlive:       true,
		KeepAlivePeriod: 30 * time.Second,
		ReadBufferSize:  MaxChunkSize,
		Path:            "/",
	}
}

// Option mutates Options.
type Option func(*Options)

func WithDialTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.DialTimeout = timeout
	}
}

func WithReadTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.ReadTimeout = timeout
	}
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.WriteTimeout = timeout
	}
}

func WithKeepAlive(keepAlive bool, period time.Duration) Option {
	return func(opts *Options) {
		opts.KeepAlive = keepAlive
		opts.KeepAlivePeriod = period
	}
}

// WithReadBufferSize caps the chunk size. Values outside 1..MaxChunkSize are ignored.
func WithReadBufferSize(size int) Option {
	return func(opts *Options) {
		if size > 0 && size <= MaxChunkSize {
			opts.ReadBufferSize = size
		}
	}
}

func WithPath(path string) Option {
	return func(opts *Options) {
		opts.Path = path
	}
}

// Apply builds Options from the defaults and the given overrides.
func Apply(options ...Option) *Options {
	opts := DefaultOptions()
	for _, o := range options {
		o(opts)
	}
	return opts
}

// Dialer opens a Conn to addr.
type Dialer func(ctx context.Context, addr string, options ...Option) (Conn, error)
