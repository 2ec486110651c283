package client

import (
	"github.com/sirupsen/logrus"

	"github.com/omochice/duplex-bridge/internal/transport"
	"github.com/omochice/duplex-bridge/internal/transport/tcp"
)

// Tap observes connection traffic. Implementations are called from both the
// receive goroutine and sending goroutines and must be safe for concurrent use.
type Tap interface {
	// OnHandshake is called with the credential length once it was written.
	OnHandshake(n int)
	OnReceive(chunk []byte)
	OnSend(data []byte)
	// OnClose is called once when the receive loop exits, with its error.
	OnClose(err error)
}

// Option configures a Connection during construction.
type Option func(*Connection)

// WithDialer overrides how the transport is opened. The default is raw TCP.
func WithDialer(dial transport.Dialer) Option {
	return func(c *Connection) {
		c.dial = dial
	}
}

// WithTransportOptions passes dial and I/O options to the dialer.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Connection) {
		c.transportOpts = append(c.transportOpts, opts...)
	}
}

// WithHandshake replaces CredentialHandshake.
func WithHandshake(h HandshakeFunc) Option {
	return func(c *Connection) {
		c.handshake = h
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithTap registers traffic observers such as metrics or a capture file.
func WithTap(taps ...Tap) Option {
	return func(c *Connection) {
		c.taps = append(c.taps, taps...)
	}
}

func defaultOptions(c *Connection) {
	c.dial = tcp.Dialer
	c.handshake = CredentialHandshake
	c.logger = logrus.StandardLogger()
}
