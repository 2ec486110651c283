// Package tcp provides the raw TCP transport for the duplex client.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/omochice/duplex-bridge/internal/transport"
)

// Conn adapts net.Conn to transport.Conn.
type Conn struct {
	conn net.Conn
	opts *transport.Options

	closeOnce sync.Once
	closeErr  error
}

var _ transport.Conn = (*Conn)(nil)

// NewConn wraps an established net.Conn.
func NewConn(conn net.Conn, options ...transport.Option) *Conn {
	return &Conn{conn: conn, opts: transport.Apply(options...)}
}

// Dial opens a TCP connection to addr.
func Dial(ctx context.Context, addr string, options ...transport.Option) (*Conn, error) {
	opts := transport.Apply(options...)

	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	if opts.KeepAlive {
		dialer.KeepAlive = opts.KeepAlivePeriod
	} else {
		dialer.KeepAlive = -1
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s failed: %w", addr, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set no delay failed: %w", err)
		}
	}

	return &Conn{conn: conn, opts: opts}, nil
}

// Dialer is Dial with the transport.Dialer signature.
func Dialer(ctx context.Context, addr string, options ...transport.Option) (transport.Conn, error) {
	c, err := Dial(ctx, addr, options...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Read implements transport.Conn.
// Each call allocates a fresh chunk so handlers may keep it.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if err := c.conn.SetReadDeadline(deadline(c.opts.ReadTimeout)); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, c.opts.ReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			return nil, c.wrapErr(ctx, err)
		}
	}
}

// Write implements transport.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if err := c.conn.SetWriteDeadline(deadline(c.opts.WriteTimeout)); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	// net.Conn.Write only returns short on error.
	if _, err := c.conn.Write(data); err != nil {
		return c.wrapErr(ctx, err)
	}
	return nil
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) wrapErr(ctx context.Context, err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// deadline clears any deadline left by a canceled context when timeout is zero.
func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
