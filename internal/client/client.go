// Package client implements the duplex byte-stream client: one outbound
// connection, a credential handshake, a receive loop that hands every chunk
// to a handler, and a send path usable at any time while the loop runs.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/omochice/duplex-bridge/internal/transport"
)

// State is the lifecycle state of a Connection. Transitions only go forward.
type State int

const (
	StateUnconnected State = iota
	StateConnected
	StateClosed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "UNCONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Handler receives each inbound chunk. It runs on the receive goroutine and
// the next read waits until it returns. The chunk is not reused by the
// Connection. A non-nil error stops the receive loop.
type Handler func(chunk []byte) error

// Connection owns one transport and its receive loop.
type Connection struct {
	address       string
	dial          transport.Dialer
	transportOpts []transport.Option
	handshake     HandshakeFunc
	logger        logrus.FieldLogger
	taps          []Tap

	mu       sync.RWMutex // protects everything below
	state    State
	conn     transport.Conn
	abort    context.CancelFunc // set while Connect dials and handshakes
	released bool
	closing  bool
	cancel   context.CancelFunc
	err      error

	sendMu sync.Mutex // serializes writes
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates an unconnected Connection to address.
func New(address string, opts ...Option) *Connection {
	c := &Connection{
		address: address,
		done:    make(chan struct{}),
	}
	defaultOptions(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the transport, performs the handshake and starts the receive
// loop. The credential is written before Connect returns, so it precedes any
// Send; it is not retained afterwards. The state lock is not held while
// dialing, and a Close during that time aborts the attempt.
func (c *Connection) Connect(ctx context.Context, credential []byte, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: handler is required", ErrValidation)
	}
	if c.address == "" {
		return fmt.Errorf("%w: address is required", ErrConfig)
	}
	if len(credential) == 0 {
		return fmt.Errorf("%w: credential is required", ErrConfig)
	}

	c.mu.Lock()
	switch {
	case c.state == StateConnected:
		c.mu.Unlock()
		return fmt.Errorf("%w: already connected to %s", ErrState, c.conn.RemoteAddr())
	case c.state == StateClosed:
		c.mu.Unlock()
		return fmt.Errorf("%w: connection is closed", ErrState)
	case c.abort != nil:
		c.mu.Unlock()
		return fmt.Errorf("%w: connect already in progress", ErrState)
	}
	openCtx, abort := context.WithCancel(ctx)
	defer abort()
	c.abort = abort
	c.mu.Unlock()

	conn, err := c.open(openCtx, credential)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.abort = nil

	if c.state == StateClosed {
		if conn != nil {
			_ = conn.Close()
		}
		close(c.done)
		return fmt.Errorf("%w: closed while connecting", ErrState)
	}
	if err != nil {
		return err
	}
	for _, tap := range c.taps {
		tap.OnHandshake(len(credential))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.state = StateConnected

	c.logger.WithField("remote", conn.RemoteAddr()).Info("connected")

	c.wg.Add(1)
	go c.receiveLoop(loopCtx, conn, handler)

	return nil
}

// open dials and runs the handshake. The transport is closed on failure.
func (c *Connection) open(ctx context.Context, credential []byte) (transport.Conn, error) {
	conn, err := c.dial(ctx, c.address, c.transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if err := c.handshake(ctx, conn, credential); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// Send writes data to the peer. It is safe for concurrent use, including
// from inside the Handler. Each call's bytes are written contiguously.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	if data == nil {
		return fmt.Errorf("%w: payload must be a byte slice, got nil", ErrValidation)
	}

	c.mu.RLock()
	state, conn := c.state, c.conn
	c.mu.RUnlock()

	if state != StateConnected {
		return fmt.Errorf("%w: cannot send while %s", ErrState, state)
	}
	if len(data) == 0 {
		return nil
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := conn.Write(ctx, data); err != nil {
		if c.State() == StateClosed {
			return fmt.Errorf("%w: connection closed during send: %w", ErrState, err)
		}
		return fmt.Errorf("%w: send: %w", ErrIO, err)
	}

	for _, tap := range c.taps {
		tap.OnSend(data)
	}
	return nil
}

// Close releases the transport and makes a pending read return. It does not
// wait for the receive loop; use Wait for that. Close before Connect returns
// ErrState; a second Close returns ErrAlreadyClosed. Close during Connect
// aborts the dial or handshake and makes Connect fail.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateUnconnected {
		if abort := c.abort; abort != nil {
			c.released = true
			c.closing = true
			c.state = StateClosed
			c.mu.Unlock()
			abort()
			return nil
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: not connected", ErrState)
	}
	if c.released {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.released = true
	c.closing = true
	c.state = StateClosed
	conn, cancel := c.conn, c.cancel
	c.mu.Unlock()

	cancel()
	if err := conn.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", ErrIO, err)
	}

	c.logger.WithField("remote", conn.RemoteAddr()).Info("connection closed")
	return nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns whether the receive loop is running and sends are accepted.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Done is closed when the receive loop has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that stopped the receive loop. It is nil while the
// loop runs and after a peer close or a local Close.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Wait blocks until the receive loop exits and returns Err.
func (c *Connection) Wait() error {
	if c.State() == StateUnconnected {
		return fmt.Errorf("%w: not connected", ErrState)
	}
	c.wg.Wait()
	return c.Err()
}

// receiveLoop continuously reads chunks and dispatches them to handler
func (c *Connection) receiveLoop(ctx context.Context, conn transport.Conn, handler Handler) {
	defer c.wg.Done()

	err := c.receive(ctx, conn, handler)

	c.mu.Lock()
	c.err = err
	c.state = StateClosed
	c.mu.Unlock()
	close(c.done)

	entry := c.logger.WithField("remote", conn.RemoteAddr())
	if err != nil {
		entry.WithError(err).Error("receive loop stopped")
	} else {
		entry.Debug("receive loop finished")
	}
	for _, tap := range c.taps {
		tap.OnClose(err)
	}
}

func (c *Connection) receive(ctx context.Context, conn transport.Conn, handler Handler) error {
	for {
		chunk, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.WithField("remote", conn.RemoteAddr()).Info("peer closed connection")
				return nil
			}
			if c.isClosing() {
				return nil
			}
			return fmt.Errorf("%w: receive: %w", ErrIO, err)
		}

		for _, tap := range c.taps {
			tap.OnReceive(chunk)
		}
		if err := invoke(handler, chunk); err != nil {
			return err
		}
	}
}

func (c *Connection) isClosing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closing
}

// invoke runs handler and turns a panic into an error so the owner can
// observe it through Err.
func invoke(handler Handler, chunk []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	if err := handler(chunk); err != nil {
		return fmt.Errorf("handler: %w", err)
	}
	return nil
}
