// Package host is the listening side of a bridge. It issues a one-time key,
// accepts the first client that presents it, and exchanges raw chunks with
// that client. Clients may connect over raw TCP or WebSocket on the same
// port. It can also spawn the client process itself, passing it the port and
// key as the last two arguments.
package host

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/omochice/duplex-bridge/internal/transport"
	"github.com/omochice/duplex-bridge/internal/transport/tcp"
	"github.com/omochice/duplex-bridge/internal/transport/ws"
)

// KeySize is the length of the generated key in bytes.
const KeySize = 128

// DefaultQueueLimit caps the bytes Send may queue before a client authenticates.
const DefaultQueueLimit = 16 << 20

var (
	ErrClosed    = errors.New("host closed")
	ErrSpawned   = errors.New("child process already spawned")
	ErrQueueFull = errors.New("send queue full")
)

// Handler receives chunks from the client. It runs on the read goroutine and
// must not call Close.
type Handler func(chunk []byte)

// Option configures a Host.
type Option func(*Host)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithHandshakeTimeout bounds how long a candidate may take to present the key.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(h *Host) {
		h.handshakeTimeout = d
	}
}

// WithQueueLimit sets how many bytes Send may queue while no client has
// authenticated. Zero or less means DefaultQueueLimit.
func WithQueueLimit(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.queueLimit = n
		}
	}
}

// WithTransportOptions applies I/O options to the session connection.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(h *Host) {
		h.transportOpts = append(h.transportOpts, opts...)
	}
}

// Host accepts a single authenticated client.
type Host struct {
	listener         net.Listener
	key              []byte
	onData           Handler
	logger           logrus.FieldLogger
	handshakeTimeout time.Duration
	queueLimit       int
	transportOpts    []transport.Option

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // protects everything below
	session transport.Conn
	pending net.Conn
	queue   [][]byte
	queued  int
	early   []byte
	child   *child
	closed  bool

	// writeMu serializes session writes. It is taken before mu, never while
	// holding it, so Close is not held up by a blocked write.
	writeMu sync.Mutex
	ready   chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// Listen binds address, generates a key and starts accepting. Use
// "127.0.0.1:0" for an ephemeral loopback port.
func Listen(address string, onData Handler, opts ...Option) (*Host, error) {
	if onData == nil {
		return nil, errors.New("data handler is required")
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to start host listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		listener:         listener,
		key:              key,
		onData:           onData,
		logger:           logrus.StandardLogger(),
		handshakeTimeout: 5 * time.Second,
		queueLimit:       DefaultQueueLimit,
		ctx:              ctx,
		cancel:           cancel,
		ready:            make(chan struct{}),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.logger.WithField("addr", listener.Addr().String()).Info("host listening")

	h.wg.Add(1)
	go h.acceptLoop()

	return h, nil
}

// Addr returns the listening address.
func (h *Host) Addr() string {
	return h.listener.Addr().String()
}

// Port returns the listening port.
func (h *Host) Port() int {
	if addr, ok := h.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Key returns the key in the base64 form clients expect on the command line.
func (h *Host) Key() string {
	return base64.StdEncoding.EncodeToString(h.key)
}

// Ready is closed once a client has authenticated.
func (h *Host) Ready() <-chan struct{} {
	return h.ready
}

// Done is closed when the session ends. It never closes if no client
// authenticates before Close.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// Send writes data to the client. Before a client has authenticated the data
// is queued, up to the queue limit, and flushed in order once it does.
func (h *Host) Send(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.session == nil {
		defer h.mu.Unlock()
		if h.queued+len(data) > h.queueLimit {
			return fmt.Errorf("%w: %d bytes already queued", ErrQueueFull, h.queued)
		}
		h.queue = append(h.queue, append([]byte(nil), data...))
		h.queued += len(data)
		return nil
	}
	session := h.session
	h.mu.Unlock()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.isClosed() {
		return ErrClosed
	}
	if err := session.Write(ctx, data); err != nil {
		if h.isClosed() {
			return fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return fmt.Errorf("failed to send to client: %w", err)
	}
	return nil
}

// Close stops accepting, ends the session and kills a spawned child. It is
// safe to call more than once.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	session, pending, child := h.session, h.pending, h.child
	h.mu.Unlock()

	h.cancel()
	h.listener.Close()
	if pending != nil {
		pending.Close()
	}
	if session != nil {
		session.Close()
	}
	h.wg.Wait()

	if child != nil {
		child.kill()
		_ = child.wait()
	}
	return nil
}

func (h *Host) acceptLoop() {
	defer h.wg.Done()

	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if h.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.WithError(err).Warn("failed to accept connection")
			continue
		}

		session, ok := h.verify(conn)
		if !ok {
			conn.Close()
			continue
		}

		if !h.establish(session) {
			session.Close()
			return
		}
		h.listener.Close()

		h.wg.Add(1)
		go h.readLoop()
		return
	}
}

// verify wraps raw in the detected transport, reads len(key) bytes and
// compares them in constant time. Bytes past the key are kept for the handler.
func (h *Host) verify(raw net.Conn) (transport.Conn, bool) {
	log := h.logger.WithField("remote", raw.RemoteAddr().String())

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, false
	}
	h.pending = raw
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.pending = nil
		h.mu.Unlock()
	}()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if h.handshakeTimeout > 0 {
		ctx, cancel = context.WithTimeout(h.ctx, h.handshakeTimeout)
	} else {
		ctx, cancel = context.WithCancel(h.ctx)
	}
	defer cancel()

	conn, err := h.wrap(raw, log)
	if err != nil {
		log.WithError(err).Warn("client handshake failed")
		return nil, false
	}

	buf := make([]byte, 0, len(h.key))
	for len(buf) < len(h.key) {
		chunk, err := conn.Read(ctx)
		if err != nil {
			log.WithError(err).Warn("client handshake failed")
			conn.Close()
			return nil, false
		}
		buf = append(buf, chunk...)
	}

	if subtle.ConstantTimeCompare(buf[:len(h.key)], h.key) != 1 {
		log.Warn("client presented wrong key")
		conn.Close()
		return nil, false
	}

	h.mu.Lock()
	h.early = buf[len(h.key):]
	h.mu.Unlock()
	return conn, true
}

// wrap detects whether the client speaks raw TCP or WebSocket and returns the
// matching transport.
func (h *Host) wrap(raw net.Conn, log logrus.FieldLogger) (transport.Conn, error) {
	proto, conn, err := detectProtocol(raw, h.handshakeTimeout)
	if err != nil {
		return nil, err
	}
	log.WithField("protocol", proto.String()).Debug("client connected")

	if proto == protocolTCP {
		return tcp.NewConn(conn, h.transportOpts...), nil
	}
	opts := h.transportOpts
	if h.handshakeTimeout > 0 {
		opts = append([]transport.Option{transport.WithDialTimeout(h.handshakeTimeout)}, opts...)
	}
	return ws.Upgrade(conn, opts...)
}

// establish makes session current and flushes queued data ahead of any
// later Send.
func (h *Host) establish(session transport.Conn) bool {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.session = session
	queue := h.queue
	h.queue, h.queued = nil, 0
	h.mu.Unlock()

	close(h.ready)
	h.logger.WithField("remote", session.RemoteAddr()).Info("client authenticated")

	for _, data := range queue {
		if err := session.Write(h.ctx, data); err != nil {
			h.logger.WithError(err).Error("failed to flush queued data")
			break
		}
	}
	return true
}

func (h *Host) readLoop() {
	defer h.wg.Done()
	defer close(h.done)

	h.mu.Lock()
	session, early := h.session, h.early
	h.early = nil
	h.mu.Unlock()

	if len(early) > 0 {
		h.onData(early)
	}

	log := h.logger.WithField("remote", session.RemoteAddr())
	for {
		chunk, err := session.Read(h.ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.Info("client closed connection")
			case h.isClosed():
			default:
				log.WithError(err).Error("failed to read from client")
			}
			return
		}
		h.onData(chunk)
	}
}

func (h *Host) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// args returns the port and key arguments appended to a spawned command.
func (h *Host) args() []string {
	return []string{strconv.Itoa(h.Port()), h.Key()}
}
