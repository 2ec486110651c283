package client_test

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/omochice/duplex-bridge/internal/transport"
)

// mockConn is a mock implementation of transport.Conn for testing.
type mockConn struct {
	readCh    chan []byte
	readErr   error
	writtenMu sync.Mutex
	written   [][]byte
	writeErr  error
	closeOnce sync.Once
	closed    chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, net.ErrClosed
	case data, ok := <-m.readCh:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return "mock:0"
}

func (m *mockConn) GetWritten() [][]byte {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	return append([][]byte(nil), m.written...)
}

func (m *mockConn) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *mockConn) dialer() transport.Dialer {
	return func(ctx context.Context, addr string, options ...transport.Option) (transport.Conn, error) {
		return m, nil
	}
}

// Compile-time check that mockConn implements transport.Conn
var _ transport.Conn = (*mockConn)(nil)

// recordingTap collects Tap callbacks.
type recordingTap struct {
	mu        sync.Mutex
	handshake int
	received  [][]byte
	sent      [][]byte
	closed    int
	closeErr  error
}

func (r *recordingTap) OnHandshake(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handshake = n
}

func (r *recordingTap) OnReceive(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, chunk)
}

func (r *recordingTap) OnSend(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, data)
}

func (r *recordingTap) OnClose(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	r.closeErr = err
}

func (r *recordingTap) getHandshake() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handshake
}

func (r *recordingTap) getReceived() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.received...)
}

func (r *recordingTap) getSent() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.sent...)
}

func (r *recordingTap) getClosed() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed, r.closeErr
}
