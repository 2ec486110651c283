// Package ws provides a WebSocket transport.
//
// Binary and text messages from the peer are streamed as byte chunks of at
// most transport.MaxChunkSize; a longer message spans several reads and is
// never buffered whole. Each Write
// is sent as one binary frame, masked on the client side.
package ws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/duplex-bridge/internal/transport"
)

// closeTimeout bounds the close frame write.
const closeTimeout = time.Second

// Conn adapts a gobwas/ws connection to transport.Conn.
type Conn struct {
	conn   net.Conn
	state  ws.State
	reader *wsutil.Reader
	opts   *transport.Options

	// readMu guards reader and inMessage.
	readMu    sync.Mutex
	inMessage bool

	// writeMu keeps frames from interleaving; control replies from the
	// read side go through it as well.
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var _ transport.Conn = (*Conn)(nil)

// Dial performs the WebSocket handshake with addr. addr is either a full
// ws:// URL or host:port, in which case Options.Path is appended.
func Dial(ctx context.Context, addr string, options ...transport.Option) (*Conn, error) {
	opts := transport.Apply(options...)

	url := addr
	if !strings.Contains(addr, "://") {
		url = "ws://" + addr + opts.Path
	}

	dialer := ws.Dialer{Timeout: opts.DialTimeout}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s failed: %w", url, err)
	}

	var src io.Reader = conn
	if br != nil {
		// The server sent frames right after the handshake; they sit in br.
		src = io.MultiReader(br, conn)
	}
	return newConn(conn, src, opts, ws.StateClientSide), nil
}

// Dialer is Dial with the transport.Dialer signature.
func Dialer(ctx context.Context, addr string, options ...transport.Option) (transport.Conn, error) {
	c, err := Dial(ctx, addr, options...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newConn(conn net.Conn, src io.Reader, opts *transport.Options, state ws.State) *Conn {
	c := &Conn{conn: conn, state: state, opts: opts}
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          state,
		OnIntermediate: c.handleControl,
	}
	return c
}

// Read implements transport.Conn.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := c.conn.SetReadDeadline(deadline(c.opts.ReadTimeout)); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, c.opts.ReadBufferSize)
	for {
		if !c.inMessage {
			if err := c.nextDataFrame(); err != nil {
				return nil, c.wrapErr(ctx, err)
			}
			c.inMessage = true
		}

		n, err := c.reader.Read(buf)
		if errors.Is(err, io.EOF) {
			// end of message
			c.inMessage = false
			err = nil
		}
		if n > 0 {
			return buf[:n:n], nil
		}
		if err != nil {
			return nil, c.wrapErr(ctx, err)
		}
	}
}

// nextDataFrame advances to the first frame of the next data message,
// answering control frames on the way.
func (c *Conn) nextDataFrame() error {
	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return err
		}
		if !hdr.OpCode.IsControl() {
			return nil
		}
		if err := c.handleControl(hdr, c.reader); err != nil {
			return err
		}
	}
}

// handleControl answers ping and close frames. The reply is built in memory
// and written under writeMu in one call.
func (c *Conn) handleControl(hdr ws.Header, src io.Reader) error {
	var reply bytes.Buffer
	handler := wsutil.ControlHandler{
		Src:   src,
		Dst:   &reply,
		State: c.state,
	}
	err := handler.Handle(hdr)
	if reply.Len() > 0 {
		if werr := c.writeRaw(reply.Bytes()); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// Write implements transport.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	frame := ws.NewBinaryFrame(data)
	if c.state.ClientSide() {
		frame = ws.MaskFrame(frame)
	}
	raw, err := ws.CompileFrame(frame)
	if err != nil {
		return fmt.Errorf("compile frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline(c.opts.WriteTimeout)); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if _, err := c.conn.Write(raw); err != nil {
		return c.wrapErr(ctx, err)
	}
	return nil
}

func (c *Conn) writeRaw(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(raw)
	return err
}

// Close implements transport.Conn. It sends a close frame on a best-effort
// basis before releasing the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		if c.state.ClientSide() {
			frame = ws.MaskFrameInPlace(frame)
		}
		raw, err := ws.CompileFrame(frame)
		// A writer stuck on a full buffer must not block Close.
		if err == nil && c.writeMu.TryLock() {
			_ = c.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
			_, _ = c.conn.Write(raw)
			c.writeMu.Unlock()
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) wrapErr(ctx context.Context, err error) error {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	if errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
