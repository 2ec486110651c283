package ws

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"

	"github.com/omochice/duplex-bridge/internal/transport"
)

// Upgrade performs the server side of the handshake on a freshly accepted
// connection. The handshake must finish within the dial timeout.
func Upgrade(conn net.Conn, options ...transport.Option) (*Conn, error) {
	opts := transport.Apply(options...)

	if opts.DialTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(opts.DialTimeout))
	}
	if _, err := (ws.Upgrader{}).Upgrade(conn); err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	return newConn(conn, conn, opts, ws.StateServerSide), nil
}

// Accept upgrades an HTTP request and hijacks its connection.
func Accept(w http.ResponseWriter, r *http.Request, options ...transport.Option) (*Conn, error) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}

	var src io.Reader = conn
	if rw != nil && rw.Reader.Buffered() > 0 {
		src = io.MultiReader(rw.Reader, conn)
	}
	return newConn(conn, src, transport.Apply(options...), ws.StateServerSide), nil
}
