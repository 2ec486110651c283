package host

import (
	"bufio"
	"bytes"
	"net"
	"time"
)

type protocolType int

const (
	protocolTCP protocolType = iota
	protocolWebSocket
)

func (p protocolType) String() string {
	if p == protocolWebSocket {
		return "websocket"
	}
	return "tcp"
}

// peekedConn replays bytes consumed while detecting the protocol.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// detectProtocol peeks at the first bytes: a WebSocket client opens with an
// HTTP GET, anything else is a raw key.
func detectProtocol(conn net.Conn, timeout time.Duration) (protocolType, net.Conn, error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	reader := bufio.NewReader(conn)
	peek, err := reader.Peek(4)
	wrapped := &peekedConn{Conn: conn, r: reader}
	if err != nil {
		return protocolTCP, wrapped, err
	}

	if bytes.Equal(peek, []byte("GET ")) {
		return protocolWebSocket, wrapped, nil
	}
	return protocolTCP, wrapped, nil
}
