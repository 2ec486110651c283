package ws_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/duplex-bridge/internal/transport"
	wstransport "github.com/omochice/duplex-bridge/internal/transport/ws"
)

func TestAccept_Echo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wstransport.Accept(w, r)
		if err != nil {
			t.Errorf("Accept() error = %v", err)
			return
		}
		defer conn.Close()
		for {
			data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			if err := conn.Write(context.Background(), data); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	conn, err := wstransport.Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Write(context.Background(), []byte("ping")))
	data, err := conn.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))
}

func TestUpgrade_RawListener(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	serverConn := make(chan *wstransport.Conn, 1)
	go func() {
		raw, err := listener.Accept()
		if err != nil {
			return
		}
		conn, err := wstransport.Upgrade(raw)
		if err != nil {
			raw.Close()
			return
		}
		serverConn <- conn
	}()

	client, err := wstransport.Dial(context.Background(), listener.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	var server *wstransport.Conn
	select {
	case server = <-serverConn:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not upgrade")
	}

	require.NoError(t, server.Write(context.Background(), []byte("from server")))
	data, err := client.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from server", string(data))

	require.NoError(t, client.Write(context.Background(), []byte("from client")))
	data, err = server.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from client", string(data))

	require.NoError(t, server.Close())
	_, err = client.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestUpgrade_RejectsPlainTCP(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	result := make(chan error, 1)
	go func() {
		raw, err := listener.Accept()
		if err != nil {
			result <- err
			return
		}
		defer raw.Close()
		_, err = wstransport.Upgrade(raw, transport.WithDialTimeout(time.Second))
		result <- err
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("not an http request\r\n\r\n"))
	require.NoError(t, err)

	select {
	case err := <-result:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Upgrade did not fail")
	}
}
