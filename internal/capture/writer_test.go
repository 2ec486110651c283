package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/duplex-bridge/internal/client"
)

var _ client.Tap = (*Writer)(nil)

func readAll(t *testing.T, data []byte) []*Record {
	t.Helper()
	var records []*Record
	r := NewReader(bytes.NewReader(data))
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return records
		}
		require.NoError(t, err)
		records = append(records, rec)
	}
}

func TestWriter_TapRecordsSession(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	clock := time.Unix(1700000000, 0)
	w.now = func() time.Time { return clock }

	w.OnHandshake(4)
	w.OnReceive([]byte("https://example.com\n"))
	w.OnSend([]byte("OK"))
	w.OnClose(nil)
	require.NoError(t, w.Close())

	records := readAll(t, buf.Bytes())
	require.Len(t, records, 4)

	assert.Equal(t, KindHandshake, records[0].Kind)
	assert.Equal(t, 4, records[0].Length)
	assert.Empty(t, records[0].Payload, "credential bytes are never captured")

	assert.Equal(t, KindReceive, records[1].Kind)
	assert.Equal(t, "https://example.com\n", string(records[1].Payload))

	assert.Equal(t, KindSend, records[2].Kind)
	assert.Equal(t, "OK", string(records[2].Payload))

	assert.Equal(t, KindClose, records[3].Kind)
	assert.Empty(t, records[3].Err)

	for _, rec := range records {
		assert.True(t, clock.Equal(rec.Time))
	}
}

func TestWriter_CloseRecordsError(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	w.OnClose(errors.New("connection reset"))

	records := readAll(t, buf.Bytes())
	require.Len(t, records, 1)
	assert.Equal(t, "connection reset", records[0].Err)
}

func TestWriter_WriteAfterClose(t *testing.T) {
	w := NewWriter(io.Discard)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	err := w.Write(Record{Kind: KindSend})
	assert.ErrorIs(t, err, errClosed)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriter_KeepsFirstError(t *testing.T) {
	w := NewWriter(failingWriter{})

	w.OnSend(bytes.Repeat([]byte("x"), 8192))
	err := w.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestReader_TruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Write(Record{Kind: KindReceive, Payload: []byte("hello")}))
	require.NoError(t, w.Flush())

	data := buf.Bytes()
	r := NewReader(bytes.NewReader(data[:len(data)-2]))
	_, err := r.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReader_RejectsOversizedRecord(t *testing.T) {
	data := []byte{0xff, 0xff, 0xff, 0xff, 0x0f}
	_, err := NewReader(bytes.NewReader(data)).Next()
	assert.ErrorIs(t, err, errMalformed)
}

// TestWriter_CapturesConnection registers a file Writer on a live Connection.
func TestWriter_CapturesConnection(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		hs := make([]byte, 4)
		if _, err := io.ReadFull(conn, hs); err != nil {
			return
		}
		_, _ = conn.Write([]byte("ping"))
		reply := make([]byte, 4)
		_, _ = io.ReadFull(conn, reply)
	}()

	path := filepath.Join(t.TempDir(), "session.capture")
	w, err := Create(path)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	var c *client.Connection
	c = client.New(listener.Addr().String(), client.WithLogger(logger), client.WithTap(w))
	require.NoError(t, c.Connect(context.Background(), []byte("test"), func(chunk []byte) error {
		return c.Send(context.Background(), []byte("pong"))
	}))
	require.NoError(t, c.Wait())
	require.NoError(t, c.Close())
	require.NoError(t, w.Close())

	records, err := ReadFile(path)
	require.NoError(t, err)

	var kinds []Kind
	for _, rec := range records {
		kinds = append(kinds, rec.Kind)
	}
	assert.Equal(t, []Kind{KindHandshake, KindReceive, KindSend, KindClose}, kinds)
	assert.Equal(t, 4, records[0].Length)
	assert.Equal(t, "ping", string(records[1].Payload))
	assert.Equal(t, "pong", string(records[2].Payload))
}
