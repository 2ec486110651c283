package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

var errClosed = errors.New("capture writer is closed")

// Writer appends records to a stream. It implements client.Tap, so a session
// is captured by registering it with client.WithTap. Tap callbacks cannot
// return errors; the first write error is kept and returned by Close.
type Writer struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	now    func() time.Time
	err    error
	closed bool
}

// Create truncates or creates the file at path and returns a Writer for it.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	w := NewWriter(f)
	w.closer = f
	return w, nil
}

// NewWriter returns a Writer on w. Close flushes but does not close w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w:   bufio.NewWriter(w),
		now: time.Now,
	}
}

// Write appends one length-delimited record. A zero Time is stamped with the
// current time.
func (w *Writer) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errClosed
	}
	if w.err != nil {
		return w.err
	}
	if r.Time.IsZero() {
		r.Time = w.now()
	}

	msg := r.Encode()
	frame := protowire.AppendVarint(make([]byte, 0, len(msg)+protowire.SizeVarint(uint64(len(msg)))), uint64(len(msg)))
	frame = append(frame, msg...)
	if _, err := w.w.Write(frame); err != nil {
		w.err = fmt.Errorf("write capture record: %w", err)
		return w.err
	}
	return nil
}

// Flush writes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flush()
}

func (w *Writer) flush() error {
	if w.err != nil {
		return w.err
	}
	if err := w.w.Flush(); err != nil {
		w.err = fmt.Errorf("flush capture: %w", err)
	}
	return w.err
}

// Close flushes and closes the file opened by Create. It is safe to call
// more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.err
	}
	w.closed = true

	err := w.flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close capture file: %w", cerr)
			w.err = err
		}
	}
	return err
}

func (w *Writer) OnHandshake(n int) {
	_ = w.Write(Record{Kind: KindHandshake, Length: n})
}

func (w *Writer) OnReceive(chunk []byte) {
	_ = w.Write(Record{Kind: KindReceive, Payload: chunk, Length: len(chunk)})
}

func (w *Writer) OnSend(data []byte) {
	_ = w.Write(Record{Kind: KindSend, Payload: data, Length: len(data)})
}

func (w *Writer) OnClose(err error) {
	r := Record{Kind: KindClose}
	if err != nil {
		r.Err = err.Error()
	}
	_ = w.Write(r)
	_ = w.Flush()
}
