package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// MaxRecordSize bounds a single record read back from a stream.
const MaxRecordSize = 16 << 20

// Reader reads records written by Writer.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF at a clean end of stream. A stream
// cut inside a record yields io.ErrUnexpectedEOF.
func (r *Reader) Next() (*Record, error) {
	size, err := binary.ReadUvarint(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record length: %w", err)
	}
	if size > MaxRecordSize {
		return nil, fmt.Errorf("%w: record of %d bytes exceeds limit", errMalformed, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	rec := &Record{}
	if err := rec.Decode(buf); err != nil {
		return nil, err
	}
	return rec, nil
}

// ReadFile reads every record in the capture file at path.
func ReadFile(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	defer f.Close()

	var records []*Record
	r := NewReader(f)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}
