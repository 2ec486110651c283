// Package capture records connection traffic as a stream of length-delimited
// protobuf-wire records and reads it back.
package capture

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind is the type of a captured event.
type Kind int

const (
	KindUnknown Kind = iota
	KindHandshake
	KindReceive
	KindSend
	KindClose
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "HANDSHAKE"
	case KindReceive:
		return "RECEIVE"
	case KindSend:
		return "SEND"
	case KindClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Field numbers of the record message.
const (
	fieldKind    protowire.Number = 1
	fieldTime    protowire.Number = 2
	fieldPayload protowire.Number = 3
	fieldLength  protowire.Number = 4
	fieldError   protowire.Number = 5
)

// Record is one captured event. Handshake records carry only the credential
// length, never the credential.
type Record struct {
	Kind    Kind
	Time    time.Time
	Payload []byte
	Length  int
	Err     string
}

var errMalformed = errors.New("malformed record")

// Encode encodes the record into protobuf wire format
func (r *Record) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Kind))
	if !r.Time.IsZero() {
		b = protowire.AppendTag(b, fieldTime, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Time.UnixNano()))
	}
	if len(r.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	if r.Length > 0 {
		b = protowire.AppendTag(b, fieldLength, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Length))
	}
	if r.Err != "" {
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendString(b, r.Err)
	}
	return b
}

// Decode decodes protobuf wire format into the record. Unknown fields are
// skipped.
func (r *Record) Decode(data []byte) error {
	*r = Record{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: kind: %w", errMalformed, protowire.ParseError(n))
			}
			r.Kind = Kind(v)
			data = data[n:]
		case num == fieldTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: time: %w", errMalformed, protowire.ParseError(n))
			}
			r.Time = time.Unix(0, int64(v))
			data = data[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: payload: %w", errMalformed, protowire.ParseError(n))
			}
			r.Payload = append([]byte(nil), v...)
			data = data[n:]
		case num == fieldLength && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: length: %w", errMalformed, protowire.ParseError(n))
			}
			r.Length = int(v)
			data = data[n:]
		case num == fieldError && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("%w: error: %w", errMalformed, protowire.ParseError(n))
			}
			r.Err = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", errMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
