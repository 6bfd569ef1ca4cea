package stream

import (
	"encoding/binary"
	"fmt"

	"brokerstream/internal/jsonpath"
)

// Payload formats of a binary envelope.
const (
	FormatJSON     byte = 0
	FormatProtobuf byte = 1
)

// fixed part: message id, flags, ref length, format, payload length
const envelopeOverhead = 8 + 2 + 1 + 1 + 4

// Envelope is one message of a binary frame:
//
//	[8] message id, int64 little endian
//	[2] flags
//	[1] reference id length N
//	[N] reference id, ASCII
//	[1] payload format, 0 = JSON
//	[4] payload length M, int32 little endian
//	[M] payload
type Envelope struct {
	MessageID   int64
	Flags       uint16
	ReferenceID string
	Format      byte
	Payload     []byte
}

// DecodeEnvelope reads the envelope at the start of b and returns the number
// of bytes it used.
func DecodeEnvelope(b []byte) (Envelope, int, error) {
	var e Envelope
	if len(b) < 11 {
		return e, 0, fmt.Errorf("%w: %d byte header", ErrTruncated, len(b))
	}
	e.MessageID = int64(binary.LittleEndian.Uint64(b[0:8]))
	e.Flags = binary.LittleEndian.Uint16(b[8:10])
	refLen := int(b[10])
	off := 11
	if len(b) < off+refLen+1+4 {
		return e, 0, fmt.Errorf("%w: reference id of %d bytes", ErrTruncated, refLen)
	}
	e.ReferenceID = string(b[off : off+refLen])
	off += refLen
	e.Format = b[off]
	off++
	size := int32(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4
	if size < 0 || len(b)-off < int(size) {
		return e, 0, fmt.Errorf("%w: payload of %d bytes, %d available", ErrTruncated, size, len(b)-off)
	}
	e.Payload = b[off : off+int(size)]
	return e, off + int(size), nil
}

// DecodeEnvelopes splits a frame holding one or more concatenated envelopes.
// Envelopes decoded before an error are still returned.
func DecodeEnvelopes(b []byte) ([]Envelope, error) {
	var out []Envelope
	for len(b) > 0 {
		e, n, err := DecodeEnvelope(b)
		if err != nil {
			return out, err
		}
		out = append(out, e)
		b = b[n:]
	}
	return out, nil
}

// EncodeEnvelope is the inverse of DecodeEnvelope.
func EncodeEnvelope(e Envelope) []byte {
	ref := e.ReferenceID
	if len(ref) > 255 {
		ref = ref[:255]
	}
	b := make([]byte, 0, envelopeOverhead+len(ref)+len(e.Payload))
	b = binary.LittleEndian.AppendUint64(b, uint64(e.MessageID))
	b = binary.LittleEndian.AppendUint16(b, e.Flags)
	b = append(b, byte(len(ref)))
	b = append(b, ref...)
	b = append(b, e.Format)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(e.Payload)))
	return append(b, e.Payload...)
}

// Document decodes a JSON payload.
func (e Envelope) Document() (any, error) {
	if e.Format != FormatJSON {
		return nil, fmt.Errorf("%w %d", ErrUnsupportedFormat, e.Format)
	}
	return jsonpath.Decode(e.Payload)
}
