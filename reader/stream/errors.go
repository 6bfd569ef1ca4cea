package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated means a binary envelope ended before its declared length.
	ErrTruncated = errors.New("truncated envelope")
	// ErrUnsupportedFormat is a binary payload that is not JSON.
	ErrUnsupportedFormat = errors.New("unsupported payload format")
	// ErrReferenceMismatch is a frame for a subscription this adapter does not own.
	ErrReferenceMismatch = errors.New("reference id mismatch")
	// ErrUnknownProvider means no transport is registered for the provider name.
	ErrUnknownProvider = errors.New("unknown streaming provider")
)

// TransportError is a failure to open, write to or read from the transport.
type TransportError struct {
	Broker string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport %s: %v", e.Broker, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError is a frame or item that could not be turned into items. It
// never stops the receive loop.
type DecodeError struct {
	Broker      string
	ReferenceID string
	Err         error
}

func (e *DecodeError) Error() string {
	if e.ReferenceID != "" {
		return fmt.Sprintf("%s decode frame (ref %s): %v", e.Broker, e.ReferenceID, e.Err)
	}
	return fmt.Sprintf("%s decode frame: %v", e.Broker, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
