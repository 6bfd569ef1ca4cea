package stream

import (
	"bytes"
	"errors"
	"testing"

	"brokerstream/internal/jsonpath"
)

func TestDecodeEnvelope(t *testing.T) {
	frame := EncodeEnvelope(Envelope{MessageID: 7, ReferenceID: "pos", Payload: []byte(`{"Data":[]}`)})
	e, n, err := DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("expected %d bytes consumed, got %d", len(frame), n)
	}
	if e.MessageID != 7 || e.ReferenceID != "pos" || e.Format != FormatJSON {
		t.Fatalf("unexpected envelope %+v", e)
	}
	doc, err := e.Document()
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	data, ok := jsonpath.Select(doc, "Data")
	if !ok {
		t.Fatal("expected Data field")
	}
	if arr, ok := data.([]any); !ok || len(arr) != 0 {
		t.Fatalf("expected empty Data array, got %#v", data)
	}
}

func TestDecodeEnvelopeTruncated(t *testing.T) {
	frame := EncodeEnvelope(Envelope{MessageID: 1, ReferenceID: "pos", Payload: []byte(`{"Data":[1,2,3]}`)})
	for _, cut := range []int{0, 5, 10, 12, 17, len(frame) - 1} {
		if _, _, err := DecodeEnvelope(frame[:cut]); !errors.Is(err, ErrTruncated) {
			t.Fatalf("cut at %d: expected ErrTruncated, got %v", cut, err)
		}
	}
}

func TestDecodeEnvelopesConcatenated(t *testing.T) {
	var frame []byte
	frame = append(frame, EncodeEnvelope(Envelope{MessageID: 1, ReferenceID: "a", Payload: []byte(`[1]`)})...)
	frame = append(frame, EncodeEnvelope(Envelope{MessageID: 2, ReferenceID: "b", Payload: []byte(`[2]`)})...)
	frame = append(frame, 0x01, 0x02)

	envs, err := DecodeEnvelopes(frame)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected trailing truncation error, got %v", err)
	}
	if len(envs) != 2 || envs[0].ReferenceID != "a" || envs[1].ReferenceID != "b" {
		t.Fatalf("unexpected envelopes %+v", envs)
	}
	if !bytes.Equal(envs[1].Payload, []byte(`[2]`)) {
		t.Fatalf("unexpected payload %q", envs[1].Payload)
	}
}

func TestEnvelopeUnsupportedFormat(t *testing.T) {
	e := Envelope{Format: FormatProtobuf, Payload: []byte{0x08, 0x01}}
	if _, err := e.Document(); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestNewTransportRegistry(t *testing.T) {
	if _, err := NewTransport("websocket", TransportOptions{}); err != nil {
		t.Fatalf("websocket provider must be registered: %v", err)
	}
	if _, err := NewTransport("Lightstreamer", TransportOptions{}); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	RegisterTransport("fake", func(TransportOptions) Transport { return NewWebSocketTransport(TransportOptions{}) })
	if _, err := NewTransport("FAKE", TransportOptions{}); err != nil {
		t.Fatalf("registered provider: %v", err)
	}
}
