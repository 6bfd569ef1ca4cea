package stream

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"brokerstream/config"
)

// FrameType distinguishes text from binary transport messages.
type FrameType int

const (
	FrameText FrameType = iota + 1
	FrameBinary
)

func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Frame is one message as received from the transport.
type Frame struct {
	Type FrameType
	Data []byte
}

// Transport is the realtime connection of one broker.
type Transport interface {
	Connect(ctx context.Context, url string, headers http.Header) error
	// Subscribe writes a control message on the open connection.
	Subscribe(ctx context.Context, msg []byte) error
	// Next blocks until a frame arrives or the transport closes.
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// TransportOptions are the settings every transport factory receives.
type TransportOptions struct {
	PingInterval time.Duration
}

// TransportFactory creates an unconnected transport.
type TransportFactory func(opts TransportOptions) Transport

var (
	registryMu sync.RWMutex
	registry   = map[string]TransportFactory{
		strings.ToLower(config.ProviderWebSocket): func(opts TransportOptions) Transport {
			return NewWebSocketTransport(opts)
		},
	}
)

// RegisterTransport installs a factory for a provider name, replacing any
// previous one. Vendor push clients plug in here.
func RegisterTransport(provider string, factory TransportFactory) {
	registryMu.Lock()
	registry[strings.ToLower(strings.TrimSpace(provider))] = factory
	registryMu.Unlock()
}

// NewTransport creates a transport for provider.
func NewTransport(provider string, opts TransportOptions) (Transport, error) {
	registryMu.RLock()
	factory, ok := registry[strings.ToLower(strings.TrimSpace(provider))]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w '%s' (registered: %s)", ErrUnknownProvider, provider, strings.Join(Providers(), ", "))
	}
	return factory(opts), nil
}

// Providers lists the registered provider names.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
