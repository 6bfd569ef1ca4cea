package auth

import (
	"net/http"
	"sync"
)

// defaultHeaders are applied to every request that does not already carry
// the header. Auth steps add to them as tokens are bound.
type defaultHeaders struct {
	mu     sync.RWMutex
	values http.Header
}

func newDefaultHeaders(seed map[string]string) *defaultHeaders {
	h := &defaultHeaders{values: http.Header{}}
	for k, v := range seed {
		h.values.Set(k, v)
	}
	return h
}

func (h *defaultHeaders) set(key, value string) {
	h.mu.Lock()
	h.values.Set(key, value)
	h.mu.Unlock()
}

func (h *defaultHeaders) get(key string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.values.Get(key)
}

func (h *defaultHeaders) clone() http.Header {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.values.Clone()
}

type headerTransport struct {
	headers *defaultHeaders
	base    http.RoundTripper
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, vs := range t.headers.clone() {
		if req.Header.Get(k) != "" || len(vs) == 0 {
			continue
		}
		req.Header.Set(k, vs[0])
	}
	return t.base.RoundTrip(req)
}
