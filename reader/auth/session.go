// Package auth turns a broker document into an authenticated Session: an
// HTTP client with bound default headers plus the session's variable scope.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"brokerstream/config"
	"brokerstream/internal/template"
	"brokerstream/logger"
)

// Session is shared by the stream adapter and the reconciliation loop of one
// broker. All methods are safe for concurrent use.
type Session struct {
	Broker  string
	BaseURL string
	Client  *http.Client
	Vars    *template.Vars

	headers *defaultHeaders
	limiter *rate.Limiter
	log     *logger.Log
}

// NewSession builds the HTTP client for a broker. Redirects are returned to
// the caller instead of being followed.
func NewSession(cfg config.BrokerConfig) *Session {
	vars := template.NewVars(cfg.Vars)
	headers := newDefaultHeaders(template.RenderHeaders(cfg.HTTP.DefaultHeaders, vars, nil))

	timeout := time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if rl := cfg.HTTP.RateLimit; rl.RequestsPerSecond > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
	}

	return &Session{
		Broker:  cfg.Name,
		BaseURL: strings.TrimRight(cfg.HTTP.BaseURL, "/"),
		Client: &http.Client{
			Transport: headerTransport{headers: headers, base: http.DefaultTransport},
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Vars:    vars,
		headers: headers,
		limiter: limiter,
		log:     logger.GetLogger(),
	}
}

// Lookup resolves a variable, falling back to a bound default header of the
// same name (CST, X-SECURITY-TOKEN and friends).
func (s *Session) Lookup(key string) (string, bool) {
	if v, ok := s.Vars.Lookup(key); ok {
		return v, true
	}
	if v := s.headers.get(key); v != "" {
		return v, true
	}
	return "", false
}

// SetDefaultHeader binds a header for every later request. Authorization
// values without a scheme get "Bearer". Content-Type is never bound.
func (s *Session) SetDefaultHeader(key, value string) {
	if strings.EqualFold(key, "Content-Type") {
		return
	}
	if strings.EqualFold(key, "Authorization") {
		parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
		if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
			value = parts[0] + " " + strings.TrimSpace(parts[1])
		} else {
			value = "Bearer " + strings.TrimSpace(value)
		}
	}
	s.headers.set(key, value)
}

// DefaultHeader returns a bound header value.
func (s *Session) DefaultHeader(key string) string {
	return s.headers.get(key)
}

// DefaultHeaders returns a copy of every bound header.
func (s *Session) DefaultHeaders() http.Header {
	return s.headers.clone()
}

// Do waits on the rate limiter and sends req.
func (s *Session) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}
	return s.Client.Do(req.WithContext(ctx))
}

// URL joins a templated path onto the base URL. Absolute inputs are kept.
func (s *Session) URL(path string) string {
	path = strings.TrimSpace(path)
	lower := strings.ToLower(path)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://") {
		return path
	}
	if path == "" {
		return s.BaseURL
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return s.BaseURL + path
}
