package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrRedirectBlocked is returned for any 3xx response; redirects are never followed.
	ErrRedirectBlocked = errors.New("redirect blocked")
	// ErrHTMLResponse means an HTML page came back where JSON was expected,
	// usually a captive portal or an intercepting proxy.
	ErrHTMLResponse = errors.New("html response")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Snippet string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Snippet)
}

// RedirectError carries the blocked Location.
type RedirectError struct {
	Code     int
	Location string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirect %d to '%s' blocked", e.Code, e.Location)
}

func (e *RedirectError) Unwrap() error { return ErrRedirectBlocked }

// AuthError aborts startup for one broker.
type AuthError struct {
	Broker string
	Step   int
	Name   string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("auth %s step %d (%s): %v", e.Broker, e.Step, e.Name, e.Err)
	}
	return fmt.Sprintf("auth %s step %d: %v", e.Broker, e.Step, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
