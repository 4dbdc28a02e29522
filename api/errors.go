package api

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

const maxErrorBodyBytes = 200

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrServer       = errors.New("server error")
)

// HTTPError is returned for any non-2xx backend response
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > maxErrorBodyBytes {
		n := maxErrorBodyBytes
		for n > 0 && !utf8.RuneStart(body[n]) {
			n--
		}
		body = body[:n] + "..."
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// Is maps status codes onto the sentinel errors so callers can use errors.Is
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrServer:
		return e.StatusCode >= http.StatusInternalServerError
	}
	return false
}

// clientError marks failures on our side of the round trip, which are never retried
type clientError struct {
	err error
}

func (e *clientError) Error() string { return e.err.Error() }
func (e *clientError) Unwrap() error { return e.err }

// retryable reports whether the request may succeed when sent again
func retryable(err error) bool {
	var clientErr *clientError
	if errors.As(err, &clientErr) {
		return false
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		// transport errors
		return true
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServer)
}
