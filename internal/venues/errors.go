package venues

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ConnectionError represents a network-level failure reaching a venue
// (timeout, refused connection, DNS failure). Transient: retried and
// counted against the circuit breaker.
type ConnectionError struct {
	Venue   string
	Account string
	Message string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection error for %s:%s: %s: %v", e.Venue, e.Account, e.Message, e.Err)
	}
	return fmt.Sprintf("connection error for %s:%s: %s", e.Venue, e.Account, e.Message)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Retryable() bool {
	return true
}

// AuthError represents rejected credentials or insufficient API key
// permissions. Permanent: never retried, and never recorded against the
// circuit breaker because retrying cannot help and risks key lockout.
type AuthError struct {
	Venue   string
	Account string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authorization error for %s:%s: %s: %v", e.Venue, e.Account, e.Message, e.Err)
	}
	return fmt.Sprintf("authorization error for %s:%s: %s", e.Venue, e.Account, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Retryable() bool {
	return false
}

// RateLimitError represents a venue throttling response. Transient:
// retried, honoring the server-supplied wait hint when one was given.
type RateLimitError struct {
	Venue   string
	Account string
	Message string
	Hint    time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Hint > 0 {
		return fmt.Sprintf("rate limited by %s:%s: %s (retry after %s)", e.Venue, e.Account, e.Message, e.Hint)
	}
	return fmt.Sprintf("rate limited by %s:%s: %s", e.Venue, e.Account, e.Message)
}

func (e *RateLimitError) Retryable() bool {
	return true
}

// RetryAfter returns the server-supplied wait hint, zero when absent.
func (e *RateLimitError) RetryAfter() time.Duration {
	return e.Hint
}

// VenueError represents any other venue-reported failure (server errors,
// malformed responses, rejected parameters). Treated as transient.
type VenueError struct {
	Venue   string
	Account string
	Message string
	Err     error
}

func (e *VenueError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("venue error from %s:%s: %s: %v", e.Venue, e.Account, e.Message, e.Err)
	}
	return fmt.Sprintf("venue error from %s:%s: %s", e.Venue, e.Account, e.Message)
}

func (e *VenueError) Unwrap() error {
	return e.Err
}

func (e *VenueError) Retryable() bool {
	return true
}

// IsAuthorization reports whether err is (or wraps) an AuthError.
// The resilient client uses this to decide that a failure must not be
// recorded against the account's circuit breaker.
func IsAuthorization(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ClassifyHTTPStatus maps a non-2xx venue response to the error taxonomy.
// 401/403 become authorization errors, 429 becomes a rate-limit error
// carrying any Retry-After hint, and everything else is a generic venue
// error.
func ClassifyHTTPStatus(venue, account string, status int, header http.Header, body string) error {
	msg := fmt.Sprintf("HTTP %d: %s", status, truncateBody(body))

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Venue: venue, Account: account, Message: msg}
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Venue: venue, Account: account, Message: msg, Hint: parseRetryAfter(header)}
	default:
		return &VenueError{Venue: venue, Account: account, Message: msg}
	}
}

// ClassifyTransport maps a failed HTTP round trip to the error taxonomy.
// Timeouts and unreachable hosts are connection errors; anything else is
// a generic venue error.
func ClassifyTransport(venue, account string, err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ConnectionError{Venue: venue, Account: account, Message: "request failed", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectionError{Venue: venue, Account: account, Message: "request timed out", Err: err}
	}

	return &VenueError{Venue: venue, Account: account, Message: "request failed", Err: err}
}

// parseRetryAfter reads a Retry-After header as either delay seconds or
// an HTTP date. Returns zero when the header is absent or unparseable.
func parseRetryAfter(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}

	return 0
}

// truncateBody limits response bodies embedded in error messages.
func truncateBody(body string) string {
	const maxLen = 500
	if len(body) > maxLen {
		return body[:maxLen] + "..."
	}
	return body
}
