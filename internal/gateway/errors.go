package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// CodeRouteNotFound is the upstream error code for an unroutable quote.
const CodeRouteNotFound = "route_not_found"

var (
	// ErrMarketNotFound is returned when the metadata service has no such market.
	ErrMarketNotFound = errors.New("gateway: market not found")

	// ErrRouteNotFound is returned when no liquidity route exists for a quote.
	ErrRouteNotFound = errors.New("gateway: no liquidity route")

	// ErrMalformedResponse is returned when an upstream payload is missing
	// required fields or cannot be decoded.
	ErrMalformedResponse = errors.New("gateway: malformed upstream response")

	// ErrUnavailable is returned on network failures and timeouts.
	ErrUnavailable = errors.New("gateway: upstream unavailable")
)

// StatusError is a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("gateway: upstream status %d (%s): %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("gateway: upstream status %d: %s", e.StatusCode, msg)
}

// Temporary reports whether the status signals rate limiting or a
// temporarily unavailable upstream.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable
}
