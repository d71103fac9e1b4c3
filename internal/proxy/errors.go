// Package proxy is the request core of the mTLS proxy: it serves the login
// page and forwards authenticated requests to their upstream.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/sony/gobreaker"
)

// Sentinel errors for proxy operations.
var (
	// ErrUnauthenticated indicates a request without a verified client identity.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden indicates a request denied by the route policy.
	ErrForbidden = errors.New("forbidden")

	// ErrUpstreamUnavailable indicates that the upstream could not serve the request.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamTimeout indicates that the upstream did not answer in time.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrCircuitOpen indicates that the route circuit breaker rejected the request.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Upstream failure reasons, used as metric labels.
const (
	ReasonRefused  = "connection_refused"
	ReasonDNS      = "dns"
	ReasonReset    = "connection_reset"
	ReasonTimeout  = "timeout"
	ReasonCircuit  = "circuit_open"
	ReasonOther    = "transport"
	ReasonCanceled = "client_canceled"
)

// UpstreamError is a failure to reach or read from an upstream.
// It always matches ErrUpstreamUnavailable.
type UpstreamError struct {
	Route    string
	Upstream string
	Reason   string
	Cause    error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error route=%s upstream=%s: %s: %v", e.Route, e.Upstream, e.Reason, e.Cause)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrUpstreamUnavailable:
		return true
	case ErrUpstreamTimeout:
		return e.Reason == ReasonTimeout
	case ErrCircuitOpen:
		return e.Reason == ReasonCircuit
	}
	_, ok := target.(*UpstreamError)
	return ok
}

// NewUpstreamError classifies err for route.
func NewUpstreamError(route, upstream string, err error) *UpstreamError {
	return &UpstreamError{
		Route:    route,
		Upstream: upstream,
		Reason:   upstreamReason(err),
		Cause:    err,
	}
}

func upstreamReason(err error) string {
	var (
		dnsErr *net.DNSError
		netErr net.Error
	)

	switch {
	case errors.Is(err, ErrCircuitOpen),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return ReasonCircuit
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrUpstreamTimeout):
		return ReasonTimeout
	case errors.As(err, &dnsErr):
		return ReasonDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return ReasonReset
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	default:
		return ReasonOther
	}
}
