package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"

	mtls "github.com/vyrodovalexey/avamtls/internal/tls"
)

var (
	// ErrAddressInUse is returned by Start when the port is already bound.
	ErrAddressInUse = errors.New("address already in use")

	// ErrAlreadyRunning is returned by Start on a running listener.
	ErrAlreadyRunning = errors.New("listener already running")

	// ErrTooManyConnections marks a connection refused by the connection limit.
	ErrTooManyConnections = errors.New("too many connections")
)

// Handshake failure reasons, used as log fields and metric labels.
const (
	ReasonTimeout        = "timeout"
	ReasonNotTLS         = "not_tls"
	ReasonClientClosed   = "client_closed"
	ReasonClientAlert    = "client_alert"
	ReasonMaxConnections = "max_connections"
	ReasonHandshake      = "handshake_failed"
)

// HandshakeError describes a connection that never became a session.
type HandshakeError struct {
	RemoteAddr string
	Reason     string
	Cause      error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("handshake with %s failed: %s: %v", e.RemoteAddr, e.Reason, e.Cause)
	}
	return fmt.Sprintf("handshake with %s failed: %s", e.RemoteAddr, e.Reason)
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Cause
}

// newHandshakeError classifies a handshake failure.
func newHandshakeError(remoteAddr string, err error) *HandshakeError {
	return &HandshakeError{
		RemoteAddr: remoteAddr,
		Reason:     handshakeReason(err),
		Cause:      err,
	}
}

func handshakeReason(err error) string {
	var (
		validation  *mtls.ValidationError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		netErr      net.Error
		tooMany     = errors.Is(err, ErrTooManyConnections)
		deadlineHit = errors.Is(err, context.DeadlineExceeded)
	)

	switch {
	case tooMany:
		return ReasonMaxConnections
	case errors.As(err, &validation):
		return validation.Reason
	case errors.As(err, &recordErr):
		return ReasonNotTLS
	case deadlineHit, errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return ReasonClientClosed
	case errors.As(err, &alertErr):
		return ReasonClientAlert
	default:
		return ReasonHandshake
	}
}
