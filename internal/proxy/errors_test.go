package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestUpstreamReason(t *testing.T) {
	t.Parallel()

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	reset := &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "refused", err: refused, want: ReasonRefused},
		{name: "reset", err: reset, want: ReasonReset},
		{name: "broken pipe", err: fmt.Errorf("write: %w", syscall.EPIPE), want: ReasonReset},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "backend.invalid"}, want: ReasonDNS},
		{name: "deadline", err: fmt.Errorf("round trip: %w", context.DeadlineExceeded), want: ReasonTimeout},
		{name: "net timeout", err: &net.OpError{Op: "read", Err: timeoutError{}}, want: ReasonTimeout},
		{name: "canceled", err: context.Canceled, want: ReasonCanceled},
		{name: "breaker open", err: gobreaker.ErrOpenState, want: ReasonCircuit},
		{name: "breaker half open", err: gobreaker.ErrTooManyRequests, want: ReasonCircuit},
		{name: "other", err: errors.New("boom"), want: ReasonOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, upstreamReason(tt.err))
		})
	}
}

func TestUpstreamError_Is(t *testing.T) {
	t.Parallel()

	timeout := NewUpstreamError("app", "10.0.0.1:80", context.DeadlineExceeded)
	assert.ErrorIs(t, timeout, ErrUpstreamUnavailable)
	assert.ErrorIs(t, timeout, ErrUpstreamTimeout)
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)
	assert.NotErrorIs(t, timeout, ErrCircuitOpen)
	assert.Contains(t, timeout.Error(), "route=app")

	open := NewUpstreamError("app", "10.0.0.1:80", gobreaker.ErrOpenState)
	assert.ErrorIs(t, open, ErrCircuitOpen)
	assert.NotErrorIs(t, open, ErrUpstreamTimeout)

	var target *UpstreamError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", open), &target))
	assert.Equal(t, ReasonCircuit, target.Reason)
}

func TestUpstreamStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		reason string
		status int
		body   errorBody
	}{
		{reason: ReasonTimeout, status: http.StatusGatewayTimeout, body: bodyGatewayTimeout},
		{reason: ReasonCircuit, status: http.StatusServiceUnavailable, body: bodyCircuitOpen},
		{reason: ReasonRefused, status: http.StatusBadGateway, body: bodyBadGateway},
		{reason: ReasonDNS, status: http.StatusBadGateway, body: bodyBadGateway},
	}

	for _, tt := range tests {
		status, body := upstreamStatus(tt.reason)
		assert.Equal(t, tt.status, status, tt.reason)
		assert.Equal(t, tt.body, body, tt.reason)
	}
}
