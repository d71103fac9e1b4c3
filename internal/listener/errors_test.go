package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	mtls "github.com/vyrodovalexey/avamtls/internal/tls"
)

func TestHandshakeReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "limit", err: ErrTooManyConnections, want: ReasonMaxConnections},
		{name: "validation", err: mtls.NewValidationErrorWithCause("cn", mtls.ReasonUntrusted, nil), want: mtls.ReasonUntrusted},
		{name: "plaintext", err: tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}, want: ReasonNotTLS},
		{name: "deadline", err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded), want: ReasonTimeout},
		{name: "eof", err: io.EOF, want: ReasonClientClosed},
		{name: "alert", err: tls.AlertError(42), want: ReasonClientAlert},
		{name: "other", err: errors.New("boom"), want: ReasonHandshake},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, handshakeReason(tt.err))
		})
	}
}

func TestHandshakeError(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := newHandshakeError("1.2.3.4:5", cause)

	assert.Equal(t, "handshake with 1.2.3.4:5 failed: handshake_failed: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "handshake with x failed: timeout", (&HandshakeError{RemoteAddr: "x", Reason: ReasonTimeout}).Error())
}

func TestConnQueue(t *testing.T) {
	t.Parallel()

	q := newConnQueue(nil)
	assert.NoError(t, q.Close())
	assert.NoError(t, q.Close())

	_, err := q.Accept()
	assert.Error(t, err)
}
