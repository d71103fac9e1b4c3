package session

import (
	"context"
	"crypto/tls"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	mtls "github.com/vyrodovalexey/avamtls/internal/tls"
)

// Session is one client connection. Identity is fixed once the session is
// authenticated; the counters are safe for concurrent use.
type Session struct {
	ID          string
	Identity    *mtls.ClientIdentity
	RemoteAddr  string
	TLSVersion  string
	CipherSuite string
	StartTime   time.Time

	state    atomic.Int32
	requests atomic.Int64
}

// New creates a session in the handshaking state.
func New(remoteAddr string) *Session {
	s := &Session{
		ID:         uuid.New().String(),
		RemoteAddr: remoteAddr,
		StartTime:  time.Now(),
	}
	s.state.Store(int32(StateHandshaking))
	return s
}

// Authenticate records the verified identity and negotiated parameters.
func (s *Session) Authenticate(identity *mtls.ClientIdentity, cs tls.ConnectionState) error {
	if err := s.Transition(StateAuthenticated); err != nil {
		return err
	}
	s.Identity = identity
	s.TLSVersion = mtls.VersionName(cs.Version)
	s.CipherSuite = tls.CipherSuiteName(cs.CipherSuite)
	return nil
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Transition moves the session to the given state.
func (s *Session) Transition(to State) error {
	for {
		from := State(s.state.Load())
		if !CanTransition(from, to) {
			return transitionError(from, to)
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

// RecordRequest increments the request counter and returns the new count.
func (s *Session) RecordRequest() int64 {
	return s.requests.Add(1)
}

// Requests returns the number of requests served on the session.
func (s *Session) Requests() int64 {
	return s.requests.Load()
}

// Duration returns how long the session has been open.
func (s *Session) Duration() time.Duration {
	return time.Since(s.StartTime)
}

type contextKey struct{}

// ContextWithSession adds a session to the context.
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session stored in ctx.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	return s, ok && s != nil
}
