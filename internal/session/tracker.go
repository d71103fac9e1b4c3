package session

import (
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// Tracker tracks open sessions for metrics and shutdown.
type Tracker struct {
	sessions sync.Map
	count    atomic.Int64
	logger   observability.Logger
	metrics  *observability.Metrics
}

// TrackerOption is a functional option for the tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the logger for the tracker.
func WithTrackerLogger(logger observability.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithTrackerMetrics sets the metrics for the tracker.
func WithTrackerMetrics(metrics *observability.Metrics) TrackerOption {
	return func(t *Tracker) {
		t.metrics = metrics
	}
}

// NewTracker creates a new session tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Add starts tracking s.
func (t *Tracker) Add(s *Session) {
	if _, loaded := t.sessions.LoadOrStore(s.ID, s); loaded {
		return
	}
	t.count.Add(1)
	if t.metrics != nil {
		t.metrics.SessionOpened()
	}

	fields := []observability.Field{
		observability.String("session_id", s.ID),
		observability.String("remote_addr", s.RemoteAddr),
		observability.String("tls_version", s.TLSVersion),
		observability.String("cipher_suite", s.CipherSuite),
	}
	if s.Identity != nil {
		fields = append(fields,
			observability.String("client_cn", s.Identity.CommonName),
			observability.String("client_issuer", s.Identity.IssuerDN),
		)
	}
	t.logger.Info("session opened", fields...)
}

// Remove stops tracking the session with the given ID and marks it closed.
func (t *Tracker) Remove(id string) {
	v, loaded := t.sessions.LoadAndDelete(id)
	if !loaded {
		return
	}
	t.count.Add(-1)
	if t.metrics != nil {
		t.metrics.SessionClosed()
	}

	s := v.(*Session)
	if !s.State().Terminal() {
		_ = s.Transition(StateClosed)
	}

	t.logger.Info("session closed",
		observability.String("session_id", s.ID),
		observability.Int64("requests", s.Requests()),
		observability.Duration("duration", s.Duration()),
	)
}

// Get returns the session with the given ID.
func (t *Tracker) Get(id string) (*Session, bool) {
	v, ok := t.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Count returns the number of open sessions.
func (t *Tracker) Count() int {
	return int(t.count.Load())
}

// List returns a snapshot of the open sessions.
func (t *Tracker) List() []*Session {
	var sessions []*Session
	t.sessions.Range(func(_, value any) bool {
		sessions = append(sessions, value.(*Session))
		return true
	})
	return sessions
}

// Close removes every session still tracked and returns how many there
// were. Sessions normally leave through the connection state hooks; Close
// catches the ones a forced shutdown did not report.
func (t *Tracker) Close() int {
	remaining := t.List()
	for _, s := range remaining {
		t.Remove(s.ID)
	}
	return len(remaining)
}
