// Package listener accepts TCP connections, completes the mutual TLS
// handshake and hands authenticated connections to the HTTP server.
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/observability"
	"github.com/vyrodovalexey/avamtls/internal/session"
	mtls "github.com/vyrodovalexey/avamtls/internal/tls"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Listener is the client-facing TLS listener.
type Listener struct {
	config    config.ListenerConfig
	tlsConfig *tls.Config
	tracker   *session.Tracker
	logger    observability.Logger
	metrics   *mtls.Metrics

	ln       net.Listener
	queue    *connQueue
	sessions sync.Map // net.Conn -> *session.Session
	active   atomic.Int64
	wg       sync.WaitGroup
	running  atomic.Bool
	cancel   context.CancelFunc
	mu       sync.Mutex
}

// Option is a functional option for configuring a listener.
type Option func(*Listener)

// WithLogger sets the logger for the listener.
func WithLogger(logger observability.Logger) Option {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithMetrics sets the TLS metrics for the listener.
func WithMetrics(metrics *mtls.Metrics) Option {
	return func(l *Listener) {
		l.metrics = metrics
	}
}

// WithTracker sets the session tracker.
func WithTracker(tracker *session.Tracker) Option {
	return func(l *Listener) {
		l.tracker = tracker
	}
}

// New creates a listener. tlsConfig must verify client certificates.
func New(cfg config.ListenerConfig, tlsConfig *tls.Config, opts ...Option) *Listener {
	l := &Listener{
		config:    cfg,
		tlsConfig: tlsConfig,
		logger:    observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.tracker == nil {
		l.tracker = session.NewTracker(session.WithTrackerLogger(l.logger))
	}

	return l
}

// Start binds the configured address and begins accepting connections.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return ErrAlreadyRunning
	}

	addr := l.config.Address()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %s: %w", ErrAddressInUse, addr, err)
		}
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.ln = ln
	l.queue = newConnQueue(ln.Addr())
	l.running.Store(true)

	l.logger.Info("tls listener started",
		observability.String("address", ln.Addr().String()),
		observability.Duration("handshake_timeout", l.handshakeTimeout()),
		observability.Int("max_connections", l.config.MaxConnections),
	)

	l.wg.Add(1)
	go l.acceptLoop(ctx)

	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Conns returns the net.Listener of authenticated connections.
func (l *Listener) Conns() net.Listener {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue
}

// Tracker returns the session tracker.
func (l *Listener) Tracker() *session.Tracker {
	return l.tracker
}

// ActiveConnections returns the number of handshaking and open connections.
func (l *Listener) ActiveConnections() int {
	return int(l.active.Load())
}

// IsRunning reports whether the listener is accepting connections.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}

// Stop closes the TCP listener and waits for pending handshakes. Open
// sessions are drained by the HTTP server.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running.Load() {
		l.mu.Unlock()
		return nil
	}
	l.running.Store(false)
	ln, queue, cancel := l.ln, l.queue, l.cancel
	l.mu.Unlock()

	err := ln.Close()
	_ = queue.Close()
	cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.logger.Info("tls listener stopped")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// ConnContext attaches the connection's session to every request context.
// It is installed as http.Server.ConnContext.
func (l *Listener) ConnContext(ctx context.Context, c net.Conn) context.Context {
	if v, ok := l.sessions.Load(c); ok {
		return session.ContextWithSession(ctx, v.(*session.Session))
	}
	return ctx
}

// ConnState drives session transitions. It is installed as
// http.Server.ConnState.
func (l *Listener) ConnState(c net.Conn, state http.ConnState) {
	v, ok := l.sessions.Load(c)
	if !ok {
		return
	}
	s := v.(*session.Session)

	switch state {
	case http.StateActive:
		if err := s.Transition(session.StateServing); err == nil {
			s.RecordRequest()
		}
	case http.StateClosed, http.StateHijacked:
		l.release(c, s)
	}
}

func (l *Listener) release(c net.Conn, s *session.Session) {
	if _, loaded := l.sessions.LoadAndDelete(c); !loaded {
		return
	}
	l.tracker.Remove(s.ID)
	l.active.Add(-1)
}

func (l *Listener) handshakeTimeout() time.Duration {
	if d := l.config.HandshakeTimeout.Duration(); d > 0 {
		return d
	}
	return config.DefaultHandshakeTimeout
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer l.wg.Done()

	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil || !l.running.Load() {
				return
			}

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff *= 2
			}
			if backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			l.logger.Warn("accept error, retrying",
				observability.Error(err),
				observability.Duration("backoff", backoff),
			)

			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return
			}
		}
		backoff = 0

		if n := l.active.Add(1); l.config.MaxConnections > 0 && n > int64(l.config.MaxConnections) {
			l.active.Add(-1)
			l.reject(conn, newHandshakeError(conn.RemoteAddr().String(), ErrTooManyConnections), 0)
			continue
		}

		l.wg.Add(1)
		go l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, raw net.Conn) {
	defer l.wg.Done()

	start := time.Now()
	remote := raw.RemoteAddr().String()
	s := session.New(remote)

	tlsConn := tls.Server(raw, l.tlsConfig)

	hsCtx, cancel := context.WithTimeout(ctx, l.handshakeTimeout())
	err := tlsConn.HandshakeContext(hsCtx)
	cancel()

	if err != nil {
		_ = s.Transition(session.StateRejected)
		l.active.Add(-1)
		l.reject(raw, newHandshakeError(remote, err), time.Since(start))
		return
	}

	cs := tlsConn.ConnectionState()
	if len(cs.PeerCertificates) == 0 {
		// Unreachable while the verifier is installed.
		_ = s.Transition(session.StateRejected)
		l.active.Add(-1)
		l.reject(raw, newHandshakeError(remote, mtls.ErrClientCertRequired), time.Since(start))
		return
	}

	if err := s.Authenticate(mtls.ExtractClientIdentity(cs.PeerCertificates[0]), cs); err != nil {
		l.active.Add(-1)
		_ = tlsConn.Close()
		return
	}

	if l.metrics != nil {
		l.metrics.RecordConnection(cs.Version, cs.CipherSuite, time.Since(start))
	}

	l.sessions.Store(net.Conn(tlsConn), s)
	l.tracker.Add(s)

	if !l.queue.push(tlsConn) {
		l.release(tlsConn, s)
	}
}

func (l *Listener) reject(conn net.Conn, hsErr *HandshakeError, elapsed time.Duration) {
	_ = conn.Close()

	if l.metrics != nil {
		l.metrics.RecordHandshakeError(hsErr.Reason, elapsed)
	}

	l.logger.Warn("tls handshake failed",
		observability.String("remote_addr", hsErr.RemoteAddr),
		observability.String("reason", hsErr.Reason),
		observability.Error(hsErr.Cause),
	)
}
