package listener

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/session"
	mtls "github.com/vyrodovalexey/avamtls/internal/tls"
	"github.com/vyrodovalexey/avamtls/test/helpers"
)

type testServer struct {
	pki      *helpers.TestPKI
	listener *Listener
	metrics  *mtls.Metrics
	hits     atomic.Int64
	addr     string
}

func startTestServer(t *testing.T, cfg config.ListenerConfig) *testServer {
	t.Helper()

	pki, err := helpers.GenerateTestPKI()
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(pki.CA.Cert)

	verifier := mtls.NewClientVerifier(roots)
	tlsConfig := &tls.Config{
		Certificates:     []tls.Certificate{pki.Server.TLSCertificate()},
		ClientAuth:       tls.RequestClientCert,
		ClientCAs:        roots,
		VerifyConnection: verifier.VerifyConnection,
		MinVersion:       tls.VersionTLS12,
		NextProtos:       []string{"http/1.1"},
	}

	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	ts := &testServer{pki: pki, metrics: mtls.NewMetrics("test")}
	ts.listener = New(cfg, tlsConfig, WithMetrics(ts.metrics))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ts.listener.Start(ctx))
	ts.addr = ts.listener.Addr().String()

	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ts.hits.Add(1)
			s, ok := session.FromContext(r.Context())
			if !ok {
				http.Error(w, "no session", http.StatusInternalServerError)
				return
			}
			_, _ = io.WriteString(w, s.Identity.CommonName)
		}),
		ConnContext:       ts.listener.ConnContext,
		ConnState:         ts.listener.ConnState,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(ts.listener.Conns()) }()

	t.Cleanup(func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = ts.listener.Stop(shutdownCtx)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	})

	return ts
}

func (ts *testServer) client(kp *helpers.KeyPair) *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:   ts.pki.ClientTLSConfig(kp),
			DisableKeepAlives: true,
		},
	}
}

func TestListener_TrustedClient(t *testing.T) {
	t.Parallel()

	ts := startTestServer(t, config.ListenerConfig{})

	resp, err := ts.client(ts.pki.Client).Get("https://" + ts.addr + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "jane.doe", string(body))
	assert.Equal(t, int64(1), ts.hits.Load())
}

func TestListener_RejectsWithoutTrustedCertificate(t *testing.T) {
	t.Parallel()

	ts := startTestServer(t, config.ListenerConfig{})

	tests := []struct {
		name string
		kp   *helpers.KeyPair
	}{
		{name: "no certificate", kp: nil},
		{name: "untrusted certificate", kp: ts.pki.RogueUser},
	}

	for _, tt := range tests {
		resp, err := ts.client(tt.kp).Get("https://" + ts.addr + "/")
		if resp != nil {
			resp.Body.Close()
		}
		require.Error(t, err, tt.name)
	}
	assert.Equal(t, int64(0), ts.hits.Load())

	// Under TLS 1.2 the verdict arrives before the client handshake
	// completes, so the alert can be compared directly.
	var messages []string
	for _, tt := range tests {
		cfg := ts.pki.ClientTLSConfig(tt.kp)
		cfg.MaxVersion = tls.VersionTLS12

		conn, err := tls.Dial("tcp", ts.addr, cfg)
		if conn != nil {
			conn.Close()
		}
		require.Error(t, err, tt.name)
		messages = append(messages, err.Error())
	}

	assert.Equal(t, messages[0], messages[1])
	assert.Contains(t, messages[0], "bad certificate")
}

func TestListener_PlaintextGetsNoHTTPResponse(t *testing.T) {
	t.Parallel()

	ts := startTestServer(t, config.ListenerConfig{})

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "GET /login.html HTTP/1.1\r\nHost: localhost\r\n\r\n")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	data, _ := io.ReadAll(conn)
	assert.NotContains(t, string(data), "HTTP/")
	assert.Equal(t, int64(0), ts.hits.Load())
}

func TestListener_HandshakeTimeout(t *testing.T) {
	t.Parallel()

	ts := startTestServer(t, config.ListenerConfig{
		HandshakeTimeout: config.Duration(100 * time.Millisecond),
	})

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	start := time.Now()
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)

	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "server should close the connection before the client deadline")
	}
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestListener_MaxConnections(t *testing.T) {
	t.Parallel()

	ts := startTestServer(t, config.ListenerConfig{MaxConnections: 1})

	held, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer held.Close()

	require.Eventually(t, func() bool {
		return ts.listener.ActiveConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	extra, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer extra.Close()

	require.NoError(t, extra.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = extra.Read(make([]byte, 1))
	require.Error(t, err)

	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout())
	}
}

func TestListener_AddressInUse(t *testing.T) {
	t.Parallel()

	ts := startTestServer(t, config.ListenerConfig{})

	_, portStr, err := net.SplitHostPort(ts.addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	second := New(config.ListenerConfig{Host: "127.0.0.1", Port: port}, &tls.Config{MinVersion: tls.VersionTLS12})
	err = second.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAddressInUse)
	assert.False(t, second.IsRunning())
}

func TestListener_StartTwice(t *testing.T) {
	t.Parallel()

	ts := startTestServer(t, config.ListenerConfig{})
	assert.ErrorIs(t, ts.listener.Start(context.Background()), ErrAlreadyRunning)
}

func TestListener_SessionLifecycle(t *testing.T) {
	t.Parallel()

	ts := startTestServer(t, config.ListenerConfig{})

	resp, err := ts.client(ts.pki.Client).Get("https://" + ts.addr + "/")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// Keep-alives are disabled, so the server closes the session.
	require.Eventually(t, func() bool {
		return ts.listener.Tracker().Count() == 0 && ts.listener.ActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListener_StopIdempotent(t *testing.T) {
	t.Parallel()

	l := New(config.ListenerConfig{Host: "127.0.0.1"}, &tls.Config{MinVersion: tls.VersionTLS12})
	assert.NoError(t, l.Stop(context.Background()))
	assert.Nil(t, l.Addr())
}
