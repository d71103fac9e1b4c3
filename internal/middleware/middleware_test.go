package middleware

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/observability"
	"github.com/vyrodovalexey/avamtls/internal/session"
	mtls "github.com/vyrodovalexey/avamtls/internal/tls"
)

func TestRecovery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		handler        http.HandlerFunc
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "no panic",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"status":"ok"}`))
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `{"status":"ok"}`,
		},
		{
			name: "panic with string",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic("test panic")
			},
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   ErrInternalServerError,
		},
		{
			name: "panic with error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic(assert.AnError)
			},
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   ErrInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler := Recovery(observability.NopLogger())(tt.handler)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.Equal(t, tt.expectedBody, rec.Body.String())
		})
	}
}

func TestRecovery_LogsStack(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := observability.NewLoggerWithWriter(&buf, "info")
	require.NoError(t, err)

	handler := Recovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/boom", nil))

	out := buf.String()
	assert.Contains(t, out, "panic recovered")
	assert.Contains(t, out, "kaboom")
	assert.Contains(t, out, `"stack"`)
}

func TestRecovery_ReraisesAbortHandler(t *testing.T) {
	t.Parallel()

	handler := Recovery(observability.NopLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "generated", incoming: "", keep: false},
		{name: "client supplied", incoming: "req-123", keep: true},
		{name: "contains space", incoming: "bad id", keep: false},
		{name: "too long", incoming: strings.Repeat("a", maxRequestIDLength+1), keep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var seenCtx, seenHeader string
			handler := RequestIDWithGenerator(func() string { return "generated-id" })(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					seenCtx = observability.RequestIDFromContext(r.Context())
					seenHeader = r.Header.Get(HeaderXRequestID)
				}),
			)

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				r.Header.Set(HeaderXRequestID, tt.incoming)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, r)

			want := "generated-id"
			if tt.keep {
				want = tt.incoming
			}
			assert.Equal(t, want, seenCtx)
			assert.Equal(t, want, seenHeader)
			assert.Equal(t, want, rec.Header().Get(HeaderXRequestID))
		})
	}
}

func TestRequestID_UUID(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	RequestID()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Len(t, rec.Header().Get(HeaderXRequestID), 36)
}

func TestLogging(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := observability.NewLoggerWithWriter(&buf, "info")
	require.NoError(t, err)

	sess := session.New("192.0.2.1:1234")
	require.NoError(t, sess.Authenticate(
		&mtls.ClientIdentity{CommonName: "jane.doe"},
		tls.ConnectionState{Version: tls.VersionTLS13},
	))

	handler := Chain(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("hello"))
		}),
		RequestIDWithGenerator(func() string { return "rid-1" }),
		Logging(logger),
	)

	r := httptest.NewRequest(http.MethodPut, "/app/item", nil)
	r = r.WithContext(session.ContextWithSession(r.Context(), sess))
	handler.ServeHTTP(httptest.NewRecorder(), r)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))

	assert.Equal(t, "http request", entry["message"])
	assert.Equal(t, "PUT", entry["method"])
	assert.Equal(t, "/app/item", entry["path"])
	assert.EqualValues(t, http.StatusCreated, entry["status"])
	assert.EqualValues(t, 5, entry["size"])
	assert.Equal(t, "jane.doe", entry["client_cn"])
	assert.Equal(t, sess.ID, entry["session_id"])
	assert.Equal(t, "rid-1", entry["request_id"])
}

func TestResponseWriter_Passthrough(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusTeapot)
	rw.Flush()

	assert.Equal(t, http.StatusAccepted, rw.status)
	assert.True(t, rec.Flushed)
	assert.Same(t, rec, rw.Unwrap())

	_, _, err := rw.Hijack()
	assert.ErrorIs(t, err, http.ErrNotSupported)
}

func TestChain_Order(t *testing.T) {
	t.Parallel()

	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mw("outer"), mw("inner")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestRateLimiter_PerClient(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 2)
	defer rl.Stop()

	assert.True(t, rl.Allow("card-a"))
	assert.True(t, rl.Allow("card-a"))
	assert.False(t, rl.Allow("card-a"))

	assert.True(t, rl.Allow("card-b"), "other clients have their own bucket")
	assert.Equal(t, 2, rl.Clients())
}

func TestRateLimiter_Concurrent(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 10)
	defer rl.Stop()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("card") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, allowed, 11)
	assert.GreaterOrEqual(t, allowed, 10)
}

func TestRateLimiter_CleanupOldClients(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	rl := NewRateLimiter(10, 10, WithRateLimiterClock(clock), WithClientTTL(time.Minute))
	defer rl.Stop()

	rl.Allow("old")
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	rl.Allow("fresh")

	rl.CleanupOldClients(time.Minute)
	assert.Equal(t, 1, rl.Clients())
}

func TestRateLimiter_StopIdempotent(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 1)
	rl.StartAutoCleanup()
	rl.Stop()
	rl.Stop()
	rl.StartAutoCleanup()
}

func TestNewRateLimiterFromConfig(t *testing.T) {
	t.Parallel()

	assert.Nil(t, NewRateLimiterFromConfig(nil, observability.NopLogger()))
	assert.Nil(t, NewRateLimiterFromConfig(&config.RateLimitConfig{Enabled: false}, observability.NopLogger()))

	rl := NewRateLimiterFromConfig(&config.RateLimitConfig{
		Enabled: true, RequestsPerSecond: 5, Burst: 1,
	}, observability.NopLogger())
	require.NotNil(t, rl)
	defer rl.Stop()

	assert.True(t, rl.Allow("x"))
	assert.False(t, rl.Allow("x"))
}
