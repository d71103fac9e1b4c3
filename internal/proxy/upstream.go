package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/observability"
	"github.com/vyrodovalexey/avamtls/internal/session"
)

// Upstream transport settings.
const (
	transportMaxIdleConns        = 100
	transportMaxIdleConnsPerHost = 10
	transportIdleConnTimeout     = 90 * time.Second
	transportDialTimeout         = 10 * time.Second
	transportTLSHandshakeTimeout = 10 * time.Second
)

const schemeHTTPS = "https"

// newTransport returns a pooled transport for one upstream address.
func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   transportDialTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          transportMaxIdleConns,
		MaxIdleConnsPerHost:   transportMaxIdleConnsPerHost,
		IdleConnTimeout:       transportIdleConnTimeout,
		TLSHandshakeTimeout:   transportTLSHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

// transportPool shares one transport per upstream scheme and address so
// routes pointing at the same backend reuse connections.
type transportPool struct {
	transports map[string]*http.Transport
}

func newTransportPool() *transportPool {
	return &transportPool{transports: make(map[string]*http.Transport)}
}

func (p *transportPool) get(u config.Upstream) *http.Transport {
	key := u.EffectiveScheme() + "://" + u.Address()
	if t, ok := p.transports[key]; ok {
		return t
	}
	t := newTransport()
	p.transports[key] = t
	return t
}

func (p *transportPool) closeIdle() {
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}

// upstream forwards the requests of one route.
type upstream struct {
	route     config.Route
	target    *url.URL
	transport *http.Transport
	proxy     *httputil.ReverseProxy
	breaker   *Breaker
}

func (c *Core) newUpstream(route config.Route, transport *http.Transport) *upstream {
	u := &upstream{
		route: route,
		target: &url.URL{
			Scheme: route.Upstream.EffectiveScheme(),
			Host:   route.Upstream.Address(),
		},
		transport: transport,
	}

	u.proxy = &httputil.ReverseProxy{
		// Hop-by-hop and inbound X-Forwarded headers are removed before Rewrite runs.
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u.target)
			pr.SetXForwarded()

			if sess, ok := session.FromContext(pr.In.Context()); ok {
				if err := c.identity.Apply(pr.Out.Header, sess.Identity); err != nil {
					c.logger.Error("failed to attach identity token",
						observability.String("route", route.Name),
						observability.String("session_id", sess.ID),
						observability.Error(err),
					)
				}
			}

			observability.InjectTraceContext(pr.Out.Context(), pr.Out.Header)
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorLog:      observability.StdLogger(c.logger, "reverse-proxy"),
		ErrorHandler:  c.upstreamErrorHandler(route.Name, u.target.Host),
	}

	if route.CircuitBreaker != nil && route.CircuitBreaker.Enabled {
		u.breaker = NewBreaker(route.Name, route.CircuitBreaker, c.logger, c.breakerState)
	}

	return u
}

// upstreamErrorHandler classifies transport failures and writes the
// matching error response. Client cancellations produce no response and
// are not counted.
func (c *Core) upstreamErrorHandler(route, addr string) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		upErr := NewUpstreamError(route, addr, err)
		if sw, ok := w.(*statusWriter); ok {
			sw.upstreamErr = upErr
		}

		if upErr.Reason == ReasonCanceled {
			c.logger.Debug("client canceled upstream request",
				observability.String("route", route),
				observability.String("path", r.URL.Path),
			)
			return
		}

		c.recordUpstreamError(route, upErr.Reason)
		c.logger.Warn("upstream request failed",
			observability.String("route", route),
			observability.String("upstream", addr),
			observability.String("reason", upErr.Reason),
			observability.Error(err),
		)

		status, body := upstreamStatus(upErr.Reason)
		writeError(w, status, body)
	}
}

// statusWriter records the response status and any transport failure
// seen by the reverse proxy for the circuit breaker.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	upstreamErr *UpstreamError
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader captures the status code.
func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

// Write marks the header as written.
func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher interface for streaming support.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying writer for http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
