package proxy

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/avamtls/internal/authz"
	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/observability"
	"github.com/vyrodovalexey/avamtls/internal/router"
	"github.com/vyrodovalexey/avamtls/internal/session"
)

// Limiter decides whether the client with key may make another request.
type Limiter interface {
	Allow(key string) bool
}

// Core serves every request of an authenticated session: the login page
// and the routes forwarded upstream.
type Core struct {
	loginPath string
	login     *LoginPage
	router    *router.Router
	policies  *authz.Engine
	identity  *IdentityHeaders
	upstreams map[string]*upstream
	pool      *transportPool
	limiter   Limiter
	logger    observability.Logger
	metrics   *observability.Metrics
}

// Option is a functional option for Core.
type Option func(*Core)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Core) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Core) {
		c.metrics = metrics
	}
}

// WithLimiter enables per-identity rate limiting.
func WithLimiter(limiter Limiter) Option {
	return func(c *Core) {
		c.limiter = limiter
	}
}

// NewCore builds the routing core from cfg.
func NewCore(cfg *config.Config, opts ...Option) (*Core, error) {
	c := &Core{
		loginPath: cfg.Login.Path,
		upstreams: make(map[string]*upstream, len(cfg.Routes)),
		pool:      newTransportPool(),
		logger:    observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	rt, err := router.New(cfg.Routes, cfg.DefaultRoute)
	if err != nil {
		return nil, fmt.Errorf("failed to build router: %w", err)
	}
	c.router = rt

	links := make([]string, 0, len(cfg.Routes))
	policies := make(map[string]string)
	for _, route := range cfg.Routes {
		links = append(links, route.PathPrefix)
		if route.Policy != "" {
			policies[route.Name] = route.Policy
		}
	}

	c.login, err = NewLoginPage(cfg.Login.File, links)
	if err != nil {
		return nil, err
	}

	if len(policies) > 0 {
		c.policies, err = authz.NewEngine(policies, authz.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
	}

	asserter, err := NewIdentityAsserter(cfg.Identity.Token)
	if err != nil {
		return nil, err
	}
	c.identity = NewIdentityHeaders(cfg.Identity, asserter)

	for _, route := range cfg.Routes {
		c.upstreams[route.Name] = c.newUpstream(route, c.pool.get(route.Upstream))
	}

	return c, nil
}

// ServeHTTP implements http.Handler.
func (c *Core) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess, ok := session.FromContext(r.Context())
	if !ok || sess.Identity == nil || !sessionUsable(sess.State()) {
		c.logger.Warn("request without authenticated session",
			observability.String("remote_addr", r.RemoteAddr),
			observability.String("path", r.URL.Path),
		)
		writeError(w, http.StatusUnauthorized, bodyUnauthenticated)
		return
	}
	identity := sess.Identity

	if !originForm(r) {
		w.Header().Set("Connection", "close")
		writeError(w, http.StatusBadRequest, bodyBadRequest)
		return
	}

	// Dot segments would let one route's prefix and policy front another
	// route's path once the upstream normalizes it.
	if router.HasDotSegment(r.URL.Path) {
		c.logger.Warn("request path contains dot segments",
			observability.String("session_id", sess.ID),
			observability.String("path", r.URL.EscapedPath()),
		)
		writeError(w, http.StatusBadRequest, bodyBadRequest)
		return
	}

	if r.URL.Path == c.loginPath {
		observability.SetRoute(r.Context(), "login")
		if err := c.login.serve(w, r, identity); err != nil {
			c.logger.Error("failed to serve login page",
				observability.String("session_id", sess.ID),
				observability.Error(err),
			)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	match, err := c.router.MatchURL(r.URL)
	if err != nil {
		writeError(w, http.StatusNotFound, bodyNotFound)
		return
	}
	route := match.Route
	observability.SetRoute(r.Context(), route.Name)

	if c.policies != nil && c.policies.HasPolicy(route.Name) {
		allowed, policyErr := c.policies.Allow(route.Name, identity, r)
		if policyErr != nil {
			c.logger.Warn("route policy evaluation failed",
				observability.String("route", route.Name),
				observability.Error(policyErr),
			)
		}
		if !allowed {
			if c.metrics != nil {
				c.metrics.RecordAuthzDenied(route.Name)
			}
			c.logger.Info("request denied by route policy",
				observability.String("route", route.Name),
				observability.String("client_cn", identity.CommonName),
				observability.String("session_id", sess.ID),
			)
			writeError(w, http.StatusForbidden, bodyForbidden)
			return
		}
	}

	if c.limiter != nil && !c.limiter.Allow(identity.Fingerprint) {
		if c.metrics != nil {
			c.metrics.RecordRateLimitHit(route.Name)
		}
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, bodyTooManyRequests)
		return
	}

	u := c.upstreams[route.Name]

	if route.WebSocket && isWebSocketUpgrade(r) {
		c.proxyWebSocket(w, r, u, match, identity)
		return
	}

	c.forward(w, r, u, match)
}

func (c *Core) forward(w http.ResponseWriter, r *http.Request, u *upstream, match *router.Match) {
	ctx, cancel := context.WithTimeout(r.Context(), u.route.EffectiveTimeout())
	defer cancel()

	out := r.WithContext(ctx)
	target := *r.URL
	target.Path = match.UpstreamPath
	target.RawPath = match.UpstreamRawPath
	out.URL = &target

	sw := newStatusWriter(w)

	if u.breaker == nil {
		u.proxy.ServeHTTP(sw, out)
		return
	}

	if err := u.breaker.Do(sw, out, u.proxy); err != nil {
		upErr := NewUpstreamError(u.route.Name, u.target.Host, err)
		c.recordUpstreamError(u.route.Name, upErr.Reason)
		c.logger.Warn("circuit breaker rejected request",
			observability.String("route", u.route.Name),
			observability.String("state", u.breaker.State().String()),
		)
		status, body := upstreamStatus(upErr.Reason)
		writeError(w, status, body)
	}
}

// Close releases idle upstream connections.
func (c *Core) Close() {
	c.pool.closeIdle()
}

// Router returns the route table.
func (c *Core) Router() *router.Router {
	return c.router
}

func (c *Core) recordUpstreamError(route, reason string) {
	if c.metrics != nil {
		c.metrics.RecordUpstreamError(route, reason)
	}
}

func (c *Core) breakerState(route string, state int) {
	if c.metrics != nil {
		c.metrics.SetCircuitBreakerState(route, state)
	}
}

func sessionUsable(s session.State) bool {
	return s == session.StateAuthenticated || s == session.StateServing
}

// originForm reports whether r uses an origin-form request target.
// CONNECT, authority-form and absolute-form requests are refused.
func originForm(r *http.Request) bool {
	if r.Method == http.MethodConnect || r.URL.IsAbs() {
		return false
	}
	if r.RequestURI != "" && !strings.HasPrefix(r.RequestURI, "/") {
		return false
	}
	return true
}
