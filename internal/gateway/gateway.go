package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/health"
	"github.com/vyrodovalexey/avamtls/internal/listener"
	"github.com/vyrodovalexey/avamtls/internal/middleware"
	"github.com/vyrodovalexey/avamtls/internal/observability"
	"github.com/vyrodovalexey/avamtls/internal/proxy"
	"github.com/vyrodovalexey/avamtls/internal/session"
	mtls "github.com/vyrodovalexey/avamtls/internal/tls"
)

// ginModeOnce ensures gin.SetMode is only called once; it writes package state.
var ginModeOnce sync.Once

const (
	defaultShutdownTimeout = 30 * time.Second
	certificateExpiryWarn  = 7 * 24 * time.Hour
	upstreamCheckTimeout   = 2 * time.Second
)

// State represents the gateway state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Gateway owns the listener, the proxy core and the operator server.
type Gateway struct {
	config  *config.Config
	logger  observability.Logger
	version string

	bundle     *mtls.Bundle
	metrics    *observability.Metrics
	tlsMetrics *mtls.Metrics
	tracer     *observability.Tracer
	listener   *listener.Listener
	core       *proxy.Core
	limiter    *middleware.RateLimiter
	health     *health.Checker
	handler    http.Handler
	engine     *gin.Engine

	server        *http.Server
	serveDone     chan struct{}
	metricsServer *http.Server
	metricsLn     net.Listener
	watcher       *mtls.ChangeWatcher

	state     atomic.Int32
	startTime time.Time
	mu        sync.RWMutex

	shutdownTimeout time.Duration
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithShutdownTimeout sets the shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.shutdownTimeout = timeout
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(version string) Option {
	return func(g *Gateway) {
		g.version = version
	}
}

// WithMetrics sets the proxy metrics. A private instance is created otherwise.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = metrics
	}
}

// New builds every component. It fails, without binding anything, when
// the certificate bundle cannot be loaded or the routes are invalid.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	g := &Gateway{
		config:          cfg,
		logger:          observability.NopLogger(),
		version:         "dev",
		shutdownTimeout: defaultShutdownTimeout,
	}

	for _, opt := range opts {
		opt(g)
	}

	g.state.Store(int32(StateStopped))

	bundle, err := mtls.LoadBundle(cfg.TLS.Paths())
	if err != nil {
		g.logger.Error("failed to load certificate bundle", observability.Error(err))
		return nil, err
	}
	g.bundle = bundle

	if err := g.initMetrics(); err != nil {
		return nil, err
	}

	verifier := mtls.NewClientVerifier(bundle.ClientCAs(),
		mtls.WithVerifierLogger(g.logger),
		mtls.WithVerifierMetrics(g.tlsMetrics),
	)

	tlsConfig, err := mtls.NewServerConfig(bundle, verifier,
		mtls.ServerOptionsFromConfig(cfg.TLS.MinVersion, cfg.TLS.MaxVersion, cfg.TLS.CipherSuites))
	if err != nil {
		return nil, fmt.Errorf("failed to build tls config: %w", err)
	}

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Observability.Tracing.SamplingRate,
		Enabled:      cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	g.tracer = tracer

	g.limiter = middleware.NewRateLimiterFromConfig(cfg.RateLimit, g.logger)

	coreOpts := []proxy.Option{
		proxy.WithLogger(g.logger),
		proxy.WithMetrics(g.metrics),
	}
	if g.limiter != nil {
		coreOpts = append(coreOpts, proxy.WithLimiter(g.limiter))
	}

	core, err := proxy.NewCore(cfg, coreOpts...)
	if err != nil {
		g.release(context.Background())
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}
	g.core = core

	g.handler = middleware.Chain(core,
		middleware.Recovery(g.logger),
		middleware.RequestID(),
		observability.MetricsMiddleware(g.metrics),
		observability.TracingMiddleware(tracer),
		middleware.Logging(g.logger),
	)
	g.engine = newEngine(g.handler)

	tracker := session.NewTracker(
		session.WithTrackerLogger(g.logger),
		session.WithTrackerMetrics(g.metrics),
	)
	g.listener = listener.New(cfg.Listener, tlsConfig,
		listener.WithLogger(g.logger),
		listener.WithMetrics(g.tlsMetrics),
		listener.WithTracker(tracker),
	)

	g.initHealth()

	return g, nil
}

// newEngine mounts handler as the catch-all of a gin engine. No gin
// routes are registered; the proxy core owns path matching. handler
// recovers its own panics and re-raises http.ErrAbortHandler, so
// gin.Recovery is not installed.
func newEngine(handler http.Handler) *gin.Engine {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	engine := gin.New()
	engine.NoRoute(func(c *gin.Context) {
		// gin presets 404 for NoRoute; handler expects net/http's implicit 200.
		c.Status(http.StatusOK)
		handler.ServeHTTP(c.Writer, c.Request)
	})
	return engine
}

func (g *Gateway) initMetrics() error {
	if g.metrics == nil {
		g.metrics = observability.NewMetrics("")
	}

	g.tlsMetrics = mtls.NewMetrics("")
	if err := g.metrics.RegisterCollector(g.tlsMetrics); err != nil {
		return fmt.Errorf("failed to register tls metrics: %w", err)
	}
	g.tlsMetrics.UpdateBundleExpiry(g.bundle)

	return nil
}

func (g *Gateway) initHealth() {
	g.health = health.NewChecker(g.version)
	g.health.RegisterCheck("listener", health.ListenerCheck(g.listener.IsRunning))
	g.health.RegisterCheck("server_certificate",
		health.CertificateExpiryCheck(g.bundle.Leaf(), certificateExpiryWarn, nil))

	for _, route := range g.config.Routes {
		g.health.RegisterCheck("upstream:"+route.Name,
			health.TCPCheck(route.Upstream.Address(), upstreamCheckTimeout))
	}
}

// Start binds the TLS listener and begins serving.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrGatewayNotStopped
	}

	g.logger.Info("starting gateway",
		observability.String("address", g.config.Listener.Address()),
	)

	if err := g.listener.Start(ctx); err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to start listener: %w", err)
	}

	if err := g.startMetricsServer(); err != nil {
		_ = g.listener.Stop(ctx)
		g.state.Store(int32(StateStopped))
		return err
	}

	g.mu.Lock()
	g.server = &http.Server{
		Handler:           g.engine,
		ConnContext:       g.listener.ConnContext,
		ConnState:         g.listener.ConnState,
		ReadHeaderTimeout: g.config.Listener.ReadHeaderTimeout.Duration(),
		IdleTimeout:       g.config.Listener.IdleTimeout.Duration(),
		MaxHeaderBytes:    g.config.Listener.MaxHeaderBytes,
		ErrorLog:          observability.StdLogger(g.logger, "http-server"),
	}
	g.serveDone = make(chan struct{})
	server, conns, done := g.server, g.listener.Conns(), g.serveDone
	g.mu.Unlock()

	go func() {
		defer close(done)
		if err := server.Serve(conns); err != nil &&
			!errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			g.logger.Error("http server error", observability.Error(err))
		}
	}()

	g.startWatcher(ctx)

	g.startTime = time.Now()
	g.state.Store(int32(StateRunning))

	compiled := g.core.Router().Routes()
	routes := make([]string, 0, len(compiled))
	for _, route := range compiled {
		routes = append(routes, route.Name+"="+route.PathPrefix)
	}

	g.logger.Info("gateway started",
		observability.String("address", g.Addr().String()),
		observability.Strings("routes", routes),
		observability.String("login_path", g.config.Login.Path),
		observability.Strings("ca_subjects", g.bundle.CASubjects()),
	)

	return nil
}

func (g *Gateway) startMetricsServer() error {
	m := g.config.Observability.Metrics
	if !m.Enabled {
		return nil
	}

	path := m.Path
	if path == "" {
		path = config.DefaultMetricsPath
	}

	mux := http.NewServeMux()
	mux.Handle(path, g.metrics.Handler())
	g.health.Register(mux)

	addr := net.JoinHostPort(g.config.Listener.Host, strconv.Itoa(m.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start metrics server on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ErrorLog:          observability.StdLogger(g.logger, "metrics-server"),
	}

	g.mu.Lock()
	g.metricsServer = server
	g.metricsLn = ln
	g.mu.Unlock()

	g.logger.Info("starting metrics server",
		observability.String("address", ln.Addr().String()),
		observability.String("metrics_path", path),
	)

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("metrics server error", observability.Error(err))
		}
	}()

	return nil
}

// startWatcher reports certificate file changes. Loaded material is
// never replaced; a failure to watch is logged and ignored.
func (g *Gateway) startWatcher(ctx context.Context) {
	watcher := mtls.NewChangeWatcher(g.bundle.Paths(),
		mtls.WithWatcherLogger(g.logger),
		mtls.WithOnChange(func(string) {
			g.metrics.RecordCertificateChange()
		}),
	)

	if err := watcher.Start(ctx); err != nil {
		g.logger.Warn("certificate change watcher disabled", observability.Error(err))
		return
	}

	g.mu.Lock()
	g.watcher = watcher
	g.mu.Unlock()
}

// Stop stops accepting connections and drains open sessions.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrGatewayNotRunning
	}

	g.logger.Info("stopping gateway")
	g.health.SetDraining(true)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.shutdownTimeout)
		defer cancel()
	}

	var errs []error

	if err := g.listener.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop listener: %w", err))
	}

	g.mu.RLock()
	server, done, metricsServer, watcher := g.server, g.serveDone, g.metricsServer, g.watcher
	g.mu.RUnlock()

	if err := server.Shutdown(ctx); err != nil {
		g.logger.Warn("graceful shutdown timed out, closing connections", observability.Error(err))
		_ = server.Close()
		errs = append(errs, err)
	}
	<-done

	if n := g.listener.Tracker().Close(); n > 0 {
		g.logger.Warn("closed sessions left open by shutdown", observability.Int("sessions", n))
	}

	if watcher != nil {
		_ = watcher.Stop()
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			_ = metricsServer.Close()
		}
	}

	g.release(ctx)

	g.logger.Info("gateway stopped",
		observability.Duration("uptime", g.Uptime()),
	)

	g.state.Store(int32(StateStopped))

	return errors.Join(errs...)
}

func (g *Gateway) release(ctx context.Context) {
	if g.core != nil {
		g.core.Close()
	}
	if g.limiter != nil {
		g.limiter.Stop()
	}
	if g.tracer != nil {
		if err := g.tracer.Shutdown(ctx); err != nil {
			g.logger.Warn("failed to shutdown tracer", observability.Error(err))
		}
	}
}

// State returns the current gateway state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning returns true if the gateway is running.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Uptime returns how long the gateway has been serving, or zero when it
// is not running or stopping.
func (g *Gateway) Uptime() time.Duration {
	switch g.State() {
	case StateRunning, StateStopping:
		return time.Since(g.startTime)
	default:
		return 0
	}
}

// Addr returns the bound TLS address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	return g.listener.Addr()
}

// MetricsAddr returns the bound operator server address, or nil.
func (g *Gateway) MetricsAddr() net.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.metricsLn == nil {
		return nil
	}
	return g.metricsLn.Addr()
}

// Metrics returns the proxy metrics.
func (g *Gateway) Metrics() *observability.Metrics {
	return g.metrics
}

// Sessions returns the number of open authenticated sessions.
func (g *Gateway) Sessions() int {
	return g.listener.Tracker().Count()
}
