// Package config provides configuration types and loading for the mTLS proxy.
package config

import (
	"net"
	"path/filepath"
	"strconv"
	"time"
)

// Default configuration values.
const (
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 8443
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
	DefaultCertDir           = "certs"
	DefaultCertFile          = "server.crt"
	DefaultKeyFile           = "server.key"
	DefaultCAFile            = "ca-chain.crt"
	DefaultLoginPath         = "/login.html"
	DefaultRouteTimeout      = 300 * time.Second
	DefaultTokenTTL          = 5 * time.Minute
	DefaultMetricsPort       = 9090
	DefaultMetricsPath       = "/metrics"
	DefaultServiceName       = "avamtls"
)

// Default identity header names.
const (
	DefaultCommonNameHeader = "X-Client-Cert-CN"
	DefaultSubjectDNHeader  = "X-Client-Cert-DN"
	DefaultSerialHeader     = "X-Client-Cert-Serial"
	DefaultAuthMethodHeader = "X-Auth-Method"
	DefaultDomainHeader     = "X-Client-Domain"
	DefaultTokenHeader      = "X-Client-Identity-Token"
)

// Config is the complete, immutable proxy configuration.
// It is built once at startup and passed to constructors.
type Config struct {
	Listener      ListenerConfig      `yaml:"listener" json:"listener"`
	TLS           TLSConfig           `yaml:"tls" json:"tls"`
	Identity      IdentityConfig      `yaml:"identity" json:"identity"`
	Login         LoginConfig         `yaml:"login" json:"login"`
	Routes        []Route             `yaml:"routes" json:"routes"`
	DefaultRoute  string              `yaml:"defaultRoute,omitempty" json:"defaultRoute,omitempty"`
	RateLimit     *RateLimitConfig    `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ListenerConfig configures the TLS listener.
type ListenerConfig struct {
	Host              string   `yaml:"host" json:"host"`
	Port              int      `yaml:"port" json:"port"`
	HandshakeTimeout  Duration `yaml:"handshakeTimeout,omitempty" json:"handshakeTimeout,omitempty"`
	ReadHeaderTimeout Duration `yaml:"readHeaderTimeout,omitempty" json:"readHeaderTimeout,omitempty"`
	IdleTimeout       Duration `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`
	MaxHeaderBytes    int      `yaml:"maxHeaderBytes,omitempty" json:"maxHeaderBytes,omitempty"`

	// MaxConnections caps concurrently open connections. Zero means unlimited.
	MaxConnections int `yaml:"maxConnections,omitempty" json:"maxConnections,omitempty"`
}

// Address returns the host:port the listener binds to.
func (l ListenerConfig) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// TLSConfig names the certificate material and protocol bounds.
type TLSConfig struct {
	// CertDir is the directory relative file names resolve under.
	CertDir      string   `yaml:"certDir" json:"certDir"`
	CertFile     string   `yaml:"certFile" json:"certFile"`
	KeyFile      string   `yaml:"keyFile" json:"keyFile"`
	CAFile       string   `yaml:"caFile" json:"caFile"`
	MinVersion   string   `yaml:"minVersion,omitempty" json:"minVersion,omitempty"`
	MaxVersion   string   `yaml:"maxVersion,omitempty" json:"maxVersion,omitempty"`
	CipherSuites []string `yaml:"cipherSuites,omitempty" json:"cipherSuites,omitempty"`
}

// CertPaths holds resolved paths of the certificate bundle files.
type CertPaths struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// Paths resolves the certificate, key and CA file names against CertDir.
func (t TLSConfig) Paths() CertPaths {
	return CertPaths{
		CertFile: t.resolve(t.CertFile),
		KeyFile:  t.resolve(t.KeyFile),
		CAFile:   t.resolve(t.CAFile),
	}
}

func (t TLSConfig) resolve(name string) string {
	if name == "" || filepath.IsAbs(name) || t.CertDir == "" {
		return name
	}
	return filepath.Join(t.CertDir, name)
}

// IdentityConfig controls how the client identity is forwarded upstream.
type IdentityConfig struct {
	CommonNameHeader string       `yaml:"commonNameHeader,omitempty" json:"commonNameHeader,omitempty"`
	SubjectDNHeader  string       `yaml:"subjectDNHeader,omitempty" json:"subjectDNHeader,omitempty"`
	SerialHeader     string       `yaml:"serialHeader,omitempty" json:"serialHeader,omitempty"`
	AuthMethodHeader string       `yaml:"authMethodHeader,omitempty" json:"authMethodHeader,omitempty"`
	DomainHeader     string       `yaml:"domainHeader,omitempty" json:"domainHeader,omitempty"`
	DefaultDomain    string       `yaml:"defaultDomain,omitempty" json:"defaultDomain,omitempty"`
	Token            *TokenConfig `yaml:"token,omitempty" json:"token,omitempty"`
}

// Headers returns every identity header name the proxy sets upstream.
// Client supplied values for these headers are always discarded.
func (i IdentityConfig) Headers() []string {
	headers := []string{
		i.CommonNameHeader,
		i.SubjectDNHeader,
		i.SerialHeader,
		i.AuthMethodHeader,
		i.DomainHeader,
	}
	if i.Token != nil && i.Token.Enabled {
		headers = append(headers, i.Token.Header)
	}

	out := headers[:0]
	for _, h := range headers {
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

// TokenConfig configures the signed identity assertion sent upstream.
type TokenConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Header  string   `yaml:"header,omitempty" json:"header,omitempty"`
	Secret  string   `yaml:"secret,omitempty" json:"-"`
	Issuer  string   `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	TTL     Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
}

// LoginConfig configures the static login entry point.
type LoginConfig struct {
	Path string `yaml:"path" json:"path"`

	// File is an optional html/template file. An embedded page is used when empty.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// Route maps a path prefix to an upstream.
type Route struct {
	Name           string                `yaml:"name" json:"name"`
	PathPrefix     string                `yaml:"pathPrefix" json:"pathPrefix"`
	StripPrefix    *bool                 `yaml:"stripPrefix,omitempty" json:"stripPrefix,omitempty"`
	Upstream       Upstream              `yaml:"upstream" json:"upstream"`
	WebSocket      bool                  `yaml:"websocket,omitempty" json:"websocket,omitempty"`
	Timeout        Duration              `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Policy         string                `yaml:"policy,omitempty" json:"policy,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuitBreaker,omitempty" json:"circuitBreaker,omitempty"`
}

// ShouldStripPrefix reports whether the prefix is removed before forwarding.
// Prefixes are stripped unless explicitly disabled.
func (r Route) ShouldStripPrefix() bool {
	return r.StripPrefix == nil || *r.StripPrefix
}

// EffectiveTimeout returns the route timeout or the default.
func (r Route) EffectiveTimeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout.Duration()
	}
	return DefaultRouteTimeout
}

// Upstream is a backend address.
type Upstream struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Scheme string `yaml:"scheme,omitempty" json:"scheme,omitempty"`
}

// Address returns host:port of the upstream.
func (u Upstream) Address() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// EffectiveScheme returns the upstream scheme, http when unset.
func (u Upstream) EffectiveScheme() string {
	if u.Scheme == "" {
		return "http"
	}
	return u.Scheme
}

// CircuitBreakerConfig configures an upstream circuit breaker.
type CircuitBreakerConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Threshold   int      `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	HalfOpenMax int      `yaml:"halfOpenRequests,omitempty" json:"halfOpenRequests,omitempty"`
}

// RateLimitConfig configures per-identity request rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	RequestsPerSecond int  `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int  `yaml:"burst" json:"burst"`
}

// ObservabilityConfig groups logging, metrics and tracing settings.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`

	// Output is stdout, stderr or a file path.
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig configures the operator metrics and health server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	ServiceName  string  `yaml:"serviceName,omitempty" json:"serviceName,omitempty"`
}

// DefaultConfig returns a configuration populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Host:              DefaultHost,
			Port:              DefaultPort,
			HandshakeTimeout:  Duration(DefaultHandshakeTimeout),
			ReadHeaderTimeout: Duration(DefaultReadHeaderTimeout),
			IdleTimeout:       Duration(DefaultIdleTimeout),
			MaxHeaderBytes:    DefaultMaxHeaderBytes,
		},
		TLS: TLSConfig{
			CertDir:    DefaultCertDir,
			CertFile:   DefaultCertFile,
			KeyFile:    DefaultKeyFile,
			CAFile:     DefaultCAFile,
			MinVersion: "TLS12",
			MaxVersion: "TLS13",
		},
		Identity: IdentityConfig{
			CommonNameHeader: DefaultCommonNameHeader,
			SubjectDNHeader:  DefaultSubjectDNHeader,
			SerialHeader:     DefaultSerialHeader,
			AuthMethodHeader: DefaultAuthMethodHeader,
			DomainHeader:     DefaultDomainHeader,
		},
		Login: LoginConfig{
			Path: DefaultLoginPath,
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Port:    DefaultMetricsPort,
				Path:    DefaultMetricsPath,
			},
			Tracing: TracingConfig{
				SamplingRate: 1.0,
				ServiceName:  DefaultServiceName,
			},
		},
	}
}

// applyDefaults fills zero values that a partial YAML document left unset.
func (c *Config) applyDefaults() {
	if c.Listener.Host == "" {
		c.Listener.Host = DefaultHost
	}
	if c.Listener.HandshakeTimeout == 0 {
		c.Listener.HandshakeTimeout = Duration(DefaultHandshakeTimeout)
	}
	if c.Login.Path == "" {
		c.Login.Path = DefaultLoginPath
	}
	if tok := c.Identity.Token; tok != nil {
		if tok.Header == "" {
			tok.Header = DefaultTokenHeader
		}
		if tok.TTL == 0 {
			tok.TTL = Duration(DefaultTokenTTL)
		}
		if tok.Issuer == "" {
			tok.Issuer = DefaultServiceName
		}
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = DefaultMetricsPath
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = DefaultServiceName
	}
}
