package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

var (
	validTLSVersions = map[string]bool{"": true, "TLS12": true, "TLS13": true}
	validLogLevels   = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats  = map[string]bool{"json": true, "console": true}
	validSchemes     = map[string]bool{"": true, "http": true, "https": true}
)

// Validator validates proxy configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates cfg and returns ValidationErrors when anything is wrong.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = nil

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateListener(&cfg.Listener)
	v.validateTLS(&cfg.TLS)
	v.validateIdentity(&cfg.Identity)
	v.validateRoutes(cfg)
	v.validateRateLimit(cfg.RateLimit)
	v.validateObservability(&cfg.Observability)

	if cfg.Observability.Metrics.Enabled && cfg.Observability.Metrics.Port == cfg.Listener.Port {
		v.addError("observability.metrics.port", "must differ from listener.port")
	}

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateListener(l *ListenerConfig) {
	if l.Port < 1 || l.Port > 65535 {
		v.addError("listener.port", fmt.Sprintf("must be between 1 and 65535, got %d", l.Port))
	}
	if l.HandshakeTimeout < 0 {
		v.addError("listener.handshakeTimeout", "must not be negative")
	}
	if l.MaxConnections < 0 {
		v.addError("listener.maxConnections", "must not be negative")
	}
}

func (v *Validator) validateTLS(t *TLSConfig) {
	if t.CertFile == "" {
		v.addError("tls.certFile", "is required")
	}
	if t.KeyFile == "" {
		v.addError("tls.keyFile", "is required")
	}
	if t.CAFile == "" {
		v.addError("tls.caFile", "is required")
	}
	if !validTLSVersions[t.MinVersion] {
		v.addError("tls.minVersion", fmt.Sprintf("unsupported version %q", t.MinVersion))
	}
	if !validTLSVersions[t.MaxVersion] {
		v.addError("tls.maxVersion", fmt.Sprintf("unsupported version %q", t.MaxVersion))
	}
	if t.MinVersion == "TLS13" && t.MaxVersion == "TLS12" {
		v.addError("tls.minVersion", "must not exceed maxVersion")
	}
}

func (v *Validator) validateIdentity(i *IdentityConfig) {
	if i.Token == nil || !i.Token.Enabled {
		return
	}
	if len(i.Token.Secret) < 32 {
		v.addError("identity.token.secret", "must be at least 32 bytes when token is enabled")
	}
	if i.Token.TTL < 0 {
		v.addError("identity.token.ttl", "must not be negative")
	}
}

func (v *Validator) validateRoutes(cfg *Config) {
	if !strings.HasPrefix(cfg.Login.Path, "/") {
		v.addError("login.path", "must start with /")
	}

	names := make(map[string]bool, len(cfg.Routes))
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		path := fmt.Sprintf("routes[%d]", i)

		if r.Name == "" {
			v.addError(path+".name", "is required")
		} else if names[r.Name] {
			v.addError(path+".name", fmt.Sprintf("duplicate route name %q", r.Name))
		}
		names[r.Name] = true

		if !strings.HasPrefix(r.PathPrefix, "/") {
			v.addError(path+".pathPrefix", "must start with /")
		}
		if r.PathPrefix == cfg.Login.Path {
			v.addError(path+".pathPrefix", "must not equal the login path")
		}
		if r.Upstream.Host == "" {
			v.addError(path+".upstream.host", "is required")
		}
		if r.Upstream.Port < 1 || r.Upstream.Port > 65535 {
			v.addError(path+".upstream.port", fmt.Sprintf("must be between 1 and 65535, got %d", r.Upstream.Port))
		}
		if !validSchemes[r.Upstream.Scheme] {
			v.addError(path+".upstream.scheme", fmt.Sprintf("unsupported scheme %q", r.Upstream.Scheme))
		}
		if r.Timeout < 0 {
			v.addError(path+".timeout", "must not be negative")
		}
		if cb := r.CircuitBreaker; cb != nil && cb.Enabled && cb.Threshold < 0 {
			v.addError(path+".circuitBreaker.threshold", "must not be negative")
		}
	}

	if cfg.DefaultRoute != "" && !names[cfg.DefaultRoute] {
		v.addError("defaultRoute", fmt.Sprintf("unknown route %q", cfg.DefaultRoute))
	}
}

func (v *Validator) validateRateLimit(rl *RateLimitConfig) {
	if rl == nil || !rl.Enabled {
		return
	}
	if rl.RequestsPerSecond <= 0 {
		v.addError("rateLimit.requestsPerSecond", "must be positive")
	}
	if rl.Burst <= 0 {
		v.addError("rateLimit.burst", "must be positive")
	}
}

func (v *Validator) validateObservability(o *ObservabilityConfig) {
	if !validLogLevels[o.Logging.Level] {
		v.addError("observability.logging.level", fmt.Sprintf("unsupported level %q", o.Logging.Level))
	}
	if !validLogFormats[o.Logging.Format] {
		v.addError("observability.logging.format", fmt.Sprintf("unsupported format %q", o.Logging.Format))
	}
	if o.Metrics.Enabled && (o.Metrics.Port < 1 || o.Metrics.Port > 65535) {
		v.addError("observability.metrics.port", fmt.Sprintf("must be between 1 and 65535, got %d", o.Metrics.Port))
	}
	if o.Tracing.SamplingRate < 0 || o.Tracing.SamplingRate > 1 {
		v.addError("observability.tracing.samplingRate", "must be between 0 and 1")
	}
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
