package config

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Routes = []Route{
		{
			Name:       "app",
			PathPrefix: "/app",
			Upstream:   Upstream{Host: "127.0.0.1", Port: 8080},
		},
	}
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Validate(validConfig()))
}

func TestValidate_Nil(t *testing.T) {
	t.Parallel()

	err := Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration is nil")
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Listener.Port = 70000 },
			wantErr: "listener.port",
		},
		{
			name:    "missing key file",
			mutate:  func(c *Config) { c.TLS.KeyFile = "" },
			wantErr: "tls.keyFile",
		},
		{
			name:    "bad tls version",
			mutate:  func(c *Config) { c.TLS.MinVersion = "SSL3" },
			wantErr: "tls.minVersion",
		},
		{
			name:    "inverted tls versions",
			mutate:  func(c *Config) { c.TLS.MinVersion, c.TLS.MaxVersion = "TLS13", "TLS12" },
			wantErr: "must not exceed maxVersion",
		},
		{
			name: "duplicate route",
			mutate: func(c *Config) {
				c.Routes = append(c.Routes, c.Routes[0])
			},
			wantErr: "duplicate route name",
		},
		{
			name:    "relative prefix",
			mutate:  func(c *Config) { c.Routes[0].PathPrefix = "app" },
			wantErr: "routes[0].pathPrefix",
		},
		{
			name:    "prefix shadows login page",
			mutate:  func(c *Config) { c.Routes[0].PathPrefix = DefaultLoginPath },
			wantErr: "must not equal the login path",
		},
		{
			name:    "missing upstream host",
			mutate:  func(c *Config) { c.Routes[0].Upstream.Host = "" },
			wantErr: "routes[0].upstream.host",
		},
		{
			name:    "bad scheme",
			mutate:  func(c *Config) { c.Routes[0].Upstream.Scheme = "ftp" },
			wantErr: "routes[0].upstream.scheme",
		},
		{
			name:    "unknown default route",
			mutate:  func(c *Config) { c.DefaultRoute = "missing" },
			wantErr: "defaultRoute",
		},
		{
			name:    "short token secret",
			mutate:  func(c *Config) { c.Identity.Token = &TokenConfig{Enabled: true, Secret: "short"} },
			wantErr: "identity.token.secret",
		},
		{
			name:    "rate limit without rate",
			mutate:  func(c *Config) { c.RateLimit = &RateLimitConfig{Enabled: true, Burst: 1} },
			wantErr: "rateLimit.requestsPerSecond",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Observability.Logging.Level = "verbose" },
			wantErr: "observability.logging.level",
		},
		{
			name:    "metrics port collides",
			mutate:  func(c *Config) { c.Observability.Metrics.Port = c.Listener.Port },
			wantErr: "must differ from listener.port",
		},
		{
			name:    "sampling rate",
			mutate:  func(c *Config) { c.Observability.Tracing.SamplingRate = 2 },
			wantErr: "samplingRate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.True(t, verrs.HasErrors())
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.Equal(t, "a: b", ValidationErrors{{Path: "a", Message: "b"}}.Error())

	multi := ValidationErrors{{Path: "a", Message: "b"}, {Message: "c"}}
	assert.Contains(t, multi.Error(), "2 validation errors")
	assert.Contains(t, multi.Error(), "2. c")
}

func TestDuration_YAML(t *testing.T) {
	t.Parallel()

	var out struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
		C Duration `yaml:"c"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 1m30s\nb: 45\nc: \"\"\n"), &out))

	assert.Equal(t, 90*time.Second, out.A.Duration())
	assert.Equal(t, 45*time.Second, out.B.Duration())
	assert.Zero(t, out.C)

	require.Error(t, yaml.Unmarshal([]byte("a: soon\n"), &out))
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"250ms"`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Duration())

	var empty Duration
	require.NoError(t, json.Unmarshal([]byte(`null`), &empty))
	assert.Zero(t, empty)

	b, err := json.Marshal(Duration(5 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"5s"`, string(b))
}
