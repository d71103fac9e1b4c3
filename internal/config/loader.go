package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
	envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	// bareEnvVarPattern matches $VAR. Unset variables are left untouched.
	bareEnvVarPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// Environment variables that override file values.
const (
	EnvHost     = "PROXY_HOST"
	EnvPort     = "PROXY_PORT"
	EnvCertDir  = "PROXY_CERT_DIR"
	EnvLogLevel = "PROXY_LOG_LEVEL"
)

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// Loader reads configuration files.
type Loader struct {
	lookup LookupFunc
}

// NewLoader creates a loader that resolves variables from the process environment.
func NewLoader() *Loader {
	return &Loader{lookup: os.LookupEnv}
}

// NewLoaderWithLookup creates a loader with a custom variable resolver.
func NewLoaderWithLookup(lookup LookupFunc) *Loader {
	return &Loader{lookup: lookup}
}

// Load reads the YAML file at path on top of DefaultConfig.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Load loads configuration from a file path.
func (l *Loader) Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	f, err := os.Open(absPath) //nolint:gosec // operator supplied config path
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	return l.LoadFromReader(f)
}

// LoadFromReader loads configuration from an io.Reader.
func (l *Loader) LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return l.parse(data)
}

func (l *Loader) parse(data []byte) (*Config, error) {
	content := l.substituteEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// substituteEnvVars expands ${VAR}, ${VAR:-default} and $VAR. A literal
// dollar sign is written as $$.
func (l *Loader) substituteEnvVars(content string) string {
	content = strings.ReplaceAll(content, "$$", "\x00ESCAPED_DOLLAR\x00")

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		defaultValue := ""
		if len(submatches) >= 3 {
			defaultValue = submatches[2]
		}

		if value, exists := l.lookup(submatches[1]); exists {
			return value
		}
		return defaultValue
	})

	result = bareEnvVarPattern.ReplaceAllStringFunc(result, func(match string) string {
		if value, exists := l.lookup(match[1:]); exists {
			return value
		}
		return match
	})

	return strings.ReplaceAll(result, "\x00ESCAPED_DOLLAR\x00", "$")
}

// ApplyEnv overrides listener, certificate and logging settings from the
// environment. The resulting port is the only port the proxy binds.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if v, ok := lookup(EnvHost); ok && v != "" {
		cfg.Listener.Host = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		cfg.Listener.Port = port
	}
	if v, ok := lookup(EnvCertDir); ok && v != "" {
		cfg.TLS.CertDir = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Observability.Logging.Level = v
	}

	return nil
}
