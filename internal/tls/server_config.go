package tls

import (
	"crypto/tls"
	"fmt"
)

// TLSVersion represents a TLS protocol version name.
type TLSVersion string

// Supported TLS versions. Anything older than TLS 1.2 is refused.
const (
	TLSVersion12 TLSVersion = "TLS12"
	TLSVersion13 TLSVersion = "TLS13"
)

// ToTLSVersion converts to the crypto/tls version constant.
func (v TLSVersion) ToTLSVersion() (uint16, error) {
	switch v {
	case TLSVersion12:
		return tls.VersionTLS12, nil
	case TLSVersion13:
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrTLSVersionInvalid, string(v))
	}
}

// secureCipherSuites maps configurable TLS 1.2 suite names to IDs.
// TLS 1.3 suites are not configurable in crypto/tls and always enabled.
var secureCipherSuites = map[string]uint16{
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256":       tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384":       tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256":         tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384":         tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

var tls13CipherSuites = map[string]bool{
	"TLS_AES_128_GCM_SHA256":       true,
	"TLS_AES_256_GCM_SHA384":       true,
	"TLS_CHACHA20_POLY1305_SHA256": true,
}

// DefaultCipherSuites returns the TLS 1.2 suites used when none are configured.
func DefaultCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}

// DefaultCurvePreferences returns the preferred key exchange curves.
func DefaultCurvePreferences() []tls.CurveID {
	return []tls.CurveID{tls.X25519, tls.CurveP256, tls.CurveP384}
}

// ParseCipherSuites converts suite names to IDs. TLS 1.3 names are
// accepted and skipped.
func ParseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return DefaultCipherSuites(), nil
	}

	suites := make([]uint16, 0, len(names))
	for _, name := range names {
		if tls13CipherSuites[name] {
			continue
		}
		id, ok := secureCipherSuites[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCipherSuiteInvalid, name)
		}
		suites = append(suites, id)
	}

	if len(suites) == 0 {
		return DefaultCipherSuites(), nil
	}
	return suites, nil
}

// ServerOptions bound the negotiated protocol.
type ServerOptions struct {
	MinVersion   string
	MaxVersion   string
	CipherSuites []string
}

// ServerOptionsFromConfig maps YAML TLS settings to ServerOptions.
func ServerOptionsFromConfig(minVersion, maxVersion string, cipherSuites []string) ServerOptions {
	return ServerOptions{
		MinVersion:   minVersion,
		MaxVersion:   maxVersion,
		CipherSuites: cipherSuites,
	}
}

// NewServerConfig builds the listener tls.Config. The client certificate is
// requested but checked by the verifier rather than crypto/tls so that
// every authentication failure ends in the same alert.
func NewServerConfig(bundle *Bundle, verifier *ClientVerifier, opts ServerOptions) (*tls.Config, error) {
	minVersion, maxVersion := TLSVersion12, TLSVersion13
	if opts.MinVersion != "" {
		minVersion = TLSVersion(opts.MinVersion)
	}
	if opts.MaxVersion != "" {
		maxVersion = TLSVersion(opts.MaxVersion)
	}

	minID, err := minVersion.ToTLSVersion()
	if err != nil {
		return nil, err
	}
	maxID, err := maxVersion.ToTLSVersion()
	if err != nil {
		return nil, err
	}
	if minID > maxID {
		return nil, fmt.Errorf("%w: min version %s exceeds max version %s", ErrTLSVersionInvalid, minVersion, maxVersion)
	}

	suites, err := ParseCipherSuites(opts.CipherSuites)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:     []tls.Certificate{bundle.Certificate()},
		ClientAuth:       tls.RequestClientCert,
		ClientCAs:        bundle.ClientCAs(),
		VerifyConnection: verifier.VerifyConnection,
		MinVersion:       minID,
		MaxVersion:       maxID,
		CipherSuites:     suites,
		CurvePreferences: DefaultCurvePreferences(),
		NextProtos:       []string{"http/1.1"},
	}, nil
}

// VersionName returns a readable TLS version name.
func VersionName(version uint16) string {
	switch version {
	case tls.VersionTLS12:
		return "TLS1.2"
	case tls.VersionTLS13:
		return "TLS1.3"
	default:
		return tls.VersionName(version)
	}
}
