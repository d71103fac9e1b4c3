package tls

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCipherSuites(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   []string
		want    []uint16
		wantErr bool
	}{
		{name: "empty uses defaults", input: nil, want: DefaultCipherSuites()},
		{
			name:  "explicit suites",
			input: []string{"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"},
			want:  []uint16{tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256},
		},
		{name: "only TLS 1.3 names fall back to defaults", input: []string{"TLS_AES_128_GCM_SHA256"}, want: DefaultCipherSuites()},
		{name: "insecure suite rejected", input: []string{"TLS_RSA_WITH_RC4_128_SHA"}, wantErr: true},
		{name: "unknown suite rejected", input: []string{"BOGUS"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseCipherSuites(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrCipherSuiteInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTLSVersion_ToTLSVersion(t *testing.T) {
	t.Parallel()

	v, err := TLSVersion12.ToTLSVersion()
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), v)

	v, err = TLSVersion13.ToTLSVersion()
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), v)

	_, err = TLSVersion("TLS10").ToTLSVersion()
	assert.ErrorIs(t, err, ErrTLSVersionInvalid)
}

func TestNewServerConfig(t *testing.T) {
	t.Parallel()

	_, paths := writeBundle(t)
	bundle, err := LoadBundle(paths)
	require.NoError(t, err)

	verifier := NewClientVerifier(bundle.ClientCAs())

	cfg, err := NewServerConfig(bundle, verifier, ServerOptions{})
	require.NoError(t, err)

	assert.Equal(t, tls.RequestClientCert, cfg.ClientAuth)
	assert.Same(t, bundle.ClientCAs(), cfg.ClientCAs)
	assert.NotNil(t, cfg.VerifyConnection)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)
	assert.Equal(t, []string{"http/1.1"}, cfg.NextProtos)
	require.Len(t, cfg.Certificates, 1)
}

func TestNewServerConfig_InvalidOptions(t *testing.T) {
	t.Parallel()

	_, paths := writeBundle(t)
	bundle, err := LoadBundle(paths)
	require.NoError(t, err)
	verifier := NewClientVerifier(bundle.ClientCAs())

	tests := []struct {
		name    string
		opts    ServerOptions
		wantErr error
	}{
		{name: "bad min", opts: ServerOptions{MinVersion: "SSL3"}, wantErr: ErrTLSVersionInvalid},
		{name: "bad max", opts: ServerOptions{MaxVersion: "TLS11"}, wantErr: ErrTLSVersionInvalid},
		{name: "inverted", opts: ServerOptions{MinVersion: "TLS13", MaxVersion: "TLS12"}, wantErr: ErrTLSVersionInvalid},
		{name: "bad cipher", opts: ServerOptions{CipherSuites: []string{"NOPE"}}, wantErr: ErrCipherSuiteInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewServerConfig(bundle, verifier, tt.opts)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVersionName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "TLS1.2", VersionName(tls.VersionTLS12))
	assert.Equal(t, "TLS1.3", VersionName(tls.VersionTLS13))
}
