package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamtls/test/helpers"
)

func newTestVerifier(t *testing.T, opts ...VerifierOption) (*helpers.TestPKI, *ClientVerifier) {
	t.Helper()

	pki, err := helpers.GenerateTestPKI()
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(pki.CA.Cert)

	return pki, NewClientVerifier(roots, opts...)
}

func TestClientVerifier_Valid(t *testing.T) {
	t.Parallel()

	pki, v := newTestVerifier(t)

	identity, err := v.Verify([]*x509.Certificate{pki.Client.Cert})
	require.NoError(t, err)
	require.NotNil(t, identity)

	assert.Equal(t, "jane.doe", identity.CommonName)
	assert.Equal(t, []string{"Example Corp"}, identity.Organization)
	assert.Equal(t, []string{"Engineering"}, identity.OrganizationalUnit)
	assert.Equal(t, []string{"jane.doe@example.com"}, identity.EmailAddresses)
	assert.Equal(t, pki.CA.Cert.Subject.String(), identity.IssuerDN)
	assert.Equal(t, FormatSerial(pki.Client.Cert), identity.SerialNumber)
	assert.Len(t, identity.Fingerprint, 64)
}

func TestClientVerifier_Rejections(t *testing.T) {
	t.Parallel()

	pki, err := helpers.GenerateTestPKI()
	require.NoError(t, err)

	expired, err := pki.CA.IssueClient(helpers.ClientOptions{
		CommonName: "expired",
		NotBefore:  time.Now().Add(-48 * time.Hour),
		NotAfter:   time.Now().Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	future, err := pki.CA.IssueClient(helpers.ClientOptions{
		CommonName: "future",
		NotBefore:  time.Now().Add(24 * time.Hour),
		NotAfter:   time.Now().Add(48 * time.Hour),
	})
	require.NoError(t, err)

	serverOnly, err := pki.CA.IssueClient(helpers.ClientOptions{
		CommonName: "server-only",
		ExtKeyUse:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	require.NoError(t, err)

	noCN, err := pki.CA.IssueClient(helpers.ClientOptions{Org: []string{"Example Corp"}})
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(pki.CA.Cert)

	tests := []struct {
		name   string
		chain  []*x509.Certificate
		reason string
		is     error
	}{
		{name: "no certificate", chain: nil, reason: ReasonNoCertificate, is: ErrClientCertRequired},
		{name: "untrusted issuer", chain: []*x509.Certificate{pki.RogueUser.Cert}, reason: ReasonUntrusted, is: ErrClientCertUntrusted},
		{name: "expired", chain: []*x509.Certificate{expired.Cert}, reason: ReasonExpired},
		{name: "not yet valid", chain: []*x509.Certificate{future.Cert}, reason: ReasonNotYetValid},
		{name: "wrong key usage", chain: []*x509.Certificate{serverOnly.Cert}, reason: ReasonInvalidUsage},
		{name: "no common name", chain: []*x509.Certificate{noCN.Cert}, reason: ReasonNoCommonName, is: ErrCertificateInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			metrics := NewMetrics("test")
			v := NewClientVerifier(roots, WithVerifierMetrics(metrics))

			identity, err := v.Verify(tt.chain)
			require.Error(t, err)
			assert.Nil(t, identity)

			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.reason, vErr.Reason)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}

			assert.Equal(t, float64(1),
				testutil.ToFloat64(metrics.clientCertValidation.WithLabelValues("failure", tt.reason)))
		})
	}
}

func TestClientVerifier_ExtraPeerCertificates(t *testing.T) {
	t.Parallel()

	pki, v := newTestVerifier(t)

	identity, err := v.Verify([]*x509.Certificate{pki.Client.Cert, pki.CA.Cert})
	require.NoError(t, err)
	assert.Equal(t, "jane.doe", identity.CommonName)

	// A rogue CA sent alongside the leaf is only an intermediate candidate
	// and never becomes a trust anchor.
	_, err = v.Verify([]*x509.Certificate{pki.RogueUser.Cert, pki.RogueCA.Cert})
	assert.ErrorIs(t, err, ErrClientCertUntrusted)
}

func TestClientVerifier_VerifyConnection(t *testing.T) {
	t.Parallel()

	pki, v := newTestVerifier(t)

	assert.NoError(t, v.VerifyConnection(tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{pki.Client.Cert},
	}))
	assert.ErrorIs(t, v.VerifyConnection(tls.ConnectionState{}), ErrClientCertRequired)
	assert.ErrorIs(t, v.VerifyConnection(tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{pki.RogueUser.Cert},
	}), ErrClientCertUntrusted)
}

func TestClientVerifier_Clock(t *testing.T) {
	t.Parallel()

	pki, err := helpers.GenerateTestPKI()
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(pki.CA.Cert)

	later := time.Now().Add(60 * 24 * time.Hour)
	v := NewClientVerifier(roots, WithVerifierClock(func() time.Time { return later }))

	_, err = v.Verify([]*x509.Certificate{pki.Client.Cert})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, ReasonExpired, vErr.Reason)
}

func TestExtractClientIdentity_Nil(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ExtractClientIdentity(nil))
}

func TestClientIdentity_DisplayName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "cn", (&ClientIdentity{CommonName: "cn", SubjectDN: "dn"}).DisplayName())
	assert.Equal(t, "dn", (&ClientIdentity{SubjectDN: "dn"}).DisplayName())
}
