package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// ClientVerifier checks client certificates against the trusted CA pool.
type ClientVerifier struct {
	roots   *x509.CertPool
	now     func() time.Time
	logger  observability.Logger
	metrics *Metrics
}

// VerifierOption is a functional option for the client verifier.
type VerifierOption func(*ClientVerifier)

// WithVerifierLogger sets the logger for the verifier.
func WithVerifierLogger(logger observability.Logger) VerifierOption {
	return func(v *ClientVerifier) {
		v.logger = logger
	}
}

// WithVerifierMetrics sets the metrics for the verifier.
func WithVerifierMetrics(metrics *Metrics) VerifierOption {
	return func(v *ClientVerifier) {
		v.metrics = metrics
	}
}

// WithVerifierClock sets the clock used for validity checks.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *ClientVerifier) {
		v.now = now
	}
}

// NewClientVerifier creates a verifier trusting roots.
func NewClientVerifier(roots *x509.CertPool, opts ...VerifierOption) *ClientVerifier {
	v := &ClientVerifier{
		roots:  roots,
		now:    time.Now,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Verify checks the presented chain. The first certificate is the leaf and
// the rest are treated as untrusted intermediates.
func (v *ClientVerifier) Verify(peerCerts []*x509.Certificate) (*ClientIdentity, error) {
	if len(peerCerts) == 0 {
		v.record(false, ReasonNoCertificate)
		return nil, NewValidationErrorWithCause("", ReasonNoCertificate, ErrClientCertRequired)
	}

	leaf := peerCerts[0]
	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: x509.NewCertPool(),
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	for _, intermediate := range peerCerts[1:] {
		opts.Intermediates.AddCert(intermediate)
	}

	if _, err := leaf.Verify(opts); err != nil {
		reason := v.classify(leaf, err)
		v.record(false, reason)
		v.logger.Debug("client certificate rejected",
			observability.String("subject", FormatDN(leaf.Subject)),
			observability.String("issuer", FormatDN(leaf.Issuer)),
			observability.String("reason", reason),
			observability.Error(err),
		)
		if reason == ReasonUntrusted {
			err = fmt.Errorf("%w: %w", ErrClientCertUntrusted, err)
		}
		return nil, NewValidationErrorWithCause(FormatDN(leaf.Subject), reason, err)
	}

	if leaf.Subject.CommonName == "" {
		v.record(false, ReasonNoCommonName)
		return nil, NewValidationErrorWithCause(FormatDN(leaf.Subject), ReasonNoCommonName, ErrCertificateInvalid)
	}

	v.record(true, "valid")
	return ExtractClientIdentity(leaf), nil
}

// VerifyConnection is installed as tls.Config.VerifyConnection. Any error
// aborts the handshake with a bad_certificate alert, so a missing
// certificate and an untrusted one look the same to the client.
func (v *ClientVerifier) VerifyConnection(cs tls.ConnectionState) error {
	_, err := v.Verify(cs.PeerCertificates)
	return err
}

func (v *ClientVerifier) classify(leaf *x509.Certificate, err error) string {
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		switch invalid.Reason {
		case x509.Expired:
			if v.now().Before(invalid.Cert.NotBefore) {
				return ReasonNotYetValid
			}
			return ReasonExpired
		case x509.IncompatibleUsage:
			return ReasonInvalidUsage
		}
		return ReasonInvalid
	}

	var unknown x509.UnknownAuthorityError
	if errors.As(err, &unknown) {
		return ReasonUntrusted
	}

	now := v.now()
	if now.After(leaf.NotAfter) {
		return ReasonExpired
	}
	if now.Before(leaf.NotBefore) {
		return ReasonNotYetValid
	}
	return ReasonInvalid
}

func (v *ClientVerifier) record(success bool, reason string) {
	if v.metrics != nil {
		v.metrics.RecordClientCertValidation(success, reason)
	}
}
