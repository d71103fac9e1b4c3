package tls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/vyrodovalexey/avamtls/internal/config"
)

// Bundle is the server certificate, its private key and the trusted CA
// chain. It is immutable after LoadBundle returns.
type Bundle struct {
	certificate tls.Certificate
	leaf        *x509.Certificate
	caChain     []*x509.Certificate
	caPool      *x509.CertPool
	paths       config.CertPaths
}

// BundleOption configures LoadBundle.
type BundleOption func(*bundleOptions)

type bundleOptions struct {
	now func() time.Time
}

// WithBundleClock sets the clock used to check server certificate validity.
func WithBundleClock(now func() time.Time) BundleOption {
	return func(o *bundleOptions) {
		o.now = now
	}
}

// LoadBundle loads and cross-checks the three certificate files. Every
// failure is a *CertificateError naming the offending file.
func LoadBundle(paths config.CertPaths, opts ...BundleOption) (*Bundle, error) {
	o := bundleOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	// All files must be present and readable before any parsing, so
	// the first error always names a missing file if there is one.
	certPEM, err := readPEMFile(paths.CertFile, "server certificate")
	if err != nil {
		return nil, err
	}
	keyPEM, err := readPEMFile(paths.KeyFile, "private key")
	if err != nil {
		return nil, err
	}
	caPEM, err := readPEMFile(paths.CAFile, "CA chain")
	if err != nil {
		return nil, err
	}

	chain, err := ParsePEMCertificates(certPEM)
	if err != nil {
		return nil, NewCertificateErrorWithCause(paths.CertFile, "failed to parse server certificate", err)
	}
	leaf := chain[0]

	now := o.now()
	if now.After(leaf.NotAfter) {
		return nil, NewCertificateErrorWithCause(paths.CertFile,
			fmt.Sprintf("server certificate expired at %s", leaf.NotAfter.UTC().Format(time.RFC3339)),
			ErrCertificateExpired)
	}
	if now.Before(leaf.NotBefore) {
		return nil, NewCertificateErrorWithCause(paths.CertFile,
			fmt.Sprintf("server certificate not valid before %s", leaf.NotBefore.UTC().Format(time.RFC3339)),
			ErrCertificateInvalid)
	}

	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, NewCertificateErrorWithCause(paths.KeyFile, "failed to parse private key", err)
	}
	if err := checkKeyMatches(leaf, key); err != nil {
		return nil, NewCertificateErrorWithCause(paths.KeyFile, "private key does not match server certificate", err)
	}

	caChain, err := parseCAChain(caPEM)
	if err != nil {
		return nil, NewCertificateErrorWithCause(paths.CAFile, "failed to parse CA chain", err)
	}

	pool := x509.NewCertPool()
	for _, ca := range caChain {
		pool.AddCert(ca)
	}

	raw := make([][]byte, 0, len(chain))
	for _, c := range chain {
		raw = append(raw, c.Raw)
	}

	return &Bundle{
		certificate: tls.Certificate{
			Certificate: raw,
			PrivateKey:  key,
			Leaf:        leaf,
		},
		leaf:    leaf,
		caChain: caChain,
		caPool:  pool,
		paths:   paths,
	}, nil
}

// Certificate returns the server certificate for tls.Config.
func (b *Bundle) Certificate() tls.Certificate {
	return b.certificate
}

// Leaf returns the parsed server leaf certificate.
func (b *Bundle) Leaf() *x509.Certificate {
	return b.leaf
}

// ClientCAs returns the pool client certificates must chain to.
func (b *Bundle) ClientCAs() *x509.CertPool {
	return b.caPool
}

// CAChain returns the trusted CA certificates in file order.
func (b *Bundle) CAChain() []*x509.Certificate {
	out := make([]*x509.Certificate, len(b.caChain))
	copy(out, b.caChain)
	return out
}

// CASubjects returns the subject DNs of the trusted CAs.
func (b *Bundle) CASubjects() []string {
	subjects := make([]string, 0, len(b.caChain))
	for _, ca := range b.caChain {
		subjects = append(subjects, FormatDN(ca.Subject))
	}
	return subjects
}

// Paths returns the files the bundle was loaded from.
func (b *Bundle) Paths() config.CertPaths {
	return b.paths
}

func readPEMFile(path, what string) ([]byte, error) {
	if path == "" {
		return nil, NewCertificateErrorWithCause(path, what+" path is empty", ErrCertificateNotFound)
	}

	data, err := os.ReadFile(path) //nolint:gosec // certificate paths come from operator config
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, NewCertificateErrorWithCause(path, what+" file not found", ErrCertificateNotFound)
	case err != nil:
		return nil, NewCertificateErrorWithCause(path, what+" file unreadable",
			fmt.Errorf("%w: %w", ErrCertificateUnreadable, err))
	case len(data) == 0:
		return nil, NewCertificateErrorWithCause(path, what+" file is empty", ErrCertificateInvalid)
	}

	return data, nil
}

// ParsePEMCertificates parses every CERTIFICATE block in pemData.
func ParsePEMCertificates(pemData []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	for len(pemData) > 0 {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCertificateInvalid, err)
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificates found in PEM data", ErrCertificateInvalid)
	}

	return certs, nil
}

func parseCAChain(pemData []byte) ([]*x509.Certificate, error) {
	certs, err := ParsePEMCertificates(pemData)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCAInvalid, err)
	}

	for _, c := range certs {
		if !c.BasicConstraintsValid || !c.IsCA {
			return nil, fmt.Errorf("%w: %q is not a CA certificate", ErrCAInvalid, FormatDN(c.Subject))
		}
	}

	return certs, nil
}

// parsePrivateKey accepts PKCS#1, PKCS#8 and SEC 1 EC keys.
func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for len(pemData) > 0 {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}

		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrPrivateKeyInvalid, err)
			}
			return key, nil
		case "EC PRIVATE KEY":
			key, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrPrivateKeyInvalid, err)
			}
			return key, nil
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrPrivateKeyInvalid, err)
			}
			switch k := key.(type) {
			case *rsa.PrivateKey:
				return k, nil
			case *ecdsa.PrivateKey:
				return k, nil
			case ed25519.PrivateKey:
				return k, nil
			default:
				return nil, fmt.Errorf("%w: unsupported key type %T", ErrPrivateKeyInvalid, key)
			}
		case "ENCRYPTED PRIVATE KEY":
			return nil, fmt.Errorf("%w: encrypted private keys are not supported", ErrPrivateKeyInvalid)
		}
	}

	return nil, fmt.Errorf("%w: no private key found in PEM data", ErrPrivateKeyInvalid)
}

type equalKey interface {
	Equal(x crypto.PublicKey) bool
}

func checkKeyMatches(leaf *x509.Certificate, key crypto.Signer) error {
	pub, ok := key.Public().(equalKey)
	if !ok || !pub.Equal(leaf.PublicKey) {
		return ErrCertificateKeyMismatch
	}
	return nil
}
