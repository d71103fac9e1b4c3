// Package helpers provides common test utilities for the mTLS proxy tests.
package helpers

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Authority is a throwaway certificate authority.
type Authority struct {
	Key     *ecdsa.PrivateKey
	Cert    *x509.Certificate
	CertPEM []byte
}

// KeyPair is a leaf certificate with its private key.
type KeyPair struct {
	Key     *ecdsa.PrivateKey
	Cert    *x509.Certificate
	CertPEM []byte
	KeyPEM  []byte
}

// TLSCertificate returns the pair as a tls.Certificate.
func (kp *KeyPair) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{kp.Cert.Raw},
		PrivateKey:  kp.Key,
		Leaf:        kp.Cert,
	}
}

// TestPKI holds a trusted CA, a server certificate, a trusted client
// (smartcard) certificate and a client certificate from an unrelated CA.
type TestPKI struct {
	CA        *Authority
	Server    *KeyPair
	Client    *KeyPair
	RogueCA   *Authority
	RogueUser *KeyPair
}

// ClientOptions tunes a generated client certificate.
type ClientOptions struct {
	CommonName string
	Org        []string
	OrgUnit    []string
	Emails     []string
	NotBefore  time.Time
	NotAfter   time.Time
	ExtKeyUse  []x509.ExtKeyUsage
}

// GenerateTestPKI generates a complete PKI for tests.
func GenerateTestPKI() (*TestPKI, error) {
	ca, err := NewAuthority("Test Root CA")
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA: %w", err)
	}

	server, err := ca.IssueServer("localhost")
	if err != nil {
		return nil, fmt.Errorf("failed to generate server certificate: %w", err)
	}

	client, err := ca.IssueClient(ClientOptions{
		CommonName: "jane.doe",
		Org:        []string{"Example Corp"},
		OrgUnit:    []string{"Engineering"},
		Emails:     []string{"jane.doe@example.com"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate client certificate: %w", err)
	}

	rogueCA, err := NewAuthority("Rogue CA")
	if err != nil {
		return nil, fmt.Errorf("failed to generate rogue CA: %w", err)
	}

	rogue, err := rogueCA.IssueClient(ClientOptions{CommonName: "mallory"})
	if err != nil {
		return nil, fmt.Errorf("failed to generate rogue client certificate: %w", err)
	}

	return &TestPKI{
		CA:        ca,
		Server:    server,
		Client:    client,
		RogueCA:   rogueCA,
		RogueUser: rogue,
	}, nil
}

// NewAuthority creates a self-signed CA.
func NewAuthority(commonName string) (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"Test PKI"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return &Authority{
		Key:     key,
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}, nil
}

// IssueServer issues a server certificate valid for host, localhost and loopback IPs.
func (a *Authority) IssueServer(host string) (*KeyPair, error) {
	return a.issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: host, Organization: []string{"Test Server"}},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(30 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{host, "localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	})
}

// IssueClient issues a client certificate.
func (a *Authority) IssueClient(opts ClientOptions) (*KeyPair, error) {
	notBefore := opts.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Hour)
	}
	notAfter := opts.NotAfter
	if notAfter.IsZero() {
		notAfter = time.Now().Add(30 * 24 * time.Hour)
	}
	extKeyUse := opts.ExtKeyUse
	if extKeyUse == nil {
		extKeyUse = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	return a.issue(&x509.Certificate{
		Subject: pkix.Name{
			CommonName:         opts.CommonName,
			Organization:       opts.Org,
			OrganizationalUnit: opts.OrgUnit,
		},
		EmailAddresses: opts.Emails,
		NotBefore:      notBefore,
		NotAfter:       notAfter,
		KeyUsage:       x509.KeyUsageDigitalSignature,
		ExtKeyUsage:    extKeyUse,
	})
}

func (a *Authority) issue(template *x509.Certificate) (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template.SerialNumber = serial

	der, err := x509.CreateCertificate(rand.Reader, template, a.Cert, &key.PublicKey, a.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}

	return &KeyPair{
		Key:     key,
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// BundleFiles are the on-disk paths written by WriteBundle.
type BundleFiles struct {
	Dir      string
	CertFile string
	KeyFile  string
	CAFile   string
}

// WriteBundle writes server.crt, server.key and ca-chain.crt into dir.
func (p *TestPKI) WriteBundle(dir string) (*BundleFiles, error) {
	files := &BundleFiles{
		Dir:      dir,
		CertFile: filepath.Join(dir, "server.crt"),
		KeyFile:  filepath.Join(dir, "server.key"),
		CAFile:   filepath.Join(dir, "ca-chain.crt"),
	}

	if err := os.WriteFile(files.CertFile, p.Server.CertPEM, 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(files.KeyFile, p.Server.KeyPEM, 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(files.CAFile, p.CA.CertPEM, 0o600); err != nil {
		return nil, err
	}

	return files, nil
}

// ClientTLSConfig returns a client configuration that trusts the test CA
// and presents the given certificate. A nil pair presents no certificate.
func (p *TestPKI) ClientTLSConfig(kp *KeyPair) *tls.Config {
	roots := x509.NewCertPool()
	roots.AddCert(p.CA.Cert)

	cfg := &tls.Config{
		RootCAs:    roots,
		ServerName: "localhost",
		MinVersion: tls.VersionTLS12,
	}
	if kp != nil {
		cfg.Certificates = []tls.Certificate{kp.TLSCertificate()}
	}
	return cfg
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}
