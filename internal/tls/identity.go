package tls

import (
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"time"
)

// ClientIdentity is the identity carried by a verified client certificate.
// It is built once per connection and never persisted.
type ClientIdentity struct {
	CommonName         string    `json:"cn"`
	SubjectDN          string    `json:"subject_dn"`
	IssuerDN           string    `json:"issuer_dn"`
	SerialNumber       string    `json:"serial_number"`
	NotBefore          time.Time `json:"not_before"`
	NotAfter           time.Time `json:"not_after"`
	Organization       []string  `json:"o,omitempty"`
	OrganizationalUnit []string  `json:"ou,omitempty"`
	EmailAddresses     []string  `json:"email_addresses,omitempty"`
	Fingerprint        string    `json:"fingerprint"`
}

// ExtractClientIdentity extracts the identity from a client certificate.
func ExtractClientIdentity(cert *x509.Certificate) *ClientIdentity {
	if cert == nil {
		return nil
	}

	return &ClientIdentity{
		CommonName:         cert.Subject.CommonName,
		SubjectDN:          FormatDN(cert.Subject),
		IssuerDN:           FormatDN(cert.Issuer),
		SerialNumber:       FormatSerial(cert),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		Organization:       cert.Subject.Organization,
		OrganizationalUnit: cert.Subject.OrganizationalUnit,
		EmailAddresses:     cert.EmailAddresses,
		Fingerprint:        Fingerprint(cert),
	}
}

// DisplayName returns the common name, falling back to the subject DN.
func (id *ClientIdentity) DisplayName() string {
	if id.CommonName != "" {
		return id.CommonName
	}
	return id.SubjectDN
}

// Fingerprint returns the hex SHA-256 fingerprint of the certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// FormatDN renders a distinguished name in RFC 2253 form, most specific
// attribute first: "CN=jane.doe,OU=Engineering,O=Example Corp". Attributes
// without a named field, such as UID or DC, are kept.
func FormatDN(name pkix.Name) string {
	return name.String()
}

// FormatSerial returns the serial number as upper-case hex, the way
// certificate tooling usually prints it.
func FormatSerial(cert *x509.Certificate) string {
	if cert.SerialNumber == nil {
		return ""
	}
	return fmt.Sprintf("%X", cert.SerialNumber.Bytes())
}
