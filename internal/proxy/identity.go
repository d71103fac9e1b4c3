package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/avamtls/internal/config"
	mtls "github.com/vyrodovalexey/avamtls/internal/tls"
)

// AuthMethodSmartcard is the auth method reported for certificate sessions.
const AuthMethodSmartcard = "smartcard"

// Identity token claim names beyond the registered ones.
const (
	ClaimSubjectDN   = "dn"
	ClaimIssuerDN    = "issuer_dn"
	ClaimSerial      = "serial"
	ClaimFingerprint = "fingerprint"
	ClaimAuthMethod  = "auth_method"
)

// ErrTokenSecretRequired is returned when token signing has no secret.
var ErrTokenSecretRequired = errors.New("identity token secret is required")

// inboundCredentialHeaders never reach an upstream.
var inboundCredentialHeaders = []string{"Authorization", "Proxy-Authorization"}

// IdentityHeaders writes the verified identity onto upstream requests.
type IdentityHeaders struct {
	cfg      config.IdentityConfig
	strip    []string
	asserter *IdentityAsserter
}

// NewIdentityHeaders creates the header writer. asserter may be nil.
func NewIdentityHeaders(cfg config.IdentityConfig, asserter *IdentityAsserter) *IdentityHeaders {
	strip := append([]string(nil), inboundCredentialHeaders...)
	strip = append(strip, cfg.Headers()...)

	return &IdentityHeaders{cfg: cfg, strip: strip, asserter: asserter}
}

// Apply removes client supplied credentials and identity headers from h
// and sets the identity headers for id.
func (ih *IdentityHeaders) Apply(h http.Header, id *mtls.ClientIdentity) error {
	for _, name := range ih.strip {
		h.Del(name)
	}

	set := func(name, value string) {
		if name != "" && value != "" {
			h.Set(name, value)
		}
	}

	set(ih.cfg.CommonNameHeader, id.CommonName)
	set(ih.cfg.SubjectDNHeader, id.SubjectDN)
	set(ih.cfg.SerialHeader, id.SerialNumber)
	set(ih.cfg.AuthMethodHeader, AuthMethodSmartcard)
	set(ih.cfg.DomainHeader, ih.cfg.DefaultDomain)

	if ih.asserter == nil {
		return nil
	}

	token, err := ih.asserter.Sign(id)
	if err != nil {
		return err
	}
	h.Set(ih.asserter.Header(), token)
	return nil
}

// IdentityAsserter signs short lived HS256 identity tokens for upstreams
// that prefer a verifiable assertion over plain headers.
type IdentityAsserter struct {
	header string
	issuer string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// AsserterOption is a functional option for IdentityAsserter.
type AsserterOption func(*IdentityAsserter)

// WithAsserterClock sets the clock used for iat and exp.
func WithAsserterClock(now func() time.Time) AsserterOption {
	return func(a *IdentityAsserter) {
		a.now = now
	}
}

// NewIdentityAsserter creates an asserter from cfg. It returns nil when
// the token is disabled.
func NewIdentityAsserter(cfg *config.TokenConfig, opts ...AsserterOption) (*IdentityAsserter, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	if cfg.Secret == "" {
		return nil, ErrTokenSecretRequired
	}

	a := &IdentityAsserter{
		header: cfg.Header,
		issuer: cfg.Issuer,
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL.Duration(),
		now:    time.Now,
	}
	if a.header == "" {
		a.header = config.DefaultTokenHeader
	}
	if a.ttl <= 0 {
		a.ttl = config.DefaultTokenTTL
	}

	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Header returns the header name the token is sent in.
func (a *IdentityAsserter) Header() string {
	return a.header
}

// Sign returns a compact JWS for id.
func (a *IdentityAsserter) Sign(id *mtls.ClientIdentity) (string, error) {
	now := a.now().UTC().Truncate(time.Second)

	token, err := jwt.NewBuilder().
		Issuer(a.issuer).
		Subject(id.CommonName).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(a.ttl)).
		Claim(ClaimSubjectDN, id.SubjectDN).
		Claim(ClaimIssuerDN, id.IssuerDN).
		Claim(ClaimSerial, id.SerialNumber).
		Claim(ClaimFingerprint, id.Fingerprint).
		Claim(ClaimAuthMethod, AuthMethodSmartcard).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build identity token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, a.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign identity token: %w", err)
	}
	return string(signed), nil
}

// verify parses and validates a token produced by Sign.
func (a *IdentityAsserter) verify(token string) (jwt.Token, error) {
	parsed, err := jwt.Parse(
		[]byte(token),
		jwt.WithKey(jwa.HS256, a.secret),
		jwt.WithValidate(true),
		jwt.WithIssuer(a.issuer),
		jwt.WithClock(jwt.ClockFunc(a.now)),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid identity token: %w", err)
	}
	return parsed, nil
}
