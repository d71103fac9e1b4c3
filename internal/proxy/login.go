package proxy

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"strconv"
	"time"

	mtls "github.com/vyrodovalexey/avamtls/internal/tls"
)

//go:embed templates/login.html
var defaultLoginTemplate string

// LoginPage renders the login entry point for an authenticated client.
// Output depends only on the identity and the route list.
type LoginPage struct {
	tmpl   *template.Template
	routes []string
}

type loginData struct {
	CommonName   string
	SubjectDN    string
	IssuerDN     string
	SerialNumber string
	NotAfter     string
	Emails       []string
	Routes       []string
}

// NewLoginPage parses the template at file, or the embedded page when
// file is empty. routes are listed as links.
func NewLoginPage(file string, routes []string) (*LoginPage, error) {
	text := defaultLoginTemplate
	name := "login.html"

	if file != "" {
		data, err := os.ReadFile(file) //nolint:gosec // template path comes from operator config
		if err != nil {
			return nil, fmt.Errorf("failed to read login template %s: %w", file, err)
		}
		text = string(data)
		name = file
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse login template %s: %w", name, err)
	}

	return &LoginPage{tmpl: tmpl, routes: append([]string(nil), routes...)}, nil
}

// Render executes the template for identity.
func (p *LoginPage) Render(identity *mtls.ClientIdentity) ([]byte, error) {
	var buf bytes.Buffer
	err := p.tmpl.Execute(&buf, loginData{
		CommonName:   identity.CommonName,
		SubjectDN:    identity.SubjectDN,
		IssuerDN:     identity.IssuerDN,
		SerialNumber: identity.SerialNumber,
		NotAfter:     identity.NotAfter.UTC().Format(time.RFC3339),
		Emails:       identity.EmailAddresses,
		Routes:       p.routes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render login page: %w", err)
	}
	return buf.Bytes(), nil
}

// serve writes the page. Only GET and HEAD are allowed.
func (p *LoginPage) serve(w http.ResponseWriter, r *http.Request, identity *mtls.ClientIdentity) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, bodyMethodNotAllowed)
		return nil
	}

	body, err := p.Render(identity)
	if err != nil {
		return err
	}

	h := w.Header()
	h.Set(HeaderContentType, ContentTypeHTML)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return nil
	}
	_, _ = w.Write(body)
	return nil
}
