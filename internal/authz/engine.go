// Package authz evaluates per-route CEL policies against the verified
// client identity.
//
// A policy is a boolean CEL expression over three variables:
//
//	identity  map: cn, subject_dn, issuer_dn, serial, fingerprint (strings),
//	          organization, organizational_unit, emails (lists of strings)
//	request   map: method, path, host
//	now       timestamp
//
// Example:
//
//	"Engineering" in identity.organizational_unit && request.method == "GET"
package authz

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/vyrodovalexey/avamtls/internal/observability"
	mtls "github.com/vyrodovalexey/avamtls/internal/tls"
)

var (
	// ErrPolicyCompile is returned when a policy does not compile.
	ErrPolicyCompile = errors.New("policy compile error")

	// ErrPolicyEvaluation is returned when a policy fails at runtime or
	// does not produce a bool.
	ErrPolicyEvaluation = errors.New("policy evaluation error")
)

// Engine holds compiled route policies. It is safe for concurrent use.
type Engine struct {
	env      *cel.Env
	programs map[string]cel.Program
	logger   observability.Logger
	now      func() time.Time
}

// Option is a functional option for the engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock sets the clock bound to the now variable.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine compiles policies keyed by route name. Empty expressions are
// skipped; such routes allow every authenticated client.
func NewEngine(policies map[string]string, opts ...Option) (*Engine, error) {
	e := &Engine{
		programs: make(map[string]cel.Program, len(policies)),
		logger:   observability.NopLogger(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	env, err := cel.NewEnv(
		cel.Variable("identity", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	e.env = env

	for route, expr := range policies {
		if expr == "" {
			continue
		}
		program, err := e.compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: route %s: %w", ErrPolicyCompile, route, err)
		}
		e.programs[route] = program
	}

	return e, nil
}

func (e *Engine) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	return e.env.Program(ast)
}

// HasPolicy reports whether route has a compiled policy.
func (e *Engine) HasPolicy(route string) bool {
	_, ok := e.programs[route]
	return ok
}

// Allow evaluates the policy of route. Routes without a policy allow any
// identity. Evaluation errors deny and are returned.
func (e *Engine) Allow(route string, identity *mtls.ClientIdentity, req *http.Request) (bool, error) {
	program, ok := e.programs[route]
	if !ok {
		return true, nil
	}
	if identity == nil {
		return false, nil
	}

	out, _, err := program.Eval(map[string]any{
		"identity": identityVars(identity),
		"request":  requestVars(req),
		"now":      e.now(),
	})
	if err != nil {
		e.logger.Warn("policy evaluation error",
			observability.String("route", route),
			observability.Error(err),
		)
		return false, fmt.Errorf("%w: route %s: %w", ErrPolicyEvaluation, route, err)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: route %s: result is %T, not bool", ErrPolicyEvaluation, route, out.Value())
	}

	e.logger.Debug("policy decision",
		observability.String("route", route),
		observability.String("client_cn", identity.CommonName),
		observability.Bool("allowed", allowed),
	)

	return allowed, nil
}

func identityVars(id *mtls.ClientIdentity) map[string]any {
	return map[string]any{
		"cn":                  id.CommonName,
		"subject_dn":          id.SubjectDN,
		"issuer_dn":           id.IssuerDN,
		"serial":              id.SerialNumber,
		"fingerprint":         id.Fingerprint,
		"organization":        nonNil(id.Organization),
		"organizational_unit": nonNil(id.OrganizationalUnit),
		"emails":              nonNil(id.EmailAddresses),
	}
}

func requestVars(req *http.Request) map[string]string {
	if req == nil {
		return map[string]string{"method": "", "path": "", "host": ""}
	}
	return map[string]string{
		"method": req.Method,
		"path":   req.URL.Path,
		"host":   req.Host,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
