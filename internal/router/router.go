// Package router maps request paths to configured upstream routes.
//
// Routes are matched by path prefix at segment boundaries. The longest
// matching prefix wins; ties keep declaration order. A configured default
// route catches paths no prefix matches.
package router

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/vyrodovalexey/avamtls/internal/config"
)

// ErrRouteNotFound is returned when no route matches and no default is set.
var ErrRouteNotFound = errors.New("route not found")

// Router is immutable after New.
type Router struct {
	routes       []*CompiledRoute
	byName       map[string]*CompiledRoute
	defaultRoute *CompiledRoute
}

// CompiledRoute is a route with its normalized prefix.
type CompiledRoute struct {
	config.Route
	prefix string
	order  int
}

// Match is the result of a successful lookup.
type Match struct {
	Route *CompiledRoute

	// UpstreamPath is the path sent upstream. It always begins with "/".
	UpstreamPath string

	// UpstreamRawPath is the escaped form of UpstreamPath, set only when
	// the request carried an encoding other than the default one.
	UpstreamRawPath string

	viaPrefix bool
}

// New compiles routes. defaultRoute, when set, must name one of them.
func New(routes []config.Route, defaultRoute string) (*Router, error) {
	r := &Router{
		routes: make([]*CompiledRoute, 0, len(routes)),
		byName: make(map[string]*CompiledRoute, len(routes)),
	}

	for i, route := range routes {
		if route.Name == "" {
			return nil, fmt.Errorf("route %d: name is required", i)
		}
		if _, exists := r.byName[route.Name]; exists {
			return nil, fmt.Errorf("duplicate route name: %s", route.Name)
		}
		if !strings.HasPrefix(route.PathPrefix, "/") {
			return nil, fmt.Errorf("route %s: path prefix must start with /", route.Name)
		}

		compiled := &CompiledRoute{
			Route:  route,
			prefix: normalizePrefix(route.PathPrefix),
			order:  i,
		}
		r.routes = append(r.routes, compiled)
		r.byName[route.Name] = compiled
	}

	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})

	if defaultRoute != "" {
		d, ok := r.byName[defaultRoute]
		if !ok {
			return nil, fmt.Errorf("default route %q is not defined", defaultRoute)
		}
		r.defaultRoute = d
	}

	return r, nil
}

// normalizePrefix drops a trailing slash so "/api/" and "/api" behave alike.
func normalizePrefix(prefix string) string {
	if len(prefix) > 1 {
		return strings.TrimRight(prefix, "/")
	}
	return prefix
}

// Match resolves path to a route.
func (r *Router) Match(path string) (*Match, error) {
	if path == "" {
		path = "/"
	}

	for _, route := range r.routes {
		if matchesPrefix(route.prefix, path) {
			return &Match{Route: route, UpstreamPath: route.upstreamPath(path), viaPrefix: true}, nil
		}
	}

	if r.defaultRoute != nil {
		return &Match{Route: r.defaultRoute, UpstreamPath: path}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, path)
}

// MatchURL resolves u by its decoded path and carries its escaped path
// through to the upstream, so "/app/a%2Fb" is not sent as "/app/a/b".
func (r *Router) MatchURL(u *url.URL) (*Match, error) {
	m, err := r.Match(u.Path)
	if err != nil {
		return nil, err
	}
	if u.RawPath == "" {
		return m, nil
	}

	escaped := u.EscapedPath()
	if m.viaPrefix {
		escaped = m.Route.upstreamRawPath(escaped)
	}
	if unescaped, err := url.PathUnescape(escaped); err == nil && unescaped == m.UpstreamPath {
		m.UpstreamRawPath = escaped
	}
	return m, nil
}

// Routes returns routes in match order.
func (r *Router) Routes() []*CompiledRoute {
	out := make([]*CompiledRoute, len(r.routes))
	copy(out, r.routes)
	return out
}

func matchesPrefix(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func (c *CompiledRoute) upstreamPath(path string) string {
	if !c.ShouldStripPrefix() || c.prefix == "/" {
		return path
	}
	rest := strings.TrimPrefix(path, c.prefix)
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

func (c *CompiledRoute) upstreamRawPath(escaped string) string {
	if !c.ShouldStripPrefix() || c.prefix == "/" {
		return escaped
	}
	prefix := (&url.URL{Path: c.prefix}).EscapedPath()
	if !strings.HasPrefix(escaped, prefix) {
		return ""
	}
	rest := escaped[len(prefix):]
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

// HasDotSegment reports whether path contains a "." or ".." segment.
func HasDotSegment(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}
