package router

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamtls/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func testRoutes() []config.Route {
	upstream := config.Upstream{Host: "127.0.0.1", Port: 8080}
	return []config.Route{
		{Name: "api", PathPrefix: "/api", Upstream: upstream},
		{Name: "api-v2", PathPrefix: "/api/v2/", Upstream: upstream},
		{Name: "raw", PathPrefix: "/raw", StripPrefix: boolPtr(false), Upstream: upstream},
		{Name: "also-api", PathPrefix: "/api", Upstream: upstream},
	}
}

func TestRouter_Match(t *testing.T) {
	t.Parallel()

	r, err := New(testRoutes(), "")
	require.NoError(t, err)

	tests := []struct {
		name      string
		path      string
		wantRoute string
		wantPath  string
		wantErr   bool
	}{
		{name: "exact prefix", path: "/api", wantRoute: "api", wantPath: "/"},
		{name: "nested path", path: "/api/users/1", wantRoute: "api", wantPath: "/users/1"},
		{name: "longest prefix wins", path: "/api/v2/items", wantRoute: "api-v2", wantPath: "/items"},
		{name: "longest prefix exact", path: "/api/v2", wantRoute: "api-v2", wantPath: "/"},
		{name: "segment boundary", path: "/apix", wantErr: true},
		{name: "no strip", path: "/raw/file.txt", wantRoute: "raw", wantPath: "/raw/file.txt"},
		{name: "trailing slash", path: "/api/", wantRoute: "api", wantPath: "/"},
		{name: "no match", path: "/other", wantErr: true},
		{name: "empty path", path: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, err := r.Match(tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrRouteNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRoute, m.Route.Name)
			assert.Equal(t, tt.wantPath, m.UpstreamPath)
		})
	}
}

func TestRouter_DefaultRoute(t *testing.T) {
	t.Parallel()

	r, err := New(testRoutes(), "raw")
	require.NoError(t, err)

	m, err := r.Match("/unknown/path")
	require.NoError(t, err)
	assert.Equal(t, "raw", m.Route.Name)
	assert.Equal(t, "/unknown/path", m.UpstreamPath)
}

func TestRouter_RootPrefix(t *testing.T) {
	t.Parallel()

	r, err := New([]config.Route{
		{Name: "root", PathPrefix: "/"},
		{Name: "api", PathPrefix: "/api"},
	}, "")
	require.NoError(t, err)

	m, err := r.Match("/anything")
	require.NoError(t, err)
	assert.Equal(t, "root", m.Route.Name)
	assert.Equal(t, "/anything", m.UpstreamPath)

	m, err = r.Match("/api/x")
	require.NoError(t, err)
	assert.Equal(t, "api", m.Route.Name)
}

func TestRouter_DeclarationOrderOnTie(t *testing.T) {
	t.Parallel()

	r, err := New(testRoutes(), "")
	require.NoError(t, err)

	m, err := r.Match("/api/users")
	require.NoError(t, err)
	assert.Equal(t, "api", m.Route.Name)
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		routes       []config.Route
		defaultRoute string
	}{
		{name: "missing name", routes: []config.Route{{PathPrefix: "/a"}}},
		{name: "duplicate name", routes: []config.Route{{Name: "a", PathPrefix: "/a"}, {Name: "a", PathPrefix: "/b"}}},
		{name: "relative prefix", routes: []config.Route{{Name: "a", PathPrefix: "a"}}},
		{name: "unknown default", routes: []config.Route{{Name: "a", PathPrefix: "/a"}}, defaultRoute: "b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := New(tt.routes, tt.defaultRoute)
			assert.Error(t, err)
		})
	}
}

func TestRouter_Routes(t *testing.T) {
	t.Parallel()

	r, err := New(testRoutes(), "")
	require.NoError(t, err)

	routes := r.Routes()
	require.Len(t, routes, 4)
	assert.Equal(t, "api-v2", routes[0].Name)
	assert.Equal(t, "also-api", routes[3].Name)
}

func TestRouter_MatchURL(t *testing.T) {
	t.Parallel()

	r, err := New(testRoutes(), "raw")
	require.NoError(t, err)

	tests := []struct {
		name        string
		target      string
		wantRoute   string
		wantPath    string
		wantRawPath string
	}{
		{name: "plain path", target: "/api/users", wantRoute: "api", wantPath: "/users"},
		{name: "encoded slash kept", target: "/api/a%2Fb", wantRoute: "api", wantPath: "/a/b", wantRawPath: "/a%2Fb"},
		{name: "encoded slash without strip", target: "/raw/a%2Fb", wantRoute: "raw", wantPath: "/raw/a/b", wantRawPath: "/raw/a%2Fb"},
		{name: "default route keeps encoding", target: "/x/a%2Fb", wantRoute: "raw", wantPath: "/x/a/b", wantRawPath: "/x/a%2Fb"},
		{name: "encoded prefix boundary falls back", target: "/api%2Fusers", wantRoute: "api", wantPath: "/users"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			u, err := url.ParseRequestURI(tt.target)
			require.NoError(t, err)

			m, err := r.MatchURL(u)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRoute, m.Route.Name)
			assert.Equal(t, tt.wantPath, m.UpstreamPath)
			assert.Equal(t, tt.wantRawPath, m.UpstreamRawPath)
		})
	}
}

func TestHasDotSegment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want bool
	}{
		{"/eng/../admin/", true},
		{"/eng/./x", true},
		{"/..", true},
		{"/eng/", false},
		{"/eng/..x/y", false},
		{"/a.b/c", false},
		{"/", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HasDotSegment(tt.path), tt.path)
	}
}
