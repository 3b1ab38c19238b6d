package router

import (
	"testing"

	"github.com/kfcemployee/goserver/internal/config"
)

func buildConfig() *config.ServerConfig {
	return &config.ServerConfig{
		Servers: []*config.ServerBlock{
			{
				Listen:      []config.Endpoint{{Host: "0.0.0.0", Port: 8888}},
				ServerNames: []string{"localhost"},
				Routes: []*config.Route{
					{Prefix: "/", Root: "/srv/www", Methods: []string{"GET", "HEAD"}},
					{Prefix: "/api", Root: "/srv/api", Methods: []string{"GET", "HEAD", "POST"}},
					{Prefix: "/api/v1", Root: "/srv/api/v1", Methods: []string{"GET", "HEAD", "POST"}},
					{Prefix: "/cgi-bin", CGI: "/usr/bin/python3", Methods: []string{"GET", "POST"}},
				},
			},
			{
				Listen:      []config.Endpoint{{Host: "0.0.0.0", Port: 8888}},
				ServerNames: []string{"other.example"},
				Routes: []*config.Route{
					{Prefix: "/", Root: "/srv/other", Methods: []string{"GET", "HEAD"}},
				},
			},
		},
	}
}

func TestSelectLongestPrefix(t *testing.T) {
	r := New(buildConfig())

	tests := []struct {
		name     string
		path     string
		wantRoot string
	}{
		{"root", "/index.html", "/srv/www"},
		{"api root", "/api", "/srv/api"},
		{"api sub", "/api/widgets", "/srv/api"},
		{"api v1 is longer prefix", "/api/v1/widgets", "/srv/api/v1"},
		{"segment boundary", "/apiary", "/srv/www"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.Select("0.0.0.0:8888", "localhost", tt.path, "GET")
			if out.NotFound || out.MethodNotAllowed {
				t.Fatalf("unexpected outcome: %+v", out)
			}
			if out.Route.Root != tt.wantRoot {
				t.Errorf("root = %q, want %q", out.Route.Root, tt.wantRoot)
			}
		})
	}
}

func TestSelectDefaultServerFallback(t *testing.T) {
	r := New(buildConfig())

	out := r.Select("0.0.0.0:8888", "unknown.example", "/", "GET")
	if out.NotFound {
		t.Fatalf("unexpected not found")
	}
	if out.Route.Root != "/srv/www" {
		t.Errorf("expected default-server block, got root %q", out.Route.Root)
	}
}

func TestSelectVirtualHost(t *testing.T) {
	r := New(buildConfig())

	out := r.Select("0.0.0.0:8888", "other.example", "/", "GET")
	if out.NotFound {
		t.Fatalf("unexpected not found")
	}
	if out.Route.Root != "/srv/other" {
		t.Errorf("root = %q, want /srv/other", out.Route.Root)
	}
}

func TestSelectMethodNotAllowed(t *testing.T) {
	r := New(buildConfig())
	out := r.Select("0.0.0.0:8888", "localhost", "/index.html", "POST")
	if !out.MethodNotAllowed {
		t.Fatalf("expected method not allowed, got %+v", out)
	}
	if out.AllowHeader != "GET, HEAD" {
		t.Errorf("Allow header = %q", out.AllowHeader)
	}
}

func TestSelectUnknownEndpoint(t *testing.T) {
	r := New(buildConfig())
	out := r.Select("0.0.0.0:9999", "localhost", "/", "GET")
	if !out.NotFound {
		t.Fatalf("expected not found for unbound endpoint")
	}
}
