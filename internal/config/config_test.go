package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "goserver.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
servers:
  - listen:
      - host: 0.0.0.0
        port: 8080
    server_name: [localhost]
    routes:
      - prefix: /
        root: /srv/www
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IdleTimeoutSeconds != defaultIdleTimeoutSeconds {
		t.Errorf("idle timeout = %d, want %d", cfg.IdleTimeoutSeconds, defaultIdleTimeoutSeconds)
	}
	if cfg.MaxConnections != defaultMaxConnections {
		t.Errorf("max connections = %d, want %d", cfg.MaxConnections, defaultMaxConnections)
	}
	if cfg.Servers[0].MaxBodySize != 1<<20 {
		t.Errorf("max body size = %d, want 1MiB", cfg.Servers[0].MaxBodySize)
	}
	route := cfg.Servers[0].Routes[0]
	if !route.AllowsMethod("GET") || !route.AllowsMethod("HEAD") {
		t.Errorf("default methods = %v, want GET/HEAD", route.Methods)
	}
	if route.RedirectStatus != 301 {
		t.Errorf("redirect status = %d, want 301", route.RedirectStatus)
	}
}

func TestLoadRejectsEmptyServers(t *testing.T) {
	path := writeTempConfig(t, "servers: []\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty servers list")
	}
}

func TestLoadRejectsRouteWithNoTarget(t *testing.T) {
	path := writeTempConfig(t, `
servers:
  - listen:
      - host: 0.0.0.0
        port: 8080
    routes:
      - prefix: /broken
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for route with no root/cgi/redirect")
	}
}

func TestEndpointsCollapseDuplicates(t *testing.T) {
	path := writeTempConfig(t, `
servers:
  - listen:
      - host: 0.0.0.0
        port: 8080
    server_name: [a.example]
    routes:
      - prefix: /
        root: /srv/a
  - listen:
      - host: 0.0.0.0
        port: 8080
    server_name: [b.example]
    routes:
      - prefix: /
        root: /srv/b
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	eps := cfg.Endpoints()
	if len(eps) != 1 {
		t.Fatalf("expected 1 collapsed endpoint, got %d", len(eps))
	}
	blocks := cfg.BlocksFor(eps[0].String())
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks sharing the endpoint, got %d", len(blocks))
	}
}
