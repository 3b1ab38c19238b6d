package conn

import (
	"testing"

	"github.com/kfcemployee/goserver/internal/config"
)

func emptyConfig() *config.ServerConfig {
	return &config.ServerConfig{}
}

func TestSplitEndpointPort(t *testing.T) {
	host, port, err := splitEndpointPort("0.0.0.0:8080")
	if err != nil {
		t.Fatalf("splitEndpointPort: %v", err)
	}
	if host != "0.0.0.0" || port != "8080" {
		t.Errorf("host=%q port=%q, want 0.0.0.0/8080", host, port)
	}
}

func TestSplitEndpointPortIPv6(t *testing.T) {
	host, port, err := splitEndpointPort("[::1]:9090")
	if err != nil {
		t.Fatalf("splitEndpointPort: %v", err)
	}
	if host != "[::1]" || port != "9090" {
		t.Errorf("host=%q port=%q, want [::1]/9090", host, port)
	}
}

func TestSplitEndpointPortMissingPort(t *testing.T) {
	if _, _, err := splitEndpointPort("0.0.0.0"); err == nil {
		t.Fatal("expected error for endpoint with no port")
	}
}

func TestDefaultMaxBodyFallsBackWhenNoBlocks(t *testing.T) {
	got := defaultMaxBody(emptyConfig(), "127.0.0.1:8080")
	if got != 1<<20 {
		t.Errorf("default max body = %d, want 1MiB", got)
	}
}
