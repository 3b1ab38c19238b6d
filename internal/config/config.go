// Package config decodes and validates the server's YAML configuration into
// an immutable ServerConfig tree. Parsing itself carries no server logic: it
// hands the event loop a tree of plain structs and nothing else.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Endpoint is a (host, port) listen pair.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Route is one `route PREFIX { ... }` block.
type Route struct {
	Prefix           string   `yaml:"prefix"`
	Methods          []string `yaml:"methods"`
	Root             string   `yaml:"root"`
	Index            []string `yaml:"index"`
	DirectoryListing bool     `yaml:"directory_listing"`
	CGI              string   `yaml:"cgi"`
	UploadEnabled    bool     `yaml:"upload_enabled"`
	Redirect         string   `yaml:"redirect"`
	RedirectStatus   int      `yaml:"redirect_status"`

	methodSet map[string]struct{}
}

// AllowsMethod reports whether m is in the route's allow-list.
func (r *Route) AllowsMethod(m string) bool {
	if r.methodSet != nil {
		_, ok := r.methodSet[m]
		return ok
	}
	for _, allowed := range r.Methods {
		if strings.EqualFold(allowed, m) {
			return true
		}
	}
	return false
}

// AllowHeader renders the Allow: header value for a 405 response.
func (r *Route) AllowHeader() string {
	return strings.Join(r.Methods, ", ")
}

// ServerBlock is one `server { ... }` block.
type ServerBlock struct {
	Listen        []Endpoint        `yaml:"listen"`
	ServerNames   []string          `yaml:"server_name"`
	MaxBodySize   int64             `yaml:"max_body_size"`
	ErrorPages    map[int]string    `yaml:"error_pages"`
	Routes        []*Route          `yaml:"routes"`
	SessionCookie string            `yaml:"session_cookie"`
}

// HasServerName reports whether name (port-stripped, case-insensitive)
// matches one of the block's configured server names.
func (b *ServerBlock) HasServerName(name string) bool {
	host := name
	if h, _, err := net.SplitHostPort(name); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	for _, n := range b.ServerNames {
		if strings.ToLower(n) == host {
			return true
		}
	}
	return false
}

// ServerConfig is the immutable, validated configuration tree handed to the
// router and event loop. Nothing in this package ever mutates a ServerConfig
// after Load returns.
type ServerConfig struct {
	Servers []*ServerBlock `yaml:"servers"`

	IdleTimeoutSeconds   int `yaml:"idle_timeout_seconds"`
	HeaderTimeoutSeconds int `yaml:"header_timeout_seconds"`
	WriteStallSeconds    int `yaml:"write_stall_seconds"`
	CGITimeoutSeconds    int `yaml:"cgi_timeout_seconds"`
	MaxConnections       int `yaml:"max_connections"`
	MaxCGIChildren       int `yaml:"max_cgi_children"`

	// MetricsAddr is the loopback-only address the Prometheus /metrics
	// endpoint binds to; empty disables it. Not part of spec.md's core but
	// carried as ambient observability (SPEC_FULL's "ambient stack
	// regardless of Non-goals" rule).
	MetricsAddr string `yaml:"metrics_addr"`

	// ShutdownGraceSeconds bounds how long Run waits for in-flight
	// responses to flush after a shutdown signal (spec §4.2).
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

const (
	defaultIdleTimeoutSeconds   = 60
	defaultHeaderTimeoutSeconds = 10
	defaultWriteStallSeconds    = 30
	defaultCGITimeoutSeconds    = 30
	defaultMaxConnections       = 1024
	defaultMaxCGIChildren       = 64
	defaultMetricsAddr          = "127.0.0.1:9090"
	defaultShutdownGraceSeconds = 5
)

// Load reads, decodes, and validates the configuration file at path.
// Any error is treated as fatal by the caller (cmd/goserver exits 1).
func Load(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding config %q", path)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, errors.Wrapf(err, "validating config %q", path)
	}

	return &cfg, nil
}

func applyDefaults(cfg *ServerConfig) {
	if cfg.IdleTimeoutSeconds == 0 {
		cfg.IdleTimeoutSeconds = defaultIdleTimeoutSeconds
	}
	if cfg.HeaderTimeoutSeconds == 0 {
		cfg.HeaderTimeoutSeconds = defaultHeaderTimeoutSeconds
	}
	if cfg.WriteStallSeconds == 0 {
		cfg.WriteStallSeconds = defaultWriteStallSeconds
	}
	if cfg.CGITimeoutSeconds == 0 {
		cfg.CGITimeoutSeconds = defaultCGITimeoutSeconds
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.MaxCGIChildren == 0 {
		cfg.MaxCGIChildren = defaultMaxCGIChildren
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = defaultMetricsAddr
	}
	if cfg.ShutdownGraceSeconds == 0 {
		cfg.ShutdownGraceSeconds = defaultShutdownGraceSeconds
	}

	for _, sb := range cfg.Servers {
		if sb.MaxBodySize == 0 {
			sb.MaxBodySize = 1 << 20 // 1 MiB
		}
		for _, r := range sb.Routes {
			if len(r.Methods) == 0 {
				r.Methods = []string{"GET", "HEAD"}
			}
			if r.RedirectStatus == 0 {
				r.RedirectStatus = 301
			}
			r.methodSet = make(map[string]struct{}, len(r.Methods))
			for _, m := range r.Methods {
				r.methodSet[strings.ToUpper(m)] = struct{}{}
			}
		}
	}
}

// validate rejects the whole tree on the first error found. This repo
// standardizes on fatal-at-startup configuration errors (spec §9 Open
// Question: the tolerant "drop bad blocks" variant is not implemented).
func validate(cfg *ServerConfig) error {
	if len(cfg.Servers) == 0 {
		return errors.New("no server blocks configured")
	}

	seen := make(map[string]bool)
	for i, sb := range cfg.Servers {
		if len(sb.Listen) == 0 {
			return errors.Newf("server block %d: no listen endpoints", i)
		}
		for _, ep := range sb.Listen {
			seen[ep.String()] = true
		}
		for j, r := range sb.Routes {
			if r.Prefix == "" || r.Prefix[0] != '/' {
				return errors.Newf("server block %d route %d: prefix must start with /", i, j)
			}
			if r.Redirect == "" && r.CGI == "" && r.Root == "" {
				return errors.Newf("server block %d route %d: must set root, cgi, or redirect", i, j)
			}
		}
	}
	return nil
}

// Endpoints returns the set of distinct listen endpoints across all server
// blocks; duplicate (host, port) pairs collapse to a single listener, to be
// disambiguated later by Host header (spec §4.1).
func (cfg *ServerConfig) Endpoints() []Endpoint {
	seen := make(map[string]bool)
	var out []Endpoint
	for _, sb := range cfg.Servers {
		for _, ep := range sb.Listen {
			key := ep.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, ep)
		}
	}
	return out
}

// BlocksFor returns the server blocks bound to endpoint, in configuration
// order; the first one is the default server for that endpoint (spec §4.5).
func (cfg *ServerConfig) BlocksFor(endpoint string) []*ServerBlock {
	var out []*ServerBlock
	for _, sb := range cfg.Servers {
		for _, ep := range sb.Listen {
			if ep.String() == endpoint {
				out = append(out, sb)
				break
			}
		}
	}
	return out
}

// String renders a human-readable summary, used by `-dump-config`.
func (cfg *ServerConfig) String() string {
	var b strings.Builder
	for _, sb := range cfg.Servers {
		fmt.Fprintf(&b, "server %v names=%v routes=%d\n", sb.Listen, sb.ServerNames, len(sb.Routes))
	}
	return b.String()
}
