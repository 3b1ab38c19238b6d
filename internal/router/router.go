// Package router selects a (ServerBlock, Route) pair for an incoming
// request, generalizing the teacher's per-segment radix tree
// (server/router/radix.go) into the spec's virtual-host + longest-prefix
// algorithm (spec §4.5). Route counts per server block are small, so a flat
// slice scanned linearly — the teacher's own preference for cache-local flat
// arrays over pointer-chasing trees — beats a real trie here.
package router

import (
	"sort"
	"strings"

	"github.com/kfcemployee/goserver/internal/config"
)

// Outcome is the result of Select: either a route to dispatch to, or a
// terminal status the caller should answer with directly.
type Outcome struct {
	Block *config.ServerBlock
	Route *config.Route

	NotFound     bool
	MethodNotAllowed bool
	AllowHeader  string
}

// Router holds, per listen endpoint, the server blocks bound to it in
// configuration order (first is the default server, spec §4.5 step 1) with
// each block's routes pre-sorted by descending prefix length so the first
// match scanned is the longest (spec §4.5 step 2, ties by configuration
// order preserved via a stable sort).
type Router struct {
	byEndpoint map[string][]*blockEntry
}

type blockEntry struct {
	block  *config.ServerBlock
	routes []*config.Route // sorted longest-prefix-first, stable
}

// New builds a Router from a validated ServerConfig.
func New(cfg *config.ServerConfig) *Router {
	r := &Router{byEndpoint: make(map[string][]*blockEntry)}

	for _, sb := range cfg.Servers {
		be := &blockEntry{block: sb, routes: append([]*config.Route(nil), sb.Routes...)}
		sort.SliceStable(be.routes, func(i, j int) bool {
			return len(be.routes[i].Prefix) > len(be.routes[j].Prefix)
		})
		for _, ep := range sb.Listen {
			key := ep.String()
			r.byEndpoint[key] = append(r.byEndpoint[key], be)
		}
	}
	return r
}

// Select picks the server block by endpoint + Host header (default server
// fallback, spec §4.5 step 1), then the longest-prefix route within it (step
// 2), then enforces the method allow-list (step 3).
func (r *Router) Select(endpoint, host, path, method string) Outcome {
	blocks := r.byEndpoint[endpoint]
	if len(blocks) == 0 {
		return Outcome{NotFound: true}
	}

	chosen := blocks[0] // default server for this endpoint
	for _, be := range blocks {
		if be.block.HasServerName(host) {
			chosen = be
			break
		}
	}

	route := matchRoute(chosen.routes, path)
	if route == nil {
		return Outcome{Block: chosen.block, NotFound: true}
	}

	if !route.AllowsMethod(method) {
		return Outcome{
			Block:            chosen.block,
			Route:            route,
			MethodNotAllowed: true,
			AllowHeader:      route.AllowHeader(),
		}
	}

	return Outcome{Block: chosen.block, Route: route}
}

// matchRoute returns the first (i.e. longest, since routes is pre-sorted)
// route whose prefix is a path-segment-respecting prefix of path.
func matchRoute(routes []*config.Route, path string) *config.Route {
	for _, rt := range routes {
		if prefixMatches(rt.Prefix, path) {
			return rt
		}
	}
	return nil
}

// prefixMatches reports whether prefix is a prefix of path ending on a
// segment boundary — "/api" matches "/api" and "/api/v1" but not "/apiary".
func prefixMatches(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(prefix) == len(path) {
		return true
	}
	if prefix == "/" {
		return true
	}
	rest := path[len(prefix):]
	return rest[0] == '/'
}

// StripPrefix removes route's prefix from path, leaving the remainder to be
// appended to the route's document root (spec §4.5 "path resolution").
func StripPrefix(route *config.Route, path string) string {
	rem := strings.TrimPrefix(path, route.Prefix)
	if rem == "" {
		return "/"
	}
	return rem
}
