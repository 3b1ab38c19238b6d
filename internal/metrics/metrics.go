// Package metrics exposes the Prometheus counters that make spec §8's
// testable properties observable from outside the process: connection and
// request lifecycle, CGI child lifecycle, and timeout firings. Grounded on
// progressdb/server's prometheus/client_golang usage (internal metrics
// registry wired into an HTTP handler), generalized from a database's
// query/cache counters to this server's connection/CGI counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "goserver",
		Name:      "connections_accepted_total",
		Help:      "Total client connections accepted across all listeners.",
	})
	ConnectionsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "goserver",
		Name:      "connections_closed_total",
		Help:      "Total client connections closed, for any reason.",
	})
	RequestsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goserver",
		Name:      "requests_handled_total",
		Help:      "Total requests fully parsed and dispatched, labeled by status class.",
	}, []string{"status_class"})
	CGIChildrenSpawned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "goserver",
		Name:      "cgi_children_spawned_total",
		Help:      "Total CGI child processes started.",
	})
	CGIChildrenReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "goserver",
		Name:      "cgi_children_reaped_total",
		Help:      "Total CGI child processes successfully wait4'd.",
	})
	TimeoutsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goserver",
		Name:      "timeouts_fired_total",
		Help:      "Total timeout-driven closures, labeled by kind (idle, header, write_stall, cgi).",
	}, []string{"kind"})
	PipelinedReparses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "goserver",
		Name:      "pipelined_reparses_total",
		Help:      "Total times a keep-alive connection parsed an already-buffered next request without waiting for a new readable event.",
	})
)

// Register adds every collector in this package to reg. Called once at
// startup from cmd/goserver.
func Register(reg *prometheus.Registry) {
	reg.MustRegister(ConnectionsAccepted, ConnectionsClosed, RequestsHandled,
		CGIChildrenSpawned, CGIChildrenReaped, TimeoutsFired, PipelinedReparses)
}
