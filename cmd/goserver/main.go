// Command goserver runs the single-process, event-driven HTTP/1.1 origin
// server: flag parsing, configuration loading, logger setup, and signal
// handling live here; everything else is internal/.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goyaml "github.com/goccy/go-yaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/kfcemployee/goserver/internal/cgi"
	"github.com/kfcemployee/goserver/internal/config"
	"github.com/kfcemployee/goserver/internal/conn"
	"github.com/kfcemployee/goserver/internal/engine"
	"github.com/kfcemployee/goserver/internal/metrics"
	"github.com/kfcemployee/goserver/internal/respond"
	"github.com/kfcemployee/goserver/internal/router"
	"github.com/kfcemployee/goserver/internal/session"
)

const serverSoftware = "goserver/1.0"

func main() {
	os.Exit(run())
}

func run() int {
	dumpConfig := flag.Bool("dump-config", false, "decode and re-marshal the config file, then exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-dump-config] <config-file>\n", os.Args[0])
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return 1
	}

	cfg, err := config.Load(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "goserver: %v\n", err)
		return 1
	}

	if *dumpConfig {
		// Re-marshal through the pack's second YAML engine (goccy/go-yaml):
		// yaml.v3 decoded the grammar, goccy re-renders it for an operator
		// diffing a merge of defaults against what they wrote.
		out, err := goyaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "goserver: dump-config: %v\n", err)
			return 1
		}
		os.Stdout.Write(out)
		return 0
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	return serve(cfg, log)
}

func serve(cfg *config.ServerConfig, log zerolog.Logger) int {
	registry := prometheus.NewRegistry()
	metrics.Register(registry)
	metricsSrv := startMetricsServer(cfg.MetricsAddr, registry, log)
	defer func() {
		if metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			metricsSrv.Shutdown(ctx)
		}
	}()

	rt := router.New(cfg)
	pipeline := respond.New(log, serverSoftware)
	sessions := session.NewStore()

	deps := &conn.Deps{
		Log:            log,
		Config:         cfg,
		Router:         rt,
		Pipeline:       pipeline,
		Sessions:       sessions,
		ServerSoftware: serverSoftware,
	}

	var loop *engine.Loop
	onAccept := func(fd int, endpoint string) {
		if loop.NumHandlers() >= cfg.MaxConnections {
			rejectOverCapacity(fd)
			return
		}
		conn.New(fd, endpoint, peerAddr(fd), loop, deps)
	}

	loop, err := engine.New(log, onAccept)
	if err != nil {
		log.Error().Err(err).Msg("creating event loop")
		return 2
	}

	acceptLimiter := rate.NewLimiter(rate.Limit(cfg.MaxConnections), cfg.MaxConnections)
	for _, ep := range cfg.Endpoints() {
		ln, err := engine.Bind(ep.Host, ep.Port)
		if err != nil {
			log.Error().Err(err).Str("endpoint", ep.String()).Msg("bind failed")
			return 2
		}
		ln.AcceptLimiter = acceptLimiter
		loop.AddListener(ln)
		log.Info().Str("endpoint", ep.String()).Msg("listening")
	}

	loop.AddSweepable(sessionSweeper{sessions})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received, draining")
		loop.RequestShutdown()
	}()

	grace := time.Duration(cfg.ShutdownGraceSeconds) * time.Second
	if err := loop.Run(grace); err != nil {
		log.Error().Err(err).Msg("event loop exited with error")
		return 2
	}

	log.Info().
		Int64("cgi_children_still_active", cgi.ActiveChildren()).
		Msg("shutdown complete")
	return 0
}

// sessionSweeper adapts session.Store to engine.Sweepable: the session map
// never needs removing from the sweep set, so Sweep always returns false
// (spec §4.8: "expired entries are removed by a periodic sweep from the
// event loop").
type sessionSweeper struct{ store *session.Store }

func (s sessionSweeper) Sweep(now time.Time, l *engine.Loop) bool {
	s.store.Sweep()
	return false
}

func startMetricsServer(addr string, reg *prometheus.Registry, log zerolog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	return srv
}

// rejectOverCapacity answers a best-effort 503 directly on a just-accepted
// fd and closes it, for the case where spec §5's max-connections cap is
// already hit: there's no Connection/event-loop registration for this
// socket at all, so the normal response pipeline never runs.
func rejectOverCapacity(fd int) {
	const body = "<html><body><h1>503 Service Unavailable</h1></body></html>"
	resp := fmt.Sprintf("HTTP/1.1 503 Service Unavailable\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body)
	unix.Write(fd, []byte(resp))
	unix.Close(fd)
}

func peerAddr(fd int) string {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return ""
	}
	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d:%d", inet4.Addr[0], inet4.Addr[1], inet4.Addr[2], inet4.Addr[3], inet4.Port)
}
