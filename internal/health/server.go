// Package health serves liveness, readiness and metrics over HTTP.
package health

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/healthz"

	"github.com/nais/hahaha/internal/logging"
)

// Defaults.
const (
	DefaultAddr         = ":8999"
	DefaultPingTimeout  = time.Second
	readHeaderTimeout   = 10 * time.Second
	shutdownGracePeriod = 5 * time.Second
)

// Pinger answers when the component it guards is not deadlocked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Leader reports leadership.
type Leader interface {
	IsLeader() bool
}

// Syncer reports whether the initial list has completed.
type Syncer interface {
	HasSynced() bool
}

// Config configures a Server.
type Config struct {
	Addr string

	// Liveness is pinged by /healthz within PingTimeout.
	Liveness    Pinger
	PingTimeout time.Duration

	// /readyz passes only while Leader leads and Synced has synced.
	Leader Leader
	Synced Syncer

	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the health and metrics endpoint.
type Server struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger

	listening chan struct{}
	boundAddr net.Addr
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}

	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		addr:      cfg.Addr,
		handler:   newMux(cfg),
		logger:    logging.Module(cfg.Logger, "health"),
		listening: make(chan struct{}),
	}
}

func newMux(cfg Config) *http.ServeMux {
	mux := http.NewServeMux()

	live := &healthz.Handler{Checks: map[string]healthz.Checker{
		"ping":  healthz.Ping,
		"queue": pingCheck(cfg.Liveness, cfg.PingTimeout),
	}}

	ready := &healthz.Handler{Checks: map[string]healthz.Checker{
		"leader": leaderCheck(cfg.Leader),
		"cache":  syncedCheck(cfg.Synced),
	}}

	handle(mux, "/healthz", live)
	handle(mux, "/readyz", ready)
	mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	return mux
}

// handle mounts a healthz handler so that both /path and /path/<check> work.
func handle(mux *http.ServeMux, path string, handler http.Handler) {
	mux.Handle(path, http.StripPrefix(path, handler))
	mux.Handle(path+"/", http.StripPrefix(path, handler))
}

func pingCheck(pinger Pinger, timeout time.Duration) healthz.Checker {
	return func(req *http.Request) error {
		if pinger == nil {
			return nil
		}

		ctx, cancel := context.WithTimeout(req.Context(), timeout)
		defer cancel()

		return errors.Wrap(pinger.Ping(ctx), "queue is unresponsive")
	}
}

//nolint:wrapcheck // errors.New creates new errors
func leaderCheck(leader Leader) healthz.Checker {
	return func(*http.Request) error {
		if leader == nil || !leader.IsLeader() {
			return errors.New("not the leader")
		}

		return nil
	}
}

//nolint:wrapcheck // errors.New creates new errors
func syncedCheck(syncer Syncer) healthz.Checker {
	return func(*http.Request) error {
		if syncer == nil || !syncer.HasSynced() {
			return errors.New("cache has not synced")
		}

		return nil
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the bound address once Run is listening.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.listening:
		return s.boundAddr, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "health server is not listening")
	}
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.addr)
	}

	s.boundAddr = listener.Addr()
	close(s.listening)

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- server.Serve(listener)
	}()

	s.logger.Info("serving health endpoints", "addr", s.boundAddr.String())

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return errors.Wrap(err, "health server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGracePeriod)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down health server")
	}

	return nil
}
