package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/flashbots/ledger-router/common"
	"github.com/flashbots/ledger-router/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// RouteRegistrar is implemented by the router and shard handlers.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// HTTPServerConfig configures a BaseServer.
type HTTPServerConfig struct {
	ListenAddr string
	// MetricsAddr is where /metrics is served. Empty disables it.
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	// DrainDuration is how long Shutdown reports not ready before it
	// stops accepting connections.
	DrainDuration time.Duration
	// GracefulShutdownDuration bounds the wait for in-flight requests.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ReadinessCheck, if set, is consulted by /readyz in addition to the
	// drain flag. A non-nil error is reported as not ready.
	ReadinessCheck func(ctx context.Context) error
}

// BaseServer serves component routes next to the operational endpoints.
type BaseServer struct {
	cfg      *HTTPServerConfig
	log      *slog.Logger
	draining atomic.Bool

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
}

// New builds the server; nothing listens until RunInBackground.
func New(cfg *HTTPServerConfig, routeRegistrars ...RouteRegistrar) (*BaseServer, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	srv := &BaseServer{cfg: cfg, log: log}

	if cfg.MetricsAddr != "" {
		metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
		if err != nil {
			return nil, err
		}
		srv.metricsSrv = metricsSrv
	}

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.routes(routeRegistrars),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

func (srv *BaseServer) routes(registrars []RouteRegistrar) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	for _, registrar := range registrars {
		registrar.RegisterRoutes(mux)
	}

	mux.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return httplogger.LoggingMiddlewareSlog(srv.log, next)
		})
		r.Get("/livez", srv.handleLivez)
		r.Get("/readyz", srv.handleReadyz)
		r.Get("/drain", srv.handleDrain)
		r.Get("/undrain", srv.handleUndrain)
	})

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func writeStatus(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (srv *BaseServer) handleLivez(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (srv *BaseServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if srv.draining.Load() {
		writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "draining"})
		return
	}
	if srv.cfg.ReadinessCheck != nil {
		if err := srv.cfg.ReadinessCheck(r.Context()); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": err.Error()})
			return
		}
	}
	writeStatus(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (srv *BaseServer) handleDrain(w http.ResponseWriter, r *http.Request) {
	if srv.draining.Swap(true) {
		writeStatus(w, http.StatusOK, map[string]string{"status": "already draining"})
		return
	}
	srv.log.Info("server draining")
	writeStatus(w, http.StatusOK, map[string]string{"status": "draining"})
}

func (srv *BaseServer) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if !srv.draining.Swap(false) {
		writeStatus(w, http.StatusOK, map[string]string{"status": "already ready"})
		return
	}
	srv.log.Info("server ready")
	writeStatus(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Handler returns the configured router, for use with httptest.
func (srv *BaseServer) Handler() http.Handler {
	return srv.srv.Handler
}

// RunInBackground starts the HTTP and metrics listeners.
func (srv *BaseServer) RunInBackground() {
	if srv.metricsSrv != nil {
		go func() {
			srv.log.Info("starting metrics server", "metricsAddress", srv.cfg.MetricsAddr)
			if err := srv.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("metrics server failed", "err", err)
			}
		}()
	}

	go func() {
		srv.log.Info("starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown reports not ready for DrainDuration, then stops both listeners.
func (srv *BaseServer) Shutdown() error {
	if !srv.draining.Swap(true) && srv.cfg.DrainDuration > 0 {
		srv.log.Info("draining before shutdown", "duration", srv.cfg.DrainDuration)
		time.Sleep(srv.cfg.DrainDuration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()

	err := srv.srv.Shutdown(ctx)
	if srv.metricsSrv != nil {
		err = multierr.Append(err, srv.metricsSrv.Shutdown(ctx))
	}
	if err != nil {
		srv.log.Error("graceful shutdown failed", "err", err)
		return err
	}
	srv.log.Info("HTTP server gracefully stopped")
	return nil
}
