package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/common"
	"github.com/ruteri/custody-switch/handover"
	"github.com/ruteri/custody-switch/interfaces"
	"github.com/ruteri/custody-switch/metrics"
	"github.com/ruteri/custody-switch/monitor"
	"go.uber.org/atomic"
)

type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// StatusService computes inactivity status and runs sweeps.
type StatusService interface {
	ComputeStatus(ctx context.Context, ownerID uuid.UUID) (*monitor.Status, error)
	Sweep(ctx context.Context) (*monitor.SweepReport, error)
}

// RetrievalService redeems retrieval grants presented by successors.
type RetrievalService interface {
	RedeemRetrievalGrant(ctx context.Context, token string) (*handover.Retrieval, error)
}

type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer

	status     StatusService
	retrievals RetrievalService
}

// New builds the operational server. retrievals may be nil, in which case
// the retrieval route is not mounted.
func New(cfg *HTTPServerConfig, status StatusService, retrievals RetrievalService) (srv *Server, err error) {
	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	srv = &Server{
		cfg:        cfg,
		log:        log,
		metricsSrv: metricsSrv,
		status:     status,
		retrievals: retrievals,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv, nil
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()

	mux.With(srv.httpLogger).Get("/internal/owners/{ownerID}/status", srv.handleOwnerStatus)
	mux.With(srv.httpLogger).Post("/internal/sweep", srv.handleSweep)
	if srv.retrievals != nil {
		mux.With(srv.httpLogger).Post("/api/retrievals", srv.handleRetrieval)
	}

	// Health and diagnostic endpoints
	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

// Handler exposes the router, mainly for tests.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleOwnerStatus(w http.ResponseWriter, r *http.Request) {
	ownerID, err := uuid.Parse(chi.URLParam(r, "ownerID"))
	if err != nil {
		http.Error(w, "invalid owner id", http.StatusBadRequest)
		return
	}

	status, err := srv.status.ComputeStatus(r.Context(), ownerID)
	if err != nil {
		srv.writeError(w, err, "Failed to compute owner status", slog.String("ownerID", ownerID.String()))
		return
	}
	srv.writeJSON(w, http.StatusOK, status)
}

// handleSweep is the external tick: schedulers call it instead of relying on
// the daemon's own interval.
func (srv *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := srv.status.Sweep(r.Context())
	if err != nil {
		srv.writeError(w, err, "Sweep failed")
		return
	}
	srv.writeJSON(w, http.StatusOK, report)
}

func (srv *Server) handleRetrieval(w http.ResponseWriter, r *http.Request) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		http.Error(w, "missing bearer grant", http.StatusUnauthorized)
		return
	}
	token := strings.TrimSpace(raw[len("Bearer "):])

	retrieval, err := srv.retrievals.RedeemRetrievalGrant(r.Context(), token)
	if errors.Is(err, interfaces.ErrValidation) {
		http.Error(w, "invalid grant", http.StatusUnauthorized)
		return
	}
	if err != nil {
		srv.writeError(w, err, "Failed to redeem retrieval grant")
		return
	}
	srv.writeJSON(w, http.StatusOK, retrieval)
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		srv.log.Error("Failed to encode response", "err", err)
	}
}

// writeError maps domain errors to status codes. Internal errors are logged
// and reported without detail.
func (srv *Server) writeError(w http.ResponseWriter, err error, msg string, attrs ...any) {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, interfaces.ErrConflict), errors.Is(err, interfaces.ErrLockHeld):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		srv.log.Error(msg, append(attrs, "err", err)...)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !srv.isReady.Swap(false) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}

	srv.log.Info("Server marked as not ready")

	go func() {
		// Give load balancers time to notice before shutdown proceeds.
		time.Sleep(srv.cfg.DrainDuration)
		srv.log.Info("Drain period completed")
	}()

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if srv.isReady.Swap(true) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}

	srv.log.Info("Server marked as ready")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) RunInBackground() {
	// metrics
	if srv.cfg.MetricsAddr != "" {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			err := srv.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("Metrics server failed", "err", err)
			}
		}()
	}

	// api
	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

func (srv *Server) Shutdown() {
	// api
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	// metrics
	if len(srv.cfg.MetricsAddr) != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()

		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}
