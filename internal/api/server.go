// SPDX-License-Identifier: MIT

// Package api exposes the HTTP surface: health, readiness, Prometheus
// metrics and the WebSocket endpoint clients subscribe on.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pitwall-hq/pitwall/internal/broadcast"
	"github.com/pitwall-hq/pitwall/internal/log"
	"github.com/pitwall-hq/pitwall/internal/persist"
	"github.com/pitwall-hq/pitwall/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second

	// defaultWSRatePerMinute bounds WebSocket upgrades per client IP.
	defaultWSRatePerMinute = 30
)

// ReplayController starts and stops playback of stored sessions.
type ReplayController interface {
	Start(ctx context.Context, sessionKey int64, speed float64) error
	Stop()
}

// Config wires the server's collaborators.
type Config struct {
	Host  string
	Port  int
	Hub   *broadcast.Hub
	Store persist.Store

	// Replay is optional; without it the replay routes return 404.
	Replay ReplayController

	// WSRatePerMinute overrides the per-IP upgrade budget.
	WSRatePerMinute int
}

// Server is the HTTP front end.
type Server struct {
	cfg    Config
	logger zerolog.Logger
}

// New validates the config.
func New(cfg Config) (*Server, error) {
	if cfg.Hub == nil {
		return nil, errors.New("api: Hub is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("api: Store is required")
	}
	if cfg.WSRatePerMinute <= 0 {
		cfg.WSRatePerMinute = defaultWSRatePerMinute
	}
	return &Server{cfg: cfg, logger: log.WithComponent("api")}, nil
}

// Run serves until ctx is done, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(s.router(), "pitwall-api"),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.With(httprate.LimitByIP(s.cfg.WSRatePerMinute, time.Minute)).
		Get("/ws", s.cfg.Hub.ServeWS)

	if s.cfg.Replay != nil {
		r.Post("/replay/{sessionKey}", s.handleReplayStart)
		r.Delete("/replay", s.handleReplayStop)
	}

	return r
}

func (s *Server) handleReplayStart(w http.ResponseWriter, r *http.Request) {
	key, err := strconv.ParseInt(chi.URLParam(r, "sessionKey"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session key"})
		return
	}
	speed := 0.0
	if v := r.URL.Query().Get("speed"); v != "" {
		speed, err = strconv.ParseFloat(v, 64)
		if err != nil || speed <= 0 || speed > 64 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid speed"})
			return
		}
	}
	if err := s.cfg.Replay.Start(context.Background(), key, speed); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, persist.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"sessionKey": key})
}

func (s *Server) handleReplayStop(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Replay.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// handleReadyz reflects store connectivity: a pod that cannot persist
// should not take traffic.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.cfg.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"clients": s.cfg.Hub.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
