// Package api exposes the HTTP management surface for the rollback
// orchestrator and the performance monitor.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mediaops/mediaops/internal/config"
	"github.com/mediaops/mediaops/internal/invalidation"
	"github.com/mediaops/mediaops/internal/metrics"
	"github.com/mediaops/mediaops/internal/monitor"
	"github.com/mediaops/mediaops/internal/rollback"
	"github.com/mediaops/mediaops/internal/storage"
	"github.com/mediaops/mediaops/pkg/errors"
)

// Server wires the management endpoints to the service components.
type Server struct {
	cfg       *config.Configuration
	gateway   *storage.Gateway
	inv       *invalidation.Manager
	perf      *monitor.PerformanceMonitor
	triggers  *rollback.TriggerMonitor
	orch      *rollback.Orchestrator
	comms     *rollback.CommsLog
	collector *metrics.Collector
	logger    *slog.Logger
	startedAt time.Time
}

func NewServer(cfg *config.Configuration, gateway *storage.Gateway, inv *invalidation.Manager,
	perf *monitor.PerformanceMonitor, triggers *rollback.TriggerMonitor,
	orch *rollback.Orchestrator, comms *rollback.CommsLog, collector *metrics.Collector) *Server {
	return &Server{
		cfg:       cfg,
		gateway:   gateway,
		inv:       inv,
		perf:      perf,
		triggers:  triggers,
		orch:      orch,
		comms:     comms,
		collector: collector,
		logger:    slog.Default().With("component", "api"),
		startedAt: time.Now().UTC(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleServiceHealth)
	r.Get("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}).ServeHTTP)

	r.Post("/invalidate", s.handleInvalidate)
	r.Get("/invalidations", s.handleInvalidations)

	r.Route("/rollback", func(r chi.Router) {
		r.Get("/status", s.handleRollbackStatus)
		r.Post("/trigger", s.handleRollbackTrigger)
		r.Post("/monitoring/start", s.handleTriggerMonitorStart)
		r.Post("/monitoring/stop", s.handleTriggerMonitorStop)
		r.Get("/triggers", s.handleTriggers)
		r.Get("/timeline", s.handleTimeline)
		r.Get("/communications", s.handleCommunications)
		r.Post("/communicate", s.handleCommunicate)
		r.Get("/health", s.handleRollbackHealth)
		r.Get("/report", s.handleReport)
		r.Post("/test-trigger", s.handleTestTrigger)
		r.Get("/metrics", s.handleRollbackMetrics)
		r.Post("/validate", s.handleValidate)
		r.Get("/dashboard", s.handleRollbackDashboard)
	})

	r.Route("/performance", func(r chi.Router) {
		r.Get("/dashboard", s.handlePerfDashboard)
		r.Get("/metrics/current", s.handleMetricsCurrent)
		r.Get("/metrics/history", s.handleMetricsHistory)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/thresholds", s.handleThresholdsGet)
		r.Post("/thresholds", s.handleThresholdsUpdate)
		r.Post("/collect", s.handleCollect)
		r.Get("/export", s.handleExport)
		r.Get("/health", s.handlePerfHealth)
		r.Post("/start", s.handlePerfStart)
		r.Post("/stop", s.handlePerfStop)
	})

	return r
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Address,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("management api listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	storageOK := true
	var storageErr string
	if err := s.gateway.HealthCheck(ctx); err != nil {
		storageOK = false
		storageErr = err.Error()
	}

	cdnOK := true
	var cdnErr string
	if err := s.inv.HealthCheck(ctx); err != nil {
		cdnOK = false
		cdnErr = err.Error()
	}

	body := map[string]interface{}{
		"storage": map[string]interface{}{
			"ok":      storageOK,
			"breaker": s.gateway.BreakerState(),
		},
		"cdn": map[string]interface{}{
			"ok": cdnOK,
		},
		"monitors": map[string]interface{}{
			"performance": string(s.perf.State()),
			"triggers":    string(s.triggers.State()),
		},
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}
	if !storageOK {
		body["storage"].(map[string]interface{})["error"] = storageErr
	}
	if !cdnOK {
		body["cdn"].(map[string]interface{})["error"] = cdnErr
	}
	if !storageOK || !cdnOK {
		s.respond(w, http.StatusServiceUnavailable, false, body)
		return
	}
	s.respond(w, http.StatusOK, true, body)
}

// respond writes the standard envelope. Every payload carries success and
// timestamp at the top level.
func (s *Server) respond(w http.ResponseWriter, status int, success bool, body map[string]interface{}) {
	if body == nil {
		body = map[string]interface{}{}
	}
	body["success"] = success
	body["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

// respondError maps classified errors onto their HTTP status and the error
// body shape.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]interface{}{
		"error": err.Error(),
	}
	var classified *errors.Error
	if stderrors.As(err, &classified) {
		status = classified.HTTPStatus
		body["error"] = classified.Message
		if len(classified.Details) > 0 {
			body["details"] = classified.Details
		}
		if hint := classified.Recommendation(); hint != "" {
			body["hint"] = hint
		}
	}
	s.respond(w, status, false, body)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New(errors.ErrCodeMalformedRequest, "invalid JSON request body").
			WithCause(err)
	}
	return nil
}
