package api

import (
	"net/http"
	"time"

	"github.com/mediaops/mediaops/internal/config"
	"github.com/mediaops/mediaops/internal/monitor"
	"github.com/mediaops/mediaops/pkg/errors"
)

func (s *Server) handlePerfDashboard(w http.ResponseWriter, r *http.Request) {
	timeRange := queryDuration(r, "timeRange", time.Hour)
	body := map[string]interface{}{
		"state":      string(s.perf.State()),
		"history":    s.perf.History(timeRange),
		"alerts":     s.perf.Alerts(10, ""),
		"thresholds": thresholdsBody(s.perf.Thresholds()),
		"timeRange":  timeRange.String(),
	}
	if snap, ok := s.perf.Current(); ok {
		body["current"] = snap
	}
	s.respond(w, http.StatusOK, true, body)
}

func (s *Server) handleMetricsCurrent(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.perf.Current()
	if !ok {
		s.respondError(w, errors.New(errors.ErrCodeObjectNotFound, "no snapshots collected yet").
			WithComponent("api"))
		return
	}
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"snapshot": snap,
	})
}

func (s *Server) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	timeRange := queryDuration(r, "timeRange", time.Hour)
	snaps := s.perf.History(timeRange)

	metric := r.URL.Query().Get("metric")
	if metric == "" {
		s.respond(w, http.StatusOK, true, map[string]interface{}{
			"snapshots": snaps,
			"count":     len(snaps),
			"timeRange": timeRange.String(),
		})
		return
	}

	type point struct {
		Timestamp time.Time `json:"timestamp"`
		Value     float64   `json:"value"`
	}
	series := make([]point, 0, len(snaps))
	for _, snap := range snaps {
		var v float64
		switch metric {
		case "upload_latency_p95":
			v = snap.UploadLatencyP95.Seconds()
		case "cdn_latency_p95":
			v = snap.CDNLatencyP95.Seconds()
		case "cache_hit_ratio":
			v = snap.CacheHitRatio
		case "error_rate":
			v = snap.ErrorRate
		default:
			s.respondError(w, errors.New(errors.ErrCodeInvalidArgument, "unknown metric").
				WithContext("metric", metric))
			return
		}
		series = append(series, point{Timestamp: snap.Timestamp, Value: v})
	}
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"metric":    metric,
		"series":    series,
		"count":     len(series),
		"timeRange": timeRange.String(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	severity := monitor.Severity(r.URL.Query().Get("severity"))
	if severity != "" && severity != monitor.SeverityWarning && severity != monitor.SeverityCritical {
		s.respondError(w, errors.New(errors.ErrCodeInvalidArgument, "unknown severity").
			WithContext("severity", string(severity)))
		return
	}
	alerts := s.perf.Alerts(limit, severity)
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// thresholdsBody renders thresholds with explicit units.
func thresholdsBody(t config.Thresholds) map[string]interface{} {
	return map[string]interface{}{
		"uploadLatencyP95Ms": t.UploadLatencyP95.Milliseconds(),
		"cdnLatencyP95Ms":    t.CDNLatencyP95.Milliseconds(),
		"minCacheHitRatio":   t.MinCacheHitRatio,
		"maxErrorRate":       t.MaxErrorRate,
	}
}

func (s *Server) handleThresholdsGet(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"thresholds": thresholdsBody(s.perf.Thresholds()),
	})
}

type thresholdsRequest struct {
	UploadLatencyP95Ms *int64   `json:"uploadLatencyP95Ms"`
	CDNLatencyP95Ms    *int64   `json:"cdnLatencyP95Ms"`
	MinCacheHitRatio   *float64 `json:"minCacheHitRatio"`
	MaxErrorRate       *float64 `json:"maxErrorRate"`
}

// handleThresholdsUpdate patches only the fields present in the request.
func (s *Server) handleThresholdsUpdate(w http.ResponseWriter, r *http.Request) {
	var req thresholdsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	t := s.perf.Thresholds()
	if req.UploadLatencyP95Ms != nil {
		t.UploadLatencyP95 = time.Duration(*req.UploadLatencyP95Ms) * time.Millisecond
	}
	if req.CDNLatencyP95Ms != nil {
		t.CDNLatencyP95 = time.Duration(*req.CDNLatencyP95Ms) * time.Millisecond
	}
	if req.MinCacheHitRatio != nil {
		t.MinCacheHitRatio = *req.MinCacheHitRatio
	}
	if req.MaxErrorRate != nil {
		t.MaxErrorRate = *req.MaxErrorRate
	}
	if err := s.perf.UpdateThresholds(t); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"thresholds": thresholdsBody(t),
	})
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	snap := s.perf.Collect()
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"snapshot": snap,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	switch format {
	case "json":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="performance.json"`)
		if err := s.perf.ExportJSON(w); err != nil {
			s.logger.Error("export failed", "format", format, "error", err)
		}
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="performance.csv"`)
		if err := s.perf.ExportCSV(w); err != nil {
			s.logger.Error("export failed", "format", format, "error", err)
		}
	default:
		s.respondError(w, errors.New(errors.ErrCodeInvalidArgument, "format must be json or csv").
			WithContext("format", format))
	}
}

func (s *Server) handlePerfHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"monitor": s.perf.Health(),
	})
}

func (s *Server) handlePerfStart(w http.ResponseWriter, r *http.Request) {
	if err := s.perf.Start(); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"state": string(s.perf.State()),
	})
}

func (s *Server) handlePerfStop(w http.ResponseWriter, r *http.Request) {
	s.perf.Stop()
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"state": string(s.perf.State()),
	})
}

func queryDuration(r *http.Request, name string, def time.Duration) time.Duration {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
