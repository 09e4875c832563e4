package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mediaops/mediaops/internal/rollback"
	"github.com/mediaops/mediaops/pkg/errors"
)

func (s *Server) handleRollbackStatus(w http.ResponseWriter, r *http.Request) {
	exec := s.orch.Status()
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"execution": exec,
		"active":    exec.Status != rollback.ExecIdle && !terminalStatus(exec.Status),
	})
}

func terminalStatus(st rollback.ExecStatus) bool {
	switch st {
	case rollback.ExecCompleted, rollback.ExecFailed, rollback.ExecUnconfirmed:
		return true
	}
	return false
}

func (s *Server) handleRollbackTrigger(w http.ResponseWriter, r *http.Request) {
	var req rollback.TriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	exec, err := s.orch.TriggerManual(r.Context(), req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.logger.Info("manual rollback accepted",
		"execution", exec.ID, "initiated_by", exec.InitiatedBy, "urgent", exec.Urgent)
	s.respond(w, http.StatusAccepted, true, map[string]interface{}{
		"execution": exec,
	})
}

func (s *Server) handleTriggerMonitorStart(w http.ResponseWriter, r *http.Request) {
	if err := s.triggers.Start(); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"state": string(s.triggers.State()),
	})
}

func (s *Server) handleTriggerMonitorStop(w http.ResponseWriter, r *http.Request) {
	s.triggers.Stop()
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"state": string(s.triggers.State()),
	})
}

func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"triggers": s.triggers.Triggers(),
		"active":   s.triggers.ActiveTriggers(),
	})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"timeline": s.orch.Timeline(),
	})
}

func (s *Server) handleCommunications(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	items, total, hasMore := s.comms.List(limit, offset)
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"communications": items,
		"total":          total,
		"hasMore":        hasMore,
		"limit":          limit,
		"offset":         offset,
	})
}

type communicateRequest struct {
	Type     string   `json:"type"`
	Message  string   `json:"message"`
	Priority string   `json:"priority"`
	Channels []string `json:"channels"`
	Sender   string   `json:"sender"`
}

func (s *Server) handleCommunicate(w http.ResponseWriter, r *http.Request) {
	var req communicateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if req.Message == "" {
		s.respondError(w, errors.New(errors.ErrCodeInvalidArgument, "message is required"))
		return
	}
	sender := req.Sender
	if sender == "" {
		sender = "api"
	}
	c := s.comms.Record(r.Context(), rollback.Communication{
		Type:     rollback.CommType(req.Type),
		Message:  req.Message,
		Priority: req.Priority,
		Channels: req.Channels,
		Sender:   sender,
	})
	s.respond(w, http.StatusCreated, true, map[string]interface{}{
		"communication": c,
	})
}

func (s *Server) handleRollbackHealth(w http.ResponseWriter, r *http.Request) {
	exec := s.orch.Status()
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"monitorState":   string(s.triggers.State()),
		"activeTriggers": len(s.triggers.ActiveTriggers()),
		"execution":      string(exec.Status),
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	history := s.orch.History()
	counts := map[rollback.ExecStatus]int{}
	for _, e := range history {
		counts[e.Status]++
	}
	_, totalComms, _ := s.comms.List(1, 0)

	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"report": map[string]interface{}{
			"executions": map[string]interface{}{
				"total":       len(history),
				"completed":   counts[rollback.ExecCompleted],
				"failed":      counts[rollback.ExecFailed],
				"unconfirmed": counts[rollback.ExecUnconfirmed],
			},
			"triggers":       len(s.triggers.Triggers()),
			"communications": totalComms,
			"limits": map[string]interface{}{
				"maxFileSize":        humanize.Bytes(uint64(s.cfg.Storage.MaxFileSize)),
				"maxFilesPerRequest": s.cfg.Storage.MaxFilesPerRequest,
				"pathsPerBatch":      s.cfg.CDN.PathsPerBatch,
			},
			"uptime": time.Since(s.startedAt).Round(time.Second).String(),
		},
	})
}

func (s *Server) handleTestTrigger(w http.ResponseWriter, r *http.Request) {
	rows := s.triggers.Evaluate()
	s.comms.Record(r.Context(), rollback.Communication{
		Type:    rollback.CommUpdate,
		Message: "trigger evaluation requested",
		Sender:  "api",
	})
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"evaluation": rows,
	})
}

func (s *Server) handleRollbackMetrics(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.perf.Current()
	body := map[string]interface{}{
		"evaluation": s.triggers.Evaluate(),
	}
	if ok {
		body["snapshot"] = snap
	}
	s.respond(w, http.StatusOK, true, body)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Validate(r.Context()); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"ready": true,
	})
}

func (s *Server) handleRollbackDashboard(w http.ResponseWriter, r *http.Request) {
	recent, total, _ := s.comms.List(10, 0)
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"execution":            s.orch.Status(),
		"activeTriggers":       s.triggers.ActiveTriggers(),
		"monitorState":         string(s.triggers.State()),
		"recentCommunications": recent,
		"totalCommunications":  total,
	})
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
