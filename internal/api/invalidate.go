package api

import (
	"net/http"
	"strings"

	"github.com/mediaops/mediaops/internal/invalidation"
	"github.com/mediaops/mediaops/pkg/errors"
)

type invalidateRequest struct {
	Paths []string `json:"paths"`
	Keys  []string `json:"keys"`
}

// handleInvalidate submits a cache purge. JSON bodies carry explicit paths
// or object keys; a text/plain body is parsed as a paths file, one pattern
// per line.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var paths []string

	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/plain") {
		parsed, err := invalidation.ParsePathsFile(r.Body)
		r.Body.Close()
		if err != nil {
			s.respondError(w, err)
			return
		}
		paths = parsed
	} else {
		var req invalidateRequest
		if err := decodeJSON(r, &req); err != nil {
			s.respondError(w, err)
			return
		}
		if len(req.Paths) > 0 && len(req.Keys) > 0 {
			s.respondError(w, errors.New(errors.ErrCodeInvalidArgument,
				"provide either paths or keys, not both"))
			return
		}
		if len(req.Keys) > 0 {
			for _, k := range req.Keys {
				paths = append(paths, invalidation.PathForKey(k))
			}
		} else {
			paths = req.Paths
		}
	}

	batch, err := s.inv.Invalidate(r.Context(), paths)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, true, map[string]interface{}{
		"batch": batch,
	})
}

func (s *Server) handleInvalidations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	batches := s.inv.History(limit)
	s.respond(w, http.StatusOK, true, map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
	})
}
