package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/c360studio/docflow/run"
	"github.com/c360studio/docflow/storage"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := requestIdentity(r)
	f := run.Filter{}
	q := r.URL.Query()
	for _, v := range splitParam(q.Get("run_type")) {
		f.Types = append(f.Types, run.Type(v))
	}
	for _, v := range splitParam(q.Get("status")) {
		f.Statuses = append(f.Statuses, run.Status(v))
	}
	for _, v := range splitParam(q.Get("origin")) {
		f.Origins = append(f.Origins, run.Origin(v))
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit"), 100); err != nil {
		s.clientError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		s.clientError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	runs, err := s.runs.List(r.Context(), id.OrganizationID, f)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := requestIdentity(r)
	got, err := s.runs.Get(r.Context(), id.OrganizationID, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, run.ErrTenantViolation) {
			s.clientError(w, http.StatusNotFound, "run not found")
			return
		}
		s.serverError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, got)
}

// handleRunStats aggregates the tenant's runs by status and type, counts the
// last 24 hours, and reports per-queue depths.
func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	id := requestIdentity(r)
	runs, err := s.runs.List(r.Context(), id.OrganizationID, run.Filter{})
	if err != nil {
		s.serverError(w, r, err)
		return
	}

	byStatus := make(map[string]int)
	byType := make(map[string]int)
	last24h := 0
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	for _, rr := range runs {
		byStatus[string(rr.Status)]++
		byType[string(rr.RunType)]++
		if rr.CreatedAt.After(cutoff) {
			last24h++
		}
	}

	queueDepths := make(map[string]int)
	for _, def := range s.registry.List() {
		depth := 0
		for _, rr := range runs {
			if rr.Status != run.StatusPending {
				continue
			}
			for _, rt := range def.RunTypes {
				if rr.RunType == rt {
					depth++
					break
				}
			}
		}
		queueDepths[def.Type] = depth
	}

	s.respond(w, http.StatusOK, map[string]any{
		"total":        len(runs),
		"by_status":    byStatus,
		"by_type":      byType,
		"last_24h":     last24h,
		"queue_depths": queueDepths,
	})
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
