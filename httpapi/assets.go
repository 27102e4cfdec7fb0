package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/c360studio/docflow/asset"
	"github.com/c360studio/docflow/run"
	"github.com/c360studio/docflow/storage"
)

// loadAsset fetches an asset and enforces tenant isolation: another
// tenant's asset is indistinguishable from a missing one.
func (s *Server) loadAsset(w http.ResponseWriter, r *http.Request) (*asset.Asset, bool) {
	id := requestIdentity(r)
	a, err := s.assets.GetAsset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.clientError(w, http.StatusNotFound, "asset not found")
		} else {
			s.serverError(w, r, err)
		}
		return nil, false
	}
	if a.OrganizationID != id.OrganizationID {
		s.clientError(w, http.StatusNotFound, "asset not found")
		return nil, false
	}
	return a, true
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	id := requestIdentity(r)
	f := asset.Filter{}
	q := r.URL.Query()
	for _, v := range splitParam(q.Get("source_type")) {
		f.SourceTypes = append(f.SourceTypes, asset.SourceType(v))
	}
	for _, v := range splitParam(q.Get("status")) {
		f.Statuses = append(f.Statuses, asset.Status(v))
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

	assets, err := s.assets.ListAssets(r.Context(), id.OrganizationID, f)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"assets": assets, "count": len(assets)})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAsset(w, r)
	if !ok {
		return
	}
	s.respond(w, http.StatusOK, a)
}

func (s *Server) handleAssetExtraction(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAsset(w, r)
	if !ok {
		return
	}
	ext, err := s.assets.LatestExtractionForAsset(r.Context(), a.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.clientError(w, http.StatusNotFound, "asset has no extraction")
			return
		}
		s.serverError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, ext)
}

func (s *Server) handleAssetRuns(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAsset(w, r)
	if !ok {
		return
	}
	runs, err := s.runs.List(r.Context(), a.OrganizationID, run.Filter{AssetID: a.ID})
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleAssetVersions(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAsset(w, r)
	if !ok {
		return
	}
	versions, err := s.assets.Versions(r.Context(), a.ID)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"versions": versions, "count": len(versions)})
}

func (s *Server) handleAssetVersion(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAsset(w, r)
	if !ok {
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 1 {
		s.clientError(w, http.StatusBadRequest, "version number must be a positive integer")
		return
	}
	v, err := s.assets.GetVersion(r.Context(), a.ID, n)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.clientError(w, http.StatusNotFound, "version not found")
			return
		}
		s.serverError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, v)
}

// handleReextract cancels any system-origin pending extraction and queues a
// user-origin one at boosted priority.
func (s *Server) handleReextract(w http.ResponseWriter, r *http.Request) {
	id := requestIdentity(r)
	a, ok := s.loadAsset(w, r)
	if !ok {
		return
	}
	newRun, status, err := s.queue.RequeueForUser(r.Context(), a.ID, id.UserID)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]any{"run": newRun, "status": status})
}

// handleAssetsHealth reports collection-level metrics for the tenant.
func (s *Server) handleAssetsHealth(w http.ResponseWriter, r *http.Request) {
	id := requestIdentity(r)
	assets, err := s.assets.ListAssets(r.Context(), id.OrganizationID, asset.Filter{IncludeDeleted: true})
	if err != nil {
		s.serverError(w, r, err)
		return
	}

	byStatus := make(map[string]int)
	bySource := make(map[string]int)
	byTier := make(map[string]int)
	var totalBytes int64
	for _, a := range assets {
		byStatus[string(a.Status)]++
		bySource[string(a.SourceType)]++
		byTier[string(a.ExtractionTier)]++
		totalBytes += a.FileSize
	}

	pending, err := s.runs.List(r.Context(), id.OrganizationID, run.Filter{
		Types:    []run.Type{run.TypeExtraction},
		Statuses: []run.Status{run.StatusPending, run.StatusSubmitted, run.StatusRunning},
	})
	if err != nil {
		s.serverError(w, r, err)
		return
	}

	s.respond(w, http.StatusOK, map[string]any{
		"total":                 len(assets),
		"by_status":             byStatus,
		"by_source_type":        bySource,
		"by_extraction_tier":    byTier,
		"total_bytes":           totalBytes,
		"extractions_in_flight": len(pending),
	})
}
