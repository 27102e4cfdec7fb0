package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/google/uuid"

	"github.com/c360studio/docflow/asset"
	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/run"
	"github.com/c360studio/docflow/storage"
)

const maxUploadBytes = 512 << 20

// bulkUploadGroupType names the run group created around a multi-file apply.
const bulkUploadGroupType = "bulk_upload"

// WithGroups connects the group Tracker so multi-file applies are tracked
// as a run group. Without it applies still work, just ungrouped.
func (s *Server) WithGroups(t *run.Tracker) *Server {
	s.groups = t
	return s
}

// InventoryFile is one entry of a client-side inventory.
type InventoryFile struct {
	Filename string `json:"filename"`
	FileHash string `json:"file_hash"`
	FileSize int64  `json:"file_size,omitempty"`
}

type analyzeRequest struct {
	Files []InventoryFile `json:"files"`
}

// handleBulkAnalyze classifies a client inventory against the tenant's
// upload assets: new (no asset with that filename), unchanged (hash
// matches), updated (hash differs), missing (upload assets absent from the
// inventory).
func (s *Server) handleBulkAnalyze(w http.ResponseWriter, r *http.Request) {
	id := requestIdentity(r)
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.clientError(w, http.StatusBadRequest, "request body must be JSON with a files array")
		return
	}
	if len(req.Files) == 0 {
		s.clientError(w, http.StatusBadRequest, "files array is empty")
		return
	}

	existing, err := s.assets.ListAssets(r.Context(), id.OrganizationID, asset.Filter{
		SourceTypes: []asset.SourceType{asset.SourceUpload},
	})
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	byName := make(map[string]*asset.Asset, len(existing))
	for _, a := range existing {
		byName[a.OriginalFilename] = a
	}

	var newFiles, updated, unchanged []string
	seen := make(map[string]bool, len(req.Files))
	for _, f := range req.Files {
		if f.Filename == "" {
			s.clientError(w, http.StatusBadRequest, "every inventory entry needs a filename")
			return
		}
		seen[f.Filename] = true
		a, ok := byName[f.Filename]
		switch {
		case !ok:
			newFiles = append(newFiles, f.Filename)
		case f.FileHash != "" && a.FileHash == f.FileHash:
			unchanged = append(unchanged, f.Filename)
		default:
			updated = append(updated, f.Filename)
		}
	}
	var missing []string
	for name := range byName {
		if !seen[name] {
			missing = append(missing, name)
		}
	}

	s.respond(w, http.StatusOK, map[string]any{
		"new":       newFiles,
		"updated":   updated,
		"unchanged": unchanged,
		"missing":   missing,
	})
}

type appliedFile struct {
	Filename string `json:"filename"`
	AssetID  string `json:"asset_id"`
	RunID    string `json:"run_id,omitempty"`
	Outcome  string `json:"outcome"`
}

// handleBulkApply ingests multipart files: each becomes an asset (or a new
// version of the asset already at its path) with a queued extraction.
func (s *Server) handleBulkApply(w http.ResponseWriter, r *http.Request) {
	id := requestIdentity(r)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.clientError(w, http.StatusBadRequest, "request must be multipart form data with a files field")
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		s.clientError(w, http.StatusBadRequest, "no files in request")
		return
	}

	results := make([]appliedFile, 0, len(files))
	for _, fh := range files {
		applied, err := s.applyOne(r, id, fh)
		if err != nil {
			s.serverError(w, r, err)
			return
		}
		results = append(results, *applied)
	}

	body := map[string]any{"files": results, "count": len(results)}
	if groupID := s.groupApply(r, id, results); groupID != "" {
		body["group_id"] = groupID
	}
	s.respond(w, http.StatusCreated, body)
}

// groupApply registers the queued extraction runs of a multi-file apply as
// a run group, so the batch has a single completion signal. Grouping is
// bookkeeping on top of an already-successful apply; failures are logged
// and the group id simply omitted.
func (s *Server) groupApply(r *http.Request, id Identity, results []appliedFile) string {
	if s.groups == nil || len(results) < 2 {
		return ""
	}
	var runIDs []string
	for _, applied := range results {
		if applied.RunID != "" {
			runIDs = append(runIDs, applied.RunID)
		}
	}
	if len(runIDs) == 0 {
		return ""
	}
	ctx := r.Context()
	g, err := s.groups.CreateGroup(ctx, id.OrganizationID, bulkUploadGroupType, "", run.GroupConfig{}, 0)
	if err != nil {
		s.logger.Warn("Failed to create bulk upload group", "error", err)
		return ""
	}
	for _, runID := range runIDs {
		if err := s.groups.AddChild(ctx, g.ID, runID); err != nil {
			s.logger.Warn("Failed to add run to bulk upload group", "group_id", g.ID, "run_id", runID, "error", err)
		}
	}
	if err := s.groups.SetExpectedChildren(ctx, g.ID, len(runIDs)); err != nil {
		s.logger.Warn("Failed to set bulk upload group size", "group_id", g.ID, "error", err)
	}
	if _, err := s.groups.FinalizeGroup(ctx, g.ID); err != nil {
		s.logger.Warn("Failed to finalize bulk upload group", "group_id", g.ID, "error", err)
	}
	return g.ID
}

func (s *Server) applyOne(r *http.Request, id Identity, fh *multipart.FileHeader) (*appliedFile, error) {
	filename := fh.Filename
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	contentType := http.DetectContentType(data)

	// A byte-identical file already in the tenant is a no-op.
	if existing, err := s.assets.FindByHash(r.Context(), id.OrganizationID, hash); err == nil {
		return &appliedFile{Filename: filename, AssetID: existing.ID, Outcome: "unchanged"}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	assetID := uuid.New().String()
	key := asset.UploadPath(id.OrganizationID, assetID, filename)
	a, created, err := s.assets.CreateAsset(r.Context(), &asset.Asset{
		ID:               assetID,
		OrganizationID:   id.OrganizationID,
		SourceType:       asset.SourceUpload,
		OriginalFilename: filename,
		ContentType:      contentType,
		FileSize:         int64(len(data)),
		FileHash:         hash,
		RawBucket:        s.uploadsBucket,
		RawObjectKey:     key,
		Status:           asset.StatusPending,
		CreatedBy:        id.UserID,
	})
	if err != nil {
		return nil, err
	}
	outcome := "created"
	if !created {
		outcome = "updated"
	}
	if err := s.blobs.Put(r.Context(), s.uploadsBucket, a.RawObjectKey, data, contentType); err != nil {
		return nil, err
	}
	if _, err := s.assets.AddVersion(r.Context(), a.ID, &asset.Version{
		RawBucket:    s.uploadsBucket,
		RawObjectKey: a.RawObjectKey,
		FileSize:     int64(len(data)),
		FileHash:     hash,
		ContentType:  contentType,
	}); err != nil {
		return nil, err
	}

	newRun, _, status, err := s.queue.QueueExtraction(r.Context(), a, run.OriginUser, queue.PriorityUser, id.UserID, "")
	if err != nil {
		return nil, err
	}
	applied := &appliedFile{Filename: filename, AssetID: a.ID, Outcome: outcome}
	if status != queue.StatusSkippedContentType && newRun != nil {
		applied.RunID = newRun.ID
	}
	return applied, nil
}
