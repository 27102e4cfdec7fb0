package queue

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/docflow/asset"
	"github.com/c360studio/docflow/run"
)

// EnqueueStatus is the outcome of a queue_extraction call.
type EnqueueStatus string

const (
	StatusQueued             EnqueueStatus = "queued"
	StatusAlreadyPending     EnqueueStatus = "already_pending"
	StatusSkippedContentType EnqueueStatus = "skipped_content_type"
)

// Extraction priorities. Higher submits sooner; ties break FIFO on
// enqueued_at.
const (
	PrioritySystem = 0
	PriorityUser   = 1
)

// Service is the extraction queue: duplicate-suppressed enqueue plus the
// state needed by the periodic submitter.
type Service struct {
	runs     *run.Service
	assets   asset.Store
	index    PendingIndex
	registry *Registry
	logger   *slog.Logger
}

// NewService creates the extraction queue service.
func NewService(runs *run.Service, assets asset.Store, index PendingIndex, registry *Registry, logger *slog.Logger) *Service {
	return &Service{runs: runs, assets: assets, index: index, registry: registry, logger: logger}
}

// inlineContentTypes are extracted at crawl time; queuing a worker
// extraction for them is pointless.
var inlineContentTypes = map[string]bool{
	"text/html":             true,
	"application/xhtml+xml": true,
}

func isInlineContentType(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	return inlineContentTypes[mt]
}

// QueueExtraction enqueues an extraction for the asset. At most one
// pending|submitted|running extraction exists per asset; a second request
// returns the existing run with status already_pending.
func (s *Service) QueueExtraction(ctx context.Context, a *asset.Asset, origin run.Origin, priority int, userID, extractorVersion string) (*run.Run, *asset.Extraction, EnqueueStatus, error) {
	if isInlineContentType(a.ContentType) {
		s.logger.Debug("Extraction skipped for inline content type",
			"asset_id", a.ID, "content_type", a.ContentType)
		return nil, nil, StatusSkippedContentType, nil
	}

	// Claim the slot before any row exists: a lost claim must leave no
	// trace, so the run id is chosen up front and only persisted after
	// the claim succeeds.
	runID := uuid.New().String()
	holder, claimed, err := s.index.Claim(ctx, a.ID, runID)
	if err != nil {
		return nil, nil, "", err
	}
	if !claimed {
		existing, exErr := s.resolveHolder(ctx, a, runID, holder)
		if exErr != nil {
			return nil, nil, "", exErr
		}
		if existing != nil {
			ext, _ := s.assets.LatestExtractionForAsset(ctx, a.ID)
			return existing, ext, StatusAlreadyPending, nil
		}
		// Stale slot replaced in resolveHolder; runID now holds it.
	}

	cfg := map[string]any{}
	if extractorVersion != "" {
		cfg["extractor_version"] = extractorVersion
	}
	r, err := s.runs.CreateWithID(ctx, runID, a.OrganizationID, run.TypeExtraction, origin, cfg, []string{a.ID}, userID)
	if err != nil {
		if relErr := s.index.Release(ctx, a.ID); relErr != nil {
			s.logger.Warn("Failed to release slot after run creation error",
				"asset_id", a.ID, "error", relErr)
		}
		return nil, nil, "", err
	}

	now := time.Now().UTC()
	r, err = s.runs.Store().Mutate(ctx, r.ID, func(r *run.Run) error {
		r.Priority = priority
		r.EnqueuedAt = &now
		return nil
	})
	if err != nil {
		return nil, nil, "", err
	}

	ext := &asset.Extraction{
		AssetID:            a.ID,
		AssetVersionNumber: a.CurrentVersionNumber,
		RunID:              r.ID,
		ExtractorVersion:   extractorVersion,
		Status:             asset.ExtractionPending,
	}
	if err := s.assets.CreateExtraction(ctx, ext); err != nil {
		return nil, nil, "", fmt.Errorf("create extraction record: %w", err)
	}

	s.logger.Info("Extraction queued",
		"asset_id", a.ID, "run_id", r.ID, "origin", origin, "priority", priority)
	return r, ext, StatusQueued, nil
}

// resolveHolder resolves a lost index claim. Returns the live holder run
// when duplicate suppression applies, or nil after replacing a stale slot
// with runID. No row exists for runID at this point, so suppression
// leaves nothing behind.
func (s *Service) resolveHolder(ctx context.Context, a *asset.Asset, runID, holderID string) (*run.Run, error) {
	holder, err := s.runs.Get(ctx, a.OrganizationID, holderID)
	if err == nil && !holder.Status.IsTerminal() {
		return holder, nil
	}
	// Holder is gone or terminal: the slot is stale.
	if err := s.index.Replace(ctx, a.ID, runID); err != nil {
		return nil, err
	}
	return nil, nil
}

// QueueExtractionForAsset is the system-origin convenience used by the
// upload path.
func (s *Service) QueueExtractionForAsset(ctx context.Context, assetID string) (*run.Run, EnqueueStatus, error) {
	a, err := s.assets.GetAsset(ctx, assetID)
	if err != nil {
		return nil, "", err
	}
	r, _, status, err := s.QueueExtraction(ctx, a, run.OriginSystem, PrioritySystem, "", "")
	return r, status, err
}

// RequeueForUser cancels any pending or submitted extraction for the asset
// and enqueues a fresh user-origin run at user priority.
func (s *Service) RequeueForUser(ctx context.Context, assetID, userID string) (*run.Run, EnqueueStatus, error) {
	a, err := s.assets.GetAsset(ctx, assetID)
	if err != nil {
		return nil, "", err
	}
	cancelled, err := s.runs.CancelPendingRunsForAsset(ctx, a.OrganizationID, assetID, run.TypeExtraction)
	if err != nil {
		return nil, "", err
	}
	if cancelled > 0 {
		if err := s.index.Release(ctx, assetID); err != nil {
			return nil, "", err
		}
		s.logger.Info("Cancelled pending extractions before user re-extract",
			"asset_id", assetID, "count", cancelled)
	}
	r, _, status, err := s.QueueExtraction(ctx, a, run.OriginUser, PriorityUser, userID, "")
	return r, status, err
}

// ReleaseAsset frees the asset's in-flight slot. Workers call it when an
// extraction run reaches a terminal state.
func (s *Service) ReleaseAsset(ctx context.Context, assetID string) error {
	return s.index.Release(ctx, assetID)
}
