package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/docflow/asset"
	"github.com/c360studio/docflow/blob"
	"github.com/c360studio/docflow/config"
	"github.com/c360studio/docflow/run"
)

// SlotReleaser frees an asset's in-flight extraction slot.
type SlotReleaser interface {
	ReleaseAsset(ctx context.Context, assetID string) error
}

// Orchestrator drives one extraction run end to end: download, extract,
// persist, then route enhancement or indexing.
type Orchestrator struct {
	runs      *run.Service
	assets    asset.Store
	blobs     blob.Store
	extractor Extractor
	registry  *Registry
	slots     SlotReleaser

	processedBucket string
	logger          *slog.Logger
}

// NewOrchestrator creates an Orchestrator. slots may be nil when no queue
// slot tracking is in play (inline extraction paths).
func NewOrchestrator(runs *run.Service, assets asset.Store, blobs blob.Store, extractor Extractor, registry *Registry, slots SlotReleaser, processedBucket string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		runs:            runs,
		assets:          assets,
		blobs:           blobs,
		extractor:       extractor,
		registry:        registry,
		slots:           slots,
		processedBucket: processedBucket,
		logger:          logger,
	}
}

// Execute processes the extraction run. Redeliveries of terminal runs
// return nil without side effects; an already-running run is resumed with
// a restart log event.
func (o *Orchestrator) Execute(ctx context.Context, runID string) error {
	r, err := o.runs.Store().Get(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		o.logger.Debug("Skipping redelivered extraction task",
			"run_id", runID, "status", r.Status)
		return nil
	}
	if r.Status == run.StatusRunning {
		_ = o.runs.AppendLog(ctx, runID, run.LevelWarn, run.EventRestart,
			"Resuming extraction after restart", nil)
	} else {
		if r, err = o.runs.UpdateStatus(ctx, runID, run.StatusRunning); err != nil {
			return err
		}
	}

	if len(r.InputAssetIDs) == 0 {
		return o.failRun(ctx, r, nil, nil, "extraction run has no input asset")
	}
	a, err := o.assets.GetAsset(ctx, r.InputAssetIDs[0])
	if err != nil {
		return o.failRun(ctx, r, nil, nil, fmt.Sprintf("load asset: %v", err))
	}
	ext := o.extractionFor(ctx, r, a)

	engine, tier := o.engineFor(r)
	fileExt := asset.FileExtension(a.OriginalFilename)
	if !Supports(engine, fileExt) {
		return o.failRun(ctx, r, a, ext, UnsupportedFormatError(engine, fileExt).Error())
	}

	_ = o.runs.AppendLog(ctx, r.ID, run.LevelInfo, run.EventProgress,
		fmt.Sprintf("Starting extraction of %s with engine %s", a.OriginalFilename, engine.Name),
		map[string]any{"asset_id": a.ID, "engine": engine.Name})

	if ext.Status == asset.ExtractionPending {
		ext, err = o.assets.MutateExtraction(ctx, ext.ID, func(e *asset.Extraction) error {
			e.Status = asset.ExtractionRunning
			return nil
		})
		if err != nil {
			return o.failRun(ctx, r, a, ext, fmt.Sprintf("update extraction: %v", err))
		}
	}

	started := time.Now()
	result, err := o.extractToMarkdown(ctx, a, engine)
	if err != nil {
		return o.failRun(ctx, r, a, ext, err.Error())
	}
	elapsed := time.Since(started).Seconds()

	processedKey := asset.ProcessedPath(a.RawObjectKey)
	if err := o.blobs.Put(ctx, o.processedBucket, processedKey, []byte(result.Markdown), "text/markdown"); err != nil {
		return o.failRun(ctx, r, a, ext, fmt.Sprintf("store markdown: %v", err))
	}

	if _, err := o.assets.MutateExtraction(ctx, ext.ID, func(e *asset.Extraction) error {
		e.Status = asset.ExtractionCompleted
		e.ExtractedBucket = o.processedBucket
		e.ExtractedObjectKey = processedKey
		e.ExtractionTimeSeconds = elapsed
		e.Warnings = result.Warnings
		e.ExtractionTier = tier
		return nil
	}); err != nil {
		return o.failRun(ctx, r, a, ext, fmt.Sprintf("record extraction: %v", err))
	}

	enhanceable := tier == asset.TierBasic && o.registry.EnhancementEligible(fileExt)
	if _, err := o.assets.MutateAsset(ctx, a.ID, func(a *asset.Asset) error {
		a.Status = asset.StatusReady
		a.ExtractionTier = tier
		a.EnhancementEligible = enhanceable
		return nil
	}); err != nil {
		return o.failRun(ctx, r, a, ext, fmt.Sprintf("update asset: %v", err))
	}

	engineName := engine.Name
	if n, ok := result.EngineInfo["engine_name"].(string); ok && n != "" {
		engineName = n
	}
	if _, err := o.runs.Complete(ctx, r.ID, map[string]any{
		"extraction_time": elapsed,
		"markdown_length": len(result.Markdown),
		"warnings_count":  len(result.Warnings),
		"engine":          engine.Name,
		"engine_name":     engineName,
	}); err != nil {
		return err
	}
	o.releaseSlot(ctx, r, a.ID)

	if enhanceable {
		if err := o.enqueueFollowOn(ctx, a, run.TypeExtractionEnhancement); err != nil {
			o.logger.Error("Failed to enqueue enhancement run", "asset_id", a.ID, "error", err)
		} else {
			now := time.Now().UTC()
			_, _ = o.assets.MutateAsset(ctx, a.ID, func(a *asset.Asset) error {
				a.EnhancementQueuedAt = &now
				return nil
			})
		}
		// Indexing waits for the enhanced markdown.
		return nil
	}
	if err := o.enqueueFollowOn(ctx, a, run.TypeIndexing); err != nil {
		o.logger.Error("Failed to enqueue indexing run", "asset_id", a.ID, "error", err)
	}
	return nil
}

// extractionFor finds the extraction record belonging to the run, creating
// one if a direct execution path skipped the queue.
func (o *Orchestrator) extractionFor(ctx context.Context, r *run.Run, a *asset.Asset) *asset.Extraction {
	ext, err := o.assets.LatestExtractionForAsset(ctx, a.ID)
	if err == nil && ext.RunID == r.ID {
		return ext
	}
	ext = &asset.Extraction{
		AssetID:            a.ID,
		AssetVersionNumber: a.CurrentVersionNumber,
		RunID:              r.ID,
		Status:             asset.ExtractionPending,
	}
	if err := o.assets.CreateExtraction(ctx, ext); err != nil {
		o.logger.Warn("Failed to create extraction record", "run_id", r.ID, "error", err)
	}
	return ext
}

func (o *Orchestrator) engineFor(r *run.Run) (config.EngineConfig, asset.ExtractionTier) {
	if r.RunType == run.TypeExtractionEnhancement {
		if enh, ok := o.registry.EnhancementEngine(); ok {
			return enh, asset.TierEnhanced
		}
	}
	return o.registry.DefaultEngine(), asset.TierBasic
}

// extractToMarkdown downloads the raw object to a temp file and runs the
// engine over it. The temp file is removed on every path.
func (o *Orchestrator) extractToMarkdown(ctx context.Context, a *asset.Asset, engine config.EngineConfig) (*Result, error) {
	raw, err := o.blobs.GetReader(ctx, a.RawBucket, a.RawObjectKey)
	if err != nil {
		return nil, fmt.Errorf("download raw object: %w", err)
	}
	defer raw.Close()

	tmp, err := os.CreateTemp("", "docflow-extract-*"+filepath.Ext(a.OriginalFilename))
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := tmp.ReadFrom(raw); err != nil {
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}

	result, err := o.extractor.Extract(ctx, engine, a.OriginalFilename, tmp)
	if err != nil {
		return nil, err
	}
	if result.Markdown == "" {
		return nil, fmt.Errorf("extractor %s returned empty markdown", engine.Name)
	}
	return result, nil
}

// failRun records failure on the extraction record, the asset, and the
// run, in that order, and frees the queue slot.
func (o *Orchestrator) failRun(ctx context.Context, r *run.Run, a *asset.Asset, ext *asset.Extraction, msg string) error {
	if ext != nil && ext.ID != "" {
		_, _ = o.assets.MutateExtraction(ctx, ext.ID, func(e *asset.Extraction) error {
			e.Status = asset.ExtractionFailed
			e.Errors = append(e.Errors, msg)
			return nil
		})
	}
	if a != nil {
		_, _ = o.assets.MutateAsset(ctx, a.ID, func(a *asset.Asset) error {
			a.Status = asset.StatusFailed
			return nil
		})
		o.releaseSlot(ctx, r, a.ID)
	}
	if _, err := o.runs.Fail(ctx, r.ID, msg); err != nil {
		o.logger.Error("Failed to mark run failed", "run_id", r.ID, "error", err)
	}
	_ = o.runs.AppendLog(ctx, r.ID, run.LevelError, run.EventStepError, msg, nil)
	return nil
}

func (o *Orchestrator) releaseSlot(ctx context.Context, r *run.Run, assetID string) {
	if o.slots == nil || r.RunType != run.TypeExtraction {
		return
	}
	if err := o.slots.ReleaseAsset(ctx, assetID); err != nil {
		o.logger.Warn("Failed to release extraction slot", "asset_id", assetID, "error", err)
	}
}

// enqueueFollowOn creates a pending queued run for the asset's follow-on
// work (enhancement or indexing).
func (o *Orchestrator) enqueueFollowOn(ctx context.Context, a *asset.Asset, typ run.Type) error {
	r, err := o.runs.Create(ctx, a.OrganizationID, typ, run.OriginSystem, nil, []string{a.ID}, "")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = o.runs.Store().Mutate(ctx, r.ID, func(r *run.Run) error {
		r.EnqueuedAt = &now
		return nil
	})
	return err
}
