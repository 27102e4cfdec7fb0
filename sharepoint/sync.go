package sharepoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/docflow/asset"
	"github.com/c360studio/docflow/blob"
	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/run"
	"github.com/c360studio/docflow/storage"
)

// Syncer executes SharePoint sync runs.
type Syncer struct {
	store          Store
	assets         asset.Store
	blobs          blob.Store
	runs           *run.Service
	queue          *queue.Service
	client         Client
	uploadsBucket  string
	defaultMaxSize int64
	logger         *slog.Logger
}

// NewSyncer creates a Syncer. defaultMaxSize caps file size for configs
// that do not set their own limit.
func NewSyncer(store Store, assets asset.Store, blobs blob.Store, runs *run.Service, q *queue.Service, client Client, uploadsBucket string, defaultMaxSize int64, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:          store,
		assets:         assets,
		blobs:          blobs,
		runs:           runs,
		queue:          q,
		client:         client,
		uploadsBucket:  uploadsBucket,
		defaultMaxSize: defaultMaxSize,
		logger:         logger,
	}
}

// ExecuteSync mirrors the config's remote folder. Redelivery of a terminal
// run is a no-op; per-file failures are counted, not fatal.
func (s *Syncer) ExecuteSync(ctx context.Context, runID string) error {
	r, err := s.runs.Store().Get(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		s.logger.Info("Sync run already terminal, skipping", "run_id", runID, "status", r.Status)
		return nil
	}
	if r.Status != run.StatusRunning {
		if _, err := s.runs.UpdateStatus(ctx, runID, run.StatusRunning); err != nil {
			return err
		}
	}

	configID, _ := r.Config["sync_config_id"].(string)
	fullSync, _ := r.Config["full_sync"].(bool)
	cfg, err := s.store.GetConfig(ctx, configID)
	if err != nil {
		_, _ = s.runs.Fail(ctx, runID, fmt.Sprintf("sync config %s not found", configID))
		return fmt.Errorf("loading sync config %s: %w", configID, err)
	}

	inventory, err := s.client.ListFolder(ctx, cfg.DriveID, cfg.FolderPath, cfg.Recursive)
	if err != nil {
		_, _ = s.runs.Fail(ctx, runID, fmt.Sprintf("inventory fetch failed: %v", err))
		return fmt.Errorf("fetching inventory: %w", err)
	}

	stats := Stats{Phase: PhaseSyncing, TotalFiles: len(inventory)}
	s.persistStats(ctx, cfg.ID, stats)

	observed := make(map[string]bool, len(inventory))
	for i, item := range inventory {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cur, err := s.runs.Store().Get(ctx, runID)
		if err == nil && cur.Status.IsTerminal() {
			s.logger.Info("Sync cancelled mid-inventory", "run_id", runID, "status", cur.Status)
			return nil
		}

		stats.CurrentFile = item.Path
		if s.skip(cfg, item) {
			stats.FilesSkipped++
			s.persistStats(ctx, cfg.ID, stats)
			continue
		}
		observed[item.ID] = true

		if err := s.syncItem(ctx, cfg, item, fullSync, &stats); err != nil {
			stats.FilesFailed++
			s.logger.Warn("File sync failed", "item", item.Path, "error", err)
		}
		s.persistStats(ctx, cfg.ID, stats)
		if _, err := s.runs.UpdateProgress(ctx, runID, i+1, len(inventory), "files"); err != nil {
			s.logger.Warn("Failed to update sync progress", "run_id", runID, "error", err)
		}
	}

	stats.Phase = PhaseDetectingDeletions
	stats.CurrentFile = ""
	s.persistStats(ctx, cfg.ID, stats)
	deleted, err := s.detectDeletions(ctx, cfg.ID, observed)
	if err != nil {
		s.logger.Warn("Deletion detection failed", "sync_config", cfg.ID, "error", err)
	}
	stats.FilesDeleted = deleted

	now := time.Now().UTC()
	stats.Phase = PhaseCompleted
	stats.LastSyncAt = &now
	s.persistStats(ctx, cfg.ID, stats)

	summary := map[string]any{
		"total_files":     stats.TotalFiles,
		"files_new":       stats.FilesNew,
		"files_updated":   stats.FilesUpdated,
		"files_unchanged": stats.FilesUnchanged,
		"files_skipped":   stats.FilesSkipped,
		"files_failed":    stats.FilesFailed,
		"files_deleted":   stats.FilesDeleted,
	}
	if _, err := s.runs.Complete(ctx, runID, summary); err != nil {
		return err
	}
	s.logger.Info("SharePoint sync completed", "run_id", runID, "sync_config", cfg.Slug,
		"new", stats.FilesNew, "updated", stats.FilesUpdated, "deleted", stats.FilesDeleted)
	return nil
}

func (s *Syncer) maxSize(cfg *SyncConfig) int64 {
	if cfg.MaxFileSize > 0 {
		return cfg.MaxFileSize
	}
	return s.defaultMaxSize
}

func (s *Syncer) skip(cfg *SyncConfig, item *Item) bool {
	if max := s.maxSize(cfg); max > 0 && item.Size > max {
		return true
	}
	for _, pattern := range cfg.ExcludePatterns {
		if ok, _ := doublestar.Match(pattern, item.Path); ok {
			return true
		}
	}
	if len(cfg.IncludePatterns) == 0 {
		return false
	}
	for _, pattern := range cfg.IncludePatterns {
		if ok, _ := doublestar.Match(pattern, item.Path); ok {
			return false
		}
	}
	return true
}

// syncItem classifies one inventory entry as new, unchanged, or updated.
func (s *Syncer) syncItem(ctx context.Context, cfg *SyncConfig, item *Item, fullSync bool, stats *Stats) error {
	now := time.Now().UTC()
	doc, err := s.store.FindDocByItem(ctx, cfg.ID, item.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := s.createNew(ctx, cfg, item, now); err != nil {
			return err
		}
		stats.FilesNew++
		return nil

	case err != nil:
		return err

	case doc.ETag == item.ETag && !fullSync:
		_, err := s.store.MutateDoc(ctx, doc.ID, func(d *SyncedDocument) error {
			d.LastSyncedAt = &now
			if d.SyncStatus == StatusDeletedInSource {
				d.SyncStatus = StatusSynced
				d.DeletedDetectedAt = nil
			}
			return nil
		})
		if err != nil {
			return err
		}
		stats.FilesUnchanged++
		return nil

	default:
		if err := s.updateExisting(ctx, cfg, doc, item, now); err != nil {
			return err
		}
		stats.FilesUpdated++
		return nil
	}
}

func (s *Syncer) createNew(ctx context.Context, cfg *SyncConfig, item *Item, now time.Time) error {
	data, err := s.client.Download(ctx, cfg.DriveID, item.ID)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	hash := contentHash(data)
	relPath := relativeDir(cfg.FolderPath, item.Path)
	key := asset.SharePointPath(cfg.OrganizationID, cfg.Slug, relPath, item.Name)

	a, _, err := s.assets.CreateAsset(ctx, &asset.Asset{
		OrganizationID:   cfg.OrganizationID,
		SourceType:       asset.SourceSharePoint,
		OriginalFilename: item.Name,
		ContentType:      item.ContentType,
		FileSize:         int64(len(data)),
		FileHash:         hash,
		RawBucket:        s.uploadsBucket,
		RawObjectKey:     key,
		Status:           asset.StatusPending,
		SourceMetadata: map[string]any{
			"sharepoint_item_id": item.ID,
			"sync_config_id":     cfg.ID,
			"path":               item.Path,
		},
	})
	if err != nil {
		return err
	}
	if err := s.blobs.Put(ctx, s.uploadsBucket, key, data, item.ContentType); err != nil {
		return err
	}
	if _, err := s.assets.AddVersion(ctx, a.ID, &asset.Version{
		RawBucket:    s.uploadsBucket,
		RawObjectKey: key,
		FileSize:     int64(len(data)),
		FileHash:     hash,
		ContentType:  item.ContentType,
	}); err != nil {
		return err
	}
	if err := s.store.CreateDoc(ctx, &SyncedDocument{
		SyncConfigID:     cfg.ID,
		AssetID:          a.ID,
		SharePointItemID: item.ID,
		ETag:             item.ETag,
		Path:             item.Path,
		FileName:         item.Name,
		FileSize:         item.Size,
		SyncStatus:       StatusSynced,
		LastSyncedAt:     &now,
	}); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return err
	}
	_, _, _, err = s.queue.QueueExtraction(ctx, a, run.OriginSystem, queue.PrioritySystem, "", "")
	return err
}

// updateExisting redownloads and overwrites the raw object in place, then
// resets the asset to pending so extraction re-triggers.
func (s *Syncer) updateExisting(ctx context.Context, cfg *SyncConfig, doc *SyncedDocument, item *Item, now time.Time) error {
	data, err := s.client.Download(ctx, cfg.DriveID, item.ID)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	hash := contentHash(data)

	a, err := s.assets.GetAsset(ctx, doc.AssetID)
	if err != nil {
		return fmt.Errorf("loading asset %s: %w", doc.AssetID, err)
	}
	if err := s.blobs.Put(ctx, a.RawBucket, a.RawObjectKey, data, item.ContentType); err != nil {
		return err
	}
	a, err = s.assets.MutateAsset(ctx, a.ID, func(a *asset.Asset) error {
		a.FileHash = hash
		a.FileSize = int64(len(data))
		a.ContentType = item.ContentType
		a.Status = asset.StatusPending
		a.ExtractionTier = asset.TierNone
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := s.store.MutateDoc(ctx, doc.ID, func(d *SyncedDocument) error {
		d.ETag = item.ETag
		d.FileSize = item.Size
		d.SyncStatus = StatusSynced
		d.DeletedDetectedAt = nil
		d.LastSyncedAt = &now
		return nil
	}); err != nil {
		return err
	}
	_, _, _, err = s.queue.QueueExtraction(ctx, a, run.OriginSystem, queue.PrioritySystem, "", "")
	return err
}

// detectDeletions marks synced documents that were not observed in this
// inventory pass. Assets are left untouched.
func (s *Syncer) detectDeletions(ctx context.Context, configID string, observed map[string]bool) (int, error) {
	docs, err := s.store.ListDocs(ctx, configID)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	deleted := 0
	for _, doc := range docs {
		if observed[doc.SharePointItemID] || doc.SyncStatus == StatusDeletedInSource {
			continue
		}
		if _, err := s.store.MutateDoc(ctx, doc.ID, func(d *SyncedDocument) error {
			d.SyncStatus = StatusDeletedInSource
			d.DeletedDetectedAt = &now
			return nil
		}); err != nil {
			s.logger.Warn("Failed to mark document deleted", "doc_id", doc.ID, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Cleanup soft-deletes the assets of documents marked deleted_in_source.
// With deleteAssets false it only reports what would be removed.
func (s *Syncer) Cleanup(ctx context.Context, configID string, deleteAssets bool) (int, error) {
	docs, err := s.store.ListDocs(ctx, configID)
	if err != nil {
		return 0, err
	}
	orphaned := 0
	for _, doc := range docs {
		if doc.SyncStatus != StatusDeletedInSource {
			continue
		}
		orphaned++
		if !deleteAssets {
			continue
		}
		if err := s.assets.SoftDelete(ctx, doc.AssetID); err != nil {
			s.logger.Warn("Failed to soft-delete orphaned asset", "asset_id", doc.AssetID, "error", err)
		}
	}
	return orphaned, nil
}

func (s *Syncer) persistStats(ctx context.Context, configID string, stats Stats) {
	snapshot := stats
	if _, err := s.store.MutateConfig(ctx, configID, func(c *SyncConfig) error {
		c.Stats = &snapshot
		return nil
	}); err != nil {
		s.logger.Warn("Failed to persist sync stats", "sync_config", configID, "error", err)
	}
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func relativeDir(folderPath, itemPath string) string {
	rel := itemPath
	if folderPath != "" && len(itemPath) > len(folderPath) && itemPath[:len(folderPath)] == folderPath {
		rel = itemPath[len(folderPath):]
	}
	// Strip the filename; SharePointPath appends it separately.
	for i := len(rel) - 1; i >= 0; i-- {
		if rel[i] == '/' {
			return rel[:i]
		}
	}
	return ""
}
