// Package search ships extracted documents to the search-index service.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/docflow/asset"
	"github.com/c360studio/docflow/blob"
	"github.com/c360studio/docflow/config"
	"github.com/c360studio/docflow/run"
	"github.com/c360studio/docflow/storage"
)

// Document is one index entry.
type Document struct {
	AssetID        string         `json:"asset_id"`
	OrganizationID string         `json:"organization_id"`
	Title          string         `json:"title"`
	SourceType     string         `json:"source_type"`
	ContentType    string         `json:"content_type"`
	ExtractionTier string         `json:"extraction_tier,omitempty"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Sink receives index entries.
type Sink interface {
	Index(ctx context.Context, doc *Document) error
}

// HTTPSink posts entries to the search service.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink creates a sink for the configured search URL.
func NewHTTPSink(cfg config.SearchConfig) *HTTPSink {
	return &HTTPSink{
		url:    cfg.URL,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *HTTPSink) Index(ctx context.Context, doc *Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("search index request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("search index returned HTTP %d: %s", resp.StatusCode, detail)
	}
	return nil
}

// Indexer executes indexing runs: it loads the asset's extracted markdown
// and ships it to the sink. When search is disabled the run completes as a
// recorded no-op so the pipeline keeps flowing.
type Indexer struct {
	runs            *run.Service
	assets          asset.Store
	blobs           blob.Store
	sink            Sink
	enabled         bool
	processedBucket string
	logger          *slog.Logger
}

// NewIndexer wires an Indexer. sink may be nil when search is disabled.
func NewIndexer(runs *run.Service, assets asset.Store, blobs blob.Store, sink Sink, enabled bool, processedBucket string, logger *slog.Logger) *Indexer {
	return &Indexer{
		runs:            runs,
		assets:          assets,
		blobs:           blobs,
		sink:            sink,
		enabled:         enabled,
		processedBucket: processedBucket,
		logger:          logger,
	}
}

// ExecuteIndex is the worker entry point for an indexing run. Idempotent on
// terminal run state.
func (ix *Indexer) ExecuteIndex(ctx context.Context, runID string) error {
	r, err := ix.runs.Store().Get(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		ix.logger.Info("Indexing run already terminal, skipping", "run_id", runID, "status", r.Status)
		return nil
	}
	if r.Status != run.StatusRunning {
		if _, err := ix.runs.UpdateStatus(ctx, runID, run.StatusRunning); err != nil {
			return err
		}
	}

	if len(r.InputAssetIDs) == 0 {
		_, _ = ix.runs.Fail(ctx, runID, "indexing run has no input asset")
		return fmt.Errorf("indexing run %s has no input asset", runID)
	}
	if !ix.enabled || ix.sink == nil {
		_, err = ix.runs.Complete(ctx, runID, map[string]any{"skipped": true, "reason": "search disabled"})
		return err
	}

	a, err := ix.assets.GetAsset(ctx, r.InputAssetIDs[0])
	if err != nil {
		_, _ = ix.runs.Fail(ctx, runID, fmt.Sprintf("asset %s not found", r.InputAssetIDs[0]))
		return err
	}

	markdown, err := ix.extractedMarkdown(ctx, a)
	if err != nil {
		_, _ = ix.runs.Fail(ctx, runID, fmt.Sprintf("loading extracted content: %v", err))
		return err
	}

	doc := &Document{
		AssetID:        a.ID,
		OrganizationID: a.OrganizationID,
		Title:          a.OriginalFilename,
		SourceType:     string(a.SourceType),
		ContentType:    a.ContentType,
		ExtractionTier: string(a.ExtractionTier),
		Content:        markdown,
		Metadata:       a.SourceMetadata,
	}
	if err := ix.sink.Index(ctx, doc); err != nil {
		_, _ = ix.runs.Fail(ctx, runID, fmt.Sprintf("search index rejected document: %v", err))
		return err
	}

	_, err = ix.runs.Complete(ctx, runID, map[string]any{
		"indexed":        true,
		"content_length": len(markdown),
	})
	return err
}

// extractedMarkdown resolves the asset's processed artefact, preferring the
// latest extraction record's key.
func (ix *Indexer) extractedMarkdown(ctx context.Context, a *asset.Asset) (string, error) {
	bucket := ix.processedBucket
	key := asset.ProcessedPath(a.RawObjectKey)
	ext, err := ix.assets.LatestExtractionForAsset(ctx, a.ID)
	if err == nil && ext.ExtractedObjectKey != "" {
		if ext.ExtractedBucket != "" {
			bucket = ext.ExtractedBucket
		}
		key = ext.ExtractedObjectKey
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	data, err := ix.blobs.Get(ctx, bucket, key)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", asset.ObjectRef(bucket, key), err)
	}
	return string(data), nil
}
