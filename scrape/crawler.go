package scrape

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/docflow/asset"
	"github.com/c360studio/docflow/blob"
	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/run"
	"github.com/c360studio/docflow/storage"
)

// Downloader fetches document bytes discovered during a crawl.
type Downloader interface {
	Download(ctx context.Context, fileURL string) (data []byte, contentType string, err error)
}

// HTTPDownloader is the plain-HTTP Downloader.
type HTTPDownloader struct {
	client  *http.Client
	maxSize int64
}

// NewHTTPDownloader creates a document downloader with the given timeout.
func NewHTTPDownloader(timeout time.Duration) *HTTPDownloader {
	return &HTTPDownloader{
		client:  &http.Client{Timeout: timeout},
		maxSize: defaultMaxFetchSize,
	}
}

func (d *HTTPDownloader) Download(ctx context.Context, fileURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", fileURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP %d downloading %s", resp.StatusCode, fileURL)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > d.maxSize {
		return nil, "", fmt.Errorf("document too large (exceeds %d bytes)", d.maxSize)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Crawler executes crawl runs over a collection's seed sources.
type Crawler struct {
	store           Store
	assets          asset.Store
	blobs           blob.Store
	runs            *run.Service
	queue           *queue.Service
	renderer        Renderer
	downloader      Downloader
	uploadsBucket   string
	processedBucket string
	logger          *slog.Logger
}

// NewCrawler creates a Crawler.
func NewCrawler(store Store, assets asset.Store, blobs blob.Store, runs *run.Service, q *queue.Service, renderer Renderer, downloader Downloader, uploadsBucket, processedBucket string, logger *slog.Logger) *Crawler {
	return &Crawler{
		store:           store,
		assets:          assets,
		blobs:           blobs,
		runs:            runs,
		queue:           q,
		renderer:        renderer,
		downloader:      downloader,
		uploadsBucket:   uploadsBucket,
		processedBucket: processedBucket,
		logger:          logger,
	}
}

type frontierEntry struct {
	url       string
	sourceID  string
	parentURL string
	depth     int
}

type crawlStats struct {
	pagesCrawled        int
	pagesNew            int
	pagesUpdated        int
	pagesFailed         int
	urlsDiscovered      int
	documentsDiscovered int
	documentsDownloaded int
}

func (s *crawlStats) summary(remaining int) map[string]any {
	return map[string]any{
		"pages_crawled":        s.pagesCrawled,
		"pages_new":            s.pagesNew,
		"pages_updated":        s.pagesUpdated,
		"pages_failed":         s.pagesFailed,
		"urls_discovered":      s.urlsDiscovered,
		"urls_remaining":       remaining,
		"documents_discovered": s.documentsDiscovered,
		"documents_downloaded": s.documentsDownloaded,
	}
}

// ExecuteCrawl runs the breadth-first crawl for the run's collection.
// Redelivery of a terminal run is a no-op.
func (c *Crawler) ExecuteCrawl(ctx context.Context, runID string) error {
	r, err := c.runs.Store().Get(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		c.logger.Info("Crawl run already terminal, skipping", "run_id", runID, "status", r.Status)
		return nil
	}
	if r.Status != run.StatusRunning {
		if _, err := c.runs.UpdateStatus(ctx, runID, run.StatusRunning); err != nil {
			return err
		}
	}

	collectionID, _ := r.Config["collection_id"].(string)
	col, err := c.store.GetCollection(ctx, collectionID)
	if err != nil {
		_, _ = c.runs.Fail(ctx, runID, fmt.Sprintf("collection %s not found", collectionID))
		return fmt.Errorf("loading collection %s: %w", collectionID, err)
	}

	sources, err := c.store.SourcesForCollection(ctx, col.ID)
	if err != nil {
		_, _ = c.runs.Fail(ctx, runID, "failed to load collection sources")
		return err
	}

	visited := make(map[string]bool)
	var frontier []frontierEntry
	for _, src := range sources {
		if !src.IsActive {
			continue
		}
		norm, err := NormalizeURL(src.URL)
		if err != nil {
			c.logger.Warn("Skipping invalid seed URL", "url", src.URL, "error", err)
			continue
		}
		if visited[norm] {
			continue
		}
		visited[norm] = true
		frontier = append(frontier, frontierEntry{url: norm, sourceID: src.ID, depth: 0})
	}

	stats := &crawlStats{urlsDiscovered: len(frontier)}
	processed := 0

	for len(frontier) > 0 {
		if col.MaxPages > 0 && processed >= col.MaxPages {
			break
		}
		cur, err := c.runs.Store().Get(ctx, runID)
		if err == nil && cur.Status.IsTerminal() {
			c.logger.Info("Crawl cancelled mid-frontier", "run_id", runID, "status", cur.Status)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		entry := frontier[0]
		frontier = frontier[1:]

		if col.MaxDepth > 0 && entry.depth > col.MaxDepth {
			continue
		}
		if !MatchesPatterns(entry.url, col.IncludePatterns, col.ExcludePatterns) {
			continue
		}

		processed++
		result := c.crawlPage(ctx, col, entry, runID, stats)
		if result != nil {
			frontier = c.enqueueLinks(col, entry, result, visited, frontier, stats)
			c.downloadDocuments(ctx, col, entry, result, stats)
		}

		total := len(visited)
		if col.MaxPages > 0 && total > col.MaxPages {
			total = col.MaxPages
		}
		if _, err := c.runs.UpdateProgress(ctx, runID, processed, total, "pages"); err != nil {
			c.logger.Warn("Failed to update crawl progress", "run_id", runID, "error", err)
		}

		if col.DelaySeconds > 0 && len(frontier) > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(col.DelaySeconds * float64(time.Second))):
			}
		}
	}

	summary := stats.summary(len(frontier))
	if _, err := c.runs.Complete(ctx, runID, summary); err != nil {
		return err
	}
	c.logger.Info("Crawl completed", "run_id", runID, "collection", col.Slug,
		"pages_crawled", stats.pagesCrawled, "pages_new", stats.pagesNew,
		"pages_updated", stats.pagesUpdated, "pages_failed", stats.pagesFailed)
	return nil
}

// crawlPage renders one URL and reconciles it against prior crawl state.
// Returns nil when the render failed; links are then not followed.
func (c *Crawler) crawlPage(ctx context.Context, col *Collection, entry frontierEntry, runID string, stats *crawlStats) *RenderResult {
	result, err := c.renderer.Render(ctx, entry.url)
	if err != nil {
		stats.pagesFailed++
		c.logger.Warn("Page render failed", "url", entry.url, "error", err)
		return nil
	}
	stats.pagesCrawled++

	hash := contentHash([]byte(result.HTML))
	now := time.Now().UTC()

	existing, err := c.store.FindScraped(ctx, col.ID, entry.url)
	switch {
	case err == nil && existing.ScrapeMetadata.ContentHash == hash:
		if _, err := c.store.MutateScraped(ctx, existing.ID, func(sa *ScrapedAsset) error {
			sa.ScrapeMetadata.LastCrawledAt = &now
			return nil
		}); err != nil {
			c.logger.Warn("Failed to touch scraped asset", "url", entry.url, "error", err)
		}

	case err == nil:
		if err := c.updateChangedPage(ctx, col, existing, result, hash, runID); err != nil {
			stats.pagesFailed++
			stats.pagesCrawled--
			c.logger.Warn("Failed to update changed page", "url", entry.url, "error", err)
			return result
		}
		stats.pagesUpdated++

	case errors.Is(err, storage.ErrNotFound):
		if err := c.createNewPage(ctx, col, entry, result, hash, runID); err != nil {
			stats.pagesFailed++
			stats.pagesCrawled--
			c.logger.Warn("Failed to record new page", "url", entry.url, "error", err)
			return result
		}
		stats.pagesNew++

	default:
		stats.pagesFailed++
		stats.pagesCrawled--
		c.logger.Warn("Scraped-asset lookup failed", "url", entry.url, "error", err)
	}
	return result
}

func (c *Crawler) updateChangedPage(ctx context.Context, col *Collection, sa *ScrapedAsset, result *RenderResult, hash, runID string) error {
	a, err := c.assets.GetAsset(ctx, sa.AssetID)
	if err != nil {
		return fmt.Errorf("loading asset %s: %w", sa.AssetID, err)
	}
	html := []byte(result.HTML)
	if err := c.blobs.Put(ctx, a.RawBucket, a.RawObjectKey, html, "text/html"); err != nil {
		return fmt.Errorf("storing raw html: %w", err)
	}
	if _, err := c.assets.AddVersion(ctx, a.ID, &asset.Version{
		RawBucket:    a.RawBucket,
		RawObjectKey: a.RawObjectKey,
		FileSize:     int64(len(html)),
		FileHash:     hash,
		ContentType:  "text/html",
	}); err != nil {
		return fmt.Errorf("adding version: %w", err)
	}
	now := time.Now().UTC()
	if _, err := c.store.MutateScraped(ctx, sa.ID, func(sa *ScrapedAsset) error {
		sa.ScrapeMetadata.ContentHash = hash
		sa.ScrapeMetadata.VersionCount++
		sa.ScrapeMetadata.LastCrawledAt = &now
		if result.Title != "" {
			sa.ScrapeMetadata.Title = result.Title
		}
		return nil
	}); err != nil {
		return err
	}
	return c.inlineExtract(ctx, col.OrganizationID, a.ID, result.Markdown, runID)
}

func (c *Crawler) createNewPage(ctx context.Context, col *Collection, entry frontierEntry, result *RenderResult, hash, runID string) error {
	html := []byte(result.HTML)
	key := asset.ScrapePagePath(col.OrganizationID, col.Slug, pageSlug(entry.url))

	a, created, err := c.assets.CreateAsset(ctx, &asset.Asset{
		OrganizationID:   col.OrganizationID,
		SourceType:       asset.SourceWebScrape,
		OriginalFilename: pageSlug(entry.url),
		ContentType:      "text/html",
		FileSize:         int64(len(html)),
		FileHash:         hash,
		RawBucket:        c.uploadsBucket,
		RawObjectKey:     key,
		Status:           asset.StatusPending,
		SourceMetadata: map[string]any{
			"url":           entry.url,
			"collection_id": col.ID,
			"parent_url":    entry.parentURL,
		},
	})
	if err != nil {
		return fmt.Errorf("creating asset: %w", err)
	}
	if !created {
		c.logger.Debug("Path collision, reusing prior asset", "url", entry.url, "asset_id", a.ID)
	}
	if err := c.blobs.Put(ctx, c.uploadsBucket, key, html, "text/html"); err != nil {
		return fmt.Errorf("storing raw html: %w", err)
	}
	if _, err := c.assets.AddVersion(ctx, a.ID, &asset.Version{
		RawBucket:    c.uploadsBucket,
		RawObjectKey: key,
		FileSize:     int64(len(html)),
		FileHash:     hash,
		ContentType:  "text/html",
	}); err != nil {
		return fmt.Errorf("adding version: %w", err)
	}

	now := time.Now().UTC()
	sa := &ScrapedAsset{
		CollectionID:  col.ID,
		AssetID:       a.ID,
		NormalizedURL: entry.url,
		SourceID:      entry.sourceID,
		ParentURL:     entry.parentURL,
		Depth:         entry.depth,
		Subtype:       SubtypePage,
		ScrapeMetadata: Metadata{
			ContentHash:   hash,
			VersionCount:  1,
			Title:         result.Title,
			LastCrawledAt: &now,
		},
	}
	if err := c.store.CreateScraped(ctx, sa); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return fmt.Errorf("creating scraped asset: %w", err)
	}
	return c.inlineExtract(ctx, col.OrganizationID, a.ID, result.Markdown, runID)
}

// inlineExtract writes the rendered markdown to the processed bucket and
// synthesises a completed extraction run, bypassing the queue. An empty
// markdown leaves the asset pending for the normal extraction path.
func (c *Crawler) inlineExtract(ctx context.Context, org, assetID, markdown, crawlRunID string) error {
	if markdown == "" {
		return nil
	}
	a, err := c.assets.GetAsset(ctx, assetID)
	if err != nil {
		return err
	}
	processedKey := asset.ProcessedPath(a.RawObjectKey)
	if err := c.blobs.Put(ctx, c.processedBucket, processedKey, []byte(markdown), "text/markdown"); err != nil {
		return fmt.Errorf("storing inline markdown: %w", err)
	}

	r, err := c.runs.Create(ctx, org, run.TypeExtraction, run.OriginSystem,
		map[string]any{"inline": true, "source_run_id": crawlRunID}, []string{a.ID}, "")
	if err != nil {
		return err
	}
	if _, err := c.runs.UpdateStatus(ctx, r.ID, run.StatusRunning); err != nil {
		return err
	}
	if _, err := c.runs.Complete(ctx, r.ID, map[string]any{
		"inline":          true,
		"markdown_length": len(markdown),
	}); err != nil {
		return err
	}

	if err := c.assets.CreateExtraction(ctx, &asset.Extraction{
		ID:                 uuid.New().String(),
		AssetID:            a.ID,
		AssetVersionNumber: a.CurrentVersionNumber,
		RunID:              r.ID,
		Status:             asset.ExtractionCompleted,
		ExtractedBucket:    c.processedBucket,
		ExtractedObjectKey: processedKey,
		ExtractionTier:     asset.TierBasic,
	}); err != nil {
		return err
	}
	_, err = c.assets.MutateAsset(ctx, a.ID, func(a *asset.Asset) error {
		a.Status = asset.StatusReady
		a.ExtractionTier = asset.TierBasic
		return nil
	})
	return err
}

func (c *Crawler) enqueueLinks(col *Collection, entry frontierEntry, result *RenderResult, visited map[string]bool, frontier []frontierEntry, stats *crawlStats) []frontierEntry {
	for _, link := range result.Links {
		norm, err := NormalizeURL(link)
		if err != nil {
			continue
		}
		if !col.FollowExternalLinks && !SameDomain(norm, entry.url) {
			continue
		}
		if visited[norm] {
			continue
		}
		visited[norm] = true
		stats.urlsDiscovered++
		frontier = append(frontier, frontierEntry{
			url:       norm,
			sourceID:  entry.sourceID,
			parentURL: entry.url,
			depth:     entry.depth + 1,
		})
	}
	return frontier
}

// downloadDocuments fetches document links, dedupes by tenant content hash,
// and routes new documents through the normal extraction pipeline.
func (c *Crawler) downloadDocuments(ctx context.Context, col *Collection, entry frontierEntry, result *RenderResult, stats *crawlStats) {
	if !col.DownloadDocuments || c.downloader == nil {
		return
	}
	for _, link := range result.DocumentLinks {
		if !HasExtension(link, col.Extensions()) {
			continue
		}
		stats.documentsDiscovered++
		norm, err := NormalizeURL(link)
		if err != nil {
			continue
		}
		if _, err := c.store.FindScraped(ctx, col.ID, norm); err == nil {
			continue
		}
		if err := c.downloadDocument(ctx, col, entry, norm, link); err != nil {
			c.logger.Warn("Document download failed", "url", link, "error", err)
			continue
		}
		stats.documentsDownloaded++
	}
}

func (c *Crawler) downloadDocument(ctx context.Context, col *Collection, entry frontierEntry, norm, link string) error {
	data, contentType, err := c.downloader.Download(ctx, link)
	if err != nil {
		return err
	}
	hash := contentHash(data)
	if _, err := c.assets.FindByHash(ctx, col.OrganizationID, hash); err == nil {
		c.logger.Debug("Document already known by content hash", "url", link)
		return nil
	}

	filename := documentFilename(norm)
	key := asset.ScrapeDocumentPath(col.OrganizationID, col.Slug, filename)
	a, _, err := c.assets.CreateAsset(ctx, &asset.Asset{
		OrganizationID:   col.OrganizationID,
		SourceType:       asset.SourceWebScrapeDocument,
		OriginalFilename: filename,
		ContentType:      contentType,
		FileSize:         int64(len(data)),
		FileHash:         hash,
		RawBucket:        c.uploadsBucket,
		RawObjectKey:     key,
		Status:           asset.StatusPending,
		SourceMetadata: map[string]any{
			"url":           norm,
			"collection_id": col.ID,
			"parent_url":    entry.url,
		},
	})
	if err != nil {
		return err
	}
	if err := c.blobs.Put(ctx, c.uploadsBucket, key, data, contentType); err != nil {
		return err
	}
	if _, err := c.assets.AddVersion(ctx, a.ID, &asset.Version{
		RawBucket:    c.uploadsBucket,
		RawObjectKey: key,
		FileSize:     int64(len(data)),
		FileHash:     hash,
		ContentType:  contentType,
	}); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := c.store.CreateScraped(ctx, &ScrapedAsset{
		CollectionID:  col.ID,
		AssetID:       a.ID,
		NormalizedURL: norm,
		SourceID:      entry.sourceID,
		ParentURL:     entry.url,
		Depth:         entry.depth + 1,
		Subtype:       SubtypeDocument,
		ScrapeMetadata: Metadata{
			ContentHash:   hash,
			VersionCount:  1,
			LastCrawledAt: &now,
		},
	}); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return err
	}
	if _, _, _, err := c.queue.QueueExtraction(ctx, a, run.OriginSystem, queue.PrioritySystem, "", ""); err != nil {
		return err
	}
	return nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// pageSlug derives a stable filename for a crawled page from its
// normalised URL.
func pageSlug(normURL string) string {
	u, err := url.Parse(normURL)
	if err != nil {
		return "page.html"
	}
	slug := u.Host + strings.ReplaceAll(u.Path, "/", "_")
	if u.RawQuery != "" {
		slug += "_" + u.RawQuery
	}
	var b strings.Builder
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-_") + ".html"
}

func documentFilename(norm string) string {
	u, err := url.Parse(norm)
	if err != nil {
		return "document"
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "document"
	}
	return name
}
