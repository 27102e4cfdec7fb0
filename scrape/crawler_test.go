package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docflow/asset"
	"github.com/c360studio/docflow/blob"
	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/run"
)

type fakeRenderer struct {
	pages map[string]*RenderResult
	errs  map[string]error
	calls []string
}

func (f *fakeRenderer) Render(_ context.Context, pageURL string) (*RenderResult, error) {
	f.calls = append(f.calls, pageURL)
	if err, ok := f.errs[pageURL]; ok {
		return nil, err
	}
	res, ok := f.pages[pageURL]
	if !ok {
		return nil, fmt.Errorf("no page at %s", pageURL)
	}
	out := *res
	if out.FinalURL == "" {
		out.FinalURL = pageURL
	}
	return &out, nil
}

type fakeDownloader struct {
	files map[string][]byte
}

func (f *fakeDownloader) Download(_ context.Context, fileURL string) ([]byte, string, error) {
	data, ok := f.files[fileURL]
	if !ok {
		return nil, "", fmt.Errorf("no file at %s", fileURL)
	}
	return data, "application/pdf", nil
}

type crawlFixture struct {
	store    *MemoryStore
	assets   asset.Store
	blobs    blob.Store
	runs     *run.Service
	renderer *fakeRenderer
	download *fakeDownloader
	crawler  *Crawler
	col      *Collection
}

func newCrawlFixture(t *testing.T, col *Collection, seeds ...string) *crawlFixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.Default()
	store := NewMemoryStore()
	assets := asset.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	runs := run.NewService(run.NewMemoryStore(), logger)
	q := queue.NewService(runs, assets, queue.NewMemoryIndex(), queue.NewRegistry(nil), logger)
	renderer := &fakeRenderer{pages: make(map[string]*RenderResult), errs: make(map[string]error)}
	download := &fakeDownloader{files: make(map[string][]byte)}

	require.NoError(t, store.SaveCollection(ctx, col))
	for _, seed := range seeds {
		require.NoError(t, store.SaveSource(ctx, &Source{
			CollectionID: col.ID,
			URL:          seed,
			IsActive:     true,
		}))
	}
	crawler := NewCrawler(store, assets, blobs, runs, q, renderer, download,
		asset.BucketUploads, asset.BucketProcessed, logger)
	return &crawlFixture{
		store: store, assets: assets, blobs: blobs, runs: runs,
		renderer: renderer, download: download, crawler: crawler, col: col,
	}
}

func (f *crawlFixture) newRun(t *testing.T) *run.Run {
	t.Helper()
	r, err := f.runs.Create(context.Background(), f.col.OrganizationID, run.TypeScrape,
		run.OriginUser, map[string]any{"collection_id": f.col.ID}, nil, "user-1")
	require.NoError(t, err)
	return r
}

func page(html, markdown string, links ...string) *RenderResult {
	return &RenderResult{HTML: html, Markdown: markdown, Links: links}
}

func TestCrawlChangeDetection(t *testing.T) {
	ctx := context.Background()
	col := &Collection{OrganizationID: "org-1", Name: "Example", Slug: "example", MaxPages: 10}
	f := newCrawlFixture(t, col, "https://ex.com/")

	f.renderer.pages["https://ex.com/"] = page("<html>v1</html>", "# Version one")
	r1 := f.newRun(t)
	require.NoError(t, f.crawler.ExecuteCrawl(ctx, r1.ID))

	scraped, err := f.store.ListScraped(ctx, col.ID)
	require.NoError(t, err)
	require.Len(t, scraped, 1)
	assert.Equal(t, 1, scraped[0].ScrapeMetadata.VersionCount)
	originalAsset, err := f.assets.GetAsset(ctx, scraped[0].AssetID)
	require.NoError(t, err)
	originalKey := originalAsset.RawObjectKey

	// Second crawl returns different HTML at the same URL.
	f.renderer.pages["https://ex.com/"] = page("<html>v2</html>", "# Version two")
	r2 := f.newRun(t)
	require.NoError(t, f.crawler.ExecuteCrawl(ctx, r2.ID))

	scraped, err = f.store.ListScraped(ctx, col.ID)
	require.NoError(t, err)
	require.Len(t, scraped, 1, "re-crawl must not add a second scraped asset")
	assert.Equal(t, 2, scraped[0].ScrapeMetadata.VersionCount)

	a, err := f.assets.GetAsset(ctx, scraped[0].AssetID)
	require.NoError(t, err)
	assert.Equal(t, 2, a.CurrentVersionNumber)

	versions, err := f.assets.Versions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, originalKey, versions[0].RawObjectKey)
	assert.Equal(t, a.RawObjectKey, versions[1].RawObjectKey)
	assert.True(t, versions[1].IsCurrent)
	assert.False(t, versions[0].IsCurrent)

	done, err := f.runs.Get(ctx, "org-1", r2.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, done.Status)
	assert.EqualValues(t, 1, done.ResultsSummary["pages_updated"])
	assert.EqualValues(t, 0, done.ResultsSummary["pages_new"])
}

func TestCrawlNormalizedURLsShareOneScrapedAsset(t *testing.T) {
	ctx := context.Background()
	col := &Collection{OrganizationID: "org-1", Name: "Example", Slug: "example", MaxPages: 10}
	f := newCrawlFixture(t, col, "https://Host.COM/a/?b=1#x", "HTTPS://host.com/a?b=1")

	f.renderer.pages["https://host.com/a?b=1"] = page("<html>a</html>", "# A")
	r := f.newRun(t)
	require.NoError(t, f.crawler.ExecuteCrawl(ctx, r.ID))

	scraped, err := f.store.ListScraped(ctx, col.ID)
	require.NoError(t, err)
	assert.Len(t, scraped, 1, "equivalent spellings normalise to one frontier entry")
	assert.Len(t, f.renderer.calls, 1)
}

func TestCrawlFollowsLinksWithinDomain(t *testing.T) {
	ctx := context.Background()
	col := &Collection{
		OrganizationID: "org-1", Name: "Example", Slug: "example",
		MaxPages:        10,
		ExcludePatterns: []string{"/admin/**"},
	}
	f := newCrawlFixture(t, col, "https://ex.com/")

	f.renderer.pages["https://ex.com/"] = page("<html>root</html>", "# Root",
		"https://ex.com/a", "https://other.com/external", "https://ex.com/admin/panel")
	f.renderer.pages["https://ex.com/a"] = page("<html>a</html>", "# A")

	r := f.newRun(t)
	require.NoError(t, f.crawler.ExecuteCrawl(ctx, r.ID))

	done, err := f.runs.Get(ctx, "org-1", r.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, done.ResultsSummary["pages_crawled"])
	assert.EqualValues(t, 2, done.ResultsSummary["pages_new"])
	// The admin link is discovered but filtered at dequeue; the external
	// link is dropped before it ever enters the frontier.
	assert.EqualValues(t, 3, done.ResultsSummary["urls_discovered"])
	assert.NotContains(t, f.renderer.calls, "https://other.com/external")
	assert.NotContains(t, f.renderer.calls, "https://ex.com/admin/panel")
}

func TestCrawlRespectsMaxDepth(t *testing.T) {
	ctx := context.Background()
	col := &Collection{OrganizationID: "org-1", Name: "Example", Slug: "example", MaxPages: 10, MaxDepth: 1}
	f := newCrawlFixture(t, col, "https://ex.com/")

	f.renderer.pages["https://ex.com/"] = page("<html>root</html>", "# Root", "https://ex.com/a")
	f.renderer.pages["https://ex.com/a"] = page("<html>a</html>", "# A", "https://ex.com/a/b")
	f.renderer.pages["https://ex.com/a/b"] = page("<html>b</html>", "# B")

	r := f.newRun(t)
	require.NoError(t, f.crawler.ExecuteCrawl(ctx, r.ID))

	assert.NotContains(t, f.renderer.calls, "https://ex.com/a/b", "depth 2 exceeds max_depth 1")
	done, err := f.runs.Get(ctx, "org-1", r.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, done.ResultsSummary["pages_crawled"])
}

func TestCrawlMaxPagesLeavesRemainder(t *testing.T) {
	ctx := context.Background()
	col := &Collection{OrganizationID: "org-1", Name: "Example", Slug: "example", MaxPages: 2}
	f := newCrawlFixture(t, col, "https://ex.com/")

	f.renderer.pages["https://ex.com/"] = page("<html>root</html>", "# Root",
		"https://ex.com/a", "https://ex.com/b", "https://ex.com/c")
	f.renderer.pages["https://ex.com/a"] = page("<html>a</html>", "# A")
	f.renderer.pages["https://ex.com/b"] = page("<html>b</html>", "# B")
	f.renderer.pages["https://ex.com/c"] = page("<html>c</html>", "# C")

	r := f.newRun(t)
	require.NoError(t, f.crawler.ExecuteCrawl(ctx, r.ID))

	done, err := f.runs.Get(ctx, "org-1", r.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, done.ResultsSummary["pages_crawled"])
	assert.EqualValues(t, 2, done.ResultsSummary["urls_remaining"])
}

func TestCrawlInlineExtraction(t *testing.T) {
	ctx := context.Background()
	col := &Collection{OrganizationID: "org-1", Name: "Example", Slug: "example", MaxPages: 10}
	f := newCrawlFixture(t, col, "https://ex.com/")

	f.renderer.pages["https://ex.com/"] = page("<html>doc</html>", "# Document")
	r := f.newRun(t)
	require.NoError(t, f.crawler.ExecuteCrawl(ctx, r.ID))

	scraped, err := f.store.ListScraped(ctx, col.ID)
	require.NoError(t, err)
	require.Len(t, scraped, 1)

	a, err := f.assets.GetAsset(ctx, scraped[0].AssetID)
	require.NoError(t, err)
	assert.Equal(t, asset.StatusReady, a.Status)
	assert.Equal(t, asset.TierBasic, a.ExtractionTier)

	ext, err := f.assets.LatestExtractionForAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, asset.ExtractionCompleted, ext.Status)
	assert.Equal(t, asset.ProcessedPath(a.RawObjectKey), ext.ExtractedObjectKey)

	markdown, err := f.blobs.Get(ctx, asset.BucketProcessed, ext.ExtractedObjectKey)
	require.NoError(t, err)
	assert.Equal(t, "# Document", string(markdown))

	// The synthesised extraction run is already completed; nothing pends
	// in the extraction queue.
	extractionRuns, err := f.runs.List(ctx, "org-1", run.Filter{Types: []run.Type{run.TypeExtraction}})
	require.NoError(t, err)
	require.Len(t, extractionRuns, 1)
	assert.Equal(t, run.StatusCompleted, extractionRuns[0].Status)
	assert.Equal(t, true, extractionRuns[0].Config["inline"])
}

func TestCrawlWithoutMarkdownLeavesAssetPending(t *testing.T) {
	ctx := context.Background()
	col := &Collection{OrganizationID: "org-1", Name: "Example", Slug: "example", MaxPages: 10}
	f := newCrawlFixture(t, col, "https://ex.com/")

	f.renderer.pages["https://ex.com/"] = page("<html>opaque</html>", "")
	r := f.newRun(t)
	require.NoError(t, f.crawler.ExecuteCrawl(ctx, r.ID))

	scraped, err := f.store.ListScraped(ctx, col.ID)
	require.NoError(t, err)
	require.Len(t, scraped, 1)
	a, err := f.assets.GetAsset(ctx, scraped[0].AssetID)
	require.NoError(t, err)
	assert.Equal(t, asset.StatusPending, a.Status)

	extractionRuns, err := f.runs.List(ctx, "org-1", run.Filter{Types: []run.Type{run.TypeExtraction}})
	require.NoError(t, err)
	assert.Empty(t, extractionRuns)
}

func TestCrawlDownloadsDocuments(t *testing.T) {
	ctx := context.Background()
	col := &Collection{
		OrganizationID: "org-1", Name: "Example", Slug: "example",
		MaxPages:          10,
		DownloadDocuments: true,
	}
	f := newCrawlFixture(t, col, "https://ex.com/")

	f.renderer.pages["https://ex.com/"] = &RenderResult{
		HTML:          "<html>root</html>",
		Markdown:      "# Root",
		DocumentLinks: []string{"https://ex.com/files/report.pdf"},
	}
	f.download.files["https://ex.com/files/report.pdf"] = []byte("%PDF-1.7 fake")

	r := f.newRun(t)
	require.NoError(t, f.crawler.ExecuteCrawl(ctx, r.ID))

	done, err := f.runs.Get(ctx, "org-1", r.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, done.ResultsSummary["documents_discovered"])
	assert.EqualValues(t, 1, done.ResultsSummary["documents_downloaded"])

	doc, err := f.store.FindScraped(ctx, col.ID, "https://ex.com/files/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, SubtypeDocument, doc.Subtype)

	a, err := f.assets.GetAsset(ctx, doc.AssetID)
	require.NoError(t, err)
	assert.Equal(t, asset.SourceWebScrapeDocument, a.SourceType)
	assert.Equal(t, asset.StatusPending, a.Status)

	// The document goes through the normal extraction queue.
	pending, err := f.runs.List(ctx, "org-1", run.Filter{
		Types:    []run.Type{run.TypeExtraction},
		Statuses: []run.Status{run.StatusPending},
		AssetID:  a.ID,
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Re-crawl: the document is already known, nothing is re-downloaded.
	r2 := f.newRun(t)
	require.NoError(t, f.crawler.ExecuteCrawl(ctx, r2.ID))
	done2, err := f.runs.Get(ctx, "org-1", r2.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, done2.ResultsSummary["documents_discovered"])
	assert.EqualValues(t, 0, done2.ResultsSummary["documents_downloaded"])
}

func TestCrawlCountsRenderFailures(t *testing.T) {
	ctx := context.Background()
	col := &Collection{OrganizationID: "org-1", Name: "Example", Slug: "example", MaxPages: 10}
	f := newCrawlFixture(t, col, "https://ex.com/", "https://ex.com/broken")

	f.renderer.pages["https://ex.com/"] = page("<html>ok</html>", "# OK")
	f.renderer.errs["https://ex.com/broken"] = fmt.Errorf("connection refused")

	r := f.newRun(t)
	require.NoError(t, f.crawler.ExecuteCrawl(ctx, r.ID))

	done, err := f.runs.Get(ctx, "org-1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, done.Status, "failures are counted, not fatal")
	assert.EqualValues(t, 1, done.ResultsSummary["pages_crawled"])
	assert.EqualValues(t, 1, done.ResultsSummary["pages_failed"])
}

func TestCrawlRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	col := &Collection{OrganizationID: "org-1", Name: "Example", Slug: "example", MaxPages: 10}
	f := newCrawlFixture(t, col, "https://ex.com/")

	f.renderer.pages["https://ex.com/"] = page("<html>v1</html>", "# One")
	r := f.newRun(t)
	require.NoError(t, f.crawler.ExecuteCrawl(ctx, r.ID))
	calls := len(f.renderer.calls)

	require.NoError(t, f.crawler.ExecuteCrawl(ctx, r.ID))
	assert.Equal(t, calls, len(f.renderer.calls), "terminal run is not re-crawled")
}
