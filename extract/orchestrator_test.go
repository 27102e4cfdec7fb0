package extract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docflow/asset"
	"github.com/c360studio/docflow/blob"
	"github.com/c360studio/docflow/config"
	"github.com/c360studio/docflow/run"
)

type fakeExtractor struct {
	result *Result
	err    error
	calls  int
}

func (f *fakeExtractor) Extract(_ context.Context, _ config.EngineConfig, _ string, file io.Reader) (*Result, error) {
	f.calls++
	_, _ = io.ReadAll(file)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeSlots struct{ released []string }

func (f *fakeSlots) ReleaseAsset(_ context.Context, assetID string) error {
	f.released = append(f.released, assetID)
	return nil
}

type fixture struct {
	orch      *Orchestrator
	runs      *run.Service
	assets    *asset.MemoryStore
	blobs     *blob.MemoryStore
	extractor *fakeExtractor
	slots     *fakeSlots
}

func newFixture(t *testing.T, extractor *fakeExtractor) *fixture {
	t.Helper()
	logger := slog.Default()
	runs := run.NewService(run.NewMemoryStore(), logger)
	assets := asset.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	slots := &fakeSlots{}
	registry := NewRegistry(config.DefaultConfig().Extraction)
	orch := NewOrchestrator(runs, assets, blobs, extractor, registry, slots, "processed", logger)
	return &fixture{orch: orch, runs: runs, assets: assets, blobs: blobs, extractor: extractor, slots: slots}
}

func (fx *fixture) seed(t *testing.T, filename string) (*asset.Asset, *run.Run) {
	t.Helper()
	ctx := context.Background()
	key := asset.UploadPath("org-1", "a1", filename)
	a, _, err := fx.assets.CreateAsset(ctx, &asset.Asset{
		ID:               "a1",
		OrganizationID:   "org-1",
		SourceType:       asset.SourceUpload,
		OriginalFilename: filename,
		ContentType:      "application/pdf",
		RawBucket:        asset.BucketUploads,
		RawObjectKey:     key,
	})
	require.NoError(t, err)
	require.NoError(t, fx.blobs.Put(ctx, a.RawBucket, a.RawObjectKey, []byte("%PDF-1.4 raw"), "application/pdf"))

	r, err := fx.runs.Create(ctx, "org-1", run.TypeExtraction, run.OriginSystem, nil, []string{a.ID}, "")
	require.NoError(t, err)
	require.NoError(t, fx.assets.CreateExtraction(ctx, &asset.Extraction{
		AssetID: a.ID,
		RunID:   r.ID,
		Status:  asset.ExtractionPending,
	}))
	return a, r
}

func TestExecuteSuccess(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeExtractor{result: &Result{
		Markdown:   "# Report\n\nBody.",
		Warnings:   []string{"low resolution image"},
		EngineInfo: map[string]any{"engine_name": "markdown-extractor v2"},
	}})
	a, r := fx.seed(t, "r1.pdf")

	require.NoError(t, fx.orch.Execute(ctx, r.ID))

	got, err := fx.runs.Get(ctx, "org-1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status)
	assert.EqualValues(t, len("# Report\n\nBody."), got.ResultsSummary["markdown_length"])
	assert.EqualValues(t, 1, got.ResultsSummary["warnings_count"])
	assert.Equal(t, "markdown-extractor", got.ResultsSummary["engine"])
	assert.Equal(t, "markdown-extractor v2", got.ResultsSummary["engine_name"])

	md, err := fx.blobs.Get(ctx, "processed", a.RawObjectKey+".md")
	require.NoError(t, err)
	assert.Contains(t, string(md), "# Report")

	updated, err := fx.assets.GetAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, asset.StatusReady, updated.Status)
	assert.Equal(t, asset.TierBasic, updated.ExtractionTier)
	assert.True(t, updated.EnhancementEligible, "pdf qualifies for enhancement")
	assert.NotNil(t, updated.EnhancementQueuedAt)

	ext, err := fx.assets.LatestExtractionForAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, asset.ExtractionCompleted, ext.Status)
	assert.Equal(t, "processed", ext.ExtractedBucket)
	assert.NotEmpty(t, ext.ExtractedObjectKey)

	assert.Equal(t, []string{a.ID}, fx.slots.released)

	// Enhancement deferred indexing: one pending enhancement run, no indexing.
	enh, err := fx.runs.List(ctx, "org-1", run.Filter{Types: []run.Type{run.TypeExtractionEnhancement}})
	require.NoError(t, err)
	require.Len(t, enh, 1)
	assert.Equal(t, run.StatusPending, enh[0].Status)
	idx, err := fx.runs.List(ctx, "org-1", run.Filter{Types: []run.Type{run.TypeIndexing}})
	require.NoError(t, err)
	assert.Empty(t, idx)
}

func TestExecuteIndexesWhenNotEnhancementEligible(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeExtractor{result: &Result{Markdown: "text"}})
	_, r := fx.seed(t, "notes.txt")

	require.NoError(t, fx.orch.Execute(ctx, r.ID))

	idx, err := fx.runs.List(ctx, "org-1", run.Filter{Types: []run.Type{run.TypeIndexing}})
	require.NoError(t, err)
	assert.Len(t, idx, 1)
	enh, err := fx.runs.List(ctx, "org-1", run.Filter{Types: []run.Type{run.TypeExtractionEnhancement}})
	require.NoError(t, err)
	assert.Empty(t, enh)
}

func TestExecuteUnsupportedFormat(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeExtractor{result: &Result{Markdown: "x"}})
	a, r := fx.seed(t, "archive.zip")

	require.NoError(t, fx.orch.Execute(ctx, r.ID))

	got, err := fx.runs.Get(ctx, "org-1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "markdown-extractor")
	assert.Contains(t, got.ErrorMessage, "pdf")
	assert.Zero(t, fx.extractor.calls, "extractor must not be invoked")

	updated, err := fx.assets.GetAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, asset.StatusFailed, updated.Status)
}

func TestExecuteExtractorFailure(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeExtractor{err: errors.New("extractor unavailable")})
	a, r := fx.seed(t, "r1.pdf")

	require.NoError(t, fx.orch.Execute(ctx, r.ID))

	got, err := fx.runs.Get(ctx, "org-1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "extractor unavailable")

	ext, err := fx.assets.LatestExtractionForAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, asset.ExtractionFailed, ext.Status)
	assert.NotEmpty(t, ext.Errors)
	assert.Equal(t, []string{a.ID}, fx.slots.released)

	logs, err := fx.runs.Logs(ctx, r.ID)
	require.NoError(t, err)
	var sawError bool
	for _, ev := range logs {
		if ev.Level == run.LevelError {
			sawError = true
		}
	}
	assert.True(t, sawError, "failure emits an ERROR log event")
}

func TestExecuteEmptyMarkdownFails(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeExtractor{result: &Result{Markdown: ""}})
	_, r := fx.seed(t, "r1.pdf")

	require.NoError(t, fx.orch.Execute(ctx, r.ID))

	got, err := fx.runs.Get(ctx, "org-1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "empty markdown")
}

func TestExecuteRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeExtractor{result: &Result{Markdown: "# ok"}})
	_, r := fx.seed(t, "r1.pdf")

	require.NoError(t, fx.orch.Execute(ctx, r.ID))
	calls := fx.extractor.calls

	// Redelivery of the now-completed run is a no-op.
	require.NoError(t, fx.orch.Execute(ctx, r.ID))
	assert.Equal(t, calls, fx.extractor.calls)
}

func TestExecuteResumeLogsRestart(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeExtractor{result: &Result{Markdown: "# ok"}})
	_, r := fx.seed(t, "r1.pdf")

	_, err := fx.runs.UpdateStatus(ctx, r.ID, run.StatusRunning)
	require.NoError(t, err)

	require.NoError(t, fx.orch.Execute(ctx, r.ID))

	logs, err := fx.runs.Logs(ctx, r.ID)
	require.NoError(t, err)
	var sawRestart bool
	for _, ev := range logs {
		if ev.EventType == run.EventRestart {
			sawRestart = true
		}
	}
	assert.True(t, sawRestart)
}

func TestSupports(t *testing.T) {
	engine := config.EngineConfig{Name: "e", Formats: []string{"pdf", "docx"}}
	assert.True(t, Supports(engine, "pdf"))
	assert.True(t, Supports(engine, ".PDF"), "extension is normalised")
	assert.False(t, Supports(engine, "zip"))
}
