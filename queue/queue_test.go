package queue

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docflow/asset"
	"github.com/c360studio/docflow/run"
)

func newTestService(t *testing.T) (*Service, *run.Service, *asset.MemoryStore) {
	t.Helper()
	logger := slog.Default()
	runs := run.NewService(run.NewMemoryStore(), logger)
	assets := asset.NewMemoryStore()
	svc := NewService(runs, assets, NewMemoryIndex(), NewRegistry(nil), logger)
	return svc, runs, assets
}

func seedAsset(t *testing.T, assets *asset.MemoryStore, org, id, contentType string) *asset.Asset {
	t.Helper()
	a, _, err := assets.CreateAsset(context.Background(), &asset.Asset{
		ID:               id,
		OrganizationID:   org,
		SourceType:       asset.SourceUpload,
		OriginalFilename: id + ".pdf",
		ContentType:      contentType,
		RawBucket:        asset.BucketUploads,
		RawObjectKey:     asset.UploadPath(org, id, id+".pdf"),
	})
	require.NoError(t, err)
	return a
}

func TestQueueExtraction(t *testing.T) {
	ctx := context.Background()
	svc, _, assets := newTestService(t)
	a := seedAsset(t, assets, "org-1", "a1", "application/pdf")

	r, ext, status, err := svc.QueueExtraction(ctx, a, run.OriginSystem, PrioritySystem, "", "v1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status)
	assert.Equal(t, run.StatusPending, r.Status)
	assert.Equal(t, PrioritySystem, r.Priority)
	require.NotNil(t, r.EnqueuedAt)
	require.NotNil(t, ext)
	assert.Equal(t, r.ID, ext.RunID)
	assert.Equal(t, asset.ExtractionPending, ext.Status)
}

func TestQueueExtractionDuplicateSuppression(t *testing.T) {
	ctx := context.Background()
	svc, runs, assets := newTestService(t)
	a := seedAsset(t, assets, "org-1", "a1", "application/pdf")

	first, _, status, err := svc.QueueExtraction(ctx, a, run.OriginSystem, PrioritySystem, "", "")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, status)

	second, _, status, err := svc.QueueExtraction(ctx, a, run.OriginSystem, PrioritySystem, "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyPending, status)
	assert.Equal(t, first.ID, second.ID)

	// Exactly one extraction run exists for the asset, in any status: a
	// suppressed enqueue must not persist a cancelled row either.
	all, err := runs.List(ctx, "org-1", run.Filter{
		Types:   []run.Type{run.TypeExtraction},
		AssetID: a.ID,
	})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, run.StatusPending, all[0].Status)

	// The extraction record still belongs to the first run.
	latest, err := assets.LatestExtractionForAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.RunID)
}

func TestQueueExtractionStaleSlotReclaimed(t *testing.T) {
	ctx := context.Background()
	svc, runs, assets := newTestService(t)
	a := seedAsset(t, assets, "org-1", "a1", "application/pdf")

	first, _, _, err := svc.QueueExtraction(ctx, a, run.OriginSystem, PrioritySystem, "", "")
	require.NoError(t, err)

	// Terminal holder whose slot was never released.
	_, err = runs.Cancel(ctx, first.ID, "test")
	require.NoError(t, err)

	second, _, status, err := svc.QueueExtraction(ctx, a, run.OriginSystem, PrioritySystem, "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestQueueExtractionSkipsInlineContentTypes(t *testing.T) {
	ctx := context.Background()
	svc, _, assets := newTestService(t)
	a := seedAsset(t, assets, "org-1", "a1", "text/html; charset=utf-8")

	r, ext, status, err := svc.QueueExtraction(ctx, a, run.OriginSystem, PrioritySystem, "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusSkippedContentType, status)
	assert.Nil(t, r)
	assert.Nil(t, ext)
}

func TestRequeueForUserCancelsSystemRun(t *testing.T) {
	ctx := context.Background()
	svc, runs, assets := newTestService(t)
	a := seedAsset(t, assets, "org-1", "a1", "application/pdf")

	system, _, _, err := svc.QueueExtraction(ctx, a, run.OriginSystem, PrioritySystem, "", "")
	require.NoError(t, err)

	user, status, err := svc.RequeueForUser(ctx, a.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status)
	assert.Equal(t, PriorityUser, user.Priority)
	assert.Equal(t, run.OriginUser, user.Origin)

	got, err := runs.Get(ctx, "org-1", system.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, got.Status)
}

func TestReleaseAssetFreesSlot(t *testing.T) {
	ctx := context.Background()
	svc, _, assets := newTestService(t)
	a := seedAsset(t, assets, "org-1", "a1", "application/pdf")

	_, _, _, err := svc.QueueExtraction(ctx, a, run.OriginSystem, PrioritySystem, "", "")
	require.NoError(t, err)
	require.NoError(t, svc.ReleaseAsset(ctx, a.ID))

	_, _, status, err := svc.QueueExtraction(ctx, a, run.OriginSystem, PrioritySystem, "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status)
}
