package asset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docflow/storage"
)

func newUploadAsset(org, id, filename string) *Asset {
	key := UploadPath(org, id, filename)
	return &Asset{
		ID:               id,
		OrganizationID:   org,
		SourceType:       SourceUpload,
		OriginalFilename: filename,
		ContentType:      "application/pdf",
		RawBucket:        BucketUploads,
		RawObjectKey:     key,
	}
}

func TestCreateAssetPathCollisionReuses(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a1, created, err := store.CreateAsset(ctx, newUploadAsset("org-1", "a1", "r1.pdf"))
	require.NoError(t, err)
	assert.True(t, created)

	dup := newUploadAsset("org-1", "a2", "r1.pdf")
	dup.RawObjectKey = a1.RawObjectKey
	a2, created, err := store.CreateAsset(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a1.ID, a2.ID)
}

func TestVersioningInvariants(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a, _, err := store.CreateAsset(ctx, newUploadAsset("org-1", "a1", "doc.pdf"))
	require.NoError(t, err)
	assert.Equal(t, 0, a.CurrentVersionNumber)

	v1, err := store.AddVersion(ctx, a.ID, &Version{
		RawBucket:    a.RawBucket,
		RawObjectKey: a.RawObjectKey,
		FileHash:     "h1",
		FileSize:     100,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.VersionNumber)
	assert.True(t, v1.IsCurrent)

	v2, err := store.AddVersion(ctx, a.ID, &Version{
		RawBucket:    a.RawBucket,
		RawObjectKey: a.RawObjectKey,
		FileHash:     "h2",
		FileSize:     120,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)

	a, err = store.GetAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, a.CurrentVersionNumber)
	assert.Equal(t, "h2", a.FileHash)

	versions, err := store.Versions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)

	currents := 0
	for _, v := range versions {
		if v.IsCurrent {
			currents++
			assert.Equal(t, a.CurrentVersionNumber, v.VersionNumber)
		}
	}
	assert.Equal(t, 1, currents, "exactly one version must be current")
}

func TestFindByHashDedup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := newUploadAsset("org-1", "a1", "x.pdf")
	a.FileHash = "abc"
	_, _, err := store.CreateAsset(ctx, a)
	require.NoError(t, err)

	found, err := store.FindByHash(ctx, "org-1", "abc")
	require.NoError(t, err)
	assert.Equal(t, "a1", found.ID)

	// Hash dedup is tenant-scoped.
	_, err = store.FindByHash(ctx, "org-2", "abc")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSoftDeleteFreesObjectSlot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a, _, err := store.CreateAsset(ctx, newUploadAsset("org-1", "a1", "doc.pdf"))
	require.NoError(t, err)
	require.NoError(t, store.SoftDelete(ctx, a.ID))

	got, err := store.GetAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, got.Status)

	// The same path may now be used by a fresh asset.
	b, created, err := store.CreateAsset(ctx, newUploadAsset("org-1", "a2", "doc.pdf"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestCanonicalMetadataPromotion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	m1 := &Metadata{AssetID: "a1", MetadataType: "summary.executive.v1", SchemaVersion: 1}
	require.NoError(t, store.CreateMetadata(ctx, m1))
	m2 := &Metadata{AssetID: "a1", MetadataType: "summary.executive.v1", SchemaVersion: 1}
	require.NoError(t, store.CreateMetadata(ctx, m2))

	_, err := store.PromoteMetadata(ctx, m1.ID)
	require.NoError(t, err)

	promoted, err := store.PromoteMetadata(ctx, m2.ID)
	require.NoError(t, err)
	assert.True(t, promoted.IsCanonical)

	old, err := store.ListMetadata(ctx, "a1")
	require.NoError(t, err)
	canonical := 0
	for _, m := range old {
		if m.IsCanonical && m.Status == MetadataActive {
			canonical++
		}
		if m.ID == m1.ID {
			assert.Equal(t, MetadataSuperseded, m.Status)
			assert.Equal(t, m2.ID, m.SupersededByID)
		}
	}
	assert.Equal(t, 1, canonical)

	// Promoting the already-canonical record is rejected.
	_, err = store.PromoteMetadata(ctx, m2.ID)
	require.ErrorIs(t, err, ErrAlreadyCanonical)
}

func TestPathPolicy(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"upload", UploadPath("org-1", "a1", "r1.pdf"), "org-1/uploads/a1/r1.pdf"},
		{"scrape document", ScrapeDocumentPath("org-1", "docs-site", "guide.pdf"), "org-1/scrape/docs-site/documents/guide.pdf"},
		{"sharepoint nested", SharePointPath("org-1", "finance", "/2025/q3/", "report.docx"), "org-1/sharepoint/finance/2025/q3/report.docx"},
		{"processed suffix", ProcessedPath("org-1/uploads/a1/r1.pdf"), "org-1/uploads/a1/r1.pdf.md"},
		{"traversal stripped", UploadPath("org-1", "a1", "../../etc/passwd"), "org-1/uploads/a1/passwd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestFileExtension(t *testing.T) {
	assert.Equal(t, "pdf", FileExtension("Report.PDF"))
	assert.Equal(t, "", FileExtension("README"))
	assert.Equal(t, "docx", FileExtension("a/b/c.docx"))
}
