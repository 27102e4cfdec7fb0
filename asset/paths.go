package asset

import (
	"fmt"
	"path"
	"strings"
)

// Blob bucket names. The path scheme below is a stable operator-facing
// invariant: artefacts can be located without consulting the database.
const (
	BucketUploads   = "uploads"
	BucketProcessed = "processed"
)

// UploadPath returns the raw-object key for a direct upload:
// {org}/uploads/{asset_id}/{filename}.
func UploadPath(org, assetID, filename string) string {
	return path.Join(org, "uploads", assetID, sanitizeFilename(filename))
}

// ScrapeDocumentPath returns the raw-object key for a document discovered
// during a crawl: {org}/scrape/{collection_slug}/documents/{filename}.
func ScrapeDocumentPath(org, collectionSlug, filename string) string {
	return path.Join(org, "scrape", collectionSlug, "documents", sanitizeFilename(filename))
}

// ScrapePagePath returns the raw-object key for a crawled page:
// {org}/scrape/{collection_slug}/pages/{page_slug}.
func ScrapePagePath(org, collectionSlug, pageSlug string) string {
	return path.Join(org, "scrape", collectionSlug, "pages", sanitizeFilename(pageSlug))
}

// SharePointPath returns the raw-object key for a synced SharePoint file:
// {org}/sharepoint/{sync_slug}/{relative_path}/{filename}.
func SharePointPath(org, syncSlug, relativePath, filename string) string {
	rel := strings.Trim(relativePath, "/")
	return path.Join(org, "sharepoint", syncSlug, rel, sanitizeFilename(filename))
}

// SAMAttachmentPath returns the raw-object key for a downloaded SAM.gov
// attachment: {org}/sam/{notice_id}/{filename}.
func SAMAttachmentPath(org, noticeID, filename string) string {
	return path.Join(org, "sam", noticeID, sanitizeFilename(filename))
}

// ProcessedPath returns the processed-bucket key for the extracted markdown
// of a raw object: the raw key with a ".md" suffix.
func ProcessedPath(rawObjectKey string) string {
	return rawObjectKey + ".md"
}

// sanitizeFilename strips path separators and control characters so a
// remote-supplied name cannot escape its prefix.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" || name == "" {
		name = "unnamed"
	}
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if out == "" {
		out = "unnamed"
	}
	return out
}

// FileExtension returns the lowercase extension of filename without the
// leading dot, or "" when there is none.
func FileExtension(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	return strings.TrimPrefix(ext, ".")
}

// ObjectRef formats a (bucket, key) pair for logs and error messages.
func ObjectRef(bucket, key string) string {
	return fmt.Sprintf("%s/%s", bucket, key)
}
