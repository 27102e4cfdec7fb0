// Package scrape implements the breadth-first crawl orchestrator: URL
// frontier management, change detection against prior crawls, inline
// extraction of rendered markdown, and document discovery.
package scrape

import (
	"time"
)

// Subtype distinguishes crawled pages from downloaded documents.
type Subtype string

const (
	SubtypePage     Subtype = "page"
	SubtypeDocument Subtype = "document"
)

// Collection owns seed sources and hosts the pages discovered from them.
type Collection struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Slug           string `json:"slug"`

	MaxPages            int      `json:"max_pages"`
	MaxDepth            int      `json:"max_depth"`
	DelaySeconds        float64  `json:"delay_seconds"`
	FollowExternalLinks bool     `json:"follow_external_links"`
	DownloadDocuments   bool     `json:"download_documents"`
	DocumentExtensions  []string `json:"document_extensions,omitempty"`
	IncludePatterns     []string `json:"include_patterns,omitempty"`
	ExcludePatterns     []string `json:"exclude_patterns,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// defaultDocumentExtensions are used when a collection does not configure
// its own list.
var defaultDocumentExtensions = []string{"pdf", "doc", "docx", "xlsx", "pptx"}

// Extensions returns the document extensions the collection downloads.
func (c *Collection) Extensions() []string {
	if len(c.DocumentExtensions) > 0 {
		return c.DocumentExtensions
	}
	return defaultDocumentExtensions
}

// Source is a seed URL within a collection.
type Source struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collection_id"`
	URL          string    `json:"url"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Metadata carries the per-URL crawl state used for change detection.
type Metadata struct {
	ContentHash   string     `json:"content_hash,omitempty"`
	VersionCount  int        `json:"version_count"`
	Title         string     `json:"title,omitempty"`
	LastCrawledAt *time.Time `json:"last_crawled_at,omitempty"`
}

// ScrapedAsset ties an asset to (collection_id, normalized_url). That pair
// is unique: re-crawling a URL mutates this record instead of adding one.
type ScrapedAsset struct {
	ID             string    `json:"id"`
	CollectionID   string    `json:"collection_id"`
	AssetID        string    `json:"asset_id"`
	NormalizedURL  string    `json:"normalized_url"`
	SourceID       string    `json:"source_id,omitempty"`
	ParentURL      string    `json:"parent_url,omitempty"`
	Depth          int       `json:"depth"`
	Subtype        Subtype   `json:"subtype"`
	ScrapeMetadata Metadata  `json:"scrape_metadata"`
	CreatedAt      time.Time `json:"created_at"`
}
