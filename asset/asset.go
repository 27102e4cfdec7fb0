// Package asset provides the canonical document records of docflow: assets,
// their immutable raw-content versions, extraction attempts, and the
// experiment-supporting metadata slots.
package asset

import "time"

// SourceType identifies where an asset's raw bytes came from.
type SourceType string

const (
	SourceUpload            SourceType = "upload"
	SourceSharePoint        SourceType = "sharepoint"
	SourceWebScrape         SourceType = "web_scrape"
	SourceWebScrapeDocument SourceType = "web_scrape_document"
	SourceSAMGov            SourceType = "sam_gov"
)

// Status is an asset lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
	StatusDeleted Status = "deleted"
)

// ExtractionTier records how much extraction work an asset has received.
type ExtractionTier string

const (
	TierNone     ExtractionTier = "none"
	TierBasic    ExtractionTier = "basic"
	TierEnhanced ExtractionTier = "enhanced"
)

// Asset is the canonical document record. (RawBucket, RawObjectKey) is
// unique among non-deleted assets.
type Asset struct {
	ID                   string         `json:"id"`
	OrganizationID       string         `json:"organization_id"`
	SourceType           SourceType     `json:"source_type"`
	SourceMetadata       map[string]any `json:"source_metadata,omitempty"`
	OriginalFilename     string         `json:"original_filename"`
	ContentType          string         `json:"content_type"`
	FileSize             int64          `json:"file_size"`
	FileHash             string         `json:"file_hash"`
	RawBucket            string         `json:"raw_bucket"`
	RawObjectKey         string         `json:"raw_object_key"`
	Status               Status         `json:"status"`
	CurrentVersionNumber int            `json:"current_version_number"`
	ExtractionTier       ExtractionTier `json:"extraction_tier"`
	EnhancementEligible  bool           `json:"enhancement_eligible"`
	EnhancementQueuedAt  *time.Time     `json:"enhancement_queued_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	CreatedBy            string         `json:"created_by,omitempty"`
}

// Version is an immutable raw-content snapshot. Exactly one version per
// asset has IsCurrent true, matching the asset's CurrentVersionNumber.
type Version struct {
	AssetID       string    `json:"asset_id"`
	VersionNumber int       `json:"version_number"`
	RawBucket     string    `json:"raw_bucket"`
	RawObjectKey  string    `json:"raw_object_key"`
	FileSize      int64     `json:"file_size"`
	FileHash      string    `json:"file_hash"`
	ContentType   string    `json:"content_type"`
	IsCurrent     bool      `json:"is_current"`
	CreatedAt     time.Time `json:"created_at"`
	CreatedBy     string    `json:"created_by,omitempty"`
}

// ExtractionStatus tracks one extraction attempt's lifecycle.
type ExtractionStatus string

const (
	ExtractionPending   ExtractionStatus = "pending"
	ExtractionRunning   ExtractionStatus = "running"
	ExtractionCompleted ExtractionStatus = "completed"
	ExtractionFailed    ExtractionStatus = "failed"
)

// Extraction is one attempt at converting a raw asset version to markdown.
// A completed extraction always has both ExtractedBucket and
// ExtractedObjectKey set.
type Extraction struct {
	ID                    string           `json:"id"`
	AssetID               string           `json:"asset_id"`
	AssetVersionNumber    int              `json:"asset_version_number,omitempty"`
	RunID                 string           `json:"run_id"`
	ExtractorVersion      string           `json:"extractor_version,omitempty"`
	Status                ExtractionStatus `json:"status"`
	ExtractedBucket       string           `json:"extracted_bucket,omitempty"`
	ExtractedObjectKey    string           `json:"extracted_object_key,omitempty"`
	StructureMetadata     map[string]any   `json:"structure_metadata,omitempty"`
	Warnings              []string         `json:"warnings,omitempty"`
	Errors                []string         `json:"errors,omitempty"`
	ExtractionTimeSeconds float64          `json:"extraction_time_seconds,omitempty"`
	ExtractionTier        ExtractionTier   `json:"extraction_tier,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
}

// MetadataStatus is an AssetMetadata lifecycle state.
type MetadataStatus string

const (
	MetadataActive     MetadataStatus = "active"
	MetadataSuperseded MetadataStatus = "superseded"
	MetadataDeprecated MetadataStatus = "deprecated"
)

// Metadata is an experiment-supporting metadata slot. At most one active
// canonical record exists per (asset_id, metadata_type).
type Metadata struct {
	ID              string         `json:"id"`
	AssetID         string         `json:"asset_id"`
	MetadataType    string         `json:"metadata_type"`
	SchemaVersion   int            `json:"schema_version"`
	MetadataContent map[string]any `json:"metadata_content,omitempty"`
	ProducerRunID   string         `json:"producer_run_id,omitempty"`
	IsCanonical     bool           `json:"is_canonical"`
	Status          MetadataStatus `json:"status"`
	SupersededByID  string         `json:"superseded_by_id,omitempty"`
	SupersededAt    *time.Time     `json:"superseded_at,omitempty"`
	PromotedAt      *time.Time     `json:"promoted_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
