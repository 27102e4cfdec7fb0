// Package sharepoint syncs files from SharePoint document libraries into
// docflow assets, with etag-based change classification and deletion
// detection.
package sharepoint

import "time"

// SyncStatus is the per-document sync state.
type SyncStatus string

const (
	StatusSynced          SyncStatus = "synced"
	StatusDeletedInSource SyncStatus = "deleted_in_source"
)

// Phase names the stage a running sync is in, surfaced in the config's
// stats JSON.
type Phase string

const (
	PhaseSyncing            Phase = "syncing"
	PhaseDetectingDeletions Phase = "detecting_deletions"
	PhaseCompleted          Phase = "completed"
)

// Stats is the per-sync progress snapshot persisted on the config.
type Stats struct {
	Phase          Phase      `json:"phase"`
	CurrentFile    string     `json:"current_file,omitempty"`
	TotalFiles     int        `json:"total_files"`
	FilesNew       int        `json:"files_new"`
	FilesUpdated   int        `json:"files_updated"`
	FilesUnchanged int        `json:"files_unchanged"`
	FilesSkipped   int        `json:"files_skipped"`
	FilesFailed    int        `json:"files_failed"`
	FilesDeleted   int        `json:"files_deleted"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
}

// SyncConfig describes one SharePoint folder to mirror.
type SyncConfig struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Slug           string `json:"slug"`
	DriveID        string `json:"drive_id"`
	FolderPath     string `json:"folder_path"`
	Recursive      bool   `json:"recursive"`
	Enabled        bool   `json:"enabled"`

	MaxFileSize     int64    `json:"max_file_size,omitempty"`
	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`

	Stats     *Stats    `json:"stats,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncedDocument records one remote item observed by a sync config.
// (sync_config_id, sharepoint_item_id) is unique.
type SyncedDocument struct {
	ID                string     `json:"id"`
	SyncConfigID      string     `json:"sync_config_id"`
	AssetID           string     `json:"asset_id"`
	SharePointItemID  string     `json:"sharepoint_item_id"`
	ETag              string     `json:"etag"`
	Path              string     `json:"path,omitempty"`
	FileName          string     `json:"file_name"`
	FileSize          int64      `json:"file_size"`
	SyncStatus        SyncStatus `json:"sync_status"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
	DeletedDetectedAt *time.Time `json:"deleted_detected_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}
