// Package sam pulls federal contracting opportunities from the SAM.gov
// feed into Solicitation and Notice records, downloads linked attachments
// through the normal extraction pipeline, and summarises new opportunities.
package sam

import "time"

// Solicitation is the per-opportunity record, keyed by solicitation number
// within a tenant. Repeated pulls upsert in place.
type Solicitation struct {
	ID                 string     `json:"id"`
	OrganizationID     string     `json:"organization_id"`
	SolicitationNumber string     `json:"solicitation_number"`
	Title              string     `json:"title"`
	Agency             string     `json:"agency"`
	NoticeType         string     `json:"notice_type"`
	PostedDate         *time.Time `json:"posted_date,omitempty"`
	ResponseDeadline   *time.Time `json:"response_deadline,omitempty"`
	Description        string     `json:"description,omitempty"`
	SAMURL             string     `json:"sam_url,omitempty"`
	// Summary is filled in by the summariser after the pull.
	Summary   string    `json:"summary,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Notice is one raw feed entry, keyed by the feed's notice id within a
// tenant. A solicitation can accumulate several notices (amendments,
// updates) over its lifetime.
type Notice struct {
	ID                 string     `json:"id"`
	OrganizationID     string     `json:"organization_id"`
	NoticeID           string     `json:"notice_id"`
	SolicitationNumber string     `json:"solicitation_number"`
	Title              string     `json:"title"`
	NoticeType         string     `json:"notice_type"`
	PostedDate         *time.Time `json:"posted_date,omitempty"`
	ResponseDeadline   *time.Time `json:"response_deadline,omitempty"`
	SAMURL             string     `json:"sam_url,omitempty"`
	AttachmentURLs     []string   `json:"attachment_urls,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}
