package sam

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
	"time"

	"github.com/c360studio/docflow/asset"
	"github.com/c360studio/docflow/blob"
	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/run"
	"github.com/c360studio/docflow/storage"
)

// EventOpportunityCreated is emitted once per newly seen solicitation.
const EventOpportunityCreated = "sam.opportunity.created"

// AttachmentDownloader fetches one linked attachment.
type AttachmentDownloader interface {
	Download(ctx context.Context, rawURL string) (data []byte, contentType string, err error)
}

// HTTPDownloader downloads attachments over plain HTTP.
type HTTPDownloader struct {
	Client *http.Client
}

func (d *HTTPDownloader) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("attachment fetch returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Puller drains the opportunity feed page by page under the per-tenant call
// budget, upserting records, downloading attachments into the extraction
// pipeline, and emitting events for newly seen opportunities.
type Puller struct {
	store         Store
	runs          *run.Service
	assets        asset.Store
	blobs         blob.Store
	queue         *queue.Service
	feed          Feed
	budget        UsageTracker
	emitter       run.EventEmitter
	downloader    AttachmentDownloader
	pageSize      int
	uploadsBucket string
	logger        *slog.Logger
}

// NewPuller wires a Puller. emitter may be nil when no event bus is running.
func NewPuller(store Store, runs *run.Service, assets asset.Store, blobs blob.Store, q *queue.Service, feed Feed, budget UsageTracker, emitter run.EventEmitter, downloader AttachmentDownloader, pageSize int, uploadsBucket string, logger *slog.Logger) *Puller {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Puller{
		store:         store,
		runs:          runs,
		assets:        assets,
		blobs:         blobs,
		queue:         q,
		feed:          feed,
		budget:        budget,
		emitter:       emitter,
		downloader:    downloader,
		pageSize:      pageSize,
		uploadsBucket: uploadsBucket,
		logger:        logger,
	}
}

type pullStats struct {
	processed             int
	totalRecords          int
	solicitationsCreated  int
	solicitationsUpdated  int
	noticesCreated        int
	attachmentsDownloaded int
	attachmentsFailed     int
}

func (st *pullStats) summary(extra map[string]any) map[string]any {
	out := map[string]any{
		"total_records":          st.totalRecords,
		"processed":              st.processed,
		"solicitations_created":  st.solicitationsCreated,
		"solicitations_updated":  st.solicitationsUpdated,
		"notices_created":        st.noticesCreated,
		"attachments_downloaded": st.attachmentsDownloaded,
		"attachments_failed":     st.attachmentsFailed,
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// ExecutePull is the worker entry point for a sam_pull run. Idempotent on
// terminal run state. When the call budget runs out mid-pull the run
// completes with rate_limited set; the next scheduled pull resumes from the
// feed (upserts make re-reading earlier pages harmless).
func (p *Puller) ExecutePull(ctx context.Context, runID string) error {
	r, err := p.runs.Store().Get(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		p.logger.Info("Pull run already terminal, skipping", "run_id", runID, "status", r.Status)
		return nil
	}
	if r.Status != run.StatusRunning {
		if _, err := p.runs.UpdateStatus(ctx, runID, run.StatusRunning); err != nil {
			return err
		}
	}

	org := r.OrganizationID
	daysBack := 1
	if v, ok := r.Config["days_back"].(float64); ok && v > 0 {
		daysBack = int(v)
	}
	downloadAttachments, _ := r.Config["download_attachments"].(bool)

	now := time.Now().UTC()
	postedFrom := now.AddDate(0, 0, -daysBack)

	stats := &pullStats{}
	offset := 0
	remaining := 0
	for {
		rem, ok, err := p.budget.Allow(ctx, org, now)
		if err != nil {
			_, _ = p.runs.Fail(ctx, runID, fmt.Sprintf("budget check failed: %v", err))
			return fmt.Errorf("checking call budget: %w", err)
		}
		if !ok {
			p.logger.Warn("Pull halted, call budget exhausted", "run_id", runID, "org", org, "processed", stats.processed)
			_, err = p.runs.Complete(ctx, runID, stats.summary(map[string]any{
				"rate_limited":     true,
				"remaining_budget": 0,
			}))
			return err
		}
		remaining = rem

		page, err := p.feed.FetchPage(ctx, postedFrom, now, p.pageSize, offset)
		if err != nil {
			_, _ = p.runs.Fail(ctx, runID, fmt.Sprintf("feed page at offset %d failed: %v", offset, err))
			return fmt.Errorf("fetching feed page: %w", err)
		}
		stats.totalRecords = page.TotalRecords
		if len(page.Opportunities) == 0 {
			break
		}

		for i := range page.Opportunities {
			if err := p.ingest(ctx, org, runID, &page.Opportunities[i], downloadAttachments, stats); err != nil {
				p.logger.Warn("Opportunity ingest failed",
					"run_id", runID, "notice_id", page.Opportunities[i].NoticeID, "error", err)
			}
			stats.processed++
		}
		if _, err := p.runs.UpdateProgress(ctx, runID, stats.processed, stats.totalRecords, "opportunities"); err != nil {
			p.logger.Warn("Failed to update pull progress", "run_id", runID, "error", err)
		}

		offset += len(page.Opportunities)
		if offset >= page.TotalRecords {
			break
		}
	}

	_, err = p.runs.Complete(ctx, runID, stats.summary(map[string]any{
		"remaining_budget": remaining,
	}))
	return err
}

func (p *Puller) ingest(ctx context.Context, org, runID string, opp *Opportunity, downloadAttachments bool, stats *pullStats) error {
	number := opp.SolicitationNumber
	if number == "" {
		number = opp.NoticeID
	}

	notice := &Notice{
		OrganizationID:     org,
		NoticeID:           opp.NoticeID,
		SolicitationNumber: number,
		Title:              opp.Title,
		NoticeType:         opp.Type,
		PostedDate:         parseFeedDate(opp.PostedDate),
		ResponseDeadline:   parseFeedDate(opp.ResponseDeadLine),
		SAMURL:             opp.UILink,
		AttachmentURLs:     opp.ResourceLinks,
	}
	noticeCreated, err := p.store.UpsertNotice(ctx, notice)
	if err != nil {
		return fmt.Errorf("upserting notice: %w", err)
	}
	if noticeCreated {
		stats.noticesCreated++
	}

	sol := &Solicitation{
		OrganizationID:     org,
		SolicitationNumber: number,
		Title:              opp.Title,
		Agency:             opp.FullParentPathName,
		NoticeType:         opp.Type,
		PostedDate:         parseFeedDate(opp.PostedDate),
		ResponseDeadline:   parseFeedDate(opp.ResponseDeadLine),
		Description:        opp.Description,
		SAMURL:             opp.UILink,
		Active:             opp.Active != "No",
	}
	created, err := p.store.UpsertSolicitation(ctx, sol)
	if err != nil {
		return fmt.Errorf("upserting solicitation: %w", err)
	}
	if created {
		stats.solicitationsCreated++
		p.emitCreated(ctx, org, runID, sol)
	} else {
		stats.solicitationsUpdated++
	}

	if downloadAttachments && p.downloader != nil {
		for _, link := range opp.ResourceLinks {
			if err := p.downloadAttachment(ctx, org, opp.NoticeID, link); err != nil {
				stats.attachmentsFailed++
				p.logger.Warn("Attachment download failed",
					"run_id", runID, "notice_id", opp.NoticeID, "url", link, "error", err)
				continue
			}
			stats.attachmentsDownloaded++
		}
	}
	return nil
}

func (p *Puller) emitCreated(ctx context.Context, org, runID string, sol *Solicitation) {
	if p.emitter == nil {
		return
	}
	payload := map[string]any{
		"solicitation_number": sol.SolicitationNumber,
		"title":               sol.Title,
		"agency":              sol.Agency,
		"notice_type":         sol.NoticeType,
		"sam_url":             sol.SAMURL,
	}
	if err := p.emitter.Emit(ctx, EventOpportunityCreated, org, payload, runID); err != nil {
		p.logger.Warn("Failed to emit opportunity event",
			"run_id", runID, "solicitation", sol.SolicitationNumber, "error", err)
	}
}

// downloadAttachment stores one linked file as an asset and queues its
// extraction. Re-pulls are deduped on the raw object key.
func (p *Puller) downloadAttachment(ctx context.Context, org, noticeID, link string) error {
	filename := attachmentFilename(link)
	key := asset.SAMAttachmentPath(org, noticeID, filename)
	if _, err := p.assets.FindByObject(ctx, p.uploadsBucket, key); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	data, contentType, err := p.downloader.Download(ctx, link)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	a, created, err := p.assets.CreateAsset(ctx, &asset.Asset{
		OrganizationID:   org,
		SourceType:       asset.SourceSAMGov,
		OriginalFilename: filename,
		ContentType:      contentType,
		FileSize:         int64(len(data)),
		FileHash:         hash,
		RawBucket:        p.uploadsBucket,
		RawObjectKey:     key,
		Status:           asset.StatusPending,
		SourceMetadata: map[string]any{
			"notice_id": noticeID,
			"url":       link,
		},
	})
	if err != nil {
		return fmt.Errorf("creating attachment asset: %w", err)
	}
	if !created {
		return nil
	}
	if err := p.blobs.Put(ctx, p.uploadsBucket, key, data, contentType); err != nil {
		return fmt.Errorf("storing attachment: %w", err)
	}
	if _, err := p.assets.AddVersion(ctx, a.ID, &asset.Version{
		RawBucket:    p.uploadsBucket,
		RawObjectKey: key,
		FileSize:     int64(len(data)),
		FileHash:     hash,
		ContentType:  contentType,
	}); err != nil {
		return fmt.Errorf("adding attachment version: %w", err)
	}
	if _, _, _, err := p.queue.QueueExtraction(ctx, a, run.OriginSystem, queue.PrioritySystem, "", ""); err != nil {
		return fmt.Errorf("queueing attachment extraction: %w", err)
	}
	return nil
}

func attachmentFilename(link string) string {
	if u, err := url.Parse(link); err == nil && u.Path != "" && u.Path != "/" {
		return path.Base(u.Path)
	}
	return "attachment"
}
