package sam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/c360studio/docflow/config"
)

// Opportunity is one entry of the feed's wire format.
type Opportunity struct {
	NoticeID           string   `json:"noticeId"`
	Title              string   `json:"title"`
	SolicitationNumber string   `json:"solicitationNumber"`
	FullParentPathName string   `json:"fullParentPathName"`
	PostedDate         string   `json:"postedDate"`
	Type               string   `json:"type"`
	ResponseDeadLine   string   `json:"responseDeadLine"`
	UILink             string   `json:"uiLink"`
	Description        string   `json:"description"`
	Active             string   `json:"active"`
	ResourceLinks      []string `json:"resourceLinks"`
}

// Page is one page of feed results.
type Page struct {
	TotalRecords  int
	Opportunities []Opportunity
}

// Feed is the opportunity-feed surface the puller depends on.
type Feed interface {
	FetchPage(ctx context.Context, postedFrom, postedTo time.Time, limit, offset int) (*Page, error)
}

// Client fetches opportunity pages from the SAM.gov API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a Client from the SAM config section.
func NewClient(cfg config.SAMConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// feedDateFormat is the MM/dd/yyyy layout the API requires.
const feedDateFormat = "01/02/2006"

type feedResponse struct {
	TotalRecords      int           `json:"totalRecords"`
	OpportunitiesData []Opportunity `json:"opportunitiesData"`
}

// FetchPage requests one page of opportunities posted in [postedFrom, postedTo].
func (c *Client) FetchPage(ctx context.Context, postedFrom, postedTo time.Time, limit, offset int) (*Page, error) {
	q := url.Values{
		"api_key":    {c.apiKey},
		"postedFrom": {postedFrom.Format(feedDateFormat)},
		"postedTo":   {postedTo.Format(feedDateFormat)},
		"limit":      {strconv.Itoa(limit)},
		"offset":     {strconv.Itoa(offset)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opportunity feed request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("opportunity feed rate limited (HTTP 429)")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("opportunity feed returned HTTP %d: %s", resp.StatusCode, body)
	}
	var fr feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, fmt.Errorf("decode opportunity page: %w", err)
	}
	return &Page{TotalRecords: fr.TotalRecords, Opportunities: fr.OpportunitiesData}, nil
}

// parseFeedDate accepts the two timestamp shapes the feed emits.
func parseFeedDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
