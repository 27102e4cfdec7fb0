package sharepoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/docflow/config"
)

// Item is one file in a SharePoint drive inventory.
type Item struct {
	ID          string
	Name        string
	Path        string
	Size        int64
	ETag        string
	ContentType string
}

// Client is the Microsoft Graph surface the syncer depends on.
type Client interface {
	ListFolder(ctx context.Context, driveID, folderPath string, recursive bool) ([]*Item, error)
	Download(ctx context.Context, driveID, itemID string) ([]byte, error)
}

// GraphClient talks to Microsoft Graph with client-credentials auth.
type GraphClient struct {
	baseURL      string
	tenantID     string
	clientID     string
	clientSecret string
	client       *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewGraphClient creates a Graph client from the SharePoint config section.
func NewGraphClient(cfg config.SharePointConfig) *GraphClient {
	return &GraphClient{
		baseURL:      strings.TrimSuffix(cfg.GraphBaseURL, "/"),
		tenantID:     cfg.TenantID,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		client:       &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *GraphClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"scope":         {"https://graph.microsoft.com/.default"},
	}
	tokenURL := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request returned HTTP %d", resp.StatusCode)
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	c.token = body.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(body.ExpiresIn-60) * time.Second)
	return c.token, nil
}

func (c *GraphClient) get(ctx context.Context, rawURL string) (*http.Response, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("graph returned HTTP %d for %s", resp.StatusCode, rawURL)
	}
	return resp, nil
}

type driveItem struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	ETag   string `json:"eTag"`
	File   *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	Folder *struct{} `json:"folder"`
	Parent struct {
		Path string `json:"path"`
	} `json:"parentReference"`
}

type driveItemPage struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

// ListFolder returns the file inventory of a drive folder, recursing into
// subfolders when asked. Pagination via @odata.nextLink is followed.
func (c *GraphClient) ListFolder(ctx context.Context, driveID, folderPath string, recursive bool) ([]*Item, error) {
	var items []*Item
	folders := []string{folderPath}
	for len(folders) > 0 {
		folder := folders[0]
		folders = folders[1:]

		pageURL := c.childrenURL(driveID, folder)
		for pageURL != "" {
			resp, err := c.get(ctx, pageURL)
			if err != nil {
				return nil, fmt.Errorf("listing %s: %w", folder, err)
			}
			var page driveItemPage
			err = json.NewDecoder(resp.Body).Decode(&page)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("decode inventory page: %w", err)
			}
			for _, di := range page.Value {
				if di.Folder != nil {
					if recursive {
						folders = append(folders, path.Join(folder, di.Name))
					}
					continue
				}
				item := &Item{
					ID:   di.ID,
					Name: di.Name,
					Path: path.Join(folder, di.Name),
					Size: di.Size,
					ETag: di.ETag,
				}
				if di.File != nil {
					item.ContentType = di.File.MimeType
				}
				items = append(items, item)
			}
			pageURL = page.NextLink
		}
	}
	return items, nil
}

func (c *GraphClient) childrenURL(driveID, folder string) string {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return fmt.Sprintf("%s/drives/%s/root/children", c.baseURL, driveID)
	}
	return fmt.Sprintf("%s/drives/%s/root:/%s:/children", c.baseURL, driveID, url.PathEscape(folder))
}

// Download fetches an item's content bytes.
func (c *GraphClient) Download(ctx context.Context, driveID, itemID string) ([]byte, error) {
	resp, err := c.get(ctx, fmt.Sprintf("%s/drives/%s/items/%s/content", c.baseURL, driveID, itemID))
	if err != nil {
		return nil, fmt.Errorf("downloading item %s: %w", itemID, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read item %s: %w", itemID, err)
	}
	return data, nil
}
