// Package extract drives single-document extraction: it talks to the
// external extractor service, records results, and routes follow-on
// enhancement or indexing work.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/c360studio/docflow/config"
)

// Result is the extractor service's response for one document.
type Result struct {
	Markdown   string         `json:"markdown"`
	Warnings   []string       `json:"warnings,omitempty"`
	EngineInfo map[string]any `json:"engine_info,omitempty"`
}

// Extractor converts a raw document to markdown.
type Extractor interface {
	Extract(ctx context.Context, engine config.EngineConfig, filename string, file io.Reader) (*Result, error)
}

// Client is the HTTP Extractor over the external extractor service.
type Client struct {
	client *http.Client
}

// NewClient creates an extractor client. Per-call timeouts come from the
// engine config, so the underlying client carries none.
func NewClient() *Client {
	return &Client{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

// Extract POSTs the file to the engine's endpoint as multipart form data
// and decodes {markdown, warnings, engine_info}.
func (c *Client) Extract(ctx context.Context, engine config.EngineConfig, filename string, file io.Reader) (*Result, error) {
	if engine.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, engine.Timeout)
		defer cancel()
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("copy file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, engine.URL, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extractor %s: %w", engine.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("extractor %s returned HTTP %d: %s", engine.Name, resp.StatusCode, string(msg))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode extractor response: %w", err)
	}
	return &result, nil
}
