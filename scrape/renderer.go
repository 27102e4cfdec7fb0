package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// RenderResult is what a page render produces. Markdown may be empty when
// the page had no extractable content; the asset then follows the normal
// extraction path.
type RenderResult struct {
	HTML          string   `json:"html"`
	Markdown      string   `json:"markdown"`
	Links         []string `json:"links"`
	DocumentLinks []string `json:"document_links"`
	FinalURL      string   `json:"final_url"`
	Title         string   `json:"title,omitempty"`
}

// Renderer turns a URL into rendered HTML plus extracted structure.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (*RenderResult, error)
}

// RendererClient talks to a JavaScript-capable renderer service.
type RendererClient struct {
	endpoint string
	client   *http.Client
}

// NewRendererClient creates a client for the renderer service at endpoint.
func NewRendererClient(endpoint string, timeout time.Duration) *RendererClient {
	return &RendererClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *RendererClient) Render(ctx context.Context, pageURL string) (*RenderResult, error) {
	body, err := json.Marshal(map[string]string{"url": pageURL})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("renderer returned HTTP %d for %s", resp.StatusCode, pageURL)
	}
	var result RenderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode render result: %w", err)
	}
	if result.FinalURL == "" {
		result.FinalURL = pageURL
	}
	return &result, nil
}

const defaultMaxFetchSize = 20 << 20

var excessiveBlankLines = regexp.MustCompile(`\n{4,}`)

// SimpleFetcher is the no-JavaScript fallback: plain HTTP fetch, readability
// content extraction, markdown conversion, and link extraction from the raw
// HTML.
type SimpleFetcher struct {
	client    *http.Client
	userAgent string
	maxSize   int64
	converter *md.Converter
}

// NewSimpleFetcher creates the fallback renderer.
func NewSimpleFetcher(timeout time.Duration, userAgent string) *SimpleFetcher {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &SimpleFetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (max 5)")
				}
				return nil
			},
		},
		userAgent: userAgent,
		maxSize:   defaultMaxFetchSize,
		converter: converter,
	}
}

func (f *SimpleFetcher) Render(ctx context.Context, pageURL string) (*RenderResult, error) {
	body, finalURL, err := f.fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	result := &RenderResult{
		HTML:     string(body),
		FinalURL: finalURL,
	}

	parsed, err := url.Parse(finalURL)
	if err != nil {
		parsed, _ = url.Parse(pageURL)
	}
	if article, err := readability.FromReader(bytes.NewReader(body), parsed); err == nil {
		result.Title = article.Title
		if markdown, err := f.converter.ConvertString(article.Content); err == nil {
			result.Markdown = cleanMarkdown(markdown)
		}
	}
	if result.Markdown == "" {
		// Readability found no article content; convert the page wholesale.
		if markdown, err := f.converter.ConvertString(string(body)); err == nil {
			result.Markdown = cleanMarkdown(markdown)
		}
	}

	links := extractLinks(body, finalURL)
	for _, link := range links {
		if HasExtension(link, defaultDocumentExtensions) {
			result.DocumentLinks = append(result.DocumentLinks, link)
		} else {
			result.Links = append(result.Links, link)
		}
	}
	return result, nil
}

func (f *SimpleFetcher) fetch(ctx context.Context, pageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, pageURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxSize {
		return nil, "", fmt.Errorf("content too large (exceeds %d bytes)", f.maxSize)
	}
	return body, resp.Request.URL.String(), nil
}

// extractLinks walks the HTML tree collecting anchor hrefs resolved against
// the page URL. Mail, tel, and javascript links are dropped.
func extractLinks(body []byte, pageURL string) []string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				href := strings.TrimSpace(attr.Val)
				if href == "" || strings.HasPrefix(href, "#") ||
					strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") ||
					strings.HasPrefix(href, "javascript:") {
					continue
				}
				resolved, err := ResolveLink(pageURL, href)
				if err != nil || seen[resolved] {
					continue
				}
				seen[resolved] = true
				links = append(links, resolved)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

func cleanMarkdown(content string) string {
	content = excessiveBlankLines.ReplaceAllString(content, "\n\n\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
