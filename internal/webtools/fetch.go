// Package webtools holds the network-facing helpers the agent loops call as
// tools: plain and rendered page fetches, web search, a feed-route catalog and
// feed validation.
package webtools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

const (
	defaultMaxBytes = 512 << 10
	userAgent       = "Mozilla/5.0 (compatible; feedforge/1.0)"
)

type Page struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Title       string `json:"title,omitempty"`
	Body        string `json:"body"`
	Truncated   bool   `json:"truncated"`
}

type Fetcher struct {
	http     *http.Client
	maxBytes int64
	log      *logger.Logger
}

func NewFetcher(client *http.Client, maxBytes int64, baseLog *logger.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Fetcher{http: client, maxBytes: maxBytes, log: baseLog.With("component", "Fetcher")}
}

func (f *Fetcher) Fetch(ctx context.Context, raw string) (*Page, error) {
	u, err := parseHTTPURL(raw)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml,application/json;q=0.9,*/*;q=0.8")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	page := &Page{
		URL:         resp.Request.URL.String(),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if int64(len(body)) > f.maxBytes {
		body = body[:f.maxBytes]
		page.Truncated = true
	}
	page.Body = string(body)
	page.Title = htmlTitle(page.Body)
	return page, nil
}

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

func htmlTitle(body string) string {
	m := titlePattern.FindStringSubmatch(body)
	if len(m) < 2 {
		return ""
	}
	return strings.Join(strings.Fields(m[1]), " ")
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid url %q: only http and https are allowed", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid url %q: missing host", raw)
	}
	return u, nil
}

// ErrRendererDisabled is returned when no rendering service is configured.
var ErrRendererDisabled = errors.New("page rendering is not configured")

// Renderer asks an external headless-browser service for the DOM of a page
// after scripts have run.
type Renderer struct {
	endpoint string
	http     *http.Client
	maxBytes int64
}

func NewRenderer(endpoint string, client *http.Client, maxBytes int64) *Renderer {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Renderer{endpoint: strings.TrimRight(endpoint, "/"), http: client, maxBytes: maxBytes}
}

func (r *Renderer) Render(ctx context.Context, raw string) (*Page, error) {
	if r == nil || r.endpoint == "" {
		return nil, ErrRendererDisabled
	}
	u, err := parseHTTPURL(raw)
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]any{"url": u.String(), "wait_until": "networkidle"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/render", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("render %s: status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, err
	}
	page := &Page{URL: u.String(), Status: http.StatusOK, ContentType: "text/html"}
	if int64(len(body)) > r.maxBytes {
		body = body[:r.maxBytes]
		page.Truncated = true
	}
	page.Body = string(body)
	page.Title = htmlTitle(page.Body)
	return page, nil
}
