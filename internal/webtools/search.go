package webtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrSearchDisabled = errors.New("web search is not configured")

type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Searcher queries a SearXNG-compatible JSON search endpoint.
type Searcher struct {
	endpoint string
	http     *http.Client
	limit    int
}

func NewSearcher(endpoint string, client *http.Client, limit int) *Searcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if limit <= 0 {
		limit = 8
	}
	return &Searcher{endpoint: strings.TrimRight(endpoint, "/"), http: client, limit: limit}
}

func (s *Searcher) Search(ctx context.Context, query string) ([]SearchHit, error) {
	if s == nil || s.endpoint == "" {
		return nil, ErrSearchDisabled
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("empty query")
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("search: status %d", resp.StatusCode)
	}
	var body struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("search: decode: %w", err)
	}
	hits := make([]SearchHit, 0, s.limit)
	for _, r := range body.Results {
		if len(hits) >= s.limit {
			break
		}
		if r.URL == "" {
			continue
		}
		hits = append(hits, SearchHit{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return hits, nil
}
