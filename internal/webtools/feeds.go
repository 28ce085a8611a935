package webtools

import (
	"context"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"
)

type FeedItem struct {
	Title     string `json:"title"`
	Link      string `json:"link"`
	Published string `json:"published,omitempty"`
}

type FeedReport struct {
	URL       string     `json:"url"`
	Valid     bool       `json:"valid"`
	FeedType  string     `json:"feed_type,omitempty"`
	Title     string     `json:"title,omitempty"`
	ItemCount int        `json:"item_count"`
	Sample    []FeedItem `json:"sample,omitempty"`
	Problems  []string   `json:"problems,omitempty"`
}

// FeedChecker fetches a url and reports whether it parses as RSS, Atom or
// JSON Feed.
type FeedChecker struct {
	fetcher *Fetcher
}

func NewFeedChecker(f *Fetcher) *FeedChecker { return &FeedChecker{fetcher: f} }

func (c *FeedChecker) Check(ctx context.Context, url string) (*FeedReport, error) {
	page, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	report := &FeedReport{URL: page.URL}
	if page.Status >= 400 {
		report.Problems = append(report.Problems, fmt.Sprintf("http status %d", page.Status))
		return report, nil
	}
	return ParseFeed(report, page.Body), nil
}

// ParseFeed fills report from a feed document body.
func ParseFeed(report *FeedReport, body string) *FeedReport {
	feed, err := gofeed.NewParser().ParseString(body)
	if err != nil {
		report.Problems = append(report.Problems, "not a feed: "+err.Error())
		return report
	}
	report.Valid = true
	report.FeedType = feed.FeedType
	report.Title = feed.Title
	report.ItemCount = len(feed.Items)
	missingDates := 0
	for i, it := range feed.Items {
		if it.PublishedParsed == nil && it.UpdatedParsed == nil {
			missingDates++
		}
		if i >= 3 {
			continue
		}
		fi := FeedItem{Title: it.Title, Link: it.Link}
		if it.PublishedParsed != nil {
			fi.Published = it.PublishedParsed.UTC().Format(time.RFC3339)
		}
		report.Sample = append(report.Sample, fi)
	}
	if report.ItemCount == 0 {
		report.Problems = append(report.Problems, "feed has no items")
	}
	if missingDates > 0 {
		report.Problems = append(report.Problems, fmt.Sprintf("%d items without a published date", missingDates))
	}
	return report
}
