package source_build

import (
	"context"
	"errors"

	"github.com/yungbote/feedforge-backend/internal/agent"
	"github.com/yungbote/feedforge-backend/internal/sandbox"
	"github.com/yungbote/feedforge-backend/internal/validator"
	"github.com/yungbote/feedforge-backend/internal/webtools"
)

// Tools owns the web helpers that agent tools are built from.
type Tools struct {
	Fetcher   *webtools.Fetcher
	Renderer  *webtools.Renderer
	Searcher  *webtools.Searcher
	Routes    *webtools.RouteCatalog
	Feeds     *webtools.FeedChecker
	Validator *validator.Validator
}

type urlArgs struct {
	URL string `json:"url"`
}

type queryArgs struct {
	Query string `json:"query"`
}

type scriptArgs struct {
	Script string `json:"script"`
}

type searchResult struct {
	Hits []webtools.SearchHit `json:"hits"`
}

type routesResult struct {
	Routes []webtools.Route `json:"routes"`
}

type scriptReport struct {
	OK          bool             `json:"ok"`
	Unavailable bool             `json:"unavailable,omitempty"`
	ItemCount   int              `json:"item_count"`
	Sample      []map[string]any `json:"sample,omitempty"`
	Logs        []string         `json:"logs,omitempty"`
	Error       string           `json:"error,omitempty"`
}

func (t *Tools) search() agent.Tool {
	return agent.NewTool(agent.ToolSearch,
		"Web search. Returns titles, urls and snippets.",
		agent.Object(map[string]string{"query": "search terms"}, "query"),
		func(ctx context.Context, a queryArgs) (searchResult, error) {
			hits, err := t.Searcher.Search(ctx, a.Query)
			if err != nil {
				return searchResult{}, err
			}
			return searchResult{Hits: hits}, nil
		})
}

func (t *Tools) routes() agent.Tool {
	return agent.NewTool(agent.ToolFeedRoutes,
		"Look up known feed url templates for popular sites (GitHub, YouTube, Reddit, ...).",
		agent.Object(map[string]string{"query": "site or kind of content"}, "query"),
		func(ctx context.Context, a queryArgs) (routesResult, error) {
			return routesResult{Routes: t.Routes.Lookup(a.Query, 5)}, nil
		})
}

func (t *Tools) feedValidate() agent.Tool {
	return agent.NewTool(agent.ToolFeedValidate,
		"Fetch a url and report whether it is a valid RSS, Atom or JSON feed, with sample items.",
		agent.Object(map[string]string{"url": "feed url"}, "url"),
		func(ctx context.Context, a urlArgs) (*webtools.FeedReport, error) {
			return t.Feeds.Check(ctx, a.URL)
		})
}

func (t *Tools) pageFetch() agent.Tool {
	return agent.NewTool(agent.ToolPageFetch,
		"HTTP GET a url and return status, content type and (truncated) body.",
		agent.Object(map[string]string{"url": "absolute url"}, "url"),
		func(ctx context.Context, a urlArgs) (*webtools.Page, error) {
			return t.Fetcher.Fetch(ctx, a.URL)
		})
}

func (t *Tools) renderedFetch() agent.Tool {
	return agent.NewTool(agent.ToolRenderedFetch,
		"Load a url in a headless browser and return the DOM after scripts ran. Use for client-rendered pages.",
		agent.Object(map[string]string{"url": "absolute url"}, "url"),
		func(ctx context.Context, a urlArgs) (*webtools.Page, error) {
			return t.Renderer.Render(ctx, a.URL)
		})
}

// scriptValidate runs a draft in the sandbox against the resource's origin.
func (t *Tools) scriptValidate(resourceURL string) agent.Tool {
	return agent.NewTool(agent.ToolScriptValidate,
		"Run a draft collector script in the sandbox and report the items it returned or the error.",
		agent.Object(map[string]string{"script": "full JavaScript source defining collect()"}, "script"),
		func(ctx context.Context, a scriptArgs) (scriptReport, error) {
			res, err := t.Validator.Execute(ctx, a.Script, resourceURL)
			if err != nil {
				if ctx.Err() != nil {
					return scriptReport{}, ctx.Err()
				}
				if errors.Is(err, sandbox.ErrUnavailable) {
					return scriptReport{Unavailable: true, Error: "sandbox unavailable; return the script as is"}, nil
				}
				return scriptReport{Error: err.Error(), Logs: res.Logs}, nil
			}
			rep := scriptReport{OK: len(res.Items) > 0, ItemCount: len(res.Items), Logs: res.Logs}
			if len(res.Items) > 3 {
				rep.Sample = res.Items[:3]
			} else {
				rep.Sample = res.Items
			}
			if len(res.Items) == 0 {
				rep.Error = "collect() returned no items"
			}
			return rep, nil
		})
}

// DiscoveryTools are offered to the discovery agent.
func (t *Tools) DiscoveryTools() agent.Toolset {
	return agent.NewToolset(t.search(), t.routes(), t.feedValidate())
}

// GenerationTools are offered to the per-resource generation agent.
func (t *Tools) GenerationTools(resourceURL string) agent.Toolset {
	return agent.NewToolset(t.pageFetch(), t.renderedFetch(), t.search(), t.routes(), t.scriptValidate(resourceURL))
}
