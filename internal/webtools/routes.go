package webtools

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed routes.yaml
var defaultRoutes []byte

// Route is a known URL template that yields a feed for a family of sites.
type Route struct {
	Name        string   `yaml:"name" json:"name"`
	Template    string   `yaml:"template" json:"template"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Keywords    []string `yaml:"keywords" json:"keywords,omitempty"`
	Example     string   `yaml:"example" json:"example,omitempty"`
}

type RouteCatalog struct {
	routes []Route
}

// LoadRouteCatalog reads a YAML catalog from path, or the built-in catalog
// when path is empty.
func LoadRouteCatalog(path string) (*RouteCatalog, error) {
	raw := defaultRoutes
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read route catalog: %w", err)
		}
		raw = b
	}
	return ParseRouteCatalog(raw)
}

func ParseRouteCatalog(raw []byte) (*RouteCatalog, error) {
	var doc struct {
		Routes []Route `yaml:"routes"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse route catalog: %w", err)
	}
	out := make([]Route, 0, len(doc.Routes))
	for _, r := range doc.Routes {
		if strings.TrimSpace(r.Template) == "" {
			continue
		}
		out = append(out, r)
	}
	return &RouteCatalog{routes: out}, nil
}

func (c *RouteCatalog) Len() int { return len(c.routes) }

// Lookup ranks routes by how many query terms hit their name, keywords or
// description, and returns at most limit matches.
func (c *RouteCatalog) Lookup(query string, limit int) []Route {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 || c == nil {
		return nil
	}
	type scored struct {
		route Route
		score int
	}
	var hits []scored
	for _, r := range c.routes {
		hay := strings.ToLower(r.Name + " " + r.Description + " " + r.Template)
		kw := map[string]bool{}
		for _, k := range r.Keywords {
			kw[strings.ToLower(k)] = true
		}
		score := 0
		for _, t := range terms {
			if kw[t] {
				score += 3
			} else if strings.Contains(hay, t) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{route: r, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if limit <= 0 {
		limit = 5
	}
	out := make([]Route, 0, limit)
	for _, h := range hits {
		if len(out) >= limit {
			break
		}
		out = append(out, h.route)
	}
	return out
}
