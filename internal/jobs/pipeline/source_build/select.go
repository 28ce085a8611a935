package source_build

import (
	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
)

// SelectResources picks up to n resources: recommended ones first in discovery
// order, then the rest in discovery order. A non-empty explicit list of urls
// replaces the automatic choice; unknown urls in it are ignored.
func SelectResources(discovered []jobs.DiscoveredResource, n int, explicit []string) []string {
	if len(explicit) > 0 {
		known := make(map[string]bool, len(discovered))
		for _, r := range discovered {
			known[r.Key()] = true
		}
		var out []string
		seen := map[string]bool{}
		for _, u := range explicit {
			k := jobs.ResourceKey(u)
			if known[k] && !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	out := make([]string, 0, n)
	for _, r := range discovered {
		if len(out) == n {
			return out
		}
		if r.Recommended {
			out = append(out, r.Key())
		}
	}
	for _, r := range discovered {
		if len(out) == n {
			return out
		}
		if !r.Recommended {
			out = append(out, r.Key())
		}
	}
	return out
}

// dedupe drops resources without a url and repeats of the same key.
func dedupe(in []jobs.DiscoveredResource) []jobs.DiscoveredResource {
	seen := make(map[string]bool, len(in))
	out := make([]jobs.DiscoveredResource, 0, len(in))
	for _, r := range in {
		k := r.Key()
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}
