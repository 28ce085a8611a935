package jobs

import (
	"net/url"
	"strings"
	"time"
)

// DiscoveredResource is a candidate content endpoint found during discovery.
type DiscoveredResource struct {
	Title              string `json:"title"`
	URL                string `json:"url"`
	Description        string `json:"description,omitempty"`
	Recommended        bool   `json:"recommended"`
	CanSatisfyCriteria *bool  `json:"can_satisfy_criteria,omitempty"`
}

func (r DiscoveredResource) Key() string { return ResourceKey(r.URL) }

// ResourceKey normalizes a resource url so that trivially different spellings
// of the same endpoint share one key.
func ResourceKey(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(raw), "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/")
}

type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeUnverified Outcome = "unverified"
	OutcomeFailed     Outcome = "failed"
)

type Provenance string

const (
	ProvenanceAgent     Provenance = "agent"
	ProvenanceExtracted Provenance = "extracted"
	ProvenanceExternal  Provenance = "external"
	ProvenanceNone      Provenance = "none"
)

const (
	ReasonNotGenerated   = "not generated"
	ReasonManualAbort    = "manually aborted"
	ReasonNoScripts      = "no scripts succeeded"
	ReasonNoResources    = "no resources discovered"
	ReasonInterrupted    = "interrupted: process restarted while job was running"
	ReasonTakenOver      = "taken over"
	DefaultSchedule      = "0 */6 * * *"
	MaxSelectedResources = 5
)

// GenerationResult is the outcome of building a collector for one resource.
// The most recent result event per resource key wins.
type GenerationResult struct {
	Resource   DiscoveredResource `json:"resource"`
	Key        string             `json:"key"`
	Script     string             `json:"script,omitempty"`
	Schedule   string             `json:"schedule,omitempty"`
	Items      []map[string]any   `json:"items,omitempty"`
	Outcome    Outcome            `json:"outcome"`
	Reason     string             `json:"reason,omitempty"`
	Provenance Provenance         `json:"provenance"`
	Attempted  bool               `json:"attempted"`
	Advisories []string           `json:"advisories,omitempty"`
}

// Accepted reports whether the result is usable by the complete phase.
func (r GenerationResult) Accepted() bool {
	return r.Outcome == OutcomeSuccess || r.Outcome == OutcomeUnverified
}

// DiscoverPayload is stored on the discover success event and reused on resume.
type DiscoverPayload struct {
	Discovered []DiscoveredResource `json:"discovered"`
	Selected   []string             `json:"selected"`
}

// RunPayload carries optional handoff data into a run.
type RunPayload struct {
	Resources []DiscoveredResource `json:"resources,omitempty"`
	Selected  []string             `json:"selected,omitempty"`
	Results   []GenerationResult   `json:"results,omitempty"`
	// Hints maps resource keys queued for regeneration to free-text guidance.
	Hints map[string]string `json:"hints,omitempty"`
}

// Snapshot is a disposable projection of the log for cheap reads.
// It is never consulted when deciding what to resume.
type Snapshot struct {
	Phase      Phase                `json:"phase"`
	Discovered []DiscoveredResource `json:"discovered"`
	Selected   []string             `json:"selected"`
	Results    []GenerationResult   `json:"results"`
	LastError  string               `json:"last_error,omitempty"`
	EventCount int                  `json:"event_count"`
	UpdatedAt  time.Time            `json:"updated_at"`
}
