// Package snapshot derives read models from a build job's event log.
// Everything here is a pure function of the log, so a lost or stale snapshot
// can always be rebuilt.
package snapshot

import (
	"time"

	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
)

type DiscoverState int

const (
	DiscoverNone DiscoverState = iota
	DiscoverInFlight
	DiscoverDone
)

func (s DiscoverState) String() string {
	switch s {
	case DiscoverInFlight:
		return "in_flight"
	case DiscoverDone:
		return "done"
	default:
		return "none"
	}
}

// Discover inspects phase-level discover events. A success event wins outright
// and its payload is returned. Otherwise an info event with no later terminal
// event means another run is still discovering.
func Discover(events []*jobs.JobEvent) (DiscoverState, *jobs.DiscoverPayload) {
	var (
		lastSuccess  *jobs.JobEvent
		lastStart    int64
		lastTerminal int64
	)
	for _, ev := range events {
		if ev.Phase != jobs.PhaseDiscover || ev.Kind != jobs.KindPhase || ev.ResourceKey != "" {
			continue
		}
		switch ev.Level {
		case jobs.LevelSuccess:
			lastSuccess = ev
			lastTerminal = ev.ID
		case jobs.LevelError:
			lastTerminal = ev.ID
		case jobs.LevelInfo:
			lastStart = ev.ID
		}
	}
	if lastSuccess != nil {
		var payload jobs.DiscoverPayload
		if err := lastSuccess.Decode(&payload); err == nil {
			return DiscoverDone, &payload
		}
	}
	if lastStart > lastTerminal {
		return DiscoverInFlight, nil
	}
	return DiscoverNone, nil
}

// LatestResults returns the most recent terminal result per resource key, in
// the order keys first produced a result. Abort events count as failed results.
func LatestResults(events []*jobs.JobEvent) []jobs.GenerationResult {
	byKey := map[string]jobs.GenerationResult{}
	var order []string
	for _, ev := range events {
		if ev.ResourceKey == "" {
			continue
		}
		if ev.Kind != jobs.KindResult && ev.Kind != jobs.KindAbort {
			continue
		}
		var res jobs.GenerationResult
		if err := ev.Decode(&res); err != nil {
			continue
		}
		if res.Key == "" {
			res.Key = ev.ResourceKey
		}
		if ev.Kind == jobs.KindAbort {
			res.Outcome = jobs.OutcomeFailed
			if res.Reason == "" {
				res.Reason = jobs.ReasonManualAbort
			}
		}
		if _, seen := byKey[ev.ResourceKey]; !seen {
			order = append(order, ev.ResourceKey)
		}
		byKey[ev.ResourceKey] = res
	}
	out := make([]jobs.GenerationResult, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

// Rebuild folds the whole log into a Snapshot.
func Rebuild(events []*jobs.JobEvent) jobs.Snapshot {
	snap := jobs.Snapshot{
		Phase:      jobs.PhaseDiscover,
		Discovered: []jobs.DiscoveredResource{},
		Selected:   []string{},
		EventCount: len(events),
		UpdatedAt:  time.Now().UTC(),
	}
	for _, ev := range events {
		if ev.Phase.Valid() && phaseRank(ev.Phase) > phaseRank(snap.Phase) {
			snap.Phase = ev.Phase
		}
		if ev.Kind == jobs.KindPhase && ev.Level == jobs.LevelError {
			snap.LastError = ev.Message
		}
	}
	if state, payload := Discover(events); state == DiscoverDone && payload != nil {
		snap.Discovered = payload.Discovered
		snap.Selected = payload.Selected
	}
	snap.Results = LatestResults(events)
	return snap
}

// GroupByPhase buckets events for display, keeping log order within a phase.
func GroupByPhase(events []*jobs.JobEvent) map[jobs.Phase][]*jobs.JobEvent {
	out := map[jobs.Phase][]*jobs.JobEvent{}
	for _, ev := range events {
		out[ev.Phase] = append(out[ev.Phase], ev)
	}
	return out
}

func phaseRank(p jobs.Phase) int {
	switch p {
	case jobs.PhaseGenerate:
		return 1
	case jobs.PhaseComplete:
		return 2
	default:
		return 0
	}
}
