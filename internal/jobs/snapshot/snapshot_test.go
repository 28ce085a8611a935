package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
)

type logBuilder struct {
	next   int64
	events []*jobs.JobEvent
}

func (b *logBuilder) add(phase jobs.Phase, level jobs.EventLevel, kind jobs.EventKind, key string, payload any) {
	b.next++
	ev := &jobs.JobEvent{ID: b.next, Phase: phase, Level: level, Kind: kind, ResourceKey: key}
	if payload != nil {
		raw, _ := json.Marshal(payload)
		ev.Payload = raw
	}
	b.events = append(b.events, ev)
}

func TestDiscoverStates(t *testing.T) {
	var b logBuilder
	if state, _ := Discover(b.events); state != DiscoverNone {
		t.Fatalf("empty log: want=%s got=%s", DiscoverNone, state)
	}

	b.add(jobs.PhaseDiscover, jobs.LevelInfo, jobs.KindPhase, "", nil)
	if state, _ := Discover(b.events); state != DiscoverInFlight {
		t.Fatalf("started: want=%s got=%s", DiscoverInFlight, state)
	}

	b.add(jobs.PhaseDiscover, jobs.LevelError, jobs.KindPhase, "", nil)
	if state, _ := Discover(b.events); state != DiscoverNone {
		t.Fatalf("failed: want=%s got=%s", DiscoverNone, state)
	}

	b.add(jobs.PhaseDiscover, jobs.LevelInfo, jobs.KindPhase, "", nil)
	b.add(jobs.PhaseDiscover, jobs.LevelSuccess, jobs.KindPhase, "", jobs.DiscoverPayload{
		Discovered: []jobs.DiscoveredResource{{Title: "A", URL: "https://a.example"}},
		Selected:   []string{"https://a.example"},
	})
	state, payload := Discover(b.events)
	if state != DiscoverDone || payload == nil {
		t.Fatalf("done: want=%s with payload got=%s payload=%v", DiscoverDone, state, payload)
	}
	if len(payload.Discovered) != 1 || payload.Selected[0] != "https://a.example" {
		t.Fatalf("payload: got=%+v", payload)
	}
}

func TestLatestResultsLastWriteWinsAndAbortFails(t *testing.T) {
	var b logBuilder
	b.add(jobs.PhaseGenerate, jobs.LevelError, jobs.KindResult, "k1", jobs.GenerationResult{Outcome: jobs.OutcomeFailed, Reason: "timeout"})
	b.add(jobs.PhaseGenerate, jobs.LevelSuccess, jobs.KindResult, "k2", jobs.GenerationResult{Outcome: jobs.OutcomeSuccess})
	b.add(jobs.PhaseGenerate, jobs.LevelProgress, jobs.KindTool, "k1", nil)
	b.add(jobs.PhaseGenerate, jobs.LevelSuccess, jobs.KindResult, "k1", jobs.GenerationResult{Outcome: jobs.OutcomeSuccess, Script: "x"})
	b.add(jobs.PhaseGenerate, jobs.LevelError, jobs.KindAbort, "k2", jobs.GenerationResult{})

	got := LatestResults(b.events)
	if len(got) != 2 {
		t.Fatalf("results: want=2 got=%d", len(got))
	}
	if got[0].Key != "k1" || got[0].Outcome != jobs.OutcomeSuccess || got[0].Script != "x" {
		t.Fatalf("k1: want latest success got=%+v", got[0])
	}
	if got[1].Key != "k2" || got[1].Outcome != jobs.OutcomeFailed || got[1].Reason != jobs.ReasonManualAbort {
		t.Fatalf("k2: want aborted failure got=%+v", got[1])
	}
}

func TestRebuildTracksFurthestPhase(t *testing.T) {
	var b logBuilder
	b.add(jobs.PhaseDiscover, jobs.LevelSuccess, jobs.KindPhase, "", jobs.DiscoverPayload{Selected: []string{"k"}})
	b.add(jobs.PhaseGenerate, jobs.LevelSuccess, jobs.KindResult, "k", jobs.GenerationResult{Outcome: jobs.OutcomeUnverified})
	b.add(jobs.PhaseComplete, jobs.LevelError, jobs.KindPhase, "", nil)
	b.events[2].Message = jobs.ReasonNoScripts

	snap := Rebuild(b.events)
	if snap.Phase != jobs.PhaseComplete {
		t.Fatalf("phase: want=%s got=%s", jobs.PhaseComplete, snap.Phase)
	}
	if snap.EventCount != 3 || len(snap.Results) != 1 || len(snap.Selected) != 1 {
		t.Fatalf("snapshot: got=%+v", snap)
	}
	if snap.LastError != jobs.ReasonNoScripts {
		t.Fatalf("last error: want=%q got=%q", jobs.ReasonNoScripts, snap.LastError)
	}
}
