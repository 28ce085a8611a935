package jobs

import (
	"testing"

	"github.com/google/uuid"
)

func TestPhasesFromStart(t *testing.T) {
	cases := []struct {
		start Phase
		want  []Phase
	}{
		{PhaseDiscover, []Phase{PhaseDiscover, PhaseGenerate, PhaseComplete}},
		{PhaseGenerate, []Phase{PhaseGenerate, PhaseComplete}},
		{PhaseComplete, []Phase{PhaseComplete}},
		{Phase("publish"), nil},
	}
	for _, tc := range cases {
		got := Phases(tc.start)
		if len(got) != len(tc.want) {
			t.Fatalf("Phases(%s): want=%v got=%v", tc.start, tc.want, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("Phases(%s): want=%v got=%v", tc.start, tc.want, got)
			}
		}
	}

	// callers may modify the result without touching the package order
	p := Phases(PhaseDiscover)
	p[0] = PhaseComplete
	if Phases(PhaseDiscover)[0] != PhaseDiscover {
		t.Fatalf("Phases: result aliases package state")
	}
}

func TestResourceKeyNormalizes(t *testing.T) {
	cases := map[string]string{
		"HTTPS://Example.COM/Feed/":       "https://example.com/Feed",
		" https://example.com/feed#top ":  "https://example.com/feed",
		"https://example.com/feed?page=2": "https://example.com/feed?page=2",
		"Example.com/News/":               "example.com/news",
		"https://example.com/a/b/../c///": "https://example.com/a/b/../c",
	}
	for in, want := range cases {
		if got := ResourceKey(in); got != want {
			t.Fatalf("ResourceKey(%q): want=%q got=%q", in, want, got)
		}
	}
	r := DiscoveredResource{URL: "https://EXAMPLE.com/rss/"}
	if r.Key() != "https://example.com/rss" {
		t.Fatalf("Key(): got=%q", r.Key())
	}
}

func TestAcceptedOutcomes(t *testing.T) {
	for outcome, want := range map[Outcome]bool{
		OutcomeSuccess:    true,
		OutcomeUnverified: true,
		OutcomeFailed:     false,
		Outcome(""):       false,
	} {
		if got := (GenerationResult{Outcome: outcome}).Accepted(); got != want {
			t.Fatalf("Accepted(%q): want=%v got=%v", outcome, want, got)
		}
	}
}

func TestBuildJobDefaultsAndTerminal(t *testing.T) {
	j := &BuildJob{}
	if err := j.BeforeCreate(nil); err != nil {
		t.Fatalf("BeforeCreate: %v", err)
	}
	if j.ID == uuid.Nil || j.Phase != PhaseDiscover {
		t.Fatalf("BeforeCreate: want id and discover phase got=%s/%s", j.ID, j.Phase)
	}

	var nilJob *BuildJob
	if nilJob.Terminal() {
		t.Fatalf("Terminal(nil): want false")
	}
	for status, want := range map[BuildStatus]bool{
		StatusIdle:     false,
		StatusCreating: false,
		StatusFailed:   true,
		StatusComplete: true,
	} {
		if got := (&BuildJob{Status: status}).Terminal(); got != want {
			t.Fatalf("Terminal(%s): want=%v got=%v", status, want, got)
		}
	}
}

func TestEventDecodeAndLevels(t *testing.T) {
	var res GenerationResult
	if err := (&JobEvent{}).Decode(&res); err != nil {
		t.Fatalf("Decode empty: %v", err)
	}
	ev := &JobEvent{Payload: []byte(`{"key":"https://a.example","outcome":"unverified"}`)}
	if err := ev.Decode(&res); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.Key != "https://a.example" || res.Outcome != OutcomeUnverified {
		t.Fatalf("Decode: got=%+v", res)
	}
	if LevelInfo.Terminal() || LevelProgress.Terminal() || !LevelSuccess.Terminal() || !LevelError.Terminal() {
		t.Fatalf("Terminal levels: want only success and error")
	}
}
