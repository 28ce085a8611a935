package source_build

import (
	"fmt"

	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/jobs/runtime"
	"github.com/yungbote/feedforge-backend/internal/jobs/snapshot"
)

type completeSummary struct {
	Accepted   int      `json:"accepted"`
	Unverified int      `json:"unverified"`
	Failed     int      `json:"failed"`
	Sources    []string `json:"sources"`
}

func (p *Pipeline) complete(jc *runtime.Context) error {
	events, err := jc.Events(jobs.EventFilter{})
	if err != nil {
		return err
	}
	var (
		accepted []jobs.GenerationResult
		sum      completeSummary
	)
	for _, r := range snapshot.LatestResults(events) {
		if !r.Accepted() {
			sum.Failed++
			continue
		}
		if r.Outcome == jobs.OutcomeUnverified {
			sum.Unverified++
		}
		accepted = append(accepted, r)
		sum.Sources = append(sum.Sources, r.Resource.URL)
	}
	sum.Accepted = len(accepted)
	if len(accepted) == 0 {
		return &runtime.PhaseError{Phase: jobs.PhaseComplete, Reason: jobs.ReasonNoScripts}
	}

	if p.material != nil {
		if err := p.material.Materialize(jc.Ctx, jc.Job, accepted); err != nil {
			return &runtime.PhaseError{Phase: jobs.PhaseComplete, Reason: "materialize sources", Err: err}
		}
	}

	msg := fmt.Sprintf("%d sources ready", sum.Accepted)
	if sum.Unverified > 0 {
		msg += fmt.Sprintf(" (%d unverified)", sum.Unverified)
	}
	if jc.Complete(msg, sum) {
		jc.Log.Info("Build job complete", "accepted", sum.Accepted, "unverified", sum.Unverified, "failed", sum.Failed)
	}
	return nil
}
