package source_build

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/feedforge-backend/internal/agent"
	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/jobs/runtime"
	"github.com/yungbote/feedforge-backend/internal/jobs/snapshot"
)

var ErrDiscoverInFlight = errors.New("discovery still in flight")

type discoveryReply struct {
	Resources []jobs.DiscoveredResource `json:"resources"`
}

/*
discover returns the discovered and selected resources for the job.
Order of preference:
  - a prior discover success event (never re-runs the agent)
  - resources handed in through the run payload
  - waiting on another run's in-flight discovery, bounded by DiscoverWaitCap
  - running the discovery agent
*/
func (p *Pipeline) discover(jc *runtime.Context) (*jobs.DiscoverPayload, error) {
	events, err := jc.Events(jobs.EventFilter{Phase: jobs.PhaseDiscover})
	if err != nil {
		return nil, err
	}
	state, prior := snapshot.Discover(events)
	if state == snapshot.DiscoverDone {
		jc.Log.Debug("Reusing discovery result", "discovered", len(prior.Discovered), "selected", len(prior.Selected))
		return prior, nil
	}

	if manual := jc.Payload().Resources; len(manual) > 0 {
		return p.recordDiscovery(jc, manual, "resources supplied by caller")
	}

	if state == snapshot.DiscoverInFlight && !p.isAbandoned(jc.JobID(), lastStart(events)) {
		done, err := p.waitForDiscovery(jc)
		if err != nil {
			return nil, err
		}
		return done, nil
	}

	return p.runDiscovery(jc)
}

func (p *Pipeline) runDiscovery(jc *runtime.Context) (*jobs.DiscoverPayload, error) {
	start, err := jc.Emit(runtime.Entry{Phase: jobs.PhaseDiscover, Level: jobs.LevelInfo, Kind: jobs.KindPhase, Message: "discovery started"})
	if err != nil {
		return nil, err
	}

	task := agent.Task{
		Name:          "discovery",
		System:        discoverySystem,
		Prompt:        fmt.Sprintf(discoveryPrompt, jc.Job.Topic, orNone(jc.Job.Criteria)),
		Tools:         p.tools.DiscoveryTools(),
		MaxIterations: p.cfg.DiscoveryIterations,
		Extract: func(texts []string) (string, bool) {
			for i := len(texts) - 1; i >= 0; i-- {
				var reply discoveryReply
				if agent.JSONObject(texts[i], &reply) && len(reply.Resources) > 0 {
					return texts[i], true
				}
			}
			return "", false
		},
		OnStep: p.toolStep(jc.JobID(), jobs.PhaseDiscover, ""),
		Usage:  p.usageSink(jc.JobID(), ""),
	}
	res, err := p.loop.Run(jc.Ctx, task)
	if err != nil {
		if jc.Ctx.Err() != nil && start != nil {
			p.markAbandoned(jc.JobID(), start.ID)
		}
		return nil, err
	}

	var reply discoveryReply
	if !agent.JSONObject(res.Text, &reply) {
		return nil, &runtime.PhaseError{Phase: jobs.PhaseDiscover, Reason: "discovery returned no resource list"}
	}
	return p.recordDiscovery(jc, reply.Resources, "")
}

func (p *Pipeline) recordDiscovery(jc *runtime.Context, found []jobs.DiscoveredResource, note string) (*jobs.DiscoverPayload, error) {
	discovered := dedupe(found)
	if len(discovered) == 0 {
		return nil, &runtime.PhaseError{Phase: jobs.PhaseDiscover, Reason: jobs.ReasonNoResources}
	}
	payload := &jobs.DiscoverPayload{
		Discovered: discovered,
		Selected:   SelectResources(discovered, p.cfg.MaxSelected, jc.Payload().Selected),
	}
	msg := fmt.Sprintf("discovered %d resources, selected %d", len(payload.Discovered), len(payload.Selected))
	if note != "" {
		msg += " (" + note + ")"
	}
	if _, err := jc.Emit(runtime.Entry{Phase: jobs.PhaseDiscover, Level: jobs.LevelSuccess, Kind: jobs.KindPhase, Message: msg, Payload: payload}); err != nil {
		return nil, err
	}
	return payload, nil
}

// waitForDiscovery polls the log until another run's discovery settles.
func (p *Pipeline) waitForDiscovery(jc *runtime.Context) (*jobs.DiscoverPayload, error) {
	jc.Log.Info("Discovery already in flight; waiting", "cap", p.cfg.DiscoverWaitCap)
	deadline := time.NewTimer(p.cfg.DiscoverWaitCap)
	defer deadline.Stop()
	tick := time.NewTicker(p.cfg.DiscoverPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-jc.Ctx.Done():
			return nil, context.Cause(jc.Ctx)
		case <-deadline.C:
			return nil, &runtime.PhaseError{Phase: jobs.PhaseDiscover, Err: ErrDiscoverInFlight}
		case <-tick.C:
		}
		events, err := jc.Events(jobs.EventFilter{Phase: jobs.PhaseDiscover})
		if err != nil {
			return nil, err
		}
		switch state, payload := snapshot.Discover(events); state {
		case snapshot.DiscoverDone:
			return payload, nil
		case snapshot.DiscoverNone:
			// the other attempt failed; try ourselves
			return p.runDiscovery(jc)
		}
	}
}

func (p *Pipeline) markAbandoned(jobID uuid.UUID, eventID int64) {
	p.mu.Lock()
	p.abandoned[jobID] = eventID
	p.mu.Unlock()
}

func (p *Pipeline) isAbandoned(jobID uuid.UUID, eventID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.abandoned[jobID]
	return ok && id == eventID
}

func lastStart(events []*jobs.JobEvent) int64 {
	var id int64
	for _, ev := range events {
		if ev.Phase == jobs.PhaseDiscover && ev.Kind == jobs.KindPhase && ev.Level == jobs.LevelInfo {
			id = ev.ID
		}
	}
	return id
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
