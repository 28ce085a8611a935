package source_build

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/feedforge-backend/internal/agent"
	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/jobs/runtime"
	"github.com/yungbote/feedforge-backend/internal/jobs/snapshot"
	"github.com/yungbote/feedforge-backend/internal/jobs/usage"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
	"github.com/yungbote/feedforge-backend/internal/validator"
)

// Builder generates and validates the collector for a single resource. It is
// the scheduler's Generator.
type Builder struct {
	loop      *agent.Loop
	tools     *Tools
	validator *validator.Validator
	journal   *runtime.Journal
	ledger    *usage.Ledger
	cfg       Config
	log       *logger.Logger
}

func NewBuilder(loop *agent.Loop, tools *Tools, v *validator.Validator, journal *runtime.Journal, ledger *usage.Ledger, cfg Config, baseLog *logger.Logger) *Builder {
	return &Builder{
		loop:      loop,
		tools:     tools,
		validator: v,
		journal:   journal,
		ledger:    ledger,
		cfg:       cfg.withDefaults(),
		log:       baseLog.With("component", "SourceBuilder"),
	}
}

func (b *Builder) Generate(ctx context.Context, job *jobs.BuildJob, res jobs.DiscoveredResource, hint string) (jobs.GenerationResult, error) {
	key := res.Key()
	out := jobs.GenerationResult{Resource: res, Key: key, Provenance: jobs.ProvenanceNone, Attempted: true}

	if _, err := b.journal.Append(ctx, job.ID, runtime.Entry{
		Phase:       jobs.PhaseGenerate,
		Level:       jobs.LevelInfo,
		Kind:        jobs.KindNote,
		ResourceKey: key,
		Message:     "generating " + res.Title,
	}); err != nil {
		b.log.Warn("Start event not written", "job_id", job.ID, "resource_key", key, "error", err)
	}

	prompt := fmt.Sprintf(generationPrompt, res.Title, res.URL, orNone(res.Description), job.Topic, orNone(job.Criteria))
	if hint != "" {
		prompt += fmt.Sprintf(hintSuffix, hint)
	}
	sink := b.usageSink(job.ID, key)
	run, err := b.loop.Run(ctx, agent.Task{
		Name:          "generation",
		System:        generationSystem,
		Prompt:        prompt,
		Tools:         b.tools.GenerationTools(res.URL),
		MaxIterations: b.cfg.GenerationIterations,
		SubBudgets:    map[agent.ToolID]int{agent.ToolScriptValidate: b.cfg.ScriptValidateBudget},
		Extract:       agent.FencedExtractor("javascript", "js"),
		OnStep:        toolStep(b.journal, b.log, job.ID, jobs.PhaseGenerate, key),
		Usage:         sink,
	})
	if err != nil {
		if errors.Is(err, agent.ErrExhausted) {
			out.Outcome = jobs.OutcomeFailed
			out.Reason = "agent ran out of iterations without producing a script"
			return out, nil
		}
		return out, err
	}

	script, ok := agent.FencedBlock(run.Text, "javascript", "js")
	if !ok && run.Provenance == agent.ProvenanceExtracted {
		script, ok = run.Text, true
	}
	if !ok {
		out.Outcome = jobs.OutcomeFailed
		out.Reason = "agent reply contained no script"
		return out, nil
	}
	out.Provenance = jobs.ProvenanceAgent
	if run.Provenance == agent.ProvenanceExtracted {
		out.Provenance = jobs.ProvenanceExtracted
	}
	out.Schedule = agent.Schedule(run.Text, b.cfg.DefaultSchedule)

	verdict, err := b.validator.Validate(ctx, validator.Input{Script: script, Resource: res, Criteria: job.Criteria}, sink)
	if err != nil {
		return out, err
	}
	out.Script = verdict.Script
	out.Items = verdict.Items
	out.Advisories = verdict.Advisories
	out.Reason = verdict.Reason
	switch {
	case verdict.Unverified:
		out.Outcome = jobs.OutcomeUnverified
	case verdict.Valid:
		out.Outcome = jobs.OutcomeSuccess
	default:
		out.Outcome = jobs.OutcomeFailed
	}
	return out, nil
}

func (b *Builder) usageSink(jobID uuid.UUID, key string) agent.UsageSink {
	return recordUsage(b.ledger, jobID, key)
}

func (p *Pipeline) toolStep(jobID uuid.UUID, phase jobs.Phase, key string) func(agent.Step) {
	return toolStep(p.journal, p.log, jobID, phase, key)
}

// toolStep reports each tool call as a progress event.
func toolStep(journal *runtime.Journal, log *logger.Logger, jobID uuid.UUID, phase jobs.Phase, key string) func(agent.Step) {
	return func(s agent.Step) {
		msg := "tool " + s.Tool
		payload := map[string]any{"tool": s.Tool, "iteration": s.Iteration}
		if s.Err != nil {
			msg += " failed"
			payload["error"] = s.Err.Error()
		}
		if s.Withdrawn {
			payload["withdrawn"] = true
		}
		// tool events are best effort and must outlive cancellation of the step
		if _, err := journal.Append(context.Background(), jobID, runtime.Entry{
			Phase:       phase,
			Level:       jobs.LevelProgress,
			Kind:        jobs.KindTool,
			ResourceKey: key,
			Message:     msg,
			Payload:     payload,
		}); err != nil {
			log.Debug("Tool event not written", "job_id", jobID, "error", err)
		}
	}
}

/*
generate dispatches every selected resource that has no result yet.
  - results handed in through the payload are persisted first as external results
  - keys queued for retry through payload hints are regenerated even if unselected
  - discovered resources that are neither selected nor queued get a
    "not generated" result so consumers can tell them from failures
*/
func (p *Pipeline) generate(jc *runtime.Context, disc *jobs.DiscoverPayload) error {
	if disc == nil {
		var err error
		if disc, err = p.discoveryForResume(jc); err != nil {
			return err
		}
	}
	events, err := jc.Events(jobs.EventFilter{})
	if err != nil {
		return err
	}
	have := map[string]bool{}
	for _, r := range snapshot.LatestResults(events) {
		have[r.Key] = true
	}

	payload := jc.Payload()
	for _, r := range payload.Results {
		if r.Key == "" {
			r.Key = r.Resource.Key()
		}
		if r.Key == "" || have[r.Key] {
			continue
		}
		r.Provenance = jobs.ProvenanceExternal
		if err := p.journal.Result(jc.Ctx, jc.JobID(), r); err != nil {
			return err
		}
		have[r.Key] = true
	}

	byKey := make(map[string]jobs.DiscoveredResource, len(disc.Discovered))
	for _, r := range disc.Discovered {
		byKey[r.Key()] = r
	}
	queued := map[string]bool{}
	var todo []jobs.DiscoveredResource
	enqueue := func(key string) {
		res, ok := byKey[key]
		if !ok || have[key] || queued[key] {
			return
		}
		queued[key] = true
		todo = append(todo, res)
	}
	for _, k := range disc.Selected {
		enqueue(k)
	}
	for k := range payload.Hints {
		enqueue(jobs.ResourceKey(k))
	}

	selected := map[string]bool{}
	for _, k := range disc.Selected {
		selected[k] = true
	}
	for _, r := range disc.Discovered {
		k := r.Key()
		if selected[k] || queued[k] || have[k] {
			continue
		}
		if err := p.journal.Result(jc.Ctx, jc.JobID(), jobs.GenerationResult{
			Resource:   r,
			Key:        k,
			Outcome:    jobs.OutcomeFailed,
			Reason:     jobs.ReasonNotGenerated,
			Provenance: jobs.ProvenanceNone,
			Attempted:  false,
		}); err != nil {
			return err
		}
	}

	jc.Log.Info("Generating sources", "pending", len(todo), "existing", len(have))
	hints := make(map[string]string, len(payload.Hints))
	for k, v := range payload.Hints {
		hints[jobs.ResourceKey(k)] = v
	}
	if err := p.sched.RunBatch(jc.Ctx, jc.Job, todo, hints); err != nil {
		return err
	}
	if len(payload.Hints) > 0 {
		payload.Hints = nil
		if err := jc.SavePayload(payload); err != nil {
			jc.Log.Warn("Could not clear retry hints", "error", err)
		}
	}
	return nil
}

// discoveryForResume recovers the discovery result when a run starts at
// generate, recording caller-supplied resources if the log has none.
func (p *Pipeline) discoveryForResume(jc *runtime.Context) (*jobs.DiscoverPayload, error) {
	events, err := jc.Events(jobs.EventFilter{Phase: jobs.PhaseDiscover})
	if err != nil {
		return nil, err
	}
	if state, payload := snapshot.Discover(events); state == snapshot.DiscoverDone {
		return payload, nil
	}
	if manual := jc.Payload().Resources; len(manual) > 0 {
		return p.recordDiscovery(jc, manual, "resources supplied by caller")
	}
	return nil, &runtime.PhaseError{Phase: jobs.PhaseGenerate, Reason: "no discovery result to generate from"}
}
