package source_build

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yungbote/feedforge-backend/internal/agent"
	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/jobs/runtime"
	"github.com/yungbote/feedforge-backend/internal/observability"
)

/*
Run executes the phases from the job's current phase onward.
Contract:
  - the run stops silently whenever the job leaves status=creating
  - cancellation (abort-all, discard, takeover, shutdown) never fails the job
  - any other phase error fails the job with that error as its reason
The returned error is always nil; outcomes live on the job row and in the log.
*/
func (p *Pipeline) Run(jc *runtime.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	defer p.sched.Forget(jc.JobID())

	start := jc.Job.Phase
	if !start.Valid() {
		start = jobs.PhaseDiscover
	}
	var disc *jobs.DiscoverPayload
	for _, phase := range jobs.Phases(start) {
		if jc.Ctx.Err() != nil {
			jc.Log.Info("Run cancelled before phase", "phase", phase, "cause", context.Cause(jc.Ctx))
			return nil
		}
		if !jc.StillCreating() {
			jc.Log.Info("Job no longer creating; stopping", "phase", phase)
			return nil
		}
		if ok, err := jc.SetPhase(phase); err != nil {
			jc.Fail(phase, err)
			return nil
		} else if !ok {
			return nil
		}

		err := p.traced(jc, phase, func() error {
			switch phase {
			case jobs.PhaseDiscover:
				var err error
				disc, err = p.discover(jc)
				return err
			case jobs.PhaseGenerate:
				return p.generate(jc, disc)
			default:
				return p.complete(jc)
			}
		})
		if err == nil {
			continue
		}
		if cancelled(jc.Ctx, err) {
			jc.Log.Info("Run cancelled", "phase", phase, "cause", context.Cause(jc.Ctx))
			return nil
		}
		jc.Fail(phase, err)
		return nil
	}
	return nil
}

func (p *Pipeline) traced(jc *runtime.Context, phase jobs.Phase, fn func() error) error {
	parent := jc.Ctx
	ctx, span := otel.Tracer("feedforge/source_build").Start(parent, "source_build."+string(phase))
	span.SetAttributes(attribute.String("job.id", jc.JobID().String()), attribute.String("job.phase", string(phase)))
	jc.Ctx = ctx
	started := time.Now()
	defer func() {
		jc.Ctx = parent
		span.End()
	}()
	err := fn()
	status := "ok"
	switch {
	case err == nil:
	case cancelled(parent, err):
		status = "cancelled"
	default:
		status = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	observability.Current().ObservePhase(string(phase), status, time.Since(started))
	return err
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, agent.ErrCanceled) || errors.Is(err, context.Canceled)
}
