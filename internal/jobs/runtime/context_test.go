package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/yungbote/feedforge-backend/internal/data/repos/testutil"
	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/feedforge-backend/internal/platform/dbctx"
)

func TestContextFailIsGuardedOnCreating(t *testing.T) {
	j, notify, job := newTestJournal(t)
	c := NewContext(context.Background(), job, j, testutil.Logger(t))

	if !c.Fail(jobs.PhaseDiscover, errors.New("search backend down")) {
		t.Fatalf("Fail: want status change")
	}
	if c.Job.Status != jobs.StatusFailed || c.Job.Error != "search backend down" || c.Job.FinishedAt == nil {
		t.Fatalf("in-memory job: got status=%s error=%q", c.Job.Status, c.Job.Error)
	}
	stored, _ := j.Jobs.GetByID(dbctx.New(context.Background()), job.ID)
	if stored.Status != jobs.StatusFailed || stored.Phase != jobs.PhaseDiscover {
		t.Fatalf("stored job: want failed/discover got=%s/%s", stored.Status, stored.Phase)
	}

	// a second failure still explains itself in the log but changes nothing
	if c.Fail(jobs.PhaseGenerate, errors.New("late")) {
		t.Fatalf("second Fail: want no status change")
	}
	if c.Complete("done", nil) {
		t.Fatalf("Complete after Fail: want no status change")
	}
	errs, _ := j.List(context.Background(), job.ID, jobs.EventFilter{Level: jobs.LevelError})
	if len(errs) != 2 {
		t.Fatalf("error events: want=2 got=%d", len(errs))
	}
	if len(notify.statuses) != 1 || notify.statuses[0] != jobs.StatusFailed {
		t.Fatalf("status notifications: want [failed] got=%v", notify.statuses)
	}
}

func TestContextCompleteWritesEvent(t *testing.T) {
	j, notify, job := newTestJournal(t)
	c := NewContext(context.Background(), job, j, testutil.Logger(t))

	if ok, err := c.SetPhase(jobs.PhaseGenerate); err != nil || !ok {
		t.Fatalf("SetPhase: ok=%v err=%v", ok, err)
	}
	if !c.Complete("2 sources ready", map[string]int{"accepted": 2}) {
		t.Fatalf("Complete: want status change")
	}
	stored, _ := j.Jobs.GetByID(dbctx.New(context.Background()), job.ID)
	if stored.Status != jobs.StatusComplete || stored.Phase != jobs.PhaseComplete {
		t.Fatalf("stored job: want complete/complete got=%s/%s", stored.Status, stored.Phase)
	}
	done, _ := j.List(context.Background(), job.ID, jobs.EventFilter{Phase: jobs.PhaseComplete, Level: jobs.LevelSuccess})
	if len(done) != 1 || done[0].Message != "2 sources ready" {
		t.Fatalf("complete event: want one got=%d", len(done))
	}
	if c.StillCreating() {
		t.Fatalf("StillCreating: want false after Complete")
	}
	if len(notify.statuses) != 2 {
		t.Fatalf("status notifications: want phase+complete got=%v", notify.statuses)
	}
	if ok, _ := c.SetPhase(jobs.PhaseDiscover); ok {
		t.Fatalf("SetPhase after Complete: want refused")
	}
}

func TestContextReloadDeletedJob(t *testing.T) {
	j, _, job := newTestJournal(t)
	c := NewContext(context.Background(), job, j, testutil.Logger(t))
	if !c.StillCreating() {
		t.Fatalf("StillCreating: want true for a fresh job")
	}
	if err := j.Jobs.Delete(dbctx.New(context.Background()), job.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Reload(); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("Reload: want ErrJobNotFound got=%v", err)
	}
	if c.StillCreating() {
		t.Fatalf("StillCreating: want false for a deleted job")
	}
}

func TestContextPayloadRoundTrip(t *testing.T) {
	j, _, job := newTestJournal(t)
	job.Payload = []byte(`{not json`)
	c := NewContext(context.Background(), job, j, testutil.Logger(t))
	if got := c.Payload(); len(got.Selected) != 0 || len(got.Hints) != 0 {
		t.Fatalf("malformed payload: want empty got=%+v", got)
	}

	p := jobs.RunPayload{Selected: []string{"https://a.example"}, Hints: map[string]string{"https://a.example": "use the rss link"}}
	if err := c.SavePayload(p); err != nil {
		t.Fatalf("SavePayload: %v", err)
	}
	if c.Payload().Hints["https://a.example"] != "use the rss link" {
		t.Fatalf("in-memory payload: got=%+v", c.Payload())
	}
	stored, _ := j.Jobs.GetByID(dbctx.New(context.Background()), job.ID)
	var decoded jobs.RunPayload
	if err := json.Unmarshal(stored.Payload, &decoded); err != nil {
		t.Fatalf("decode stored payload: %v", err)
	}
	if len(decoded.Selected) != 1 || decoded.Selected[0] != "https://a.example" {
		t.Fatalf("stored payload: got=%+v", decoded)
	}
}

func TestContextCarriesJobID(t *testing.T) {
	j, _, job := newTestJournal(t)
	c := NewContext(context.Background(), job, j, testutil.Logger(t))
	td := ctxutil.GetTraceData(c.Ctx)
	if td == nil || td.JobID != job.ID.String() {
		t.Fatalf("trace data: want job_id=%s got=%+v", job.ID, td)
	}
}

func TestPhaseErrorMessage(t *testing.T) {
	cause := errors.New("timeout")
	cases := []struct {
		err  *PhaseError
		want string
	}{
		{&PhaseError{Reason: "discovery failed", Err: cause}, "discovery failed: timeout"},
		{&PhaseError{Err: cause}, "timeout"},
		{&PhaseError{Reason: jobs.ReasonNoResources}, jobs.ReasonNoResources},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Fatalf("Error(): want=%q got=%q", tc.want, got)
		}
	}
	if !errors.Is(&PhaseError{Err: cause}, cause) {
		t.Fatalf("Unwrap: want cause reachable")
	}
}

type stubHandler string

func (s stubHandler) Type() string           { return string(s) }
func (s stubHandler) Run(ctx *Context) error { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stubHandler("source_build"), stubHandler("refresh")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(stubHandler("source_build")); err == nil {
		t.Fatalf("Register duplicate: want error")
	}
	if err := r.Register(stubHandler("")); err == nil {
		t.Fatalf("Register empty type: want error")
	}
	if err := r.Register(nil); err == nil {
		t.Fatalf("Register nil: want error")
	}
	types := r.Types()
	if len(types) != 2 || types[0] != "refresh" || types[1] != "source_build" {
		t.Fatalf("Types: want sorted [refresh source_build] got=%v", types)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("Get missing: want false")
	}
}
