package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	repos "github.com/yungbote/feedforge-backend/internal/data/repos/jobs"
	"github.com/yungbote/feedforge-backend/internal/data/repos/testutil"
	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/jobs/cancel"
	"github.com/yungbote/feedforge-backend/internal/jobs/runtime"
	"github.com/yungbote/feedforge-backend/internal/jobs/scheduler"
	"github.com/yungbote/feedforge-backend/internal/jobs/usage"
	"github.com/yungbote/feedforge-backend/internal/platform/dbctx"
)

type fakeTasks struct {
	mu       sync.Mutex
	running  map[string]bool
	aborted  []string
	abortAll int
	retries  []string
	retryErr error
}

func (f *fakeTasks) Abort(ctx context.Context, jobID uuid.UUID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[key] {
		return scheduler.ErrNotRunning
	}
	delete(f.running, key)
	f.aborted = append(f.aborted, key)
	return nil
}

func (f *fakeTasks) AbortAll(jobID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortAll++
	n := len(f.running)
	f.running = nil
	return n
}

func (f *fakeTasks) Retry(ctx context.Context, jobID uuid.UUID, res jobs.DiscoveredResource, hint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retryErr != nil {
		return f.retryErr
	}
	f.retries = append(f.retries, res.Key()+"|"+hint)
	return nil
}

func (f *fakeTasks) Running(jobID uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.running))
	for k := range f.running {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []uuid.UUID
	err       error
}

func (f *fakeSubmitter) Submit(jobID uuid.UUID, jobType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, jobID)
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	events   int
	statuses []jobs.BuildStatus
	created  int
	deleted  int
}

func (n *recordingNotifier) JobEvent(uuid.UUID, *jobs.JobEvent) {
	n.mu.Lock()
	n.events++
	n.mu.Unlock()
}

func (n *recordingNotifier) JobStatus(job *jobs.BuildJob) {
	n.mu.Lock()
	n.statuses = append(n.statuses, job.Status)
	n.mu.Unlock()
}

func (n *recordingNotifier) JobCreated(*jobs.BuildJob) {
	n.mu.Lock()
	n.created++
	n.mu.Unlock()
}

func (n *recordingNotifier) JobDeleted(*jobs.BuildJob) {
	n.mu.Lock()
	n.deleted++
	n.mu.Unlock()
}

type serviceHarness struct {
	svc     SourceJobService
	jobs    repos.BuildJobRepo
	journal *runtime.Journal
	tasks   *fakeTasks
	submit  *fakeSubmitter
	tokens  *cancel.Registry
	notify  *recordingNotifier
	ledger  *usage.Ledger
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	gdb := testutil.DB(t)
	log := testutil.Logger(t)
	h := &serviceHarness{
		jobs:   repos.NewBuildJobRepo(gdb, log),
		tasks:  &fakeTasks{running: map[string]bool{}},
		submit: &fakeSubmitter{},
		tokens: cancel.NewRegistry(),
		notify: &recordingNotifier{},
		ledger: usage.NewLedger(),
	}
	h.journal = runtime.NewJournal(h.jobs, repos.NewJobEventRepo(gdb, log), h.notify, log)
	h.svc = NewSourceJobService(h.journal, h.tasks, h.submit, h.tokens, h.ledger, h.notify, "source_build", log)
	return h
}

func (h *serviceHarness) started(t *testing.T, sub uuid.UUID) *jobs.BuildJob {
	t.Helper()
	job, err := h.svc.Create(context.Background(), CreateSourceJobInput{
		SubscriptionID: sub,
		OwnerUserID:    uuid.New(),
		Topic:          "rust release notes",
		Start:          true,
	})
	require.NoError(t, err)
	return job
}

var (
	resA = jobs.DiscoveredResource{Title: "A", URL: "https://a.example.com/feed", Recommended: true}
	resB = jobs.DiscoveredResource{Title: "B", URL: "https://b.example.com/news"}
)

// seedGenerated writes a finished discovery plus one accepted and one failed result.
func (h *serviceHarness) seedGenerated(t *testing.T, jobID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	_, err := h.journal.Append(ctx, jobID, runtime.Entry{
		Phase:   jobs.PhaseDiscover,
		Level:   jobs.LevelSuccess,
		Kind:    jobs.KindPhase,
		Message: "discovered 2 resources, selected 2",
		Payload: jobs.DiscoverPayload{Discovered: []jobs.DiscoveredResource{resA, resB}, Selected: []string{resA.Key(), resB.Key()}},
	})
	require.NoError(t, err)
	require.NoError(t, h.journal.Result(ctx, jobID, jobs.GenerationResult{
		Resource: resA, Key: resA.Key(), Script: "function collect() { return [] }",
		Outcome: jobs.OutcomeSuccess, Provenance: jobs.ProvenanceAgent, Attempted: true,
	}))
	require.NoError(t, h.journal.Result(ctx, jobID, jobs.GenerationResult{
		Resource: resB, Key: resB.Key(), Outcome: jobs.OutcomeFailed, Reason: "zero_results", Attempted: true,
	}))
}

func (h *serviceHarness) reload(t *testing.T, id uuid.UUID) *jobs.BuildJob {
	t.Helper()
	job, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func testCtx() dbctx.Context { return dbctx.New(context.Background()) }

func TestCreateAllowsOneActiveJobPerSubscription(t *testing.T) {
	h := newServiceHarness(t)
	sub := uuid.New()
	first := h.started(t, sub)
	assert.Equal(t, jobs.StatusCreating, first.Status)
	assert.Equal(t, []uuid.UUID{first.ID}, h.submit.submitted)

	_, err := h.svc.Create(context.Background(), CreateSourceJobInput{SubscriptionID: sub, Topic: "again", Start: true})
	require.ErrorIs(t, err, ErrActiveJobExists)

	idle, err := h.svc.Create(context.Background(), CreateSourceJobInput{SubscriptionID: sub, Topic: "later"})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusIdle, idle.Status)
	assert.Len(t, h.submit.submitted, 1)
}

func TestCreateValidatesInput(t *testing.T) {
	h := newServiceHarness(t)
	_, err := h.svc.Create(context.Background(), CreateSourceJobInput{SubscriptionID: uuid.New(), Topic: "  "})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.svc.Create(context.Background(), CreateSourceJobInput{Topic: "x"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCreateFailsJobWhenQueueRejects(t *testing.T) {
	h := newServiceHarness(t)
	h.submit.err = errors.New("job queue is full")
	_, err := h.svc.Create(context.Background(), CreateSourceJobInput{SubscriptionID: uuid.New(), Topic: "x", Start: true})
	require.Error(t, err)

	list, err := h.jobs.ListByStatus(testCtx(), jobs.StatusFailed)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Contains(t, list[0].Error, "queue run")
}

func TestAbortTwiceIsNoop(t *testing.T) {
	h := newServiceHarness(t)
	job := h.started(t, uuid.New())
	h.tasks.running[resA.Key()] = true

	ok, err := h.svc.Abort(context.Background(), job.ID, resA.URL+"/")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.svc.Abort(context.Background(), job.ID, resA.URL)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{resA.Key()}, h.tasks.aborted)

	_, err = h.svc.Abort(context.Background(), uuid.New(), resA.URL)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestDiscardFlipsToIdleWithoutEvents(t *testing.T) {
	h := newServiceHarness(t)
	job := h.started(t, uuid.New())
	h.tasks.running[resA.Key()] = true

	got, err := h.svc.Discard(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusIdle, got.Status)
	assert.Equal(t, 1, h.tasks.abortAll)

	events, err := h.svc.Events(context.Background(), job.ID, jobs.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = h.svc.Discard(context.Background(), job.ID)
	require.ErrorIs(t, err, ErrJobNotRunning)
}

func TestTakeoverSeedsAcceptedResults(t *testing.T) {
	h := newServiceHarness(t)
	sub := uuid.New()
	old := h.started(t, sub)
	h.seedGenerated(t, old.ID)

	next, err := h.svc.Takeover(context.Background(), old.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, next.ID)
	assert.Equal(t, jobs.StatusCreating, next.Status)
	assert.Equal(t, jobs.PhaseGenerate, next.Phase)
	assert.Equal(t, sub, next.SubscriptionID)
	assert.Equal(t, 1, h.tasks.abortAll)
	assert.Contains(t, h.submit.submitted, next.ID)

	var seed jobs.RunPayload
	require.NoError(t, json.Unmarshal(next.Payload, &seed))
	require.Len(t, seed.Results, 1)
	assert.Equal(t, resA.Key(), seed.Results[0].Key)
	assert.Len(t, seed.Resources, 2)
	assert.Equal(t, []string{resA.Key(), resB.Key()}, seed.Selected)

	prev := h.reload(t, old.ID)
	assert.Equal(t, jobs.StatusFailed, prev.Status)
	assert.Equal(t, jobs.ReasonTakenOver, prev.Error)
	require.NotNil(t, prev.TakenOverBy)
	assert.Equal(t, next.ID, *prev.TakenOverBy)

	_, err = h.svc.Takeover(context.Background(), old.ID)
	require.ErrorIs(t, err, ErrTakenOver)
	_, err = h.svc.Run(context.Background(), old.ID, "", nil)
	require.ErrorIs(t, err, ErrTakenOver)
}

func TestRetryReopensFinishedRun(t *testing.T) {
	h := newServiceHarness(t)
	job := h.started(t, uuid.New())
	h.seedGenerated(t, job.ID)
	ok, err := h.jobs.UpdateFieldsIfStatus(testCtx(), job.ID, []jobs.BuildStatus{jobs.StatusCreating}, map[string]interface{}{
		"status": jobs.StatusFailed,
		"phase":  jobs.PhaseComplete,
		"error":  jobs.ReasonNoScripts,
	})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.svc.Retry(context.Background(), job.ID, resB.URL, "use the rss link"))
	assert.Empty(t, h.tasks.retries)

	got := h.reload(t, job.ID)
	assert.Equal(t, jobs.StatusCreating, got.Status)
	assert.Equal(t, jobs.PhaseGenerate, got.Phase)
	assert.Empty(t, got.Error)
	var p jobs.RunPayload
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, "use the rss link", p.Hints[resB.Key()])

	key := resB.Key()
	events, err := h.svc.Events(context.Background(), job.ID, jobs.EventFilter{ResourceKey: &key})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, job.ID, h.submit.submitted[len(h.submit.submitted)-1])
}

func TestRetryAttachesToLiveRun(t *testing.T) {
	h := newServiceHarness(t)
	job := h.started(t, uuid.New())
	h.seedGenerated(t, job.ID)
	_, tok := h.tokens.Issue(context.Background(), job.ID, cancel.JobKey)
	defer tok.Release()

	require.NoError(t, h.svc.Retry(context.Background(), job.ID, resB.URL, "try the api"))
	assert.Equal(t, []string{resB.Key() + "|try the api"}, h.tasks.retries)
	assert.Len(t, h.submit.submitted, 1)
}

func TestRetryFallsBackWhenRunIsWindingDown(t *testing.T) {
	h := newServiceHarness(t)
	job := h.started(t, uuid.New())
	h.seedGenerated(t, job.ID)
	_, tok := h.tokens.Issue(context.Background(), job.ID, cancel.JobKey)
	defer tok.Release()
	h.tasks.retryErr = scheduler.ErrJobIdle

	require.NoError(t, h.svc.Retry(context.Background(), job.ID, resB.URL, ""))
	assert.Len(t, h.submit.submitted, 2)
}

func TestRetryRefusedOnceGenerationClosed(t *testing.T) {
	h := newServiceHarness(t)
	job := h.started(t, uuid.New())
	h.seedGenerated(t, job.ID)
	_, tok := h.tokens.Issue(context.Background(), job.ID, cancel.JobKey)
	defer tok.Release()
	h.tasks.retryErr = scheduler.ErrBatchClosed

	err := h.svc.Retry(context.Background(), job.ID, resA.URL, "")
	require.ErrorIs(t, err, ErrGenerationClosed)
	assert.Len(t, h.submit.submitted, 1)

	key := resA.Key()
	events, err := h.svc.Events(context.Background(), job.ID, jobs.EventFilter{ResourceKey: &key, Kind: jobs.KindResult})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRetryRefusedWhileCompletePhaseWindsDown(t *testing.T) {
	h := newServiceHarness(t)
	job := h.started(t, uuid.New())
	h.seedGenerated(t, job.ID)
	require.NoError(t, h.jobs.UpdateFields(testCtx(), job.ID, map[string]interface{}{"phase": jobs.PhaseComplete}))
	_, tok := h.tokens.Issue(context.Background(), job.ID, cancel.JobKey)
	defer tok.Release()
	h.tasks.retryErr = scheduler.ErrJobIdle

	err := h.svc.Retry(context.Background(), job.ID, resA.URL, "")
	require.ErrorIs(t, err, ErrGenerationClosed)
	assert.Len(t, h.submit.submitted, 1)
}

func TestRetryUnknownResource(t *testing.T) {
	h := newServiceHarness(t)
	job := h.started(t, uuid.New())
	h.seedGenerated(t, job.ID)
	err := h.svc.Retry(context.Background(), job.ID, "https://elsewhere.example.com", "")
	require.ErrorIs(t, err, ErrUnknownResource)
}

func TestRunGuards(t *testing.T) {
	h := newServiceHarness(t)
	job := h.started(t, uuid.New())

	_, tok := h.tokens.Issue(context.Background(), job.ID, cancel.JobKey)
	_, err := h.svc.Run(context.Background(), job.ID, "", nil)
	require.ErrorIs(t, err, ErrJobRunning)
	tok.Release()

	require.NoError(t, h.jobs.UpdateFields(testCtx(), job.ID, map[string]interface{}{"status": jobs.StatusComplete}))
	_, err = h.svc.Run(context.Background(), job.ID, "", nil)
	require.ErrorIs(t, err, ErrJobFinished)
}

func TestRunReopensFailedJobWithPayload(t *testing.T) {
	h := newServiceHarness(t)
	sub := uuid.New()
	job := h.started(t, sub)
	require.NoError(t, h.jobs.UpdateFields(testCtx(), job.ID, map[string]interface{}{
		"status": jobs.StatusFailed,
		"error":  jobs.ReasonNoResources,
	}))

	got, err := h.svc.Run(context.Background(), job.ID, "", &jobs.RunPayload{Resources: []jobs.DiscoveredResource{resA}})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCreating, got.Status)
	assert.Empty(t, got.Error)
	assert.Equal(t, jobs.PhaseDiscover, got.Phase)
	var p jobs.RunPayload
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Len(t, p.Resources, 1)

	other, err := h.svc.Create(context.Background(), CreateSourceJobInput{SubscriptionID: sub, Topic: "idle"})
	require.NoError(t, err)
	_, err = h.svc.Run(context.Background(), other.ID, "", nil)
	require.ErrorIs(t, err, ErrActiveJobExists)
}

func TestRunStartsFreshJobAtGenerate(t *testing.T) {
	h := newServiceHarness(t)
	job, err := h.svc.Create(context.Background(), CreateSourceJobInput{SubscriptionID: uuid.New(), Topic: "handoff"})
	require.NoError(t, err)
	require.Equal(t, jobs.PhaseDiscover, job.Phase)

	handoff := &jobs.RunPayload{
		Resources: []jobs.DiscoveredResource{resA, resB},
		Results: []jobs.GenerationResult{{
			Resource: resA, Key: resA.Key(), Script: "function collect() { return [] }",
			Outcome: jobs.OutcomeSuccess, Attempted: true,
		}},
	}
	got, err := h.svc.Run(context.Background(), job.ID, jobs.PhaseGenerate, handoff)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCreating, got.Status)
	assert.Equal(t, jobs.PhaseGenerate, got.Phase)
	assert.Equal(t, []uuid.UUID{job.ID}, h.submit.submitted)

	var p jobs.RunPayload
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	require.Len(t, p.Results, 1)
	assert.Equal(t, resA.Key(), p.Results[0].Key)
	assert.Len(t, p.Resources, 2)
}

func TestRunRejectsUnknownStartPhase(t *testing.T) {
	h := newServiceHarness(t)
	job := h.started(t, uuid.New())
	_, err := h.svc.Run(context.Background(), job.ID, jobs.Phase("publish"), nil)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDeleteRemovesJobAndLog(t *testing.T) {
	h := newServiceHarness(t)
	job := h.started(t, uuid.New())
	h.seedGenerated(t, job.ID)
	h.ledger.Add(job.ID, resA.Key(), 10, 5, false)

	require.NoError(t, h.svc.Delete(context.Background(), job.ID))
	_, err := h.svc.Get(context.Background(), job.ID)
	require.ErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, 1, h.notify.deleted)
	assert.Zero(t, h.svc.Usage(job.ID).Total.Calls)

	events, err := h.journal.List(context.Background(), job.ID, jobs.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStatusGroupsLogByPhase(t *testing.T) {
	h := newServiceHarness(t)
	job := h.started(t, uuid.New())
	h.seedGenerated(t, job.ID)
	h.tasks.running[resB.Key()] = true
	h.ledger.Add(job.ID, resA.Key(), 100, 20, false)

	st, err := h.svc.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, st.Log[jobs.PhaseDiscover], 1)
	assert.Len(t, st.Log[jobs.PhaseGenerate], 2)
	assert.Len(t, st.Snapshot.Results, 2)
	assert.Equal(t, []string{resB.Key()}, st.Running)
	assert.False(t, st.Live)
	assert.Equal(t, 120, st.Usage.Total.Total())
}
