package validator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/feedforge-backend/internal/agent"
	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
	"github.com/yungbote/feedforge-backend/internal/sandbox"
	"github.com/yungbote/feedforge-backend/internal/webtools"
)

type fakeRunner struct {
	mu      sync.Mutex
	scripts []string
	run     func(script string) (sandbox.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, script string, lim sandbox.Limits) (sandbox.Result, error) {
	f.mu.Lock()
	f.scripts = append(f.scripts, script)
	f.mu.Unlock()
	return f.run(script)
}

type cannedModel struct {
	mu      sync.Mutex
	replies []agent.Message
	calls   int
	err     error
}

func (m *cannedModel) Complete(ctx context.Context, req agent.Request) (agent.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return agent.Response{}, m.err
	}
	i := m.calls - 1
	if i >= len(m.replies) {
		i = len(m.replies) - 1
	}
	return agent.Response{Message: m.replies[i]}, nil
}

func say(text string) agent.Message { return agent.Message{Role: agent.RoleAssistant, Content: text} }

func items(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"title": fmt.Sprintf("post %d", i), "url": fmt.Sprintf("https://example.com/p/%d", i)}
	}
	return out
}

func newValidator(runner sandbox.Runner, model agent.Model, fetcher *webtools.Fetcher) *Validator {
	log := logger.Nop()
	if fetcher == nil {
		fetcher = webtools.NewFetcher(nil, 0, log)
	}
	return New(runner, agent.NewLoop(model, log), fetcher, DefaultConfig(), log)
}

var resource = jobs.DiscoveredResource{Title: "Example blog", URL: "https://example.com/blog"}

func TestValidateAcceptsReviewedScript(t *testing.T) {
	runner := &fakeRunner{run: func(string) (sandbox.Result, error) { return sandbox.Result{Items: items(8)}, nil }}
	model := &cannedModel{replies: []agent.Message{say(`{"valid": true, "reason": "looks real", "advisories": ["no timestamps"]}`)}}
	v := newValidator(runner, model, nil)

	got, err := v.Validate(context.Background(), Input{Script: "return []", Resource: resource}, nil)
	require.NoError(t, err)
	assert.True(t, got.Valid)
	assert.False(t, got.Unverified)
	assert.Len(t, got.Items, 5)
	assert.Equal(t, []string{"no timestamps"}, got.Advisories)
	assert.Equal(t, "return []", got.Script)
}

func TestValidateSandboxUnavailableKeepsScript(t *testing.T) {
	runner := &fakeRunner{run: func(string) (sandbox.Result, error) {
		return sandbox.Result{}, fmt.Errorf("dial: %w", sandbox.ErrUnavailable)
	}}
	model := &cannedModel{err: errors.New("must not be called")}
	v := newValidator(runner, model, nil)

	got, err := v.Validate(context.Background(), Input{Script: "collect()", Resource: resource}, nil)
	require.NoError(t, err)
	assert.True(t, got.Unverified)
	assert.True(t, got.Accepted())
	assert.Equal(t, "collect()", got.Script)
	assert.Equal(t, 0, model.calls)
}

func TestValidateZeroItemsIsInvalid(t *testing.T) {
	runner := &fakeRunner{run: func(string) (sandbox.Result, error) { return sandbox.Result{}, nil }}
	v := newValidator(runner, &cannedModel{err: errors.New("unused")}, nil)

	got, err := v.Validate(context.Background(), Input{Script: "return []", Resource: resource}, nil)
	require.NoError(t, err)
	assert.False(t, got.Accepted())
	assert.Equal(t, ReasonZeroResults, got.Reason)
}

func TestValidateExecutionErrorIsInvalid(t *testing.T) {
	runner := &fakeRunner{run: func(string) (sandbox.Result, error) {
		return sandbox.Result{}, &sandbox.ExecError{Kind: sandbox.KindTimeout, Message: "script exceeded 30s"}
	}}
	v := newValidator(runner, &cannedModel{err: errors.New("unused")}, nil)

	got, err := v.Validate(context.Background(), Input{Script: "while(true){}", Resource: resource}, nil)
	require.NoError(t, err)
	assert.False(t, got.Accepted())
	assert.True(t, strings.HasPrefix(got.Reason, "timeout:"), got.Reason)
}

func TestValidateAppliesReviewFix(t *testing.T) {
	runner := &fakeRunner{run: func(script string) (sandbox.Result, error) {
		if script == "fixed()" {
			return sandbox.Result{Items: items(2)}, nil
		}
		return sandbox.Result{Items: items(3)}, nil
	}}
	model := &cannedModel{replies: []agent.Message{say("```json\n{\"valid\": false, \"reason\": \"fabricated fallback\", \"fixed_script\": \"fixed()\"}\n```")}}
	v := newValidator(runner, model, nil)

	got, err := v.Validate(context.Background(), Input{Script: "orig()", Resource: resource}, nil)
	require.NoError(t, err)
	assert.True(t, got.Valid)
	assert.True(t, got.Fixed)
	assert.Equal(t, "fixed()", got.Script)
	assert.Len(t, got.Items, 2)
	assert.Equal(t, []string{"orig()", "fixed()"}, runner.scripts)
}

func TestValidateRejectsWithoutFix(t *testing.T) {
	runner := &fakeRunner{run: func(string) (sandbox.Result, error) { return sandbox.Result{Items: items(3)}, nil }}
	model := &cannedModel{replies: []agent.Message{say(`{"valid": false, "reason": "items are hard-coded"}`)}}
	v := newValidator(runner, model, nil)

	got, err := v.Validate(context.Background(), Input{Script: "orig()", Resource: resource}, nil)
	require.NoError(t, err)
	assert.False(t, got.Accepted())
	assert.Equal(t, "items are hard-coded", got.Reason)
}

func TestValidateReviewFailureFallsBackToExecution(t *testing.T) {
	runner := &fakeRunner{run: func(string) (sandbox.Result, error) { return sandbox.Result{Items: items(1)}, nil }}
	v := newValidator(runner, &cannedModel{err: errors.New("503 upstream")}, nil)

	got, err := v.Validate(context.Background(), Input{Script: "orig()", Resource: resource}, nil)
	require.NoError(t, err)
	assert.True(t, got.Valid)
	require.Len(t, got.Advisories, 1)
	assert.Contains(t, got.Advisories[0], "quality review unavailable")
}

func TestValidateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{run: func(string) (sandbox.Result, error) {
		cancel()
		return sandbox.Result{}, context.Canceled
	}}
	v := newValidator(runner, &cannedModel{err: errors.New("unused")}, nil)

	_, err := v.Validate(ctx, Input{Script: "orig()", Resource: resource}, nil)
	require.Error(t, err)
}

func TestSpotCheckReportsUnreachableWithoutFailing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/p/0" {
			fmt.Fprint(w, "<html><title>post 0</title>body text</html>")
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	v := newValidator(&fakeRunner{}, &cannedModel{}, webtools.NewFetcher(srv.Client(), 0, logger.Nop()))
	tool := v.spotCheckTool()

	out, err := tool.Call(context.Background(), []byte(`{"url":"`+srv.URL+`/p/0"}`))
	require.NoError(t, err)
	res := out.(spotCheckResult)
	assert.True(t, res.Reachable)
	assert.Equal(t, "post 0", res.Title)

	out, err = tool.Call(context.Background(), []byte(`{"url":"`+srv.URL+`/missing"}`))
	require.NoError(t, err)
	assert.False(t, out.(spotCheckResult).Reachable)

	out, err = tool.Call(context.Background(), []byte(`{"url":"http://127.0.0.1:1/nothing"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, out.(spotCheckResult).Error)
}
