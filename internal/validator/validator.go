// Package validator decides whether a generated collector script is fit to keep.
//
// Layer one runs the script in the sandbox. Layers two and three are a single
// review agent that judges extraction quality and spot-checks that sample
// items are real. A sandbox outage never fails a script; it is accepted as
// unverified.
package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/feedforge-backend/internal/agent"
	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/observability"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
	"github.com/yungbote/feedforge-backend/internal/sandbox"
	"github.com/yungbote/feedforge-backend/internal/webtools"
)

const (
	ReasonZeroResults = "zero_results: script returned no items"
	ReasonUnavailable = "sandbox unavailable; script kept without verification"
)

type Config struct {
	Limits           sandbox.Limits
	ReviewIterations int
	SpotChecks       int
	SampleSize       int
}

func DefaultConfig() Config {
	return Config{
		Limits:           sandbox.DefaultLimits(),
		ReviewIterations: 6,
		SpotChecks:       2,
		SampleSize:       5,
	}
}

type Input struct {
	Script   string
	Resource jobs.DiscoveredResource
	Criteria string
}

type Verdict struct {
	Valid      bool             `json:"valid"`
	Unverified bool             `json:"unverified"`
	Reason     string           `json:"reason,omitempty"`
	Script     string           `json:"-"`
	Fixed      bool             `json:"fixed"`
	Items      []map[string]any `json:"items,omitempty"`
	Advisories []string         `json:"advisories,omitempty"`
}

// Accepted reports whether the script should be kept.
func (v Verdict) Accepted() bool { return v.Valid || v.Unverified }

type Validator struct {
	runner  sandbox.Runner
	loop    *agent.Loop
	fetcher *webtools.Fetcher
	cfg     Config
	log     *logger.Logger
}

func New(runner sandbox.Runner, loop *agent.Loop, fetcher *webtools.Fetcher, cfg Config, baseLog *logger.Logger) *Validator {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultConfig().SampleSize
	}
	if cfg.ReviewIterations <= 0 {
		cfg.ReviewIterations = DefaultConfig().ReviewIterations
	}
	if cfg.SpotChecks <= 0 {
		cfg.SpotChecks = DefaultConfig().SpotChecks
	}
	return &Validator{
		runner:  runner,
		loop:    loop,
		fetcher: fetcher,
		cfg:     cfg,
		log:     baseLog.With("component", "Validator"),
	}
}

// Execute is layer one alone: run the script against its resource's origin.
func (v *Validator) Execute(ctx context.Context, script, resourceURL string) (sandbox.Result, error) {
	started := time.Now()
	res, err := v.runner.Run(ctx, script, v.cfg.Limits.ForURL(resourceURL))
	observability.Current().ObserveSandbox(sandboxResult(res, err), time.Since(started))
	return res, err
}

func sandboxResult(res sandbox.Result, err error) string {
	var execErr *sandbox.ExecError
	switch {
	case err == nil && len(res.Items) == 0:
		return "empty"
	case err == nil:
		return "ok"
	case errors.Is(err, sandbox.ErrUnavailable):
		return "unavailable"
	case errors.As(err, &execErr):
		return string(execErr.Kind)
	default:
		return "error"
	}
}

// Validate runs all layers. The error is non-nil only for cancellation; every
// other problem is expressed in the Verdict.
func (v *Validator) Validate(ctx context.Context, in Input, sink agent.UsageSink) (Verdict, error) {
	verdict := Verdict{Script: in.Script}
	if strings.TrimSpace(in.Script) == "" {
		verdict.Reason = "empty script"
		return verdict, nil
	}

	res, err := v.Execute(ctx, in.Script, in.Resource.URL)
	if err != nil {
		if ctx.Err() != nil {
			return verdict, ctx.Err()
		}
		if errors.Is(err, sandbox.ErrUnavailable) {
			v.log.Warn("Sandbox unavailable; accepting script unverified", "url", in.Resource.URL, "error", err)
			verdict.Unverified = true
			verdict.Reason = ReasonUnavailable
			return verdict, nil
		}
		verdict.Reason = execReason(err)
		return verdict, nil
	}
	if len(res.Items) == 0 {
		verdict.Reason = ReasonZeroResults
		return verdict, nil
	}
	verdict.Items = sample(res.Items, v.cfg.SampleSize)

	review, err := v.review(ctx, in, res.Items, sink)
	if err != nil {
		if errors.Is(err, agent.ErrCanceled) || ctx.Err() != nil {
			return verdict, err
		}
		// layer one passed; a broken reviewer should not throw the script away
		v.log.Warn("Review unavailable; accepting on execution alone", "url", in.Resource.URL, "error", err)
		verdict.Valid = true
		verdict.Advisories = append(verdict.Advisories, "quality review unavailable: "+err.Error())
		return verdict, nil
	}
	verdict.Advisories = append(verdict.Advisories, review.Advisories...)

	if review.Valid {
		verdict.Valid = true
		verdict.Reason = review.Reason
		return verdict, nil
	}

	fixed := strings.TrimSpace(review.FixedScript)
	if fixed == "" || fixed == strings.TrimSpace(in.Script) {
		verdict.Reason = nonEmpty(review.Reason, "rejected by review")
		return verdict, nil
	}

	// one revision round: the fix must still pass layer one
	res, err = v.Execute(ctx, fixed, in.Resource.URL)
	switch {
	case err != nil && ctx.Err() != nil:
		return verdict, ctx.Err()
	case err != nil && errors.Is(err, sandbox.ErrUnavailable):
		verdict.Script = fixed
		verdict.Fixed = true
		verdict.Unverified = true
		verdict.Reason = ReasonUnavailable
	case err != nil:
		verdict.Reason = fmt.Sprintf("%s; revised script failed: %s", nonEmpty(review.Reason, "rejected by review"), execReason(err))
	case len(res.Items) == 0:
		verdict.Reason = fmt.Sprintf("%s; revised script: %s", nonEmpty(review.Reason, "rejected by review"), ReasonZeroResults)
	default:
		verdict.Valid = true
		verdict.Fixed = true
		verdict.Script = fixed
		verdict.Items = sample(res.Items, v.cfg.SampleSize)
		verdict.Reason = "revised during review: " + nonEmpty(review.Reason, "fixed")
	}
	return verdict, nil
}

type reviewVerdict struct {
	Valid       bool     `json:"valid"`
	Reason      string   `json:"reason"`
	FixedScript string   `json:"fixed_script"`
	Advisories  []string `json:"advisories"`
}

type spotCheckArgs struct {
	URL string `json:"url"`
}

type spotCheckResult struct {
	URL       string `json:"url"`
	Reachable bool   `json:"reachable"`
	Status    int    `json:"status,omitempty"`
	Title     string `json:"title,omitempty"`
	Excerpt   string `json:"excerpt,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (v *Validator) review(ctx context.Context, in Input, items []map[string]any, sink agent.UsageSink) (reviewVerdict, error) {
	shown := sample(items, v.cfg.SampleSize)
	rawItems, _ := json.MarshalIndent(shown, "", "  ")

	task := agent.Task{
		Name:          "review",
		System:        reviewSystem,
		Prompt:        fmt.Sprintf(reviewPrompt, in.Resource.Title, in.Resource.URL, nonEmpty(in.Criteria, "(none)"), in.Script, len(items), len(shown), rawItems),
		Tools:         agent.NewToolset(v.spotCheckTool()),
		MaxIterations: v.cfg.ReviewIterations,
		SubBudgets:    map[agent.ToolID]int{agent.ToolAuthenticityFetch: v.cfg.SpotChecks},
		Extract: func(texts []string) (string, bool) {
			for i := len(texts) - 1; i >= 0; i-- {
				var rv reviewVerdict
				if agent.JSONObject(texts[i], &rv) {
					return texts[i], true
				}
			}
			return "", false
		},
		Usage: sink,
	}
	res, err := v.loop.Run(ctx, task)
	if err != nil {
		return reviewVerdict{}, err
	}
	var rv reviewVerdict
	if !agent.JSONObject(res.Text, &rv) {
		return reviewVerdict{}, errors.New("review did not return a JSON verdict")
	}
	return rv, nil
}

func (v *Validator) spotCheckTool() agent.Tool {
	return agent.NewTool(agent.ToolAuthenticityFetch,
		"Fetch one sample item link and report whether it is reachable and what page it lands on.",
		agent.Object(map[string]string{"url": "absolute item link to check"}, "url"),
		func(ctx context.Context, a spotCheckArgs) (spotCheckResult, error) {
			out := spotCheckResult{URL: a.URL}
			page, err := v.fetcher.Fetch(ctx, a.URL)
			if err != nil {
				if ctx.Err() != nil {
					return out, ctx.Err()
				}
				out.Error = err.Error()
				return out, nil
			}
			out.Status = page.Status
			out.Reachable = page.Status < 400
			out.Title = page.Title
			out.Excerpt = excerpt(page.Body, 600)
			return out, nil
		})
}

func execReason(err error) string {
	var execErr *sandbox.ExecError
	if errors.As(err, &execErr) {
		return execErr.Error()
	}
	return string(sandbox.KindExecution) + ": " + err.Error()
}

func sample(items []map[string]any, n int) []map[string]any {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func nonEmpty(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
