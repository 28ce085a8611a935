package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

const DefaultMaxIterations = 20

const stopRetryingNote = "You have used up your attempts with the %s tool. Stop retrying it and return your best effort now."

type Provenance string

const (
	ProvenanceFinal     Provenance = "final"
	ProvenanceExtracted Provenance = "extracted"
)

// Step describes one tool invocation, reported through Task.OnStep.
type Step struct {
	Iteration int
	Tool      string
	Err       error
	// Withdrawn is set on the call that exhausted the tool's sub-budget.
	Withdrawn bool
}

type Task struct {
	Name          string
	System        string
	Prompt        string
	Tools         Toolset
	MaxIterations int
	// SubBudgets caps calls per tool. Reaching a cap withdraws the tool and
	// tells the model to wrap up.
	SubBudgets map[ToolID]int
	// Extract recovers an answer from earlier assistant text when the
	// iteration cap is hit. Texts are in transcript order.
	Extract func(texts []string) (string, bool)
	OnStep  func(Step)
	Usage   UsageSink
}

type Result struct {
	Text       string
	Provenance Provenance
	Iterations int
	ToolCalls  int
	Transcript []Message
}

type Loop struct {
	model Model
	log   *logger.Logger
}

func NewLoop(model Model, baseLog *logger.Logger) *Loop {
	return &Loop{model: model, log: baseLog.With("component", "AgentLoop")}
}

// Run drives the model until it answers without tool calls, the iteration cap
// is reached, or ctx is cancelled.
func (l *Loop) Run(ctx context.Context, task Task) (Result, error) {
	tracer := otel.Tracer("feedforge/agent")
	ctx, span := tracer.Start(ctx, "agent.loop")
	defer span.End()
	span.SetAttributes(attribute.String("agent.task", task.Name))

	maxIter := task.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	msgs := make([]Message, 0, 2+maxIter*2)
	if s := strings.TrimSpace(task.System); s != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: s})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: task.Prompt})

	withdrawn := map[ToolID]bool{}
	calls := map[ToolID]int{}
	var texts []string
	res := Result{}

	for i := 1; i <= maxIter; i++ {
		if err := canceled(ctx); err != nil {
			res.Transcript = msgs
			return res, err
		}
		res.Iterations = i

		resp, err := l.model.Complete(ctx, Request{Messages: msgs, Tools: task.Tools.Specs(withdrawn)})
		if err != nil {
			if cerr := canceled(ctx); cerr != nil {
				res.Transcript = msgs
				return res, cerr
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "model call failed")
			res.Transcript = msgs
			return res, fmt.Errorf("agent %s: model call: %w", task.Name, err)
		}
		if task.Usage != nil {
			task.Usage(resp.Usage)
		}

		reply := resp.Message
		reply.Role = RoleAssistant
		msgs = append(msgs, reply)
		if t := strings.TrimSpace(reply.Content); t != "" {
			texts = append(texts, t)
		}

		if len(reply.ToolCalls) == 0 {
			res.Text = strings.TrimSpace(reply.Content)
			res.Provenance = ProvenanceFinal
			res.Transcript = msgs
			span.SetAttributes(attribute.Int("agent.iterations", i), attribute.String("agent.provenance", string(res.Provenance)))
			return res, nil
		}

		var notes []string
		for _, call := range reply.ToolCalls {
			if err := canceled(ctx); err != nil {
				res.Transcript = msgs
				return res, err
			}
			res.ToolCalls++
			out, id, callErr := l.dispatch(ctx, task.Tools, withdrawn, call)
			msgs = append(msgs, Message{Role: RoleTool, ToolCallID: call.ID, Content: out})

			// a tool that failed because we were cancelled ends the loop, not the model's turn
			if callErr != nil {
				if cerr := canceled(ctx); cerr != nil {
					res.Transcript = msgs
					return res, cerr
				}
			}

			step := Step{Iteration: i, Tool: call.Name, Err: callErr}
			if id != 0 {
				calls[id]++
				if limit, ok := task.SubBudgets[id]; ok && limit > 0 && calls[id] >= limit && !withdrawn[id] {
					withdrawn[id] = true
					step.Withdrawn = true
					notes = append(notes, fmt.Sprintf(stopRetryingNote, id.String()))
				}
			}
			if task.OnStep != nil {
				task.OnStep(step)
			}
		}
		for _, n := range notes {
			msgs = append(msgs, Message{Role: RoleUser, Content: n})
		}
	}

	res.Transcript = msgs
	if task.Extract != nil {
		if text, ok := task.Extract(texts); ok {
			res.Text = text
			res.Provenance = ProvenanceExtracted
			l.log.Debug("Agent loop hit iteration cap; recovered answer from transcript", "task", task.Name, "iterations", res.Iterations)
			span.SetAttributes(attribute.String("agent.provenance", string(res.Provenance)))
			return res, nil
		}
	}
	span.SetStatus(codes.Error, "exhausted")
	return res, fmt.Errorf("agent %s: %w", task.Name, ErrExhausted)
}

// dispatch runs one tool call and renders its outcome for the model. Unknown
// tools, bad arguments and tool errors all come back as {"error": ...} so the
// model can correct itself.
func (l *Loop) dispatch(ctx context.Context, ts Toolset, withdrawn map[ToolID]bool, call ToolCall) (string, ToolID, error) {
	tool, ok := ts.Lookup(call.Name)
	if !ok {
		err := fmt.Errorf("unknown tool %q", call.Name)
		return errorPayload(err), 0, err
	}
	id := tool.ID()
	if withdrawn[id] {
		err := fmt.Errorf("tool %s is no longer available; answer with what you have", id)
		return errorPayload(err), id, err
	}

	ctx, span := otel.Tracer("feedforge/agent").Start(ctx, "agent.tool")
	span.SetAttributes(attribute.String("agent.tool", id.String()))
	defer span.End()

	out, err := tool.Call(ctx, json.RawMessage(call.Arguments))
	if err != nil {
		span.RecordError(err)
		var argErr *ArgumentError
		if !errors.As(err, &argErr) {
			l.log.Debug("Tool call failed", "tool", id.String(), "error", err)
		}
		return errorPayload(err), id, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return errorPayload(err), id, err
	}
	return string(raw), id, nil
}

func errorPayload(err error) string {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(raw)
}
