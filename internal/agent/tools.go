package agent

import (
	"context"
	"encoding/json"
	"strings"
)

// ToolID enumerates every tool the loops know how to offer.
type ToolID int

const (
	ToolSearch ToolID = iota + 1
	ToolFeedRoutes
	ToolFeedValidate
	ToolPageFetch
	ToolRenderedFetch
	ToolScriptValidate
	ToolAuthenticityFetch
)

var toolNames = map[ToolID]string{
	ToolSearch:            "search",
	ToolFeedRoutes:        "feed_route_lookup",
	ToolFeedValidate:      "feed_validate",
	ToolPageFetch:         "page_fetch",
	ToolRenderedFetch:     "rendered_fetch",
	ToolScriptValidate:    "script_validate",
	ToolAuthenticityFetch: "authenticity_fetch",
}

func (id ToolID) String() string {
	if n, ok := toolNames[id]; ok {
		return n
	}
	return "unknown"
}

// ParseToolID maps a wire name back to its id.
func ParseToolID(name string) (ToolID, bool) {
	name = strings.TrimSpace(name)
	for id, n := range toolNames {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

type Tool interface {
	ID() ToolID
	Spec() ToolSpec
	Call(ctx context.Context, args json.RawMessage) (any, error)
}

// Typed adapts a strongly typed function into a Tool. Arguments are decoded
// into A and the R result is JSON encoded for the model.
type Typed[A any, R any] struct {
	id     ToolID
	desc   string
	params map[string]any
	fn     func(context.Context, A) (R, error)
}

func NewTool[A any, R any](id ToolID, desc string, params map[string]any, fn func(context.Context, A) (R, error)) *Typed[A, R] {
	return &Typed[A, R]{id: id, desc: desc, params: params, fn: fn}
}

func (t *Typed[A, R]) ID() ToolID { return t.id }

func (t *Typed[A, R]) Spec() ToolSpec {
	params := t.params
	if params == nil {
		params = Object(nil)
	}
	return ToolSpec{Name: t.id.String(), Description: t.desc, Parameters: params}
}

func (t *Typed[A, R]) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var a A
	if s := strings.TrimSpace(string(args)); s != "" && s != "null" {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &ArgumentError{Tool: t.id.String(), Err: err}
		}
	}
	return t.fn(ctx, a)
}

// Object builds a JSON schema object with string properties. Keys listed in
// required must also appear in props.
func Object(props map[string]string, required ...string) map[string]any {
	properties := map[string]any{}
	for name, desc := range props {
		properties[name] = map[string]any{"type": "string", "description": desc}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Toolset is an ordered dispatch table keyed by ToolID.
type Toolset struct {
	order []ToolID
	tools map[ToolID]Tool
}

func NewToolset(tools ...Tool) Toolset {
	ts := Toolset{tools: make(map[ToolID]Tool, len(tools))}
	for _, t := range tools {
		if t == nil {
			continue
		}
		if _, dup := ts.tools[t.ID()]; !dup {
			ts.order = append(ts.order, t.ID())
		}
		ts.tools[t.ID()] = t
	}
	return ts
}

func (ts Toolset) Lookup(name string) (Tool, bool) {
	id, ok := ParseToolID(name)
	if !ok {
		return nil, false
	}
	t, ok := ts.tools[id]
	return t, ok
}

func (ts Toolset) Len() int { return len(ts.order) }

// Specs lists the offered tools, skipping withdrawn ones.
func (ts Toolset) Specs(withdrawn map[ToolID]bool) []ToolSpec {
	out := make([]ToolSpec, 0, len(ts.order))
	for _, id := range ts.order {
		if withdrawn[id] {
			continue
		}
		out = append(out, ts.tools[id].Spec())
	}
	return out
}
