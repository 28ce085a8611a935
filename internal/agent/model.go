package agent

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSpec is what the model sees of a tool. Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type Request struct {
	Messages []Message
	Tools    []ToolSpec
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	// Estimated is true when the provider did not report counts.
	Estimated bool
}

type Response struct {
	Message Message
	Usage   Usage
}

// Model is one chat completion round trip.
type Model interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// UsageSink receives the usage of every model call made by a loop.
type UsageSink func(Usage)
