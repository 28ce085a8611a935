package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/yungbote/feedforge-backend/internal/agent"
	"github.com/yungbote/feedforge-backend/internal/jobs/usage"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

const (
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 120 * time.Second
	maxRetries     = 3
	baseBackoff    = 2 * time.Second
	maxBackoff     = 32 * time.Second
)

var ErrAPIKeyNotSet = errors.New("OPENAI_API_KEY not set")

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Client streams chat completions with tool calling. It implements agent.Model.
type Client struct {
	client openai.Client
	cfg    Config
	log    *logger.Logger
}

func NewClient(cfg Config, baseLog *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrAPIKeyNotSet
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// retries are handled below so rate limits back off against ctx
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		log:    baseLog.With("client", "OpenAIChat", "model", cfg.Model),
	}, nil
}

func (c *Client) Complete(ctx context.Context, req agent.Request) (agent.Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.cfg.Model),
		Messages: toMessages(req.Messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = openai.Float(c.cfg.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = toTools(req.Tools)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			c.log.Warn("Retrying chat completion", "attempt", attempt, "wait", wait.String(), "error", lastErr)
			select {
			case <-ctx.Done():
				return agent.Response{}, ctx.Err()
			case <-time.After(wait):
			}
		}
		resp, err := c.stream(ctx, params, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			return agent.Response{}, err
		}
	}
	return agent.Response{}, fmt.Errorf("chat completion: max retries exceeded: %w", lastErr)
}

func (c *Client) stream(ctx context.Context, params openai.ChatCompletionNewParams, req agent.Request) (agent.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	stream := c.client.Chat.Completions.NewStreaming(callCtx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		acc.AddChunk(stream.Current())
	}
	if err := stream.Err(); err != nil {
		return agent.Response{}, err
	}
	if len(acc.Choices) == 0 {
		return agent.Response{}, errors.New("chat completion returned no choices")
	}

	msg := acc.Choices[0].Message
	out := agent.Message{Role: agent.RoleAssistant, Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		if tc.Type != "" && tc.Type != "function" {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, agent.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	u := agent.Usage{
		PromptTokens:     int(acc.Usage.PromptTokens),
		CompletionTokens: int(acc.Usage.CompletionTokens),
	}
	if u.PromptTokens == 0 && u.CompletionTokens == 0 {
		u = estimateUsage(req, out)
	}
	return agent.Response{Message: out, Usage: u}, nil
}

func toMessages(msgs []agent.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case agent.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case agent.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case agent.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case agent.RoleAssistant:
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return out
}

func toTools(specs []agent.ToolSpec) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(specs))
	for _, s := range specs {
		out = append(out, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        s.Name,
			Description: openai.String(s.Description),
			Parameters:  shared.FunctionParameters(s.Parameters),
		}))
	}
	return out
}

func estimateUsage(req agent.Request, reply agent.Message) agent.Usage {
	var prompt strings.Builder
	for _, m := range req.Messages {
		prompt.WriteString(m.Content)
		prompt.WriteByte('\n')
	}
	completion := reply.Content
	for _, tc := range reply.ToolCalls {
		completion += tc.Name + tc.Arguments
	}
	return agent.Usage{
		PromptTokens:     usage.EstimateTokens(prompt.String()),
		CompletionTokens: usage.EstimateTokens(completion),
		Estimated:        true,
	}
}

func retryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return false
}

func backoff(attempt int) time.Duration {
	d := time.Duration(float64(baseBackoff) * math.Pow(2, float64(attempt-1)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
