// Package llm talks to an OpenAI-compatible chat completions endpoint with
// function tools.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"

	"github.com/BustosAndrew/calhacks10/internal/conversation"
)

const (
	DefaultBaseURL    = "https://api.openai.com/v1"
	DefaultModel      = "gpt-4o-mini"
	DefaultTimeout    = 60 * time.Second
	DefaultMaxRetries = 2
)

// ToolChoice controls whether the model may call a tool.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceNone ToolChoice = "none"
)

// Config configures a Client. Empty or zero fields fall back to the defaults
// above, except MaxRetries where zero disables retries.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Request is one chat completion call.
type Request struct {
	Messages   []conversation.Turn
	Tools      []conversation.ToolSpec
	ToolChoice ToolChoice
}

// Reply is the first choice of a completion.
type Reply struct {
	Content   string
	ToolCalls []conversation.ToolCall
}

// Client wraps the OpenAI SDK client.
type Client struct {
	client openaigo.Client
	model  string
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		client: openaigo.NewClient(
			option.WithBaseURL(baseURL),
			option.WithAPIKey(apiKey),
			option.WithHTTPClient(httpClient),
			option.WithMaxRetries(maxRetries),
			option.WithRequestTimeout(timeout),
		),
		model: model,
	}, nil
}

// Model returns the model name sent with every request.
func (c *Client) Model() string { return c.model }

// Complete sends req and returns the first choice.
func (c *Client) Complete(ctx context.Context, req Request) (Reply, error) {
	messages, err := toParams(req.Messages)
	if err != nil {
		return Reply{}, err
	}

	params := openaigo.ChatCompletionNewParams{
		Model:    openaigo.ChatModel(c.model),
		Messages: messages,
	}
	if len(req.Tools) > 0 {
		params.Tools = toolParams(req.Tools)
		if req.ToolChoice != "" {
			params.ToolChoice = openaigo.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: param.NewOpt(string(req.ToolChoice)),
			}
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Reply{}, fmt.Errorf("chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Reply{}, errors.New("chat completion: empty choices")
	}

	msg := resp.Choices[0].Message
	reply := Reply{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		if strings.TrimSpace(tc.Type) != "function" {
			continue
		}
		fn := tc.AsFunction()
		reply.ToolCalls = append(reply.ToolCalls, conversation.ToolCall{
			ID:        tc.ID,
			Name:      strings.TrimSpace(fn.Function.Name),
			Arguments: fn.Function.Arguments,
		})
	}
	return reply, nil
}

func toolParams(specs []conversation.ToolSpec) []openaigo.ChatCompletionToolUnionParam {
	out := make([]openaigo.ChatCompletionToolUnionParam, 0, len(specs))
	for _, s := range specs {
		out = append(out, openaigo.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        s.Name,
			Description: param.NewOpt(s.Description),
			Parameters:  shared.FunctionParameters(s.Parameters),
		}))
	}
	return out
}

func toParams(turns []conversation.Turn) ([]openaigo.ChatCompletionMessageParamUnion, error) {
	out := make([]openaigo.ChatCompletionMessageParamUnion, 0, len(turns))
	for i, t := range turns {
		switch t.Role {
		case conversation.RoleSystem:
			out = append(out, openaigo.SystemMessage(t.Content))
		case conversation.RoleUser:
			out = append(out, openaigo.UserMessage(t.Content))
		case conversation.RoleAssistant:
			if t.ToolCall == nil {
				out = append(out, openaigo.AssistantMessage(t.Content))
				continue
			}
			p, err := assistantToolCallParam(t)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			out = append(out, p)
		case conversation.RoleTool:
			out = append(out, openaigo.ToolMessage(t.Content, t.ToolCallID))
		default:
			return nil, fmt.Errorf("message %d: unknown role %q", i, t.Role)
		}
	}
	return out, nil
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// assistantToolCallParam rebuilds a stored assistant tool-call turn as the
// SDK's response message and converts it back to a request parameter.
func assistantToolCallParam(t conversation.Turn) (openaigo.ChatCompletionMessageParamUnion, error) {
	raw, err := json.Marshal(struct {
		Role      string         `json:"role"`
		Content   string         `json:"content"`
		ToolCalls []wireToolCall `json:"tool_calls"`
	}{
		Role:    "assistant",
		Content: t.Content,
		ToolCalls: []wireToolCall{{
			ID:       t.ToolCall.ID,
			Type:     "function",
			Function: wireToolFunction{Name: t.ToolCall.Name, Arguments: t.ToolCall.Arguments},
		}},
	})
	if err != nil {
		return openaigo.ChatCompletionMessageParamUnion{}, fmt.Errorf("encoding tool call: %w", err)
	}
	var msg openaigo.ChatCompletionMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return openaigo.ChatCompletionMessageParamUnion{}, fmt.Errorf("decoding tool call: %w", err)
	}
	return msg.ToParam(), nil
}
