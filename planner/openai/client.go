// Package openai adapts the OpenAI Chat Completions API into job.Planner.
// It uses a narrow ChatClient seam so tests can substitute a stub, targets
// the official github.com/openai/openai-go SDK, and forces a single
// "submit_plan" function-call tool instead of translating a full
// conversational tool loop.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/meridian-run/meridian/job"
	"github.com/meridian-run/meridian/planner"
	"github.com/meridian-run/meridian/policy"
)

// ChatClient captures the subset of the OpenAI SDK this adapter calls
// (client.Chat.Completions.New), so tests can substitute a stub.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client implements job.Planner on top of OpenAI Chat Completions.
type Client struct {
	chat      ChatClient
	model     string
	maxTokens int64
	gears     []planner.GearSummary
}

// New builds an openai-backed planner.
func New(chat ChatClient, model string, maxTokens int64, gears []planner.GearSummary) *Client {
	return &Client{chat: chat, model: model, maxTokens: maxTokens, gears: gears}
}

// RequestPlan implements job.Planner.
func (c *Client) RequestPlan(ctx context.Context, in job.PlanInput) (policy.RawPlan, error) {
	userTurn := in.Content
	if rev := planner.BuildRevisionPrompt(in); rev != "" {
		userTurn = rev
	}

	tool := openai.ChatCompletionToolParam{
		Function: openai.FunctionDefinitionParam{
			Name:        planner.SubmitPlanToolName,
			Description: param.NewOpt(planner.PlanToolDescription),
			Parameters:  openai.FunctionParameters(planner.PlanToolSchema),
		},
	}

	params := openai.ChatCompletionNewParams{
		Model:     c.model,
		MaxTokens: param.NewOpt(c.maxTokens),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(planner.BuildSystemPrompt(c.gears)),
			openai.UserMessage(userTurn),
		},
		Tools: []openai.ChatCompletionToolParam{tool},
		ToolChoice: openai.ChatCompletionToolChoiceOptionUnionParam{
			OfFunctionToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: planner.SubmitPlanToolName},
			},
		},
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return policy.RawPlan{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	return extractPlan(in.JobID, resp)
}

func extractPlan(jobID string, resp *openai.ChatCompletion) (policy.RawPlan, error) {
	if len(resp.Choices) == 0 {
		return policy.RawPlan{}, fmt.Errorf("openai: response contained no choices")
	}
	for _, call := range resp.Choices[0].Message.ToolCalls {
		if call.Function.Name != planner.SubmitPlanToolName {
			continue
		}
		return planner.ParsePlan(jobID, json.RawMessage(call.Function.Arguments))
	}
	return policy.RawPlan{}, fmt.Errorf("openai: response contained no %s tool call", planner.SubmitPlanToolName)
}
