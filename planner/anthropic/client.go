// Package anthropic adapts the Anthropic Claude Messages API into
// job.Planner: a narrow MessagesClient seam (so tests can substitute a
// stub) and a tool/tool_use translation, narrowed to a single forced
// "submit_plan" tool call instead of an open-ended multi-tool
// conversational loop.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/meridian-run/meridian/job"
	"github.com/meridian-run/meridian/planner"
	"github.com/meridian-run/meridian/policy"
)

// MessagesClient captures the subset of the Anthropic SDK client this
// adapter calls, so tests can substitute a stub instead of a live client.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements job.Planner on top of Anthropic Claude Messages.
type Client struct {
	msg       MessagesClient
	model     string
	maxTokens int
	gears     []planner.GearSummary
}

// New builds an anthropic-backed planner. gears is the catalog described to
// the model in the system prompt.
func New(msg MessagesClient, model string, maxTokens int, gears []planner.GearSummary) *Client {
	return &Client{msg: msg, model: model, maxTokens: maxTokens, gears: gears}
}

// RequestPlan implements job.Planner.
func (c *Client) RequestPlan(ctx context.Context, in job.PlanInput) (policy.RawPlan, error) {
	schema, err := planToolInputSchema()
	if err != nil {
		return policy.RawPlan{}, err
	}
	tool := sdk.ToolUnionParamOfTool(schema, planner.SubmitPlanToolName)
	if tool.OfTool != nil {
		tool.OfTool.Description = sdk.String(planner.PlanToolDescription)
	}

	userTurn := in.Content
	if rev := planner.BuildRevisionPrompt(in); rev != "" {
		userTurn = rev
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		System: []sdk.TextBlockParam{
			{Text: planner.BuildSystemPrompt(c.gears)},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(userTurn)),
		},
		Tools:      []sdk.ToolUnionParam{tool},
		ToolChoice: sdk.ToolChoiceParamOfTool(planner.SubmitPlanToolName),
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return policy.RawPlan{}, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return extractPlan(in.JobID, msg)
}

func extractPlan(jobID string, msg *sdk.Message) (policy.RawPlan, error) {
	for _, block := range msg.Content {
		if block.Type != "tool_use" || block.Name != planner.SubmitPlanToolName {
			continue
		}
		raw, err := json.Marshal(block.Input)
		if err != nil {
			return policy.RawPlan{}, fmt.Errorf("anthropic: marshal tool_use input: %w", err)
		}
		return planner.ParsePlan(jobID, raw)
	}
	return policy.RawPlan{}, fmt.Errorf("anthropic: response contained no %s tool_use block", planner.SubmitPlanToolName)
}

func planToolInputSchema() (sdk.ToolInputSchemaParam, error) {
	return sdk.ToolInputSchemaParam{ExtraFields: planner.PlanToolSchema}, nil
}
