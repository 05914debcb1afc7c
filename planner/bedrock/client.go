// Package bedrock adapts the Amazon Bedrock Converse API into job.Planner:
// a Converse-based caller seam and document-encoded tool schema, narrowed
// to forcing the single "submit_plan" tool via
// brtypes.ToolChoiceMemberTool instead of a general multi-tool
// translation.
package bedrock

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/meridian-run/meridian/job"
	"github.com/meridian-run/meridian/planner"
	"github.com/meridian-run/meridian/policy"
)

// ConverseClient captures the subset of *bedrockruntime.Client this adapter
// calls, so tests can substitute a stub.
type ConverseClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client implements job.Planner on top of Bedrock Converse.
type Client struct {
	runtime ConverseClient
	modelID string
	gears   []planner.GearSummary
}

// New builds a bedrock-backed planner.
func New(runtime ConverseClient, modelID string, gears []planner.GearSummary) *Client {
	return &Client{runtime: runtime, modelID: modelID, gears: gears}
}

// RequestPlan implements job.Planner.
func (c *Client) RequestPlan(ctx context.Context, in job.PlanInput) (policy.RawPlan, error) {
	userTurn := in.Content
	if rev := planner.BuildRevisionPrompt(in); rev != "" {
		userTurn = rev
	}

	toolConfig := &brtypes.ToolConfiguration{
		Tools: []brtypes.Tool{
			&brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
				Name:        aws.String(planner.SubmitPlanToolName),
				Description: aws.String(planner.PlanToolDescription),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(&planner.PlanToolSchema)},
			}},
		},
		ToolChoice: &brtypes.ToolChoiceMemberTool{
			Value: brtypes.SpecificToolChoice{Name: aws.String(planner.SubmitPlanToolName)},
		},
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.modelID),
		System: []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: planner.BuildSystemPrompt(c.gears)},
		},
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: userTurn}},
			},
		},
		ToolConfig: toolConfig,
	}

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return policy.RawPlan{}, fmt.Errorf("bedrock: converse: %w", err)
	}
	return extractPlan(in.JobID, output)
}

func extractPlan(jobID string, output *bedrockruntime.ConverseOutput) (policy.RawPlan, error) {
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return policy.RawPlan{}, fmt.Errorf("bedrock: response contained no message output")
	}
	for _, block := range msg.Value.Content {
		tu, ok := block.(*brtypes.ContentBlockMemberToolUse)
		if !ok {
			continue
		}
		if tu.Value.Name == nil || *tu.Value.Name != planner.SubmitPlanToolName {
			continue
		}
		raw, err := tu.Value.Input.MarshalSmithyDocument()
		if err != nil {
			return policy.RawPlan{}, fmt.Errorf("bedrock: decode tool_use input: %w", err)
		}
		return planner.ParsePlan(jobID, raw)
	}
	return policy.RawPlan{}, fmt.Errorf("bedrock: response contained no %s tool_use block", planner.SubmitPlanToolName)
}
