// Package planner defines the shared prompt-construction and plan-parsing
// helpers used by every concrete planner adapter (anthropic, openai,
// bedrock, remote). Each adapter implements job.Planner directly
// (RequestPlan(ctx, job.PlanInput) (policy.RawPlan, error)) rather than a
// planner-local interface, following the consumer-side-interface pattern:
// job never imports planner, so planner is free to import job.
package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meridian-run/meridian/job"
	"github.com/meridian-run/meridian/policy"
)

// GearSummary is the catalog slice a planner needs to describe available
// actions to a model: just enough to construct the system prompt and the
// tool-call schema, deliberately narrower than the full sandbox.Manifest.
type GearSummary struct {
	ID          string
	Description string
	Actions     []ActionSummary
}

// ActionSummary names one action a Gear exposes and its parameter schema.
type ActionSummary struct {
	Name            string
	Description     string
	ParameterSchema json.RawMessage
}

// SubmitPlanToolName is the single tool every adapter exposes to the model;
// the model is expected to always respond by "calling" this tool rather
// than emitting free-form text, so the adapter can parse a RawPlan
// deterministically.
const SubmitPlanToolName = "submit_plan"

// PlanToolDescription is handed to each provider SDK's tool-definition
// field verbatim.
const PlanToolDescription = "Submit the ordered list of steps required to accomplish the job. " +
	"Each step names a gear, an action that gear exposes, and the action's parameters."

// PlanToolSchema is the JSON Schema constraining the submit_plan tool's
// input, shared across all three LLM adapters.
var PlanToolSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"reasoning": map[string]any{"type": "string"},
		"steps": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":          map[string]any{"type": "string"},
					"gear":        map[string]any{"type": "string"},
					"action":      map[string]any{"type": "string"},
					"parameters":  map[string]any{"type": "object"},
					"description": map[string]any{"type": "string"},
				},
				"required": []string{"id", "gear", "action", "parameters"},
			},
		},
	},
	"required": []string{"steps"},
}

// BuildSystemPrompt renders the catalog of available Gears/actions into the
// system prompt every adapter prepends to the conversation.
func BuildSystemPrompt(gears []GearSummary) string {
	var b strings.Builder
	b.WriteString("You are the planning component of an agentic task runtime. ")
	b.WriteString("Given a job's conversation, decide the ordered sequence of gear actions ")
	b.WriteString("required to accomplish it, then call the submit_plan tool exactly once with that plan.\n\n")
	b.WriteString("Available gears:\n")
	for _, g := range gears {
		fmt.Fprintf(&b, "- %s: %s\n", g.ID, g.Description)
		for _, a := range g.Actions {
			fmt.Fprintf(&b, "  - %s.%s: %s\n", g.ID, a.Name, a.Description)
		}
	}
	return b.String()
}

// BuildRevisionPrompt renders a planner's prior plan and the validation
// engine's suggested revisions into a user-turn asking for a corrected
// plan, for the replan path (job.PlanInput.PriorPlan/SuggestedRevisions).
func BuildRevisionPrompt(in job.PlanInput) string {
	if in.PriorPlan == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Your previous plan needs revision:\n")
	fmt.Fprintf(&b, "- %s\n", in.SuggestedRevisions)
	b.WriteString("Submit a corrected plan via submit_plan.")
	return b.String()
}

// submitPlanArgs mirrors PlanToolSchema's shape for unmarshaling a model's
// tool-call arguments into a policy.RawPlan.
type submitPlanArgs struct {
	Reasoning string `json:"reasoning"`
	Steps     []struct {
		ID          string         `json:"id"`
		Gear        string         `json:"gear"`
		Action      string         `json:"action"`
		Parameters  map[string]any `json:"parameters"`
		Description string         `json:"description"`
	} `json:"steps"`
}

// ParsePlan decodes a submit_plan tool call's raw JSON arguments into a
// policy.RawPlan for jobID.
func ParsePlan(jobID string, rawArgs json.RawMessage) (policy.RawPlan, error) {
	var args submitPlanArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return policy.RawPlan{}, fmt.Errorf("planner: decode submit_plan arguments: %w", err)
	}
	steps := make([]policy.RawStep, 0, len(args.Steps))
	for _, s := range args.Steps {
		steps = append(steps, policy.RawStep{
			ID:          s.ID,
			Gear:        s.Gear,
			Action:      s.Action,
			Parameters:  s.Parameters,
			Description: s.Description,
		})
	}
	return policy.RawPlan{JobID: jobID, Reasoning: args.Reasoning, Steps: steps}, nil
}
