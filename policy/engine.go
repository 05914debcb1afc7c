package policy

import (
	"strings"

	"github.com/meridian-run/meridian/telemetry"
)

// Options configures the policy Engine. Fields mirror the recognized
// config options in §6 that bear on validation.
type Options struct {
	// WorkspacePath is the filesystem allowlist root for read_files/
	// write_files classification.
	WorkspacePath string
	// AllowlistedDomains gates network_get; entries are exact hosts or
	// "*.domain" wildcards.
	AllowlistedDomains []string
	// MaxTransactionAmountUSD is the hard cap above which
	// financial_transaction is rejected rather than needs_user_approval.
	// Nil means no cap is configured (amount is never inspected).
	MaxTransactionAmountUSD *float64
	// Overrides are the stricter-only per-action-type user overrides.
	Overrides []UserOverride
	// Classify resolves a step's ActionType; defaults to DefaultClassifier.
	Classify Classifier
	// Schema resolves a Gear action's declared parameter JSON Schema;
	// nil means parameter schema validation is skipped entirely.
	Schema SchemaLookup
	// CredentialDeclared reports whether gearID's manifest declares the
	// named credential, allowing auto-approval of credential_usage steps
	// that request only declared credentials. Nil means no credential
	// usage is ever auto-approved.
	CredentialDeclared func(gearID, credential string) bool
	// Label annotates the engine in logs/metadata; defaults to "default".
	Label string

	Logger telemetry.Logger
}

// Engine implements the deterministic safety validator of §4.3.
type Engine struct {
	workspacePath      string
	allowlist          []string
	maxTxnUSD          *float64
	overrides          map[ActionType]Verdict
	classify           Classifier
	schema             SchemaLookup
	credentialDeclared func(gearID, credential string) bool
	label              string
	logger             telemetry.Logger
}

// New builds an Engine from opts. Overrides that would weaken a hard-floor
// action's verdict, or any action's verdict below its default, are dropped
// (the default is used instead) rather than rejected outright, so a
// misconfigured override file degrades safely.
func New(opts Options) *Engine {
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = "default"
	}
	classify := opts.Classify
	if classify == nil {
		classify = DefaultClassifier
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	overrides := make(map[ActionType]Verdict, len(opts.Overrides))
	for _, o := range opts.Overrides {
		if HardFloors[o.ActionType] {
			continue // hard floors are immutable, §4.3
		}
		def := defaultVerdict(o.ActionType)
		if !Stricter(o.Verdict, def) {
			continue // overrides may only increase strictness
		}
		overrides[o.ActionType] = o.Verdict
	}

	return &Engine{
		workspacePath:      opts.WorkspacePath,
		allowlist:          opts.AllowlistedDomains,
		maxTxnUSD:          opts.MaxTransactionAmountUSD,
		overrides:          overrides,
		classify:           classify,
		schema:             opts.Schema,
		credentialDeclared: opts.CredentialDeclared,
		label:              label,
		logger:             logger,
	}
}

// defaultVerdict is the unconditional default for an ActionType, ignoring
// parameter-dependent refinement (path/domain/amount checks happen in
// evaluateStep). It is used only to validate override strictness.
func defaultVerdict(a ActionType) Verdict {
	switch a {
	case ActionReadFiles, ActionWriteFiles, ActionNetworkGet:
		return VerdictApproved
	default:
		return VerdictNeedsUserApproval
	}
}

// Evaluate runs per-step classification, parameter schema validation,
// composite-risk detection, and override application, returning the
// overall ValidationResult for plan.
func (e *Engine) Evaluate(plan Plan) ValidationResult {
	stepResults := make([]StepResult, len(plan.Steps))
	actionTypes := make([]ActionType, len(plan.Steps))
	divergences := make(map[string]string)

	overall := VerdictApproved
	overallRisk := RiskLow

	for i, step := range plan.Steps {
		at := e.classify(step.Gear, step.Action)
		actionTypes[i] = at

		result := e.evaluateStep(step, at)
		stepResults[i] = result
		switch {
		case result.Verdict == VerdictNeedsRevision:
			// A malformed step means the plan itself needs a revision, not a
			// human decision; this always wins over any other step's verdict
			// and dominant() doesn't order it (see Stricter's doc comment).
			overall = VerdictNeedsRevision
		case overall != VerdictNeedsRevision:
			overall = dominant(overall, result.Verdict)
		}
		overallRisk = maxRisk(overallRisk, riskForVerdict(result.Verdict, step.RiskLevel))

		if assessed := assessedRisk(at); riskDelta(step.RiskLevel, assessed) > 1 {
			divergences[step.ID] = assessed.String()
		}
	}

	patterns := detectComposites(actionTypes)
	if len(patterns) > 0 && overall != VerdictNeedsRevision {
		overall = dominant(overall, VerdictNeedsUserApproval)
		overallRisk = maxRisk(overallRisk, RiskHigh)
	}

	var reasoning, suggested string
	for _, r := range stepResults {
		if r.Verdict == VerdictNeedsRevision {
			reasoning = "step " + r.StepID + ": " + r.Reason
			suggested = "fix parameters for step " + r.StepID + ": " + strings.Join(r.SchemaViolations, "; ")
			break
		}
	}
	if reasoning == "" && overall == VerdictRejected {
		for _, r := range stepResults {
			if r.Verdict == VerdictRejected {
				reasoning = "step " + r.StepID + ": " + r.Reason
				break
			}
		}
	}

	meta := map[string]any{"policy_engine": e.label}
	if len(divergences) > 0 {
		meta["divergences"] = divergences
	}
	if len(patterns) > 0 {
		names := make([]string, len(patterns))
		for i, p := range patterns {
			names[i] = string(p)
		}
		meta["composite_risks"] = names
	}

	return ValidationResult{
		PlanID:             plan.ID,
		Verdict:            overall,
		StepResults:        stepResults,
		OverallRisk:        overallRisk,
		Reasoning:          reasoning,
		SuggestedRevisions: suggested,
		Metadata:           meta,
	}
}

// evaluateStep computes one step's verdict: default table → parameter/
// path/domain/amount refinement → schema validation → user override
// (never weaker than default, never on a hard floor).
func (e *Engine) evaluateStep(step Step, at ActionType) StepResult {
	verdict, reason := e.tableVerdict(step, at)

	var violations []string
	if e.schema != nil {
		if schemaJSON, ok := e.schema(step.Gear, step.Action); ok {
			if v, err := validateParameters(step.Parameters, schemaJSON); err == nil && len(v) > 0 {
				violations = v
				// A parameter shape the manifest rejects means the planner
				// produced a malformed step, not a step a human should weigh
				// in on: send the plan back for revision instead.
				verdict = VerdictNeedsRevision
				reason = "parameter schema violation"
			}
		}
	}

	if override, ok := e.overrides[at]; ok && !HardFloors[at] {
		if Stricter(override, verdict) {
			verdict = override
			reason = "user override"
		}
	}

	return StepResult{
		StepID:           step.ID,
		ActionType:       at,
		Verdict:          verdict,
		Reason:           reason,
		SchemaViolations: violations,
	}
}

// tableVerdict applies §4.3's default verdict table, refined by the
// step's own parameters (path/host/amount).
func (e *Engine) tableVerdict(step Step, at ActionType) (Verdict, string) {
	switch at {
	case ActionReadFiles, ActionWriteFiles:
		if pathsWithinWorkspace(pathsParam(step.Parameters), e.workspacePath) {
			return VerdictApproved, "paths resolve within workspace"
		}
		return VerdictNeedsUserApproval, "path outside workspace or not absolute"
	case ActionDeleteFiles:
		return VerdictNeedsUserApproval, "hard floor: delete_files"
	case ActionNetworkGet:
		if hostAllowed(hostParam(step.Parameters), e.allowlist) {
			return VerdictApproved, "host allowlisted"
		}
		return VerdictNeedsUserApproval, "host not allowlisted"
	case ActionNetworkMutate:
		return VerdictNeedsUserApproval, "network mutation requires approval"
	case ActionShellExecute:
		return VerdictNeedsUserApproval, "hard floor: shell_execute"
	case ActionCredentialUsage:
		if e.credentialDeclared != nil {
			if cred, ok := step.Parameters["credential"].(string); ok && e.credentialDeclared(step.Gear, cred) {
				return VerdictApproved, "credential declared by manifest"
			}
		}
		return VerdictNeedsUserApproval, "credential usage requires approval"
	case ActionFinancialTransact:
		if e.maxTxnUSD != nil {
			if amt, ok := amountParam(step.Parameters); ok && amt > *e.maxTxnUSD {
				return VerdictRejected, "amount exceeds configured cap"
			}
		}
		return VerdictNeedsUserApproval, "hard floor: financial_transaction"
	case ActionSystemConfig:
		return VerdictNeedsUserApproval, "hard floor: system_config"
	case ActionSendMessage:
		return VerdictNeedsUserApproval, "send_message requires approval"
	default:
		return VerdictNeedsUserApproval, "unrecognized action type"
	}
}

func amountParam(params map[string]any) (float64, bool) {
	v, ok := params["amountUsd"]
	if !ok {
		v, ok = params["amount"]
	}
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// assessedRisk maps an ActionType to the policy engine's own risk
// assessment, used only for divergence detection against the planner's
// declared riskLevel.
func assessedRisk(at ActionType) RiskLevel {
	switch at {
	case ActionReadFiles, ActionNetworkGet:
		return RiskLow
	case ActionWriteFiles, ActionSendMessage:
		return RiskMedium
	case ActionDeleteFiles, ActionNetworkMutate, ActionCredentialUsage, ActionSystemConfig, ActionUnknown:
		return RiskHigh
	case ActionShellExecute, ActionFinancialTransact:
		return RiskCritical
	default:
		return RiskMedium
	}
}

func riskDelta(a, b RiskLevel) int {
	d := int(a) - int(b)
	if d < 0 {
		return -d
	}
	return d
}

func maxRisk(a, b RiskLevel) RiskLevel {
	if b > a {
		return b
	}
	return a
}

// riskForVerdict folds a step's verdict and declared risk into a
// contribution toward overall risk: rejected/needs_user_approval never
// contribute less than the step's own declared risk.
func riskForVerdict(v Verdict, declared RiskLevel) RiskLevel {
	switch v {
	case VerdictRejected:
		return maxRisk(declared, RiskCritical)
	case VerdictNeedsUserApproval:
		return maxRisk(declared, RiskMedium)
	default:
		return declared
	}
}
