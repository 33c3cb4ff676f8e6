package lifecycle

import (
	"encoding/json"
	"fmt"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/rbac"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/stoprules"
)

// CheckCode identifies a failed preflight condition.
type CheckCode string

const (
	CodeInvalidTransition    CheckCode = "INVALID_TRANSITION"
	CodeNotApproved          CheckCode = "NOT_APPROVED"
	CodeChecklistIncomplete  CheckCode = "CHECKLIST_INCOMPLETE"
	CodeStopRulesNotSet      CheckCode = "STOP_RULES_NOT_SET"
	CodeBudgetNotSet         CheckCode = "BUDGET_NOT_SET"
	CodeOperationModeInvalid CheckCode = "OPERATION_MODE_INVALID"
	CodeLaunchPolicyInvalid  CheckCode = "LAUNCH_POLICY_INVALID"
	CodeLaunchPolicyDenied   CheckCode = "LAUNCH_POLICY_DENIED"
)

// CheckSeverity distinguishes blocking failures from advisories.
type CheckSeverity string

const (
	CheckError   CheckSeverity = "error"
	CheckWarning CheckSeverity = "warning"
)

// Check is one failed preflight condition.
type Check struct {
	Code     CheckCode     `json:"code"`
	Severity CheckSeverity `json:"severity"`
	Message  string        `json:"message"`
}

// DefaultChecklist is the manual-mode preflight template.
func DefaultChecklist() []contracts.ChecklistItem {
	items := []struct {
		key, label string
	}{
		{"review_run_design", "Review run design"},
		{"review_stop_rules", "Review stop rules"},
		{"review_budget", "Review budget"},
		{"review_variants", "Review variants"},
		{"confirm_meta_connection", "Confirm Meta connection"},
		{"confirm_start", "Confirm start"},
	}
	out := make([]contracts.ChecklistItem, len(items))
	for i, it := range items {
		out[i] = contracts.ChecklistItem{Key: it.key, Label: it.label, Required: true}
	}
	return out
}

// ValidateTransition checks the edge and, for operational targets, the launch
// preflight. ok is true when no error-severity check failed; warnings ride
// along either way.
func ValidateTransition(run *contracts.Run, to contracts.RunStatus) (bool, []Check) {
	if !IsValidTransition(run.Status, to) {
		return false, []Check{{
			Code:     CodeInvalidTransition,
			Severity: CheckError,
			Message:  fmt.Sprintf("no transition %s -> %s", run.Status, to),
		}}
	}

	var checks []Check
	switch to {
	case contracts.RunApproved:
		// The reviewer's approval is recorded first; the transition only
		// acknowledges it.
		if run.ApprovedAt == nil {
			checks = append(checks, Check{
				Code:     CodeNotApproved,
				Severity: CheckError,
				Message:  "run has no recorded approval",
			})
		}
	case contracts.RunPublishing, contracts.RunLive:
		checks = launchChecks(run, false)
	case contracts.RunRunning:
		checks = launchChecks(run, true)
	}

	for _, c := range checks {
		if c.Severity == CheckError {
			return false, checks
		}
	}
	return true, checks
}

// launchChecks is the composite guardrail for Publishing/Live/Running.
// Empty stop rules block auto and hybrid runs; manual runs only get a
// warning before Running, where the checklist takes over.
func launchChecks(run *contracts.Run, toRunning bool) []Check {
	var checks []Check

	if run.ApprovedAt == nil {
		checks = append(checks, Check{
			Code:     CodeNotApproved,
			Severity: CheckError,
			Message:  "run has not been approved",
		})
	}

	if !hasPositiveBudget(run) {
		checks = append(checks, Check{
			Code:     CodeBudgetNotSet,
			Severity: CheckError,
			Message:  "budget cap is not set or not positive",
		})
	}

	if !run.Mode.Valid() {
		checks = append(checks, Check{
			Code:     CodeOperationModeInvalid,
			Severity: CheckError,
			Message:  fmt.Sprintf("unknown operation mode %q", run.Mode),
		})
	}

	ruleCount, parseErr := countStopRules(run.StopRulesJSON)
	if parseErr != nil || ruleCount == 0 {
		sev := CheckError
		if run.Mode == contracts.ModeManual && !toRunning {
			sev = CheckWarning
		}
		msg := "stop rules are empty"
		if parseErr != nil {
			msg = fmt.Sprintf("stop rules do not parse: %v", parseErr)
		}
		checks = append(checks, Check{Code: CodeStopRulesNotSet, Severity: sev, Message: msg})
	}

	if toRunning && run.Mode == contracts.ModeManual {
		if missing := incompleteRequired(run.Checklist); len(missing) > 0 {
			checks = append(checks, Check{
				Code:     CodeChecklistIncomplete,
				Severity: CheckError,
				Message:  fmt.Sprintf("required checklist items incomplete: %v", missing),
			})
		}
	}

	checks = append(checks, launchPolicyChecks(run, ruleCount)...)

	return checks
}

// launchPolicyChecks evaluates the run's CEL launch policy, when one is set.
// A policy that fails to compile or evaluate blocks the launch the same as a
// denial: the gate fails closed.
func launchPolicyChecks(run *contracts.Run, ruleCount int) []Check {
	if len(run.DecisionRulesJSON) == 0 {
		return nil
	}
	var rules contracts.DecisionRules
	if err := json.Unmarshal(run.DecisionRulesJSON, &rules); err != nil || rules.LaunchPolicyCEL == "" {
		return nil
	}
	policy, err := rbac.CompileLaunchPolicy(rules.LaunchPolicyCEL)
	if err != nil {
		return []Check{{
			Code:     CodeLaunchPolicyInvalid,
			Severity: CheckError,
			Message:  fmt.Sprintf("launch policy does not compile: %v", err),
		}}
	}
	var budget float64
	if run.BudgetCap != nil {
		budget = *run.BudgetCap
	}
	allowed, err := policy.Allow(rbac.LaunchInput{
		Mode:      run.Mode,
		BudgetCap: budget,
		RuleCount: ruleCount,
		Attributes: map[string]any{
			"approved": run.ApprovedAt != nil,
		},
	})
	if err != nil {
		return []Check{{
			Code:     CodeLaunchPolicyDenied,
			Severity: CheckError,
			Message:  fmt.Sprintf("launch policy evaluation failed: %v", err),
		}}
	}
	if !allowed {
		return []Check{{
			Code:     CodeLaunchPolicyDenied,
			Severity: CheckError,
			Message:  "launch policy denied the transition",
		}}
	}
	return nil
}

func hasPositiveBudget(run *contracts.Run) bool {
	if run.BudgetCap != nil && *run.BudgetCap > 0 {
		return true
	}
	if len(run.DesignJSON) == 0 {
		return false
	}
	var design contracts.RunDesign
	if err := json.Unmarshal(run.DesignJSON, &design); err != nil {
		return false
	}
	return design.HasPositiveBudget()
}

func countStopRules(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	doc, err := stoprules.Parse(raw)
	if err != nil {
		return 0, err
	}
	return len(doc.Rules), nil
}

func incompleteRequired(items []contracts.ChecklistItem) []string {
	var missing []string
	for _, it := range items {
		if it.Required && !it.Completed {
			missing = append(missing, it.Key)
		}
	}
	return missing
}
