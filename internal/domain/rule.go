package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ActionType is the state change a rule applies to every matched ad set.
type ActionType string

const (
	ActionPause        ActionType = "PAUSE"
	ActionActivate     ActionType = "ACTIVATE"
	ActionChangeBudget ActionType = "CHANGE_BUDGET"
)

// ExecutionMode says who evaluates a rule: this service on demand, or the ad
// platform after export.
type ExecutionMode string

const (
	ModeManual   ExecutionMode = "manual"
	ModePlatform ExecutionMode = "platform"
)

// RuleAction is the action half of a rule. Budgets are in currency units and
// only read for CHANGE_BUDGET.
type RuleAction struct {
	Type           ActionType `json:"type" yaml:"type" enum:"PAUSE,ACTIVATE,CHANGE_BUDGET"`
	DailyBudget    *float64   `json:"daily_budget,omitempty" yaml:"daily_budget,omitempty"`
	LifetimeBudget *float64   `json:"lifetime_budget,omitempty" yaml:"lifetime_budget,omitempty"`
}

var ErrInvalidAction = errors.New("invalid action")

func (a RuleAction) Validate() error {
	switch a.Type {
	case ActionPause, ActionActivate:
		return nil
	case ActionChangeBudget:
		if a.DailyBudget == nil && a.LifetimeBudget == nil {
			return fmt.Errorf("%w: CHANGE_BUDGET requires daily_budget or lifetime_budget", ErrInvalidAction)
		}
		if (a.DailyBudget != nil && *a.DailyBudget <= 0) || (a.LifetimeBudget != nil && *a.LifetimeBudget <= 0) {
			return fmt.Errorf("%w: budgets must be positive", ErrInvalidAction)
		}
		return nil
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidAction)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAction, a.Type)
	}
}

// TargetStatus is the status a status-changing action writes.
func (a RuleAction) TargetStatus() (AdSetStatus, bool) {
	switch a.Type {
	case ActionPause:
		return StatusPaused, true
	case ActionActivate:
		return StatusActive, true
	}
	return "", false
}

func (a RuleAction) verb() string {
	switch a.Type {
	case ActionPause:
		return "Paused"
	case ActionActivate:
		return "Activated"
	case ActionChangeBudget:
		return "Updated budget for"
	}
	return string(a.Type)
}

// Rule is a persisted automation definition. Run-history fields change only
// through ApplyExecution.
type Rule struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	CampaignID       string           `json:"campaign_id"`
	Filter           FilterExpression `json:"filter"`
	Action           RuleAction       `json:"action"`
	ExecutionMode    ExecutionMode    `json:"execution_mode" enum:"manual,platform"`
	DatePreset       string           `json:"date_preset"`
	Enabled          bool             `json:"enabled"`
	PlatformRuleID   *string          `json:"platform_rule_id,omitempty"`
	CreatedAt        string           `json:"created_at" format:"date-time"`
	UpdatedAt        string           `json:"updated_at" format:"date-time"`
	LastExecutedAt   *string          `json:"last_executed_at,omitempty" format:"date-time"`
	ExecutionCount   int              `json:"execution_count"`
	LastMatchedCount int              `json:"last_matched_count"`
	LastAction       string           `json:"last_action,omitempty"`
}

// ApplyExecution returns a copy of r with the run history of rep applied.
func (r Rule) ApplyExecution(rep ExecutionReport) Rule {
	out := r
	ts := rep.ExecutedAt
	out.LastExecutedAt = &ts
	out.ExecutionCount = r.ExecutionCount + 1
	out.LastMatchedCount = rep.MatchedCount
	out.LastAction = rep.Summary()
	return out
}

// MatchOutcome records what happened to one matched ad set.
type MatchOutcome struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Action  ActionType `json:"action"`
	Success bool       `json:"success"`
	Error   string     `json:"error,omitempty"`
}

// ExecutionReport aggregates one rule execution.
type ExecutionReport struct {
	RuleID          string         `json:"rule_id,omitempty"`
	CampaignID      string         `json:"campaign_id"`
	Action          ActionType     `json:"action"`
	ExecutedAt      string         `json:"executed_at" format:"date-time"`
	DryRun          bool           `json:"dry_run"`
	TotalAdSets     int            `json:"total_ad_sets"`
	MatchedCount    int            `json:"matched_count"`
	SuccessfulCount int            `json:"successful_count"`
	FailedCount     int            `json:"failed_count"`
	HasErrors       bool           `json:"has_errors"`
	ErrorSummary    string         `json:"error_summary,omitempty"`
	Results         []MatchOutcome `json:"results"`
}

// Aggregate recomputes counters and the error summary from Results.
func (r *ExecutionReport) Aggregate() {
	r.SuccessfulCount, r.FailedCount = 0, 0
	var failures []string
	for _, res := range r.Results {
		if res.Success {
			r.SuccessfulCount++
			continue
		}
		r.FailedCount++
		label := res.Name
		if label == "" {
			label = res.ID
		}
		failures = append(failures, fmt.Sprintf("%s: %s", label, res.Error))
	}
	r.HasErrors = r.FailedCount > 0
	r.ErrorSummary = ""
	if r.HasErrors {
		r.ErrorSummary = fmt.Sprintf("%d of %d actions failed: %s", r.FailedCount, len(r.Results), strings.Join(failures, "; "))
	}
}

// Summary is the short human-readable line stored as a rule's last action.
func (r ExecutionReport) Summary() string {
	if r.DryRun {
		return fmt.Sprintf("Preview: %d of %d ad sets matched", r.MatchedCount, r.TotalAdSets)
	}
	if r.MatchedCount == 0 {
		return fmt.Sprintf("No ad sets matched (%d evaluated)", r.TotalAdSets)
	}
	s := fmt.Sprintf("%s %d of %d matched ad sets", RuleAction{Type: r.Action}.verb(), r.SuccessfulCount, r.MatchedCount)
	if r.FailedCount > 0 {
		s += fmt.Sprintf(" (%d failed)", r.FailedCount)
	}
	return s
}
