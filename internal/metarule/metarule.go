// Package metarule translates a rule into the ad platform's automated-rule
// payload so the platform can evaluate it on its own schedule.
package metarule

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"adpilot/internal/domain"
)

// ErrNotExportable is wrapped by every Build failure.
var ErrNotExportable = errors.New("rule cannot be exported to the ad platform")

// Filter is one evaluation filter.
type Filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type EvaluationSpec struct {
	EvaluationType string   `json:"evaluation_type"`
	Filters        []Filter `json:"filters"`
}

type ExecutionSpec struct {
	ExecutionType string `json:"execution_type"`
}

type ScheduleSpec struct {
	ScheduleType string `json:"schedule_type"`
}

// Spec is the body accepted by the agent's rule endpoint.
type Spec struct {
	Name           string         `json:"name"`
	EvaluationSpec EvaluationSpec `json:"evaluation_spec"`
	ExecutionSpec  ExecutionSpec  `json:"execution_spec"`
	ScheduleSpec   *ScheduleSpec  `json:"schedule_spec,omitempty"`
	Status         string         `json:"status"`
}

var operators = map[domain.Operator]string{
	domain.OpGreaterThan: "GREATER_THAN",
	domain.OpLessThan:    "LESS_THAN",
	domain.OpEquals:      "EQUAL",
	domain.OpNotEquals:   "NOT_EQUAL",
	domain.OpIn:          "IN",
	domain.OpNotIn:       "NOT_IN",
	domain.OpBetween:     "IN_RANGE",
	domain.OpNotBetween:  "NOT_IN_RANGE",
	domain.OpContains:    "CONTAIN",
	domain.OpNotContains: "NOT_CONTAIN",
}

var fields = map[string]string{
	"spend":               "spent",
	"cost_per_conversion": "cost_per_result",
	"conversions":         "results",
	"roas":                "website_purchase_roas",
}

// Money filters are expressed in the account currency's minor unit.
var moneyFields = map[string]bool{
	"spent":           true,
	"cost_per_result": true,
	"cpc":             true,
	"cpm":             true,
	"daily_budget":    true,
	"lifetime_budget": true,
}

var actions = map[domain.ActionType]string{
	domain.ActionPause:    "PAUSE",
	domain.ActionActivate: "UNPAUSE",
}

// Build converts rule. Only a flat AND list of conditions (or a single AND
// group without subgroups) with mappable operators can be exported.
func Build(rule domain.Rule, campaignID, datePreset string) (Spec, error) {
	if campaignID == "" {
		campaignID = rule.CampaignID
	}
	if campaignID == "" {
		return Spec{}, fmt.Errorf("%w: campaign id is required", ErrNotExportable)
	}
	if datePreset == "" {
		datePreset = rule.DatePreset
	}
	if datePreset == "" {
		datePreset = "last_7d"
	}
	execType, ok := actions[rule.Action.Type]
	if !ok {
		return Spec{}, fmt.Errorf("%w: action %s has no platform equivalent", ErrNotExportable, rule.Action.Type)
	}
	conds, err := flatten(rule.Filter)
	if err != nil {
		return Spec{}, err
	}

	filters := []Filter{
		{Field: "entity_type", Operator: "EQUAL", Value: "ADSET"},
		{Field: "time_preset", Operator: "EQUAL", Value: strings.ToUpper(datePreset)},
		{Field: "campaign.id", Operator: "IN", Value: []string{campaignID}},
	}
	for i, c := range conds {
		f, err := filter(c)
		if err != nil {
			return Spec{}, fmt.Errorf("condition %d: %w", i, err)
		}
		filters = append(filters, f)
	}

	status := "ENABLED"
	if !rule.Enabled {
		status = "DISABLED"
	}
	return Spec{
		Name:           rule.Name,
		EvaluationSpec: EvaluationSpec{EvaluationType: "SCHEDULE", Filters: filters},
		ExecutionSpec:  ExecutionSpec{ExecutionType: execType},
		ScheduleSpec:   &ScheduleSpec{ScheduleType: "DAILY"},
		Status:         status,
	}, nil
}

func flatten(f domain.FilterExpression) ([]domain.Condition, error) {
	if f.LogicalOperator.Normalize() != domain.LogicalAnd {
		return nil, fmt.Errorf("%w: only AND expressions are supported", ErrNotExportable)
	}
	conds := f.Conditions
	if len(f.ConditionGroups) > 0 {
		if len(f.ConditionGroups) > 1 {
			return nil, fmt.Errorf("%w: multiple condition groups", ErrNotExportable)
		}
		g := f.ConditionGroups[0]
		if len(g.Groups) > 0 || g.LogicalOperator.Normalize() != domain.LogicalAnd {
			return nil, fmt.Errorf("%w: nested or OR groups", ErrNotExportable)
		}
		conds = g.Conditions
	}
	if len(conds) == 0 {
		return nil, fmt.Errorf("%w: no conditions", ErrNotExportable)
	}
	return conds, nil
}

func filter(c domain.Condition) (Filter, error) {
	if c.TimeWindow != "" {
		return Filter{}, fmt.Errorf("%w: time windows are not supported", ErrNotExportable)
	}
	op, ok := operators[c.Operator]
	if !ok {
		return Filter{}, fmt.Errorf("%w: operator %s has no platform equivalent", ErrNotExportable, c.Operator)
	}
	field := strings.TrimPrefix(c.Field, "performance_metrics.")
	if mapped, ok := fields[field]; ok {
		field = mapped
	}
	value := c.Value
	if c.Operator == domain.OpBetween || c.Operator == domain.OpNotBetween {
		if _, isList := value.([]any); !isList {
			value = []any{c.Value, c.Value2}
		}
	}
	if moneyFields[field] {
		scaled, err := minorUnits(value)
		if err != nil {
			return Filter{}, err
		}
		value = scaled
	}
	return Filter{Field: field, Operator: op, Value: value}, nil
}

func minorUnits(v any) (any, error) {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			s, err := minorUnits(e)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	default:
		n, ok := number(v)
		if !ok {
			return nil, fmt.Errorf("%w: money value %v is not numeric", ErrNotExportable, v)
		}
		return int64(math.Round(n * 100)), nil
	}
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
