package domain

import (
	"errors"
	"fmt"
	"strings"
)

// MaxGroupDepth bounds nested condition groups. Root groups sit at depth 1.
const MaxGroupDepth = 8

// Operator is the closed set of condition operators.
type Operator string

const (
	OpIsNull    Operator = "is_null"
	OpIsNotNull Operator = "is_not_null"

	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpBetween            Operator = "between"
	OpNotBetween         Operator = "not_between"

	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"

	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"

	OpRegex    Operator = "regex"
	OpNotRegex Operator = "not_regex"

	OpDateEquals       Operator = "date_equals"
	OpDateBefore       Operator = "date_before"
	OpDateAfter        Operator = "date_after"
	OpDateBetween      Operator = "date_between"
	OpDaysAgoGreater   Operator = "days_ago_greater_than"
	OpDaysAgoLess      Operator = "days_ago_less_than"
	OpDaysAgoEquals    Operator = "days_ago_equals"
	OpTimeOfDayBetween Operator = "time_of_day_between"

	OpAboveAverage         Operator = "above_average"
	OpBelowAverage         Operator = "below_average"
	OpAboveMedian          Operator = "above_median"
	OpBelowMedian          Operator = "below_median"
	OpAbovePercentile      Operator = "above_percentile"
	OpBelowPercentile      Operator = "below_percentile"
	OpPercentChangeGreater Operator = "percent_change_greater_than"
	OpPercentChangeLess    Operator = "percent_change_less_than"
	OpTrendIncreasing      Operator = "trend_increasing"
	OpTrendDecreasing      Operator = "trend_decreasing"
	OpTrendStable          Operator = "trend_stable"
)

// OperatorFamily groups operators that share coercion rules.
type OperatorFamily int

const (
	FamilyUnknown OperatorFamily = iota
	FamilyNull
	FamilyComparison
	FamilyString
	FamilySet
	FamilyPattern
	FamilyDate
	FamilyStatistical
)

// Family classifies the operator. Unrecognized operators map to FamilyUnknown.
func (o Operator) Family() OperatorFamily {
	switch o {
	case OpIsNull, OpIsNotNull:
		return FamilyNull
	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual, OpBetween, OpNotBetween:
		return FamilyComparison
	case OpContains, OpNotContains, OpStartsWith, OpEndsWith:
		return FamilyString
	case OpIn, OpNotIn:
		return FamilySet
	case OpRegex, OpNotRegex:
		return FamilyPattern
	case OpDateEquals, OpDateBefore, OpDateAfter, OpDateBetween, OpDaysAgoGreater, OpDaysAgoLess, OpDaysAgoEquals, OpTimeOfDayBetween:
		return FamilyDate
	case OpAboveAverage, OpBelowAverage, OpAboveMedian, OpBelowMedian, OpAbovePercentile, OpBelowPercentile,
		OpPercentChangeGreater, OpPercentChangeLess, OpTrendIncreasing, OpTrendDecreasing, OpTrendStable:
		return FamilyStatistical
	default:
		return FamilyUnknown
	}
}

func (o Operator) Valid() bool { return o.Family() != FamilyUnknown }

// NeedsSecondValue reports range operators that read Condition.Value2.
func (o Operator) NeedsSecondValue() bool {
	switch o {
	case OpBetween, OpNotBetween, OpDateBetween, OpTimeOfDayBetween:
		return true
	}
	return false
}

// NeedsValue is false for operators that ignore the operand.
func (o Operator) NeedsValue() bool {
	switch o {
	case OpIsNull, OpIsNotNull, OpAboveAverage, OpBelowAverage, OpAboveMedian, OpBelowMedian,
		OpTrendIncreasing, OpTrendDecreasing, OpTrendStable:
		return false
	}
	return true
}

// LogicalOperator combines condition results. Empty means AND.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// Normalize upper-cases the operator and defaults empty to AND.
func (l LogicalOperator) Normalize() LogicalOperator {
	if strings.TrimSpace(string(l)) == "" {
		return LogicalAnd
	}
	return LogicalOperator(strings.ToUpper(strings.TrimSpace(string(l))))
}

func (l LogicalOperator) Valid() bool {
	switch l.Normalize() {
	case LogicalAnd, LogicalOr:
		return true
	}
	return false
}

// Condition is one leaf predicate.
type Condition struct {
	Field      string   `json:"field" yaml:"field"`
	Operator   Operator `json:"operator" yaml:"operator"`
	Value      any      `json:"value,omitempty" yaml:"value,omitempty"`
	Value2     any      `json:"value2,omitempty" yaml:"value2,omitempty"`
	TimeWindow string   `json:"time_window,omitempty" yaml:"time_window,omitempty"`
}

// ConditionGroup is a nested boolean sub-expression.
type ConditionGroup struct {
	Conditions      []Condition      `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Groups          []ConditionGroup `json:"groups,omitempty" yaml:"groups,omitempty"`
	LogicalOperator LogicalOperator  `json:"logical_operator,omitempty" yaml:"logical_operator,omitempty"`
}

// FilterExpression is the root of a filter. When ConditionGroups is non-empty
// the flat Conditions list is ignored.
type FilterExpression struct {
	Conditions      []Condition      `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	ConditionGroups []ConditionGroup `json:"condition_groups,omitempty" yaml:"condition_groups,omitempty"`
	LogicalOperator LogicalOperator  `json:"logical_operator,omitempty" yaml:"logical_operator,omitempty"`
}

func (f FilterExpression) IsEmpty() bool {
	return len(f.Conditions) == 0 && len(f.ConditionGroups) == 0
}

// ErrInvalidFilter is wrapped by every Validate failure.
var ErrInvalidFilter = errors.New("invalid filter")

// Validate rejects expressions that evaluation would silently treat as false:
// unknown operators, missing fields or operands, and groups nested past
// MaxGroupDepth.
func (f FilterExpression) Validate() error {
	if !f.LogicalOperator.Valid() {
		return fmt.Errorf("%w: logical_operator %q", ErrInvalidFilter, f.LogicalOperator)
	}
	if len(f.ConditionGroups) > 0 {
		for i, g := range f.ConditionGroups {
			if err := g.validate(fmt.Sprintf("condition_groups[%d]", i), 1); err != nil {
				return err
			}
		}
		return nil
	}
	for i, c := range f.Conditions {
		if err := c.validate(fmt.Sprintf("conditions[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

func (g ConditionGroup) validate(path string, depth int) error {
	if depth > MaxGroupDepth {
		return fmt.Errorf("%w: %s nested deeper than %d", ErrInvalidFilter, path, MaxGroupDepth)
	}
	if !g.LogicalOperator.Valid() {
		return fmt.Errorf("%w: %s.logical_operator %q", ErrInvalidFilter, path, g.LogicalOperator)
	}
	for i, c := range g.Conditions {
		if err := c.validate(fmt.Sprintf("%s.conditions[%d]", path, i)); err != nil {
			return err
		}
	}
	for i, sub := range g.Groups {
		if err := sub.validate(fmt.Sprintf("%s.groups[%d]", path, i), depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (c Condition) validate(path string) error {
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("%w: %s.field is required", ErrInvalidFilter, path)
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("%w: %s.operator %q is not supported", ErrInvalidFilter, path, c.Operator)
	}
	if c.Operator.NeedsValue() && c.Value == nil {
		return fmt.Errorf("%w: %s.value is required for %s", ErrInvalidFilter, path, c.Operator)
	}
	if c.Operator.NeedsSecondValue() && c.Value2 == nil {
		return fmt.Errorf("%w: %s.value2 is required for %s", ErrInvalidFilter, path, c.Operator)
	}
	if c.Operator.Family() == FamilySet {
		if _, ok := c.Value.([]any); !ok {
			if _, ok := c.Value.([]string); !ok {
				return fmt.Errorf("%w: %s.value must be a list for %s", ErrInvalidFilter, path, c.Operator)
			}
		}
	}
	return nil
}

// StatisticalFields lists, without duplicates and in first-seen order, the
// statistic keys (see StatisticKey) referenced by statistical operators in the
// evaluated part of the expression. A condition with a time window needs the
// population measured over the same window.
func (f FilterExpression) StatisticalFields() []string {
	seen := map[string]bool{}
	var out []string
	add := func(conds []Condition) {
		for _, c := range conds {
			key := StatisticKey(c.Field, c.TimeWindow)
			if c.Operator.Family() != FamilyStatistical || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, key)
		}
	}
	var walk func(groups []ConditionGroup, depth int)
	walk = func(groups []ConditionGroup, depth int) {
		if depth > MaxGroupDepth {
			return
		}
		for _, g := range groups {
			add(g.Conditions)
			walk(g.Groups, depth+1)
		}
	}
	if len(f.ConditionGroups) > 0 {
		walk(f.ConditionGroups, 1)
	} else {
		add(f.Conditions)
	}
	return out
}

// CountConditions returns the number of leaf conditions that evaluation visits.
func (f FilterExpression) CountConditions() int {
	if len(f.ConditionGroups) == 0 {
		return len(f.Conditions)
	}
	var count func(groups []ConditionGroup) int
	count = func(groups []ConditionGroup) int {
		n := 0
		for _, g := range groups {
			n += len(g.Conditions) + count(g.Groups)
		}
		return n
	}
	return count(f.ConditionGroups)
}
