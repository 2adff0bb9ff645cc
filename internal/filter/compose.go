package filter

import (
	"adpilot/internal/domain"
)

// Match evaluates a full expression against one ad set. Groups take
// precedence over the flat condition list; an empty expression matches.
func (e Evaluator) Match(a *domain.AdSetSnapshot, f domain.FilterExpression, stats *domain.CampaignStatistics) bool {
	op := f.LogicalOperator.Normalize()
	if len(f.ConditionGroups) > 0 {
		groups := f.ConditionGroups
		return e.combine(op, len(groups), func(i int) bool {
			return e.group(a, groups[i], stats, 1)
		})
	}
	conds := f.Conditions
	return e.combine(op, len(conds), func(i int) bool {
		return e.Condition(a, conds[i], stats)
	})
}

func (e Evaluator) group(a *domain.AdSetSnapshot, g domain.ConditionGroup, stats *domain.CampaignStatistics, depth int) bool {
	if depth > domain.MaxGroupDepth {
		e.logger().Warn("condition group nested too deep", "depth", depth, "max", domain.MaxGroupDepth)
		return false
	}
	n := len(g.Conditions)
	return e.combine(g.LogicalOperator.Normalize(), n+len(g.Groups), func(i int) bool {
		if i < n {
			return e.Condition(a, g.Conditions[i], stats)
		}
		return e.group(a, g.Groups[i-n], stats, depth+1)
	})
}

// combine folds n results with op, short-circuiting. Zero operands are true
// under both AND and OR.
func (e Evaluator) combine(op domain.LogicalOperator, n int, eval func(int) bool) bool {
	switch op {
	case domain.LogicalAnd:
		for i := 0; i < n; i++ {
			if !eval(i) {
				return false
			}
		}
		return true
	case domain.LogicalOr:
		if n == 0 {
			return true
		}
		for i := 0; i < n; i++ {
			if eval(i) {
				return true
			}
		}
		return false
	default:
		e.logger().Warn("unknown logical operator", "operator", string(op))
		return false
	}
}

// Filter returns the matching ad sets in population order.
func (e Evaluator) Filter(population []domain.AdSetSnapshot, f domain.FilterExpression, stats *domain.CampaignStatistics) []domain.AdSetSnapshot {
	out := make([]domain.AdSetSnapshot, 0, len(population))
	for i := range population {
		if e.Match(&population[i], f, stats) {
			out = append(out, population[i])
		}
	}
	return out
}
