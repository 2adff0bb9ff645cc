package detect

import (
	"fmt"

	"adpilot/internal/domain"
	"adpilot/internal/signal"
)

// EffectiveTargetCPA is the configured target, else the account average,
// else total spend over total conversions. Zero means no target exists.
func EffectiveTargetCPA(adSets []domain.AdSetSnapshot, cfg domain.ModuleConfig) float64 {
	if cfg.TargetCPA != nil && *cfg.TargetCPA > 0 {
		return *cfg.TargetCPA
	}
	if cfg.AccountAverageCPA != nil && *cfg.AccountAverageCPA > 0 {
		return *cfg.AccountAverageCPA
	}
	var spend, conversions float64
	for i := range adSets {
		spend += spendOf(adSets[i].Performance)
		conversions += signal.Conversions(adSets[i].Performance)
	}
	return signal.SafeDiv(spend, conversions)
}

// averageCPA is the mean CPA over ad sets that converted.
func averageCPA(adSets []domain.AdSetSnapshot) float64 {
	var sum float64
	var n int
	for i := range adSets {
		m := adSets[i].Performance
		if signal.Conversions(m) > 0 {
			sum += signal.CPA(m)
			n++
		}
	}
	return signal.SafeDiv(sum, float64(n))
}

// BudgetWaste flags spend without results, ad sets far above the population
// CPA and daily budgets too small to exit the learning phase.
func BudgetWaste(in Input, cfg domain.ModuleConfig) []domain.Recommendation {
	th := cfg.Thresholds.WithDefaults()
	target := EffectiveTargetCPA(in.AdSets, cfg)
	avg := averageCPA(in.AdSets)

	var out []domain.Recommendation
	for i := range in.AdSets {
		a := &in.AdSets[i]
		m := a.Performance
		if m == nil {
			continue
		}
		conversions := signal.Conversions(m)

		if target > 0 && conversions == 0 && m.Clicks > 0 && m.Spend >= th.WasteMultiplier*target {
			r := newRecommendation(ModuleBudgetWaste, "wasted_spend", domain.PriorityCritical, a)
			r.DetectedValue = signal.Round2(m.Spend)
			r.BenchmarkValue = signal.Round2(target)
			r.Message = fmt.Sprintf("Spent %.2f with no conversions, %.1fx the target CPA of %.2f", m.Spend, m.Spend/target, target)
			r.SuggestedAction = "Pause the ad set and review targeting and creative"
			r.EstimatedSavings = ptr(signal.Round2(m.Spend))
			r.Confidence = 70 + 10*(m.Spend/target-th.WasteMultiplier)
			out = append(out, r)
		}

		if cpa := signal.CPA(m); conversions > 0 && avg > 0 && cpa > th.CostMultiplier*avg {
			r := newRecommendation(ModuleBudgetWaste, "cost_inefficiency", domain.PriorityHigh, a)
			r.DetectedValue = signal.Round2(cpa)
			r.BenchmarkValue = signal.Round2(avg)
			r.Message = fmt.Sprintf("CPA %.2f is %.1fx the campaign average of %.2f", cpa, cpa/avg, avg)
			r.SuggestedAction = "Reduce budget or pause in favour of cheaper ad sets"
			if savings := m.Spend - conversions*avg; savings > 0 {
				r.EstimatedSavings = ptr(signal.Round2(savings))
			}
			r.Confidence = 60 + 5*conversions
			out = append(out, r)
		}

		if a.DailyBudget != nil && *a.DailyBudget > 0 && target > 0 {
			floor := target / th.LearningDays
			if *a.DailyBudget < floor {
				r := newRecommendation(ModuleBudgetWaste, "learning_phase_trap", domain.PriorityMedium, a)
				r.DetectedValue = signal.Round2(*a.DailyBudget)
				r.BenchmarkValue = signal.Round2(floor)
				r.Message = fmt.Sprintf("Daily budget %.2f is below %.2f, too low to exit the learning phase", *a.DailyBudget, floor)
				r.SuggestedAction = fmt.Sprintf("Raise the daily budget to at least %.2f or consolidate ad sets", floor)
				r.Confidence = 65
				out = append(out, r)
			}
		}
	}
	return out
}
