package detect

import (
	"fmt"
	"sort"

	"adpilot/internal/domain"
	"adpilot/internal/signal"
)

// EffectiveTargetROAS is the configured target, else total revenue over total
// spend of the population.
func EffectiveTargetROAS(adSets []domain.AdSetSnapshot, cfg domain.ModuleConfig) float64 {
	if cfg.TargetROAS != nil && *cfg.TargetROAS > 0 {
		return *cfg.TargetROAS
	}
	var spend, revenue float64
	for i := range adSets {
		spend += spendOf(adSets[i].Performance)
		revenue += signal.Revenue(adSets[i].Performance)
	}
	return signal.SafeDiv(revenue, spend)
}

// ScalingOpportunity flags profitable ad sets that are budget-capped and
// cost gaps between hours of day or publisher platforms.
func ScalingOpportunity(in Input, cfg domain.ModuleConfig) []domain.Recommendation {
	th := cfg.Thresholds.WithDefaults()
	target := EffectiveTargetROAS(in.AdSets, cfg)

	var out []domain.Recommendation
	for i := range in.AdSets {
		a := &in.AdSets[i]
		m := a.Performance
		if m == nil || a.DailyBudget == nil || *a.DailyBudget <= 0 {
			continue
		}
		roas := signal.ROAS(m)
		if target <= 0 || roas <= target {
			continue
		}
		days := a.InsightDays
		if days <= 0 {
			days = 1
		}
		utilization := signal.SafeDiv(m.Spend, *a.DailyBudget*float64(days))
		if utilization < th.BudgetSaturation {
			continue
		}
		r := newRecommendation(ModuleScaling, "scale_ready", domain.PriorityOpportunity, a)
		r.DetectedValue = signal.Round2(roas)
		r.BenchmarkValue = signal.Round2(target)
		r.Message = fmt.Sprintf("ROAS %.2f beats the %.2f target with %.0f%% of budget spent", roas, target, utilization*100)
		r.SuggestedAction = fmt.Sprintf("Increase the daily budget by %.0f%%", th.ScaleStep*100)
		r.EstimatedRevenueIncrease = ptr(signal.Round2(*a.DailyBudget * th.ScaleStep * roas))
		r.Confidence = 60 + 10*(roas/target-1)
		out = append(out, r)
	}

	entity := in.CampaignID
	if r, ok := segmentGap(in.Hourly, th, "dayparting", entity, "hour"); ok {
		out = append(out, r)
	}
	if r, ok := segmentGap(in.Platforms, th, "platform_arbitrage", entity, "platform"); ok {
		out = append(out, r)
	}
	return out
}

type segment struct {
	name        string
	spend       float64
	conversions float64
}

func (s segment) cpa() float64 { return signal.SafeDiv(s.spend, s.conversions) }

// segmentGap aggregates rows by segment and compares the most expensive
// converting segment with the cheapest one.
func segmentGap(rows []domain.BreakdownRow, th domain.Thresholds, kind, entity, label string) (domain.Recommendation, bool) {
	bySegment := map[string]*segment{}
	for _, row := range rows {
		s, ok := bySegment[row.Segment]
		if !ok {
			s = &segment{name: row.Segment}
			bySegment[row.Segment] = s
		}
		s.spend += row.Spend
		s.conversions += row.Conversions
	}
	var converting []segment
	for _, s := range bySegment {
		if s.conversions > 0 && s.spend > 0 {
			converting = append(converting, *s)
		}
	}
	if len(converting) < 2 {
		return domain.Recommendation{}, false
	}
	sort.Slice(converting, func(i, j int) bool {
		ci, cj := converting[i].cpa(), converting[j].cpa()
		if ci != cj {
			return ci < cj
		}
		return converting[i].name < converting[j].name
	})
	cheap := converting[0]
	costly := converting[len(converting)-1]
	gap := signal.SafeDiv(costly.cpa(), cheap.cpa())
	if gap < th.SegmentCPAGap {
		return domain.Recommendation{}, false
	}

	var savings float64
	var expensive []string
	for _, s := range converting {
		if s.cpa() >= th.SegmentCPAGap*cheap.cpa() {
			savings += s.spend - s.conversions*cheap.cpa()
			expensive = append(expensive, s.name)
		}
	}

	r := domain.Recommendation{
		ID:             RecommendationID(ModuleScaling, kind, entity),
		Type:           kind,
		Priority:       domain.PriorityOpportunity,
		EntityID:       entity,
		EntityName:     costly.name,
		DetectedValue:  signal.Round2(costly.cpa()),
		BenchmarkValue: signal.Round2(cheap.cpa()),
		Message: fmt.Sprintf("CPA in %s %s is %.1fx the CPA in %s %s",
			label, costly.name, gap, label, cheap.name),
		Module:     ModuleScaling,
		Confidence: 50 + 10*(gap-th.SegmentCPAGap),
	}
	if kind == "dayparting" {
		r.SuggestedAction = fmt.Sprintf("Reduce delivery in hours %v", expensive)
	} else {
		r.SuggestedAction = fmt.Sprintf("Shift budget from %s to %s", costly.name, cheap.name)
	}
	if savings > 0 {
		r.EstimatedSavings = ptr(signal.Round2(savings))
	}
	return r, true
}
