package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adpilot/internal/domain"
)

func f(v float64) *float64 { return &v }

func adSet(id string, m domain.PerformanceMetrics) domain.AdSetSnapshot {
	return domain.AdSetSnapshot{ID: id, Name: "Ad set " + id, Performance: &m}
}

func purchases(n float64) []domain.ActionEntry {
	return []domain.ActionEntry{{ActionType: "purchase", Value: n}}
}

func byType(recs []domain.Recommendation, kind string) []domain.Recommendation {
	var out []domain.Recommendation
	for _, r := range recs {
		if r.Type == kind {
			out = append(out, r)
		}
	}
	return out
}

func TestWastedSpendScenario(t *testing.T) {
	in := Input{AdSets: []domain.AdSetSnapshot{
		adSet("1", domain.PerformanceMetrics{Spend: 100, Clicks: 40}),
	}}
	recs := BudgetWaste(in, domain.ModuleConfig{TargetCPA: f(20)})
	waste := byType(recs, "wasted_spend")
	require.Len(t, waste, 1)
	assert.Equal(t, domain.PriorityCritical, waste[0].Priority)
	require.NotNil(t, waste[0].EstimatedSavings)
	assert.Equal(t, 100.0, *waste[0].EstimatedSavings)
	assert.Equal(t, ModuleBudgetWaste, waste[0].Module)
}

func TestWastedSpendNeedsClicksAndNoConversions(t *testing.T) {
	cfg := domain.ModuleConfig{TargetCPA: f(20)}
	noClicks := Input{AdSets: []domain.AdSetSnapshot{adSet("1", domain.PerformanceMetrics{Spend: 100})}}
	assert.Empty(t, byType(BudgetWaste(noClicks, cfg), "wasted_spend"))

	converted := Input{AdSets: []domain.AdSetSnapshot{adSet("1", domain.PerformanceMetrics{Spend: 100, Clicks: 10, Actions: purchases(1)})}}
	assert.Empty(t, byType(BudgetWaste(converted, cfg), "wasted_spend"))

	under := Input{AdSets: []domain.AdSetSnapshot{adSet("1", domain.PerformanceMetrics{Spend: 39, Clicks: 10})}}
	assert.Empty(t, byType(BudgetWaste(under, cfg), "wasted_spend"))
}

func TestEffectiveTargetFallsBackToPopulation(t *testing.T) {
	pop := []domain.AdSetSnapshot{
		adSet("1", domain.PerformanceMetrics{Spend: 100, Actions: purchases(10)}),
		adSet("2", domain.PerformanceMetrics{Spend: 50, Clicks: 5}),
	}
	assert.Equal(t, 15.0, EffectiveTargetCPA(pop, domain.ModuleConfig{}))
	assert.Equal(t, 12.0, EffectiveTargetCPA(pop, domain.ModuleConfig{AccountAverageCPA: f(12)}))
	assert.Equal(t, 9.0, EffectiveTargetCPA(pop, domain.ModuleConfig{TargetCPA: f(9), AccountAverageCPA: f(12)}))

	recs := BudgetWaste(Input{AdSets: pop}, domain.ModuleConfig{})
	waste := byType(recs, "wasted_spend")
	require.Len(t, waste, 1)
	assert.Equal(t, "2", waste[0].EntityID)
}

func TestCostInefficiency(t *testing.T) {
	pop := []domain.AdSetSnapshot{
		adSet("cheap1", domain.PerformanceMetrics{Spend: 100, Actions: purchases(10)}),
		adSet("cheap2", domain.PerformanceMetrics{Spend: 100, Actions: purchases(10)}),
		adSet("cheap3", domain.PerformanceMetrics{Spend: 100, Actions: purchases(10)}),
		adSet("costly", domain.PerformanceMetrics{Spend: 500, Actions: purchases(5)}),
	}
	recs := byType(BudgetWaste(Input{AdSets: pop}, domain.ModuleConfig{TargetCPA: f(1000)}), "cost_inefficiency")
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, "costly", r.EntityID)
	assert.Equal(t, domain.PriorityHigh, r.Priority)
	// average CPA = (10+10+10+100)/4 = 32.5
	assert.Equal(t, 32.5, r.BenchmarkValue)
	require.NotNil(t, r.EstimatedSavings)
	assert.InDelta(t, 500-5*32.5, *r.EstimatedSavings, 0.01)
}

func TestLearningPhaseTrap(t *testing.T) {
	a := adSet("1", domain.PerformanceMetrics{Spend: 10, Actions: purchases(1)})
	a.DailyBudget = f(5)
	recs := byType(BudgetWaste(Input{AdSets: []domain.AdSetSnapshot{a}}, domain.ModuleConfig{TargetCPA: f(70)}), "learning_phase_trap")
	require.Len(t, recs, 1)
	assert.Equal(t, 10.0, recs[0].BenchmarkValue)
	assert.Nil(t, recs[0].EstimatedSavings)

	a.DailyBudget = f(10)
	assert.Empty(t, byType(BudgetWaste(Input{AdSets: []domain.AdSetSnapshot{a}}, domain.ModuleConfig{TargetCPA: f(70)}), "learning_phase_trap"))
}

func TestCreativeFatigue(t *testing.T) {
	a := adSet("1", domain.PerformanceMetrics{Frequency: 5.2})
	a.Windows = map[string]map[string]float64{
		RecentWindow:   {"ctr": 0.7},
		BaselineWindow: {"ctr": 1.0},
	}
	recs := byType(CreativeFatigue(Input{AdSets: []domain.AdSetSnapshot{a}}, domain.ModuleConfig{}), "creative_fatigue")
	require.Len(t, recs, 1)
	assert.Equal(t, domain.PriorityHigh, recs[0].Priority)

	a.Windows[RecentWindow]["ctr"] = 0.9
	assert.Empty(t, byType(CreativeFatigue(Input{AdSets: []domain.AdSetSnapshot{a}}, domain.ModuleConfig{}), "creative_fatigue"))

	noWindows := adSet("2", domain.PerformanceMetrics{Frequency: 9})
	assert.Empty(t, CreativeFatigue(Input{AdSets: []domain.AdSetSnapshot{noWindows}}, domain.ModuleConfig{}))
}

func TestWeakHookAndDropOff(t *testing.T) {
	m := domain.PerformanceMetrics{
		Impressions:      10000,
		Video3SecViews:   f(1500),
		InlineLinkClicks: f(200),
		LandingPageViews: 60,
	}
	recs := CreativeFatigue(Input{AdSets: []domain.AdSetSnapshot{adSet("1", m)}}, domain.ModuleConfig{})
	hook := byType(recs, "weak_hook")
	require.Len(t, hook, 1)
	assert.Equal(t, 15.0, hook[0].DetectedValue)
	drop := byType(recs, "high_drop_off")
	require.Len(t, drop, 1)
	assert.Equal(t, 70.0, drop[0].DetectedValue)

	m.Impressions = 500
	m.InlineLinkClicks = f(20)
	assert.Empty(t, CreativeFatigue(Input{AdSets: []domain.AdSetSnapshot{adSet("1", m)}}, domain.ModuleConfig{}))
}

func TestScaleReady(t *testing.T) {
	a := adSet("1", domain.PerformanceMetrics{
		Spend:        690,
		ActionValues: purchases(3450),
	})
	a.DailyBudget = f(100)
	a.InsightDays = 7
	recs := byType(ScalingOpportunity(Input{AdSets: []domain.AdSetSnapshot{a}}, domain.ModuleConfig{TargetROAS: f(3)}), "scale_ready")
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].EstimatedRevenueIncrease)
	assert.InDelta(t, 100*0.2*5, *recs[0].EstimatedRevenueIncrease, 0.001)

	a.Performance.Spend = 400
	a.Performance.ActionValues = purchases(2000)
	assert.Empty(t, byType(ScalingOpportunity(Input{AdSets: []domain.AdSetSnapshot{a}}, domain.ModuleConfig{TargetROAS: f(3)}), "scale_ready"))
}

func TestDaypartingAndPlatformArbitrage(t *testing.T) {
	in := Input{
		CampaignID: "c1",
		Hourly: []domain.BreakdownRow{
			{Segment: "09", Spend: 100, Conversions: 10},
			{Segment: "14", Spend: 120, Conversions: 10},
			{Segment: "02", Spend: 90, Conversions: 3},
			{Segment: "03", Spend: 40},
		},
		Platforms: []domain.BreakdownRow{
			{Segment: "facebook", Spend: 100, Conversions: 10},
			{Segment: "instagram", Spend: 150, Conversions: 10},
		},
	}
	recs := ScalingOpportunity(in, domain.ModuleConfig{})
	day := byType(recs, "dayparting")
	require.Len(t, day, 1)
	assert.Equal(t, "02", day[0].EntityName)
	assert.Equal(t, "c1", day[0].EntityID)
	require.NotNil(t, day[0].EstimatedSavings)
	assert.InDelta(t, 90-3*10.0, *day[0].EstimatedSavings, 0.001)

	assert.Empty(t, byType(recs, "platform_arbitrage"))
	in.Platforms[1].Spend = 250
	assert.Len(t, byType(ScalingOpportunity(in, domain.ModuleConfig{}), "platform_arbitrage"), 1)
}

func TestOrchestratorSortsAndRecovers(t *testing.T) {
	o := Orchestrator{Detectors: []Registered{
		{Name: "low", Run: func(Input, domain.ModuleConfig) []domain.Recommendation {
			return []domain.Recommendation{
				{ID: "o1", Priority: domain.PriorityOpportunity, Confidence: 90},
				{ID: "m1", Priority: domain.PriorityMedium, Confidence: 40},
			}
		}},
		{Name: "boom", Run: func(Input, domain.ModuleConfig) []domain.Recommendation {
			panic("boom")
		}},
		{Name: "high", Run: func(Input, domain.ModuleConfig) []domain.Recommendation {
			return []domain.Recommendation{
				{ID: "m2", Priority: domain.PriorityMedium, Confidence: 80},
				{ID: "c1", Priority: domain.PriorityCritical, Confidence: 150},
			}
		}},
	}}
	recs := o.Run(Input{}, domain.ModuleConfig{})
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"c1", "m2", "m1", "o1"}, ids)
	assert.Equal(t, 100.0, recs[0].Confidence)
}

func TestRecommendationIDsAreStable(t *testing.T) {
	in := Input{AdSets: []domain.AdSetSnapshot{adSet("1", domain.PerformanceMetrics{Spend: 100, Clicks: 40})}}
	cfg := domain.ModuleConfig{TargetCPA: f(20)}
	a := New(nil).Run(in, cfg)
	b := New(nil).Run(in, cfg)
	require.NotEmpty(t, a)
	assert.Equal(t, a[0].ID, b[0].ID)
	assert.NotEqual(t, RecommendationID(ModuleBudgetWaste, "wasted_spend", "1"), RecommendationID(ModuleBudgetWaste, "wasted_spend", "2"))
}

func TestEmptyPopulation(t *testing.T) {
	recs := New(nil).Run(Input{}, domain.ModuleConfig{})
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}
