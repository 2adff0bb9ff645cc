package filter

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adpilot/internal/domain"
)

func fptr(v float64) *float64 { return &v }

func sampleAdSet() domain.AdSetSnapshot {
	return domain.AdSetSnapshot{
		ID:          "123",
		Name:        "Prospecting - Broad US",
		Status:      "ACTIVE",
		DailyBudget: fptr(50),
		CreatedTime: "2024-03-01T10:15:00-0700",
		Performance: &domain.PerformanceMetrics{
			Spend:            120,
			Impressions:      10000,
			Clicks:           300,
			Frequency:        2.5,
			InlineLinkClicks: fptr(200),
			Actions: []domain.ActionEntry{
				{ActionType: "purchase", Value: 4},
			},
			ActionValues: []domain.ActionEntry{
				{ActionType: "purchase", Value: 480},
			},
		},
		Windows: map[string]map[string]float64{
			"last_7d": {"spend": 35},
		},
		Attributes: map[string]any{
			"targeting": map[string]any{
				"age_min":             float64(18),
				"publisher_platforms": []any{"facebook", "instagram"},
			},
			"pacing_type": []any{"standard"},
		},
	}
}

// ---------- Field Resolver ----------

func TestResolveTypedAndVirtualFields(t *testing.T) {
	a := sampleAdSet()
	v, ok := Resolve(&a, "spend", "")
	require.True(t, ok)
	assert.Equal(t, 120.0, v)

	v, ok = Resolve(&a, "performance_metrics.spend", "")
	require.True(t, ok)
	assert.Equal(t, 120.0, v)

	v, ok = Resolve(&a, "cost_per_conversion", "")
	require.True(t, ok)
	assert.Equal(t, 30.0, v)

	v, ok = Resolve(&a, "roas", "")
	require.True(t, ok)
	assert.Equal(t, 4.0, v)

	v, ok = Resolve(&a, "conversion_rate", "")
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	v, ok = Resolve(&a, "daily_budget", "")
	require.True(t, ok)
	assert.Equal(t, 50.0, v)
}

func TestResolveWindowWins(t *testing.T) {
	a := sampleAdSet()
	v, ok := Resolve(&a, "spend", "last_7d")
	require.True(t, ok)
	assert.Equal(t, 35.0, v)

	v, ok = Resolve(&a, "spend", "last_30d")
	require.True(t, ok)
	assert.Equal(t, 120.0, v)
}

func TestResolveDottedAndMissing(t *testing.T) {
	a := sampleAdSet()
	v, ok := Resolve(&a, "targeting.age_min", "")
	require.True(t, ok)
	assert.Equal(t, 18.0, v)

	v, ok = Resolve(&a, "targeting.publisher_platforms.1", "")
	require.True(t, ok)
	assert.Equal(t, "instagram", v)

	_, ok = Resolve(&a, "targeting.geo.countries", "")
	assert.False(t, ok)
	_, ok = Resolve(&a, "nonexistent", "")
	assert.False(t, ok)
	_, ok = Resolve(&a, "lifetime_budget", "")
	assert.False(t, ok)
	_, ok = Resolve(nil, "spend", "")
	assert.False(t, ok)
}

func TestResolveNullWithoutPerformance(t *testing.T) {
	a := domain.AdSetSnapshot{ID: "1", Name: "no metrics"}
	for _, f := range []string{"spend", "conversions", "roas", "cost_per_conversion", "frequency"} {
		_, ok := Resolve(&a, f, "")
		assert.False(t, ok, f)
	}
}

// ---------- Condition Evaluator ----------

func TestBetweenIsInclusive(t *testing.T) {
	ev := Evaluator{}
	a := sampleAdSet()
	cond := func(lo, hi float64) domain.Condition {
		return domain.Condition{Field: "spend", Operator: domain.OpBetween, Value: lo, Value2: hi}
	}
	assert.True(t, ev.Condition(&a, cond(120, 200), nil))
	assert.True(t, ev.Condition(&a, cond(50, 120), nil))
	assert.False(t, ev.Condition(&a, cond(120.001, 200), nil))
	assert.False(t, ev.Condition(&a, cond(50, 119.999), nil))
	assert.False(t, ev.Condition(&a, cond(120+1e-10, 200), nil))
	assert.False(t, ev.Condition(&a, cond(50, 120-1e-10), nil))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: domain.OpBetween, Value: []any{100.0, 150.0}}, nil))
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: domain.OpNotBetween, Value: 100.0, Value2: 150.0}, nil))
}

func TestComparisonOperators(t *testing.T) {
	ev := Evaluator{}
	a := sampleAdSet()
	cases := []struct {
		cond domain.Condition
		want bool
	}{
		{domain.Condition{Field: "spend", Operator: domain.OpGreaterThan, Value: "100"}, true},
		{domain.Condition{Field: "spend", Operator: domain.OpGreaterThanOrEqual, Value: 120}, true},
		{domain.Condition{Field: "spend", Operator: domain.OpLessThan, Value: 120}, false},
		{domain.Condition{Field: "spend", Operator: domain.OpLessThanOrEqual, Value: 120}, true},
		{domain.Condition{Field: "spend", Operator: domain.OpGreaterThan, Value: "lots"}, false},
		{domain.Condition{Field: "status", Operator: domain.OpEquals, Value: "active"}, true},
		{domain.Condition{Field: "status", Operator: domain.OpNotEquals, Value: "PAUSED"}, true},
		{domain.Condition{Field: "spend", Operator: domain.OpEquals, Value: "120.0"}, true},
		{domain.Condition{Field: "name", Operator: domain.OpGreaterThan, Value: 1}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ev.Condition(&a, tc.cond, nil), "%s %s %v", tc.cond.Field, tc.cond.Operator, tc.cond.Value)
	}
}

func TestStringOperatorsAreCaseInsensitive(t *testing.T) {
	ev := Evaluator{}
	a := sampleAdSet()
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "name", Operator: domain.OpContains, Value: "broad"}, nil))
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "name", Operator: domain.OpNotContains, Value: "BROAD"}, nil))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "name", Operator: domain.OpStartsWith, Value: "prospecting"}, nil))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "name", Operator: domain.OpEndsWith, Value: "us"}, nil))
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "name", Operator: domain.OpContains}, nil))
}

func TestSetOperators(t *testing.T) {
	ev := Evaluator{}
	a := sampleAdSet()
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "status", Operator: domain.OpIn, Value: []any{"PAUSED", "ACTIVE"}}, nil))
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "status", Operator: domain.OpNotIn, Value: []any{"PAUSED", "ACTIVE"}}, nil))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "status", Operator: domain.OpNotIn, Value: []any{"PAUSED", "ARCHIVED"}}, nil))
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "status", Operator: domain.OpIn, Value: "ACTIVE"}, nil))
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "status", Operator: domain.OpNotIn, Value: "PAUSED"}, nil))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "targeting.publisher_platforms", Operator: domain.OpIn, Value: []any{"instagram"}}, nil))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "targeting.publisher_platforms", Operator: domain.OpNotIn, Value: []any{"audience_network"}}, nil))
}

func TestRegexOperators(t *testing.T) {
	ev := Evaluator{}
	a := sampleAdSet()
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "name", Operator: domain.OpRegex, Value: "^prospecting.*us$"}, nil))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "name", Operator: domain.OpNotRegex, Value: "retarget"}, nil))
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "name", Operator: domain.OpRegex, Value: "([a-z"}, nil))
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "name", Operator: domain.OpNotRegex, Value: "([a-z"}, nil))
}

func TestDateOperators(t *testing.T) {
	now := time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)
	ev := Evaluator{Now: func() time.Time { return now }}
	a := sampleAdSet()
	// created 2024-03-01T17:15Z
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "created_time", Operator: domain.OpDateEquals, Value: "2024-03-01"}, nil))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "created_time", Operator: domain.OpDateBefore, Value: "2024-03-02"}, nil))
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "created_time", Operator: domain.OpDateAfter, Value: "2024-03-01"}, nil))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "created_time", Operator: domain.OpDateAfter, Value: "2024-02-29"}, nil))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "created_time", Operator: domain.OpDateBetween, Value: "2024-02-01", Value2: "2024-03-01"}, nil))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "created_time", Operator: domain.OpDaysAgoEquals, Value: 9}, nil))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "created_time", Operator: domain.OpDaysAgoGreater, Value: 7}, nil))
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "created_time", Operator: domain.OpDaysAgoLess, Value: 9}, nil))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "created_time", Operator: domain.OpTimeOfDayBetween, Value: 9, Value2: "11:00"}, nil))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "created_time", Operator: domain.OpTimeOfDayBetween, Value: 22, Value2: 10}, nil))
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "name", Operator: domain.OpDateBefore, Value: "2024-03-02"}, nil))
}

func TestNullHandling(t *testing.T) {
	ev := Evaluator{}
	a := sampleAdSet()
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "lifetime_budget", Operator: domain.OpIsNull}, nil))
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "lifetime_budget", Operator: domain.OpIsNotNull}, nil))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "daily_budget", Operator: domain.OpIsNotNull}, nil))
	for _, op := range []domain.Operator{domain.OpEquals, domain.OpNotEquals, domain.OpLessThan, domain.OpNotIn, domain.OpNotContains, domain.OpNotRegex} {
		c := domain.Condition{Field: "lifetime_budget", Operator: op, Value: []any{"x"}}
		if op != domain.OpNotIn {
			c.Value = "x"
		}
		assert.False(t, ev.Condition(&a, c, nil), op)
	}
}

func TestUnknownOperatorIsFalse(t *testing.T) {
	ev := Evaluator{}
	a := sampleAdSet()
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: "roughly", Value: 120}, nil))
}

func TestStatisticalOperators(t *testing.T) {
	ev := Evaluator{}
	a := sampleAdSet()
	stats := &domain.CampaignStatistics{Metrics: map[string]domain.MetricStatistics{
		"spend": {
			Average:     100,
			Median:      90,
			Percentiles: map[int]float64{25: 40, 50: 90, 75: 110, 90: 150, 95: 180},
			Values:      []float64{20, 40, 90, 110, 150, 180},
			Trend:       domain.TrendIncreasing,
		},
	}}
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: domain.OpAboveAverage}, stats))
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: domain.OpBelowAverage}, stats))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: domain.OpAboveMedian}, stats))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: domain.OpAbovePercentile, Value: 75}, stats))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: domain.OpBelowPercentile, Value: 90}, stats))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: domain.OpAbovePercentile, Value: 60}, stats))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: domain.OpPercentChangeGreater, Value: 15}, stats))
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: domain.OpPercentChangeLess, Value: 15}, stats))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: domain.OpTrendIncreasing}, stats))
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: domain.OpTrendStable}, stats))
	// metric missing from statistics
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "frequency", Operator: domain.OpAboveAverage}, stats))
}

func TestStatisticalOperatorUsesWindowedPopulation(t *testing.T) {
	ev := Evaluator{}
	a := sampleAdSet()
	stats := &domain.CampaignStatistics{Metrics: map[string]domain.MetricStatistics{
		"spend":         {Average: 100},
		"spend@last_7d": {Average: 50},
	}}
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: domain.OpAboveAverage}, stats))
	// 35 over seven days is below the seven-day average
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: domain.OpAboveAverage, TimeWindow: "last_7d"}, stats))
	assert.True(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: domain.OpBelowAverage, TimeWindow: "last_7d"}, stats))
	// no windowed entry
	assert.False(t, ev.Condition(&a, domain.Condition{Field: "spend", Operator: domain.OpAboveAverage, TimeWindow: "last_14d"}, stats))
}

func TestStatisticalOperatorWithoutStatisticsIsFalse(t *testing.T) {
	ev := Evaluator{}
	for i := 0; i < 5; i++ {
		a := sampleAdSet()
		a.Performance.Frequency = float64(i) * 3
		assert.False(t, ev.Condition(&a, domain.Condition{Field: "frequency", Operator: domain.OpAboveAverage}, nil))
	}
}

// ---------- Logical Composer ----------

func TestEmptyExpressionMatches(t *testing.T) {
	ev := Evaluator{}
	a := sampleAdSet()
	assert.True(t, ev.Match(&a, domain.FilterExpression{}, nil))
	assert.True(t, ev.Match(&a, domain.FilterExpression{LogicalOperator: domain.LogicalAnd}, nil))
	assert.True(t, ev.Match(&a, domain.FilterExpression{LogicalOperator: domain.LogicalOr}, nil))
	assert.True(t, ev.Match(&a, domain.FilterExpression{
		ConditionGroups: []domain.ConditionGroup{{LogicalOperator: domain.LogicalOr}},
	}, nil))
}

func TestFlatAndOr(t *testing.T) {
	ev := Evaluator{}
	a := sampleAdSet()
	hit := domain.Condition{Field: "spend", Operator: domain.OpGreaterThan, Value: 100}
	miss := domain.Condition{Field: "spend", Operator: domain.OpLessThan, Value: 100}
	assert.False(t, ev.Match(&a, domain.FilterExpression{Conditions: []domain.Condition{hit, miss}}, nil))
	assert.True(t, ev.Match(&a, domain.FilterExpression{Conditions: []domain.Condition{hit, miss}, LogicalOperator: "or"}, nil))
	assert.False(t, ev.Match(&a, domain.FilterExpression{Conditions: []domain.Condition{hit}, LogicalOperator: "XOR"}, nil))
}

func TestGroupsTakePrecedenceOverConditions(t *testing.T) {
	ev := Evaluator{}
	a := sampleAdSet()
	f := domain.FilterExpression{
		Conditions: []domain.Condition{{Field: "spend", Operator: domain.OpLessThan, Value: 1}},
		ConditionGroups: []domain.ConditionGroup{
			{Conditions: []domain.Condition{{Field: "status", Operator: domain.OpEquals, Value: "ACTIVE"}}},
		},
	}
	assert.True(t, ev.Match(&a, f, nil))
}

func TestNestedGroups(t *testing.T) {
	ev := Evaluator{}
	a := sampleAdSet()
	f := domain.FilterExpression{
		LogicalOperator: domain.LogicalAnd,
		ConditionGroups: []domain.ConditionGroup{
			{
				LogicalOperator: domain.LogicalOr,
				Conditions:      []domain.Condition{{Field: "spend", Operator: domain.OpGreaterThan, Value: 1000}},
				Groups: []domain.ConditionGroup{{
					LogicalOperator: domain.LogicalAnd,
					Conditions: []domain.Condition{
						{Field: "conversions", Operator: domain.OpGreaterThanOrEqual, Value: 4},
						{Field: "targeting.age_min", Operator: domain.OpEquals, Value: 18},
					},
				}},
			},
			{Conditions: []domain.Condition{{Field: "status", Operator: domain.OpIn, Value: []any{"ACTIVE"}}}},
		},
	}
	assert.True(t, ev.Match(&a, f, nil))
}

func TestDepthBound(t *testing.T) {
	ev := Evaluator{}
	a := sampleAdSet()
	leaf := domain.ConditionGroup{Conditions: []domain.Condition{{Field: "status", Operator: domain.OpEquals, Value: "ACTIVE"}}}
	g := leaf
	for i := 1; i < domain.MaxGroupDepth; i++ {
		g = domain.ConditionGroup{Groups: []domain.ConditionGroup{g}}
	}
	ok := domain.FilterExpression{ConditionGroups: []domain.ConditionGroup{g}}
	assert.True(t, ev.Match(&a, ok, nil))
	assert.NoError(t, ok.Validate())

	tooDeep := domain.FilterExpression{ConditionGroups: []domain.ConditionGroup{{Groups: []domain.ConditionGroup{g}}}}
	assert.False(t, ev.Match(&a, tooDeep, nil))
	assert.ErrorIs(t, tooDeep.Validate(), domain.ErrInvalidFilter)
}

func TestMatchIsDeterministicAndSurvivesJSONRoundTrip(t *testing.T) {
	ev := Evaluator{}
	population := []domain.AdSetSnapshot{sampleAdSet(), sampleAdSet(), sampleAdSet()}
	population[1].ID, population[1].Status = "456", "PAUSED"
	population[2].ID, population[2].Performance.Spend = "789", 10

	f := domain.FilterExpression{
		LogicalOperator: domain.LogicalOr,
		ConditionGroups: []domain.ConditionGroup{
			{Conditions: []domain.Condition{
				{Field: "status", Operator: domain.OpEquals, Value: "PAUSED"},
			}},
			{LogicalOperator: domain.LogicalAnd, Conditions: []domain.Condition{
				{Field: "spend", Operator: domain.OpBetween, Value: 5, Value2: 20},
				{Field: "targeting.publisher_platforms", Operator: domain.OpIn, Value: []string{"facebook"}},
			}},
		},
	}
	first := ev.Filter(population, f, nil)
	second := ev.Filter(population, f, nil)
	assert.Equal(t, first, second)

	data, err := json.Marshal(f)
	require.NoError(t, err)
	var decoded domain.FilterExpression
	require.NoError(t, json.Unmarshal(data, &decoded))
	roundTripped := ev.Filter(population, decoded, nil)

	ids := func(in []domain.AdSetSnapshot) []string {
		var out []string
		for _, a := range in {
			out = append(out, a.ID)
		}
		return out
	}
	assert.Equal(t, []string{"456", "789"}, ids(first))
	assert.Equal(t, ids(first), ids(roundTripped))
}
