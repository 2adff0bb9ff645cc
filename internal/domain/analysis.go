package domain

import (
	"math"
	"strings"
	"time"
)

// Trend labels the direction of a metric relative to a baseline.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// PercentileRanks are the ranks precomputed in every percentile table.
var PercentileRanks = []int{25, 50, 75, 90, 95}

// MetricStatistics summarizes one metric over a population. Values holds the
// sorted eligible values so ranks outside the table can be answered.
type MetricStatistics struct {
	Count       int             `json:"count"`
	Total       float64         `json:"total"`
	Average     float64         `json:"average"`
	Median      float64         `json:"median"`
	Min         float64         `json:"min"`
	Max         float64         `json:"max"`
	Percentiles map[int]float64 `json:"percentiles"`
	Trend       Trend           `json:"trend" enum:"increasing,decreasing,stable"`
	Values      []float64       `json:"-"`
}

// CampaignStatistics is keyed by metric name, or by StatisticKey for metrics
// measured over a time window. Metrics without eligible values are absent.
type CampaignStatistics struct {
	Metrics    map[string]MetricStatistics `json:"metrics"`
	ComputedAt time.Time                   `json:"computed_at"`
}

// StatisticKey names the statistics of field measured over window. The key of
// the unwindowed field is the field itself.
func StatisticKey(field, window string) string {
	if window == "" {
		return field
	}
	return field + "@" + window
}

// SplitStatisticKey reverses StatisticKey.
func SplitStatisticKey(key string) (field, window string) {
	field, window, _ = strings.Cut(key, "@")
	return field, window
}

// Metric returns the statistics for name; ok is false when the receiver is nil
// or the metric was omitted.
func (s *CampaignStatistics) Metric(name string) (MetricStatistics, bool) {
	if s == nil || s.Metrics == nil {
		return MetricStatistics{}, false
	}
	m, ok := s.Metrics[name]
	return m, ok
}

// Priority is a recommendation tier.
type Priority string

const (
	PriorityCritical    Priority = "CRITICAL"
	PriorityHigh        Priority = "HIGH"
	PriorityMedium      Priority = "MEDIUM"
	PriorityLow         Priority = "LOW"
	PriorityOpportunity Priority = "OPPORTUNITY"
)

// Rank orders tiers; lower sorts first. Unknown tiers sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	case PriorityOpportunity:
		return 4
	}
	return 5
}

// Recommendation is one finding produced by a detector.
type Recommendation struct {
	ID                       string   `json:"id"`
	Type                     string   `json:"type"`
	Priority                 Priority `json:"priority" enum:"CRITICAL,HIGH,MEDIUM,LOW,OPPORTUNITY"`
	EntityID                 string   `json:"entity_id"`
	EntityName               string   `json:"entity_name"`
	DetectedValue            float64  `json:"detected_value"`
	BenchmarkValue           float64  `json:"benchmark_value"`
	Message                  string   `json:"message"`
	SuggestedAction          string   `json:"suggested_action,omitempty"`
	EstimatedSavings         *float64 `json:"estimated_savings,omitempty"`
	EstimatedRevenueIncrease *float64 `json:"estimated_revenue_increase,omitempty"`
	Confidence               float64  `json:"confidence" minimum:"0" maximum:"100"`
	Module                   string   `json:"module"`
}

// Thresholds tune the detectors. Zero values take the defaults below.
type Thresholds struct {
	WasteMultiplier   float64 `json:"waste_multiplier,omitempty" yaml:"waste_multiplier,omitempty"`
	CostMultiplier    float64 `json:"cost_multiplier,omitempty" yaml:"cost_multiplier,omitempty"`
	LearningDays      float64 `json:"learning_days,omitempty" yaml:"learning_days,omitempty"`
	FatigueFrequency  float64 `json:"fatigue_frequency,omitempty" yaml:"fatigue_frequency,omitempty"`
	EngagementDrop    float64 `json:"engagement_drop,omitempty" yaml:"engagement_drop,omitempty"`
	ThumbstopBaseline float64 `json:"thumbstop_baseline,omitempty" yaml:"thumbstop_baseline,omitempty"`
	MinImpressions    float64 `json:"min_impressions,omitempty" yaml:"min_impressions,omitempty"`
	MaxDropOff        float64 `json:"max_drop_off,omitempty" yaml:"max_drop_off,omitempty"`
	MinLinkClicks     float64 `json:"min_link_clicks,omitempty" yaml:"min_link_clicks,omitempty"`
	BudgetSaturation  float64 `json:"budget_saturation,omitempty" yaml:"budget_saturation,omitempty"`
	ScaleStep         float64 `json:"scale_step,omitempty" yaml:"scale_step,omitempty"`
	SegmentCPAGap     float64 `json:"segment_cpa_gap,omitempty" yaml:"segment_cpa_gap,omitempty"`
}

// DefaultThresholds are the industry baselines the detectors start from.
var DefaultThresholds = Thresholds{
	WasteMultiplier:   2,
	CostMultiplier:    2,
	LearningDays:      7,
	FatigueFrequency:  4,
	EngagementDrop:    0.2,
	ThumbstopBaseline: 25,
	MinImpressions:    1000,
	MaxDropOff:        50,
	MinLinkClicks:     50,
	BudgetSaturation:  0.95,
	ScaleStep:         0.2,
	SegmentCPAGap:     2,
}

// WithDefaults fills zero fields from DefaultThresholds.
func (t Thresholds) WithDefaults() Thresholds {
	d := DefaultThresholds
	pick := func(v, def float64) float64 {
		if v > 0 {
			return v
		}
		return def
	}
	return Thresholds{
		WasteMultiplier:   pick(t.WasteMultiplier, d.WasteMultiplier),
		CostMultiplier:    pick(t.CostMultiplier, d.CostMultiplier),
		LearningDays:      pick(t.LearningDays, d.LearningDays),
		FatigueFrequency:  pick(t.FatigueFrequency, d.FatigueFrequency),
		EngagementDrop:    pick(t.EngagementDrop, d.EngagementDrop),
		ThumbstopBaseline: pick(t.ThumbstopBaseline, d.ThumbstopBaseline),
		MinImpressions:    pick(t.MinImpressions, d.MinImpressions),
		MaxDropOff:        pick(t.MaxDropOff, d.MaxDropOff),
		MinLinkClicks:     pick(t.MinLinkClicks, d.MinLinkClicks),
		BudgetSaturation:  pick(t.BudgetSaturation, d.BudgetSaturation),
		ScaleStep:         pick(t.ScaleStep, d.ScaleStep),
		SegmentCPAGap:     pick(t.SegmentCPAGap, d.SegmentCPAGap),
	}
}

// ModuleConfig is shared by all detectors. Missing targets are derived from
// the population by the detectors that need them.
type ModuleConfig struct {
	TargetCPA         *float64   `json:"target_cpa,omitempty"`
	TargetROAS        *float64   `json:"target_roas,omitempty"`
	AccountAverageCPA *float64   `json:"account_average_cpa,omitempty"`
	Thresholds        Thresholds `json:"thresholds,omitempty"`
}

// Merge overlays the non-nil targets and non-zero thresholds of o onto c.
func (c ModuleConfig) Merge(o ModuleConfig) ModuleConfig {
	out := c
	if o.TargetCPA != nil {
		out.TargetCPA = o.TargetCPA
	}
	if o.TargetROAS != nil {
		out.TargetROAS = o.TargetROAS
	}
	if o.AccountAverageCPA != nil {
		out.AccountAverageCPA = o.AccountAverageCPA
	}
	base := c.Thresholds
	t := o.Thresholds
	over := func(dst *float64, v float64) {
		if v > 0 {
			*dst = v
		}
	}
	over(&base.WasteMultiplier, t.WasteMultiplier)
	over(&base.CostMultiplier, t.CostMultiplier)
	over(&base.LearningDays, t.LearningDays)
	over(&base.FatigueFrequency, t.FatigueFrequency)
	over(&base.EngagementDrop, t.EngagementDrop)
	over(&base.ThumbstopBaseline, t.ThumbstopBaseline)
	over(&base.MinImpressions, t.MinImpressions)
	over(&base.MaxDropOff, t.MaxDropOff)
	over(&base.MinLinkClicks, t.MinLinkClicks)
	over(&base.BudgetSaturation, t.BudgetSaturation)
	over(&base.ScaleStep, t.ScaleStep)
	over(&base.SegmentCPAGap, t.SegmentCPAGap)
	out.Thresholds = base
	return out
}

// NearestRank returns the p-th percentile of an ascending slice using
// index = ceil(p/100 * n) - 1, clamped to the slice bounds.
func NearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(n)/100)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// Percentile answers rank p from the table, or from Values for ranks the
// table does not hold.
func (m MetricStatistics) Percentile(p float64) (float64, bool) {
	if p == math.Trunc(p) {
		if v, ok := m.Percentiles[int(p)]; ok {
			return v, true
		}
	}
	if len(m.Values) == 0 || p < 0 || p > 100 {
		return 0, false
	}
	return NearestRank(m.Values, p), true
}
