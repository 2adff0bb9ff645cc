package domain

import "strings"

// AdSetStatus is the delivery status accepted by the agent's write path.
type AdSetStatus string

const (
	StatusActive   AdSetStatus = "ACTIVE"
	StatusPaused   AdSetStatus = "PAUSED"
	StatusArchived AdSetStatus = "ARCHIVED"
)

// ActionEntry is one element of an insights action list.
type ActionEntry struct {
	ActionType string  `json:"action_type"`
	Value      float64 `json:"value"`
}

// PerformanceMetrics is the normalized insights block of an ad set.
// Pointer fields distinguish "not reported" from zero.
type PerformanceMetrics struct {
	Spend            float64       `json:"spend"`
	Impressions      float64       `json:"impressions"`
	Clicks           float64       `json:"clicks"`
	CTR              float64       `json:"ctr"`
	CPC              float64       `json:"cpc"`
	CPM              float64       `json:"cpm"`
	Reach            float64       `json:"reach"`
	Frequency        float64       `json:"frequency"`
	InlineLinkClicks *float64      `json:"inline_link_clicks,omitempty"`
	OutboundClicks   float64       `json:"outbound_clicks,omitempty"`
	LandingPageViews float64       `json:"landing_page_views,omitempty"`
	Video3SecViews   *float64      `json:"video_3_sec_watched_actions,omitempty"`
	Video30SecViews  float64       `json:"video_30_sec_watched_actions,omitempty"`
	VideoP25         float64       `json:"video_p25_watched_actions,omitempty"`
	VideoP50         float64       `json:"video_p50_watched_actions,omitempty"`
	VideoP75         float64       `json:"video_p75_watched_actions,omitempty"`
	VideoP100        float64       `json:"video_p100_watched_actions,omitempty"`
	Actions          []ActionEntry `json:"actions,omitempty"`
	ActionValues     []ActionEntry `json:"action_values,omitempty"`
	CostPerAction    []ActionEntry `json:"cost_per_action_type,omitempty"`
}

// Action returns the value of the first entry with the given type.
func (m *PerformanceMetrics) Action(actionType string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	return lookupAction(m.Actions, actionType)
}

// ActionValue returns the monetary value of the first entry with the given type.
func (m *PerformanceMetrics) ActionValue(actionType string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	return lookupAction(m.ActionValues, actionType)
}

func lookupAction(entries []ActionEntry, actionType string) (float64, bool) {
	for _, e := range entries {
		if e.ActionType == actionType {
			return e.Value, true
		}
	}
	return 0, false
}

// AdSetSnapshot is one ad set as fetched from the agent, after normalization.
// Budgets are in currency units. Windows holds per-date-preset metric values
// keyed by window name (for example "last_7d") and metric name.
type AdSetSnapshot struct {
	ID               string                        `json:"id"`
	Name             string                        `json:"name"`
	Status           string                        `json:"status,omitempty"`
	EffectiveStatus  string                        `json:"effective_status,omitempty"`
	CampaignID       string                        `json:"campaign_id,omitempty"`
	DailyBudget      *float64                      `json:"daily_budget,omitempty"`
	LifetimeBudget   *float64                      `json:"lifetime_budget,omitempty"`
	OptimizationGoal string                        `json:"optimization_goal,omitempty"`
	BidStrategy      string                        `json:"bid_strategy,omitempty"`
	CreatedTime      string                        `json:"created_time,omitempty"`
	UpdatedTime      string                        `json:"updated_time,omitempty"`
	InsightDays      int                           `json:"insight_days,omitempty"`
	Performance      *PerformanceMetrics           `json:"performance_metrics,omitempty"`
	Windows          map[string]map[string]float64 `json:"windowed_metrics,omitempty"`
	Attributes       map[string]any                `json:"attributes,omitempty"`
}

// BreakdownRow is one segment (hour of day or publisher platform) of a
// breakdown report.
type BreakdownRow struct {
	Segment     string  `json:"segment"`
	AdSetID     string  `json:"adset_id,omitempty"`
	Spend       float64 `json:"spend"`
	Impressions float64 `json:"impressions,omitempty"`
	Clicks      float64 `json:"clicks,omitempty"`
	Conversions float64 `json:"conversions"`
}

// DatePresetDays maps an insights date preset to the number of days it spans.
func DatePresetDays(preset string) int {
	switch strings.ToLower(strings.TrimSpace(preset)) {
	case "today", "yesterday":
		return 1
	case "last_3d":
		return 3
	case "last_7d", "this_week_mon_today", "last_week_mon_sun":
		return 7
	case "last_14d":
		return 14
	case "last_28d":
		return 28
	case "last_30d", "this_month", "last_month":
		return 30
	case "last_90d":
		return 90
	default:
		return 0
	}
}

// ValidDatePreset reports whether preset is one the agent understands.
func ValidDatePreset(preset string) bool {
	return DatePresetDays(preset) > 0 || preset == "lifetime" || preset == "maximum"
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}
