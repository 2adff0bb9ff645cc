package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"adpilot/internal/domain"
	"adpilot/internal/signal"
)

// NormalizeOptions control the conversion of one raw ad set.
type NormalizeOptions struct {
	// MinorUnits divides budgets by 100; the agent reports cents.
	MinorUnits bool
	CampaignID string
	DatePreset string
}

// listKeys are tried in order when locating the ad-set list in a response.
var listKeys = []string{"ad_sets", "adsets", "data", "items"}

// ExtractList finds the ad-set list in a decoded response body. A missing
// list is empty.
func ExtractList(body any) []map[string]any {
	switch v := body.(type) {
	case []any:
		return objects(v)
	case map[string]any:
		for _, key := range listKeys {
			switch inner := v[key].(type) {
			case []any:
				return objects(inner)
			case map[string]any:
				if list, ok := inner["ad_sets"].([]any); ok {
					return objects(list)
				}
			}
		}
	}
	return nil
}

func objects(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

var consumedKeys = map[string]bool{
	"id": true, "name": true, "status": true, "effective_status": true,
	"campaign_id": true, "daily_budget": true, "lifetime_budget": true,
	"optimization_goal": true, "bid_strategy": true, "created_time": true,
	"updated_time": true, "performance_metrics": true, "insights": true,
}

// Normalize converts one raw ad set into a snapshot. Unknown keys are kept
// as attributes for dotted-path conditions.
func Normalize(raw map[string]any, opts NormalizeOptions) domain.AdSetSnapshot {
	a := domain.AdSetSnapshot{
		ID:               str(raw["id"]),
		Name:             str(raw["name"]),
		Status:           str(raw["status"]),
		EffectiveStatus:  str(raw["effective_status"]),
		CampaignID:       str(raw["campaign_id"]),
		OptimizationGoal: str(raw["optimization_goal"]),
		BidStrategy:      str(raw["bid_strategy"]),
		CreatedTime:      str(raw["created_time"]),
		UpdatedTime:      str(raw["updated_time"]),
		InsightDays:      domain.DatePresetDays(opts.DatePreset),
	}
	if a.CampaignID == "" {
		a.CampaignID = opts.CampaignID
	}
	a.DailyBudget = budget(raw["daily_budget"], opts.MinorUnits)
	a.LifetimeBudget = budget(raw["lifetime_budget"], opts.MinorUnits)
	a.Performance = performance(insightsBlock(raw))

	for k, v := range raw {
		if consumedKeys[k] {
			continue
		}
		if a.Attributes == nil {
			a.Attributes = map[string]any{}
		}
		a.Attributes[k] = v
	}
	return a
}

func insightsBlock(raw map[string]any) map[string]any {
	if m, ok := raw["performance_metrics"].(map[string]any); ok {
		return m
	}
	var list []any
	switch ins := raw["insights"].(type) {
	case map[string]any:
		list, _ = ins["data"].([]any)
	case []any:
		list = ins
	}
	if len(list) > 0 {
		if m, ok := list[0].(map[string]any); ok {
			return m
		}
	}
	return nil
}

func performance(block map[string]any) *domain.PerformanceMetrics {
	if len(block) == 0 {
		return nil
	}
	m := &domain.PerformanceMetrics{
		Spend:           num(block["spend"]),
		Impressions:     num(block["impressions"]),
		Clicks:          num(block["clicks"]),
		CTR:             num(block["ctr"]),
		CPC:             num(block["cpc"]),
		CPM:             num(block["cpm"]),
		Reach:           num(block["reach"]),
		Frequency:       num(block["frequency"]),
		OutboundClicks:  countOrSum(block["outbound_clicks"]),
		Video30SecViews: countOrSum(block["video_30_sec_watched_actions"]),
		VideoP25:        countOrSum(block["video_p25_watched_actions"]),
		VideoP50:        countOrSum(block["video_p50_watched_actions"]),
		VideoP75:        countOrSum(block["video_p75_watched_actions"]),
		VideoP100:       countOrSum(block["video_p100_watched_actions"]),
		Actions:         actions(block["actions"]),
		ActionValues:    actions(block["action_values"]),
		CostPerAction:   actions(block["cost_per_action_type"]),
	}
	if v, ok := block["inline_link_clicks"]; ok && v != nil {
		n := num(v)
		m.InlineLinkClicks = &n
	}
	if v, ok := block["video_3_sec_watched_actions"]; ok && v != nil {
		n := countOrSum(v)
		m.Video3SecViews = &n
	}
	if v, ok := block["landing_page_views"]; ok {
		m.LandingPageViews = countOrSum(v)
	} else if v, ok := m.Action("landing_page_view"); ok {
		m.LandingPageViews = v
	}
	return m
}

// WindowMetrics flattens the signals of one insights block into the map
// stored under AdSetSnapshot.Windows.
func WindowMetrics(m *domain.PerformanceMetrics) map[string]float64 {
	if m == nil {
		return nil
	}
	s := signal.Extract(m)
	return map[string]float64{
		"spend":               s.Spend,
		"impressions":         s.Impressions,
		"clicks":              s.Clicks,
		"ctr":                 s.CTR,
		"cpc":                 m.CPC,
		"cpm":                 m.CPM,
		"reach":               m.Reach,
		"frequency":           s.Frequency,
		"conversions":         s.Conversions,
		"cost_per_conversion": s.CPA,
		"conversion_rate":     s.ConversionRate,
		"roas":                s.ROAS,
		"thumbstop_ratio":     s.ThumbstopRatio,
		"hold_rate":           s.HoldRate,
		"drop_off_rate":       s.DropOffRate,
	}
}

func actions(v any) []domain.ActionEntry {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]domain.ActionEntry, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		t := str(m["action_type"])
		if t == "" {
			continue
		}
		out = append(out, domain.ActionEntry{ActionType: t, Value: num(m["value"])})
	}
	return out
}

// countOrSum reads a scalar or sums the values of an action list.
func countOrSum(v any) float64 {
	if list, ok := v.([]any); ok {
		var total float64
		for _, e := range actions(list) {
			total += e.Value
		}
		return total
	}
	return num(v)
}

func budget(v any, minor bool) *float64 {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil
	}
	n := num(v)
	if minor {
		n /= 100
	}
	return &n
}

func num(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		f, _ = t.Float64()
	case string:
		f, _ = strconv.ParseFloat(strings.TrimSpace(t), 64)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
