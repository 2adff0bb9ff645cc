package filter

import (
	"strconv"
	"strings"

	"adpilot/internal/domain"
	"adpilot/internal/signal"
)

// FieldKind classifies a field name by where its value comes from.
type FieldKind int

const (
	// FieldAttribute is any name not listed below; it is looked up in the
	// snapshot's attribute document.
	FieldAttribute FieldKind = iota
	FieldIdentity
	FieldBudget
	FieldMetric
	FieldVirtual
)

const metricsPrefix = "performance_metrics."

var fieldKinds = map[string]FieldKind{
	"id":                FieldIdentity,
	"name":              FieldIdentity,
	"status":            FieldIdentity,
	"effective_status":  FieldIdentity,
	"campaign_id":       FieldIdentity,
	"optimization_goal": FieldIdentity,
	"bid_strategy":      FieldIdentity,
	"created_time":      FieldIdentity,
	"updated_time":      FieldIdentity,

	"daily_budget":    FieldBudget,
	"lifetime_budget": FieldBudget,

	"spend":                        FieldMetric,
	"impressions":                  FieldMetric,
	"clicks":                       FieldMetric,
	"ctr":                          FieldMetric,
	"cpc":                          FieldMetric,
	"cpm":                          FieldMetric,
	"reach":                        FieldMetric,
	"frequency":                    FieldMetric,
	"inline_link_clicks":           FieldMetric,
	"outbound_clicks":              FieldMetric,
	"landing_page_views":           FieldMetric,
	"video_30_sec_watched_actions": FieldMetric,
	"video_p25_watched_actions":    FieldMetric,
	"video_p50_watched_actions":    FieldMetric,
	"video_p75_watched_actions":    FieldMetric,
	"video_p100_watched_actions":   FieldMetric,

	"conversions":         FieldVirtual,
	"cost_per_conversion": FieldVirtual,
	"conversion_rate":     FieldVirtual,
	"roas":                FieldVirtual,
	"purchase_value":      FieldVirtual,
	"link_clicks":         FieldVirtual,
	"thumbstop_ratio":     FieldVirtual,
	"hold_rate":           FieldVirtual,
	"drop_off_rate":       FieldVirtual,
}

// Classify returns the kind of a field name. A "performance_metrics." prefix
// is accepted in front of metric and virtual names.
func Classify(field string) FieldKind {
	name := strings.TrimPrefix(field, metricsPrefix)
	kind, ok := fieldKinds[name]
	if !ok {
		return FieldAttribute
	}
	if name != field && kind != FieldMetric && kind != FieldVirtual {
		return FieldAttribute
	}
	return kind
}

// Resolve returns the value of field on a, or ok=false when the value is
// absent. A windowed value wins when window is set and the snapshot carries
// it. Numeric values are float64.
func Resolve(a *domain.AdSetSnapshot, field, window string) (any, bool) {
	if a == nil {
		return nil, false
	}
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, false
	}
	if window != "" {
		if w, ok := a.Windows[window]; ok {
			if v, ok := w[strings.TrimPrefix(field, metricsPrefix)]; ok {
				return v, true
			}
		}
	}
	switch Classify(field) {
	case FieldIdentity:
		return identity(a, field)
	case FieldBudget:
		return budget(a, field)
	case FieldMetric:
		return metric(a.Performance, strings.TrimPrefix(field, metricsPrefix))
	case FieldVirtual:
		return virtual(a.Performance, strings.TrimPrefix(field, metricsPrefix))
	default:
		return attribute(a.Attributes, field)
	}
}

func identity(a *domain.AdSetSnapshot, field string) (any, bool) {
	var v string
	switch field {
	case "id":
		v = a.ID
	case "name":
		v = a.Name
	case "status":
		v = a.Status
	case "effective_status":
		v = a.EffectiveStatus
	case "campaign_id":
		v = a.CampaignID
	case "optimization_goal":
		v = a.OptimizationGoal
	case "bid_strategy":
		v = a.BidStrategy
	case "created_time":
		v = a.CreatedTime
	case "updated_time":
		v = a.UpdatedTime
	}
	if v == "" {
		return nil, false
	}
	return v, true
}

func budget(a *domain.AdSetSnapshot, field string) (any, bool) {
	var p *float64
	switch field {
	case "daily_budget":
		p = a.DailyBudget
	case "lifetime_budget":
		p = a.LifetimeBudget
	}
	if p == nil {
		return nil, false
	}
	return *p, true
}

func metric(m *domain.PerformanceMetrics, field string) (any, bool) {
	if m == nil {
		return nil, false
	}
	switch field {
	case "spend":
		return m.Spend, true
	case "impressions":
		return m.Impressions, true
	case "clicks":
		return m.Clicks, true
	case "ctr":
		return m.CTR, true
	case "cpc":
		return m.CPC, true
	case "cpm":
		return m.CPM, true
	case "reach":
		return m.Reach, true
	case "frequency":
		return m.Frequency, true
	case "inline_link_clicks":
		if m.InlineLinkClicks == nil {
			return nil, false
		}
		return *m.InlineLinkClicks, true
	case "outbound_clicks":
		return m.OutboundClicks, true
	case "landing_page_views":
		return m.LandingPageViews, true
	case "video_30_sec_watched_actions":
		return m.Video30SecViews, true
	case "video_p25_watched_actions":
		return m.VideoP25, true
	case "video_p50_watched_actions":
		return m.VideoP50, true
	case "video_p75_watched_actions":
		return m.VideoP75, true
	case "video_p100_watched_actions":
		return m.VideoP100, true
	}
	return nil, false
}

func virtual(m *domain.PerformanceMetrics, field string) (any, bool) {
	if m == nil {
		return nil, false
	}
	switch field {
	case "conversions":
		return signal.Conversions(m), true
	case "cost_per_conversion":
		return signal.CPA(m), true
	case "conversion_rate":
		return signal.ConversionRate(m), true
	case "roas":
		return signal.ROAS(m), true
	case "purchase_value":
		return signal.Revenue(m), true
	case "link_clicks":
		return signal.LinkClicks(m), true
	case "thumbstop_ratio":
		return signal.ThumbstopRatio(m), true
	case "hold_rate":
		return signal.HoldRate(m), true
	case "drop_off_rate":
		return signal.DropOffRate(m), true
	}
	return nil, false
}

// attribute walks dotted segments through nested maps and lists. Any missing
// segment yields null.
func attribute(doc map[string]any, field string) (any, bool) {
	if doc == nil {
		return nil, false
	}
	if v, ok := doc[field]; ok {
		return present(v)
	}
	var cur any = doc
	for _, seg := range strings.Split(field, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return present(cur)
}

func present(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	if n, ok := toNumber(v); ok {
		if _, isString := v.(string); !isString {
			return n, true
		}
	}
	return v, true
}

// Number resolves field and coerces it to a float64. Strings that parse as
// numbers count; anything else is treated as absent.
func Number(a *domain.AdSetSnapshot, field, window string) (float64, bool) {
	v, ok := Resolve(a, field, window)
	if !ok {
		return 0, false
	}
	return toNumber(v)
}
