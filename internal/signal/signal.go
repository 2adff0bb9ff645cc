// Package signal derives scalar performance signals that the insights payload
// does not report directly. Every function accepts a nil metrics block and
// returns 0 for any ratio whose denominator is 0.
package signal

import (
	"math"

	"adpilot/internal/domain"
)

// ConversionActions are checked in order; the first one present wins.
var ConversionActions = []string{"purchase", "omni_purchase", "lead"}

// RevenueActions are checked in order against action_values.
var RevenueActions = []string{"purchase", "omni_purchase"}

const (
	linkClickAction = "link_click"
	videoViewAction = "video_view"
)

// Signals bundles every derived value for one ad set.
type Signals struct {
	Spend            float64 `json:"spend"`
	Impressions      float64 `json:"impressions"`
	Clicks           float64 `json:"clicks"`
	Frequency        float64 `json:"frequency"`
	CTR              float64 `json:"ctr"`
	Conversions      float64 `json:"conversions"`
	Revenue          float64 `json:"revenue"`
	LinkClicks       float64 `json:"link_clicks"`
	LandingPageViews float64 `json:"landing_page_views"`
	ThreeSecondViews float64 `json:"three_second_views"`
	CompletedViews   float64 `json:"completed_views"`
	ThumbstopRatio   float64 `json:"thumbstop_ratio"`
	HoldRate         float64 `json:"hold_rate"`
	DropOffRate      float64 `json:"drop_off_rate"`
	ConversionRate   float64 `json:"conversion_rate"`
	CPA              float64 `json:"cpa"`
	ROAS             float64 `json:"roas"`
}

// Extract computes all signals of m.
func Extract(m *domain.PerformanceMetrics) Signals {
	if m == nil {
		return Signals{}
	}
	return Signals{
		Spend:            m.Spend,
		Impressions:      m.Impressions,
		Clicks:           m.Clicks,
		Frequency:        m.Frequency,
		CTR:              m.CTR,
		Conversions:      Conversions(m),
		Revenue:          Revenue(m),
		LinkClicks:       LinkClicks(m),
		LandingPageViews: m.LandingPageViews,
		ThreeSecondViews: ThreeSecondViews(m),
		CompletedViews:   CompletedViews(m),
		ThumbstopRatio:   ThumbstopRatio(m),
		HoldRate:         HoldRate(m),
		DropOffRate:      DropOffRate(m),
		ConversionRate:   ConversionRate(m),
		CPA:              CPA(m),
		ROAS:             ROAS(m),
	}
}

// Conversions returns the count of the highest-priority conversion action.
func Conversions(m *domain.PerformanceMetrics) float64 {
	for _, t := range ConversionActions {
		if v, ok := m.Action(t); ok {
			return v
		}
	}
	return 0
}

// Revenue returns the purchase value reported in action_values.
func Revenue(m *domain.PerformanceMetrics) float64 {
	for _, t := range RevenueActions {
		if v, ok := m.ActionValue(t); ok {
			return v
		}
	}
	return 0
}

// LinkClicks prefers the explicit inline link click counter and falls back to
// the link_click action. It never reads the all-clicks counter.
func LinkClicks(m *domain.PerformanceMetrics) float64 {
	if m == nil {
		return 0
	}
	if m.InlineLinkClicks != nil {
		return *m.InlineLinkClicks
	}
	v, _ := m.Action(linkClickAction)
	return v
}

func ThreeSecondViews(m *domain.PerformanceMetrics) float64 {
	if m == nil {
		return 0
	}
	if m.Video3SecViews != nil {
		return *m.Video3SecViews
	}
	v, _ := m.Action(videoViewAction)
	return v
}

func CompletedViews(m *domain.PerformanceMetrics) float64 {
	if m == nil {
		return 0
	}
	return m.VideoP100
}

// ThumbstopRatio is 3-second views per impression, in percent.
func ThumbstopRatio(m *domain.PerformanceMetrics) float64 {
	if m == nil {
		return 0
	}
	return percent(ThreeSecondViews(m), m.Impressions)
}

// HoldRate is completed views per 3-second view, in percent.
func HoldRate(m *domain.PerformanceMetrics) float64 {
	return percent(CompletedViews(m), ThreeSecondViews(m))
}

// DropOffRate is the share of link clicks that never reached the landing page,
// in percent. Landing page views above link clicks clamp to 0.
func DropOffRate(m *domain.PerformanceMetrics) float64 {
	clicks := LinkClicks(m)
	if m == nil || clicks == 0 {
		return 0
	}
	rate := (1 - m.LandingPageViews/clicks) * 100
	if rate < 0 {
		return 0
	}
	return finite(rate)
}

// ConversionRate is conversions per link click, in percent.
func ConversionRate(m *domain.PerformanceMetrics) float64 {
	return percent(Conversions(m), LinkClicks(m))
}

// CPA is spend per conversion.
func CPA(m *domain.PerformanceMetrics) float64 {
	if m == nil {
		return 0
	}
	return SafeDiv(m.Spend, Conversions(m))
}

// ROAS is revenue per unit of spend.
func ROAS(m *domain.PerformanceMetrics) float64 {
	if m == nil {
		return 0
	}
	return SafeDiv(Revenue(m), m.Spend)
}

// SafeDiv returns a/b, or 0 when b is 0 or the result is not finite.
func SafeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return finite(a / b)
}

func percent(a, b float64) float64 {
	return SafeDiv(a, b) * 100
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Round2 rounds to two decimals for presentation.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
