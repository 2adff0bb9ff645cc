package detect

import (
	"fmt"

	"adpilot/internal/domain"
	"adpilot/internal/signal"
)

// Windows compared by the fatigue check.
const (
	RecentWindow   = "last_7d"
	BaselineWindow = "last_30d"
)

// CreativeFatigue flags audiences saturated by repetition, hooks that fail
// to stop the scroll and clicks that never reach the landing page.
func CreativeFatigue(in Input, cfg domain.ModuleConfig) []domain.Recommendation {
	th := cfg.Thresholds.WithDefaults()
	var out []domain.Recommendation
	for i := range in.AdSets {
		a := &in.AdSets[i]
		m := a.Performance
		if m == nil {
			continue
		}

		if m.Frequency > th.FatigueFrequency {
			recent, okRecent := a.Windows[RecentWindow]["ctr"]
			base, okBase := a.Windows[BaselineWindow]["ctr"]
			if okRecent && okBase && base > 0 {
				drop := (base - recent) / base
				if drop > th.EngagementDrop {
					r := newRecommendation(ModuleCreative, "creative_fatigue", domain.PriorityHigh, a)
					r.DetectedValue = signal.Round2(m.Frequency)
					r.BenchmarkValue = th.FatigueFrequency
					r.Message = fmt.Sprintf("Frequency %.1f with CTR down %.0f%% against the 30-day baseline", m.Frequency, drop*100)
					r.SuggestedAction = "Refresh the creative or broaden the audience"
					r.Confidence = 60 + 100*(drop-th.EngagementDrop) + 5*(m.Frequency-th.FatigueFrequency)
					out = append(out, r)
				}
			}
		}

		views := signal.ThreeSecondViews(m)
		if thumbstop := signal.ThumbstopRatio(m); views > 0 && m.Impressions >= th.MinImpressions && thumbstop < th.ThumbstopBaseline {
			r := newRecommendation(ModuleCreative, "weak_hook", domain.PriorityMedium, a)
			r.DetectedValue = signal.Round2(thumbstop)
			r.BenchmarkValue = th.ThumbstopBaseline
			r.Message = fmt.Sprintf("Thumbstop ratio %.1f%% is below the %.0f%% baseline", thumbstop, th.ThumbstopBaseline)
			r.SuggestedAction = "Test a stronger opening in the first three seconds"
			r.Confidence = 50 + (th.ThumbstopBaseline - thumbstop)
			out = append(out, r)
		}

		clicks := signal.LinkClicks(m)
		if dropOff := signal.DropOffRate(m); clicks >= th.MinLinkClicks && dropOff > th.MaxDropOff {
			r := newRecommendation(ModuleCreative, "high_drop_off", domain.PriorityMedium, a)
			r.DetectedValue = signal.Round2(dropOff)
			r.BenchmarkValue = th.MaxDropOff
			r.Message = fmt.Sprintf("%.0f%% of link clicks never reached the landing page", dropOff)
			r.SuggestedAction = "Check landing page speed and the tracking pixel"
			r.Confidence = 50 + (dropOff-th.MaxDropOff)/2
			out = append(out, r)
		}
	}
	return out
}
