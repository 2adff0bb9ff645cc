// Package stats computes population statistics over ad-set snapshots.
package stats

import (
	"math"
	"sort"
	"time"

	"adpilot/internal/domain"
	"adpilot/internal/filter"
)

// DefaultMetrics are computed when the caller names none.
var DefaultMetrics = []string{
	"spend", "impressions", "clicks", "ctr", "cpc", "cpm", "reach", "frequency",
	"conversions", "cost_per_conversion", "conversion_rate", "roas",
}

// DefaultTrendBand is the relative change below which a metric is stable.
const DefaultTrendBand = 0.05

// Options tune trend labelling. Without a baseline window or explicit trends
// every metric is stable.
type Options struct {
	// BaselineWindow names the windowed metrics used as the comparison period.
	BaselineWindow string
	// TrendBand is a fraction; zero means DefaultTrendBand.
	TrendBand float64
	// Trends overrides the computed label per metric.
	Trends map[string]domain.Trend
	Now    func() time.Time
}

// Compute resolves every metric over the population and summarizes it. A
// metric named "field@window" is read from that window, falling back to the
// base period for ad sets without it. Metrics with no numeric values are
// omitted.
func Compute(population []domain.AdSetSnapshot, metrics []string, opts Options) domain.CampaignStatistics {
	if len(metrics) == 0 {
		metrics = DefaultMetrics
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	band := opts.TrendBand
	if band <= 0 {
		band = DefaultTrendBand
	}
	out := domain.CampaignStatistics{
		Metrics:    make(map[string]domain.MetricStatistics, len(metrics)),
		ComputedAt: now().UTC(),
	}
	for _, metric := range metrics {
		field, window := domain.SplitStatisticKey(metric)
		ms, ok := Summarize(resolved(population, field, window))
		if !ok {
			continue
		}
		if t, ok := opts.Trends[metric]; ok {
			ms.Trend = t
		} else if t, ok := opts.Trends[field]; ok {
			ms.Trend = t
		} else if opts.BaselineWindow != "" && opts.BaselineWindow != window {
			if baseline, ok := Summarize(baselineValues(population, field, opts.BaselineWindow)); ok {
				ms.Trend = TrendFrom(ms.Average, baseline.Average, band)
			}
		}
		out.Metrics[metric] = ms
	}
	return out
}

// resolved reads field the way a condition with the same window does.
func resolved(population []domain.AdSetSnapshot, field, window string) []float64 {
	values := make([]float64, 0, len(population))
	for i := range population {
		if v, ok := filter.Number(&population[i], field, window); ok {
			values = append(values, v)
		}
	}
	return values
}

// baselineValues only counts ad sets that carry the baseline window.
func baselineValues(population []domain.AdSetSnapshot, field, window string) []float64 {
	values := make([]float64, 0, len(population))
	for i := range population {
		w, ok := population[i].Windows[window]
		if !ok {
			continue
		}
		if v, ok := w[field]; ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			values = append(values, v)
		}
	}
	return values
}

// Summarize sorts a copy of values and derives average, median, total and
// the nearest-rank percentile table. ok is false for an empty set.
func Summarize(values []float64) (domain.MetricStatistics, bool) {
	n := len(values)
	if n == 0 {
		return domain.MetricStatistics{}, false
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	var total float64
	for _, v := range sorted {
		total += v
	}
	ms := domain.MetricStatistics{
		Count:       n,
		Total:       total,
		Average:     total / float64(n),
		Median:      Median(sorted),
		Min:         sorted[0],
		Max:         sorted[n-1],
		Percentiles: make(map[int]float64, len(domain.PercentileRanks)),
		Trend:       domain.TrendStable,
		Values:      sorted,
	}
	for _, p := range domain.PercentileRanks {
		ms.Percentiles[p] = domain.NearestRank(sorted, float64(p))
	}
	return ms, true
}

// Median of an ascending slice; the mean of the central pair for even sizes.
func Median(sorted []float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case n%2 == 1:
		return sorted[n/2]
	default:
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
}

// TrendFrom labels current against baseline. Changes within band (a fraction
// of the baseline) are stable; a zero baseline is stable unless current moved.
func TrendFrom(current, baseline, band float64) domain.Trend {
	if baseline == 0 {
		switch {
		case current > 0:
			return domain.TrendIncreasing
		case current < 0:
			return domain.TrendDecreasing
		}
		return domain.TrendStable
	}
	change := (current - baseline) / math.Abs(baseline)
	switch {
	case change > band:
		return domain.TrendIncreasing
	case change < -band:
		return domain.TrendDecreasing
	}
	return domain.TrendStable
}
