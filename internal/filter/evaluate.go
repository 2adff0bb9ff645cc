// Package filter evaluates filter expressions over normalized ad-set snapshots.
package filter

import (
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"adpilot/internal/domain"
)

// Evaluator evaluates conditions and expressions. The zero value is ready to
// use; Now and Log default to time.Now and slog.Default.
type Evaluator struct {
	Now func() time.Time
	Log *slog.Logger
}

func (e Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Evaluator) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// Condition evaluates one leaf condition. It never panics: unknown operators,
// null values and malformed operands all evaluate to false.
func (e Evaluator) Condition(a *domain.AdSetSnapshot, c domain.Condition, stats *domain.CampaignStatistics) bool {
	family := c.Operator.Family()
	if family == domain.FamilyUnknown {
		e.logger().Warn("unknown filter operator", "operator", string(c.Operator), "field", c.Field)
		return false
	}
	v, ok := Resolve(a, c.Field, c.TimeWindow)
	if family == domain.FamilyNull {
		if c.Operator == domain.OpIsNull {
			return !ok
		}
		return ok
	}
	if !ok {
		return false
	}
	switch family {
	case domain.FamilyComparison:
		return compare(c, v)
	case domain.FamilyString:
		return matchString(c, v)
	case domain.FamilySet:
		return matchSet(c, v)
	case domain.FamilyPattern:
		return e.matchPattern(c, v)
	case domain.FamilyDate:
		return e.matchDate(c, v)
	case domain.FamilyStatistical:
		return matchStatistical(c, v, stats)
	}
	return false
}

func compare(c domain.Condition, v any) bool {
	switch c.Operator {
	case domain.OpEquals:
		return c.Value != nil && looseEqual(v, c.Value)
	case domain.OpNotEquals:
		return c.Value != nil && !looseEqual(v, c.Value)
	case domain.OpBetween, domain.OpNotBetween:
		x, ok := toNumber(v)
		if !ok {
			return false
		}
		lo, hi, ok := rangeBounds(c)
		if !ok {
			return false
		}
		in := x >= lo && x <= hi
		if c.Operator == domain.OpBetween {
			return in
		}
		return !in
	}
	x, ok := toNumber(v)
	if !ok {
		return false
	}
	y, ok := toNumber(c.Value)
	if !ok {
		return false
	}
	switch c.Operator {
	case domain.OpGreaterThan:
		return x > y
	case domain.OpGreaterThanOrEqual:
		return x >= y
	case domain.OpLessThan:
		return x < y
	case domain.OpLessThanOrEqual:
		return x <= y
	}
	return false
}

// rangeBounds reads [lo, hi] from value/value2, or from a two-element list in
// value. Reversed bounds are swapped.
func rangeBounds(c domain.Condition) (float64, float64, bool) {
	loRaw, hiRaw := c.Value, c.Value2
	if l, ok := toList(c.Value); ok && c.Value2 == nil {
		if len(l) != 2 {
			return 0, 0, false
		}
		loRaw, hiRaw = l[0], l[1]
	}
	lo, ok := toNumber(loRaw)
	if !ok {
		return 0, 0, false
	}
	hi, ok := toNumber(hiRaw)
	if !ok {
		return 0, 0, false
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi, true
}

func matchString(c domain.Condition, v any) bool {
	if c.Value == nil {
		return false
	}
	s := strings.ToLower(toString(v))
	needle := strings.ToLower(toString(c.Value))
	switch c.Operator {
	case domain.OpContains:
		return strings.Contains(s, needle)
	case domain.OpNotContains:
		return !strings.Contains(s, needle)
	case domain.OpStartsWith:
		return strings.HasPrefix(s, needle)
	case domain.OpEndsWith:
		return strings.HasSuffix(s, needle)
	}
	return false
}

// matchSet treats a list-valued field as matching when any element is in the
// operand list.
func matchSet(c domain.Condition, v any) bool {
	operand, ok := toList(c.Value)
	if !ok {
		return false
	}
	values, isList := toList(v)
	if !isList {
		values = []any{v}
	}
	found := false
	for _, fv := range values {
		for _, ov := range operand {
			if looseEqual(fv, ov) {
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	switch c.Operator {
	case domain.OpIn:
		return found
	case domain.OpNotIn:
		return !found
	}
	return false
}

var patternCache sync.Map

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}

func (e Evaluator) matchPattern(c domain.Condition, v any) bool {
	pattern, ok := c.Value.(string)
	if !ok {
		return false
	}
	re, err := compilePattern(pattern)
	if err != nil {
		e.logger().Warn("malformed filter pattern", "field", c.Field, "pattern", pattern, "err", err)
		return false
	}
	matched := re.MatchString(toString(v))
	switch c.Operator {
	case domain.OpRegex:
		return matched
	case domain.OpNotRegex:
		return !matched
	}
	return false
}

func (e Evaluator) matchDate(c domain.Condition, v any) bool {
	t, _, ok := toTime(v)
	if !ok {
		return false
	}
	switch c.Operator {
	case domain.OpDaysAgoGreater, domain.OpDaysAgoLess, domain.OpDaysAgoEquals:
		n, ok := toNumber(c.Value)
		if !ok {
			return false
		}
		days := math.Floor(e.now().Sub(t).Hours() / 24)
		switch c.Operator {
		case domain.OpDaysAgoGreater:
			return days > n
		case domain.OpDaysAgoLess:
			return days < n
		default:
			return days == math.Floor(n)
		}
	case domain.OpTimeOfDayBetween:
		lo, ok := toHour(c.Value)
		if !ok {
			return false
		}
		hi, ok := toHour(c.Value2)
		if !ok {
			return false
		}
		h := t.Hour()
		if lo <= hi {
			return h >= lo && h <= hi
		}
		return h >= lo || h <= hi
	}
	ref, refDateOnly, ok := toTime(c.Value)
	if !ok {
		return false
	}
	switch c.Operator {
	case domain.OpDateEquals:
		y1, m1, d1 := t.UTC().Date()
		y2, m2, d2 := ref.UTC().Date()
		return y1 == y2 && m1 == m2 && d1 == d2
	case domain.OpDateBefore:
		return t.Before(ref)
	case domain.OpDateAfter:
		if refDateOnly {
			return !t.Before(ref.Add(24 * time.Hour))
		}
		return t.After(ref)
	case domain.OpDateBetween:
		end, endDateOnly, ok := toTime(c.Value2)
		if !ok {
			return false
		}
		if endDateOnly {
			end = end.Add(24*time.Hour - time.Nanosecond)
		}
		if ref.After(end) {
			ref, end = end, ref
		}
		return !t.Before(ref) && !t.After(end)
	}
	return false
}

func matchStatistical(c domain.Condition, v any, stats *domain.CampaignStatistics) bool {
	ms, ok := stats.Metric(domain.StatisticKey(c.Field, c.TimeWindow))
	if !ok {
		return false
	}
	switch c.Operator {
	case domain.OpTrendIncreasing:
		return ms.Trend == domain.TrendIncreasing
	case domain.OpTrendDecreasing:
		return ms.Trend == domain.TrendDecreasing
	case domain.OpTrendStable:
		return ms.Trend == "" || ms.Trend == domain.TrendStable
	}
	x, ok := toNumber(v)
	if !ok {
		return false
	}
	switch c.Operator {
	case domain.OpAboveAverage:
		return x > ms.Average
	case domain.OpBelowAverage:
		return x < ms.Average
	case domain.OpAboveMedian:
		return x > ms.Median
	case domain.OpBelowMedian:
		return x < ms.Median
	case domain.OpAbovePercentile, domain.OpBelowPercentile:
		rank, ok := toNumber(c.Value)
		if !ok {
			return false
		}
		threshold, ok := ms.Percentile(rank)
		if !ok {
			return false
		}
		if c.Operator == domain.OpAbovePercentile {
			return x > threshold
		}
		return x < threshold
	case domain.OpPercentChangeGreater, domain.OpPercentChangeLess:
		limit, ok := toNumber(c.Value)
		if !ok || ms.Average == 0 {
			return false
		}
		change := (x - ms.Average) / math.Abs(ms.Average) * 100
		if c.Operator == domain.OpPercentChangeGreater {
			return change > limit
		}
		return change < limit
	}
	return false
}
