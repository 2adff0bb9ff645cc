// Package detect turns a campaign population into prioritized optimization
// recommendations. Detectors are pure: they never mutate their input and
// never reach the network.
package detect

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"adpilot/internal/domain"
)

// Module names reported on recommendations.
const (
	ModuleBudgetWaste = "budget_waste"
	ModuleCreative    = "creative_fatigue"
	ModuleScaling     = "scaling_opportunity"
)

// Input is everything a detector may look at. Hourly and Platforms are
// optional breakdown reports.
type Input struct {
	CampaignID string                 `json:"campaign_id,omitempty"`
	AdSets     []domain.AdSetSnapshot `json:"ad_sets"`
	Hourly     []domain.BreakdownRow  `json:"hourly,omitempty"`
	Platforms  []domain.BreakdownRow  `json:"platforms,omitempty"`
}

// Detector produces recommendations for one concern.
type Detector func(Input, domain.ModuleConfig) []domain.Recommendation

// Registered pairs a detector with the module name used in logs.
type Registered struct {
	Name string
	Run  Detector
}

// Defaults returns the built-in detectors in registration order.
func Defaults() []Registered {
	return []Registered{
		{Name: ModuleBudgetWaste, Run: BudgetWaste},
		{Name: ModuleCreative, Run: CreativeFatigue},
		{Name: ModuleScaling, Run: ScalingOpportunity},
	}
}

// Orchestrator runs detectors and merges their output.
type Orchestrator struct {
	Detectors []Registered
	Log       *slog.Logger
}

// New returns an orchestrator with the default detectors.
func New(log *slog.Logger) Orchestrator {
	return Orchestrator{Detectors: Defaults(), Log: log}
}

func (o Orchestrator) logger() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return slog.Default()
}

// Run executes every detector and sorts the merged list by priority tier,
// then by descending confidence. A panicking detector contributes nothing.
func (o Orchestrator) Run(in Input, cfg domain.ModuleConfig) []domain.Recommendation {
	cfg.Thresholds = cfg.Thresholds.WithDefaults()
	var out []domain.Recommendation
	for _, d := range o.Detectors {
		out = append(out, o.safeRun(d, in, cfg)...)
	}
	for i := range out {
		out[i].Confidence = clampConfidence(out[i].Confidence)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].Confidence > out[j].Confidence
	})
	if out == nil {
		out = []domain.Recommendation{}
	}
	return out
}

func (o Orchestrator) safeRun(d Registered, in Input, cfg domain.ModuleConfig) (recs []domain.Recommendation) {
	defer func() {
		if r := recover(); r != nil {
			o.logger().Error("detector failed", "detector", d.Name, "panic", fmt.Sprint(r))
			recs = nil
		}
	}()
	return d.Run(in, cfg)
}

var recommendationNamespace = uuid.MustParse("6f1c1f7e-3d0b-4b8e-9a55-0d6a2c1b7e41")

// RecommendationID is stable for a module, type and entity.
func RecommendationID(module, kind, entity string) string {
	return uuid.NewSHA1(recommendationNamespace, []byte(module+"/"+kind+"/"+entity)).String()
}

func newRecommendation(module, kind string, p domain.Priority, a *domain.AdSetSnapshot) domain.Recommendation {
	return domain.Recommendation{
		ID:         RecommendationID(module, kind, a.ID),
		Type:       kind,
		Priority:   p,
		EntityID:   a.ID,
		EntityName: a.Name,
		Module:     module,
	}
}

func clampConfidence(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func ptr(v float64) *float64 { return &v }

func spendOf(m *domain.PerformanceMetrics) float64 {
	if m == nil {
		return 0
	}
	return m.Spend
}
