package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"adpilot/internal/agent"
	"adpilot/internal/detect"
	"adpilot/internal/domain"
	"adpilot/internal/events"
	"adpilot/internal/metarule"
	"adpilot/internal/rulegen"
	"adpilot/internal/stats"
	"adpilot/internal/telemetry"
)

// AnalyzeOptions select the campaign and override detector configuration.
type AnalyzeOptions struct {
	CampaignID string
	DatePreset string
	Config     domain.ModuleConfig
	Hourly     []domain.BreakdownRow
	Platforms  []domain.BreakdownRow
	ActorID    string
}

// Analysis is the detector output for one campaign snapshot.
type Analysis struct {
	CampaignID      string                    `json:"campaign_id"`
	AdSetCount      int                       `json:"ad_set_count"`
	GeneratedAt     time.Time                 `json:"generated_at"`
	Recommendations []domain.Recommendation   `json:"recommendations"`
	Statistics      domain.CampaignStatistics `json:"statistics"`
}

// Analyze fetches the campaign with the configured windows and runs every
// detector over it.
func (e Engine) Analyze(ctx context.Context, opts AnalyzeOptions) (Analysis, error) {
	if strings.TrimSpace(opts.CampaignID) == "" {
		return Analysis{}, fmt.Errorf("%w: campaign_id is required", ErrInvalid)
	}
	cfg := e.config()
	population, err := e.fetch(ctx, opts.CampaignID, opts.DatePreset, cfg.Agent.Windows)
	if err != nil {
		return Analysis{}, fmt.Errorf("fetch ad sets for campaign %s: %w", opts.CampaignID, err)
	}
	recs := e.Recommend(detect.Input{
		CampaignID: opts.CampaignID,
		AdSets:     population,
		Hourly:     opts.Hourly,
		Platforms:  opts.Platforms,
	}, opts.Config)
	out := Analysis{
		CampaignID:      opts.CampaignID,
		AdSetCount:      len(population),
		GeneratedAt:     e.now().UTC(),
		Recommendations: recs,
		Statistics:      stats.Compute(population, nil, e.statsOptions()),
	}
	if e.DB != nil {
		if err := e.recordAnalysis(ctx, out, opts.ActorID); err != nil {
			e.logger().Warn("record analysis event failed", "campaign_id", opts.CampaignID, "err", err)
		}
	}
	return out, nil
}

func (e Engine) recordAnalysis(ctx context.Context, a Analysis, actorID string) error {
	byPriority := map[string]int{}
	for _, r := range a.Recommendations {
		byPriority[string(r.Priority)]++
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.writer().Append(ctx, tx, events.CampaignAnalyzed, "campaign", a.CampaignID, actorID, events.EventPayload{
		"ad_sets": a.AdSetCount, "recommendations": len(a.Recommendations), "by_priority": byPriority,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Recommend runs the detectors over a supplied population. Override values
// take precedence over the configured optimizer settings.
func (e Engine) Recommend(in detect.Input, override domain.ModuleConfig) []domain.Recommendation {
	orch := e.Detectors
	if len(orch.Detectors) == 0 {
		orch = detect.New(e.logger())
	}
	if orch.Log == nil {
		orch.Log = e.logger()
	}
	recs := orch.Run(in, e.config().ModuleConfig().Merge(override))
	for _, r := range recs {
		telemetry.Recommendation(r.Module, string(r.Priority))
	}
	return recs
}

// Statistics fetches a campaign and summarizes the requested metrics.
func (e Engine) Statistics(ctx context.Context, campaignID, preset string, metrics []string) (domain.CampaignStatistics, error) {
	if strings.TrimSpace(campaignID) == "" {
		return domain.CampaignStatistics{}, fmt.Errorf("%w: campaign_id is required", ErrInvalid)
	}
	var windows []string
	if w := e.config().Optimizer.BaselineWindow; w != "" {
		windows = []string{w}
	}
	population, err := e.fetch(ctx, campaignID, preset, windows)
	if err != nil {
		return domain.CampaignStatistics{}, fmt.Errorf("fetch ad sets for campaign %s: %w", campaignID, err)
	}
	return e.ComputeStatistics(population, metrics), nil
}

// ComputeStatistics summarizes a supplied population.
func (e Engine) ComputeStatistics(population []domain.AdSetSnapshot, metrics []string) domain.CampaignStatistics {
	return stats.Compute(population, metrics, e.statsOptions())
}

// EvaluateResult is the outcome of filtering a supplied population.
type EvaluateResult struct {
	Total      int                        `json:"total"`
	Matches    []domain.AdSetSnapshot     `json:"matches"`
	Statistics *domain.CampaignStatistics `json:"statistics,omitempty"`
}

// Evaluate filters a supplied population without contacting the agent.
// Statistics are computed over the same population when the expression
// uses statistical operators. A malformed condition only fails itself.
func (e Engine) Evaluate(population []domain.AdSetSnapshot, f domain.FilterExpression) (EvaluateResult, error) {
	e.warnMalformed(f)
	res := EvaluateResult{Total: len(population)}
	if fields := f.StatisticalFields(); len(fields) > 0 {
		s := e.ComputeStatistics(population, fields)
		res.Statistics = &s
	}
	res.Matches = e.evaluator().Filter(population, f, res.Statistics)
	if res.Matches == nil {
		res.Matches = []domain.AdSetSnapshot{}
	}
	return res, nil
}

// GenerateOptions describe a rule-drafting request. With Save the draft is
// stored as a new enabled rule.
type GenerateOptions struct {
	Prompt     string
	CampaignID string
	DatePreset string
	Save       bool
	ActorID    string
}

// Generated is a draft and, when saved, the stored rule.
type Generated struct {
	Draft rulegen.GeneratedRule `json:"draft"`
	Rule  *domain.Rule          `json:"rule,omitempty"`
}

func (e Engine) GenerateRule(ctx context.Context, opts GenerateOptions) (Generated, error) {
	if e.Generator == nil {
		return Generated{}, ErrGeneratorUnavailable
	}
	req := rulegen.Request{Prompt: opts.Prompt, CampaignID: opts.CampaignID}
	if opts.CampaignID != "" && e.Agent != nil {
		adSets, err := e.fetch(ctx, opts.CampaignID, opts.DatePreset, nil)
		if err != nil {
			e.logger().Warn("campaign context unavailable for generation", "campaign_id", opts.CampaignID, "err", err)
		} else {
			req.AdSets = adSets
		}
	}
	draft, err := e.Generator.Generate(ctx, req)
	if err != nil {
		return Generated{}, err
	}
	out := Generated{Draft: draft}
	if !opts.Save {
		if e.DB != nil {
			if err := e.recordGenerated(ctx, draft, opts); err != nil {
				e.logger().Warn("record generation event failed", "err", err)
			}
		}
		return out, nil
	}
	if opts.CampaignID == "" {
		return out, fmt.Errorf("%w: campaign_id is required to save a generated rule", ErrInvalid)
	}
	rule, err := e.CreateRule(ctx, RuleInput{
		Name:        draft.Name,
		Description: draft.Description,
		CampaignID:  opts.CampaignID,
		Filter:      draft.Filter,
		Action:      draft.Action,
		DatePreset:  opts.DatePreset,
	}, opts.ActorID)
	if err != nil {
		return out, err
	}
	out.Rule = &rule
	if err := e.recordGenerated(ctx, draft, opts); err != nil {
		e.logger().Warn("record generation event failed", "err", err)
	}
	return out, nil
}

func (e Engine) recordGenerated(ctx context.Context, draft rulegen.GeneratedRule, opts GenerateOptions) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.writer().Append(ctx, tx, events.RuleGenerated, "campaign", opts.CampaignID, opts.ActorID, events.EventPayload{
		"name": draft.Name, "action": draft.Action.Type, "conditions": draft.Filter.CountConditions(), "saved": opts.Save,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ExportRule publishes a stored rule as a platform automated rule and
// switches it to platform execution.
func (e Engine) ExportRule(ctx context.Context, id, actorID string) (domain.Rule, error) {
	if err := e.requireAgent(); err != nil {
		return domain.Rule{}, err
	}
	rule, err := e.Repo.GetRule(ctx, id)
	if err != nil {
		return domain.Rule{}, err
	}
	spec, err := metarule.Build(rule, rule.CampaignID, rule.DatePreset)
	if err != nil {
		return domain.Rule{}, err
	}
	platformID, err := e.Agent.CreatePlatformRule(ctx, agent.PlatformRule{
		Name:           spec.Name,
		EvaluationSpec: spec.EvaluationSpec,
		ExecutionSpec:  spec.ExecutionSpec,
		ScheduleSpec:   spec.ScheduleSpec,
		Status:         spec.Status,
	})
	if err != nil {
		return domain.Rule{}, fmt.Errorf("export rule %s: %w", rule.ID, err)
	}
	if platformID == "" {
		return domain.Rule{}, errors.New("agent returned no platform rule id")
	}

	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Rule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetPlatformRuleID(ctx, tx, rule.ID, platformID, now); err != nil {
		return domain.Rule{}, err
	}
	if err := e.writer().Append(ctx, tx, events.RuleExported, "rule", rule.ID, actorID, events.EventPayload{"platform_rule_id": platformID}); err != nil {
		return domain.Rule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Rule{}, err
	}
	rule.PlatformRuleID = &platformID
	rule.ExecutionMode = domain.ModePlatform
	rule.UpdatedAt = now
	e.logger().Info("rule exported", "rule_id", rule.ID, "platform_rule_id", platformID)
	return rule, nil
}
