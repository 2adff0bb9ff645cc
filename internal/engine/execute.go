package engine

import (
	"context"
	"errors"
	"fmt"

	"adpilot/internal/agent"
	"adpilot/internal/domain"
	"adpilot/internal/events"
	"adpilot/internal/stats"
	"adpilot/internal/telemetry"
)

// Preview is the result of a dry run: the report without actions, the
// matched ad sets and the statistics they were judged against.
type Preview struct {
	Report     domain.ExecutionReport     `json:"report"`
	Matches    []domain.AdSetSnapshot     `json:"matches"`
	Statistics *domain.CampaignStatistics `json:"statistics,omitempty"`
}

// evaluation is one FETCH_POPULATION + EVALUATE_MATCHES pass.
type evaluation struct {
	population []domain.AdSetSnapshot
	matches    []domain.AdSetSnapshot
	statistics *domain.CampaignStatistics
}

func (e Engine) evaluate(ctx context.Context, rule domain.Rule) (evaluation, error) {
	e.warnMalformed(rule.Filter, "rule_id", rule.ID)
	if rule.CampaignID == "" {
		return evaluation{}, fmt.Errorf("%w: campaign_id is required", ErrInvalid)
	}
	preset := rule.DatePreset
	if preset == "" {
		preset = e.config().DatePreset()
	}
	population, err := e.fetch(ctx, rule.CampaignID, preset, e.windowsFor(rule.Filter, preset))
	if err != nil {
		return evaluation{}, fmt.Errorf("fetch ad sets for campaign %s: %w", rule.CampaignID, err)
	}
	var ev evaluation
	ev.population = population
	if fields := rule.Filter.StatisticalFields(); len(fields) > 0 {
		s := stats.Compute(population, fields, e.statsOptions())
		ev.statistics = &s
	}
	ev.matches = e.evaluator().Filter(population, rule.Filter, ev.statistics)
	return ev, nil
}

// Execute runs a rule against the live population and applies its action to
// every match. It does not touch storage. A fetch failure fails the whole
// execution; a failed action is recorded and the batch continues.
func (e Engine) Execute(ctx context.Context, rule domain.Rule) (domain.ExecutionReport, error) {
	if err := rule.Action.Validate(); err != nil {
		return domain.ExecutionReport{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	ev, err := e.evaluate(ctx, rule)
	if err != nil {
		return domain.ExecutionReport{}, err
	}
	rep := domain.ExecutionReport{
		RuleID:       rule.ID,
		CampaignID:   rule.CampaignID,
		Action:       rule.Action.Type,
		ExecutedAt:   e.timestamp(),
		TotalAdSets:  len(ev.population),
		MatchedCount: len(ev.matches),
		Results:      make([]domain.MatchOutcome, 0, len(ev.matches)),
	}
	for i := range ev.matches {
		a := &ev.matches[i]
		outcome := domain.MatchOutcome{ID: a.ID, Name: a.Name, Action: rule.Action.Type, Success: true}
		if err := e.apply(ctx, rule.Action, a.ID); err != nil {
			outcome.Success = false
			outcome.Error = actionError(err)
			e.logger().Warn("rule action failed", "rule_id", rule.ID, "adset_id", a.ID, "action", rule.Action.Type, "err", err)
		}
		telemetry.AdSetAction(string(rule.Action.Type), outcome.Success)
		rep.Results = append(rep.Results, outcome)
	}
	rep.Aggregate()
	return rep, nil
}

func (e Engine) apply(ctx context.Context, action domain.RuleAction, adSetID string) error {
	if status, ok := action.TargetStatus(); ok {
		return e.Agent.UpdateAdSetStatus(ctx, adSetID, status)
	}
	if action.Type == domain.ActionChangeBudget {
		return e.Agent.UpdateAdSetBudget(ctx, adSetID, action.DailyBudget, action.LifetimeBudget)
	}
	return fmt.Errorf("%w: unsupported action %q", ErrInvalid, action.Type)
}

// actionError prefers the agent's own message over the wrapped chain.
func actionError(err error) string {
	var ae *agent.Error
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	return err.Error()
}

// ExecuteRule executes a stored rule and records the run. Run statistics
// are written only after a successful fetch and evaluation.
func (e Engine) ExecuteRule(ctx context.Context, id, actorID string) (domain.ExecutionReport, error) {
	rule, err := e.Repo.GetRule(ctx, id)
	if err != nil {
		return domain.ExecutionReport{}, err
	}
	if !rule.Enabled {
		return domain.ExecutionReport{}, fmt.Errorf("%w: %s", ErrRuleDisabled, rule.ID)
	}
	log := e.logger().With("rule_id", rule.ID, "campaign_id", rule.CampaignID)
	rep, err := e.Execute(ctx, rule)
	if err != nil {
		telemetry.RuleExecuted("failed")
		log.Error("rule execution failed", "err", err)
		return domain.ExecutionReport{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rep, err
	}
	defer tx.Rollback()
	next := rule.ApplyExecution(rep)
	if err := e.Repo.RecordExecution(ctx, tx, next); err != nil {
		return rep, fmt.Errorf("record execution: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.RuleExecuted, "rule", rule.ID, actorID, events.EventPayload{
		"campaign_id": rep.CampaignID,
		"action":      rep.Action,
		"total":       rep.TotalAdSets,
		"matched":     rep.MatchedCount,
		"successful":  rep.SuccessfulCount,
		"failed":      rep.FailedCount,
		"summary":     next.LastAction,
	}); err != nil {
		return rep, err
	}
	if err := tx.Commit(); err != nil {
		return rep, err
	}

	result := "ok"
	if rep.HasErrors {
		result = "partial"
	}
	telemetry.RuleExecuted(result)
	log.Info("rule executed", "matched", rep.MatchedCount, "successful", rep.SuccessfulCount, "failed", rep.FailedCount)
	return rep, nil
}

// PreviewRule is a dry run of a stored rule: no actions and no writes.
func (e Engine) PreviewRule(ctx context.Context, id string) (Preview, error) {
	rule, err := e.Repo.GetRule(ctx, id)
	if err != nil {
		return Preview{}, err
	}
	return e.Preview(ctx, rule)
}

// Preview evaluates an unsaved rule.
func (e Engine) Preview(ctx context.Context, rule domain.Rule) (Preview, error) {
	ev, err := e.evaluate(ctx, rule)
	if err != nil {
		return Preview{}, err
	}
	rep := domain.ExecutionReport{
		RuleID:       rule.ID,
		CampaignID:   rule.CampaignID,
		Action:       rule.Action.Type,
		ExecutedAt:   e.timestamp(),
		DryRun:       true,
		TotalAdSets:  len(ev.population),
		MatchedCount: len(ev.matches),
		Results:      []domain.MatchOutcome{},
	}
	return Preview{Report: rep, Matches: ev.matches, Statistics: ev.statistics}, nil
}
