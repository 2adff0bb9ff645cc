package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"adpilot/internal/agent"
	"adpilot/internal/config"
	"adpilot/internal/detect"
	"adpilot/internal/domain"
	"adpilot/internal/events"
	"adpilot/internal/filter"
	"adpilot/internal/repo"
	"adpilot/internal/rulegen"
	"adpilot/internal/stats"
)

var (
	// ErrInvalid is wrapped by every input validation failure.
	ErrInvalid = errors.New("invalid input")
	// ErrRuleDisabled is returned when executing a disabled rule.
	ErrRuleDisabled = errors.New("rule is disabled")
	// ErrAgentUnavailable means no agent client was configured.
	ErrAgentUnavailable = errors.New("agent is not configured")
	// ErrGeneratorUnavailable means no language model was configured.
	ErrGeneratorUnavailable = errors.New("rule generator is not configured")
)

// AdPlatform is the agent surface the engine needs. *agent.Client implements it.
type AdPlatform interface {
	ListAdSets(ctx context.Context, campaignID string, opts agent.FetchOptions) ([]domain.AdSetSnapshot, error)
	UpdateAdSetStatus(ctx context.Context, adSetID string, status domain.AdSetStatus) error
	UpdateAdSetBudget(ctx context.Context, adSetID string, daily, lifetime *float64) error
	CreatePlatformRule(ctx context.Context, rule agent.PlatformRule) (string, error)
}

// RuleGenerator drafts rules from text. *rulegen.Generator implements it.
type RuleGenerator interface {
	Generate(ctx context.Context, req rulegen.Request) (rulegen.GeneratedRule, error)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Agent     AdPlatform
	Generator RuleGenerator
	Detectors detect.Orchestrator
	Config    *config.Config
	Now       func() time.Time
	Log       *slog.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{Now: time.Now},
		Detectors: detect.New(nil),
		Config:    cfg,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// warnMalformed logs what Validate would reject. Evaluation still runs: the
// evaluator turns each malformed condition into false.
func (e Engine) warnMalformed(f domain.FilterExpression, args ...any) {
	if err := f.Validate(); err != nil {
		e.logger().Warn("evaluating malformed filter", append(args, "err", err)...)
	}
}

func (e Engine) evaluator() filter.Evaluator {
	return filter.Evaluator{Now: e.now, Log: e.logger()}
}

func (e Engine) statsOptions() stats.Options {
	cfg := e.config()
	return stats.Options{
		BaselineWindow: cfg.Optimizer.BaselineWindow,
		TrendBand:      cfg.Optimizer.TrendBand,
		Now:            e.now,
	}
}

// writer returns the event writer on the engine clock.
func (e Engine) writer() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) requireAgent() error {
	if e.Agent == nil {
		return ErrAgentUnavailable
	}
	return nil
}

// fetch loads one snapshot of the campaign population.
func (e Engine) fetch(ctx context.Context, campaignID, preset string, windows []string) ([]domain.AdSetSnapshot, error) {
	if err := e.requireAgent(); err != nil {
		return nil, err
	}
	if preset == "" {
		preset = e.config().DatePreset()
	}
	return e.Agent.ListAdSets(ctx, campaignID, agent.FetchOptions{DatePreset: preset, Windows: windows})
}

// windowsFor lists the extra date presets an expression needs: every
// condition time window, plus the baseline window when trends are compared.
func (e Engine) windowsFor(f domain.FilterExpression, preset string) []string {
	seen := map[string]bool{preset: true}
	var out []string
	add := func(w string) {
		if w == "" || seen[w] {
			return
		}
		seen[w] = true
		out = append(out, w)
	}
	var needsBaseline bool
	visit := func(conds []domain.Condition) {
		for _, c := range conds {
			add(c.TimeWindow)
			if c.Operator.Family() == domain.FamilyStatistical {
				needsBaseline = true
			}
		}
	}
	var walk func(groups []domain.ConditionGroup, depth int)
	walk = func(groups []domain.ConditionGroup, depth int) {
		if depth > domain.MaxGroupDepth {
			return
		}
		for _, g := range groups {
			visit(g.Conditions)
			walk(g.Groups, depth+1)
		}
	}
	if len(f.ConditionGroups) > 0 {
		walk(f.ConditionGroups, 1)
	} else {
		visit(f.Conditions)
	}
	if needsBaseline {
		add(e.config().Optimizer.BaselineWindow)
	}
	return out
}
