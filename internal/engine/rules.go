package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"adpilot/internal/domain"
	"adpilot/internal/events"
	"adpilot/internal/repo"
)

// RuleInput carries the definition fields of a new rule.
type RuleInput struct {
	Name        string                  `json:"name" yaml:"name"`
	Description string                  `json:"description,omitempty" yaml:"description,omitempty"`
	CampaignID  string                  `json:"campaign_id" yaml:"campaign_id"`
	Filter      domain.FilterExpression `json:"filter" yaml:"filter"`
	Action      domain.RuleAction       `json:"action" yaml:"action"`
	DatePreset  string                  `json:"date_preset,omitempty" yaml:"date_preset,omitempty"`
	Enabled     *bool                   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// RuleUpdate changes only the fields that are set.
type RuleUpdate struct {
	Name        *string                  `json:"name,omitempty"`
	Description *string                  `json:"description,omitempty"`
	CampaignID  *string                  `json:"campaign_id,omitempty"`
	Filter      *domain.FilterExpression `json:"filter,omitempty"`
	Action      *domain.RuleAction       `json:"action,omitempty"`
	DatePreset  *string                  `json:"date_preset,omitempty"`
	Enabled     *bool                    `json:"enabled,omitempty"`
}

func validateRule(r domain.Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.TrimSpace(r.CampaignID) == "" {
		return fmt.Errorf("%w: campaign_id is required", ErrInvalid)
	}
	if err := r.Filter.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := r.Action.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !domain.ValidDatePreset(r.DatePreset) {
		return fmt.Errorf("%w: date_preset %q is not supported", ErrInvalid, r.DatePreset)
	}
	return nil
}

func (e Engine) CreateRule(ctx context.Context, in RuleInput, actorID string) (domain.Rule, error) {
	now := e.timestamp()
	rule := domain.Rule{
		ID:            uuid.NewString(),
		Name:          strings.TrimSpace(in.Name),
		Description:   in.Description,
		CampaignID:    strings.TrimSpace(in.CampaignID),
		Filter:        in.Filter,
		Action:        in.Action,
		ExecutionMode: domain.ModeManual,
		DatePreset:    in.DatePreset,
		Enabled:       in.Enabled == nil || *in.Enabled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if rule.DatePreset == "" {
		rule.DatePreset = e.config().DatePreset()
	}
	if err := validateRule(rule); err != nil {
		return domain.Rule{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Rule{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRule(ctx, tx, rule); err != nil {
		return domain.Rule{}, fmt.Errorf("insert rule: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.RuleCreated, "rule", rule.ID, actorID, events.EventPayload{
		"name": rule.Name, "campaign_id": rule.CampaignID, "action": rule.Action.Type,
	}); err != nil {
		return domain.Rule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Rule{}, err
	}
	return rule, nil
}

func (e Engine) UpdateRule(ctx context.Context, id string, up RuleUpdate, actorID string) (domain.Rule, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Rule{}, err
	}
	defer tx.Rollback()

	rule, err := e.Repo.GetRuleTx(ctx, tx, id)
	if err != nil {
		return domain.Rule{}, err
	}
	var changed []string
	if up.Name != nil {
		rule.Name = strings.TrimSpace(*up.Name)
		changed = append(changed, "name")
	}
	if up.Description != nil {
		rule.Description = *up.Description
		changed = append(changed, "description")
	}
	if up.CampaignID != nil {
		rule.CampaignID = strings.TrimSpace(*up.CampaignID)
		changed = append(changed, "campaign_id")
	}
	if up.Filter != nil {
		rule.Filter = *up.Filter
		changed = append(changed, "filter")
	}
	if up.Action != nil {
		rule.Action = *up.Action
		changed = append(changed, "action")
	}
	if up.DatePreset != nil {
		rule.DatePreset = *up.DatePreset
		changed = append(changed, "date_preset")
	}
	if up.Enabled != nil {
		rule.Enabled = *up.Enabled
		changed = append(changed, "enabled")
	}
	if len(changed) == 0 {
		return rule, nil
	}
	// An exported rule no longer mirrors its platform copy once the
	// definition changes.
	if rule.PlatformRuleID != nil && (up.Filter != nil || up.Action != nil || up.CampaignID != nil) {
		rule.PlatformRuleID = nil
		rule.ExecutionMode = domain.ModeManual
	}
	if err := validateRule(rule); err != nil {
		return domain.Rule{}, err
	}
	rule.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateRule(ctx, tx, rule); err != nil {
		return domain.Rule{}, err
	}
	if err := e.writer().Append(ctx, tx, events.RuleUpdated, "rule", rule.ID, actorID, events.EventPayload{"fields": changed}); err != nil {
		return domain.Rule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Rule{}, err
	}
	return rule, nil
}

func (e Engine) DeleteRule(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rule, err := e.Repo.GetRuleTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteRule(ctx, tx, id); err != nil {
		return err
	}
	if err := e.writer().Append(ctx, tx, events.RuleDeleted, "rule", id, actorID, events.EventPayload{"name": rule.Name}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetRule(ctx context.Context, id string) (domain.Rule, error) {
	return e.Repo.GetRule(ctx, id)
}

func (e Engine) ListRules(ctx context.Context, f repo.RuleFilters) ([]domain.Rule, error) {
	return e.Repo.ListRules(ctx, f)
}
