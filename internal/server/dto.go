package server

import (
	"encoding/json"

	"adpilot/internal/agent"
	"adpilot/internal/domain"
	"adpilot/internal/engine"
)

// AdSetPayload is an ad set in the agent's wire shape. It goes through the
// same normalization as fetched ad sets.
type AdSetPayload = map[string]any

type EvaluateRequest struct {
	Filter     domain.FilterExpression `json:"filter"`
	AdSets     []AdSetPayload          `json:"ad_sets"`
	MinorUnits bool                    `json:"minor_units,omitempty" doc:"Budgets in the payload are in cents"`
}

type StatisticsRequest struct {
	AdSets     []AdSetPayload `json:"ad_sets"`
	Metrics    []string       `json:"metrics,omitempty"`
	MinorUnits bool           `json:"minor_units,omitempty"`
}

type RecommendationsRequest struct {
	CampaignID string                `json:"campaign_id,omitempty"`
	AdSets     []AdSetPayload        `json:"ad_sets"`
	Hourly     []domain.BreakdownRow `json:"hourly,omitempty"`
	Platforms  []domain.BreakdownRow `json:"platforms,omitempty"`
	Config     *domain.ModuleConfig  `json:"config,omitempty"`
	MinorUnits bool                  `json:"minor_units,omitempty"`
}

type RecommendationsResponse struct {
	CampaignID      string                  `json:"campaign_id,omitempty"`
	Recommendations []domain.Recommendation `json:"recommendations"`
}

type GenerateRequest struct {
	Prompt     string `json:"prompt" minLength:"1"`
	CampaignID string `json:"campaign_id,omitempty"`
	DatePreset string `json:"date_preset,omitempty"`
	Save       bool   `json:"save,omitempty"`
}

type paginatedRules struct {
	Items []domain.Rule `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func normalizeAdSets(raw []AdSetPayload, minorUnits bool, campaignID string) []domain.AdSetSnapshot {
	out := make([]domain.AdSetSnapshot, 0, len(raw))
	for _, r := range raw {
		out = append(out, agent.Normalize(r, agent.NormalizeOptions{MinorUnits: minorUnits, CampaignID: campaignID}))
	}
	return out
}

func moduleConfig(c *domain.ModuleConfig) domain.ModuleConfig {
	if c == nil {
		return domain.ModuleConfig{}
	}
	return *c
}

// positive maps an unset numeric query parameter to nil.
func positive(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}

func previewResponse(p engine.Preview) engine.Preview {
	if p.Matches == nil {
		p.Matches = []domain.AdSetSnapshot{}
	}
	return p
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
