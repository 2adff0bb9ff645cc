// Package rulegen drafts rules from a natural-language request using a
// Gemini model. Drafts are validated before they are returned.
package rulegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"adpilot/internal/domain"
	"adpilot/internal/signal"
)

// ErrGenerationFailed wraps every failure to obtain a valid draft.
var ErrGenerationFailed = errors.New("rule generation failed")

const maxContextAdSets = 25

// Request describes what the caller wants. AdSets give the model the
// campaign's current numbers.
type Request struct {
	Prompt     string                 `json:"prompt"`
	CampaignID string                 `json:"campaign_id,omitempty"`
	AdSets     []domain.AdSetSnapshot `json:"ad_sets,omitempty"`
}

// GeneratedRule is a validated draft; it is not persisted.
type GeneratedRule struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Filter      domain.FilterExpression `json:"filter"`
	Action      domain.RuleAction       `json:"action"`
	Explanation string                  `json:"explanation,omitempty"`
}

// textModel returns the raw text of one completion.
type textModel interface {
	generate(ctx context.Context, prompt string) (string, error)
}

type geminiModel struct {
	model *genai.GenerativeModel
}

func (g geminiModel) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("no content returned from model")
	}
	text, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return "", fmt.Errorf("response part is not text, received %T", resp.Candidates[0].Content.Parts[0])
	}
	return string(text), nil
}

// Generator drafts rules.
type Generator struct {
	model  textModel
	client *genai.Client
	Log    *slog.Logger
}

// NewGemini connects to the Gemini API with an API key.
func NewGemini(ctx context.Context, apiKey, modelName string) (*Generator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: api key is not configured", ErrGenerationFailed)
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("genai client init failed: %w", err)
	}
	model := client.GenerativeModel(modelName)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	temp := float32(0.2)
	model.Temperature = &temp
	return &Generator{model: geminiModel{model: model}, client: client}, nil
}

// Close releases the underlying client.
func (g *Generator) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *Generator) logger() *slog.Logger {
	if g.Log != nil {
		return g.Log
	}
	return slog.Default()
}

// Generate asks the model for a draft and validates it.
func (g *Generator) Generate(ctx context.Context, req Request) (GeneratedRule, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return GeneratedRule{}, fmt.Errorf("%w: prompt is required", ErrGenerationFailed)
	}
	text, err := g.model.generate(ctx, BuildPrompt(req))
	if err != nil {
		return GeneratedRule{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	rule, err := Parse(text)
	if err != nil {
		g.logger().Warn("model returned an unusable rule", "err", err, "response_length", len(text))
		return GeneratedRule{}, err
	}
	return rule, nil
}

const systemPrompt = `You write automation rules for Meta ad sets.
Answer with a single JSON object and nothing else:
{"name": string, "description": string, "explanation": string,
 "filter": {"logical_operator": "AND"|"OR", "conditions": [{"field": string, "operator": string, "value": any, "value2": any}],
            "condition_groups": [{"logical_operator": "AND"|"OR", "conditions": [...], "groups": [...]}]},
 "action": {"type": "PAUSE"|"ACTIVATE"|"CHANGE_BUDGET", "daily_budget": number}}
Budgets and money values are in the account currency, not cents.`

// BuildPrompt renders the user request with the field catalogue and a summary
// of the campaign's ad sets.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Request: ")
	b.WriteString(strings.TrimSpace(req.Prompt))
	b.WriteString("\n\nFields: spend, impressions, clicks, ctr, cpc, cpm, reach, frequency, conversions, ")
	b.WriteString("cost_per_conversion, conversion_rate, roas, status, name, daily_budget, created_time.\n")
	b.WriteString("Operators: ")
	b.WriteString(strings.Join(operatorNames(), ", "))
	b.WriteString(".\n")
	if req.CampaignID != "" {
		fmt.Fprintf(&b, "\nCampaign: %s\n", req.CampaignID)
	}
	if len(req.AdSets) > 0 {
		b.WriteString("\nAd sets (id | name | status | spend | conversions | cpa | roas | ctr | frequency):\n")
		for i, a := range req.AdSets {
			if i == maxContextAdSets {
				fmt.Fprintf(&b, "... %d more\n", len(req.AdSets)-maxContextAdSets)
				break
			}
			s := signal.Extract(a.Performance)
			fmt.Fprintf(&b, "%s | %s | %s | %.2f | %.0f | %.2f | %.2f | %.2f | %.2f\n",
				a.ID, a.Name, a.Status, s.Spend, s.Conversions, s.CPA, s.ROAS, s.CTR, s.Frequency)
		}
	}
	return b.String()
}

func operatorNames() []string {
	ops := []domain.Operator{
		domain.OpEquals, domain.OpNotEquals, domain.OpGreaterThan, domain.OpGreaterThanOrEqual,
		domain.OpLessThan, domain.OpLessThanOrEqual, domain.OpBetween, domain.OpNotBetween,
		domain.OpContains, domain.OpNotContains, domain.OpStartsWith, domain.OpEndsWith,
		domain.OpIn, domain.OpNotIn, domain.OpIsNull, domain.OpIsNotNull,
		domain.OpDaysAgoGreater, domain.OpDaysAgoLess,
		domain.OpAboveAverage, domain.OpBelowAverage, domain.OpAboveMedian, domain.OpBelowMedian,
		domain.OpAbovePercentile, domain.OpBelowPercentile,
	}
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = string(op)
	}
	return out
}

// Parse decodes and validates model output. Markdown code fences are
// stripped and a bare action string is accepted.
func Parse(text string) (GeneratedRule, error) {
	text = stripFences(text)
	var raw struct {
		Name        string                  `json:"name"`
		Description string                  `json:"description"`
		Filter      domain.FilterExpression `json:"filter"`
		Action      json.RawMessage         `json:"action"`
		Explanation string                  `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return GeneratedRule{}, fmt.Errorf("%w: response is not JSON: %v", ErrGenerationFailed, err)
	}
	rule := GeneratedRule{
		Name:        strings.TrimSpace(raw.Name),
		Description: raw.Description,
		Filter:      raw.Filter,
		Explanation: raw.Explanation,
	}
	var actionType string
	if err := json.Unmarshal(raw.Action, &actionType); err == nil {
		rule.Action = domain.RuleAction{Type: domain.ActionType(strings.ToUpper(actionType))}
	} else if len(raw.Action) > 0 {
		if err := json.Unmarshal(raw.Action, &rule.Action); err != nil {
			return GeneratedRule{}, fmt.Errorf("%w: invalid action: %v", ErrGenerationFailed, err)
		}
		rule.Action.Type = domain.ActionType(strings.ToUpper(string(rule.Action.Type)))
	}
	if err := Validate(rule); err != nil {
		return GeneratedRule{}, err
	}
	return rule, nil
}

// Validate checks the fields every draft must carry.
func Validate(rule GeneratedRule) error {
	if rule.Name == "" {
		return fmt.Errorf("%w: name is missing", ErrGenerationFailed)
	}
	if rule.Filter.IsEmpty() {
		return fmt.Errorf("%w: filter is empty", ErrGenerationFailed)
	}
	if err := rule.Filter.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if err := rule.Action.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
