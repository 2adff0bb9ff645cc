package adpilotsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal adpilot HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when the server runs without bearer auth.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  60 * time.Second,
	}
}

// Condition is one predicate of a filter.
type Condition struct {
	Field      string `json:"field"`
	Operator   string `json:"operator"`
	Value      any    `json:"value,omitempty"`
	Value2     any    `json:"value2,omitempty"`
	TimeWindow string `json:"time_window,omitempty"`
}

// ConditionGroup nests conditions under their own logical operator.
type ConditionGroup struct {
	Conditions      []Condition      `json:"conditions,omitempty"`
	Groups          []ConditionGroup `json:"groups,omitempty"`
	LogicalOperator string           `json:"logical_operator,omitempty"`
}

// Filter is a rule's filter expression.
type Filter struct {
	Conditions      []Condition      `json:"conditions,omitempty"`
	ConditionGroups []ConditionGroup `json:"condition_groups,omitempty"`
	LogicalOperator string           `json:"logical_operator,omitempty"`
}

// Action is what a rule does to matched ad sets. Budgets are currency units.
type Action struct {
	Type           string   `json:"type"`
	DailyBudget    *float64 `json:"daily_budget,omitempty"`
	LifetimeBudget *float64 `json:"lifetime_budget,omitempty"`
}

// RuleInput creates a rule.
type RuleInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CampaignID  string `json:"campaign_id"`
	Filter      Filter `json:"filter"`
	Action      Action `json:"action"`
	DatePreset  string `json:"date_preset,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// Rule represents the API rule model (partial).
type Rule struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	CampaignID       string  `json:"campaign_id"`
	Filter           Filter  `json:"filter"`
	Action           Action  `json:"action"`
	ExecutionMode    string  `json:"execution_mode"`
	DatePreset       string  `json:"date_preset"`
	Enabled          bool    `json:"enabled"`
	PlatformRuleID   *string `json:"platform_rule_id,omitempty"`
	ExecutionCount   int     `json:"execution_count"`
	LastMatchedCount int     `json:"last_matched_count"`
	LastAction       string  `json:"last_action,omitempty"`
	UpdatedAt        string  `json:"updated_at"`
}

// AdSet is an ad set as returned by the API (partial). Metrics stay raw.
type AdSet struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      string         `json:"status,omitempty"`
	DailyBudget *float64       `json:"daily_budget,omitempty"`
	Performance map[string]any `json:"performance_metrics,omitempty"`
}

// MatchOutcome is the result of acting on one matched ad set.
type MatchOutcome struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ExecutionReport summarizes a rule run.
type ExecutionReport struct {
	RuleID          string         `json:"rule_id,omitempty"`
	CampaignID      string         `json:"campaign_id"`
	Action          string         `json:"action"`
	ExecutedAt      string         `json:"executed_at"`
	DryRun          bool           `json:"dry_run"`
	TotalAdSets     int            `json:"total_ad_sets"`
	MatchedCount    int            `json:"matched_count"`
	SuccessfulCount int            `json:"successful_count"`
	FailedCount     int            `json:"failed_count"`
	HasErrors       bool           `json:"has_errors"`
	ErrorSummary    string         `json:"error_summary,omitempty"`
	Results         []MatchOutcome `json:"results"`
}

// Preview is a dry run of a rule.
type Preview struct {
	Report  ExecutionReport `json:"report"`
	Matches []AdSet         `json:"matches"`
}

// EvaluateResult is the outcome of POST /evaluate.
type EvaluateResult struct {
	Total   int     `json:"total"`
	Matches []AdSet `json:"matches"`
}

// Recommendation is one detector finding.
type Recommendation struct {
	ID              string  `json:"id"`
	Type            string  `json:"type"`
	Priority        string  `json:"priority"`
	EntityID        string  `json:"entity_id"`
	EntityName      string  `json:"entity_name"`
	DetectedValue   float64 `json:"detected_value"`
	BenchmarkValue  float64 `json:"benchmark_value"`
	Message         string  `json:"message"`
	SuggestedAction string  `json:"suggested_action,omitempty"`
	Confidence      float64 `json:"confidence"`
	Module          string  `json:"module"`
}

// Analysis is the outcome of a live campaign analysis.
type Analysis struct {
	CampaignID      string           `json:"campaign_id"`
	AdSetCount      int              `json:"ad_set_count"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRule creates a rule.
func (c *Client) CreateRule(ctx context.Context, in RuleInput) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPost, "rules", in, &resp)
	return resp, err
}

// ListRules returns rules, optionally for one campaign.
func (c *Client) ListRules(ctx context.Context, campaignID string) ([]Rule, error) {
	endpoint := "rules"
	if campaignID != "" {
		endpoint += "?campaign_id=" + url.QueryEscape(campaignID)
	}
	var resp struct {
		Items []Rule `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetRule fetches a rule by id.
func (c *Client) GetRule(ctx context.Context, id string) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodGet, "rules/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// DeleteRule deletes a rule.
func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "rules/"+url.PathEscape(id), nil, nil)
}

// ExecuteRule runs a rule against its live campaign.
func (c *Client) ExecuteRule(ctx context.Context, id string) (ExecutionReport, error) {
	var resp ExecutionReport
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("rules/%s/execute", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// PreviewRule dry-runs a rule.
func (c *Client) PreviewRule(ctx context.Context, id string) (Preview, error) {
	var resp Preview
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("rules/%s/preview", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ExportRule creates the rule on the platform.
func (c *Client) ExportRule(ctx context.Context, id string) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("rules/%s/export", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Evaluate filters ad sets supplied in the agent's wire shape.
func (c *Client) Evaluate(ctx context.Context, f Filter, adSets []map[string]any) (EvaluateResult, error) {
	body := map[string]any{"filter": f, "ad_sets": adSets}
	var resp EvaluateResult
	err := c.do(ctx, http.MethodPost, "evaluate", body, &resp)
	return resp, err
}

// Recommendations analyzes a live campaign. A zero targetCPA uses the
// server's configured target.
func (c *Client) Recommendations(ctx context.Context, campaignID string, targetCPA float64) (Analysis, error) {
	endpoint := fmt.Sprintf("campaigns/%s/recommendations", url.PathEscape(campaignID))
	if targetCPA > 0 {
		endpoint = fmt.Sprintf("%s?target_cpa=%g", endpoint, targetCPA)
	}
	var resp Analysis
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	bp := strings.Trim(c.BasePath, "/")
	base := strings.TrimRight(c.BaseURL, "/")
	if bp == "" {
		return base
	}
	return base + "/" + bp
}
