// Package agent talks to the Meta agent service that owns the ad account.
// Every external payload is normalized into domain types at this boundary.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"adpilot/internal/domain"
	"adpilot/internal/telemetry"
)

const (
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	maxBody = 8 << 20
)

// Client is the agent HTTP client. It never retries.
type Client struct {
	BaseURL      string
	Token        string
	HTTPClient   *http.Client
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MinorUnits reports whether budgets travel in cents. Defaults to true
	// through New.
	MinorUnits bool
	Log        *slog.Logger
}

// New creates a client with the default timeouts.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:      baseURL,
		Token:        token,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		MinorUnits:   true,
	}
}

// FetchOptions select the insights period. Windows names extra date presets
// fetched and merged into AdSetSnapshot.Windows.
type FetchOptions struct {
	DatePreset string
	Windows    []string
}

// PlatformRule is the payload of POST /meta/rules. Evaluation, execution and
// schedule blocks are passed through as JSON.
type PlatformRule struct {
	Name           string `json:"name"`
	EvaluationSpec any    `json:"evaluation_spec"`
	ExecutionSpec  any    `json:"execution_spec"`
	ScheduleSpec   any    `json:"schedule_spec,omitempty"`
	Status         string `json:"status,omitempty"`
}

// ListAdSets fetches the campaign population once. Extra windows are best
// effort: a failed window is logged and left out.
func (c *Client) ListAdSets(ctx context.Context, campaignID string, opts FetchOptions) ([]domain.AdSetSnapshot, error) {
	preset := opts.DatePreset
	if preset == "" {
		preset = "last_30d"
	}
	raw, err := c.fetchAdSets(ctx, campaignID, preset)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AdSetSnapshot, 0, len(raw))
	index := make(map[string]int, len(raw))
	for _, r := range raw {
		a := Normalize(r, NormalizeOptions{MinorUnits: c.MinorUnits, CampaignID: campaignID, DatePreset: preset})
		index[a.ID] = len(out)
		out = append(out, a)
	}
	for _, w := range opts.Windows {
		if w == "" {
			continue
		}
		extra, err := c.fetchAdSets(ctx, campaignID, w)
		if err != nil {
			c.logger().Warn("window fetch failed", "campaign_id", campaignID, "window", w, "err", err)
			continue
		}
		for _, r := range extra {
			a := Normalize(r, NormalizeOptions{MinorUnits: c.MinorUnits, CampaignID: campaignID, DatePreset: w})
			i, ok := index[a.ID]
			if !ok || a.Performance == nil {
				continue
			}
			if out[i].Windows == nil {
				out[i].Windows = map[string]map[string]float64{}
			}
			out[i].Windows[w] = WindowMetrics(a.Performance)
		}
	}
	return out, nil
}

func (c *Client) fetchAdSets(ctx context.Context, campaignID, preset string) ([]map[string]any, error) {
	endpoint := fmt.Sprintf("meta/campaigns/%s/adsets?date_preset=%s", url.PathEscape(campaignID), url.QueryEscape(preset))
	var body any
	if err := c.do(ctx, "list_adsets", http.MethodGet, endpoint, nil, &body); err != nil {
		return nil, err
	}
	return ExtractList(body), nil
}

// UpdateAdSetStatus sets the delivery status of one ad set.
func (c *Client) UpdateAdSetStatus(ctx context.Context, adSetID string, status domain.AdSetStatus) error {
	body := map[string]any{"status": string(status)}
	endpoint := fmt.Sprintf("meta/adsets/%s/status", url.PathEscape(adSetID))
	return c.do(ctx, "update_status", http.MethodPut, endpoint, body, nil)
}

// UpdateAdSetBudget sets budgets given in currency units. Nil budgets are not
// sent.
func (c *Client) UpdateAdSetBudget(ctx context.Context, adSetID string, daily, lifetime *float64) error {
	body := map[string]any{}
	if daily != nil {
		body["daily_budget"] = c.wireBudget(*daily)
	}
	if lifetime != nil {
		body["lifetime_budget"] = c.wireBudget(*lifetime)
	}
	endpoint := fmt.Sprintf("meta/adsets/%s/budget", url.PathEscape(adSetID))
	return c.do(ctx, "update_budget", http.MethodPut, endpoint, body, nil)
}

func (c *Client) wireBudget(v float64) any {
	if c.MinorUnits {
		return int64(math.Round(v * 100))
	}
	return v
}

// CreatePlatformRule registers an automated rule with the ad platform and
// returns the platform rule id when the agent reports one.
func (c *Client) CreatePlatformRule(ctx context.Context, rule PlatformRule) (string, error) {
	var resp struct {
		Data map[string]any `json:"data"`
	}
	if err := c.do(ctx, "create_rule", http.MethodPost, "meta/rules", rule, &resp); err != nil {
		return "", err
	}
	return str(resp.Data["id"]), nil
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body any, out any) (err error) {
	start := time.Now()
	defer func() { telemetry.AgentRequest(op, start, err == nil) }()

	timeout := c.WriteTimeout
	if method == http.MethodGet {
		timeout = c.ReadTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return transportError(op, err)
	}
	if resp.StatusCode >= 300 {
		return &Error{Kind: KindRemoteStatus, Op: op, Status: resp.StatusCode, Message: ExtractErrorMessage(raw)}
	}

	var doc any
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return &Error{Kind: KindRemoteEnvelope, Op: op, Status: resp.StatusCode, Message: "invalid JSON response", Err: err}
		}
	}
	if env, ok := doc.(map[string]any); ok {
		if s, _ := env["status"].(string); strings.EqualFold(s, "error") {
			msg := messageFrom(env)
			if msg == "" {
				msg = "unknown agent error"
			}
			return &Error{Kind: KindRemoteEnvelope, Op: op, Status: resp.StatusCode, Message: msg}
		}
	}
	if out == nil || doc == nil {
		return nil
	}
	if p, ok := out.(*any); ok {
		*p = doc
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &Error{Kind: KindRemoteEnvelope, Op: op, Status: resp.StatusCode, Message: "unexpected response shape", Err: err}
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}
