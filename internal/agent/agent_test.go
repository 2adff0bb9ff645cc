package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adpilot/internal/domain"
)

const adSetsBody = `{
  "status": "success",
  "campaign_id": "c1",
  "ad_sets": [
    {
      "id": "120200000000000001",
      "name": "Broad",
      "status": "ACTIVE",
      "daily_budget": "5000",
      "targeting": {"age_min": 18, "publisher_platforms": ["facebook", "instagram"]},
      "pacing_type": ["standard"],
      "performance_metrics": {
        "spend": "120.50",
        "impressions": "10000",
        "clicks": "300",
        "frequency": "1.8",
        "inline_link_clicks": "200",
        "actions": [{"action_type": "link_click", "value": "210"}, {"action_type": "purchase", "value": "4"}],
        "action_values": [{"action_type": "purchase", "value": "482"}]
      }
    },
    {"id": "2", "name": "No insights", "status": "PAUSED", "performance_metrics": {}}
  ],
  "summary": {"total_ad_sets": 2}
}`

func newTestClient(srv *httptest.Server) *Client {
	c := New(srv.URL, "secret")
	c.HTTPClient = srv.Client()
	return c
}

func TestListAdSetsNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/meta/campaigns/c1/adsets", r.URL.Path)
		assert.Equal(t, "last_7d", r.URL.Query().Get("date_preset"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, adSetsBody)
	}))
	defer srv.Close()

	got, err := newTestClient(srv).ListAdSets(context.Background(), "c1", FetchOptions{DatePreset: "last_7d"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	a := got[0]
	assert.Equal(t, "120200000000000001", a.ID)
	assert.Equal(t, "c1", a.CampaignID)
	require.NotNil(t, a.DailyBudget)
	assert.Equal(t, 50.0, *a.DailyBudget)
	assert.Equal(t, 7, a.InsightDays)
	require.NotNil(t, a.Performance)
	assert.Equal(t, 120.5, a.Performance.Spend)
	require.NotNil(t, a.Performance.InlineLinkClicks)
	assert.Equal(t, 200.0, *a.Performance.InlineLinkClicks)
	v, ok := a.Performance.Action("purchase")
	assert.True(t, ok)
	assert.Equal(t, 4.0, v)
	assert.Contains(t, a.Attributes, "targeting")
	assert.NotContains(t, a.Attributes, "performance_metrics")

	assert.Nil(t, got[1].Performance)
	assert.Nil(t, got[1].DailyBudget)
}

func TestExtractListAlternateShapes(t *testing.T) {
	cases := map[string]string{
		"ad_sets":      `{"ad_sets": [{"id": "1"}]}`,
		"adsets":       `{"adsets": [{"id": "1"}]}`,
		"data":         `{"data": [{"id": "1"}]}`,
		"items":        `{"items": [{"id": "1"}]}`,
		"data.ad_sets": `{"data": {"ad_sets": [{"id": "1"}]}}`,
		"bare":         `[{"id": "1"}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var doc any
			require.NoError(t, json.Unmarshal([]byte(body), &doc))
			list := ExtractList(doc)
			require.Len(t, list, 1)
			assert.Equal(t, "1", list[0]["id"])
		})
	}
	var doc any
	require.NoError(t, json.Unmarshal([]byte(`{"status": "success"}`), &doc))
	assert.Empty(t, ExtractList(doc))
}

func TestInsightsListFallback(t *testing.T) {
	raw := map[string]any{
		"id":       "1",
		"insights": map[string]any{"data": []any{map[string]any{"spend": "9.5"}}},
	}
	a := Normalize(raw, NormalizeOptions{})
	require.NotNil(t, a.Performance)
	assert.Equal(t, 9.5, a.Performance.Spend)
	assert.Nil(t, a.Attributes)
}

func TestWindowsAreMerged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("date_preset") {
		case "last_30d":
			_, _ = io.WriteString(w, `{"status":"success","ad_sets":[{"id":"1","performance_metrics":{"spend":"300","ctr":"1.2"}}]}`)
		case "last_7d":
			_, _ = io.WriteString(w, `{"status":"success","ad_sets":[{"id":"1","performance_metrics":{"spend":"80","ctr":"0.8"}}]}`)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	got, err := newTestClient(srv).ListAdSets(context.Background(), "c1", FetchOptions{
		DatePreset: "last_30d",
		Windows:    []string{"last_7d", "last_14d"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.8, got[0].Windows["last_7d"]["ctr"])
	assert.Equal(t, 80.0, got[0].Windows["last_7d"]["spend"])
	assert.NotContains(t, got[0].Windows, "last_14d")
}

func TestEnvelopeErrorOnHTTP200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"error","message":"Failed to update ad set 1 status","error_details":"Meta API Error 100: Invalid parameter"}`)
	}))
	defer srv.Close()

	err := newTestClient(srv).UpdateAdSetStatus(context.Background(), "1", domain.StatusPaused)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoteEnvelope))
	var agentErr *Error
	require.True(t, errors.As(err, &agentErr))
	assert.Equal(t, KindRemoteEnvelope, agentErr.Kind)
	assert.Contains(t, err.Error(), "Invalid parameter")
}

func TestRemoteStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":100,"message":"Invalid status","error_subcode":33}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ListAdSets(context.Background(), "c1", FetchOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoteStatus))
	var agentErr *Error
	require.True(t, errors.As(err, &agentErr))
	assert.Equal(t, http.StatusBadRequest, agentErr.Status)
	assert.Equal(t, "Meta API Error 100: Invalid status (Subcode: 33)", agentErr.Message)
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(srv)
	c.ReadTimeout = 50 * time.Millisecond
	_, err := c.ListAdSets(context.Background(), "c1", FetchOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}

func TestConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := New("http://"+addr, "")
	_, err = c.ListAdSets(context.Background(), "c1", FetchOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionRefused), "got %v", err)
}

func TestTransportFailureKinds(t *testing.T) {
	dnsErr := &net.DNSError{Err: "no such host", Name: "agent.internal", IsNotFound: true}
	err := error(transportError("list_adsets", &net.OpError{Op: "dial", Net: "tcp", Err: dnsErr}))
	var agentErr *Error
	require.True(t, errors.As(err, &agentErr))
	assert.Equal(t, KindTransport, agentErr.Kind)
	assert.False(t, errors.Is(err, ErrConnectionRefused))
	assert.True(t, errors.Is(err, ErrTransport))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"success","ad_sets":[]}`)
	}))
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newTestClient(srv).ListAdSets(ctx, "c1", FetchOptions{})
	require.True(t, errors.As(err, &agentErr))
	assert.Equal(t, KindCanceled, agentErr.Kind)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBudgetAndStatusPayloads(t *testing.T) {
	var mu sync.Mutex
	bodies := map[string]map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		bodies[r.URL.Path] = body
		mu.Unlock()
		_, _ = io.WriteString(w, `{"status":"success"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	daily := 42.5
	require.NoError(t, c.UpdateAdSetBudget(context.Background(), "9", &daily, nil))
	require.NoError(t, c.UpdateAdSetStatus(context.Background(), "9", domain.StatusActive))

	assert.Equal(t, map[string]any{"daily_budget": 4250.0}, bodies["/meta/adsets/9/budget"])
	assert.Equal(t, map[string]any{"status": "ACTIVE"}, bodies["/meta/adsets/9/status"])
}

func TestCreatePlatformRule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/meta/rules", r.URL.Path)
		var rule PlatformRule
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rule))
		assert.Equal(t, "Pause losers", rule.Name)
		_, _ = io.WriteString(w, `{"status":"success","data":{"id":23851234567890123}}`)
	}))
	defer srv.Close()

	id, err := newTestClient(srv).CreatePlatformRule(context.Background(), PlatformRule{
		Name:           "Pause losers",
		EvaluationSpec: map[string]any{"evaluation_type": "SCHEDULE"},
		ExecutionSpec:  map[string]any{"execution_type": "PAUSE"},
	})
	require.NoError(t, err)
	assert.Equal(t, "23851234567890123", id)
}

func TestExtractErrorMessage(t *testing.T) {
	assert.Equal(t, "boom", ExtractErrorMessage([]byte(`{"detail":"boom"}`)))
	assert.Equal(t, "bad", ExtractErrorMessage([]byte(`{"error":"bad"}`)))
	assert.Equal(t, "plain failure", ExtractErrorMessage([]byte("plain failure")))
	assert.Equal(t, "", ExtractErrorMessage(nil))
	assert.Equal(t, "oops", ExtractErrorMessage([]byte(`{"status":"error","message":"oops"}`)))
}
