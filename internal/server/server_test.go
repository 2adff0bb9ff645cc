package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adpilot/internal/agent"
	"adpilot/internal/config"
	"adpilot/internal/db"
	"adpilot/internal/domain"
	"adpilot/internal/engine"
	"adpilot/internal/migrate"
)

// fakeMetaAgent serves the agent endpoints for campaign c1.
type fakeMetaAgent struct {
	mu       sync.Mutex
	statuses map[string]string
	server   *httptest.Server
}

func newFakeMetaAgent(t *testing.T) *fakeMetaAgent {
	t.Helper()
	f := &fakeMetaAgent{statuses: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /meta/campaigns/{id}/adsets", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"success","ad_sets":[
			{"id":"1","name":"Lookalike","status":"ACTIVE","daily_budget":"5000","performance_metrics":{"spend":"10","impressions":"1000","clicks":"20"}},
			{"id":"2","name":"Broad","status":"ACTIVE","daily_budget":"5000","performance_metrics":{"spend":"80","impressions":"1000","clicks":"20"}},
			{"id":"3","name":"Interests","status":"ACTIVE","daily_budget":"5000","performance_metrics":{"spend":"120","impressions":"1000","clicks":"20"}},
			{"id":"4","name":"Retargeting","status":"ACTIVE","daily_budget":"5000","performance_metrics":{"spend":"30","impressions":"1000","clicks":"20"}},
			{"id":"5","name":"Advantage+","status":"ACTIVE","daily_budget":"5000","performance_metrics":{"spend":"200","impressions":"1000","clicks":"20"}}
		]}`)
	})
	mux.HandleFunc("PUT /meta/adsets/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		id := r.PathValue("id")
		w.Header().Set("Content-Type", "application/json")
		if id == "3" {
			io.WriteString(w, `{"status":"error","message":"Ad set is archived"}`)
			return
		}
		f.mu.Lock()
		f.statuses[id] = body["status"]
		f.mu.Unlock()
		io.WriteString(w, `{"status":"success"}`)
	})
	mux.HandleFunc("POST /meta/rules", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"success","data":{"id":"23851234567890123"}}`)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

type serverOptions struct {
	agentURL  string
	jwtSecret string
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	e := engine.New(conn, config.Default())
	if opts.agentURL != "" {
		c := agent.New(opts.agentURL, "agent-token")
		c.ReadTimeout = 2 * time.Second
		c.WriteTimeout = 2 * time.Second
		e.Agent = c
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: opts.jwtSecret}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

var pauseSpenders = map[string]any{
	"name":        "Pause spenders",
	"campaign_id": "c1",
	"filter": map[string]any{
		"conditions": []any{map[string]any{"field": "spend", "operator": "greater_than", "value": 50}},
	},
	"action": map[string]any{"type": "PAUSE"},
}

func createRule(t *testing.T, srv *testServer, body any) domain.Rule {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rules", body, map[string]string{"X-Actor-Id": "alice"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var rule domain.Rule
	require.NoError(t, json.Unmarshal(data, &rule))
	return rule
}

func TestExecuteRuleEndToEnd(t *testing.T) {
	agentSrv := newFakeMetaAgent(t)
	srv := newTestServer(t, serverOptions{agentURL: agentSrv.server.URL})
	rule := createRule(t, srv, pauseSpenders)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rules/"+rule.ID+"/execute", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rep domain.ExecutionReport
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Equal(t, 5, rep.TotalAdSets)
	assert.Equal(t, 3, rep.MatchedCount)
	assert.Equal(t, 2, rep.SuccessfulCount)
	assert.Equal(t, 1, rep.FailedCount)
	assert.True(t, rep.HasErrors)
	assert.Equal(t, map[string]string{"2": "PAUSED", "5": "PAUSED"}, agentSrv.statuses)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/rules/"+rule.ID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var stored domain.Rule
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, 1, stored.ExecutionCount)
	assert.Equal(t, 3, stored.LastMatchedCount)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?type=rule.executed", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var evts paginatedEvents
	require.NoError(t, json.Unmarshal(data, &evts))
	require.Len(t, evts.Items, 1)
	assert.Equal(t, float64(3), evts.Items[0].Payload["matched"])

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "adpilot_agent_request_duration_seconds")
	assert.Contains(t, string(data), "adpilot_rule_executions_total")
}

func TestPreviewAndExport(t *testing.T) {
	agentSrv := newFakeMetaAgent(t)
	srv := newTestServer(t, serverOptions{agentURL: agentSrv.server.URL})
	rule := createRule(t, srv, pauseSpenders)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rules/"+rule.ID+"/preview", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var p engine.Preview
	require.NoError(t, json.Unmarshal(data, &p))
	assert.True(t, p.Report.DryRun)
	assert.Len(t, p.Matches, 3)
	assert.Empty(t, agentSrv.statuses)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rules/"+rule.ID+"/export", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var exported domain.Rule
	require.NoError(t, json.Unmarshal(data, &exported))
	require.NotNil(t, exported.PlatformRuleID)
	assert.Equal(t, "23851234567890123", *exported.PlatformRuleID)

	orRule := createRule(t, srv, map[string]any{
		"name": "Either", "campaign_id": "c1",
		"filter": map[string]any{"logical_operator": "OR", "conditions": []any{
			map[string]any{"field": "spend", "operator": "greater_than", "value": 50},
			map[string]any{"field": "ctr", "operator": "less_than", "value": 1},
		}},
		"action": map[string]any{"type": "PAUSE"},
	})
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rules/"+orRule.ID+"/export", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "not_exportable", errorCode(t, data))
}

func TestErrorMapping(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	deadURL := "http://" + ln.Addr().String()
	ln.Close()

	srv := newTestServer(t, serverOptions{agentURL: deadURL})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/rules/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))

	bad := map[string]any{
		"name": "x", "campaign_id": "c1",
		"filter": map[string]any{"conditions": []any{map[string]any{"field": "spend", "operator": "roughly", "value": 1}}},
		"action": map[string]any{"type": "PAUSE"},
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rules", bad, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, data))

	rule := createRule(t, srv, pauseSpenders)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rules/"+rule.ID+"/execute", nil, nil)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode, string(data))
	assert.Equal(t, "agent_error", errorCode(t, data))
	assert.Contains(t, string(data), string(agent.KindConnectionRefused))

	stored, err := srv.Engine.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.ExecutionCount)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rules/generate", map[string]any{"prompt": "pause losers"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "unavailable", errorCode(t, data))
}

func TestJWTAuth(t *testing.T) {
	srv := newTestServer(t, serverOptions{jwtSecret: "test-secret"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	latest, err := migrate.Latest()
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, latest, health["schema_version"])

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/rules", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	forged, err := SignToken("other-secret", "mallory", time.Hour, time.Now())
	require.NoError(t, err)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/rules", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	token, err := SignToken("test-secret", "bob", time.Hour, time.Now())
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rules", pauseSpenders, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?type=rule.created", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var evts paginatedEvents
	require.NoError(t, json.Unmarshal(data, &evts))
	require.Len(t, evts.Items, 1)
	assert.Equal(t, "bob", evts.Items[0].ActorID)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestStatelessEndpoints(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	adSets := []any{
		map[string]any{"id": "1", "name": "Cheap", "performance_metrics": map[string]any{"spend": "10", "clicks": "5"}},
		map[string]any{"id": "2", "name": "Mid", "performance_metrics": map[string]any{"spend": "40", "clicks": "5"}},
		map[string]any{"id": "3", "name": "Burner", "performance_metrics": map[string]any{"spend": "100", "clicks": "40"}},
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/evaluate", map[string]any{
		"ad_sets": adSets,
		"filter":  map[string]any{"conditions": []any{map[string]any{"field": "spend", "operator": "above_average"}}},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var ev engine.EvaluateResult
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Len(t, ev.Matches, 1)
	assert.Equal(t, "3", ev.Matches[0].ID)
	require.NotNil(t, ev.Statistics)
	assert.Equal(t, 50.0, ev.Statistics.Metrics["spend"].Average)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/evaluate", map[string]any{
		"ad_sets": adSets,
		"filter": map[string]any{"logical_operator": "OR", "conditions": []any{
			map[string]any{"field": "spend", "operator": "greater_than", "value": 50},
			map[string]any{"field": "spend", "operator": "bogus_op", "value": 1},
		}},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	ev = engine.EvaluateResult{}
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Len(t, ev.Matches, 1)
	assert.Equal(t, "3", ev.Matches[0].ID)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/statistics", map[string]any{
		"ad_sets": adSets, "metrics": []string{"spend", "roas"},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var st domain.CampaignStatistics
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, 40.0, st.Metrics["spend"].Median)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/recommendations", map[string]any{
		"campaign_id": "c1",
		"ad_sets":     adSets,
		"config":      map[string]any{"target_cpa": 20},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var recs RecommendationsResponse
	require.NoError(t, json.Unmarshal(data, &recs))
	require.NotEmpty(t, recs.Recommendations)
	assert.Equal(t, domain.PriorityCritical, recs.Recommendations[0].Priority)
	assert.Equal(t, "3", recs.Recommendations[0].EntityID)
}

func TestWebhookDeliveryIsSigned(t *testing.T) {
	type delivery struct {
		body      []byte
		signature string
		event     string
	}
	got := make(chan delivery, 4)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- delivery{body: body, signature: r.Header.Get(SignatureHeader), event: r.Header.Get("X-Adpilot-Event")}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	t.Setenv("TEST_WEBHOOK_SECRET", "hook-secret")
	srv := newTestServer(t, serverOptions{})
	d := newWebhookDispatcher(srv.Engine.Repo, []config.Webhook{{URL: receiver.URL, SecretEnv: "TEST_WEBHOOK_SECRET"}}, nil)
	ctx := context.Background()
	d.dispatchAll(ctx) // pins the cursor before any event exists

	rule := createRule(t, srv, pauseSpenders)
	d.dispatchAll(ctx)

	select {
	case dl := <-got:
		assert.Equal(t, "rule.created", dl.event)
		assert.True(t, VerifySignature("hook-secret", dl.body, dl.signature))
		assert.True(t, strings.HasPrefix(dl.signature, "sha256="))
		var evt webhookEvent
		require.NoError(t, json.Unmarshal(dl.body, &evt))
		assert.Equal(t, rule.ID, evt.EntityID)
		assert.Equal(t, "alice", evt.ActorID)
	default:
		t.Fatal("expected a webhook delivery")
	}

	d.dispatchAll(ctx)
	assert.Len(t, got, 0)
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	assert.True(t, all.match("rule.executed"))
	assert.False(t, all.match("campaign.analyzed"))

	star := newEventFilter([]string{"*"})
	assert.True(t, star.match("campaign.analyzed"))

	some := newEventFilter([]string{"rule.executed", " "})
	assert.True(t, some.match("rule.executed"))
	assert.False(t, some.match("rule.created"))
}
