package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"adpilot/internal/detect"
	"adpilot/internal/domain"
	"adpilot/internal/engine"
	"adpilot/internal/repo"
)

func registerEvaluate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate",
		Method:      http.MethodPost,
		Path:        "/evaluate",
		Summary:     "Filter supplied ad sets",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body EvaluateRequest `json:"body"`
	}) (*struct {
		Body engine.EvaluateResult `json:"body"`
	}, error) {
		res, err := e.Evaluate(normalizeAdSets(input.Body.AdSets, input.Body.MinorUnits, ""), input.Body.Filter)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.EvaluateResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerStatistics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "statistics",
		Method:      http.MethodPost,
		Path:        "/statistics",
		Summary:     "Summarize metrics over supplied ad sets",
	}, func(ctx context.Context, input *struct {
		Body StatisticsRequest `json:"body"`
	}) (*struct {
		Body domain.CampaignStatistics `json:"body"`
	}, error) {
		s := e.ComputeStatistics(normalizeAdSets(input.Body.AdSets, input.Body.MinorUnits, ""), input.Body.Metrics)
		return &struct {
			Body domain.CampaignStatistics `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "campaign-statistics",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/statistics",
		Summary:     "Summarize metrics over a live campaign",
		Errors:      []int{http.StatusBadGateway, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		CampaignID string   `path:"campaign_id"`
		DatePreset string   `query:"date_preset"`
		Metrics    []string `query:"metric"`
	}) (*struct {
		Body domain.CampaignStatistics `json:"body"`
	}, error) {
		s, err := e.Statistics(ctx, input.CampaignID, input.DatePreset, input.Metrics)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CampaignStatistics `json:"body"`
		}{Body: s}, nil
	})
}

func registerRecommendations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "recommendations",
		Method:      http.MethodPost,
		Path:        "/recommendations",
		Summary:     "Run the optimization detectors over supplied data",
	}, func(ctx context.Context, input *struct {
		Body RecommendationsRequest `json:"body"`
	}) (*struct {
		Body RecommendationsResponse `json:"body"`
	}, error) {
		b := input.Body
		recs := e.Recommend(detect.Input{
			CampaignID: b.CampaignID,
			AdSets:     normalizeAdSets(b.AdSets, b.MinorUnits, b.CampaignID),
			Hourly:     b.Hourly,
			Platforms:  b.Platforms,
		}, moduleConfig(b.Config))
		return &struct {
			Body RecommendationsResponse `json:"body"`
		}{Body: RecommendationsResponse{CampaignID: b.CampaignID, Recommendations: recs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "campaign-recommendations",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/recommendations",
		Summary:     "Analyze a live campaign",
		Errors:      []int{http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		CampaignID string  `path:"campaign_id"`
		DatePreset string  `query:"date_preset"`
		TargetCPA  float64 `query:"target_cpa" minimum:"0"`
		TargetROAS float64 `query:"target_roas" minimum:"0"`
	}) (*struct {
		Body engine.Analysis `json:"body"`
	}, error) {
		a, err := e.Analyze(ctx, engine.AnalyzeOptions{
			CampaignID: input.CampaignID,
			DatePreset: input.DatePreset,
			Config:     domain.ModuleConfig{TargetCPA: positive(input.TargetCPA), TargetROAS: positive(input.TargetROAS)},
			ActorID:    actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Analysis `json:"body"`
		}{Body: a}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"rule,campaign"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Limit:      limit + 1,
			Cursor:     cursorID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
