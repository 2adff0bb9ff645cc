package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"adpilot/internal/domain"
	"adpilot/internal/engine"
	"adpilot/internal/repo"
)

type rulePath struct {
	RuleID string `path:"rule_id"`
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create a rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body engine.RuleInput `json:"body"`
	}) (*struct {
		Body domain.Rule `json:"body"`
	}, error) {
		rule, err := e.CreateRule(ctx, input.Body, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Rule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List rules",
	}, func(ctx context.Context, input *struct {
		CampaignID string `query:"campaign_id"`
		Enabled    string `query:"enabled" doc:"true or false"`
		Limit      int    `query:"limit" default:"100"`
	}) (*struct {
		Body paginatedRules `json:"body"`
	}, error) {
		f := repo.RuleFilters{CampaignID: input.CampaignID, Limit: normalizeLimit(input.Limit)}
		if input.Enabled != "" {
			enabled := input.Enabled == "true"
			f.Enabled = &enabled
		}
		rules, err := e.ListRules(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedRules `json:"body"`
		}{Body: paginatedRules{Items: nonNilSlice(rules)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/rules/{rule_id}",
		Summary:     "Get a rule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *rulePath) (*struct {
		Body domain.Rule `json:"body"`
	}, error) {
		rule, err := e.GetRule(ctx, input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Rule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPut,
		Path:        "/rules/{rule_id}",
		Summary:     "Update a rule definition",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string            `path:"rule_id"`
		Body   engine.RuleUpdate `json:"body"`
	}) (*struct {
		Body domain.Rule `json:"body"`
	}, error) {
		rule, err := e.UpdateRule(ctx, input.RuleID, input.Body, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Rule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-rule",
		Method:        http.MethodDelete,
		Path:          "/rules/{rule_id}",
		Summary:       "Delete a rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *rulePath) (*struct{}, error) {
		if err := e.DeleteRule(ctx, input.RuleID, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRuleRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-rule",
		Method:      http.MethodPost,
		Path:        "/rules/{rule_id}/execute",
		Summary:     "Execute a rule against the live campaign",
		Description: "Fetches the campaign once, applies the action to every match and records the run. " +
			"Per-ad-set failures are reported in the body; only agent fetch failures fail the request.",
		Errors: []int{http.StatusNotFound, http.StatusConflict, http.StatusBadGateway, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *rulePath) (*struct {
		Body domain.ExecutionReport `json:"body"`
	}, error) {
		rep, err := e.ExecuteRule(ctx, input.RuleID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-rule",
		Method:      http.MethodPost,
		Path:        "/rules/{rule_id}/preview",
		Summary:     "Dry-run a rule",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *rulePath) (*struct {
		Body engine.Preview `json:"body"`
	}, error) {
		p, err := e.PreviewRule(ctx, input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Preview `json:"body"`
		}{Body: previewResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-rule",
		Method:      http.MethodPost,
		Path:        "/rules/{rule_id}/export",
		Summary:     "Export a rule as a platform automated rule",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *rulePath) (*struct {
		Body domain.Rule `json:"body"`
	}, error) {
		rule, err := e.ExportRule(ctx, input.RuleID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Rule `json:"body"`
		}{Body: rule}, nil
	})
}

func registerGenerate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-rule",
		Method:      http.MethodPost,
		Path:        "/rules/generate",
		Summary:     "Draft a rule from a natural-language request",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body GenerateRequest `json:"body"`
	}) (*struct {
		Body engine.Generated `json:"body"`
	}, error) {
		out, err := e.GenerateRule(ctx, engine.GenerateOptions{
			Prompt:     input.Body.Prompt,
			CampaignID: input.Body.CampaignID,
			DatePreset: input.Body.DatePreset,
			Save:       input.Body.Save,
			ActorID:    actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Generated `json:"body"`
		}{Body: out}, nil
	})
}
