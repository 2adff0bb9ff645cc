package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"adpilot/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const ruleColumns = `id,name,COALESCE(description,''),campaign_id,filter_json,action_json,execution_mode,date_preset,enabled,platform_rule_id,created_at,updated_at,last_executed_at,execution_count,last_matched_count,COALESCE(last_action,'')`

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (domain.Rule, error) {
	var (
		r          domain.Rule
		filterJSON string
		actionJSON string
		mode       string
		enabled    int
		platformID sql.NullString
		lastRun    sql.NullString
	)
	err := s.Scan(&r.ID, &r.Name, &r.Description, &r.CampaignID, &filterJSON, &actionJSON, &mode, &r.DatePreset,
		&enabled, &platformID, &r.CreatedAt, &r.UpdatedAt, &lastRun, &r.ExecutionCount, &r.LastMatchedCount, &r.LastAction)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(filterJSON), &r.Filter); err != nil {
		return r, fmt.Errorf("rule %s: decode filter: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(actionJSON), &r.Action); err != nil {
		return r, fmt.Errorf("rule %s: decode action: %w", r.ID, err)
	}
	r.ExecutionMode = domain.ExecutionMode(mode)
	r.Enabled = enabled != 0
	if platformID.Valid {
		r.PlatformRuleID = &platformID.String
	}
	if lastRun.Valid {
		r.LastExecutedAt = &lastRun.String
	}
	return r, nil
}

func encodeRule(r domain.Rule) (filterJSON, actionJSON string, err error) {
	f, err := json.Marshal(r.Filter)
	if err != nil {
		return "", "", fmt.Errorf("encode filter: %w", err)
	}
	a, err := json.Marshal(r.Action)
	if err != nil {
		return "", "", fmt.Errorf("encode action: %w", err)
	}
	return string(f), string(a), nil
}

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule domain.Rule) error {
	filterJSON, actionJSON, err := encodeRule(rule)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO rules(id,name,description,campaign_id,filter_json,action_json,execution_mode,date_preset,enabled,platform_rule_id,created_at,updated_at,execution_count,last_matched_count) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,0,0)`,
		rule.ID, rule.Name, nullable(rule.Description), rule.CampaignID, filterJSON, actionJSON, string(rule.ExecutionMode), rule.DatePreset,
		boolInt(rule.Enabled), nullableStringPtr(rule.PlatformRuleID), rule.CreatedAt, rule.UpdatedAt)
	return err
}

// UpdateRule writes the definition fields. Run history is only changed by
// RecordExecution.
func (r Repo) UpdateRule(ctx context.Context, tx *sql.Tx, rule domain.Rule) error {
	filterJSON, actionJSON, err := encodeRule(rule)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE rules SET name=?,description=?,campaign_id=?,filter_json=?,action_json=?,execution_mode=?,date_preset=?,enabled=?,platform_rule_id=?,updated_at=? WHERE id=?`,
		rule.Name, nullable(rule.Description), rule.CampaignID, filterJSON, actionJSON, string(rule.ExecutionMode), rule.DatePreset,
		boolInt(rule.Enabled), nullableStringPtr(rule.PlatformRuleID), rule.UpdatedAt, rule.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.Rule, error) {
	return scanRule(r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id=?`, id))
}

func (r Repo) GetRuleTx(ctx context.Context, tx *sql.Tx, id string) (domain.Rule, error) {
	return scanRule(tx.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id=?`, id))
}

type RuleFilters struct {
	CampaignID string
	Enabled    *bool
	Limit      int
}

func (r Repo) ListRules(ctx context.Context, f RuleFilters) ([]domain.Rule, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.CampaignID != "" {
		clauses = append(clauses, "campaign_id=?")
		args = append(args, f.CampaignID)
	}
	if f.Enabled != nil {
		clauses = append(clauses, "enabled=?")
		args = append(args, boolInt(*f.Enabled))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	query := fmt.Sprintf(`SELECT %s FROM rules WHERE %s ORDER BY created_at DESC, id ASC LIMIT ?`, ruleColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

func (r Repo) DeleteRule(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// RecordExecution stores the run history of next, a rule returned by
// ApplyExecution. The counter is bumped in place rather than copied from next
// so concurrent runs of the same rule never lose an increment.
func (r Repo) RecordExecution(ctx context.Context, tx *sql.Tx, next domain.Rule) error {
	res, err := tx.ExecContext(ctx, `UPDATE rules SET execution_count=execution_count+1,last_executed_at=?,last_matched_count=?,last_action=? WHERE id=?`,
		nullableStringPtr(next.LastExecutedAt), next.LastMatchedCount, next.LastAction, next.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r Repo) SetPlatformRuleID(ctx context.Context, tx *sql.Tx, id, platformID, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE rules SET platform_rule_id=?,execution_mode=?,updated_at=? WHERE id=?`,
		platformID, string(domain.ModePlatform), updatedAt, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

type EventFilters struct {
	Limit      int
	Cursor     int64
	Type       string
	EntityKind string
	EntityID   string
}

// LatestEvents returns newest first; Cursor pages to ids below it.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with ids greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
