package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a PostgreSQL-backed RuleStore.
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

func (s *PostgresRuleStore) Create(ctx context.Context, rule *AutomationRule) error {
	trigger, conditions, actions, err := marshalRuleParts(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automation_rules
			(id, family_id, name, description, trigger, conditions, actions, is_enabled, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rule.ID, rule.FamilyID, rule.Name, rule.Description, trigger, conditions, actions,
		rule.IsEnabled, nullString(rule.CreatedBy), rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*AutomationRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, family_id, name, description, trigger, conditions, actions, is_enabled, created_by, created_at, updated_at
		FROM automation_rules
		WHERE id = $1
	`, id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func (s *PostgresRuleStore) List(ctx context.Context, familyID string) ([]*AutomationRule, error) {
	return s.query(ctx, `
		SELECT id, family_id, name, description, trigger, conditions, actions, is_enabled, created_by, created_at, updated_at
		FROM automation_rules
		WHERE family_id = $1
		ORDER BY created_at ASC
	`, familyID)
}

func (s *PostgresRuleStore) ListEnabled(ctx context.Context, familyID string) ([]*AutomationRule, error) {
	return s.query(ctx, `
		SELECT id, family_id, name, description, trigger, conditions, actions, is_enabled, created_by, created_at, updated_at
		FROM automation_rules
		WHERE family_id = $1 AND is_enabled = true
		ORDER BY created_at ASC
	`, familyID)
}

func (s *PostgresRuleStore) query(ctx context.Context, q string, args ...any) ([]*AutomationRule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return out, nil
}

func (s *PostgresRuleStore) Update(ctx context.Context, rule *AutomationRule) error {
	trigger, conditions, actions, err := marshalRuleParts(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET name = $1, description = $2, trigger = $3, conditions = $4, actions = $5, is_enabled = $6, updated_at = $7
		WHERE id = $8
	`, rule.Name, rule.Description, trigger, conditions, actions, rule.IsEnabled, rule.UpdatedAt, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireRow(result, rule.ID)
}

func (s *PostgresRuleStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET is_enabled = $1, updated_at = $2
		WHERE id = $3
	`, enabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireRow(result, id)
}

func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM automation_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireRow(result, id)
}

func requireRow(result sql.Result, ruleID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("rule %s: %w", ruleID, ErrRuleNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*AutomationRule, error) {
	var (
		rule       AutomationRule
		trigger    []byte
		conditions []byte
		actions    []byte
		createdBy  sql.NullString
	)
	err := row.Scan(&rule.ID, &rule.FamilyID, &rule.Name, &rule.Description,
		&trigger, &conditions, &actions, &rule.IsEnabled, &createdBy,
		&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(trigger, &rule.Trigger); err != nil {
		return nil, fmt.Errorf("malformed trigger payload: %w", err)
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
			return nil, fmt.Errorf("malformed conditions payload: %w", err)
		}
	}
	if err := json.Unmarshal(actions, &rule.Actions); err != nil {
		return nil, fmt.Errorf("malformed actions payload: %w", err)
	}
	rule.CreatedBy = createdBy.String
	return &rule, nil
}

func marshalRuleParts(rule *AutomationRule) (trigger, conditions, actions []byte, err error) {
	trigger, err = json.Marshal(rule.Trigger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode trigger: %w", err)
	}
	if rule.Conditions != nil {
		conditions, err = json.Marshal(rule.Conditions)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode conditions: %w", err)
		}
	}
	if rule.Actions == nil {
		actions = []byte("[]")
	} else {
		actions, err = json.Marshal(rule.Actions)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode actions: %w", err)
		}
	}
	return trigger, conditions, actions, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// PostgresExecutionStore implements ExecutionStore backed by PostgreSQL.
type PostgresExecutionStore struct {
	db *sql.DB
}

// NewPostgresExecutionStore creates a PostgreSQL-backed ExecutionStore.
func NewPostgresExecutionStore(db *sql.DB) *PostgresExecutionStore {
	return &PostgresExecutionStore{db: db}
}

func (s *PostgresExecutionStore) Create(ctx context.Context, execution *RuleExecution) error {
	result, err := json.Marshal(execution.Result)
	if err != nil {
		return fmt.Errorf("failed to encode execution result: %w", err)
	}
	metadata, err := json.Marshal(execution.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode execution metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rule_executions (id, rule_id, success, result, error, metadata, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, execution.ID, execution.RuleID, execution.Success, result,
		nullString(execution.Error), metadata, execution.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule execution: %w", err)
	}
	return nil
}

func (s *PostgresExecutionStore) ListByRule(ctx context.Context, ruleID string, filter ExecutionFilter) ([]*RuleExecution, int, error) {
	where := "rule_id = $1"
	args := []any{ruleID}
	if filter.Success != nil {
		where += " AND success = $2"
		args = append(args, *filter.Success)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rule_executions WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count rule executions: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT id, rule_id, success, result, error, metadata, executed_at
		FROM rule_executions
		WHERE %s
		ORDER BY executed_at DESC
		LIMIT %d OFFSET %d
	`, where, limit, filter.Offset)

	executions, err := s.queryExecutions(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return executions, total, nil
}

func (s *PostgresExecutionStore) RecentByRule(ctx context.Context, ruleID string, n int) ([]*RuleExecution, error) {
	return s.queryExecutions(ctx, fmt.Sprintf(`
		SELECT id, rule_id, success, result, error, metadata, executed_at
		FROM rule_executions
		WHERE rule_id = $1
		ORDER BY executed_at DESC
		LIMIT %d
	`, n), ruleID)
}

func (s *PostgresExecutionStore) queryExecutions(ctx context.Context, query string, args ...any) ([]*RuleExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule executions: %w", err)
	}
	defer rows.Close()

	var out []*RuleExecution
	for rows.Next() {
		var (
			e        RuleExecution
			result   []byte
			metadata []byte
			errMsg   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.RuleID, &e.Success, &result, &errMsg, &metadata, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule execution: %w", err)
		}
		if len(result) > 0 {
			if err := json.Unmarshal(result, &e.Result); err != nil {
				return nil, fmt.Errorf("malformed execution result: %w", err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("malformed execution metadata: %w", err)
			}
		}
		e.Error = errMsg.String
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule executions: %w", err)
	}
	return out, nil
}

func (s *PostgresExecutionStore) Stats(ctx context.Context, ruleID string) (*ExecutionStats, error) {
	stats := &ExecutionStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE success),
		       COUNT(*) FILTER (WHERE NOT success)
		FROM rule_executions
		WHERE rule_id = $1
	`, ruleID).Scan(&stats.TotalExecutions, &stats.SuccessfulExecutions, &stats.FailedExecutions)
	if err != nil {
		return nil, fmt.Errorf("failed to compute execution stats: %w", err)
	}

	if stats.TotalExecutions > 0 {
		stats.SuccessRate = stats.SuccessfulExecutions * 100 / stats.TotalExecutions

		var (
			lastAt      time.Time
			lastSuccess bool
		)
		err = s.db.QueryRowContext(ctx, `
			SELECT executed_at, success
			FROM rule_executions
			WHERE rule_id = $1
			ORDER BY executed_at DESC
			LIMIT 1
		`, ruleID).Scan(&lastAt, &lastSuccess)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to load last execution: %w", err)
		}
		if err == nil {
			stats.LastExecutionAt = &lastAt
			stats.LastExecutionSuccess = &lastSuccess
		}
	}
	return stats, nil
}

// PostgresAuditStore implements AuditStore backed by PostgreSQL. The column
// names mirror the audit contract and are read by external reporting views.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore creates a PostgreSQL-backed AuditStore.
func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) Create(ctx context.Context, entry *AuditEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, family_id, member_id, action, entity_type, entity_id, result, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.FamilyID, nullString(entry.MemberID), entry.Action,
		entry.EntityType, entry.EntityID, entry.Result, metadata, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}
