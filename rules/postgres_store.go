package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE Postgres reports for a duplicate key
const uniqueViolation = "23505"

const ruleColumns = `id, company_id, name, rule_type, conditions, actions, priority, is_active, category_id, created_at, updated_at`

// PostgresRuleStore implements RuleStore backed by PostgreSQL
type PostgresRuleStore struct {
	db        *sql.DB
	companyID string
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore for a specific company
func NewPostgresRuleStore(db *sql.DB, companyID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:        db,
		companyID: companyID,
	}
}

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(ctx context.Context, rule *ExpenseRule) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM expense_rules WHERE id = $1 AND company_id = $2)
	`, rule.ID, s.companyID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	now := time.Now().UTC()
	rule.CompanyID = s.companyID
	rule.CreatedAt = now
	rule.UpdatedAt = now

	// Companies are registered on first write
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO companies (id, name) VALUES ($1, $1)
		ON CONFLICT (id) DO NOTHING
	`, s.companyID)
	if err != nil {
		return fmt.Errorf("failed to register company: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO expense_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rule.ID, s.companyID, rule.Name, string(rule.RuleType), rule.Conditions, rule.Actions,
		rule.Priority, rule.IsActive, nullString(rule.CategoryID), rule.CreatedAt, rule.UpdatedAt)
	if isUniqueViolation(err) {
		// A concurrent insert won between the existence check and ours
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*ExpenseRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM expense_rules
		WHERE id = $1 AND company_id = $2
	`, id, s.companyID)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return rule, nil
}

// List returns the company's rules matching filter, ordered by priority
func (s *PostgresRuleStore) List(ctx context.Context, filter ListFilter) ([]*ExpenseRule, error) {
	where := []string{"company_id = $1"}
	args := []any{s.companyID}

	if filter.RuleType != "" {
		args = append(args, string(filter.RuleType))
		where = append(where, fmt.Sprintf("rule_type = $%d", len(args)))
	}
	if filter.CategoryID != "" {
		args = append(args, filter.CategoryID)
		where = append(where, fmt.Sprintf("category_id = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		where = append(where, fmt.Sprintf("is_active = $%d", len(args)))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM expense_rules
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY priority ASC, created_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*ExpenseRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

// ListActive returns all active rules for the company
func (s *PostgresRuleStore) ListActive(ctx context.Context) ([]*ExpenseRule, error) {
	active := true
	return s.List(ctx, ListFilter{Active: &active})
}

// Update modifies an existing rule
func (s *PostgresRuleStore) Update(ctx context.Context, rule *ExpenseRule) error {
	existing, err := s.Get(ctx, rule.ID)
	if err != nil {
		return err
	}

	rule.CompanyID = s.companyID
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE expense_rules
		SET name = $1, rule_type = $2, conditions = $3, actions = $4, priority = $5,
		    is_active = $6, category_id = $7, updated_at = $8
		WHERE id = $9 AND company_id = $10
	`, rule.Name, string(rule.RuleType), rule.Conditions, rule.Actions, rule.Priority,
		rule.IsActive, nullString(rule.CategoryID), rule.UpdatedAt, rule.ID, s.companyID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}

	return nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM expense_rules
		WHERE id = $1 AND company_id = $2
	`, id, s.companyID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	return nil
}

// ListCompanies returns the IDs of every registered company
func ListCompanies(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM companies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}
	defer rows.Close()

	var companies []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan company: %w", err)
		}
		companies = append(companies, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating companies: %w", err)
	}
	return companies, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*ExpenseRule, error) {
	var (
		r          ExpenseRule
		ruleType   string
		categoryID sql.NullString
	)
	err := row.Scan(&r.ID, &r.CompanyID, &r.Name, &ruleType, &r.Conditions, &r.Actions,
		&r.Priority, &r.IsActive, &categoryID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.RuleType = RuleType(ruleType)
	r.CategoryID = categoryID.String
	return &r, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
