package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultScrubPatterns covers the credential headers an admin site sees:
// session and CSRF cookies plus bearer and API tokens.
var DefaultScrubPatterns = []string{
	"authorization",
	"proxy-authorization",
	"cookie",
	"set-cookie",
	"x-csrftoken",
	"x-csrf-token",
	"x-xsrf-token",
	"x-api-key",
	"x-auth-token",
}

var ErrRuleNotFound = errors.New("scrub rule not found")

type ScrubRule struct {
	ID        string `json:"id"`
	Pattern   string `json:"pattern"`
	CreatedAt int64  `json:"created_at"`
}

type ScrubRuleRepo interface {
	GetAll(ctx context.Context) ([]*ScrubRule, error)
	Create(ctx context.Context, pattern string) (*ScrubRule, error)
	Delete(ctx context.Context, id string) error
	Seed(ctx context.Context) error
}

type SQLiteScrubRuleRepo struct {
	db *sql.DB
}

func NewSQLiteScrubRuleRepo(db *sql.DB) *SQLiteScrubRuleRepo {
	return &SQLiteScrubRuleRepo{db: db}
}

func (r *SQLiteScrubRuleRepo) GetAll(ctx context.Context) ([]*ScrubRule, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, pattern, created_at FROM scrub_rules ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("query scrub_rules: %w", err)
	}
	defer rows.Close()

	var rules []*ScrubRule
	for rows.Next() {
		rule := &ScrubRule{}
		if err := rows.Scan(&rule.ID, &rule.Pattern, &rule.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scrub_rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r *SQLiteScrubRuleRepo) Create(ctx context.Context, pattern string) (*ScrubRule, error) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	rule := &ScrubRule{
		ID:        ulid.Make().String(),
		Pattern:   pattern,
		CreatedAt: time.Now().UnixMilli(),
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO scrub_rules (id, pattern, created_at) VALUES (?, ?, ?)",
		rule.ID, rule.Pattern, rule.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert scrub_rule: %w", err)
	}
	return rule, nil
}

func (r *SQLiteScrubRuleRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM scrub_rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete scrub_rule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// Seed inserts DefaultScrubPatterns; existing patterns are left alone.
func (r *SQLiteScrubRuleRepo) Seed(ctx context.Context) error {
	for _, pattern := range DefaultScrubPatterns {
		_, err := r.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO scrub_rules (id, pattern, created_at) VALUES (?, ?, ?)",
			ulid.Make().String(), pattern, time.Now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("seed scrub_rule %s: %w", pattern, err)
		}
	}
	return nil
}
