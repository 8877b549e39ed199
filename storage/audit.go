package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	AuditActionClear           = "records.clear"
	AuditActionScrubRuleAdd    = "scrub_rules.add"
	AuditActionScrubRuleRemove = "scrub_rules.remove"
)

// AuditEvent records who performed a destructive operator action.
type AuditEvent struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Detail    string `json:"detail"`
	Affected  int64  `json:"affected"`
	CreatedAt int64  `json:"created_at"`
}

type AuditRepo interface {
	Record(ctx context.Context, ev *AuditEvent) error
	List(ctx context.Context, limit int) ([]*AuditEvent, error)
}

func prepareAudit(ev *AuditEvent) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().UnixMilli()
	}
}

type SQLiteAuditRepo struct {
	db *sql.DB
}

func NewSQLiteAuditRepo(db *sql.DB) *SQLiteAuditRepo {
	return &SQLiteAuditRepo{db: db}
}

func (r *SQLiteAuditRepo) Record(ctx context.Context, ev *AuditEvent) error {
	prepareAudit(ev)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, action, actor, detail, affected, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Action, ev.Actor, ev.Detail, ev.Affected, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// List returns the newest events first.
func (r *SQLiteAuditRepo) List(ctx context.Context, limit int) ([]*AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, action, actor, detail, affected, created_at
		FROM audit_events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events := []*AuditEvent{}
	for rows.Next() {
		ev := &AuditEvent{}
		if err := rows.Scan(&ev.ID, &ev.Action, &ev.Actor, &ev.Detail, &ev.Affected, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
