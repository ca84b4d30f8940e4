package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"concord/internal/domain"
)

// EventFilter narrows audit event listings. Zero values match everything.
type EventFilter struct {
	Type       string
	ActorID    string
	TargetType string
	TargetID   string
}

const eventColumns = `id,ts,event_type,COALESCE(actor_agent_id,''),target_type,target_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.AuditEvent, error) {
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ActorID, &e.TargetType, &e.TargetID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns events newest first. A positive cursor only returns
// events older than that id.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.AuditEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.Type)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_agent_id=?")
		args = append(args, f.ActorID)
	}
	if f.TargetType != "" {
		clauses = append(clauses, "target_type=?")
		args = append(args, f.TargetType)
	}
	if f.TargetID != "" {
		clauses = append(clauses, "target_id=?")
		args = append(args, f.TargetID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM audit_events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID, 0 when there is none.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_events`).Scan(&id)
	return id, err
}

// CountEvents counts events of one type, used to assert idempotent closes.
func (r Repo) CountEvents(ctx context.Context, evtType, targetID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events WHERE event_type=? AND target_id=?`, evtType, targetID).Scan(&n)
	return n, err
}
