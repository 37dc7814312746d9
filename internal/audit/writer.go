package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"reportline/internal/domain"
)

// Writer persists before/after snapshots of successful mutations. It is the
// audit sink the engine calls immediately after a guarded apply.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Record appends one audit entry. Before and after may be nil (creation has
// no before; deletion keeps the final snapshot as after).
func (w Writer) Record(ctx context.Context, actorID, action, resourceType, resourceID string, before, after any) error {
	beforeJSON, err := marshalSnapshot(before)
	if err != nil {
		return fmt.Errorf("marshal audit before: %w", err)
	}
	afterJSON, err := marshalSnapshot(after)
	if err != nil {
		return fmt.Errorf("marshal audit after: %w", err)
	}
	ts := w.now().UTC().Format(time.RFC3339)
	_, err = w.DB.ExecContext(ctx, `INSERT INTO audit_log(ts, actor_id, action, resource_type, resource_id, before_json, after_json) VALUES (?,?,?,?,?,?,?)`,
		ts, actorID, action, resourceType, resourceID, beforeJSON, afterJSON)
	return err
}

// List returns audit entries, newest first, optionally narrowed to one resource.
func (w Writer) List(ctx context.Context, resourceType, resourceID string, limit int) ([]domain.AuditEntry, error) {
	query := `SELECT id, ts, actor_id, action, resource_type, resource_id, COALESCE(before_json,''), COALESCE(after_json,'') FROM audit_log`
	var (
		args  []any
		where string
	)
	if resourceType != "" {
		where = " WHERE resource_type=?"
		args = append(args, resourceType)
		if resourceID != "" {
			where += " AND resource_id=?"
			args = append(args, resourceID)
		}
	}
	query += where + " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID, &e.BeforeJSON, &e.AfterJSON); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalSnapshot(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
