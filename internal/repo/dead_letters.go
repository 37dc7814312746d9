package repo

import (
	"context"

	"reportline/internal/domain"
)

// InsertDeadLetter stores a terminal side-effect record for inspection.
func (r Repo) InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO dead_letters(id, operation_kind, correlation_id, context_json, attempts, last_error, created_at) VALUES (?,?,?,?,?,?,?)`,
		dl.ID, dl.OperationKind, dl.CorrelationID, nullable(dl.ContextJSON), dl.Attempts, dl.LastError, dl.CreatedAt)
	return err
}

// ListDeadLetters returns dead letters, newest first. Kind narrows to one
// operation kind when non-empty.
func (r Repo) ListDeadLetters(ctx context.Context, kind string, limit int) ([]domain.DeadLetter, error) {
	query := `SELECT id, operation_kind, correlation_id, COALESCE(context_json,''), attempts, last_error, created_at FROM dead_letters`
	var args []any
	if kind != "" {
		query += " WHERE operation_kind=?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.OperationKind, &dl.CorrelationID, &dl.ContextJSON, &dl.Attempts, &dl.LastError, &dl.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, dl)
	}
	return res, rows.Err()
}

// TrimDeadLetters deletes dead letters older than the cutoff timestamp.
func (r Repo) TrimDeadLetters(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM dead_letters WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
