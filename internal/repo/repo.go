package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"reportline/internal/domain"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx. Repo
// methods issue single statements, so callers that need several of them to
// land together construct a Repo over an open transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repo provides keyed storage for reportline entities. Versioning semantics
// live in the guard package; RawUpdateReport persists whatever it is given.
type Repo struct {
	DB DBTX
}

var ErrNotFound = errors.New("not found")

const reportColumns = `id, owner_id, title, COALESCE(body,''), status, collaborators_json, editors_json, version, size_bytes, created_at, COALESCE(last_modified_by,''), COALESCE(last_modified_at,'')`

func scanReport(scan func(dest ...any) error) (domain.Report, error) {
	var r domain.Report
	var collaborators, editors sql.NullString
	err := scan(&r.ID, &r.OwnerID, &r.Title, &r.Body, &r.Status, &collaborators, &editors,
		&r.Version, &r.SizeBytes, &r.CreatedAt, &r.LastModifiedBy, &r.LastModifiedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if collaborators.Valid && collaborators.String != "" {
		if err := json.Unmarshal([]byte(collaborators.String), &r.Collaborators); err != nil {
			return r, fmt.Errorf("decode collaborators for %s: %w", r.ID, err)
		}
	}
	if editors.Valid && editors.String != "" {
		if err := json.Unmarshal([]byte(editors.String), &r.Editors); err != nil {
			return r, fmt.Errorf("decode editors for %s: %w", r.ID, err)
		}
	}
	return r, nil
}

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// GetReport returns a report by id, including soft-deleted rows. Callers that
// must not observe deleted reports check status themselves.
func (r Repo) GetReport(ctx context.Context, id string) (domain.Report, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id=?`, id)
	return scanReport(row.Scan)
}

// InsertReport stores a new report row as-is.
func (r Repo) InsertReport(ctx context.Context, rep domain.Report) error {
	collaborators, err := marshalStringSlice(rep.Collaborators)
	if err != nil {
		return err
	}
	editors, err := marshalStringSlice(rep.Editors)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO reports(id, owner_id, title, body, status, collaborators_json, editors_json, version, size_bytes, created_at, last_modified_by, last_modified_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rep.ID, rep.OwnerID, rep.Title, nullable(rep.Body), rep.Status, collaborators, editors,
		rep.Version, rep.SizeBytes, rep.CreatedAt, nullable(rep.LastModifiedBy), nullable(rep.LastModifiedAt))
	return err
}

// RawUpdateReport overwrites the stored row with the merged report. It carries
// no version check; optimistic concurrency is the guard's responsibility.
func (r Repo) RawUpdateReport(ctx context.Context, rep domain.Report) (domain.Report, error) {
	collaborators, err := marshalStringSlice(rep.Collaborators)
	if err != nil {
		return rep, err
	}
	editors, err := marshalStringSlice(rep.Editors)
	if err != nil {
		return rep, err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE reports SET owner_id=?, title=?, body=?, status=?, collaborators_json=?, editors_json=?, version=?, size_bytes=?, last_modified_by=?, last_modified_at=? WHERE id=?`,
		rep.OwnerID, rep.Title, nullable(rep.Body), rep.Status, collaborators, editors,
		rep.Version, rep.SizeBytes, nullable(rep.LastModifiedBy), nullable(rep.LastModifiedAt), rep.ID)
	if err != nil {
		return rep, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return rep, err
	}
	if n == 0 {
		return rep, ErrNotFound
	}
	return rep, nil
}

// ListFilter narrows ListReports. Zero values mean no constraint.
type ListFilter struct {
	OwnerID string
	Status  string
	Limit   int
}

// ListReports returns reports matching the filter, newest first. Soft-deleted
// reports are excluded unless explicitly requested by status.
func (r Repo) ListReports(ctx context.Context, f ListFilter) ([]domain.Report, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		where = append(where, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	} else {
		where = append(where, "status != ?")
		args = append(args, domain.StatusDeleted)
	}
	query := `SELECT ` + reportColumns + ` FROM reports`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		rep, err := scanReport(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

// GetActor returns an actor row by id.
func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, role, tier, usage_bytes, created_at FROM actors WHERE id=?`, id)
	var a domain.Actor
	err := row.Scan(&a.ID, &a.Role, &a.Tier, &a.UsageBytes, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// EnsureActor inserts an actor row if missing, leaving existing rows alone.
func (r Repo) EnsureActor(ctx context.Context, a domain.Actor) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, role, tier, usage_bytes, created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.Role, a.Tier, a.UsageBytes, a.CreatedAt)
	return err
}

// UpsertActor inserts or replaces an actor's role and tier.
func (r Repo) UpsertActor(ctx context.Context, a domain.Actor) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actors(id, role, tier, usage_bytes, created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role=excluded.role, tier=excluded.tier`,
		a.ID, a.Role, a.Tier, a.UsageBytes, a.CreatedAt)
	return err
}

// AddActorUsage adds delta bytes to the actor's cumulative usage counter.
func (r Repo) AddActorUsage(ctx context.Context, actorID string, delta int64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE actors SET usage_bytes = usage_bytes + ? WHERE id=?`, delta, actorID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
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
