// Package guard applies report mutations under optimistic concurrency
// control. Apply serializes per report id so the read-merge-write step can
// never interleave with another apply on the same report, which is what makes
// the version check sound on a multi-threaded runtime.
package guard

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"reportline/internal/domain"
	"reportline/internal/repo"
)

// VersionConflictError reports an optimistic concurrency mismatch.
type VersionConflictError struct {
	ReportID string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on report %s: expected %d, stored %d", e.ReportID, e.Expected, e.Actual)
}

// Changes is the set of fields a mutation may merge over the stored report.
// Nil pointers leave the stored value untouched. UsageDelta additionally
// charges the applying actor's usage counter in the same transaction as the
// report write, so size and usage accounting can never drift apart.
type Changes struct {
	Title         *string
	Body          *string
	Status        *string
	Collaborators *[]string
	Editors       *[]string
	SizeDelta     int64
	UsageDelta    int64
}

// Guard wraps the repository with version-stamped compare-and-swap mutation.
type Guard struct {
	DB  *sql.DB
	Now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a guard over the given database.
func New(conn *sql.DB) *Guard {
	return &Guard{
		DB:    conn,
		Now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Guard) lockFor(id string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locks == nil {
		g.locks = make(map[string]*sync.Mutex)
	}
	l, ok := g.locks[id]
	if !ok {
		l = &sync.Mutex{}
		g.locks[id] = l
	}
	return l
}

// Apply merges changes over the stored report, increments its version by
// exactly 1, stamps last-modified metadata, and persists the result as a
// single logical operation.
//
// A nil expectedVersion skips the conflict check; that force-write escape
// hatch is for callers that deliberately accept last-writer-wins.
func (g *Guard) Apply(ctx context.Context, id string, changes Changes, expectedVersion *int64, actorID string) (domain.Report, error) {
	lock := g.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()
	txRepo := repo.Repo{DB: tx}

	stored, err := txRepo.GetReport(ctx, id)
	if err != nil {
		return domain.Report{}, err
	}
	if stored.Status == domain.StatusDeleted {
		return domain.Report{}, repo.ErrNotFound
	}
	if expectedVersion != nil && *expectedVersion != stored.Version {
		return domain.Report{}, &VersionConflictError{
			ReportID: id,
			Expected: *expectedVersion,
			Actual:   stored.Version,
		}
	}

	merged := stored
	if changes.Title != nil {
		merged.Title = *changes.Title
	}
	if changes.Body != nil {
		merged.Body = *changes.Body
	}
	if changes.Status != nil {
		merged.Status = *changes.Status
	}
	if changes.Collaborators != nil {
		merged.Collaborators = *changes.Collaborators
	}
	if changes.Editors != nil {
		merged.Editors = *changes.Editors
	}
	merged.SizeBytes += changes.SizeDelta
	merged.Version = stored.Version + 1
	merged.LastModifiedBy = actorID
	merged.LastModifiedAt = g.now().UTC().Format(time.RFC3339)

	merged, err = txRepo.RawUpdateReport(ctx, merged)
	if err != nil {
		return domain.Report{}, err
	}
	if changes.UsageDelta != 0 {
		if err := txRepo.AddActorUsage(ctx, actorID, changes.UsageDelta); err != nil {
			return domain.Report{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	return merged, nil
}
