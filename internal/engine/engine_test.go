package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reportline/internal/config"
	"reportline/internal/db"
	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/guard"
	"reportline/internal/repo"
	"reportline/internal/rules"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, mutate func(*config.Config)) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	cfg := config.Default("reportline-test")
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(conn, cfg, logger, nil)
	e.Now = func() time.Time { return testNow }
	return e
}

func actor(t *testing.T, e engine.Engine, id string, role domain.Role, tier domain.Tier) domain.Actor {
	t.Helper()
	a, err := e.ResolveActor(context.Background(), id, role, tier)
	if err != nil {
		t.Fatalf("resolve actor %s: %v", id, err)
	}
	return a
}

func mustCreate(t *testing.T, e engine.Engine, owner domain.Actor, opts engine.CreateReportOptions) domain.Report {
	t.Helper()
	opts.Actor = owner
	if opts.Title == "" {
		opts.Title = "Quarterly numbers"
	}
	rep, err := e.CreateReport(context.Background(), opts)
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	return rep
}

func i64(v int64) *int64 { return &v }
func str(v string) *string { return &v }

func TestCreateUpdateRoundTrip(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	alice := actor(t, e, "alice", domain.RoleEditor, domain.TierStandard)

	rep := mustCreate(t, e, alice, engine.CreateReportOptions{Title: "Q2 revenue"})
	if rep.Version != 1 || rep.Status != domain.StatusDraft || rep.OwnerID != "alice" {
		t.Fatalf("unexpected created report: %+v", rep)
	}

	updated, err := e.UpdateReport(ctx, engine.UpdateReportOptions{
		ID:              rep.ID,
		Changes:         guard.Changes{Title: str("Q2 revenue (final)"), Status: str(domain.StatusActive)},
		ExpectedVersion: i64(1),
		Actor:           alice,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || updated.Title != "Q2 revenue (final)" || updated.Status != domain.StatusActive {
		t.Fatalf("unexpected updated report: %+v", updated)
	}
	if updated.LastModifiedBy != "alice" {
		t.Fatalf("expected modifier stamp, got %q", updated.LastModifiedBy)
	}
}

func TestUpdateStaleVersionConflicts(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	alice := actor(t, e, "alice", domain.RoleEditor, domain.TierStandard)
	rep := mustCreate(t, e, alice, engine.CreateReportOptions{})

	if _, err := e.UpdateReport(ctx, engine.UpdateReportOptions{
		ID:              rep.ID,
		Changes:         guard.Changes{Body: str("first writer wins")},
		ExpectedVersion: i64(1),
		Actor:           alice,
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}

	_, err := e.UpdateReport(ctx, engine.UpdateReportOptions{
		ID:              rep.ID,
		Changes:         guard.Changes{Body: str("stale writer")},
		ExpectedVersion: i64(1),
		Actor:           alice,
	})
	var conflict *guard.VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if conflict.Expected != 1 || conflict.Actual != 2 {
		t.Fatalf("unexpected conflict detail: %+v", conflict)
	}

	stored, err := e.GetReport(ctx, rep.ID, alice)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Body != "first writer wins" {
		t.Fatalf("losing write must not persist, body=%q", stored.Body)
	}
}

func TestReaderCannotMutate(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	alice := actor(t, e, "alice", domain.RoleEditor, domain.TierStandard)
	rep := mustCreate(t, e, alice, engine.CreateReportOptions{})

	reader := actor(t, e, "bob", domain.RoleReader, domain.TierFree)
	_, err := e.UpdateReport(ctx, engine.UpdateReportOptions{
		ID:      rep.ID,
		Changes: guard.Changes{Body: str("nope")},
		Actor:   reader,
	})
	var denied *rules.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected rule denial, got %v", err)
	}
	// Readers may still look.
	if _, err := e.GetReport(ctx, rep.ID, reader); err != nil {
		t.Fatalf("reader get: %v", err)
	}
}

func TestArchivedBlocksEditorAdminOverrides(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	alice := actor(t, e, "alice", domain.RoleEditor, domain.TierStandard)
	rep := mustCreate(t, e, alice, engine.CreateReportOptions{Status: domain.StatusActive})

	archived, err := e.ArchiveReport(ctx, rep.ID, i64(1), alice)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived.Status != domain.StatusArchived {
		t.Fatalf("expected archived, got %s", archived.Status)
	}

	_, err = e.UpdateReport(ctx, engine.UpdateReportOptions{
		ID:      rep.ID,
		Changes: guard.Changes{Body: str("late edit")},
		Actor:   alice,
	})
	var denied *rules.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected lifecycle denial for editor, got %v", err)
	}
	if denied.Rule != "lifecycle" {
		t.Fatalf("expected lifecycle rule, got %s", denied.Rule)
	}

	admin := actor(t, e, "root", domain.RoleAdmin, domain.TierPremium)
	restored, err := e.UpdateReport(ctx, engine.UpdateReportOptions{
		ID:      rep.ID,
		Changes: guard.Changes{Status: str(domain.StatusActive)},
		Actor:   admin,
	})
	if err != nil {
		t.Fatalf("admin unarchive: %v", err)
	}
	if restored.Status != domain.StatusActive {
		t.Fatalf("expected active, got %s", restored.Status)
	}
}

func TestInvalidStatusTransition(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	admin := actor(t, e, "root", domain.RoleAdmin, domain.TierPremium)
	rep := mustCreate(t, e, admin, engine.CreateReportOptions{Status: domain.StatusActive})

	_, err := e.UpdateReport(ctx, engine.UpdateReportOptions{
		ID:      rep.ID,
		Changes: guard.Changes{Status: str(domain.StatusDraft)},
		Actor:   admin,
	})
	if err == nil {
		t.Fatalf("active -> draft must be rejected")
	}
}

func TestUploadQuotaEnforced(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Rules.TierQuotas["free"] = 100
	})
	ctx := context.Background()
	alice := actor(t, e, "alice", domain.RoleEditor, domain.TierFree)
	rep := mustCreate(t, e, alice, engine.CreateReportOptions{})

	after, err := e.UploadArtifact(ctx, rep.ID, 80, alice)
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	if after.SizeBytes != 80 || after.Version != 2 {
		t.Fatalf("unexpected report after upload: %+v", after)
	}

	// The usage counter persisted: a fresh actor snapshot carries it.
	alice = actor(t, e, "alice", domain.RoleEditor, domain.TierFree)
	if alice.UsageBytes != 80 {
		t.Fatalf("expected usage 80, got %d", alice.UsageBytes)
	}

	_, err = e.UploadArtifact(ctx, rep.ID, 30, alice)
	var denied *rules.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected quota denial, got %v", err)
	}
	if denied.Rule != "quota" {
		t.Fatalf("expected quota rule, got %s", denied.Rule)
	}
}

func TestDeletePolicyAndTombstone(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	alice := actor(t, e, "alice", domain.RoleEditor, domain.TierStandard)
	rep := mustCreate(t, e, alice, engine.CreateReportOptions{})

	carol := actor(t, e, "carol", domain.RoleEditor, domain.TierStandard)
	err := e.DeleteReport(ctx, rep.ID, carol)
	var denied *rules.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("non-owner editor delete should be denied, got %v", err)
	}

	if err := e.DeleteReport(ctx, rep.ID, alice); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := e.GetReport(ctx, rep.ID, alice); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deleted report must read as not found, got %v", err)
	}
	if _, err := e.UpdateReport(ctx, engine.UpdateReportOptions{
		ID:      rep.ID,
		Changes: guard.Changes{Body: str("necromancy")},
		Actor:   alice,
	}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deleted report must reject mutation, got %v", err)
	}
	if err := e.DeleteReport(ctx, rep.ID, alice); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("double delete must be not found, got %v", err)
	}
}

func TestEditorSlotCapacity(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Rules.MaxConcurrentEditors = 2
	})
	ctx := context.Background()
	alice := actor(t, e, "alice", domain.RoleEditor, domain.TierStandard)
	rep := mustCreate(t, e, alice, engine.CreateReportOptions{
		Collaborators: []string{"bob", "carol"},
	})

	bob := actor(t, e, "bob", domain.RoleEditor, domain.TierStandard)
	carol := actor(t, e, "carol", domain.RoleEditor, domain.TierStandard)

	if _, err := e.ClaimEditorSlot(ctx, rep.ID, alice); err != nil {
		t.Fatalf("alice claim: %v", err)
	}
	withBob, err := e.ClaimEditorSlot(ctx, rep.ID, bob)
	if err != nil {
		t.Fatalf("bob claim: %v", err)
	}
	if len(withBob.Editors) != 2 {
		t.Fatalf("expected 2 editors, got %v", withBob.Editors)
	}

	_, err = e.ClaimEditorSlot(ctx, rep.ID, carol)
	var denied *rules.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected capacity denial, got %v", err)
	}
	if denied.Rule != "collaboration" {
		t.Fatalf("expected collaboration rule, got %s", denied.Rule)
	}

	// Claiming an already-held slot is idempotent, not another denial.
	again, err := e.ClaimEditorSlot(ctx, rep.ID, bob)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if len(again.Editors) != 2 {
		t.Fatalf("re-claim must not grow the set: %v", again.Editors)
	}

	released, err := e.ReleaseEditorSlot(ctx, rep.ID, bob)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.IsEditor("bob") {
		t.Fatalf("bob should no longer hold a slot: %v", released.Editors)
	}
	if _, err := e.ClaimEditorSlot(ctx, rep.ID, carol); err != nil {
		t.Fatalf("carol claim after release: %v", err)
	}
}

func TestConcurrentClaimsKeepEverySlot(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	alice := actor(t, e, "alice", domain.RoleEditor, domain.TierStandard)
	rep := mustCreate(t, e, alice, engine.CreateReportOptions{
		Collaborators: []string{"bob", "carol"},
	})
	bob := actor(t, e, "bob", domain.RoleEditor, domain.TierStandard)
	carol := actor(t, e, "carol", domain.RoleEditor, domain.TierStandard)

	// Hold both claims at rule evaluation until each has read its snapshot,
	// so their merged editor sets race against the same stored version.
	var arrivals atomic.Int32
	barrier := make(chan struct{})
	e.Now = func() time.Time {
		if arrivals.Add(1) == 2 {
			close(barrier)
		}
		<-barrier
		return testNow
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, claimant := range []domain.Actor{bob, carol} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.ClaimEditorSlot(ctx, rep.ID, claimant)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
	}

	after, err := e.GetReport(ctx, rep.ID, alice)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(after.Editors) != 2 || !after.IsEditor("bob") || !after.IsEditor("carol") {
		t.Fatalf("expected both claims to hold a slot, got %v", after.Editors)
	}
}

func TestListFiltersAndVisibility(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	alice := actor(t, e, "alice", domain.RoleEditor, domain.TierStandard)

	mustCreate(t, e, alice, engine.CreateReportOptions{Title: "Draft one"})
	active := mustCreate(t, e, alice, engine.CreateReportOptions{Title: "Active one", Status: domain.StatusActive})
	gone := mustCreate(t, e, alice, engine.CreateReportOptions{Title: "Doomed"})
	if err := e.DeleteReport(ctx, gone.ID, alice); err != nil {
		t.Fatalf("delete: %v", err)
	}

	all, err := e.ListReports(ctx, repo.ListFilter{OwnerID: "alice"}, alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("deleted reports must not list, got %d", len(all))
	}

	onlyActive, err := e.ListReports(ctx, repo.ListFilter{Status: domain.StatusActive}, alice)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(onlyActive) != 1 || onlyActive[0].ID != active.ID {
		t.Fatalf("status filter mismatch: %+v", onlyActive)
	}
}

func TestCreateValidation(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	alice := actor(t, e, "alice", domain.RoleEditor, domain.TierStandard)

	if _, err := e.CreateReport(ctx, engine.CreateReportOptions{Actor: alice}); err == nil {
		t.Fatalf("missing title must fail")
	}
	if _, err := e.CreateReport(ctx, engine.CreateReportOptions{
		Title:  "x",
		Status: domain.StatusArchived,
		Actor:  alice,
	}); err == nil {
		t.Fatalf("archived is not a valid initial status")
	}

	reader := actor(t, e, "bob", domain.RoleReader, domain.TierFree)
	_, err := e.CreateReport(ctx, engine.CreateReportOptions{Title: "x", Actor: reader})
	var denied *rules.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("reader create must be rule-denied, got %v", err)
	}
}
