// Package engine orchestrates the mutation pipeline: rule evaluation, the
// optimistic-concurrency guard, audit recording, and side-effect dispatch.
// The HTTP and CLI layers call Engine operations and map its typed errors to
// their own surfaces.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reportline/internal/async"
	"reportline/internal/audit"
	"reportline/internal/config"
	"reportline/internal/domain"
	"reportline/internal/guard"
	"reportline/internal/repo"
	"reportline/internal/rules"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Rules    *rules.Engine
	Guard    *guard.Guard
	Audit    audit.Writer
	Async    *async.Executor
	Notifier *Notifier
	Config   *config.Config
	Logger   *slog.Logger
	Now      func() time.Time
}

// New wires an engine over one database connection. exec may be nil when no
// side effects should be dispatched (CLI one-shot commands).
func New(conn *sql.DB, cfg *config.Config, logger *slog.Logger, exec *async.Executor) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.Repo{DB: conn}
	return Engine{
		DB:   conn,
		Repo: r,
		Rules: rules.New(rules.Config{
			MaxConcurrentEditors: cfg.Rules.MaxConcurrentEditors,
			RetentionAge:         cfg.RetentionAge(),
			TierQuota:            func(tier domain.Tier) int64 { return cfg.TierQuota(string(tier)) },
		}, logger),
		Guard:    guard.New(conn),
		Audit:    audit.Writer{DB: conn},
		Async:    exec,
		Notifier: NewNotifier(cfg.Webhooks, logger),
		Config:   cfg,
		Logger:   logger,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ResolveActor builds the per-request actor snapshot: role and tier come from
// the credential, the cumulative usage counter from storage. Unknown actors
// get a row on first sight.
func (e Engine) ResolveActor(ctx context.Context, id string, role domain.Role, tier domain.Tier) (domain.Actor, error) {
	if id == "" {
		return domain.Actor{}, errors.New("actor id required")
	}
	if !role.Valid() {
		role = domain.RoleReader
	}
	if tier == "" {
		tier = domain.TierFree
	}
	snapshot := domain.Actor{
		ID:        id,
		Role:      role,
		Tier:      tier,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.EnsureActor(ctx, snapshot); err != nil {
		return domain.Actor{}, err
	}
	stored, err := e.Repo.GetActor(ctx, id)
	if err != nil {
		return domain.Actor{}, err
	}
	snapshot.UsageBytes = stored.UsageBytes
	return snapshot, nil
}

// CreateReportOptions are parameters for creating a report.
type CreateReportOptions struct {
	ID            string
	Title         string
	Body          string
	Status        string
	Collaborators []string
	Actor         domain.Actor
}

func (e Engine) CreateReport(ctx context.Context, opts CreateReportOptions) (domain.Report, error) {
	if opts.Title == "" {
		return domain.Report{}, errors.New("title is required")
	}
	if opts.Status == "" {
		opts.Status = domain.StatusDraft
	}
	if opts.Status != domain.StatusDraft && opts.Status != domain.StatusActive {
		return domain.Report{}, fmt.Errorf("invalid initial status %s", opts.Status)
	}
	if res := e.Rules.Evaluate(rules.Context{
		Actor:  opts.Actor,
		Action: rules.ActionCreate,
		Now:    e.now(),
	}); !res.Allow {
		return domain.Report{}, rules.Denied(res)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	rep := domain.Report{
		ID:            id,
		OwnerID:       opts.Actor.ID,
		Title:         opts.Title,
		Body:          opts.Body,
		Status:        opts.Status,
		Collaborators: opts.Collaborators,
		Version:       1,
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertReport(ctx, rep); err != nil {
		return domain.Report{}, err
	}
	if err := e.Audit.Record(ctx, opts.Actor.ID, "report.create", "report", rep.ID, nil, rep); err != nil {
		return domain.Report{}, err
	}
	e.dispatch("report.created", rep, opts.Actor.ID)
	return rep, nil
}

// GetReport returns a report; soft-deleted reports are not found. Reads are
// not gated by the rule chain: every authenticated actor may read.
func (e Engine) GetReport(ctx context.Context, id string, actor domain.Actor) (domain.Report, error) {
	rep, err := e.Repo.GetReport(ctx, id)
	if err != nil {
		return domain.Report{}, err
	}
	if rep.Status == domain.StatusDeleted {
		return domain.Report{}, repo.ErrNotFound
	}
	if res := e.Rules.Evaluate(rules.Context{Actor: actor, Report: rep, Action: rules.ActionRead, Now: e.now()}); !res.Allow {
		return domain.Report{}, rules.Denied(res)
	}
	return rep, nil
}

// ListReports applies the same per-item read evaluation a single get uses and
// drops denials.
func (e Engine) ListReports(ctx context.Context, filter repo.ListFilter, actor domain.Actor) ([]domain.Report, error) {
	items, err := e.Repo.ListReports(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := e.now()
	visible := items[:0]
	for _, rep := range items {
		if res := e.Rules.Evaluate(rules.Context{Actor: actor, Report: rep, Action: rules.ActionRead, Now: now}); res.Allow {
			visible = append(visible, rep)
		}
	}
	return visible, nil
}

// UpdateReportOptions carry one guarded mutation.
type UpdateReportOptions struct {
	ID              string
	Changes         guard.Changes
	ExpectedVersion *int64
	Actor           domain.Actor
}

// UpdateReport runs the full pipeline: rule check on the current snapshot,
// guarded apply, audit entry, side-effect dispatch.
func (e Engine) UpdateReport(ctx context.Context, opts UpdateReportOptions) (domain.Report, error) {
	before, err := e.Repo.GetReport(ctx, opts.ID)
	if err != nil {
		return domain.Report{}, err
	}
	if before.Status == domain.StatusDeleted {
		return domain.Report{}, repo.ErrNotFound
	}
	if res := e.Rules.Evaluate(rules.Context{
		Actor:  opts.Actor,
		Report: before,
		Action: rules.ActionUpdate,
		Now:    e.now(),
	}); !res.Allow {
		return domain.Report{}, rules.Denied(res)
	}
	if opts.Changes.Status != nil {
		if err := ensureReportTransition(before.Status, *opts.Changes.Status); err != nil {
			return domain.Report{}, err
		}
	}
	after, err := e.Guard.Apply(ctx, opts.ID, opts.Changes, opts.ExpectedVersion, opts.Actor.ID)
	if err != nil {
		return domain.Report{}, err
	}
	if err := e.Audit.Record(ctx, opts.Actor.ID, "report.update", "report", after.ID, before, after); err != nil {
		return domain.Report{}, err
	}
	e.dispatch("report.updated", after, opts.Actor.ID)
	return after, nil
}

// ArchiveReport transitions a report to archived through the same pipeline.
func (e Engine) ArchiveReport(ctx context.Context, id string, expectedVersion *int64, actor domain.Actor) (domain.Report, error) {
	status := domain.StatusArchived
	return e.UpdateReport(ctx, UpdateReportOptions{
		ID:              id,
		Changes:         guard.Changes{Status: &status},
		ExpectedVersion: expectedVersion,
		Actor:           actor,
	})
}

// DeleteReport soft-deletes. The delete policy is fixed: only the owner or an
// administrator; deleted reports accept no further mutation.
func (e Engine) DeleteReport(ctx context.Context, id string, actor domain.Actor) error {
	before, err := e.Repo.GetReport(ctx, id)
	if err != nil {
		return err
	}
	if before.Status == domain.StatusDeleted {
		return repo.ErrNotFound
	}
	if actor.Role != domain.RoleAdmin && before.OwnerID != actor.ID {
		return rules.Denied(rules.Result{
			Rule:   "ownership",
			Reason: "only the owner or an administrator may delete this report",
		})
	}
	status := domain.StatusDeleted
	after, err := e.Guard.Apply(ctx, id, guard.Changes{Status: &status}, nil, actor.ID)
	if err != nil {
		return err
	}
	if err := e.Audit.Record(ctx, actor.ID, "report.delete", "report", id, before, after); err != nil {
		return err
	}
	e.dispatch("report.deleted", after, actor.ID)
	return nil
}

// UploadArtifact accounts a pending upload against the actor's tier quota
// and the report's size. Byte streaming itself lives outside the core.
func (e Engine) UploadArtifact(ctx context.Context, id string, sizeBytes int64, actor domain.Actor) (domain.Report, error) {
	if sizeBytes <= 0 {
		return domain.Report{}, errors.New("artifact size must be positive")
	}
	before, err := e.Repo.GetReport(ctx, id)
	if err != nil {
		return domain.Report{}, err
	}
	if before.Status == domain.StatusDeleted {
		return domain.Report{}, repo.ErrNotFound
	}
	if res := e.Rules.Evaluate(rules.Context{
		Actor:        actor,
		Report:       before,
		Action:       rules.ActionUpload,
		ProposedSize: sizeBytes,
		Now:          e.now(),
	}); !res.Allow {
		return domain.Report{}, rules.Denied(res)
	}
	after, err := e.Guard.Apply(ctx, id, guard.Changes{SizeDelta: sizeBytes, UsageDelta: sizeBytes}, nil, actor.ID)
	if err != nil {
		return domain.Report{}, err
	}
	if err := e.Audit.Record(ctx, actor.ID, "report.upload", "report", id, before, after); err != nil {
		return domain.Report{}, err
	}
	e.dispatch("report.artifact_uploaded", after, actor.ID)
	return after, nil
}

// editorSlotRetries bounds how often a claim or release re-reads after losing
// the version race to a concurrent mutation of the same report.
const editorSlotRetries = 5

// ClaimEditorSlot adds the actor to the report's bounded concurrent-editor
// set. Claiming is idempotent for an actor already holding a slot. The merged
// editor set is compare-and-swapped against the snapshot it was computed
// from; losing the race means another claim or release landed first, so the
// capacity rule and the merge are redone over the fresh row.
func (e Engine) ClaimEditorSlot(ctx context.Context, id string, actor domain.Actor) (domain.Report, error) {
	for attempt := 0; ; attempt++ {
		before, err := e.Repo.GetReport(ctx, id)
		if err != nil {
			return domain.Report{}, err
		}
		if before.Status == domain.StatusDeleted {
			return domain.Report{}, repo.ErrNotFound
		}
		if before.IsEditor(actor.ID) {
			return before, nil
		}
		if res := e.Rules.Evaluate(rules.Context{
			Actor:  actor,
			Report: before,
			Action: rules.ActionUpdate,
			Now:    e.now(),
		}); !res.Allow {
			return domain.Report{}, rules.Denied(res)
		}
		editors := append(append([]string{}, before.Editors...), actor.ID)
		expected := before.Version
		after, err := e.Guard.Apply(ctx, id, guard.Changes{Editors: &editors}, &expected, actor.ID)
		if err != nil {
			var conflict *guard.VersionConflictError
			if errors.As(err, &conflict) && attempt < editorSlotRetries {
				continue
			}
			return domain.Report{}, err
		}
		if err := e.Audit.Record(ctx, actor.ID, "report.editor_claimed", "report", id, before, after); err != nil {
			return domain.Report{}, err
		}
		return after, nil
	}
}

// ReleaseEditorSlot removes the actor from the editor set. Releasing a slot
// the actor does not hold is a no-op. Like claiming, the removal is
// compare-and-swapped and retried so a concurrent claim is never dropped.
func (e Engine) ReleaseEditorSlot(ctx context.Context, id string, actor domain.Actor) (domain.Report, error) {
	for attempt := 0; ; attempt++ {
		before, err := e.Repo.GetReport(ctx, id)
		if err != nil {
			return domain.Report{}, err
		}
		if before.Status == domain.StatusDeleted {
			return domain.Report{}, repo.ErrNotFound
		}
		if !before.IsEditor(actor.ID) {
			return before, nil
		}
		editors := make([]string, 0, len(before.Editors))
		for _, editorID := range before.Editors {
			if editorID != actor.ID {
				editors = append(editors, editorID)
			}
		}
		expected := before.Version
		after, err := e.Guard.Apply(ctx, id, guard.Changes{Editors: &editors}, &expected, actor.ID)
		if err != nil {
			var conflict *guard.VersionConflictError
			if errors.As(err, &conflict) && attempt < editorSlotRetries {
				continue
			}
			return domain.Report{}, err
		}
		if err := e.Audit.Record(ctx, actor.ID, "report.editor_released", "report", id, before, after); err != nil {
			return domain.Report{}, err
		}
		return after, nil
	}
}

func ensureReportTransition(oldStatus, newStatus string) error {
	if oldStatus == newStatus {
		return nil
	}
	switch oldStatus {
	case domain.StatusDraft:
		if newStatus == domain.StatusActive || newStatus == domain.StatusArchived {
			return nil
		}
	case domain.StatusActive:
		if newStatus == domain.StatusArchived {
			return nil
		}
	case domain.StatusArchived:
		if newStatus == domain.StatusActive {
			return nil
		}
	}
	return fmt.Errorf("invalid report status transition %s -> %s", oldStatus, newStatus)
}

// dispatch submits a webhook delivery for a successful mutation. The request
// already returned by contract, so failures here are retried, broken, or
// dead-lettered by the executor and never surfaced to the caller.
func (e Engine) dispatch(eventType string, rep domain.Report, actorID string) {
	if e.Async == nil || e.Notifier == nil || !e.Notifier.HasHooks() {
		return
	}
	correlationID := uuid.New().String()
	evt := WebhookEvent{
		Type:     eventType,
		ReportID: rep.ID,
		ActorID:  actorID,
		Version:  rep.Version,
		Status:   rep.Status,
		TS:       e.now().UTC().Format(time.RFC3339),
		Delivery: correlationID,
	}
	e.Async.Dispatch(async.Task{
		Kind:          "report.webhook",
		CorrelationID: correlationID,
		Context: map[string]any{
			"event":     eventType,
			"report_id": rep.ID,
			"actor_id":  actorID,
			"version":   rep.Version,
		},
		Op: e.Notifier.DeliverOp(evt),
	})
}
