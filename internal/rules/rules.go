// Package rules answers whether an actor may perform an action on a report
// right now. Rules form a fixed, ordered chain evaluated with
// short-circuit-on-deny semantics; ordering matters because later rules can be
// strictly more permissive for cases an earlier rule denies.
package rules

import (
	"fmt"
	"log/slog"
	"time"

	"reportline/internal/domain"
)

// Action is the closed set of operations the rule chain understands.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionUpload Action = "upload"
)

// Context is the immutable input to one evaluation: the actor snapshot, the
// report snapshot, and the action with its side-channel attributes.
type Context struct {
	Actor  domain.Actor
	Report domain.Report
	Action Action

	// ProposedSize is the byte size of a pending upload. Only the quota rule
	// reads it.
	ProposedSize int64

	// Now anchors age computations so evaluation stays a pure function of its
	// inputs.
	Now time.Time
}

// Result is the outcome of an evaluation. Constraints is advisory diagnostic
// detail and never affects control flow.
type Result struct {
	Allow       bool           `json:"allow"`
	Rule        string         `json:"rule,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

func allow() Result {
	return Result{Allow: true}
}

func deny(rule, reason string, constraints map[string]any) Result {
	return Result{Rule: rule, Reason: reason, Constraints: constraints}
}

// DeniedError carries a rule denial across package boundaries so the server
// layer can map it to a response. The reason string is part of the observable
// contract.
type DeniedError struct {
	Rule   string
	Reason string
}

func (e *DeniedError) Error() string { return e.Reason }

// Denied wraps a deny result as an error; callers must only pass denials.
func Denied(res Result) *DeniedError {
	return &DeniedError{Rule: res.Rule, Reason: res.Reason}
}

// Rule is a single authorization predicate. Rules not governing an action
// return allow and the chain continues.
type Rule interface {
	Name() string
	Evaluate(rc Context) Result
}

// Engine evaluates the fixed rule chain.
type Engine struct {
	chain  []Rule
	logger *slog.Logger
}

// Config carries the tunable limits the rules read.
type Config struct {
	// MaxConcurrentEditors bounds the report's editor set (default 3).
	MaxConcurrentEditors int
	// RetentionAge makes reports older than this read-only for non-admins.
	// Zero disables the retention rule.
	RetentionAge time.Duration
	// TierQuota returns the byte quota for a tier; nil disables the quota rule.
	TierQuota func(tier domain.Tier) int64
}

// New builds the engine with the canonical chain order: lifecycle, quota,
// collaboration, retention, role floor.
func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxConcurrentEditors <= 0 {
		cfg.MaxConcurrentEditors = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		chain: []Rule{
			lifecycleRule{},
			quotaRule{quota: cfg.TierQuota},
			collaborationRule{maxEditors: cfg.MaxConcurrentEditors},
			retentionRule{age: cfg.RetentionAge},
			roleFloorRule{},
		},
		logger: logger,
	}
}

// Evaluate runs the chain and returns the first denial, or allow when every
// rule passes. It has no side effects beyond advisory logging.
func (e *Engine) Evaluate(rc Context) Result {
	if rc.Now.IsZero() {
		rc.Now = time.Now()
	}
	for _, rule := range e.chain {
		res := rule.Evaluate(rc)
		if !res.Allow {
			res.Rule = rule.Name()
			e.logger.Info("rule denied",
				"rule", res.Rule,
				"actor", rc.Actor.ID,
				"report", rc.Report.ID,
				"action", rc.Action,
				"reason", res.Reason,
			)
			return res
		}
	}
	return allow()
}

// lifecycleRule rejects mutations of archived reports by non-admins. Deleted
// reports never reach the chain; the guard reports them as not found.
type lifecycleRule struct{}

func (lifecycleRule) Name() string { return "lifecycle" }

func (lifecycleRule) Evaluate(rc Context) Result {
	if rc.Action != ActionUpdate && rc.Action != ActionUpload {
		return allow()
	}
	if rc.Report.Status != domain.StatusArchived {
		return allow()
	}
	if rc.Actor.Role == domain.RoleAdmin {
		return allow()
	}
	return deny("lifecycle", "archived reports can only be modified by an administrator", map[string]any{
		"status": rc.Report.Status,
	})
}

// quotaRule rejects uploads that would push the actor's cumulative usage past
// the tier quota.
type quotaRule struct {
	quota func(tier domain.Tier) int64
}

func (quotaRule) Name() string { return "quota" }

func (r quotaRule) Evaluate(rc Context) Result {
	if rc.Action != ActionUpload || r.quota == nil {
		return allow()
	}
	limit := r.quota(rc.Actor.Tier)
	if limit <= 0 {
		return allow()
	}
	if rc.Actor.UsageBytes+rc.ProposedSize <= limit {
		return allow()
	}
	return deny("quota",
		fmt.Sprintf("tier quota exceeded: %d+%d exceeds %d bytes", rc.Actor.UsageBytes, rc.ProposedSize, limit),
		map[string]any{
			"tier":          rc.Actor.Tier,
			"usage_bytes":   rc.Actor.UsageBytes,
			"proposed_size": rc.ProposedSize,
			"quota_bytes":   limit,
		})
}

// collaborationRule requires the actor to be the owner, a listed collaborator,
// or an admin, and enforces the bounded concurrent-editor set for actors not
// already holding a slot.
type collaborationRule struct {
	maxEditors int
}

func (collaborationRule) Name() string { return "collaboration" }

func (r collaborationRule) Evaluate(rc Context) Result {
	if rc.Action != ActionUpdate && rc.Action != ActionUpload {
		return allow()
	}
	if rc.Actor.Role != domain.RoleAdmin &&
		rc.Report.OwnerID != rc.Actor.ID &&
		!rc.Report.IsCollaborator(rc.Actor.ID) {
		return deny("collaboration", "only the owner, a collaborator, or an administrator may update this report", nil)
	}
	if !rc.Report.IsEditor(rc.Actor.ID) && len(rc.Report.Editors) >= r.maxEditors {
		return deny("collaboration",
			fmt.Sprintf("maximum of %d concurrent editors allowed", r.maxEditors),
			map[string]any{"editors": len(rc.Report.Editors), "max": r.maxEditors})
	}
	return allow()
}

// retentionRule makes reports older than the retention window read-only for
// non-admins. A zero age disables the rule.
type retentionRule struct {
	age time.Duration
}

func (retentionRule) Name() string { return "retention" }

func (r retentionRule) Evaluate(rc Context) Result {
	if r.age <= 0 {
		return allow()
	}
	if rc.Action != ActionUpdate && rc.Action != ActionUpload {
		return allow()
	}
	if rc.Actor.Role == domain.RoleAdmin {
		return allow()
	}
	created, err := time.Parse(time.RFC3339, rc.Report.CreatedAt)
	if err != nil {
		// Unparseable timestamps cannot prove the report is young enough.
		return deny("retention", "reports older than the retention window are read-only for non-administrators", map[string]any{
			"created_at": rc.Report.CreatedAt,
		})
	}
	if rc.Now.Sub(created) <= r.age {
		return allow()
	}
	return deny("retention", "reports older than the retention window are read-only for non-administrators", map[string]any{
		"created_at":     rc.Report.CreatedAt,
		"retention_days": int(r.age.Hours() / 24),
	})
}

// roleFloorRule requires at least editor rank for anything that writes.
type roleFloorRule struct{}

func (roleFloorRule) Name() string { return "role_floor" }

func (roleFloorRule) Evaluate(rc Context) Result {
	switch rc.Action {
	case ActionCreate, ActionUpdate, ActionUpload:
	default:
		return allow()
	}
	if rc.Actor.Role.AtLeast(domain.RoleEditor) {
		return allow()
	}
	return deny("role_floor", "editor role or higher is required to update reports", map[string]any{
		"role": rc.Actor.Role,
	})
}
