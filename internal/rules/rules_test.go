package rules

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"reportline/internal/domain"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	quotas := map[domain.Tier]int64{
		domain.TierFree:     100,
		domain.TierStandard: 1000,
	}
	return New(Config{
		MaxConcurrentEditors: 2,
		RetentionAge:         30 * 24 * time.Hour,
		TierQuota:            func(t domain.Tier) int64 { return quotas[t] },
	}, slog.New(slog.NewTextHandler(testWriter{}, nil)))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func freshReport(owner string) domain.Report {
	return domain.Report{
		ID:        "r-1",
		OwnerID:   owner,
		Title:     "quarterly numbers",
		Status:    domain.StatusActive,
		Version:   1,
		CreatedAt: testNow.Add(-time.Hour).Format(time.RFC3339),
	}
}

func editor(id string) domain.Actor {
	return domain.Actor{ID: id, Role: domain.RoleEditor, Tier: domain.TierStandard}
}

func TestChainDenials(t *testing.T) {
	e := newTestEngine()
	owner := editor("alice")

	old := freshReport("alice")
	old.CreatedAt = testNow.Add(-60 * 24 * time.Hour).Format(time.RFC3339)

	archived := freshReport("alice")
	archived.Status = domain.StatusArchived

	full := freshReport("alice")
	full.Editors = []string{"bob", "carol"}

	cases := []struct {
		name   string
		rc     Context
		rule   string
		reason string
	}{
		{
			name: "archived report mutation",
			rc:   Context{Actor: owner, Report: archived, Action: ActionUpdate, Now: testNow},
			rule: "lifecycle",
		},
		{
			name:   "quota exceeded on upload",
			rc:     Context{Actor: domain.Actor{ID: "alice", Role: domain.RoleEditor, Tier: domain.TierFree, UsageBytes: 90}, Report: freshReport("alice"), Action: ActionUpload, ProposedSize: 20, Now: testNow},
			rule:   "quota",
			reason: "tier quota exceeded: 90+20 exceeds 100 bytes",
		},
		{
			name:   "stranger update",
			rc:     Context{Actor: editor("mallory"), Report: freshReport("alice"), Action: ActionUpdate, Now: testNow},
			rule:   "collaboration",
			reason: "only the owner, a collaborator, or an administrator may update this report",
		},
		{
			name:   "editor set full",
			rc:     Context{Actor: owner, Report: full, Action: ActionUpdate, Now: testNow},
			rule:   "collaboration",
			reason: "maximum of 2 concurrent editors allowed",
		},
		{
			name:   "stale report update",
			rc:     Context{Actor: owner, Report: old, Action: ActionUpdate, Now: testNow},
			rule:   "retention",
			reason: "reports older than the retention window are read-only for non-administrators",
		},
		{
			name:   "reader update",
			rc:     Context{Actor: domain.Actor{ID: "alice", Role: domain.RoleReader, Tier: domain.TierStandard}, Report: freshReport("alice"), Action: ActionUpdate, Now: testNow},
			rule:   "role_floor",
			reason: "editor role or higher is required to update reports",
		},
		{
			name:   "reader create",
			rc:     Context{Actor: domain.Actor{ID: "alice", Role: domain.RoleReader}, Action: ActionCreate, Now: testNow},
			rule:   "role_floor",
			reason: "editor role or higher is required to update reports",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := e.Evaluate(tc.rc)
			if res.Allow {
				t.Fatalf("expected denial")
			}
			if res.Rule != tc.rule {
				t.Fatalf("expected rule %s, got %s", tc.rule, res.Rule)
			}
			if tc.reason != "" && res.Reason != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, res.Reason)
			}
		})
	}
}

func TestFirstDenyWins(t *testing.T) {
	e := newTestEngine()
	// An archived report owned by someone else violates lifecycle AND
	// collaboration; the chain must report lifecycle.
	rep := freshReport("alice")
	rep.Status = domain.StatusArchived
	res := e.Evaluate(Context{Actor: editor("mallory"), Report: rep, Action: ActionUpdate, Now: testNow})
	if res.Allow || res.Rule != "lifecycle" {
		t.Fatalf("expected lifecycle denial first, got %+v", res)
	}
}

func TestAdminOverrides(t *testing.T) {
	e := newTestEngine()
	admin := domain.Actor{ID: "root", Role: domain.RoleAdmin, Tier: domain.TierPremium}

	archived := freshReport("alice")
	archived.Status = domain.StatusArchived
	if res := e.Evaluate(Context{Actor: admin, Report: archived, Action: ActionUpdate, Now: testNow}); !res.Allow {
		t.Fatalf("admin should modify archived reports: %+v", res)
	}

	old := freshReport("alice")
	old.CreatedAt = testNow.Add(-90 * 24 * time.Hour).Format(time.RFC3339)
	if res := e.Evaluate(Context{Actor: admin, Report: old, Action: ActionUpdate, Now: testNow}); !res.Allow {
		t.Fatalf("admin should modify stale reports: %+v", res)
	}

	// Admin does not override quota: the quota rule has no admin branch.
	res := e.Evaluate(Context{
		Actor:        domain.Actor{ID: "root", Role: domain.RoleAdmin, Tier: domain.TierFree, UsageBytes: 100},
		Report:       freshReport("alice"),
		Action:       ActionUpload,
		ProposedSize: 1,
		Now:          testNow,
	})
	if res.Allow || res.Rule != "quota" {
		t.Fatalf("expected quota denial for admin, got %+v", res)
	}
}

func TestReadBypassesChain(t *testing.T) {
	e := newTestEngine()
	old := freshReport("alice")
	old.Status = domain.StatusArchived
	old.CreatedAt = testNow.Add(-90 * 24 * time.Hour).Format(time.RFC3339)
	reader := domain.Actor{ID: "mallory", Role: domain.RoleReader, Tier: domain.TierFree}
	if res := e.Evaluate(Context{Actor: reader, Report: old, Action: ActionRead, Now: testNow}); !res.Allow {
		t.Fatalf("read must pass every rule: %+v", res)
	}
}

func TestEditorWithSlotPassesCapacity(t *testing.T) {
	e := newTestEngine()
	rep := freshReport("alice")
	rep.Editors = []string{"alice", "bob"}
	// alice already holds a slot, so the full set does not block her.
	if res := e.Evaluate(Context{Actor: editor("alice"), Report: rep, Action: ActionUpdate, Now: testNow}); !res.Allow {
		t.Fatalf("slot holder should pass capacity check: %+v", res)
	}
	// bob is a collaborator without a slot and the set is full.
	rep.Collaborators = []string{"carol"}
	res := e.Evaluate(Context{Actor: editor("carol"), Report: rep, Action: ActionUpdate, Now: testNow})
	if res.Allow || !strings.Contains(res.Reason, "concurrent editors") {
		t.Fatalf("expected capacity denial, got %+v", res)
	}
}

func TestRetentionUnparseableCreatedAt(t *testing.T) {
	e := newTestEngine()
	rep := freshReport("alice")
	rep.CreatedAt = "not-a-timestamp"
	res := e.Evaluate(Context{Actor: editor("alice"), Report: rep, Action: ActionUpdate, Now: testNow})
	if res.Allow || res.Rule != "retention" {
		t.Fatalf("unparseable created_at must deny via retention, got %+v", res)
	}
}

func TestZeroRetentionDisablesRule(t *testing.T) {
	e := New(Config{MaxConcurrentEditors: 2}, nil)
	rep := freshReport("alice")
	rep.CreatedAt = testNow.Add(-10 * 365 * 24 * time.Hour).Format(time.RFC3339)
	if res := e.Evaluate(Context{Actor: editor("alice"), Report: rep, Action: ActionUpdate, Now: testNow}); !res.Allow {
		t.Fatalf("zero retention age must disable the rule: %+v", res)
	}
}
