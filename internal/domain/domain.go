package domain

// Role is an ordered actor role. Higher rank implies every capability of
// the ranks below it.
type Role string

const (
	RoleReader Role = "reader"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// Rank orders roles: reader < editor < admin. Unknown roles rank below reader.
func (r Role) Rank() int {
	switch r {
	case RoleReader:
		return 1
	case RoleEditor:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether r grants at least the capabilities of other.
func (r Role) AtLeast(other Role) bool {
	return r.Rank() >= other.Rank()
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r.Rank() > 0
}

// Tier selects an actor's storage quota.
type Tier string

const (
	TierFree     Tier = "free"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Report statuses. Deleted is terminal; archived reports accept
// administrator mutations only.
const (
	StatusDraft    = "draft"
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusDeleted  = "deleted"
)

// Actor is a per-request identity snapshot. Role and tier come from the
// credential; UsageBytes is the stored cumulative upload counter.
type Actor struct {
	ID         string `json:"id"`
	Role       Role   `json:"role" enum:"reader,editor,admin"`
	Tier       Tier   `json:"tier" enum:"free,standard,premium"`
	UsageBytes int64  `json:"usage_bytes"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Report is the mutable resource the core guards.
type Report struct {
	ID             string   `json:"id"`
	OwnerID        string   `json:"owner_id"`
	Title          string   `json:"title"`
	Body           string   `json:"body,omitempty"`
	Status         string   `json:"status" enum:"draft,active,archived,deleted"`
	Collaborators  []string `json:"collaborators,omitempty"`
	Editors        []string `json:"editors,omitempty"`
	Version        int64    `json:"version"`
	SizeBytes      int64    `json:"size_bytes"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	LastModifiedBy string   `json:"last_modified_by,omitempty"`
	LastModifiedAt string   `json:"last_modified_at,omitempty" format:"date-time"`
}

// IsCollaborator reports whether actorID is listed on the report.
func (r Report) IsCollaborator(actorID string) bool {
	for _, id := range r.Collaborators {
		if id == actorID {
			return true
		}
	}
	return false
}

// IsEditor reports whether actorID currently holds an editor slot.
func (r Report) IsEditor(actorID string) bool {
	for _, id := range r.Editors {
		if id == actorID {
			return true
		}
	}
	return false
}

// AuditEntry records a before/after snapshot of a successful mutation.
type AuditEntry struct {
	ID           int64  `json:"id"`
	ActorID      string `json:"actor_id"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	BeforeJSON   string `json:"before,omitempty"`
	AfterJSON    string `json:"after,omitempty"`
	TS           string `json:"ts" format:"date-time"`
}

// DeadLetter is the terminal record of a side effect that exhausted
// its retries.
type DeadLetter struct {
	ID            string `json:"id"`
	OperationKind string `json:"operation_kind"`
	CorrelationID string `json:"correlation_id"`
	ContextJSON   string `json:"context,omitempty"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// APIKey is a hashed API credential bound to an actor.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
