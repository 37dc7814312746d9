package async

import (
	"time"
)

// Breaker states as reported by BreakerStatus.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// breaker tracks consecutive failures for one operation kind. All access is
// serialized by the executor's mutex; breakers for different kinds never
// influence one another.
type breaker struct {
	failureCount int
	open         bool
	halfOpen     bool
	lastFailure  time.Time
}

// BreakerStatus is the operational view of one kind's breaker.
type BreakerStatus struct {
	Kind          string `json:"kind"`
	State         string `json:"state" enum:"closed,open,half_open"`
	FailureCount  int    `json:"failure_count"`
	LastFailureAt string `json:"last_failure_at,omitempty" format:"date-time"`
}

func (b *breaker) status(kind string, now time.Time, reset time.Duration) BreakerStatus {
	st := BreakerStatus{Kind: kind, FailureCount: b.failureCount}
	switch {
	case b.halfOpen:
		st.State = StateHalfOpen
	case b.open && now.Sub(b.lastFailure) >= reset:
		// Due for a half-open probe on the next call.
		st.State = StateHalfOpen
	case b.open:
		st.State = StateOpen
	default:
		st.State = StateClosed
	}
	if !b.lastFailure.IsZero() {
		st.LastFailureAt = b.lastFailure.UTC().Format(time.RFC3339)
	}
	return st
}
