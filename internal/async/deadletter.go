package async

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"reportline/internal/domain"
	"reportline/internal/repo"
)

// DeadLetterSink receives the terminal record of an operation that exhausted
// all retries. Implementations must not block for long; the executor calls
// this from its worker goroutines.
type DeadLetterSink interface {
	Record(ctx context.Context, kind, correlationID string, opCtx map[string]any, attempts int, lastError string) error
}

// StoreSink persists dead letters to the reports database so operators can
// inspect and replay them. Swap this for a durable queue in deployments that
// need cross-process handoff.
type StoreSink struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s StoreSink) Record(ctx context.Context, kind, correlationID string, opCtx map[string]any, attempts int, lastError string) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	contextJSON := ""
	if len(opCtx) > 0 {
		b, err := json.Marshal(opCtx)
		if err != nil {
			contextJSON = `{"marshal_error":true}`
		} else {
			contextJSON = string(b)
		}
	}
	return s.Repo.InsertDeadLetter(ctx, domain.DeadLetter{
		ID:            uuid.New().String(),
		OperationKind: kind,
		CorrelationID: correlationID,
		ContextJSON:   contextJSON,
		Attempts:      attempts,
		LastError:     lastError,
		CreatedAt:     now().UTC().Format(time.RFC3339),
	})
}
