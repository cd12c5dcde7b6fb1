package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"openattribution/pkg/telemetry"
)

// SessionRepository defines storage operations for session rows.
//
// End must be conditional on the row still being open (ended_at IS NULL) so
// that a concurrent double-close cannot overwrite a terminal outcome; it
// returns ErrNotFound when no open row matched.
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	// CreateWithEvents persists a session and its events atomically, for
	// the bulk upload path.
	CreateWithEvents(ctx context.Context, session *Session, events []*Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Session, error)
	// GetByExternalID returns the most recently started session carrying
	// the external id.
	GetByExternalID(ctx context.Context, externalID string) (*Session, error)
	End(ctx context.Context, id uuid.UUID, endedAt time.Time, outcome *telemetry.SessionOutcome) (*Session, error)
	List(ctx context.Context, filter ListFilter) ([]*SessionSummary, error)
}

// EventRepository defines storage operations for event rows.
//
// CreateBatch must apply the whole batch atomically and upsert on the event
// primary key, so a retried at-least-once delivery cannot duplicate rows.
// It returns the number of rows actually inserted (replayed ids count zero).
type EventRepository interface {
	CreateBatch(ctx context.Context, sessionID uuid.UUID, events []*Event) (int, error)
	// ListBySession returns a session's events ordered by event timestamp,
	// since arrival order across concurrent batches carries no meaning.
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*Event, error)
}
