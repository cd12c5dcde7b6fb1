// Package telemetry holds the server-side session and event records plus the
// ingestion business logic: the OPEN to CLOSED session state machine,
// idempotent starts, all-or-nothing event batches, and bulk uploads.
package telemetry

import (
	"time"

	"github.com/google/uuid"

	"openattribution/pkg/telemetry"
)

// Session is one persisted telemetry session row.
//
// The server always owns the primary id. IdempotencyKey and RequestDigest
// back the retried-start contract: the same key with the same payload digest
// returns the original row, the same key with a different digest is a
// conflict. ClientSessionID preserves a bulk uploader's own session id as an
// opaque external reference.
type Session struct {
	ID                uuid.UUID
	InitiatorType     string
	Initiator         *telemetry.Initiator
	ContentScope      *string
	ManifestRef       *string
	AgentID           *string
	ExternalSessionID *string
	ClientSessionID   *uuid.UUID
	IdempotencyKey    *string
	RequestDigest     *string
	PriorSessionIDs   []uuid.UUID
	UserContext       *telemetry.UserContext
	StartedAt         time.Time
	EndedAt           *time.Time
	OutcomeType       *string
	Outcome           *telemetry.SessionOutcome
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Open reports whether the session may still receive events.
func (s *Session) Open() bool {
	return s.EndedAt == nil
}

// Event is one persisted telemetry event row.
type Event struct {
	ID         uuid.UUID
	SessionID  uuid.UUID
	Type       string
	ContentURL *string
	ProductID  *uuid.UUID
	Turn       *telemetry.ConversationTurn
	Data       map[string]interface{}
	Timestamp  time.Time
	CreatedAt  time.Time
}

// SessionSummary is the lightweight row shape for list queries.
type SessionSummary struct {
	ID                uuid.UUID
	ContentScope      *string
	ExternalSessionID *string
	OutcomeType       *string
	StartedAt         time.Time
	EndedAt           *time.Time
}

// ListFilter narrows session list queries for batch attribution consumers.
// Since and Until filter on ended_at.
type ListFilter struct {
	OutcomeType  string
	ContentScope string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// Snapshot converts the stored rows back into the wire-schema session that
// the attribution projector consumes.
func Snapshot(session *Session, events []*Event) *telemetry.Session {
	out := &telemetry.Session{
		SchemaVersion:   telemetry.SchemaVersion,
		SessionID:       session.ID,
		InitiatorType:   telemetry.InitiatorType(session.InitiatorType),
		Initiator:       session.Initiator,
		PriorSessionIDs: session.PriorSessionIDs,
		StartedAt:       session.StartedAt,
		EndedAt:         session.EndedAt,
		Outcome:         session.Outcome,
	}
	if session.ContentScope != nil {
		out.ContentScope = *session.ContentScope
	}
	if session.ManifestRef != nil {
		out.ManifestRef = *session.ManifestRef
	}
	if session.AgentID != nil {
		out.AgentID = *session.AgentID
	}
	out.UserContext = session.UserContext
	for _, event := range events {
		out.Events = append(out.Events, telemetry.Event{
			ID:         event.ID,
			Type:       telemetry.EventType(event.Type),
			Timestamp:  event.Timestamp,
			ContentURL: stringValue(event.ContentURL),
			ProductID:  event.ProductID,
			Turn:       event.Turn,
			Data:       event.Data,
		})
	}
	return out
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
