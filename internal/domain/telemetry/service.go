package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"time"

	"github.com/google/uuid"

	"openattribution/internal/metrics"
	"openattribution/pkg/attribution"
	"openattribution/pkg/errors"
	"openattribution/pkg/logger"
	"openattribution/pkg/telemetry"
)

// ClosedPublisher notifies downstream attribution consumers that a session
// reached its terminal state. Publishing is best-effort: a broker fault must
// never fail the ingest request that triggered it.
type ClosedPublisher interface {
	SessionClosed(ctx context.Context, session *Session) error
}

// Service implements the ingestion contract on top of the repositories.
type Service struct {
	sessions  SessionRepository
	events    EventRepository
	publisher ClosedPublisher
	log       *logger.Logger
}

// NewService creates the ingestion service. publisher may be nil when no
// broker is configured.
func NewService(sessions SessionRepository, events EventRepository, publisher ClosedPublisher) *Service {
	return &Service{
		sessions:  sessions,
		events:    events,
		publisher: publisher,
		log:       logger.Get().With("component", "telemetry_service"),
	}
}

// StartSessionInput carries the fields accepted by POST /session/start.
type StartSessionInput struct {
	ContentScope      string                  `json:"content_scope,omitempty"`
	ManifestRef       string                  `json:"manifest_ref,omitempty"`
	AgentID           string                  `json:"agent_id,omitempty"`
	ExternalSessionID string                  `json:"external_session_id,omitempty"`
	InitiatorType     telemetry.InitiatorType `json:"initiator_type,omitempty"`
	Initiator         *telemetry.Initiator    `json:"initiator,omitempty"`
	UserContext       *telemetry.UserContext  `json:"user_context,omitempty"`
	PriorSessionIDs   []uuid.UUID             `json:"prior_session_ids,omitempty"`
	IdempotencyKey    string                  `json:"idempotency_key,omitempty"`
}

// StartSession creates a session row. When an idempotency key is supplied, a
// retried start with an identical payload returns the original session; the
// same key with a different payload is an idempotency conflict, rejected
// distinctly from validation errors because silently accepting either
// version would corrupt attribution history.
func (s *Service) StartSession(ctx context.Context, input StartSessionInput) (*Session, error) {
	if input.InitiatorType == "" {
		input.InitiatorType = telemetry.InitiatorUser
	}
	if !input.InitiatorType.Valid() {
		return nil, errors.NewValidationError("initiator_type", "unknown initiator type", string(input.InitiatorType))
	}

	digest := requestDigest(input)

	if input.IdempotencyKey != "" {
		existing, err := s.sessions.GetByIdempotencyKey(ctx, input.IdempotencyKey)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			return s.replayStart(existing, digest)
		}
	}

	now := time.Now().UTC()
	session := &Session{
		ID:              uuid.New(),
		InitiatorType:   string(input.InitiatorType),
		Initiator:       input.Initiator,
		ContentScope:    optional(input.ContentScope),
		ManifestRef:     optional(input.ManifestRef),
		AgentID:         optional(input.AgentID),
		PriorSessionIDs: input.PriorSessionIDs,
		UserContext:     input.UserContext,
		StartedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	session.ExternalSessionID = optional(input.ExternalSessionID)
	if input.IdempotencyKey != "" {
		session.IdempotencyKey = &input.IdempotencyKey
		session.RequestDigest = &digest
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		// A concurrent retry may have won the unique-key race; resolve it
		// the same way as a sequential replay.
		if errors.Is(err, errors.ErrAlreadyExists) && input.IdempotencyKey != "" {
			existing, getErr := s.sessions.GetByIdempotencyKey(ctx, input.IdempotencyKey)
			if getErr != nil {
				return nil, getErr
			}
			return s.replayStart(existing, digest)
		}
		return nil, err
	}

	metrics.SessionsStarted.Inc()
	s.log.Debugw("session started", "session_id", session.ID)
	return session, nil
}

func (s *Service) replayStart(existing *Session, digest string) (*Session, error) {
	if existing.RequestDigest == nil || *existing.RequestDigest != digest {
		return nil, errors.Wrap(errors.ErrIdempotencyConflict, "retried start has a different payload")
	}
	metrics.IdempotentReplays.WithLabelValues("start").Inc()
	return existing, nil
}

// RecordEvents validates and persists a batch of events for an open
// session, preserving the caller-supplied order. A validation failure in
// any event rejects the whole batch; previously seen event ids are skipped
// by the upsert so at-least-once delivery cannot duplicate rows. Returns
// the number of newly inserted events.
func (s *Service) RecordEvents(ctx context.Context, sessionID uuid.UUID, wireEvents []telemetry.Event) (int, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if !session.Open() {
		return 0, errors.Wrap(errors.ErrSessionClosed, "cannot add events to an ended session")
	}

	rows := make([]*Event, len(wireEvents))
	for i := range wireEvents {
		event := wireEvents[i]
		if event.ID == uuid.Nil {
			event.ID = uuid.New()
		}
		if err := telemetry.ValidateEvent(&event); err != nil {
			metrics.BatchesRejected.WithLabelValues("validation").Inc()
			return 0, err
		}
		rows[i] = eventRow(sessionID, &event)
	}

	created, err := s.events.CreateBatch(ctx, sessionID, rows)
	if err != nil {
		return 0, err
	}
	for i := range rows {
		metrics.EventsIngested.WithLabelValues(rows[i].Type).Inc()
	}
	return created, nil
}

// EndSession sets the terminal outcome and ended_at exactly once. Replaying
// an end with an identical outcome is an idempotent success; a different
// outcome for an already-closed session is an idempotency conflict.
func (s *Service) EndSession(ctx context.Context, sessionID uuid.UUID, outcome telemetry.SessionOutcome) (*Session, error) {
	if err := telemetry.ValidateOutcome(&outcome); err != nil {
		return nil, err
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Open() {
		return s.replayEnd(session, &outcome)
	}

	ended, err := s.sessions.End(ctx, sessionID, time.Now().UTC(), &outcome)
	if err != nil {
		// Lost a concurrent close race: the row is no longer open.
		if errors.Is(err, errors.ErrNotFound) {
			current, getErr := s.sessions.GetByID(ctx, sessionID)
			if getErr != nil {
				return nil, getErr
			}
			return s.replayEnd(current, &outcome)
		}
		return nil, err
	}

	metrics.SessionsClosed.WithLabelValues(string(outcome.Type)).Inc()
	s.notifyClosed(ctx, ended)
	return ended, nil
}

func (s *Service) replayEnd(session *Session, outcome *telemetry.SessionOutcome) (*Session, error) {
	if session.Outcome != nil && reflect.DeepEqual(session.Outcome, outcome) {
		metrics.IdempotentReplays.WithLabelValues("end").Inc()
		return session, nil
	}
	return nil, errors.Wrap(errors.ErrIdempotencyConflict, "session already ended with a different outcome")
}

// BulkUpload persists a fully assembled session in one shot. The server
// mints its own primary identifier and keeps the caller-supplied session id
// only as an opaque external reference, so colliding caller id schemes
// across tenants persist independently. Event ids are re-minted for the
// same reason.
func (s *Service) BulkUpload(ctx context.Context, wire *telemetry.Session) (*Session, error) {
	if err := telemetry.ValidateSession(wire); err != nil {
		metrics.BatchesRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	now := time.Now().UTC()
	clientID := wire.SessionID
	initiatorType := wire.InitiatorType
	if initiatorType == "" {
		initiatorType = telemetry.InitiatorUser
	}

	session := &Session{
		ID:              uuid.New(),
		InitiatorType:   string(initiatorType),
		Initiator:       wire.Initiator,
		ContentScope:    optional(wire.ContentScope),
		ManifestRef:     optional(wire.ManifestRef),
		AgentID:         optional(wire.AgentID),
		ClientSessionID: &clientID,
		PriorSessionIDs: wire.PriorSessionIDs,
		UserContext:     wire.UserContext,
		StartedAt:       wire.StartedAt,
		EndedAt:         wire.EndedAt,
		Outcome:         wire.Outcome,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if wire.Outcome != nil {
		outcomeType := string(wire.Outcome.Type)
		session.OutcomeType = &outcomeType
	}

	rows := make([]*Event, len(wire.Events))
	for i := range wire.Events {
		event := wire.Events[i]
		event.ID = uuid.New()
		rows[i] = eventRow(session.ID, &event)
	}

	if err := s.sessions.CreateWithEvents(ctx, session, rows); err != nil {
		return nil, err
	}

	metrics.SessionsStarted.Inc()
	for i := range rows {
		metrics.EventsIngested.WithLabelValues(rows[i].Type).Inc()
	}
	if session.EndedAt != nil {
		if session.Outcome != nil {
			metrics.SessionsClosed.WithLabelValues(string(session.Outcome.Type)).Inc()
		}
		s.notifyClosed(ctx, session)
	}
	return session, nil
}

// GetSession returns a session row with its events ordered by timestamp.
func (s *Service) GetSession(ctx context.Context, sessionID uuid.UUID) (*Session, []*Event, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	events, err := s.events.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return session, events, nil
}

// GetSessionByExternalID returns the most recently started session carrying
// the external id, for journey reconstruction.
func (s *Service) GetSessionByExternalID(ctx context.Context, externalID string) (*Session, error) {
	return s.sessions.GetByExternalID(ctx, externalID)
}

// ListSessions lists sessions for batch attribution processing.
func (s *Service) ListSessions(ctx context.Context, filter ListFilter) ([]*SessionSummary, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.sessions.List(ctx, filter)
}

// ProjectSession loads a session and computes its standalone content
// attribution, giving attribution systems a server-side projection without
// re-implementing the dedup rules.
func (s *Service) ProjectSession(ctx context.Context, sessionID uuid.UUID) (*attribution.Attribution, error) {
	session, events, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return attribution.ForContent(Snapshot(session, events))
}

func (s *Service) notifyClosed(ctx context.Context, session *Session) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.SessionClosed(ctx, session); err != nil {
		s.log.Warnw("failed to publish session closed", "session_id", session.ID, "error", err)
	}
}

func eventRow(sessionID uuid.UUID, event *telemetry.Event) *Event {
	return &Event{
		ID:         event.ID,
		SessionID:  sessionID,
		Type:       string(event.Type),
		ContentURL: optional(event.ContentURL),
		ProductID:  event.ProductID,
		Turn:       event.Turn,
		Data:       event.Data,
		Timestamp:  event.Timestamp.UTC(),
		CreatedAt:  time.Now().UTC(),
	}
}

// requestDigest produces the canonical payload fingerprint used to detect
// idempotency conflicts. JSON marshaling of the input struct is
// deterministic: field order is fixed by the struct definition.
func requestDigest(input StartSessionInput) string {
	input.IdempotencyKey = ""
	raw, _ := json.Marshal(input)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
