package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	domain "openattribution/internal/domain/telemetry"
	"openattribution/internal/metrics"
	"openattribution/pkg/errors"
	"openattribution/pkg/logger"
	"openattribution/pkg/telemetry"
)

const sessionColumns = `
	id, initiator_type, initiator, content_scope, manifest_ref, agent_id,
	external_session_id, client_session_id, idempotency_key, request_digest,
	prior_session_ids, user_context, started_at, ended_at, outcome_type,
	outcome, created_at, updated_at`

// SessionRepository implements telemetry.SessionRepository using PostgreSQL.
// It holds the raw *sqlx.DB rather than DBTX because bulk uploads open their
// own transaction.
type SessionRepository struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewSessionRepository creates a new PostgreSQL session repository
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{
		db:  db,
		log: logger.Get().With("component", "session_repository"),
	}
}

// Create inserts a new session row
func (r *SessionRepository) Create(ctx context.Context, sess *domain.Session) error {
	started := time.Now()
	err := insertSession(ctx, r.db, sess)
	metrics.RecordDBQuery("session_create", time.Since(started), err)
	return err
}

// CreateWithEvents inserts a session and its events in one transaction, so a
// partially written bulk upload can never become visible.
func (r *SessionRepository) CreateWithEvents(ctx context.Context, sess *domain.Session, events []*domain.Event) error {
	started := time.Now()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := insertSession(ctx, tx, sess); err != nil {
		return err
	}
	if _, err := insertEvents(ctx, tx, events); err != nil {
		return err
	}

	err = tx.Commit()
	metrics.RecordDBQuery("session_bulk_create", time.Since(started), err)
	if err != nil {
		return errors.Wrap(err, "failed to commit bulk upload")
	}
	return nil
}

func insertSession(ctx context.Context, db DBTX, sess *domain.Session) error {
	initiatorJSON, err := marshalNullable(sess.Initiator)
	if err != nil {
		return errors.Wrap(err, "failed to marshal initiator")
	}
	userContextJSON, err := marshalNullable(sess.UserContext)
	if err != nil {
		return errors.Wrap(err, "failed to marshal user context")
	}
	outcomeJSON, err := marshalNullable(sess.Outcome)
	if err != nil {
		return errors.Wrap(err, "failed to marshal outcome")
	}

	query := `
		INSERT INTO telemetry_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err = db.ExecContext(ctx, query,
		sess.ID, sess.InitiatorType, initiatorJSON, sess.ContentScope,
		sess.ManifestRef, sess.AgentID, sess.ExternalSessionID,
		sess.ClientSessionID, sess.IdempotencyKey, sess.RequestDigest,
		pq.Array(sess.PriorSessionIDs), userContextJSON, sess.StartedAt,
		sess.EndedAt, sess.OutcomeType, outcomeJSON, sess.CreatedAt,
		sess.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(errors.ErrAlreadyExists, "session already exists")
		}
		return errors.Wrap(err, "failed to create session")
	}
	return nil
}

// GetByID retrieves a session by its server-assigned id
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM telemetry_sessions WHERE id = $1`
	return r.scanSession(r.db.QueryRowContext(ctx, query, id))
}

// GetByIdempotencyKey retrieves the session created under the given key
func (r *SessionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM telemetry_sessions WHERE idempotency_key = $1`
	return r.scanSession(r.db.QueryRowContext(ctx, query, key))
}

// GetByExternalID retrieves the most recently started session carrying the
// external id. External ids are not unique: a long-lived agent conversation
// may map to several consecutive telemetry sessions.
func (r *SessionRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM telemetry_sessions
		WHERE external_session_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`
	return r.scanSession(r.db.QueryRowContext(ctx, query, externalID))
}

// End closes a session, conditional on it still being open. Returns
// ErrNotFound when no open row matched, which callers disambiguate by
// re-reading the row.
func (r *SessionRepository) End(ctx context.Context, id uuid.UUID, endedAt time.Time, outcome *telemetry.SessionOutcome) (*domain.Session, error) {
	outcomeJSON, err := marshalNullable(outcome)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal outcome")
	}

	var outcomeType *string
	if outcome != nil {
		t := string(outcome.Type)
		outcomeType = &t
	}

	query := `
		UPDATE telemetry_sessions
		SET ended_at = $2, outcome_type = $3, outcome = $4, updated_at = $5
		WHERE id = $1 AND ended_at IS NULL
		RETURNING ` + sessionColumns

	started := time.Now()
	sess, err := r.scanSession(r.db.QueryRowContext(ctx, query, id, endedAt, outcomeType, outcomeJSON, time.Now().UTC()))
	metrics.RecordDBQuery("session_end", time.Since(started), err)
	return sess, err
}

// List returns lightweight session summaries matching the filter
func (r *SessionRepository) List(ctx context.Context, filter domain.ListFilter) ([]*domain.SessionSummary, error) {
	query := `
		SELECT id, content_scope, external_session_id, outcome_type, started_at, ended_at
		FROM telemetry_sessions
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.OutcomeType != "" {
		query += fmt.Sprintf(" AND outcome_type = $%d", argIdx)
		args = append(args, filter.OutcomeType)
		argIdx++
	}
	if filter.ContentScope != "" {
		query += fmt.Sprintf(" AND content_scope = $%d", argIdx)
		args = append(args, filter.ContentScope)
		argIdx++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND ended_at >= $%d", argIdx)
		args = append(args, *filter.Since)
		argIdx++
	}
	if filter.Until != nil {
		query += fmt.Sprintf(" AND ended_at < $%d", argIdx)
		args = append(args, *filter.Until)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	var summaries []*domain.SessionSummary
	for rows.Next() {
		var s domain.SessionSummary
		if err := rows.Scan(&s.ID, &s.ContentScope, &s.ExternalSessionID, &s.OutcomeType, &s.StartedAt, &s.EndedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan session summary")
		}
		summaries = append(summaries, &s)
	}
	return summaries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *SessionRepository) scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var initiatorJSON, userContextJSON, outcomeJSON []byte

	err := row.Scan(
		&sess.ID, &sess.InitiatorType, &initiatorJSON, &sess.ContentScope,
		&sess.ManifestRef, &sess.AgentID, &sess.ExternalSessionID,
		&sess.ClientSessionID, &sess.IdempotencyKey, &sess.RequestDigest,
		pq.Array(&sess.PriorSessionIDs), &userContextJSON, &sess.StartedAt,
		&sess.EndedAt, &sess.OutcomeType, &outcomeJSON, &sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrNotFound, "session not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan session")
	}

	if len(initiatorJSON) > 0 {
		sess.Initiator = &telemetry.Initiator{}
		if err := json.Unmarshal(initiatorJSON, sess.Initiator); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal initiator")
		}
	}
	if len(userContextJSON) > 0 {
		sess.UserContext = &telemetry.UserContext{}
		if err := json.Unmarshal(userContextJSON, sess.UserContext); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal user context")
		}
	}
	if len(outcomeJSON) > 0 {
		sess.Outcome = &telemetry.SessionOutcome{}
		if err := json.Unmarshal(outcomeJSON, sess.Outcome); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal outcome")
		}
	}
	return &sess, nil
}

func marshalNullable(v interface{}) ([]byte, error) {
	switch value := v.(type) {
	case *telemetry.Initiator:
		if value == nil {
			return nil, nil
		}
	case *telemetry.UserContext:
		if value == nil {
			return nil, nil
		}
	case *telemetry.SessionOutcome:
		if value == nil {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	return json.Marshal(v)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
