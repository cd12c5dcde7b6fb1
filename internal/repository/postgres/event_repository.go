package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "openattribution/internal/domain/telemetry"
	"openattribution/internal/metrics"
	"openattribution/pkg/errors"
	"openattribution/pkg/logger"
	"openattribution/pkg/telemetry"
)

// EventRepository implements telemetry.EventRepository using PostgreSQL
type EventRepository struct {
	db  DBTX
	log *logger.Logger
}

// NewEventRepository creates a new PostgreSQL event repository
func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{
		db:  db,
		log: logger.Get().With("component", "event_repository"),
	}
}

// CreateBatch inserts a batch of events as a single statement, skipping
// event ids that were already persisted. One statement keeps the batch
// atomic without an explicit transaction; the returned count excludes
// replayed ids.
func (r *EventRepository) CreateBatch(ctx context.Context, sessionID uuid.UUID, events []*domain.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	started := time.Now()
	created, err := insertEvents(ctx, r.db, events)
	metrics.RecordDBQuery("event_batch_create", time.Since(started), err)
	if err != nil {
		return 0, err
	}

	if created < len(events) {
		r.log.Debugw("skipped replayed events",
			"session_id", sessionID,
			"batch_size", len(events),
			"created", created,
		)
	}
	return created, nil
}

func insertEvents(ctx context.Context, db DBTX, events []*domain.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	const fields = 9
	placeholders := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*fields)

	for i, event := range events {
		turnJSON, err := marshalEventJSON(event.Turn)
		if err != nil {
			return 0, errors.Wrap(err, "failed to marshal turn")
		}
		dataJSON, err := marshalEventJSON(event.Data)
		if err != nil {
			return 0, errors.Wrap(err, "failed to marshal data")
		}

		base := i * fields
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			event.ID, event.SessionID, event.Type, event.ContentURL,
			event.ProductID, turnJSON, dataJSON, event.Timestamp,
			event.CreatedAt,
		)
	}

	query := `
		INSERT INTO telemetry_events (
			id, session_id, event_type, content_url, product_id, turn, data,
			event_timestamp, created_at
		) VALUES ` + strings.Join(placeholders, ", ") + `
		ON CONFLICT (id) DO NOTHING
	`

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert events")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// ListBySession returns a session's events ordered by event timestamp.
// Arrival order across concurrent batches carries no meaning, so the event
// timestamp is the only ordering the projector can trust.
func (r *EventRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*domain.Event, error) {
	query := `
		SELECT id, session_id, event_type, content_url, product_id, turn, data,
		       event_timestamp, created_at
		FROM telemetry_events
		WHERE session_id = $1
		ORDER BY event_timestamp ASC, created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var event domain.Event
		var turnJSON, dataJSON []byte

		err := rows.Scan(
			&event.ID, &event.SessionID, &event.Type, &event.ContentURL,
			&event.ProductID, &turnJSON, &dataJSON, &event.Timestamp,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}

		if len(turnJSON) > 0 {
			event.Turn = &telemetry.ConversationTurn{}
			if err := json.Unmarshal(turnJSON, event.Turn); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal turn")
			}
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &event.Data); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal data")
			}
		}

		events = append(events, &event)
	}
	return events, rows.Err()
}

func marshalEventJSON(v interface{}) ([]byte, error) {
	switch value := v.(type) {
	case *telemetry.ConversationTurn:
		if value == nil {
			return nil, nil
		}
	case map[string]interface{}:
		if value == nil {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	return json.Marshal(v)
}
