// Package events publishes closed-session notifications to Kafka for
// downstream attribution consumers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"openattribution/internal/adapters/kafka"
	domain "openattribution/internal/domain/telemetry"
	"openattribution/internal/metrics"
	"openattribution/pkg/errors"
	"openattribution/pkg/logger"
)

// SessionClosedEvent is the broker payload emitted when a session reaches
// its terminal state. It carries identifiers only; consumers fetch the full
// session through the query API.
type SessionClosedEvent struct {
	SessionID         uuid.UUID  `json:"session_id"`
	ContentScope      string     `json:"content_scope,omitempty"`
	ExternalSessionID string     `json:"external_session_id,omitempty"`
	OutcomeType       string     `json:"outcome_type,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// Publisher publishes session lifecycle events to Kafka
type Publisher struct {
	producer *kafka.Producer
	topic    string
	log      *logger.Logger
}

// NewPublisher creates a new session event publisher
func NewPublisher(producer *kafka.Producer, topic string) *Publisher {
	return &Publisher{
		producer: producer,
		topic:    topic,
		log:      logger.Get().With("component", "session_publisher"),
	}
}

// SessionClosed publishes a closed-session notification keyed by session id,
// so all events for one session land in the same partition.
func (p *Publisher) SessionClosed(ctx context.Context, session *domain.Session) error {
	event := SessionClosedEvent{
		SessionID: session.ID,
		StartedAt: session.StartedAt,
		EndedAt:   session.EndedAt,
	}
	if session.ContentScope != nil {
		event.ContentScope = *session.ContentScope
	}
	if session.ExternalSessionID != nil {
		event.ExternalSessionID = *session.ExternalSessionID
	}
	if session.OutcomeType != nil {
		event.OutcomeType = *session.OutcomeType
	} else if session.Outcome != nil {
		event.OutcomeType = string(session.Outcome.Type)
	}

	if err := p.producer.Publish(ctx, session.ID.String(), event); err != nil {
		metrics.KafkaMessages.WithLabelValues(p.topic, "error").Inc()
		return errors.Wrap(err, "send to kafka")
	}

	metrics.KafkaMessages.WithLabelValues(p.topic, "success").Inc()
	p.log.Debugw("session closed event published", "session_id", session.ID)
	return nil
}
