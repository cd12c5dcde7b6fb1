package telemetry

import (
	"github.com/google/uuid"

	"openattribution/pkg/errors"
)

// ValidateEvent checks an event against the schema constraint set: the type
// must belong to the closed enumeration, content and product associations are
// mutually exclusive, and turns may only ride on conversation events. Keys
// inside Data are forward-compatible and never validated.
func ValidateEvent(e *Event) error {
	if e == nil {
		return errors.NewValidationError("event", "event is required", nil)
	}
	if !e.Type.Valid() {
		return errors.NewValidationError("type", "unknown event type", string(e.Type))
	}
	if e.Timestamp.IsZero() {
		return errors.NewValidationError("timestamp", "timestamp is required", nil)
	}
	if e.ContentURL != "" && e.ProductID != nil {
		return errors.NewValidationError("content_url", "content_url and product_id are mutually exclusive", e.ContentURL)
	}
	if e.Turn != nil {
		if e.Type.Family() != FamilyConversation {
			return errors.NewValidationError("turn", "turn is only permitted on conversation events", string(e.Type))
		}
		if err := ValidateTurn(e.Turn); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTurn checks a conversation turn, including receive-side enforcement
// of the privacy visibility table: a field whose visibility exceeds the
// declared privacy level makes the turn invalid.
func ValidateTurn(t *ConversationTurn) error {
	if t == nil {
		return errors.NewValidationError("turn", "turn is required", nil)
	}
	if !t.PrivacyLevel.Valid() {
		return errors.NewValidationError("privacy_level", "unknown privacy level", string(t.PrivacyLevel))
	}
	if t.QueryIntent != "" && !t.QueryIntent.Valid() {
		return errors.NewValidationError("query_intent", "unknown intent category", string(t.QueryIntent))
	}
	if field := overexposedField(t); field != "" {
		return errors.NewValidationError(field, "field not permitted at privacy level", string(t.PrivacyLevel))
	}
	return nil
}

// overexposedField returns the name of the first populated field that the
// declared privacy level does not permit, or "" if the turn conforms.
func overexposedField(t *ConversationTurn) string {
	if !textAllowed(t.PrivacyLevel) {
		if t.QueryText != "" {
			return "query_text"
		}
		if t.ResponseText != "" {
			return "response_text"
		}
	}
	if !intentAllowed(t.PrivacyLevel) {
		if t.QueryIntent != "" {
			return "query_intent"
		}
		if t.ResponseType != "" {
			return "response_type"
		}
		if len(t.Topics) > 0 {
			return "topics"
		}
	}
	return ""
}

// ValidateOutcome checks a session outcome against the closed outcome set.
func ValidateOutcome(o *SessionOutcome) error {
	if o == nil {
		return errors.NewValidationError("outcome", "outcome is required", nil)
	}
	if !o.Type.Valid() {
		return errors.NewValidationError("outcome.type", "unknown outcome type", string(o.Type))
	}
	if o.ValueAmount < 0 {
		return errors.NewValidationError("outcome.value_amount", "value_amount must not be negative", o.ValueAmount)
	}
	if o.Currency != "" && len(o.Currency) != 3 {
		return errors.NewValidationError("outcome.currency", "currency must be an ISO 4217 code", o.Currency)
	}
	return nil
}

// ValidateSession checks a complete session container, including every
// embedded event and the outcome if present.
func ValidateSession(s *Session) error {
	if s == nil {
		return errors.NewValidationError("session", "session is required", nil)
	}
	if s.SessionID == uuid.Nil {
		return errors.NewValidationError("session_id", "session_id is required", nil)
	}
	if s.StartedAt.IsZero() {
		return errors.NewValidationError("started_at", "started_at is required", nil)
	}
	if s.InitiatorType != "" && !s.InitiatorType.Valid() {
		return errors.NewValidationError("initiator_type", "unknown initiator type", string(s.InitiatorType))
	}
	for i := range s.Events {
		if err := ValidateEvent(&s.Events[i]); err != nil {
			return err
		}
	}
	if s.Outcome != nil {
		if err := ValidateOutcome(s.Outcome); err != nil {
			return err
		}
	}
	return nil
}
