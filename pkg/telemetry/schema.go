// Package telemetry defines the OpenAttribution schema (v0.2) and the
// client used to deliver it.
//
// OpenAttribution is an open specification for tracking content attribution
// in AI agent interactions. A session is a bounded record of one agent
// interaction; it contains an ordered sequence of events (content lifecycle,
// conversation, commerce) and optionally concludes with an outcome. Privacy
// levels gate which conversation fields may cross the wire.
package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the OpenAttribution schema version emitted on the wire.
const SchemaVersion = "0.2"

// EventType enumerates the supported telemetry event types.
//
// Content events track the lifecycle of content through an agent interaction.
// Conversation events capture the query/response flow with privacy controls.
// Commerce events enable attribution for e-commerce conversions.
type EventType string

const (
	// Content lifecycle events
	EventContentRetrieved EventType = "content_retrieved" // Content fetched from source
	EventContentDisplayed EventType = "content_displayed" // Content shown to user
	EventContentEngaged   EventType = "content_engaged"   // User interacted with content
	EventContentCited     EventType = "content_cited"     // Content referenced in response

	// Conversation events
	EventTurnStarted   EventType = "turn_started"   // User initiated a conversation turn
	EventTurnCompleted EventType = "turn_completed" // Agent finished responding

	// Commerce events
	EventProductViewed     EventType = "product_viewed"
	EventProductCompared   EventType = "product_compared"
	EventCartAdd           EventType = "cart_add"
	EventCartRemove        EventType = "cart_remove"
	EventCheckoutStarted   EventType = "checkout_started"
	EventCheckoutCompleted EventType = "checkout_completed"
	EventCheckoutAbandoned EventType = "checkout_abandoned"
)

// EventFamily groups event types by the kind of signal they carry.
type EventFamily string

const (
	FamilyContent      EventFamily = "content"
	FamilyConversation EventFamily = "conversation"
	FamilyCommerce     EventFamily = "commerce"
)

var eventFamilies = map[EventType]EventFamily{
	EventContentRetrieved:  FamilyContent,
	EventContentDisplayed:  FamilyContent,
	EventContentEngaged:    FamilyContent,
	EventContentCited:      FamilyContent,
	EventTurnStarted:       FamilyConversation,
	EventTurnCompleted:     FamilyConversation,
	EventProductViewed:     FamilyCommerce,
	EventProductCompared:   FamilyCommerce,
	EventCartAdd:           FamilyCommerce,
	EventCartRemove:        FamilyCommerce,
	EventCheckoutStarted:   FamilyCommerce,
	EventCheckoutCompleted: FamilyCommerce,
	EventCheckoutAbandoned: FamilyCommerce,
}

// Valid reports whether t belongs to the closed event type enumeration.
func (t EventType) Valid() bool {
	_, ok := eventFamilies[t]
	return ok
}

// Family returns the event family for t, or "" if t is unknown.
func (t EventType) Family() EventFamily {
	return eventFamilies[t]
}

// OutcomeType classifies the business result of a session.
type OutcomeType string

const (
	// OutcomeConversion means the user completed a desired action
	OutcomeConversion OutcomeType = "conversion"
	// OutcomeAbandonment means the user started but did not complete an action
	OutcomeAbandonment OutcomeType = "abandonment"
	// OutcomeBrowse means the user browsed without specific conversion intent
	OutcomeBrowse OutcomeType = "browse"
)

// Valid reports whether t belongs to the closed outcome enumeration.
func (t OutcomeType) Valid() bool {
	switch t {
	case OutcomeConversion, OutcomeAbandonment, OutcomeBrowse:
		return true
	}
	return false
}

// PrivacyLevel controls which conversation fields may be shared.
//
// The appropriate level depends on the trust agreement between the signal
// emitter and consumer.
type PrivacyLevel string

const (
	// PrivacyFull includes complete query and response text
	PrivacyFull PrivacyLevel = "full"
	// PrivacySummary includes caller-summarized text only
	PrivacySummary PrivacyLevel = "summary"
	// PrivacyIntent includes classified intent and topics, no raw text
	PrivacyIntent PrivacyLevel = "intent"
	// PrivacyMinimal includes only metadata (token counts, content URLs)
	PrivacyMinimal PrivacyLevel = "minimal"
)

// Valid reports whether l belongs to the closed privacy level enumeration.
func (l PrivacyLevel) Valid() bool {
	switch l {
	case PrivacyFull, PrivacySummary, PrivacyIntent, PrivacyMinimal:
		return true
	}
	return false
}

// IntentCategory is the standardized intent classification used when the
// privacy level forbids raw conversation text.
type IntentCategory string

const (
	// Research intents
	IntentProductResearch IntentCategory = "product_research"
	IntentComparison      IntentCategory = "comparison"
	IntentHowTo           IntentCategory = "how_to"
	IntentTroubleshooting IntentCategory = "troubleshooting"
	IntentGeneralQuestion IntentCategory = "general_question"

	// Commerce intents
	IntentPurchase          IntentCategory = "purchase_intent"
	IntentPriceCheck        IntentCategory = "price_check"
	IntentAvailabilityCheck IntentCategory = "availability_check"
	IntentReviewSeeking     IntentCategory = "review_seeking"

	// Other
	IntentChitchat IntentCategory = "chitchat"
	IntentOther    IntentCategory = "other"
)

// Valid reports whether c belongs to the closed intent enumeration.
func (c IntentCategory) Valid() bool {
	switch c {
	case IntentProductResearch, IntentComparison, IntentHowTo,
		IntentTroubleshooting, IntentGeneralQuestion, IntentPurchase,
		IntentPriceCheck, IntentAvailabilityCheck, IntentReviewSeeking,
		IntentChitchat, IntentOther:
		return true
	}
	return false
}

// InitiatorType distinguishes user-initiated from agent-initiated sessions.
type InitiatorType string

const (
	InitiatorUser  InitiatorType = "user"
	InitiatorAgent InitiatorType = "agent"
)

// Valid reports whether t belongs to the closed initiator enumeration.
func (t InitiatorType) Valid() bool {
	return t == InitiatorUser || t == InitiatorAgent
}

// Initiator identifies the upstream agent in agent-to-agent delegation.
type Initiator struct {
	AgentID     string `json:"agent_id,omitempty"`
	ManifestRef string `json:"manifest_ref,omitempty"`
	OperatorID  string `json:"operator_id,omitempty"`
}

// UserContext carries segmentation data for attribution across user segments
// without requiring personally identifiable information. ExternalID should
// not be PII; use a hashed or synthetic identifier.
type UserContext struct {
	ExternalID string                 `json:"external_id,omitempty"`
	Segments   []string               `json:"segments,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// ConversationTurn is a single query/response exchange, with the privacy
// level deciding which fields are populated. Text fields are permitted at
// full/summary, intent and topics at full/summary/intent, token counts and
// content URLs at every level.
type ConversationTurn struct {
	PrivacyLevel PrivacyLevel `json:"privacy_level"`

	// Full/summary level fields
	QueryText    string `json:"query_text,omitempty"`
	ResponseText string `json:"response_text,omitempty"`

	// Intent level fields
	QueryIntent  IntentCategory `json:"query_intent,omitempty"`
	ResponseType string         `json:"response_type,omitempty"` // "recommendation", "explanation", ...
	Topics       []string       `json:"topics,omitempty"`

	// Minimal level fields (always safe to include)
	ContentURLsRetrieved []string `json:"content_urls_retrieved,omitempty"`
	ContentURLsCited     []string `json:"content_urls_cited,omitempty"`
	QueryTokens          int      `json:"query_tokens,omitempty"`
	ResponseTokens       int      `json:"response_tokens,omitempty"`
	ModelID              string   `json:"model_id,omitempty"`
}

// Event is the atomic unit of tracking. Each event carries a type, a UTC
// timestamp, and at most one of a content URL or product association. The
// Data map holds type-specific metadata (citation quality fields and the
// like); its keys are forward-compatible and never validated.
type Event struct {
	ID         uuid.UUID              `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	ContentURL string                 `json:"content_url,omitempty"`
	ProductID  *uuid.UUID             `json:"product_id,omitempty"`
	Turn       *ConversationTurn      `json:"turn,omitempty"` // conversation events only
	Data       map[string]interface{} `json:"data,omitempty"`
}

// SessionOutcome captures the business result of a session. ValueAmount is
// in minor currency units (cents, pence, yen) to avoid floating-point
// rounding drift across currencies with different subdivision counts.
type SessionOutcome struct {
	Type        OutcomeType            `json:"type"`
	ValueAmount int64                  `json:"value_amount,omitempty"`
	Currency    string                 `json:"currency,omitempty"` // ISO 4217
	Products    []uuid.UUID            `json:"products,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Session is the complete telemetry container: a bounded interaction
// between a user and an AI agent, from start to outcome.
//
// ContentScope is an opaque identifier for the content collection or
// permissions context; it is never parsed, only matched for equality.
// PriorSessionIDs chain sessions into a journey; the chain is stored
// inertly and never traversed at this layer, so cycles are tolerated.
// A session with no EndedAt is open and may still receive events; once
// set, EndedAt is immutable.
type Session struct {
	SchemaVersion string    `json:"schema_version,omitempty"`
	SessionID     uuid.UUID `json:"session_id"`
	AgentID       string    `json:"agent_id,omitempty"`

	InitiatorType InitiatorType `json:"initiator_type,omitempty"`
	Initiator     *Initiator    `json:"initiator,omitempty"`

	// Content scope and licensing
	ContentScope string `json:"content_scope,omitempty"`
	ManifestRef  string `json:"manifest_ref,omitempty"`

	// Cross-session attribution
	PriorSessionIDs []uuid.UUID `json:"prior_session_ids,omitempty"`

	// Session lifecycle
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	UserContext *UserContext    `json:"user_context,omitempty"`
	Events      []Event         `json:"events,omitempty"`
	Outcome     *SessionOutcome `json:"outcome,omitempty"`
}
