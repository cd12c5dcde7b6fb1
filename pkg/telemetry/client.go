package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"openattribution/pkg/errors"
	"openattribution/pkg/logger"
)

// Config configures the delivery client.
type Config struct {
	// Endpoint is the base URL of the telemetry ingestion API.
	Endpoint string
	// APIKey is the opaque bearer credential attached per call. Its
	// validation is the server operator's concern.
	APIKey string
	// Timeout bounds each HTTP request (default 30s).
	Timeout time.Duration
	// Retry bounds the retry loop for transient failures.
	Retry RetryConfig
	// FailLoud surfaces terminal delivery errors to the caller instead of
	// swallowing them. The default (fail-silent) returns a nil sentinel so
	// a telemetry fault can never fail the host application's primary path.
	FailLoud bool
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client delivers sessions, events and outcomes to an ingestion endpoint.
//
// Every call is independent and may be issued concurrently; the client holds
// no cross-call mutable state besides its immutable configuration. The
// privacy gate is applied at emission time, so non-conforming conversation
// data never crosses the wire.
type Client struct {
	endpoint   string
	apiKey     string
	retry      RetryConfig
	failSilent bool
	http       *http.Client
	log        *logger.Logger
}

// NewClient creates a delivery client. The endpoint's trailing slash is
// stripped.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.NewValidationError("endpoint", "endpoint is required", nil)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		retry:      cfg.Retry.withDefaults(),
		failSilent: !cfg.FailLoud,
		http:       httpClient,
		log:        logger.Get().With("component", "telemetry_client"),
	}, nil
}

// StartOptions carries the optional fields of a session start.
type StartOptions struct {
	ContentScope      string
	ManifestRef       string
	AgentID           string
	ExternalSessionID string
	InitiatorType     InitiatorType
	Initiator         *Initiator
	UserContext       *UserContext
	PriorSessionIDs   []uuid.UUID
	// IdempotencyKey lets the server collapse a retried start into the
	// original session instead of creating a duplicate.
	IdempotencyKey string
}

type startRequest struct {
	ContentScope      string        `json:"content_scope,omitempty"`
	ManifestRef       string        `json:"manifest_ref,omitempty"`
	AgentID           string        `json:"agent_id,omitempty"`
	ExternalSessionID string        `json:"external_session_id,omitempty"`
	InitiatorType     InitiatorType `json:"initiator_type,omitempty"`
	Initiator         *Initiator    `json:"initiator,omitempty"`
	UserContext       *UserContext  `json:"user_context,omitempty"`
	PriorSessionIDs   []uuid.UUID   `json:"prior_session_ids,omitempty"`
	IdempotencyKey    string        `json:"idempotency_key,omitempty"`
}

type startResponse struct {
	SessionID uuid.UUID `json:"session_id"`
}

// StartSession creates a session server-side and returns its identifier.
// In fail-silent mode a delivery failure returns (nil, nil); subsequent
// calls with the nil session id become no-ops, so an unreachable telemetry
// endpoint costs the host exactly one failed delivery attempt sequence.
func (c *Client) StartSession(ctx context.Context, opts StartOptions) (*uuid.UUID, error) {
	if opts.InitiatorType != "" && !opts.InitiatorType.Valid() {
		return nil, errors.NewValidationError("initiator_type", "unknown initiator type", string(opts.InitiatorType))
	}

	req := startRequest{
		ContentScope:      opts.ContentScope,
		ManifestRef:       opts.ManifestRef,
		AgentID:           opts.AgentID,
		ExternalSessionID: opts.ExternalSessionID,
		InitiatorType:     opts.InitiatorType,
		Initiator:         opts.Initiator,
		UserContext:       opts.UserContext,
		PriorSessionIDs:   opts.PriorSessionIDs,
		IdempotencyKey:    opts.IdempotencyKey,
	}

	var resp startResponse
	if err := c.post(ctx, "/session/start", req, &resp); err != nil {
		return nil, c.swallow(err, "start_session")
	}
	return &resp.SessionID, nil
}

// EventOptions carries the optional fields of a single recorded event.
type EventOptions struct {
	ContentURL string
	ProductID  *uuid.UUID
	Turn       *ConversationTurn
	Data       map[string]interface{}
}

// RecordEvent records one event. The event id is generated client-side so a
// delivery retry cannot duplicate the row server-side.
func (c *Client) RecordEvent(ctx context.Context, sessionID *uuid.UUID, eventType EventType, opts EventOptions) error {
	event := Event{
		ID:         uuid.New(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		ContentURL: opts.ContentURL,
		ProductID:  opts.ProductID,
		Turn:       opts.Turn,
		Data:       opts.Data,
	}
	return c.RecordEvents(ctx, sessionID, []Event{event})
}

type eventsRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	Events    []Event   `json:"events"`
}

// RecordEvents records a batch of events, preserving the caller-supplied
// order. A nil session id or empty batch is a no-op: it prevents wasted
// round-trips after an upstream fail-silent start. Conversation turns are
// passed through the privacy gate before serialization.
func (c *Client) RecordEvents(ctx context.Context, sessionID *uuid.UUID, events []Event) error {
	if sessionID == nil || len(events) == 0 {
		return nil
	}

	gated := make([]Event, len(events))
	for i, event := range events {
		if event.Turn != nil {
			turn, err := Gate(event.Turn, event.Turn.PrivacyLevel)
			if err != nil {
				return err
			}
			event.Turn = turn
		}
		if event.ID == uuid.Nil {
			event.ID = uuid.New()
		}
		if err := ValidateEvent(&event); err != nil {
			return err
		}
		gated[i] = event
	}

	req := eventsRequest{SessionID: *sessionID, Events: gated}
	if err := c.post(ctx, "/events", req, nil); err != nil {
		return c.swallow(err, "record_events")
	}
	return nil
}

type endRequest struct {
	SessionID uuid.UUID      `json:"session_id"`
	Outcome   SessionOutcome `json:"outcome"`
}

// EndSession closes a session with its terminal outcome. A nil session id
// is a no-op.
func (c *Client) EndSession(ctx context.Context, sessionID *uuid.UUID, outcome SessionOutcome) error {
	if sessionID == nil {
		return nil
	}
	if err := ValidateOutcome(&outcome); err != nil {
		return err
	}

	req := endRequest{SessionID: *sessionID, Outcome: outcome}
	if err := c.post(ctx, "/session/end", req, nil); err != nil {
		return c.swallow(err, "end_session")
	}
	return nil
}

// UploadSession delivers a fully assembled session in one shot. The server
// treats the caller-supplied session id as an external reference and mints
// its own primary identifier, which is returned; colliding caller id schemes
// across tenants therefore persist independently.
func (c *Client) UploadSession(ctx context.Context, session *Session) (*uuid.UUID, error) {
	if session == nil {
		return nil, errors.NewValidationError("session", "session is required", nil)
	}

	upload := *session
	if upload.SchemaVersion == "" {
		upload.SchemaVersion = SchemaVersion
	}
	upload.Events = make([]Event, len(session.Events))
	for i, event := range session.Events {
		if event.Turn != nil {
			turn, err := Gate(event.Turn, event.Turn.PrivacyLevel)
			if err != nil {
				return nil, err
			}
			event.Turn = turn
		}
		if event.ID == uuid.Nil {
			event.ID = uuid.New()
		}
		upload.Events[i] = event
	}
	if err := ValidateSession(&upload); err != nil {
		return nil, err
	}

	var resp startResponse
	if err := c.post(ctx, "/session/bulk", upload, &resp); err != nil {
		return nil, c.swallow(err, "upload_session")
	}
	return &resp.SessionID, nil
}

// post delivers one JSON payload with bounded retries, decoding the response
// body into out when out is non-nil.
func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to encode payload")
	}

	url := c.endpoint + path
	return retry(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(detail))}
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return errors.Wrap(err, "failed to decode response")
			}
		}
		return nil
	})
}

// swallow implements fail-silent semantics for terminal delivery errors:
// the error is logged and replaced with the nil sentinel, so telemetry can
// never break the host application's primary control flow.
func (c *Client) swallow(err error, operation string) error {
	if err == nil || !c.failSilent {
		return err
	}
	c.log.Warnw("telemetry delivery failed", "operation", operation, "error", err)
	return nil
}
