package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openattribution/pkg/errors"
)

func newTestClient(t *testing.T, endpoint string, failLoud bool) *Client {
	t.Helper()

	client, err := NewClient(Config{
		Endpoint: endpoint,
		APIKey:   "test-key",
		FailLoud: failLoud,
		Retry: RetryConfig{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return client
}

func TestStartSession_Success(t *testing.T) {
	wantID := uuid.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/start", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "news-network-a", req["content_scope"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"session_id": wantID.String()})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, true)
	id, err := client.StartSession(context.Background(), StartOptions{ContentScope: "news-network-a"})
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, wantID, *id)
}

func TestStartSession_RetriesTransientThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	wantID := uuid.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"session_id": wantID.String()})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, true)
	id, err := client.StartSession(context.Background(), StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, wantID, *id)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestStartSession_ExhaustedRetriesFailSilent(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, false)
	id, err := client.StartSession(context.Background(), StartOptions{})

	// Fail-silent: no error, nil sentinel, exactly MaxRetries+1 attempts.
	require.NoError(t, err)
	assert.Nil(t, id)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestStartSession_ExhaustedRetriesFailLoud(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, true)
	id, err := client.StartSession(context.Background(), StartOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDeliveryFailed))
	assert.Nil(t, id)
}

func TestStartSession_PermanentErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, true)
	_, err := client.StartSession(context.Background(), StartOptions{})
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRateLimitIsRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, true)
	sessionID := uuid.New()
	err := client.RecordEvent(context.Background(), &sessionID, EventContentRetrieved, EventOptions{
		ContentURL: "https://example.com/article",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRecordEvents_NilSessionIsNoOp(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, true)
	err := client.RecordEvents(context.Background(), nil, []Event{
		{Type: EventContentRetrieved, Timestamp: time.Now(), ContentURL: "https://example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), calls.Load(), "nil session id must not touch the network")

	require.NoError(t, client.EndSession(context.Background(), nil, SessionOutcome{Type: OutcomeBrowse}))
	assert.Equal(t, int32(0), calls.Load())
}

func TestRecordEvents_GatesTurnBeforeSend(t *testing.T) {
	received := make(chan Event, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Events []Event `json:"events"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Events, 1)
		received <- req.Events[0]
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, true)
	sessionID := uuid.New()
	err := client.RecordEvents(context.Background(), &sessionID, []Event{{
		Type:      EventTurnCompleted,
		Timestamp: time.Now(),
		Turn: &ConversationTurn{
			PrivacyLevel: PrivacyIntent,
			QueryText:    "should never cross the wire",
			QueryIntent:  IntentHowTo,
			QueryTokens:  7,
		},
	}})
	require.NoError(t, err)

	event := <-received
	require.NotNil(t, event.Turn)
	assert.Empty(t, event.Turn.QueryText, "text must be stripped at intent level before serialization")
	assert.Equal(t, IntentHowTo, event.Turn.QueryIntent)
	assert.Equal(t, 7, event.Turn.QueryTokens)
	assert.NotEqual(t, uuid.Nil, event.ID, "missing event ids are assigned client-side")
}

func TestRecordEvents_ValidationErrorSurfacesEvenFailSilent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, false)
	sessionID := uuid.New()
	err := client.RecordEvents(context.Background(), &sessionID, []Event{
		{Type: EventType("bogus"), Timestamp: time.Now()},
	})
	require.Error(t, err, "caller bugs must surface even in fail-silent mode")
	assert.Equal(t, int32(0), calls.Load())
}

func TestUploadSession_ReturnsServerMintedID(t *testing.T) {
	serverID := uuid.New()
	clientID := uuid.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/bulk", r.URL.Path)

		var wire Session
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		assert.Equal(t, SchemaVersion, wire.SchemaVersion)
		assert.Equal(t, clientID, wire.SessionID)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"session_id": serverID.String()})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, true)
	id, err := client.UploadSession(context.Background(), &Session{
		SessionID: clientID,
		StartedAt: time.Now().Add(-time.Minute),
		Events: []Event{
			{Type: EventContentRetrieved, Timestamp: time.Now(), ContentURL: "https://example.com/a"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, serverID, *id)
}

func TestNewClient_RequiresEndpoint(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestBackoffDelayCapped(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}.withDefaults()

	for attempt := 0; attempt < 10; attempt++ {
		delay := backoffDelay(cfg, attempt)
		assert.LessOrEqual(t, delay, cfg.MaxDelay+cfg.BaseDelay/2)
		assert.GreaterOrEqual(t, delay, cfg.BaseDelay)
	}
}

func TestIsRetryableError_ContextCancellation(t *testing.T) {
	assert.False(t, isRetryableError(context.Canceled))
	assert.False(t, isRetryableError(context.DeadlineExceeded))
	assert.True(t, isRetryableError(&statusError{code: 503}))
	assert.True(t, isRetryableError(&statusError{code: 429}))
	assert.True(t, isRetryableError(&statusError{code: 408}))
	assert.False(t, isRetryableError(&statusError{code: 404}))
	assert.False(t, isRetryableError(&statusError{code: 401}))
}
