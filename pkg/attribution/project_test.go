package attribution

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openattribution/pkg/telemetry"
)

var baseTime = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newSession(events ...telemetry.Event) *telemetry.Session {
	for i := range events {
		if events[i].ID == uuid.Nil {
			events[i].ID = uuid.New()
		}
	}
	return &telemetry.Session{
		SessionID:    uuid.New(),
		ContentScope: "outdoor-gear-reviews",
		StartedAt:    baseTime,
		Events:       events,
	}
}

func retrieved(url string, offset time.Duration) telemetry.Event {
	return telemetry.Event{
		Type:       telemetry.EventContentRetrieved,
		Timestamp:  baseTime.Add(offset),
		ContentURL: url,
	}
}

func cited(url string, offset time.Duration, data map[string]interface{}) telemetry.Event {
	return telemetry.Event{
		Type:       telemetry.EventContentCited,
		Timestamp:  baseTime.Add(offset),
		ContentURL: url,
		Data:       data,
	}
}

func TestProject_DeduplicatesRetrievedKeepingEarliest(t *testing.T) {
	session := newSession(
		retrieved("https://example.com/a", 2*time.Minute),
		retrieved("https://example.com/b", time.Minute),
		retrieved("https://example.com/a", 30*time.Second),
		retrieved("https://example.com/a", 5*time.Minute),
	)

	attr, err := Project(session)
	require.NoError(t, err)

	require.Len(t, attr.ContentRetrieved, 2)
	// First-seen order with the earliest timestamp per URL.
	assert.Equal(t, "https://example.com/a", attr.ContentRetrieved[0].ContentURL)
	assert.Equal(t, baseTime.Add(30*time.Second), attr.ContentRetrieved[0].Timestamp)
	assert.Equal(t, "https://example.com/b", attr.ContentRetrieved[1].ContentURL)
}

func TestProject_CitationMetadataLastWins(t *testing.T) {
	session := newSession(
		cited("https://example.com/a", time.Minute, map[string]interface{}{
			"citation_type": "reference", "excerpt_tokens": 10,
		}),
		cited("https://example.com/a", 3*time.Minute, map[string]interface{}{
			"citation_type": "quote", "excerpt_tokens": 42, "content_hash": "abc123",
		}),
	)

	attr, err := Project(session)
	require.NoError(t, err)

	require.Len(t, attr.ContentCited, 1)
	entry := attr.ContentCited[0]
	assert.Equal(t, "quote", entry.CitationType)
	assert.Equal(t, 42, entry.ExcerptTokens)
	assert.Equal(t, "abc123", entry.ContentHash)
	assert.Equal(t, baseTime.Add(3*time.Minute), entry.Timestamp)
}

func TestProject_CitationTieResolvesToLaterEvent(t *testing.T) {
	session := newSession(
		cited("https://example.com/a", time.Minute, map[string]interface{}{"citation_type": "reference"}),
		cited("https://example.com/a", time.Minute, map[string]interface{}{"citation_type": "quote"}),
	)

	attr, err := Project(session)
	require.NoError(t, err)

	require.Len(t, attr.ContentCited, 1)
	assert.Equal(t, "quote", attr.ContentCited[0].CitationType)
}

func TestProject_ConversationSummary(t *testing.T) {
	session := newSession(
		retrieved("https://example.com/a", time.Second),
		telemetry.Event{
			Type:      telemetry.EventTurnCompleted,
			Timestamp: baseTime.Add(time.Minute),
			Turn: &telemetry.ConversationTurn{
				PrivacyLevel: telemetry.PrivacyIntent,
				QueryIntent:  telemetry.IntentComparison,
				Topics:       []string{"boots", "crampons"},
			},
		},
		telemetry.Event{
			Type:      telemetry.EventTurnCompleted,
			Timestamp: baseTime.Add(2 * time.Minute),
			Turn: &telemetry.ConversationTurn{
				PrivacyLevel: telemetry.PrivacyIntent,
				QueryIntent:  telemetry.IntentComparison,
				Topics:       []string{"boots", "gaiters"},
			},
		},
		telemetry.Event{
			Type:      telemetry.EventTurnCompleted,
			Timestamp: baseTime.Add(3 * time.Minute),
			Turn: &telemetry.ConversationTurn{
				PrivacyLevel: telemetry.PrivacyIntent,
				QueryIntent:  telemetry.IntentPurchase,
			},
		},
	)

	attr, err := Project(session)
	require.NoError(t, err)

	summary := attr.ConversationSummary
	require.NotNil(t, summary)
	assert.Equal(t, 3, summary.TurnCount)
	assert.Equal(t, string(telemetry.IntentComparison), summary.PrimaryIntent)
	assert.Equal(t, []string{"boots", "crampons", "gaiters"}, summary.Topics)
	assert.Equal(t, 1, summary.TotalContentRetrieved)
	assert.Equal(t, 0, summary.TotalContentCited)
}

func TestProject_TurnActivityWithoutCompletionCountsOne(t *testing.T) {
	session := newSession(telemetry.Event{
		Type:      telemetry.EventTurnStarted,
		Timestamp: baseTime.Add(time.Second),
	})

	attr, err := Project(session)
	require.NoError(t, err)
	require.NotNil(t, attr.ConversationSummary)
	assert.Equal(t, 1, attr.ConversationSummary.TurnCount)
}

func TestProject_EmptySessionOmitsCollections(t *testing.T) {
	attr, err := Project(newSession())
	require.NoError(t, err)

	assert.Nil(t, attr.ContentRetrieved)
	assert.Nil(t, attr.ContentCited)
	assert.Nil(t, attr.ConversationSummary)

	raw, err := json.Marshal(attr)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "content_retrieved")
	assert.NotContains(t, string(raw), "conversation_summary")
}

func TestProject_Idempotent(t *testing.T) {
	session := newSession(
		retrieved("https://example.com/a", time.Second),
		cited("https://example.com/a", time.Minute, map[string]interface{}{"citation_type": "quote"}),
	)

	first, err := Project(session)
	require.NoError(t, err)
	second, err := Project(session)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestProject_RejectsInvalidSession(t *testing.T) {
	session := newSession(telemetry.Event{
		Type:      telemetry.EventType("bogus"),
		Timestamp: baseTime,
	})
	_, err := Project(session)
	require.Error(t, err)
}

func TestForCheckout_OmitsPriorSessionIDs(t *testing.T) {
	session := newSession(retrieved("https://example.com/a", time.Second))
	session.PriorSessionIDs = []uuid.UUID{uuid.New(), uuid.New()}

	ext, err := ForCheckout(session)
	require.NoError(t, err)

	assert.Nil(t, ext.Attribution.PriorSessionIDs)
	assert.Len(t, ext.Attribution.ContentRetrieved, 1)

	raw, err := json.Marshal(ext)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "prior_session_ids")
	assert.Contains(t, string(raw), `"attribution"`)
}

func TestForContent_KeepsPriorSessionIDs(t *testing.T) {
	prior := uuid.New()
	session := newSession()
	session.PriorSessionIDs = []uuid.UUID{prior}

	attr, err := ForContent(session)
	require.NoError(t, err)
	assert.Equal(t, []string{prior.String()}, attr.PriorSessionIDs)
}

func TestProject_IncrementalSnapshotsConverge(t *testing.T) {
	// Projecting a prefix of the session, then the full session, must agree
	// on the prefix content.
	full := newSession(
		retrieved("https://example.com/a", time.Second),
		retrieved("https://example.com/b", 2*time.Second),
		cited("https://example.com/a", time.Minute, map[string]interface{}{"citation_type": "quote"}),
	)
	prefix := newSession(full.Events[:2]...)
	prefix.SessionID = full.SessionID

	partial, err := Project(prefix)
	require.NoError(t, err)
	complete, err := Project(full)
	require.NoError(t, err)

	assert.Equal(t, partial.ContentRetrieved, complete.ContentRetrieved)
	assert.Len(t, complete.ContentCited, 1)
}
