package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "openattribution/internal/domain/telemetry"
	"openattribution/internal/testsupport"
	"openattribution/pkg/telemetry"
)

// eventTestTx returns a transaction that is rolled back after the test, with
// a parent session row already inserted to satisfy the foreign key.
func eventTestTx(t *testing.T) (*sqlx.Tx, uuid.UUID) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	helper := testsupport.NewTestPostgres(t)
	tx := helper.Tx()

	now := time.Now().UTC().Truncate(time.Microsecond)
	sess := &domain.Session{
		ID:            uuid.New(),
		InitiatorType: "user",
		StartedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, insertSession(context.Background(), tx, sess))

	return tx, sess.ID
}

func TestEventRepository_CreateBatchAndList(t *testing.T) {
	tx, sessionID := eventTestTx(t)
	repo := NewEventRepository(tx)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	url := "https://example.com/articles/winter-boots"
	productID := uuid.New()
	events := []*domain.Event{
		{
			ID:        uuid.New(),
			SessionID: sessionID,
			Type:      "turn_completed",
			Turn: &telemetry.ConversationTurn{
				PrivacyLevel: telemetry.PrivacyIntent,
				QueryIntent:  telemetry.IntentComparison,
				Topics:       []string{"boots"},
			},
			Timestamp: now.Add(2 * time.Second),
			CreatedAt: now,
		},
		{
			ID:         uuid.New(),
			SessionID:  sessionID,
			Type:       "content_retrieved",
			ContentURL: &url,
			Timestamp:  now,
			CreatedAt:  now,
		},
		{
			ID:        uuid.New(),
			SessionID: sessionID,
			Type:      "product_viewed",
			ProductID: &productID,
			Data:      map[string]interface{}{"source": "search"},
			Timestamp: now.Add(time.Second),
			CreatedAt: now,
		},
	}

	created, err := repo.CreateBatch(ctx, sessionID, events)
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	stored, err := repo.ListBySession(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, stored, 3)

	// Ordered by event timestamp, not insertion order.
	assert.Equal(t, "content_retrieved", stored[0].Type)
	assert.Equal(t, "product_viewed", stored[1].Type)
	assert.Equal(t, "turn_completed", stored[2].Type)

	require.NotNil(t, stored[0].ContentURL)
	assert.Equal(t, url, *stored[0].ContentURL)
	require.NotNil(t, stored[1].ProductID)
	assert.Equal(t, productID, *stored[1].ProductID)
	assert.Equal(t, map[string]interface{}{"source": "search"}, stored[1].Data)
	require.NotNil(t, stored[2].Turn)
	assert.Equal(t, telemetry.IntentComparison, stored[2].Turn.QueryIntent)
}

func TestEventRepository_ReplayedRowsNotCounted(t *testing.T) {
	tx, sessionID := eventTestTx(t)
	repo := NewEventRepository(tx)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	event := &domain.Event{
		ID:        uuid.New(),
		SessionID: sessionID,
		Type:      "turn_started",
		Timestamp: now,
		CreatedAt: now,
	}

	created, err := repo.CreateBatch(ctx, sessionID, []*domain.Event{event})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	// Same id again, plus one new event: only the new row counts.
	fresh := &domain.Event{
		ID:        uuid.New(),
		SessionID: sessionID,
		Type:      "turn_completed",
		Timestamp: now.Add(time.Second),
		CreatedAt: now,
	}
	created, err = repo.CreateBatch(ctx, sessionID, []*domain.Event{event, fresh})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	stored, err := repo.ListBySession(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestEventRepository_ListBySession_Empty(t *testing.T) {
	tx, sessionID := eventTestTx(t)
	repo := NewEventRepository(tx)

	stored, err := repo.ListBySession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}
