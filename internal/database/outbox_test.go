package database

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxRepository_InsertWithTx(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOutboxRepository(db)

	t.Run("insert fills defaults", func(t *testing.T) {
		event := &OutboxEvent{
			AggregateType: "panel",
			AggregateID:   uuid.NewString(),
			EventType:     "PANEL_REPARSED",
			Payload:       json.RawMessage(`{"asin":"B0C99GS958"}`),
		}

		err := db.WithTx(ctx, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		})

		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, event.ID)
		assert.Equal(t, OutboxStatusPending, event.Status)
		assert.Equal(t, DefaultTargetStream, event.TargetStream)
		assert.False(t, event.CreatedAt.IsZero())
	})

	t.Run("rolled back with the transaction", func(t *testing.T) {
		event := &OutboxEvent{
			AggregateType: "panel",
			AggregateID:   uuid.NewString(),
			EventType:     "PANEL_REPARSED",
			Payload:       json.RawMessage(`{}`),
		}

		err := db.WithTx(ctx, func(tx pgx.Tx) error {
			if err := repo.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
			return pgx.ErrTxClosed
		})
		assert.Error(t, err)

		events, err := repo.GetPending(ctx, 100)
		require.NoError(t, err)
		for _, e := range events {
			assert.NotEqual(t, event.AggregateID, e.AggregateID)
		}
	})

	t.Run("invalid event is rejected before the insert", func(t *testing.T) {
		err := db.WithTx(ctx, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, &OutboxEvent{AggregateType: "panel"})
		})
		assert.ErrorIs(t, err, ErrInvalidOutboxEvent)
	})
}

func TestOutboxRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOutboxRepository(db)

	event := &OutboxEvent{
		AggregateType: "panel",
		AggregateID:   uuid.NewString(),
		EventType:     "OVERRIDE_MISMATCH",
		Payload:       json.RawMessage(`{"asin":"B0C99GS958"}`),
		RetryCount:    MaxRetryCount - 1,
	}
	require.NoError(t, repo.Insert(ctx, event))

	pending, err := repo.GetPending(ctx, 100)
	require.NoError(t, err)
	for i := 1; i < len(pending); i++ {
		assert.False(t, pending[i].CreatedAt.Before(pending[i-1].CreatedAt))
	}

	require.NoError(t, repo.MarkFailed(ctx, event.ID, assert.AnError))

	var status string
	var retryCount int
	err = db.QueryRow(ctx,
		"SELECT status, retry_count FROM outbox_event WHERE id = $1", event.ID).Scan(&status, &retryCount)
	require.NoError(t, err)
	assert.Equal(t, OutboxStatusDeadLetter, status)
	assert.Equal(t, MaxRetryCount, retryCount)

	assert.Error(t, repo.MarkProcessed(ctx, uuid.New()))

	dead, err := repo.CountByStatus(ctx, OutboxStatusDeadLetter)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, dead, int64(1))
}

// setupTestDB connects to TEST_DATABASE_URL and skips the test when it is
// not set.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("Test database not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))
	t.Cleanup(pool.Close)

	return &DB{pool: pool}
}
