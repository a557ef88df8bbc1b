//go:build integration

package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Unfixab1e/fitfolio/internal/events"
	"github.com/Unfixab1e/fitfolio/internal/logging"
)

func TestReplayerRequeuesDeadLetteredEvents(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)
	userID := markSynced(t, ctx, repo, "carol")

	failing := NewDispatcher(repo.Pool(), &stubProducer{err: errors.New("broker down")}, &stubRegistry{id: 3}, 10*time.Millisecond, 5, WithLogger(logging.Discard()))
	require.NoError(t, failing.processBatch(ctx))

	replayer := NewReplayer(repo.Pool(), 3, time.Minute, logging.Discard())
	requeued, err := replayer.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)

	var dlq int
	require.NoError(t, repo.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq`).Scan(&dlq))
	require.Zero(t, dlq)

	producer := &stubProducer{}
	healthy := NewDispatcher(repo.Pool(), producer, &stubRegistry{id: 3}, 10*time.Millisecond, 5, WithLogger(logging.Discard()))
	require.NoError(t, healthy.processBatch(ctx))
	require.Len(t, producer.writes, 1)
	require.Equal(t, events.SyncCompletedTopic, producer.writes[0].topic)
	require.Equal(t, userID, string(producer.writes[0].messages[0].Key))
}

func TestReplayerBacksOffThenQuarantines(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)
	seedOutbox(t, ctx, repo.Pool(), "agg-1", "health.unknown")

	dispatcher := NewDispatcher(repo.Pool(), &stubProducer{}, &stubRegistry{id: 1}, 10*time.Millisecond, 5, WithLogger(logging.Discard()))
	require.NoError(t, dispatcher.processBatch(ctx))

	replayer := NewReplayer(repo.Pool(), 2, time.Minute, logging.Discard())
	requeued, err := replayer.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, requeued)

	var retries int
	var reason string
	var due bool
	require.NoError(t, repo.Pool().QueryRow(ctx,
		`SELECT retry_count, reason, next_retry_at > NOW() FROM outbox_dlq`).Scan(&retries, &reason, &due))
	require.Equal(t, 1, retries)
	require.Contains(t, reason, "no schema metadata")
	require.True(t, due)

	// Not due yet.
	requeued, err = replayer.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, requeued)

	_, err = repo.Pool().Exec(ctx, `UPDATE outbox_dlq SET retry_count = 2, next_retry_at = NULL`)
	require.NoError(t, err)
	_, err = replayer.RunOnce(ctx, 10)
	require.NoError(t, err)

	var quarantined int
	require.NoError(t, repo.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NOT NULL`).Scan(&quarantined))
	require.Equal(t, 1, quarantined)

	var outboxRows int
	require.NoError(t, repo.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&outboxRows))
	require.Zero(t, outboxRows)
}
