//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/Unfixab1e/fitfolio/internal/domain"
	"github.com/Unfixab1e/fitfolio/internal/events"
)

func setupRepository(t *testing.T, ctx context.Context) *Repository {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("fitfolio"),
		postgrescontainer.WithUsername("fitfolio"),
		postgrescontainer.WithPassword("fitfolio"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))
	require.NoError(t, Migrate(connStr))
	// A second run must be a no-op.
	require.NoError(t, Migrate(connStr))

	repo, err := Open(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}

func createUser(t *testing.T, ctx context.Context, repo *Repository, username string) domain.User {
	t.Helper()
	require.NoError(t, repo.CreateUser(ctx, domain.User{Username: username, Email: username + "@example.com"}))
	user, err := repo.GetUserByUsername(ctx, username)
	require.NoError(t, err)
	require.NotNil(t, user)
	return *user
}

func TestUpsertIsIdempotentPerUserAndDate(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)
	user := createUser(t, ctx, repo, "alice")

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := domain.Record{
		UserID:   user.ID,
		Date:     day,
		Metric:   domain.MetricSteps,
		Activity: &domain.ActivityFields{Steps: 1000, DistanceKM: 0.8, CaloriesBurned: 40},
	}

	created, err := repo.Upsert(ctx, rec)
	require.NoError(t, err)
	require.True(t, created)

	created, err = repo.Upsert(ctx, rec)
	require.NoError(t, err)
	require.False(t, created)

	rec.Activity = &domain.ActivityFields{Steps: 2500, DistanceKM: 2, CaloriesBurned: 100}
	created, err = repo.Upsert(ctx, rec)
	require.NoError(t, err)
	require.False(t, created)

	records, next, err := repo.ListByUserAndDateRange(ctx, domain.RecordQuery{UserID: user.ID, Metric: domain.MetricSteps, Limit: 10})
	require.NoError(t, err)
	require.Nil(t, next)
	require.Len(t, records, 1)
	require.Equal(t, 2500, records[0].Activity.Steps)
	require.True(t, records[0].Date.Equal(day))
}

func TestSleepUpsertKeepsOptionalFields(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)
	user := createUser(t, ctx, repo, "bob")

	start := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	end := start.Add(8 * time.Hour)
	deep, score := 90, 80
	_, err := repo.Upsert(ctx, domain.Record{
		UserID: user.ID,
		Date:   domain.DateOf(start),
		Metric: domain.MetricSleepSession,
		Sleep:  &domain.SleepFields{Start: &start, End: &end, TotalMinutes: 480, DeepMinutes: &deep, QualityScore: &score},
	})
	require.NoError(t, err)

	records, _, err := repo.ListByUserAndDateRange(ctx, domain.RecordQuery{UserID: user.ID, Metric: domain.MetricSleepSession, Limit: 5})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 480, records[0].Sleep.TotalMinutes)
	require.Equal(t, 90, *records[0].Sleep.DeepMinutes)
	require.Nil(t, records[0].Sleep.REMMinutes)
	require.Equal(t, 80, *records[0].Sleep.QualityScore)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)
	user := createUser(t, ctx, repo, "carol")

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := repo.Upsert(ctx, domain.Record{
			UserID: user.ID,
			Date:   base.AddDate(0, 0, i),
			Metric: domain.MetricWeight,
			Weight: &domain.WeightFields{WeightKG: 70 + float64(i)},
		})
		require.NoError(t, err)
	}

	page, next, err := repo.ListByUserAndDateRange(ctx, domain.RecordQuery{UserID: user.ID, Metric: domain.MetricWeight, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotNil(t, next)
	require.Equal(t, 74.0, page[0].Weight.WeightKG)

	page, _, err = repo.ListByUserAndDateRange(ctx, domain.RecordQuery{UserID: user.ID, Metric: domain.MetricWeight, Cursor: next, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, 72.0, page[0].Weight.WeightKG)

	ranged, _, err := repo.ListByUserAndDateRange(ctx, domain.RecordQuery{
		UserID: user.ID, Metric: domain.MetricWeight,
		From: base.AddDate(0, 0, 1), To: base.AddDate(0, 0, 2), Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, ranged, 2)
}

func TestProfilesAndMarkSyncedWriteOutbox(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)
	alice := createUser(t, ctx, repo, "alice")
	bob := createUser(t, ctx, repo, "bob")

	require.ErrorIs(t, repo.CreateUser(ctx, domain.User{Username: "alice"}), domain.ErrUserExists)

	created, err := repo.SaveProfile(ctx, domain.SyncProfile{UserID: alice.ID, SubjectID: "hc-alice", SyncEnabled: true})
	require.NoError(t, err)
	require.True(t, created)
	created, err = repo.SaveProfile(ctx, domain.SyncProfile{UserID: bob.ID, SubjectID: "", SyncEnabled: true})
	require.NoError(t, err)
	require.True(t, created)

	ready, err := repo.ListSyncEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "alice", ready[0].Username)

	syncedAt := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	summary := domain.SyncSummary{SyncedAt: syncedAt}
	summary.Add(domain.StageResult{Metric: domain.MetricSteps, Created: 3})
	summary.Add(domain.StageResult{Metric: domain.MetricWeight, Failed: true, Error: "boom"})
	require.NoError(t, repo.MarkSynced(ctx, alice.ID, summary))

	profile, err := repo.GetProfile(ctx, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, profile.LastSync)
	require.True(t, profile.LastSync.Equal(syncedAt))

	var eventType, topic, key string
	var total int
	require.NoError(t, repo.Pool().QueryRow(ctx,
		`SELECT event_type, topic, partition_key, (payload->>'total_records')::int FROM outbox WHERE aggregate_id = $1`, alice.ID,
	).Scan(&eventType, &topic, &key, &total))
	require.Equal(t, events.SyncCompletedType, eventType)
	require.Equal(t, events.SyncCompletedTopic, topic)
	require.Equal(t, alice.ID, key)
	require.Equal(t, 3, total)

	err = repo.MarkSynced(ctx, "00000000-0000-0000-0000-000000000000", summary)
	var storeErr *domain.StoreError
	require.ErrorAs(t, err, &storeErr)
}
