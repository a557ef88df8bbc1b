package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Unfixab1e/fitfolio/internal/domain"
	"github.com/Unfixab1e/fitfolio/internal/gateway"
	"github.com/Unfixab1e/fitfolio/internal/logging"
	"github.com/Unfixab1e/fitfolio/internal/normalize"
	"github.com/Unfixab1e/fitfolio/internal/persistence/memory"
)

type stubFetcher struct {
	mu      sync.Mutex
	records map[domain.MetricType][]gateway.RawRecord
	errs    map[domain.MetricType]error
	calls   []domain.MetricType
}

func (f *stubFetcher) Fetch(_ context.Context, _ string, metric domain.MetricType) ([]gateway.RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, metric)
	if err := f.errs[metric]; err != nil {
		return nil, err
	}
	return f.records[metric], nil
}

func stepsRecords(n int) []gateway.RawRecord {
	out := make([]gateway.RawRecord, 0, n)
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		out = append(out, gateway.RawRecord{
			ID:    fmt.Sprintf("steps-%d", i),
			Start: base.AddDate(0, 0, i).Format(time.RFC3339),
			Data:  json.RawMessage(fmt.Sprintf(`{"count":%d}`, 1000*(i+1))),
		})
	}
	return out
}

func weightRecords(n int) []gateway.RawRecord {
	out := make([]gateway.RawRecord, 0, n)
	base := time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		out = append(out, gateway.RawRecord{
			ID:    fmt.Sprintf("weight-%d", i),
			Start: base.AddDate(0, 0, i).Format(time.RFC3339),
			Data:  json.RawMessage(fmt.Sprintf(`{"weight":%d.5}`, 70+i)),
		})
	}
	return out
}

func sleepRecords(n int) []gateway.RawRecord {
	out := make([]gateway.RawRecord, 0, n)
	base := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		start := base.AddDate(0, 0, i)
		out = append(out, gateway.RawRecord{
			ID:    fmt.Sprintf("sleep-%d", i),
			Start: start.Format(time.RFC3339),
			End:   start.Add(8 * time.Hour).Format(time.RFC3339),
		})
	}
	return out
}

func newFixture(t *testing.T, fetcher *stubFetcher, opts ...Option) (*memory.Store, *Orchestrator) {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.CreateUser(context.Background(), domain.User{ID: "u1", Username: "alice"}))
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return store, NewOrchestrator(store, store, fetcher, normalize.New(), opts...)
}

func TestSyncUserCountsCreatedRecordsPerMetric(t *testing.T) {
	fetcher := &stubFetcher{records: map[domain.MetricType][]gateway.RawRecord{
		domain.MetricSteps:        stepsRecords(3),
		domain.MetricWeight:       weightRecords(2),
		domain.MetricSleepSession: sleepRecords(4),
	}}
	fixed := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	store, orch := newFixture(t, fetcher, WithClock(func() time.Time { return fixed }))

	summary, err := orch.SyncUser(context.Background(), "u1", "hc-1")
	require.NoError(t, err)
	require.Equal(t, 3, summary.StepsRecords)
	require.Equal(t, 2, summary.WeightRecords)
	require.Equal(t, 4, summary.SleepRecords)
	require.Equal(t, 9, summary.TotalRecords)
	require.Equal(t, fixed, summary.SyncedAt)
	require.Len(t, summary.Stages, 3)
	require.Equal(t, []domain.MetricType{domain.MetricSteps, domain.MetricWeight, domain.MetricSleepSession}, fetcher.calls)

	require.Equal(t, 3, store.RecordCount("u1", domain.MetricSteps))
	require.Equal(t, 4, store.RecordCount("u1", domain.MetricSleepSession))
}

func TestSyncUserGatewayFailureReportsZeroForThatStage(t *testing.T) {
	fetcher := &stubFetcher{
		records: map[domain.MetricType][]gateway.RawRecord{
			domain.MetricWeight:       weightRecords(2),
			domain.MetricSleepSession: sleepRecords(3),
		},
		errs: map[domain.MetricType]error{
			domain.MetricSteps: &gateway.Error{Status: 503, Message: "unavailable"},
		},
	}
	_, orch := newFixture(t, fetcher)

	summary, err := orch.SyncUser(context.Background(), "u1", "hc-1")
	require.NoError(t, err)
	require.Equal(t, 0, summary.StepsRecords)
	require.Equal(t, 2, summary.WeightRecords)
	require.Equal(t, 3, summary.SleepRecords)
	require.Equal(t, 5, summary.TotalRecords)
	require.True(t, summary.Stages[0].Failed)
	require.False(t, summary.Stages[1].Failed)
}

func TestSyncUserEmptyPage(t *testing.T) {
	_, orch := newFixture(t, &stubFetcher{})
	summary, err := orch.SyncUser(context.Background(), "u1", "hc-1")
	require.NoError(t, err)
	require.Zero(t, summary.TotalRecords)
	for _, stage := range summary.Stages {
		require.False(t, stage.Failed)
		require.Zero(t, stage.Fetched)
	}
}

func TestSyncUserRerunIsIdempotent(t *testing.T) {
	fetcher := &stubFetcher{records: map[domain.MetricType][]gateway.RawRecord{
		domain.MetricSteps:        stepsRecords(5),
		domain.MetricWeight:       weightRecords(5),
		domain.MetricSleepSession: sleepRecords(5),
	}}
	store, orch := newFixture(t, fetcher)

	first, err := orch.SyncUser(context.Background(), "u1", "hc-1")
	require.NoError(t, err)
	require.Equal(t, 15, first.TotalRecords)

	second, err := orch.SyncUser(context.Background(), "u1", "hc-1")
	require.NoError(t, err)
	require.Zero(t, second.TotalRecords)
	for _, stage := range second.Stages {
		require.Equal(t, 5, stage.Updated)
	}
	for _, metric := range domain.MetricTypes {
		require.Equal(t, 5, store.RecordCount("u1", metric))
	}
}

func TestSyncUserSkipsMalformedRecords(t *testing.T) {
	records := stepsRecords(3)
	records[1].Start = "not-a-date"
	sleeps := sleepRecords(2)
	sleeps[0].End = ""
	fetcher := &stubFetcher{records: map[domain.MetricType][]gateway.RawRecord{
		domain.MetricSteps:        records,
		domain.MetricSleepSession: sleeps,
	}}
	store, orch := newFixture(t, fetcher)

	summary, err := orch.SyncUser(context.Background(), "u1", "hc-1")
	require.NoError(t, err)
	require.Equal(t, 2, summary.StepsRecords)
	require.Equal(t, 1, summary.SleepRecords)

	steps := summary.Stages[0]
	require.Equal(t, 3, steps.Fetched)
	require.Equal(t, 1, steps.Skipped)
	require.False(t, steps.Failed)
	require.Equal(t, 1, summary.Stages[2].Skipped)
	require.Equal(t, 2, store.RecordCount("u1", domain.MetricSteps))
}

func TestSyncUserUnknownUserStopsBeforeFetching(t *testing.T) {
	fetcher := &stubFetcher{}
	_, orch := newFixture(t, fetcher)

	_, err := orch.SyncUser(context.Background(), "ghost", "hc-x")
	var unknown *domain.UnknownUserError
	require.ErrorAs(t, err, &unknown)
	require.ErrorIs(t, err, domain.ErrUserNotFound)
	require.Empty(t, fetcher.calls)
}

// failingRecords fails every upsert of one metric after a number of successful writes.
type failingRecords struct {
	domain.RecordRepository
	metric domain.MetricType
	after  int
	writes int
}

func (f *failingRecords) Upsert(ctx context.Context, rec domain.Record) (bool, error) {
	if rec.Metric == f.metric {
		if f.writes >= f.after {
			return false, &domain.StoreError{Op: "upsert", Metric: rec.Metric, Err: errors.New("disk full")}
		}
		f.writes++
	}
	return f.RecordRepository.Upsert(ctx, rec)
}

func TestSyncUserStoreErrorEndsOnlyThatStage(t *testing.T) {
	fetcher := &stubFetcher{records: map[domain.MetricType][]gateway.RawRecord{
		domain.MetricSteps:        stepsRecords(2),
		domain.MetricWeight:       weightRecords(4),
		domain.MetricSleepSession: sleepRecords(2),
	}}
	store := memory.NewStore()
	require.NoError(t, store.CreateUser(context.Background(), domain.User{ID: "u1", Username: "alice"}))
	records := &failingRecords{RecordRepository: store, metric: domain.MetricWeight, after: 1}
	orch := NewOrchestrator(store, records, fetcher, normalize.New(), WithLogger(logging.Discard()))

	summary, err := orch.SyncUser(context.Background(), "u1", "hc-1")
	require.NoError(t, err)
	require.Equal(t, 2, summary.StepsRecords)
	require.Equal(t, 1, summary.WeightRecords)
	require.Equal(t, 2, summary.SleepRecords)

	weight := summary.Stages[1]
	require.True(t, weight.Failed)
	require.Contains(t, weight.Error, "disk full")
	require.Equal(t, 1, store.RecordCount("u1", domain.MetricWeight))
}

func TestSyncUserOversizedCountSkipsOnlyThatRecord(t *testing.T) {
	oversized := gateway.RawRecord{
		ID:    "steps-huge",
		Start: "2023-12-31T08:00:00Z",
		Data:  json.RawMessage(`{"count":1e30}`),
	}
	fetcher := &stubFetcher{records: map[domain.MetricType][]gateway.RawRecord{
		domain.MetricSteps: append([]gateway.RawRecord{oversized}, stepsRecords(2)...),
	}}
	store, orch := newFixture(t, fetcher)

	summary, err := orch.SyncUser(context.Background(), "u1", "hc-1")
	require.NoError(t, err)
	require.Equal(t, 2, summary.StepsRecords)

	steps := summary.Stages[0]
	require.False(t, steps.Failed)
	require.Equal(t, 3, steps.Fetched)
	require.Equal(t, 1, steps.Skipped)
	require.Equal(t, 2, store.RecordCount("u1", domain.MetricSteps))
}

func TestSyncUserStoreRejectedRecordIsSkipped(t *testing.T) {
	fetcher := &stubFetcher{records: map[domain.MetricType][]gateway.RawRecord{
		domain.MetricSteps: stepsRecords(3),
	}}
	store := memory.NewStore()
	require.NoError(t, store.CreateUser(context.Background(), domain.User{ID: "u1", Username: "alice"}))

	// An extractor that lets a negative count through; the store still refuses it.
	n := normalize.New()
	n.Register(domain.MetricSteps, func(raw gateway.RawRecord) (domain.Record, error) {
		start, err := normalize.ParseTimestamp(raw.Start)
		if err != nil {
			return domain.Record{}, err
		}
		steps := 100
		if raw.ID == "steps-0" {
			steps = -1
		}
		return domain.Record{Date: domain.DateOf(start), Activity: &domain.ActivityFields{Steps: steps}}, nil
	})
	orch := NewOrchestrator(store, store, fetcher, n, WithLogger(logging.Discard()))

	summary, err := orch.SyncUser(context.Background(), "u1", "hc-1")
	require.NoError(t, err)
	steps := summary.Stages[0]
	require.False(t, steps.Failed)
	require.Equal(t, 1, steps.Skipped)
	require.Equal(t, 2, steps.Created)
	require.Equal(t, 2, store.RecordCount("u1", domain.MetricSteps))
}

func TestConcurrentStagesMatchSequentialTotals(t *testing.T) {
	records := map[domain.MetricType][]gateway.RawRecord{
		domain.MetricSteps:        stepsRecords(6),
		domain.MetricWeight:       weightRecords(3),
		domain.MetricSleepSession: sleepRecords(2),
	}
	_, sequential := newFixture(t, &stubFetcher{records: records})
	_, concurrent := newFixture(t, &stubFetcher{records: records}, WithConcurrentStages(true))

	a, err := sequential.SyncUser(context.Background(), "u1", "hc-1")
	require.NoError(t, err)
	b, err := concurrent.SyncUser(context.Background(), "u1", "hc-1")
	require.NoError(t, err)

	require.Equal(t, a.TotalRecords, b.TotalRecords)
	require.Equal(t, a.StepsRecords, b.StepsRecords)
	require.Equal(t, a.WeightRecords, b.WeightRecords)
	require.Equal(t, a.SleepRecords, b.SleepRecords)
	require.Equal(t, domain.MetricSteps, b.Stages[0].Metric)
}
