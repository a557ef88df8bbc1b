// Package syncer runs sync units: fetch, normalize and upsert every metric for a user.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Unfixab1e/fitfolio/internal/domain"
	"github.com/Unfixab1e/fitfolio/internal/gateway"
	"github.com/Unfixab1e/fitfolio/internal/normalize"
)

// Fetcher retrieves the raw records of one metric for a gateway subject.
type Fetcher interface {
	Fetch(ctx context.Context, subjectID string, metric domain.MetricType) ([]gateway.RawRecord, error)
}

// Normalizer maps raw records to canonical records.
type Normalizer interface {
	Normalize(raw gateway.RawRecord, metric domain.MetricType) (domain.Record, error)
}

// Syncer runs one sync unit for a user.
type Syncer interface {
	SyncUser(ctx context.Context, userID, subjectID string) (domain.SyncSummary, error)
}

// Option configures optional behaviour for the Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the logger used to report skipped records and failed stages.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithConcurrentStages runs the metric stages of a unit in parallel.
func WithConcurrentStages(enabled bool) Option {
	return func(o *Orchestrator) {
		o.concurrent = enabled
	}
}

// WithClock overrides the clock used to stamp summaries.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator runs Start, FetchSteps, FetchWeight, FetchSleep, Summarize for one user.
// No stage failure is fatal to the unit.
type Orchestrator struct {
	users      domain.UserRepository
	records    domain.RecordRepository
	fetcher    Fetcher
	normalizer Normalizer
	logger     *log.Logger
	concurrent bool
	now        func() time.Time
}

var _ Syncer = (*Orchestrator)(nil)

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(users domain.UserRepository, records domain.RecordRepository, fetcher Fetcher, normalizer Normalizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		users:      users,
		records:    records,
		fetcher:    fetcher,
		normalizer: normalizer,
		logger:     log.Default().WithPrefix("syncer"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SyncUser runs the sync unit of userID against the gateway subject subjectID.
// The only error returned is a failure to resolve the user.
func (o *Orchestrator) SyncUser(ctx context.Context, userID, subjectID string) (summary domain.SyncSummary, err error) {
	start := time.Now()
	defer func() { recordUnit(err, time.Since(start)) }()

	user, err := o.users.GetUser(ctx, userID)
	if err != nil {
		return domain.SyncSummary{}, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	if user == nil {
		return domain.SyncSummary{}, &domain.UnknownUserError{UserID: userID}
	}

	stages := make([]domain.StageResult, len(domain.MetricTypes))
	if o.concurrent {
		var wg sync.WaitGroup
		for i, metric := range domain.MetricTypes {
			wg.Add(1)
			go func(i int, metric domain.MetricType) {
				defer wg.Done()
				stages[i] = o.runStage(ctx, userID, subjectID, metric)
			}(i, metric)
		}
		wg.Wait()
	} else {
		for i, metric := range domain.MetricTypes {
			stages[i] = o.runStage(ctx, userID, subjectID, metric)
		}
	}

	summary = domain.SyncSummary{SyncedAt: o.now().UTC(), Stages: make([]domain.StageResult, 0, len(stages))}
	for _, stage := range stages {
		summary.Add(stage)
	}

	o.logger.Info("sync unit finished",
		"user_id", userID,
		"steps", summary.StepsRecords,
		"weight", summary.WeightRecords,
		"sleep", summary.SleepRecords,
		"total", summary.TotalRecords,
	)
	return summary, nil
}

func (o *Orchestrator) runStage(ctx context.Context, userID, subjectID string, metric domain.MetricType) domain.StageResult {
	stage := domain.StageResult{Metric: metric}

	raws, err := o.fetcher.Fetch(ctx, subjectID, metric)
	if err != nil {
		kind := "gateway"
		var gwErr *gateway.Error
		if !errors.As(err, &gwErr) {
			kind = "fetch"
		}
		o.logger.Warn("fetch failed, stage reports no records", "user_id", userID, "metric", metric, "err", err)
		recordStageFailure(metric, kind)
		stage.Failed = true
		stage.Error = err.Error()
		return stage
	}
	stage.Fetched = len(raws)

	for _, raw := range raws {
		rec, err := o.normalizer.Normalize(raw, metric)
		if err != nil {
			reason := normalize.ReasonInvalidValue
			var nerr *normalize.Error
			if errors.As(err, &nerr) {
				reason = nerr.Reason
			}
			o.logger.Debug("skipping record", "user_id", userID, "metric", metric, "record_id", raw.ID, "reason", reason, "err", err)
			recordSkipped(metric, reason)
			stage.Skipped++
			continue
		}
		rec.UserID = userID

		created, err := o.records.Upsert(ctx, rec)
		if errors.Is(err, domain.ErrInvalidRecord) {
			o.logger.Debug("store rejected record, skipping", "user_id", userID, "metric", metric, "record_id", raw.ID, "err", err)
			recordSkipped(metric, normalize.ReasonInvalidValue)
			stage.Skipped++
			continue
		}
		if err != nil {
			o.logger.Error("upsert failed, ending stage", "user_id", userID, "metric", metric, "date", rec.DateKey(), "err", err)
			recordStageFailure(metric, "store")
			stage.Failed = true
			stage.Error = err.Error()
			break
		}
		if created {
			stage.Created++
		} else {
			stage.Updated++
		}
	}

	recordStage(stage)
	return stage
}
