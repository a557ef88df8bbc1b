package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Unfixab1e/fitfolio/internal/domain"
	"github.com/Unfixab1e/fitfolio/internal/observability"
)

// UserError records why one user's sync unit failed during a fleet run.
type UserError struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

// UserResult is the summary of one successful sync unit.
type UserResult struct {
	UserID   string             `json:"user_id"`
	Username string             `json:"username"`
	Summary  domain.SyncSummary `json:"summary"`
}

// FleetResult aggregates a fleet run.
type FleetResult struct {
	UsersAttempted int          `json:"users_attempted"`
	UsersSucceeded int          `json:"users_succeeded"`
	PerUserErrors  []UserError  `json:"per_user_errors"`
	Results        []UserResult `json:"results"`
}

// FleetOption configures optional behaviour for the Fleet.
type FleetOption func(*Fleet)

// WithWorkers bounds how many users are synced in parallel.
func WithWorkers(n int) FleetOption {
	return func(f *Fleet) {
		if n > 0 {
			f.workers = n
		}
	}
}

// WithFleetLogger overrides the fleet logger.
func WithFleetLogger(logger *log.Logger) FleetOption {
	return func(f *Fleet) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Fleet runs a sync unit for every ready profile and isolates per-user failures.
type Fleet struct {
	profiles domain.ProfileRepository
	syncer   Syncer
	workers  int
	logger   *log.Logger
	now      func() time.Time
}

// NewFleet constructs a Fleet. Users are synced one at a time unless WithWorkers is given.
func NewFleet(profiles domain.ProfileRepository, syncer Syncer, opts ...FleetOption) *Fleet {
	f := &Fleet{
		profiles: profiles,
		syncer:   syncer,
		workers:  1,
		logger:   log.Default().WithPrefix("fleet"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type outcome struct {
	result UserResult
	err    error
}

// SyncAll syncs every profile with sync enabled and a subject id. Results keep
// profile order. The only error returned is a failure to list profiles.
func (f *Fleet) SyncAll(ctx context.Context) (FleetResult, error) {
	profiles, err := f.profiles.ListSyncEnabled(ctx)
	if err != nil {
		return FleetResult{}, fmt.Errorf("list sync profiles: %w", err)
	}

	outcomes := make([]outcome, len(profiles))
	sem := make(chan struct{}, f.workers)
	var wg sync.WaitGroup
	for i, profile := range profiles {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, profile domain.SyncProfile) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = f.syncOne(ctx, profile)
		}(i, profile)
	}
	wg.Wait()

	result := FleetResult{
		UsersAttempted: len(profiles),
		PerUserErrors:  make([]UserError, 0),
		Results:        make([]UserResult, 0, len(profiles)),
	}
	for i, out := range outcomes {
		if out.err != nil {
			result.PerUserErrors = append(result.PerUserErrors, UserError{
				UserID:   profiles[i].UserID,
				Username: profiles[i].Username,
				Message:  out.err.Error(),
			})
			continue
		}
		result.UsersSucceeded++
		result.Results = append(result.Results, out.result)
	}

	observability.RecordFleetRun(f.now(), result.UsersAttempted, result.UsersSucceeded)
	f.logger.Info("fleet run finished", "attempted", result.UsersAttempted, "succeeded", result.UsersSucceeded, "failed", len(result.PerUserErrors))
	return result, nil
}

func (f *Fleet) syncOne(ctx context.Context, profile domain.SyncProfile) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: fmt.Errorf("sync panicked: %v", r)}
		}
	}()

	summary, err := f.syncer.SyncUser(ctx, profile.UserID, profile.SubjectID)
	if err != nil {
		f.logger.Warn("user sync failed", "user_id", profile.UserID, "username", profile.Username, "err", err)
		return outcome{err: err}
	}
	if err := markSynced(ctx, f.profiles, profile.UserID, summary); err != nil {
		f.logger.Warn("mark synced failed", "user_id", profile.UserID, "err", err)
		return outcome{err: err}
	}
	return outcome{result: UserResult{UserID: profile.UserID, Username: profile.Username, Summary: summary}}
}

func markSynced(ctx context.Context, profiles domain.ProfileRepository, userID string, summary domain.SyncSummary) error {
	if err := profiles.MarkSynced(ctx, userID, summary); err != nil {
		return fmt.Errorf("update last sync: %w", err)
	}
	observability.RecordUserSynced(summary.SyncedAt)
	return nil
}
