package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/Unfixab1e/fitfolio/internal/domain"
	"github.com/Unfixab1e/fitfolio/internal/queue"
)

var (
	// ErrProfileMissing is returned when a user has no sync profile.
	ErrProfileMissing = errors.New("sync profile not found")
	// ErrSyncDisabled is returned when the user's profile has sync turned off.
	ErrSyncDisabled = errors.New("sync disabled for user")
	// ErrSubjectMissing is returned when the profile has no gateway subject id.
	ErrSubjectMissing = errors.New("gateway subject id not set")
)

// Publisher enqueues sync requests for asynchronous execution.
type Publisher interface {
	Publish(ctx context.Context, requests ...queue.SyncRequest) error
}

// Operations exposes the operator commands used by the CLI, the API and the queue consumer.
type Operations struct {
	users    domain.UserRepository
	profiles domain.ProfileRepository
	syncer   Syncer
	fleet    *Fleet
	logger   *log.Logger
	now      func() time.Time
}

// NewOperations constructs Operations. A nil logger selects the default logger.
func NewOperations(users domain.UserRepository, profiles domain.ProfileRepository, syncer Syncer, fleet *Fleet, logger *log.Logger) *Operations {
	if logger == nil {
		logger = log.Default().WithPrefix("operations")
	}
	return &Operations{users: users, profiles: profiles, syncer: syncer, fleet: fleet, logger: logger, now: time.Now}
}

func (o *Operations) resolve(ctx context.Context, username string) (*domain.User, error) {
	user, err := o.users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, &domain.UnknownUserError{Username: username}
	}
	return user, nil
}

// SetupUser stores the gateway subject id for username and enables sync.
func (o *Operations) SetupUser(ctx context.Context, username, subjectID string) (domain.SyncProfile, bool, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return domain.SyncProfile{}, false, ErrSubjectMissing
	}
	user, err := o.resolve(ctx, username)
	if err != nil {
		return domain.SyncProfile{}, false, err
	}

	created, err := o.profiles.SaveProfile(ctx, domain.SyncProfile{UserID: user.ID, SubjectID: subjectID, SyncEnabled: true})
	if err != nil {
		return domain.SyncProfile{}, false, err
	}
	profile, err := o.profiles.GetProfile(ctx, user.ID)
	if err != nil {
		return domain.SyncProfile{}, false, err
	}
	if profile == nil {
		return domain.SyncProfile{}, false, ErrProfileMissing
	}
	o.logger.Info("sync profile saved", "username", username, "created", created)
	return *profile, created, nil
}

// DisableUser turns sync off for username and keeps its subject id and last sync time.
func (o *Operations) DisableUser(ctx context.Context, username string) error {
	user, err := o.resolve(ctx, username)
	if err != nil {
		return err
	}
	profile, err := o.profiles.GetProfile(ctx, user.ID)
	if err != nil {
		return err
	}
	if profile == nil {
		return ErrProfileMissing
	}
	profile.SyncEnabled = false
	if _, err := o.profiles.SaveProfile(ctx, *profile); err != nil {
		return err
	}
	o.logger.Info("sync disabled", "username", username)
	return nil
}

// GetProfile returns the sync profile of username.
func (o *Operations) GetProfile(ctx context.Context, username string) (domain.SyncProfile, error) {
	user, err := o.resolve(ctx, username)
	if err != nil {
		return domain.SyncProfile{}, err
	}
	profile, err := o.profiles.GetProfile(ctx, user.ID)
	if err != nil {
		return domain.SyncProfile{}, err
	}
	if profile == nil {
		return domain.SyncProfile{}, ErrProfileMissing
	}
	return *profile, nil
}

// SyncUser runs one sync unit for username and stamps last_sync on success.
func (o *Operations) SyncUser(ctx context.Context, username string) (domain.SyncSummary, error) {
	user, err := o.resolve(ctx, username)
	if err != nil {
		return domain.SyncSummary{}, err
	}
	return o.SyncUserID(ctx, user.ID)
}

// SyncUserID runs one sync unit for the user with the given id.
func (o *Operations) SyncUserID(ctx context.Context, userID string) (domain.SyncSummary, error) {
	profile, err := o.profiles.GetProfile(ctx, userID)
	if err != nil {
		return domain.SyncSummary{}, err
	}
	if profile == nil {
		return domain.SyncSummary{}, ErrProfileMissing
	}
	if !profile.SyncEnabled {
		return domain.SyncSummary{}, ErrSyncDisabled
	}
	if strings.TrimSpace(profile.SubjectID) == "" {
		return domain.SyncSummary{}, ErrSubjectMissing
	}

	summary, err := o.syncer.SyncUser(ctx, userID, profile.SubjectID)
	if err != nil {
		return domain.SyncSummary{}, err
	}
	if err := markSynced(ctx, o.profiles, userID, summary); err != nil {
		return domain.SyncSummary{}, err
	}
	return summary, nil
}

// SyncAllUsers runs the fleet driver.
func (o *Operations) SyncAllUsers(ctx context.Context) (FleetResult, error) {
	if o.fleet == nil {
		return FleetResult{}, errors.New("fleet driver not configured")
	}
	return o.fleet.SyncAll(ctx)
}

// EnqueueAll publishes one sync request per ready profile and returns how many were published.
func (o *Operations) EnqueueAll(ctx context.Context, publisher Publisher) (int, error) {
	profiles, err := o.profiles.ListSyncEnabled(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sync profiles: %w", err)
	}
	if len(profiles) == 0 {
		return 0, nil
	}

	requestedAt := o.now().UTC()
	requests := make([]queue.SyncRequest, 0, len(profiles))
	for _, p := range profiles {
		requests = append(requests, queue.SyncRequest{
			RequestID:   uuid.NewString(),
			UserID:      p.UserID,
			Username:    p.Username,
			RequestedAt: requestedAt,
		})
	}
	if err := publisher.Publish(ctx, requests...); err != nil {
		return 0, fmt.Errorf("publish sync requests: %w", err)
	}
	o.logger.Info("sync requests enqueued", "count", len(requests))
	return len(requests), nil
}
