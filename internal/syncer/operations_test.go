package syncer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Unfixab1e/fitfolio/internal/domain"
	"github.com/Unfixab1e/fitfolio/internal/logging"
	"github.com/Unfixab1e/fitfolio/internal/persistence/memory"
	"github.com/Unfixab1e/fitfolio/internal/queue"
)

func newOperations(t *testing.T) (*memory.Store, *scriptedSyncer, *Operations) {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.CreateUser(context.Background(), domain.User{ID: "u1", Username: "alice"}))
	syncer := &scriptedSyncer{}
	fleet := NewFleet(store, syncer, WithFleetLogger(logging.Discard()))
	return store, syncer, NewOperations(store, store, syncer, fleet, logging.Discard())
}

func TestSetupUser(t *testing.T) {
	ctx := context.Background()
	_, _, ops := newOperations(t)

	profile, created, err := ops.SetupUser(ctx, "alice", " hc-9 ")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "hc-9", profile.SubjectID)
	require.True(t, profile.SyncEnabled)
	require.Equal(t, "alice", profile.Username)

	_, created, err = ops.SetupUser(ctx, "alice", "hc-10")
	require.NoError(t, err)
	require.False(t, created)

	_, _, err = ops.SetupUser(ctx, "nobody", "hc-1")
	var unknown *domain.UnknownUserError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "nobody", unknown.Username)

	_, _, err = ops.SetupUser(ctx, "alice", "")
	require.ErrorIs(t, err, ErrSubjectMissing)
}

func TestSyncUserPreconditions(t *testing.T) {
	ctx := context.Background()
	store, syncer, ops := newOperations(t)

	_, err := ops.SyncUser(ctx, "alice")
	require.ErrorIs(t, err, ErrProfileMissing)

	_, err = store.SaveProfile(ctx, domain.SyncProfile{UserID: "u1", SubjectID: "hc-1", SyncEnabled: false})
	require.NoError(t, err)
	_, err = ops.SyncUser(ctx, "alice")
	require.ErrorIs(t, err, ErrSyncDisabled)

	_, err = store.SaveProfile(ctx, domain.SyncProfile{UserID: "u1", SubjectID: "", SyncEnabled: true})
	require.NoError(t, err)
	_, err = ops.SyncUser(ctx, "alice")
	require.ErrorIs(t, err, ErrSubjectMissing)

	_, err = ops.SyncUser(ctx, "bob")
	require.ErrorIs(t, err, domain.ErrUserNotFound)
	require.Empty(t, syncer.calls)
}

func TestSyncUserMarksLastSync(t *testing.T) {
	ctx := context.Background()
	store, syncer, ops := newOperations(t)
	_, _, err := ops.SetupUser(ctx, "alice", "hc-1")
	require.NoError(t, err)

	summary, err := ops.SyncUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalRecords)
	require.Equal(t, []string{"u1/hc-1"}, syncer.calls)

	profile, err := store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, profile.LastSync)
	require.Equal(t, summary.SyncedAt, *profile.LastSync)
}

func TestSyncUserFailureLeavesLastSync(t *testing.T) {
	ctx := context.Background()
	store, syncer, ops := newOperations(t)
	_, _, err := ops.SetupUser(ctx, "alice", "hc-1")
	require.NoError(t, err)
	syncer.fail = map[string]error{"u1": errors.New("boom")}

	_, err = ops.SyncUser(ctx, "alice")
	require.Error(t, err)
	profile, err := store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, profile.LastSync)
}

func TestDisableUser(t *testing.T) {
	ctx := context.Background()
	_, _, ops := newOperations(t)

	require.ErrorIs(t, ops.DisableUser(ctx, "alice"), ErrProfileMissing)

	_, _, err := ops.SetupUser(ctx, "alice", "hc-1")
	require.NoError(t, err)
	require.NoError(t, ops.DisableUser(ctx, "alice"))

	profile, err := ops.GetProfile(ctx, "alice")
	require.NoError(t, err)
	require.False(t, profile.SyncEnabled)
	require.Equal(t, "hc-1", profile.SubjectID)

	_, err = ops.SyncUser(ctx, "alice")
	require.ErrorIs(t, err, ErrSyncDisabled)
}

type recordingPublisher struct {
	requests []queue.SyncRequest
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, requests ...queue.SyncRequest) error {
	if p.err != nil {
		return p.err
	}
	p.requests = append(p.requests, requests...)
	return nil
}

func TestEnqueueAll(t *testing.T) {
	ctx := context.Background()
	store, _, ops := newOperations(t)
	seedProfiles(t, store, "2", "3")

	pub := &recordingPublisher{}
	n, err := ops.EnqueueAll(ctx, pub)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, pub.requests, 2)
	require.Equal(t, "2", pub.requests[0].UserID)
	require.NotEmpty(t, pub.requests[0].RequestID)
	require.NotEqual(t, pub.requests[0].RequestID, pub.requests[1].RequestID)

	_, err = ops.EnqueueAll(ctx, &recordingPublisher{err: errors.New("broker down")})
	require.ErrorContains(t, err, "broker down")
}

func TestSyncAllUsersDelegatesToFleet(t *testing.T) {
	store, _, ops := newOperations(t)
	seedProfiles(t, store, "2")

	result, err := ops.SyncAllUsers(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.UsersSucceeded)
}
