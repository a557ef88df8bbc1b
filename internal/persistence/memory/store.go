// Package memory provides an in-process store for tests and local development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Unfixab1e/fitfolio/internal/domain"
)

type recordKey struct {
	userID string
	date   string
	metric domain.MetricType
}

// Store keeps users, profiles and records in maps guarded by a single mutex.
type Store struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	profiles map[string]domain.SyncProfile
	records  map[recordKey]domain.Record
	now      func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		users:    make(map[string]domain.User),
		profiles: make(map[string]domain.SyncProfile),
		records:  make(map[recordKey]domain.Record),
		now:      time.Now,
	}
}

var _ domain.Store = (*Store)(nil)

// GetUser implements domain.UserRepository.
func (s *Store) GetUser(_ context.Context, userID string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

// GetUserByUsername implements domain.UserRepository.
func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if user.Username == username {
			u := user
			return &u, nil
		}
	}
	return nil, nil
}

// CreateUser implements domain.UserRepository.
func (s *Store) CreateUser(_ context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == user.Username {
			return domain.ErrUserExists
		}
	}
	if strings.TrimSpace(user.ID) == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}
	s.users[user.ID] = user
	return nil
}

// GetProfile implements domain.ProfileRepository.
func (s *Store) GetProfile(_ context.Context, userID string) (*domain.SyncProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	profile.Username = s.users[userID].Username
	return &profile, nil
}

// SaveProfile implements domain.ProfileRepository.
func (s *Store) SaveProfile(_ context.Context, profile domain.SyncProfile) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	existing, found := s.profiles[profile.UserID]
	if found {
		profile.CreatedAt = existing.CreatedAt
		if profile.LastSync == nil {
			profile.LastSync = existing.LastSync
		}
	} else {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now
	s.profiles[profile.UserID] = profile
	return !found, nil
}

// ListSyncEnabled implements domain.ProfileRepository.
func (s *Store) ListSyncEnabled(_ context.Context) ([]domain.SyncProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.SyncProfile, 0, len(s.profiles))
	for userID, profile := range s.profiles {
		if !profile.Ready() {
			continue
		}
		profile.Username = s.users[userID].Username
		out = append(out, profile)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// MarkSynced implements domain.ProfileRepository.
func (s *Store) MarkSynced(_ context.Context, userID string, summary domain.SyncSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.profiles[userID]
	if !ok {
		return &domain.StoreError{Op: "mark synced", Err: domain.ErrUserNotFound}
	}
	syncedAt := summary.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = s.now().UTC()
	}
	profile.LastSync = &syncedAt
	profile.UpdatedAt = syncedAt
	s.profiles[userID] = profile
	return nil
}

// Upsert implements domain.RecordRepository.
func (s *Store) Upsert(_ context.Context, rec domain.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, &domain.StoreError{Op: "upsert", Metric: rec.Metric, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{userID: rec.UserID, date: rec.DateKey(), metric: rec.Metric}
	now := s.now().UTC()
	existing, found := s.records[key]
	if found {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.ID = uuid.NewString()
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[key] = cloneRecord(rec)
	return !found, nil
}

// ListByUserAndDateRange implements domain.RecordRepository.
func (s *Store) ListByUserAndDateRange(_ context.Context, q domain.RecordQuery) ([]domain.Record, *domain.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]domain.Record, 0)
	for key, rec := range s.records {
		if key.userID != q.UserID || key.metric != q.Metric {
			continue
		}
		if !q.From.IsZero() && rec.Date.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && rec.Date.After(q.To) {
			continue
		}
		if q.Cursor != nil && !before(rec, *q.Cursor) {
			continue
		}
		matches = append(matches, cloneRecord(rec))
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].Date.Equal(matches[j].Date) {
			return matches[i].Date.After(matches[j].Date)
		}
		return matches[i].ID > matches[j].ID
	})

	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}

	var next *domain.Cursor
	if q.Limit > 0 && len(matches) == q.Limit {
		last := matches[len(matches)-1]
		next = &domain.Cursor{Date: last.Date, ID: last.ID}
	}
	return matches, next, nil
}

// Close implements domain.Store.
func (s *Store) Close() error { return nil }

// RecordCount returns how many rows exist for a user and metric.
func (s *Store) RecordCount(userID string, metric domain.MetricType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for key := range s.records {
		if key.userID == userID && key.metric == metric {
			count++
		}
	}
	return count
}

// before reports whether rec sorts strictly after the cursor position in newest-first order.
func before(rec domain.Record, c domain.Cursor) bool {
	if rec.Date.Before(c.Date) {
		return true
	}
	return rec.Date.Equal(c.Date) && rec.ID < c.ID
}

func cloneRecord(rec domain.Record) domain.Record {
	if rec.Activity != nil {
		a := *rec.Activity
		rec.Activity = &a
	}
	if rec.Weight != nil {
		w := *rec.Weight
		rec.Weight = &w
	}
	if rec.Sleep != nil {
		sl := *rec.Sleep
		rec.Sleep = &sl
	}
	return rec
}
