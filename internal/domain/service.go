// Package domain defines the health records model and the record service used by the API layer.
package domain

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
	maxDashboardDays = 90
)

// UserRepository resolves local users. Lookups return nil, nil when nothing matches.
type UserRepository interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	CreateUser(ctx context.Context, user User) error
}

// ProfileRepository persists sync profiles.
type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (*SyncProfile, error)
	// SaveProfile creates or replaces the profile keyed by user id and reports whether it was created.
	SaveProfile(ctx context.Context, profile SyncProfile) (bool, error)
	// ListSyncEnabled returns profiles with sync enabled and a non-empty subject id.
	ListSyncEnabled(ctx context.Context) ([]SyncProfile, error)
	// MarkSynced stamps last_sync with summary.SyncedAt.
	MarkSynced(ctx context.Context, userID string, summary SyncSummary) error
}

// RecordRepository persists the three health time series.
type RecordRepository interface {
	// Upsert creates or overwrites the row keyed by (user, date, metric) and reports whether it was created.
	Upsert(ctx context.Context, rec Record) (bool, error)
	ListByUserAndDateRange(ctx context.Context, q RecordQuery) ([]Record, *Cursor, error)
}

// Store bundles every repository a backend provides.
type Store interface {
	UserRepository
	ProfileRepository
	RecordRepository
	Close() error
}

// Service exposes record reads and writes to the API layer.
type Service struct {
	users   UserRepository
	records RecordRepository
	now     func() time.Time
}

// NewService constructs a Service.
func NewService(users UserRepository, records RecordRepository) *Service {
	return &Service{users: users, records: records, now: time.Now}
}

// ListRecords returns one page of a user's records for a metric, newest first.
func (s *Service) ListRecords(ctx context.Context, q RecordQuery) ([]Record, *Cursor, error) {
	if !q.Metric.Valid() {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedMetric, q.Metric)
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return nil, nil, fmt.Errorf("%w: range end precedes start", ErrInvalidRecord)
	}
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	if !q.From.IsZero() {
		q.From = DateOf(q.From)
	}
	if !q.To.IsZero() {
		q.To = DateOf(q.To)
	}
	return s.records.ListByUserAndDateRange(ctx, q)
}

// CreateForUser stores a record with the same create-or-overwrite semantics used by sync.
func (s *Service) CreateForUser(ctx context.Context, rec Record) (Record, bool, error) {
	rec.Date = DateOf(rec.Date)
	if rec.Sleep != nil && rec.Sleep.TotalMinutes == 0 && rec.Sleep.Start != nil && rec.Sleep.End != nil && !rec.Sleep.End.Before(*rec.Sleep.Start) {
		rec.Sleep.TotalMinutes = SleepMinutes(*rec.Sleep.Start, *rec.Sleep.End)
	}
	if err := rec.Validate(); err != nil {
		return Record{}, false, err
	}

	user, err := s.users.GetUser(ctx, rec.UserID)
	if err != nil {
		return Record{}, false, err
	}
	if user == nil {
		return Record{}, false, &UnknownUserError{UserID: rec.UserID}
	}

	created, err := s.records.Upsert(ctx, rec)
	if err != nil {
		return Record{}, false, err
	}
	return rec, created, nil
}

// Dashboard summarises the last days calendar days of a user's data ending today.
type Dashboard struct {
	UserID              string
	From                time.Time
	To                  time.Time
	Days                int
	TotalSteps          int
	AverageSteps        float64
	TotalDistanceKM     float64
	TotalCalories       int
	ActiveDays          int
	LatestWeightKG      *float64
	WeightChangeKG      *float64
	AverageSleepMinutes float64
	SleepNights         int
	LatestActivity      *Record
	LatestWeight        *Record
	LatestSleep         *Record
}

// Dashboard builds the dashboard summary for userID over the trailing days.
func (s *Service) Dashboard(ctx context.Context, userID string, days int) (Dashboard, error) {
	if days <= 0 {
		days = 7
	}
	if days > maxDashboardDays {
		days = maxDashboardDays
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return Dashboard{}, err
	}
	if user == nil {
		return Dashboard{}, &UnknownUserError{UserID: userID}
	}

	to := DateOf(s.now().UTC())
	from := to.AddDate(0, 0, -(days - 1))
	dash := Dashboard{UserID: userID, From: from, To: to, Days: days}

	series := make(map[MetricType][]Record, len(MetricTypes))
	for _, metric := range MetricTypes {
		records, _, err := s.records.ListByUserAndDateRange(ctx, RecordQuery{
			UserID: userID,
			Metric: metric,
			From:   from,
			To:     to,
			Limit:  days,
		})
		if err != nil {
			return Dashboard{}, err
		}
		series[metric] = records
	}

	if activity := series[MetricSteps]; len(activity) > 0 {
		dash.LatestActivity = &activity[0]
		for _, rec := range activity {
			dash.TotalSteps += rec.Activity.Steps
			dash.TotalDistanceKM += rec.Activity.DistanceKM
			dash.TotalCalories += rec.Activity.CaloriesBurned
			if rec.Activity.Steps > 0 {
				dash.ActiveDays++
			}
		}
		dash.AverageSteps = float64(dash.TotalSteps) / float64(len(activity))
	}

	if weights := series[MetricWeight]; len(weights) > 0 {
		latest := weights[0]
		earliest := weights[len(weights)-1]
		dash.LatestWeight = &latest
		kg := latest.Weight.WeightKG
		change := latest.Weight.WeightKG - earliest.Weight.WeightKG
		dash.LatestWeightKG = &kg
		dash.WeightChangeKG = &change
	}

	if sleeps := series[MetricSleepSession]; len(sleeps) > 0 {
		dash.LatestSleep = &sleeps[0]
		total := 0
		for _, rec := range sleeps {
			total += rec.Sleep.TotalMinutes
		}
		dash.SleepNights = len(sleeps)
		dash.AverageSleepMinutes = float64(total) / float64(len(sleeps))
	}

	return dash, nil
}
