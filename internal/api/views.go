package api

import (
	"errors"
	"strings"
	"time"

	"github.com/Unfixab1e/fitfolio/internal/domain"
	"github.com/Unfixab1e/fitfolio/internal/syncer"
)

// CreateRecordRequest is the payload for POST /v1/records/{metric}. Fields not used by the metric are ignored.
type CreateRecordRequest struct {
	UserID         string     `json:"user_id"`
	Date           string     `json:"date"`
	Steps          *int       `json:"steps,omitempty"`
	DistanceKM     *float64   `json:"distance_km,omitempty"`
	CaloriesBurned *int       `json:"calories_burned,omitempty"`
	WeightKG       *float64   `json:"weight_kg,omitempty"`
	Start          *time.Time `json:"start,omitempty"`
	End            *time.Time `json:"end,omitempty"`
	TotalMinutes   *int       `json:"total_minutes,omitempty"`
	DeepMinutes    *int       `json:"deep_minutes,omitempty"`
	LightMinutes   *int       `json:"light_minutes,omitempty"`
	REMMinutes     *int       `json:"rem_minutes,omitempty"`
	AwakeMinutes   *int       `json:"awake_minutes,omitempty"`
	QualityScore   *int       `json:"quality_score,omitempty"`
}

func (r CreateRecordRequest) toRecord(metric domain.MetricType) (domain.Record, error) {
	rec := domain.Record{UserID: r.UserID, Metric: metric}

	if strings.TrimSpace(r.Date) != "" {
		date, err := time.Parse(domain.DateLayout, r.Date)
		if err != nil {
			return domain.Record{}, errors.New("date must be formatted YYYY-MM-DD")
		}
		rec.Date = date
	}

	switch metric {
	case domain.MetricSteps:
		if r.Steps == nil {
			return domain.Record{}, errors.New("steps is required")
		}
		rec.Activity = &domain.ActivityFields{Steps: *r.Steps}
		if r.DistanceKM != nil {
			rec.Activity.DistanceKM = *r.DistanceKM
		}
		if r.CaloriesBurned != nil {
			rec.Activity.CaloriesBurned = *r.CaloriesBurned
		}
	case domain.MetricWeight:
		if r.WeightKG == nil {
			return domain.Record{}, errors.New("weight_kg is required")
		}
		rec.Weight = &domain.WeightFields{WeightKG: *r.WeightKG}
	case domain.MetricSleepSession:
		if r.TotalMinutes == nil && (r.Start == nil || r.End == nil) {
			return domain.Record{}, errors.New("total_minutes or start and end are required")
		}
		rec.Sleep = &domain.SleepFields{
			Start:        r.Start,
			End:          r.End,
			DeepMinutes:  r.DeepMinutes,
			LightMinutes: r.LightMinutes,
			REMMinutes:   r.REMMinutes,
			AwakeMinutes: r.AwakeMinutes,
			QualityScore: r.QualityScore,
		}
		if r.TotalMinutes != nil {
			rec.Sleep.TotalMinutes = *r.TotalMinutes
		}
		if rec.Date.IsZero() && r.Start != nil {
			rec.Date = *r.Start
		}
	}
	return rec, nil
}

// RecordView is the wire shape of a stored record.
type RecordView struct {
	RecordID string     `json:"record_id,omitempty"`
	UserID   string     `json:"user_id"`
	Metric   string     `json:"metric"`
	Date     string     `json:"date"`
	Activity *activity  `json:"activity,omitempty"`
	Weight   *weight    `json:"weight,omitempty"`
	Sleep    *sleep     `json:"sleep,omitempty"`
	Updated  *time.Time `json:"updated_at,omitempty"`
}

type activity struct {
	Steps          int     `json:"steps"`
	DistanceKM     float64 `json:"distance_km"`
	CaloriesBurned int     `json:"calories_burned"`
}

type weight struct {
	WeightKG float64 `json:"weight_kg"`
}

type sleep struct {
	Start        *time.Time `json:"start,omitempty"`
	End          *time.Time `json:"end,omitempty"`
	TotalMinutes int        `json:"total_minutes"`
	DeepMinutes  *int       `json:"deep_minutes,omitempty"`
	LightMinutes *int       `json:"light_minutes,omitempty"`
	REMMinutes   *int       `json:"rem_minutes,omitempty"`
	AwakeMinutes *int       `json:"awake_minutes,omitempty"`
	QualityScore *int       `json:"quality_score,omitempty"`
}

// ListRecordsResponse packages one page of records.
type ListRecordsResponse struct {
	Metric     string       `json:"metric"`
	Items      []RecordView `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// CreateRecordResponse reports whether the write created a new row.
type CreateRecordResponse struct {
	Created bool       `json:"created"`
	Record  RecordView `json:"record"`
}

// DashboardView is the wire shape of domain.Dashboard.
type DashboardView struct {
	UserID              string      `json:"user_id"`
	From                string      `json:"from"`
	To                  string      `json:"to"`
	Days                int         `json:"days"`
	TotalSteps          int         `json:"total_steps"`
	AverageSteps        float64     `json:"average_steps"`
	TotalDistanceKM     float64     `json:"total_distance_km"`
	TotalCalories       int         `json:"total_calories"`
	ActiveDays          int         `json:"active_days"`
	LatestWeightKG      *float64    `json:"latest_weight_kg,omitempty"`
	WeightChangeKG      *float64    `json:"weight_change_kg,omitempty"`
	AverageSleepMinutes float64     `json:"average_sleep_minutes"`
	SleepNights         int         `json:"sleep_nights"`
	LatestActivity      *RecordView `json:"latest_activity,omitempty"`
	LatestWeight        *RecordView `json:"latest_weight,omitempty"`
	LatestSleep         *RecordView `json:"latest_sleep,omitempty"`
}

// SetupProfileRequest is the payload for PUT /v1/profiles/{username}.
type SetupProfileRequest struct {
	SubjectID string `json:"subject_id"`
}

// ProfileView is the wire shape of a sync profile.
type ProfileView struct {
	UserID      string     `json:"user_id"`
	Username    string     `json:"username"`
	SubjectID   string     `json:"subject_id"`
	SyncEnabled bool       `json:"sync_enabled"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
}

// FleetView is the wire shape of a fleet run.
type FleetView struct {
	UsersAttempted int                 `json:"users_attempted"`
	UsersSucceeded int                 `json:"users_succeeded"`
	Errors         []syncer.UserError  `json:"per_user_errors"`
	Results        []syncer.UserResult `json:"results"`
}

func toRecordView(rec domain.Record) RecordView {
	view := RecordView{
		RecordID: rec.ID,
		UserID:   rec.UserID,
		Metric:   string(rec.Metric),
		Date:     rec.DateKey(),
	}
	if !rec.UpdatedAt.IsZero() {
		updated := rec.UpdatedAt.UTC()
		view.Updated = &updated
	}
	switch {
	case rec.Activity != nil:
		view.Activity = &activity{Steps: rec.Activity.Steps, DistanceKM: rec.Activity.DistanceKM, CaloriesBurned: rec.Activity.CaloriesBurned}
	case rec.Weight != nil:
		view.Weight = &weight{WeightKG: rec.Weight.WeightKG}
	case rec.Sleep != nil:
		s := rec.Sleep
		view.Sleep = &sleep{
			Start:        s.Start,
			End:          s.End,
			TotalMinutes: s.TotalMinutes,
			DeepMinutes:  s.DeepMinutes,
			LightMinutes: s.LightMinutes,
			REMMinutes:   s.REMMinutes,
			AwakeMinutes: s.AwakeMinutes,
			QualityScore: s.QualityScore,
		}
	}
	return view
}

func optionalView(rec *domain.Record) *RecordView {
	if rec == nil {
		return nil
	}
	view := toRecordView(*rec)
	return &view
}

func toDashboardView(d domain.Dashboard) DashboardView {
	return DashboardView{
		UserID:              d.UserID,
		From:                d.From.Format(domain.DateLayout),
		To:                  d.To.Format(domain.DateLayout),
		Days:                d.Days,
		TotalSteps:          d.TotalSteps,
		AverageSteps:        d.AverageSteps,
		TotalDistanceKM:     d.TotalDistanceKM,
		TotalCalories:       d.TotalCalories,
		ActiveDays:          d.ActiveDays,
		LatestWeightKG:      d.LatestWeightKG,
		WeightChangeKG:      d.WeightChangeKG,
		AverageSleepMinutes: d.AverageSleepMinutes,
		SleepNights:         d.SleepNights,
		LatestActivity:      optionalView(d.LatestActivity),
		LatestWeight:        optionalView(d.LatestWeight),
		LatestSleep:         optionalView(d.LatestSleep),
	}
}

func toProfileView(p domain.SyncProfile) ProfileView {
	return ProfileView{
		UserID:      p.UserID,
		Username:    p.Username,
		SubjectID:   p.SubjectID,
		SyncEnabled: p.SyncEnabled,
		LastSync:    p.LastSync,
	}
}

func toFleetView(r syncer.FleetResult) FleetView {
	view := FleetView{
		UsersAttempted: r.UsersAttempted,
		UsersSucceeded: r.UsersSucceeded,
		Errors:         r.PerUserErrors,
		Results:        r.Results,
	}
	if view.Errors == nil {
		view.Errors = []syncer.UserError{}
	}
	if view.Results == nil {
		view.Results = []syncer.UserResult{}
	}
	return view
}
