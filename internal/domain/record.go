package domain

import (
	"fmt"
	"time"
)

// MetricType identifies one of the health time series synced from the gateway.
type MetricType string

const (
	MetricSteps        MetricType = "steps"
	MetricWeight       MetricType = "weight"
	MetricSleepSession MetricType = "sleepSession"
)

// MetricTypes lists every supported metric in sync order.
var MetricTypes = []MetricType{MetricSteps, MetricWeight, MetricSleepSession}

// Valid reports whether m is a supported metric type.
func (m MetricType) Valid() bool {
	switch m {
	case MetricSteps, MetricWeight, MetricSleepSession:
		return true
	}
	return false
}

// ParseMetricType maps a path or flag value to a MetricType.
func ParseMetricType(value string) (MetricType, error) {
	switch value {
	case "steps", "activity":
		return MetricSteps, nil
	case "weight":
		return MetricWeight, nil
	case "sleepSession", "sleep":
		return MetricSleepSession, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMetric, value)
}

// ActivityFields holds the measurement of a daily activity record.
type ActivityFields struct {
	Steps          int
	DistanceKM     float64
	CaloriesBurned int
}

// WeightFields holds the measurement of a daily weight record.
type WeightFields struct {
	WeightKG float64
}

// SleepFields holds the measurement of a nightly sleep record.
type SleepFields struct {
	Start        *time.Time
	End          *time.Time
	TotalMinutes int
	DeepMinutes  *int
	LightMinutes *int
	REMMinutes   *int
	AwakeMinutes *int
	QualityScore *int
}

// Record is the canonical (user, date, measurement) tuple shared by all three time series.
// Exactly one of Activity, Weight or Sleep is set, matching Metric.
type Record struct {
	ID        string
	UserID    string
	Date      time.Time
	Metric    MetricType
	Activity  *ActivityFields
	Weight    *WeightFields
	Sleep     *SleepFields
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DateOf returns the calendar date of t in t's own location, as midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateKey formats the record date the way it is keyed in storage.
func (r Record) DateKey() string {
	return r.Date.Format(DateLayout)
}

// DateLayout is the storage and wire format of record dates.
const DateLayout = "2006-01-02"

// Validate checks the invariants the stores rely on.
func (r Record) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRecord)
	}
	if r.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidRecord)
	}
	switch r.Metric {
	case MetricSteps:
		if r.Activity == nil {
			return fmt.Errorf("%w: activity fields missing", ErrInvalidRecord)
		}
		if r.Activity.Steps < 0 || r.Activity.DistanceKM < 0 || r.Activity.CaloriesBurned < 0 {
			return fmt.Errorf("%w: activity values must be >= 0", ErrInvalidRecord)
		}
	case MetricWeight:
		if r.Weight == nil {
			return fmt.Errorf("%w: weight fields missing", ErrInvalidRecord)
		}
		if r.Weight.WeightKG < 0 {
			return fmt.Errorf("%w: weight must be >= 0", ErrInvalidRecord)
		}
	case MetricSleepSession:
		if r.Sleep == nil {
			return fmt.Errorf("%w: sleep fields missing", ErrInvalidRecord)
		}
		return r.Sleep.validate()
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMetric, r.Metric)
	}
	return nil
}

func (s *SleepFields) validate() error {
	if s.TotalMinutes < 0 {
		return fmt.Errorf("%w: total sleep minutes must be >= 0", ErrInvalidRecord)
	}
	if s.Start != nil && s.End != nil && s.End.Before(*s.Start) {
		return fmt.Errorf("%w: sleep end precedes start", ErrInvalidRecord)
	}
	if s.QualityScore != nil && (*s.QualityScore < 1 || *s.QualityScore > 100) {
		return fmt.Errorf("%w: sleep quality score must be within 1-100", ErrInvalidRecord)
	}
	for _, stage := range []*int{s.DeepMinutes, s.LightMinutes, s.REMMinutes, s.AwakeMinutes} {
		if stage != nil && *stage < 0 {
			return fmt.Errorf("%w: sleep stage minutes must be >= 0", ErrInvalidRecord)
		}
	}
	return nil
}

// SleepMinutes computes floor((end - start) in minutes).
func SleepMinutes(start, end time.Time) int {
	return int(end.Sub(start) / time.Minute)
}

// Cursor models the pagination token for record listings.
type Cursor struct {
	Date time.Time
	ID   string
}

// RecordQuery selects records of one metric for one user within an inclusive date range.
// Zero From/To leave that side of the range open.
type RecordQuery struct {
	UserID string
	Metric MetricType
	From   time.Time
	To     time.Time
	Cursor *Cursor
	Limit  int
}
