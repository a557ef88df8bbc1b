package domain

import "time"

// StageResult describes the outcome of one metric stage of a sync unit.
type StageResult struct {
	Metric  MetricType `json:"metric"`
	Fetched int        `json:"fetched"`
	Created int        `json:"created"`
	Updated int        `json:"updated"`
	Skipped int        `json:"skipped"`
	Failed  bool       `json:"failed"`
	Error   string     `json:"error,omitempty"`
}

// SyncSummary aggregates created-row counts of one sync unit.
type SyncSummary struct {
	StepsRecords  int           `json:"steps_records"`
	WeightRecords int           `json:"weight_records"`
	SleepRecords  int           `json:"sleep_records"`
	TotalRecords  int           `json:"total_records"`
	SyncedAt      time.Time     `json:"synced_at"`
	Stages        []StageResult `json:"stages"`
}

// Add folds a stage result into the summary counts.
func (s *SyncSummary) Add(stage StageResult) {
	switch stage.Metric {
	case MetricSteps:
		s.StepsRecords += stage.Created
	case MetricWeight:
		s.WeightRecords += stage.Created
	case MetricSleepSession:
		s.SleepRecords += stage.Created
	}
	s.TotalRecords = s.StepsRecords + s.WeightRecords + s.SleepRecords
	s.Stages = append(s.Stages, stage)
}
