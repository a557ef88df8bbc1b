// Package normalize turns raw gateway records into canonical domain records.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/Unfixab1e/fitfolio/internal/domain"
	"github.com/Unfixab1e/fitfolio/internal/gateway"
)

const (
	kmPerStep       = 0.0008
	caloriesPerStep = 0.04

	// Counts are stored in 32-bit integer columns.
	maxStepCount = math.MaxInt32
	maxWeightKG  = 1000.0
)

// Health Connect sleep stage codes.
const (
	stageAwake = 1
	stageLight = 4
	stageDeep  = 5
	stageREM   = 6
)

// Extractor maps one raw record to a canonical record for a single metric.
// UserID is filled in by the caller.
type Extractor func(raw gateway.RawRecord) (domain.Record, error)

// Normalizer dispatches raw records to the extractor registered for their metric.
type Normalizer struct {
	mu         sync.RWMutex
	extractors map[domain.MetricType]Extractor
}

// New returns a Normalizer with the built-in extractors for every supported metric.
func New() *Normalizer {
	n := &Normalizer{extractors: make(map[domain.MetricType]Extractor)}
	n.Register(domain.MetricSteps, extractSteps)
	n.Register(domain.MetricWeight, extractWeight)
	n.Register(domain.MetricSleepSession, extractSleep)
	return n
}

// Register installs or replaces the extractor for metric.
func (n *Normalizer) Register(metric domain.MetricType, extractor Extractor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.extractors[metric] = extractor
}

// Normalize converts raw into a canonical record of the given metric. Every
// rejection is reported as *Error.
func (n *Normalizer) Normalize(raw gateway.RawRecord, metric domain.MetricType) (domain.Record, error) {
	n.mu.RLock()
	extract, ok := n.extractors[metric]
	n.mu.RUnlock()
	if !ok {
		return domain.Record{}, &Error{Metric: metric, RecordID: raw.ID, Reason: ReasonUnsupportedMetric}
	}

	rec, err := extract(raw)
	if err != nil {
		var nerr *Error
		if errors.As(err, &nerr) {
			nerr.Metric = metric
			nerr.RecordID = raw.ID
			return domain.Record{}, nerr
		}
		return domain.Record{}, &Error{Metric: metric, RecordID: raw.ID, Reason: ReasonInvalidValue, Err: err}
	}
	rec.Metric = metric
	return rec, nil
}

// ParseTimestamp reads an ISO-8601 timestamp. Values without an offset are read as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
}

func dateKey(raw gateway.RawRecord) (time.Time, error) {
	start, err := ParseTimestamp(raw.Start)
	if err != nil {
		return time.Time{}, &Error{Reason: ReasonBadTimestamp, Err: err}
	}
	return domain.DateOf(start), nil
}

// decodeData unmarshals the record payload into dst. Payloads that are not a
// JSON object, such as provider-encrypted strings, leave dst at its zero value.
func decodeData(raw gateway.RawRecord, dst any) {
	if len(raw.Data) == 0 {
		return
	}
	_ = json.Unmarshal(raw.Data, dst)
}

type stepsData struct {
	Count *float64 `json:"count"`
}

func extractSteps(raw gateway.RawRecord) (domain.Record, error) {
	date, err := dateKey(raw)
	if err != nil {
		return domain.Record{}, err
	}
	var data stepsData
	decodeData(raw, &data)

	steps := 0
	if data.Count != nil {
		if !(*data.Count >= 0 && *data.Count <= maxStepCount) {
			return domain.Record{}, &Error{Reason: ReasonInvalidValue, Err: fmt.Errorf("step count %v out of range", *data.Count)}
		}
		steps = int(*data.Count)
	}
	return domain.Record{
		Date: date,
		Activity: &domain.ActivityFields{
			Steps:          steps,
			DistanceKM:     float64(steps) * kmPerStep,
			CaloriesBurned: int(math.Floor(float64(steps) * caloriesPerStep)),
		},
	}, nil
}

type weightData struct {
	Weight *float64 `json:"weight"`
}

func extractWeight(raw gateway.RawRecord) (domain.Record, error) {
	date, err := dateKey(raw)
	if err != nil {
		return domain.Record{}, err
	}
	var data weightData
	decodeData(raw, &data)

	kg := 0.0
	if data.Weight != nil {
		if !(*data.Weight >= 0 && *data.Weight <= maxWeightKG) {
			return domain.Record{}, &Error{Reason: ReasonInvalidValue, Err: fmt.Errorf("weight %v out of range", *data.Weight)}
		}
		kg = *data.Weight
	}
	return domain.Record{Date: date, Weight: &domain.WeightFields{WeightKG: kg}}, nil
}

type sleepStage struct {
	Stage     int    `json:"stage"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

type sleepData struct {
	Stages []sleepStage `json:"stages"`
	Score  *int         `json:"score"`
}

func extractSleep(raw gateway.RawRecord) (domain.Record, error) {
	if strings.TrimSpace(raw.Start) == "" || strings.TrimSpace(raw.End) == "" {
		return domain.Record{}, &Error{Reason: ReasonMissingBounds, Err: errors.New("sleep session needs start and end")}
	}
	start, err := ParseTimestamp(raw.Start)
	if err != nil {
		return domain.Record{}, &Error{Reason: ReasonMissingBounds, Err: err}
	}
	date := domain.DateOf(start)
	end, err := ParseTimestamp(raw.End)
	if err != nil {
		return domain.Record{}, &Error{Reason: ReasonMissingBounds, Err: err}
	}
	if end.Before(start) {
		return domain.Record{}, &Error{Reason: ReasonInvertedBounds, Err: fmt.Errorf("end %s precedes start %s", raw.End, raw.Start)}
	}

	fields := &domain.SleepFields{
		Start:        &start,
		End:          &end,
		TotalMinutes: domain.SleepMinutes(start, end),
	}

	var data sleepData
	decodeData(raw, &data)
	applyStages(fields, data.Stages)
	if data.Score != nil && *data.Score >= 1 && *data.Score <= 100 {
		score := *data.Score
		fields.QualityScore = &score
	}

	return domain.Record{Date: date, Sleep: fields}, nil
}

// applyStages sums stage durations per class. Stages with unreadable or inverted
// bounds are ignored.
func applyStages(fields *domain.SleepFields, stages []sleepStage) {
	if len(stages) == 0 {
		return
	}
	totals := map[int]time.Duration{}
	for _, st := range stages {
		s, err := ParseTimestamp(st.StartTime)
		if err != nil {
			continue
		}
		e, err := ParseTimestamp(st.EndTime)
		if err != nil || e.Before(s) {
			continue
		}
		totals[st.Stage] += e.Sub(s)
	}
	minutes := func(code int) *int {
		d, ok := totals[code]
		if !ok {
			return nil
		}
		m := int(d / time.Minute)
		return &m
	}
	fields.AwakeMinutes = minutes(stageAwake)
	fields.LightMinutes = minutes(stageLight)
	fields.DeepMinutes = minutes(stageDeep)
	fields.REMMinutes = minutes(stageREM)
}
