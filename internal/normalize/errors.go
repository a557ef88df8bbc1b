package normalize

import (
	"fmt"

	"github.com/Unfixab1e/fitfolio/internal/domain"
)

// Reasons reported by Error.
const (
	ReasonBadTimestamp      = "bad_timestamp"
	ReasonMissingBounds     = "missing_bounds"
	ReasonInvertedBounds    = "inverted_bounds"
	ReasonInvalidValue      = "invalid_value"
	ReasonUnsupportedMetric = "unsupported_metric"
)

// Error rejects a single raw record. Callers skip the record and continue.
type Error struct {
	Metric   domain.MetricType
	RecordID string
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("normalize %s record %q: %s", e.Metric, e.RecordID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }
