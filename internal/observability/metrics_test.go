package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordUserSyncedIgnoresZeroTime(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0)
	RecordUserSynced(ts)
	require.Equal(t, float64(ts.Unix()), testutil.ToFloat64(lastSyncGauge))

	RecordUserSynced(time.Time{})
	require.Equal(t, float64(ts.Unix()), testutil.ToFloat64(lastSyncGauge))
}

func TestRecordFleetRun(t *testing.T) {
	RecordFleetRun(time.Unix(1_700_000_100, 0), 3, 2)
	require.Equal(t, 3.0, testutil.ToFloat64(fleetUsersGauge.WithLabelValues("attempted")))
	require.Equal(t, 2.0, testutil.ToFloat64(fleetUsersGauge.WithLabelValues("succeeded")))
	require.Equal(t, 1_700_000_100.0, testutil.ToFloat64(lastFleetRunGauge))
}
