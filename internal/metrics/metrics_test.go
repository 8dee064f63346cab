package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"cauldron/internal/metrics"
)

func TestCountersRegistered(t *testing.T) {
	before := testutil.ToFloat64(metrics.Completions.WithLabelValues("raw_fetch", "success"))
	metrics.Completions.WithLabelValues("raw_fetch", "success").Inc()
	require.Equal(t, before+1, testutil.ToFloat64(metrics.Completions.WithLabelValues("raw_fetch", "success")))

	require.Greater(t, testutil.CollectAndCount(metrics.Completions), 0)
}
