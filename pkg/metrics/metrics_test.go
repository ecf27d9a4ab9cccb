package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRegistered(t *testing.T) {
	MigrationsTotal.WithLabelValues("completed").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(MigrationsTotal.WithLabelValues("completed")), 1.0)
}

func TestTimerObserves(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_timer_seconds"})

	tm := NewTimer()
	time.Sleep(5 * time.Millisecond)
	require.GreaterOrEqual(t, tm.Duration(), 5*time.Millisecond)
	tm.ObserveDuration(h)

	assert.Equal(t, 1, testutil.CollectAndCount(h), "one sample recorded")
}

func TestTimerObservesVec(t *testing.T) {
	h := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "test_timer_vec_seconds"},
		[]string{"action"},
	)

	NewTimer().ObserveDurationVec(h, "init")

	assert.Equal(t, 1, testutil.CollectAndCount(h))
}
