package metrics_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/nestbridge/internal/metrics"
)

func TestGatherStats(t *testing.T) {
	t.Parallel()

	before, err := metrics.GatherStats(metrics.Service())
	require.NoError(t, err)

	metrics.M.PollNetwork.Inc()
	metrics.M.PollCached.Inc()
	metrics.M.PollCached.Inc()
	metrics.RecordAPI("GET", "ok", 0.2)
	metrics.RecordAPI("POST", "unavailable", 0.4)
	metrics.M.DevicesKnown.Set(3)

	after, err := metrics.GatherStats(metrics.Service())
	require.NoError(t, err)

	assert.InDelta(t, before.PollNetworkTotal+1, after.PollNetworkTotal, 0.001)
	assert.InDelta(t, before.PollCachedTotal+2, after.PollCachedTotal, 0.001)
	assert.InDelta(t, before.APIRequestsTotal+2, after.APIRequestsTotal, 0.001)
	assert.InDelta(t, before.APIErrorsTotal+1, after.APIErrorsTotal, 0.001)
	assert.InDelta(t, 3, after.DevicesKnown, 0.001)
	assert.Greater(t, after.APIRequestAvgSeconds, 0.0)
	assert.Greater(t, after.PollCacheHitRate, 0.0)
}

func TestGatherStatsOtherService(t *testing.T) {
	t.Parallel()

	stats, err := metrics.GatherStats("not-a-service")
	require.NoError(t, err)
	assert.Zero(t, stats.APIRequestsTotal)
	assert.Zero(t, stats.PollCacheHitRate)
}

func TestSetReady(t *testing.T) {
	t.Parallel()

	metrics.SetReady(true)
	assert.True(t, metrics.IsReady())

	metrics.SetReady(false)
	assert.False(t, metrics.IsReady())
}

func TestServiceDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "nestbridge", metrics.Service())
}
