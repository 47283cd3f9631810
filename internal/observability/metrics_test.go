package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersAllCollectors(t *testing.T) {
	m := NewMetrics()
	require.NotNil(t, m.Registry)

	m.ChunksProcessed.WithLabelValues("sess-1").Inc()
	m.ChunksDropped.WithLabelValues("sess-1", "node-a").Add(3)
	m.ActiveSessions.Set(2)

	assert.InDelta(t, 1, testutil.ToFloat64(m.ChunksProcessed.WithLabelValues("sess-1")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.ChunksDropped.WithLabelValues("sess-1", "node-a")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.ActiveSessions), 0)
}

func TestCacheHitRate(t *testing.T) {
	assert.InDelta(t, 0.0, CacheHitRate(0, 0), 0)
	assert.InDelta(t, 1.0, CacheHitRate(10, 0), 0)
	assert.InDelta(t, 0.5, CacheHitRate(5, 5), 0)
}
