package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvandewe/cml-cloud-manager/pkg/metrics"
)

func TestElectorExportsLeadershipGauge(t *testing.T) {
	store := newTestStore(t)
	gauge := func() float64 {
		return testutil.ToFloat64(metrics.IsLeader.WithLabelValues("gauge-check"))
	}

	elector := NewElector(store, "gauge-check", "node-a", time.Minute)
	elector.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, elector.WaitForLeadership(ctx))
	assert.True(t, elector.IsLeader())
	assert.NotZero(t, elector.Epoch())
	assert.Equal(t, 1.0, gauge())

	elector.Stop()
	assert.False(t, elector.IsLeader())
	assert.Equal(t, 0.0, gauge())
}
