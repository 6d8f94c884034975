package postgres

import (
	"database/sql"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	stats sql.DBStats
	panic bool
}

func (f fakeStats) Stats() sql.DBStats {
	if f.panic {
		panic("closed pool")
	}
	return f.stats
}

func testGauges() poolStatsGauges {
	newGauge := func(name string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, []string{"service"})
	}
	return poolStatsGauges{
		open:         newGauge("open"),
		inUse:        newGauge("in_use"),
		idle:         newGauge("idle"),
		waitCount:    newGauge("wait_count"),
		waitDuration: newGauge("wait_duration"),
	}
}

func TestCollectPoolStats(t *testing.T) {
	gauges := testGauges()
	db := fakeStats{stats: sql.DBStats{
		OpenConnections: 4,
		InUse:           1,
		Idle:            3,
		WaitCount:       9,
		WaitDuration:    1500 * time.Millisecond,
	}}

	require.NoError(t, collectPoolStats(db, "controller", gauges))
	assert.Equal(t, 4.0, testutil.ToFloat64(gauges.open.WithLabelValues("controller")))
	assert.Equal(t, 1.0, testutil.ToFloat64(gauges.inUse.WithLabelValues("controller")))
	assert.Equal(t, 3.0, testutil.ToFloat64(gauges.idle.WithLabelValues("controller")))
	assert.Equal(t, 9.0, testutil.ToFloat64(gauges.waitCount.WithLabelValues("controller")))
	assert.Equal(t, 1.5, testutil.ToFloat64(gauges.waitDuration.WithLabelValues("controller")))
}

func TestCollectPoolStats_Failures(t *testing.T) {
	err := collectPoolStats(nil, "controller", testGauges())
	require.Error(t, err)

	err = collectPoolStats(fakeStats{panic: true}, "controller", testGauges())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}
