package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/paclab/soundloc/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type dbStatsProvider interface {
	Stats() sql.DBStats
}

type poolStatsGauges struct {
	open         *prometheus.GaugeVec
	inUse        *prometheus.GaugeVec
	idle         *prometheus.GaugeVec
	waitCount    *prometheus.GaugeVec
	waitDuration *prometheus.GaugeVec
}

func defaultPoolStatsGauges() poolStatsGauges {
	return poolStatsGauges{
		open:         metrics.DBPoolOpen,
		inUse:        metrics.DBPoolInUse,
		idle:         metrics.DBPoolIdle,
		waitCount:    metrics.DBPoolWaitCount,
		waitDuration: metrics.DBPoolWaitDurationSeconds,
	}
}

func collectPoolStats(db dbStatsProvider, service string, gauges poolStatsGauges) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.Stats()
	gauges.open.WithLabelValues(service).Set(float64(stats.OpenConnections))
	gauges.inUse.WithLabelValues(service).Set(float64(stats.InUse))
	gauges.idle.WithLabelValues(service).Set(float64(stats.Idle))
	gauges.waitCount.WithLabelValues(service).Set(float64(stats.WaitCount))
	gauges.waitDuration.WithLabelValues(service).Set(stats.WaitDuration.Seconds())
	return nil
}

// StartPoolStatsPump exports pool statistics every interval until ctx ends.
func (db *DB) StartPoolStatsPump(ctx context.Context, service string, interval time.Duration, logger *slog.Logger) {
	startPoolStatsPump(ctx, db.DB, service, interval, defaultPoolStatsGauges(), logger)
}

func startPoolStatsPump(ctx context.Context, db dbStatsProvider, service string, interval time.Duration, gauges poolStatsGauges, logger *slog.Logger) {
	if db == nil || interval <= 0 {
		return
	}
	if err := collectPoolStats(db, service, gauges); err != nil {
		logger.Warn("collect db pool stats failed", "error", err)
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := collectPoolStats(db, service, gauges); err != nil {
					logger.Warn("collect db pool stats failed", "error", err)
				}
			}
		}
	}()
}
