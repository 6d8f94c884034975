package node

import (
	"sync"
	"time"

	"github.com/paclab/soundloc/internal/metrics"
)

// HealthStatus is the audio path's health as reported on /healthz.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusInactive  HealthStatus = "INACTIVE"

	// DefaultUnhealthyThreshold is the number of consecutive stalled checks
	// before the audio path is declared unhealthy.
	DefaultUnhealthyThreshold = 2

	// DefaultDegradedUnderruns is the number of underruns within the window
	// that marks a running node as degraded.
	DefaultDegradedUnderruns = 5

	underrunWindowSize = 10
)

func (s HealthStatus) gauge() float64 {
	switch s {
	case HealthStatusHealthy:
		return 1
	case HealthStatusDegraded:
		return 2
	case HealthStatusUnhealthy:
		return 3
	case HealthStatusInactive:
		return 4
	default:
		return 0
	}
}

// AudioHealth tracks whether the sound driver keeps invoking the callback
// and how often the queue runs dry.
type AudioHealth struct {
	mu                  sync.RWMutex
	node                string
	status              HealthStatus
	consecutiveFailures int
	lastSuccessAt       *time.Time
	lastFailureAt       *time.Time
	unhealthyThreshold  int
	degradedUnderruns   int
	recentUnderruns     []uint64
	nowFunc             func() time.Time
}

func NewAudioHealth(node string) *AudioHealth {
	h := &AudioHealth{
		node:               node,
		status:             HealthStatusUnknown,
		unhealthyThreshold: DefaultUnhealthyThreshold,
		degradedUnderruns:  DefaultDegradedUnderruns,
		recentUnderruns:    make([]uint64, 0, underrunWindowSize),
		nowFunc:            time.Now,
	}
	h.publish()
	return h
}

func (h *AudioHealth) SetStatus(status HealthStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.publish()
}

func (h *AudioHealth) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// RecordSuccess records a check in which the callback ran. It returns true
// when this check recovers an unhealthy audio path.
func (h *AudioHealth) RecordSuccess() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.nowFunc()
	wasUnhealthy := h.status == HealthStatusUnhealthy
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	if h.isUnderrunDegraded() {
		h.status = HealthStatusDegraded
	} else {
		h.status = HealthStatusHealthy
	}
	h.publish()
	return wasUnhealthy
}

// RecordUnderruns records how many underruns happened since the last check.
func (h *AudioHealth) RecordUnderruns(delta uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.recentUnderruns) >= underrunWindowSize {
		h.recentUnderruns = h.recentUnderruns[1:]
	}
	h.recentUnderruns = append(h.recentUnderruns, delta)

	if h.status == HealthStatusHealthy || h.status == HealthStatusDegraded {
		if h.isUnderrunDegraded() {
			h.status = HealthStatusDegraded
		} else {
			h.status = HealthStatusHealthy
		}
		h.publish()
	}
}

// Must be called with mu held.
func (h *AudioHealth) isUnderrunDegraded() bool {
	var total uint64
	for _, n := range h.recentUnderruns {
		total += n
	}
	return total >= uint64(h.degradedUnderruns)
}

// RecordFailure records a check in which the callback had stalled. It
// returns true when this check makes the audio path unhealthy.
func (h *AudioHealth) RecordFailure() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.nowFunc()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	defer h.publish()
	if h.consecutiveFailures >= h.unhealthyThreshold && h.status != HealthStatusUnhealthy {
		h.status = HealthStatusUnhealthy
		return true
	}
	return false
}

// Must be called with mu held.
func (h *AudioHealth) publish() {
	metrics.NodeHealthStatus.WithLabelValues(h.node).Set(h.status.gauge())
	metrics.NodeConsecutiveFailures.WithLabelValues(h.node).Set(float64(h.consecutiveFailures))
}

func (h *AudioHealth) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var underruns uint64
	for _, n := range h.recentUnderruns {
		underruns += n
	}
	return HealthSnapshot{
		Node:                h.node,
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
		RecentUnderruns:     underruns,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
	}
}

// HealthSnapshot is a point-in-time view of audio health (JSON-safe).
type HealthSnapshot struct {
	Node                string     `json:"node"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	RecentUnderruns     uint64     `json:"recent_underruns"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}
