// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"fmt"
)

// Thresholds configure when the health signal turns unhealthy.
type Thresholds struct {
	// MaxFailureRate is the failed/(delivered+failed) ratio above which
	// health degrades.
	MaxFailureRate float64 `yaml:"max_failure_rate"`
	// MaxBacklog is the total pending-message count above which health
	// degrades.
	MaxBacklog int `yaml:"max_backlog"`
	// MinSamples suppresses the failure-rate check until this many
	// deliveries have been attempted.
	MinSamples uint64 `yaml:"min_samples"`
}

// DefaultThresholds returns the default health thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxFailureRate: 0.1,
		MaxBacklog:     100000,
		MinSamples:     100,
	}
}

// BacklogSource reports the current pending-message totals; the
// subscriber registry implements this via its snapshots.
type BacklogSource interface {
	PendingTotal() int
	ActiveSubscribers() int
}

// Health is the advisory health signal. Nothing in the router consumes
// it to shed load automatically; it is surfaced to operators only.
type Health struct {
	Healthy bool     `json:"healthy"`
	Status  string   `json:"status"`
	Issues  []string `json:"issues,omitempty"`
	Stats   Snapshot `json:"stats"`
	Active  int      `json:"active_subscribers"`
	Pending int      `json:"pending_messages"`
}

// Monitor derives health from stats and queue backlog.
type Monitor struct {
	stats      *Stats
	backlog    BacklogSource
	thresholds Thresholds
}

// NewMonitor creates a health monitor.
func NewMonitor(s *Stats, backlog BacklogSource, thresholds Thresholds) *Monitor {
	if thresholds.MaxFailureRate <= 0 {
		thresholds = DefaultThresholds()
	}
	return &Monitor{stats: s, backlog: backlog, thresholds: thresholds}
}

// GetHealth returns the current health snapshot.
func (m *Monitor) GetHealth() Health {
	snap := m.stats.Snapshot()

	h := Health{
		Healthy: true,
		Status:  "healthy",
		Stats:   snap,
	}
	if m.backlog != nil {
		h.Active = m.backlog.ActiveSubscribers()
		h.Pending = m.backlog.PendingTotal()
	}

	attempts := snap.Delivered + snap.Failed
	if attempts >= m.thresholds.MinSamples && snap.FailureRate > m.thresholds.MaxFailureRate {
		h.Issues = append(h.Issues, fmt.Sprintf(
			"failure rate elevated: %.1f%% (threshold %.1f%%)",
			snap.FailureRate*100, m.thresholds.MaxFailureRate*100))
	}

	if m.thresholds.MaxBacklog > 0 && h.Pending > m.thresholds.MaxBacklog {
		h.Issues = append(h.Issues, fmt.Sprintf(
			"queue backlog exceeds threshold: %d (threshold %d)",
			h.Pending, m.thresholds.MaxBacklog))
	}

	if len(h.Issues) > 0 {
		h.Healthy = false
		h.Status = "degraded"
	}
	return h
}
