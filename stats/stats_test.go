// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zkyvette425/windroute/routing"
)

func TestCountersAndSnapshot(t *testing.T) {
	s := New()

	s.RecordSent("chat.message", routing.PriorityNormal)
	s.RecordSent("chat.message", routing.PriorityCritical)
	s.RecordSent("match.start", routing.PriorityHigh+1)
	s.RecordDelivered(2 * time.Millisecond)
	s.RecordFailed()
	s.RecordFiltered()
	s.RecordQueued()
	s.RecordRetried()
	s.RecordAcked()

	snap := s.Snapshot()
	require.Equal(t, uint64(3), snap.Sent)
	require.Equal(t, uint64(1), snap.Delivered)
	require.Equal(t, uint64(1), snap.Failed)
	require.Equal(t, uint64(1), snap.Filtered)
	require.Equal(t, uint64(1), snap.Queued)
	require.Equal(t, uint64(1), snap.Retried)
	require.Equal(t, uint64(1), snap.Acked)
	require.Equal(t, uint64(2), snap.ByType["chat.message"])
	require.Equal(t, uint64(1), snap.ByType["match.start"])
	require.Equal(t, uint64(1), snap.ByPriority["normal"])
	require.Equal(t, uint64(2), snap.ByPriority["critical"])
	require.Equal(t, 0.5, snap.FailureRate)
	require.Greater(t, snap.Rate, 0.0)
}

func TestLatencyEWMA(t *testing.T) {
	s := New()
	require.Equal(t, time.Duration(0), s.AverageLatency())

	s.RecordDelivered(10 * time.Millisecond)
	require.Equal(t, 10*time.Millisecond, s.AverageLatency())

	s.RecordDelivered(20 * time.Millisecond)
	avg := s.AverageLatency()
	require.Greater(t, avg, 10*time.Millisecond)
	require.Less(t, avg, 20*time.Millisecond)
}

func TestConcurrentRecording(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				s.RecordSent("stress", routing.PriorityNormal)
				s.RecordDelivered(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(8000), s.Sent())
	require.Equal(t, uint64(8000), s.Delivered())
}

type fakeBacklog struct {
	pending int
	active  int
}

func (f fakeBacklog) PendingTotal() int      { return f.pending }
func (f fakeBacklog) ActiveSubscribers() int { return f.active }

func TestHealthHealthy(t *testing.T) {
	s := New()
	m := NewMonitor(s, fakeBacklog{pending: 10, active: 5}, DefaultThresholds())

	h := m.GetHealth()
	require.True(t, h.Healthy)
	require.Equal(t, "healthy", h.Status)
	require.Empty(t, h.Issues)
	require.Equal(t, 5, h.Active)
}

func TestHealthBacklogIssue(t *testing.T) {
	s := New()
	th := DefaultThresholds()
	th.MaxBacklog = 100
	m := NewMonitor(s, fakeBacklog{pending: 500}, th)

	h := m.GetHealth()
	require.False(t, h.Healthy)
	require.Equal(t, "degraded", h.Status)
	require.Len(t, h.Issues, 1)
	require.Contains(t, h.Issues[0], "backlog")
}

func TestHealthFailureRateNeedsSamples(t *testing.T) {
	s := New()
	th := DefaultThresholds()
	th.MinSamples = 10
	m := NewMonitor(s, fakeBacklog{}, th)

	// A single failure is 100% failure rate, but below the sample floor.
	s.RecordFailed()
	require.True(t, m.GetHealth().Healthy)

	for range 20 {
		s.RecordFailed()
	}
	h := m.GetHealth()
	require.False(t, h.Healthy)
	require.Contains(t, h.Issues[0], "failure rate")
}
