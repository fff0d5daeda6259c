// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stats aggregates delivery counters, latency and processing
// rate, and derives an advisory health signal.
package stats

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zkyvette425/windroute/routing"
)

// rateWindowSeconds is the rolling window for the messages/sec rate.
const rateWindowSeconds = 60

// latencyAlpha is the EWMA smoothing factor for delivery latency.
const latencyAlpha = 0.2

// Stats tracks detailed router statistics. Counters use atomic
// increments; only the rolling rate window takes a small lock.
type Stats struct {
	startTime time.Time

	// Outcome counters
	sent      atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	filtered  atomic.Uint64
	queued    atomic.Uint64
	expired   atomic.Uint64
	acked     atomic.Uint64

	// Breakdown counters
	byType     sync.Map // string -> *atomic.Uint64
	byPriority [4]atomic.Uint64

	// Latency EWMA in nanoseconds, stored as float bits.
	latencyBits atomic.Uint64

	// Rolling per-second buckets for the processing rate.
	rateMu      sync.Mutex
	rateBuckets [rateWindowSeconds]rateBucket
}

type rateBucket struct {
	second int64
	count  uint64
}

// New creates a stats tracker.
func New() *Stats {
	return &Stats{startTime: time.Now()}
}

// RecordSent counts an accepted envelope by type and priority.
func (s *Stats) RecordSent(msgType string, priority byte) {
	s.sent.Add(1)
	s.bumpType(msgType)
	s.byPriority[bandIndex(priority)].Add(1)
	s.bumpRate()
}

// RecordDelivered counts a successful per-recipient delivery.
func (s *Stats) RecordDelivered(latency time.Duration) {
	s.delivered.Add(1)
	s.observeLatency(latency)
}

// RecordFailed counts a failed per-recipient delivery.
func (s *Stats) RecordFailed() { s.failed.Add(1) }

// RecordRetried counts a scheduled retry.
func (s *Stats) RecordRetried() { s.retried.Add(1) }

// RecordFiltered counts a filter drop (a policy outcome, not an error).
func (s *Stats) RecordFiltered() { s.filtered.Add(1) }

// RecordQueued counts an envelope parked in a pending queue.
func (s *Stats) RecordQueued() { s.queued.Add(1) }

// RecordExpired counts an envelope rejected for expiry.
func (s *Stats) RecordExpired() { s.expired.Add(1) }

// RecordAcked counts a matched acknowledgment.
func (s *Stats) RecordAcked() { s.acked.Add(1) }

// Sent returns the accepted-envelope count.
func (s *Stats) Sent() uint64 { return s.sent.Load() }

// Delivered returns the successful delivery count.
func (s *Stats) Delivered() uint64 { return s.delivered.Load() }

// Failed returns the failed delivery count.
func (s *Stats) Failed() uint64 { return s.failed.Load() }

// Retried returns the retry count.
func (s *Stats) Retried() uint64 { return s.retried.Load() }

// AverageLatency returns the smoothed delivery latency.
func (s *Stats) AverageLatency() time.Duration {
	return time.Duration(math.Float64frombits(s.latencyBits.Load()))
}

// Rate returns the processing rate in messages per second over the
// rolling window.
func (s *Stats) Rate() float64 {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	now := time.Now().Unix()
	var total uint64
	for _, b := range s.rateBuckets {
		if now-b.second < rateWindowSeconds {
			total += b.count
		}
	}
	return float64(total) / rateWindowSeconds
}

// Uptime returns time since the tracker was created.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// FailureRate returns failed/(delivered+failed), or 0 with no traffic.
func (s *Stats) FailureRate() float64 {
	delivered := s.delivered.Load()
	failed := s.failed.Load()
	total := delivered + failed
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Uptime         time.Duration     `json:"uptime"`
	Sent           uint64            `json:"sent"`
	Delivered      uint64            `json:"delivered"`
	Failed         uint64            `json:"failed"`
	Retried        uint64            `json:"retried"`
	Filtered       uint64            `json:"filtered"`
	Queued         uint64            `json:"queued"`
	Expired        uint64            `json:"expired"`
	Acked          uint64            `json:"acked"`
	ByType         map[string]uint64 `json:"by_type"`
	ByPriority     map[string]uint64 `json:"by_priority"`
	AverageLatency time.Duration     `json:"average_latency"`
	Rate           float64           `json:"rate"`
	FailureRate    float64           `json:"failure_rate"`
}

// Snapshot returns a consistent-enough copy for operator surfaces.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Uptime:         s.Uptime(),
		Sent:           s.sent.Load(),
		Delivered:      s.delivered.Load(),
		Failed:         s.failed.Load(),
		Retried:        s.retried.Load(),
		Filtered:       s.filtered.Load(),
		Queued:         s.queued.Load(),
		Expired:        s.expired.Load(),
		Acked:          s.acked.Load(),
		ByType:         make(map[string]uint64),
		ByPriority:     make(map[string]uint64, 4),
		AverageLatency: s.AverageLatency(),
		Rate:           s.Rate(),
		FailureRate:    s.FailureRate(),
	}

	s.byType.Range(func(k, v any) bool {
		snap.ByType[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})

	for i, name := range [4]string{"low", "normal", "high", "critical"} {
		snap.ByPriority[name] = s.byPriority[i].Load()
	}
	return snap
}

func (s *Stats) bumpType(msgType string) {
	if msgType == "" {
		msgType = "unknown"
	}
	v, ok := s.byType.Load(msgType)
	if !ok {
		v, _ = s.byType.LoadOrStore(msgType, &atomic.Uint64{})
	}
	v.(*atomic.Uint64).Add(1)
}

func (s *Stats) observeLatency(latency time.Duration) {
	for {
		oldBits := s.latencyBits.Load()
		old := math.Float64frombits(oldBits)
		next := old
		if old == 0 {
			next = float64(latency)
		} else {
			next = old*(1-latencyAlpha) + float64(latency)*latencyAlpha
		}
		if s.latencyBits.CompareAndSwap(oldBits, math.Float64bits(next)) {
			return
		}
	}
}

func (s *Stats) bumpRate() {
	now := time.Now().Unix()

	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	b := &s.rateBuckets[now%rateWindowSeconds]
	if b.second != now {
		b.second = now
		b.count = 0
	}
	b.count++
}

func bandIndex(priority byte) int {
	switch routing.PriorityBand(priority) {
	case "critical":
		return 3
	case "high":
		return 2
	case "normal":
		return 1
	default:
		return 0
	}
}
