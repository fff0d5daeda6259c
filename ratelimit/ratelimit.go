// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles message sends per sender using token
// buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config controls per-sender rate limiting.
type Config struct {
	// Enabled turns sender rate limiting on.
	Enabled bool `yaml:"enabled"`
	// MessagesPerSecond is the sustained send rate per sender.
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	// Burst is the per-sender burst allowance.
	Burst int `yaml:"burst"`
	// CleanupInterval is how often idle sender entries are dropped.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:           false,
		MessagesPerSecond: 100,
		Burst:             200,
		CleanupInterval:   time.Minute,
	}
}

type senderEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SenderLimiter rate limits message sends per sender id. Senders with
// no traffic for two cleanup intervals are forgotten.
type SenderLimiter struct {
	mu       sync.Mutex
	limiters map[string]*senderEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	once     sync.Once
}

// NewSenderLimiter creates a per-sender rate limiter and starts its
// cleanup loop.
func NewSenderLimiter(cfg Config) *SenderLimiter {
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = DefaultConfig().MessagesPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultConfig().Burst
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}

	l := &SenderLimiter{
		limiters: make(map[string]*senderEntry),
		rate:     rate.Limit(cfg.MessagesPerSecond),
		burst:    cfg.Burst,
		cleanup:  cfg.CleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether the sender may send another message now.
// An empty sender id is never limited.
func (l *SenderLimiter) Allow(senderID string) bool {
	if senderID == "" {
		return true
	}

	l.mu.Lock()
	entry, ok := l.limiters[senderID]
	if !ok {
		entry = &senderEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[senderID] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Tracked returns the number of tracked senders.
func (l *SenderLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Stop stops the cleanup goroutine.
func (l *SenderLimiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

func (l *SenderLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.dropStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *SenderLimiter) dropStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for id, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, id)
		}
	}
}
