// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowWithinBurst(t *testing.T) {
	l := NewSenderLimiter(Config{MessagesPerSecond: 10, Burst: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	for range 5 {
		require.True(t, l.Allow("alice"))
	}
	require.False(t, l.Allow("alice"))
}

func TestSendersIsolated(t *testing.T) {
	l := NewSenderLimiter(Config{MessagesPerSecond: 1, Burst: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	require.True(t, l.Allow("alice"))
	require.False(t, l.Allow("alice"))
	require.True(t, l.Allow("bob"))
	require.Equal(t, 2, l.Tracked())
}

func TestEmptySenderNeverLimited(t *testing.T) {
	l := NewSenderLimiter(Config{MessagesPerSecond: 1, Burst: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	for range 10 {
		require.True(t, l.Allow(""))
	}
	require.Equal(t, 0, l.Tracked())
}

func TestTokensRefill(t *testing.T) {
	l := NewSenderLimiter(Config{MessagesPerSecond: 100, Burst: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	require.True(t, l.Allow("alice"))
	require.False(t, l.Allow("alice"))

	time.Sleep(20 * time.Millisecond)
	require.True(t, l.Allow("alice"))
}

func TestStaleSendersDropped(t *testing.T) {
	l := NewSenderLimiter(Config{MessagesPerSecond: 10, Burst: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	l.Allow("alice")
	l.mu.Lock()
	l.limiters["alice"].lastSeen = time.Now().Add(-3 * time.Minute)
	l.mu.Unlock()

	l.dropStale()
	require.Equal(t, 0, l.Tracked())
}
