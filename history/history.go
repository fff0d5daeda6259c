// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package history retains recently routed messages for replay to new
// subscribers.
package history

import (
	"context"
	"sync"

	"github.com/zkyvette425/windroute/routing"
)

// DefaultCapacity is the default history retention.
const DefaultCapacity = 1000

// Store retains the most recent messages in arrival order.
type Store interface {
	// Append records a routed message, evicting the oldest entry once
	// the retention cap is reached.
	Append(ctx context.Context, env *routing.Envelope[[]byte]) error
	// Recent returns up to limit retained messages in chronological
	// order. limit <= 0 returns all retained messages.
	Recent(ctx context.Context, limit int) ([]*routing.Envelope[[]byte], error)
	// Len returns the number of retained messages.
	Len() int
	// Close releases store resources.
	Close() error
}

// MemoryStore is a fixed-capacity in-memory ring.
type MemoryStore struct {
	mu       sync.RWMutex
	ring     []*routing.Envelope[[]byte]
	head     int // next write position
	size     int
	capacity int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory history ring.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		ring:     make([]*routing.Envelope[[]byte], capacity),
		capacity: capacity,
	}
}

// Append records a message, overwriting the oldest once full.
func (s *MemoryStore) Append(_ context.Context, env *routing.Envelope[[]byte]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring[s.head] = env
	s.head = (s.head + 1) % s.capacity
	if s.size < s.capacity {
		s.size++
	}
	return nil
}

// Recent returns up to limit messages, oldest first.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]*routing.Envelope[[]byte], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.size
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]*routing.Envelope[[]byte], 0, n)
	// Walk the last n entries in write order.
	start := s.head - n
	if start < 0 {
		start += s.capacity
	}
	for i := range n {
		out = append(out, s.ring[(start+i)%s.capacity])
	}
	return out, nil
}

// Len returns the number of retained messages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
