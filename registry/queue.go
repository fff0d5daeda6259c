// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"sync"

	"github.com/zkyvette425/windroute/routing"
)

// OverflowPolicy decides what happens when a pending queue is full.
type OverflowPolicy byte

const (
	// DropOldest evicts the oldest queued message to admit the new one.
	DropOldest OverflowPolicy = iota
	// RejectNew refuses the new message with ErrQueueFull.
	RejectNew
)

// QueueLimits bounds a subscriber's pending FIFO, overall and per
// priority band.
type QueueLimits struct {
	MaxSize  int `yaml:"max_size"`
	Critical int `yaml:"critical"`
	High     int `yaml:"high"`
	Normal   int `yaml:"normal"`
	Low      int `yaml:"low"`
}

// DefaultQueueLimits returns the default bounds.
func DefaultQueueLimits() QueueLimits {
	return QueueLimits{
		MaxSize:  10000,
		Critical: 2000,
		High:     3000,
		Normal:   4000,
		Low:      1000,
	}
}

func (l QueueLimits) bandLimit(band string) int {
	switch band {
	case "critical":
		return l.Critical
	case "high":
		return l.High
	case "normal":
		return l.Normal
	default:
		return l.Low
	}
}

// pendingQueue is the bounded FIFO of undelivered messages for one
// subscriber. Messages to the same subscriber keep submission order.
type pendingQueue struct {
	mu       sync.Mutex
	messages []*routing.Envelope[[]byte]
	byBand   map[string]int
	limits   QueueLimits
	policy   OverflowPolicy
}

func newPendingQueue(limits QueueLimits, policy OverflowPolicy) *pendingQueue {
	if limits.MaxSize <= 0 {
		limits = DefaultQueueLimits()
	}
	return &pendingQueue{
		byBand: make(map[string]int, 4),
		limits: limits,
		policy: policy,
	}
}

// Enqueue adds a message. Under DropOldest a full queue evicts its
// head; under RejectNew the call fails with ErrQueueFull.
func (q *pendingQueue) Enqueue(env *routing.Envelope[[]byte]) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	band := routing.PriorityBand(env.Route.Priority)
	bandLimit := q.limits.bandLimit(band)

	full := len(q.messages) >= q.limits.MaxSize ||
		(bandLimit > 0 && q.byBand[band] >= bandLimit)
	if full {
		if q.policy == RejectNew {
			return fmt.Errorf("enqueue message %s (pending: %d, max: %d): %w",
				env.ID, len(q.messages), q.limits.MaxSize, ErrQueueFull)
		}
		q.dropOldestLocked(band)
	}

	q.messages = append(q.messages, env)
	q.byBand[band]++
	return nil
}

// Dequeue removes and returns the head, or nil when empty.
func (q *pendingQueue) Dequeue() *routing.Envelope[[]byte] {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return nil
	}
	env := q.messages[0]
	q.messages = q.messages[1:]
	q.byBand[routing.PriorityBand(env.Route.Priority)]--
	return env
}

// Drain removes and returns all queued messages in order.
func (q *pendingQueue) Drain() []*routing.Envelope[[]byte] {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.messages
	q.messages = nil
	q.byBand = make(map[string]int, 4)
	return msgs
}

// Len returns the number of queued messages.
func (q *pendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// dropOldestLocked evicts the oldest message, preferring one from the
// same priority band so a burst in one band cannot starve another.
func (q *pendingQueue) dropOldestLocked(band string) {
	for i, env := range q.messages {
		if routing.PriorityBand(env.Route.Priority) == band {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			q.byBand[band]--
			return
		}
	}
	if len(q.messages) > 0 {
		evicted := q.messages[0]
		q.messages = q.messages[1:]
		q.byBand[routing.PriorityBand(evicted.Route.Priority)]--
	}
}
