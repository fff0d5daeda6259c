// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"sync"
	"time"

	"github.com/zkyvette425/windroute/routing"
)

// pendingAck is a delivered-unconfirmed handoff awaiting an
// acknowledgment from the recipient.
type pendingAck struct {
	env          *routing.Envelope[[]byte]
	subscriberID string
	sentAt       time.Time
	attempts     int
}

// ackTracker tracks outstanding acknowledgments keyed by message ID and
// subscriber ID. One message can await acks from several recipients.
type ackTracker struct {
	mu      sync.Mutex
	pending map[string]map[string]*pendingAck // messageID -> subscriberID -> ack
}

func newAckTracker() *ackTracker {
	return &ackTracker{pending: make(map[string]map[string]*pendingAck)}
}

// Track registers an outstanding ack for a delivered envelope.
func (t *ackTracker) Track(env *routing.Envelope[[]byte], subscriberID string, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs, ok := t.pending[env.ID]
	if !ok {
		subs = make(map[string]*pendingAck, 1)
		t.pending[env.ID] = subs
	}
	subs[subscriberID] = &pendingAck{
		env:          env,
		subscriberID: subscriberID,
		sentAt:       time.Now(),
		attempts:     attempts,
	}
}

// Resolve removes and returns the outstanding ack for one recipient.
// Returns false when no ack is outstanding, so duplicate acks are a
// no-op for callers.
func (t *ackTracker) Resolve(messageID, subscriberID string) (*pendingAck, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs, ok := t.pending[messageID]
	if !ok {
		return nil, false
	}
	ack, ok := subs[subscriberID]
	if !ok {
		return nil, false
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(t.pending, messageID)
	}
	return ack, true
}

// Expired removes and returns all acks older than their timeout.
// timeoutFor resolves the effective timeout per message type.
func (t *ackTracker) Expired(timeoutFor func(msgType string) time.Duration) []*pendingAck {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var out []*pendingAck
	for msgID, subs := range t.pending {
		for subID, ack := range subs {
			if now.Sub(ack.sentAt) >= timeoutFor(ack.env.Type) {
				out = append(out, ack)
				delete(subs, subID)
			}
		}
		if len(subs) == 0 {
			delete(t.pending, msgID)
		}
	}
	return out
}

// Len returns the number of outstanding acks.
func (t *ackTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, subs := range t.pending {
		n += len(subs)
	}
	return n
}
