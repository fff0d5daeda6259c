// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"sync"
	"time"

	"github.com/zkyvette425/windroute/routing"
)

// defaultFailedCapacity bounds terminally failed messages retained per
// subscriber.
const defaultFailedCapacity = 1000

// FailedMessage is a terminally failed delivery retained for operator
// inspection and manual retry.
type FailedMessage struct {
	Envelope     *routing.Envelope[[]byte] `json:"envelope"`
	SubscriberID string                    `json:"subscriber_id"`
	Reason       string                    `json:"reason"`
	Attempts     int                       `json:"attempts"`
	FailedAt     time.Time                 `json:"failed_at"`
}

// failedStore is the dead-letter holding area. Bounded per subscriber;
// the oldest entry is evicted on overflow.
type failedStore struct {
	mu       sync.Mutex
	byID     map[string]*FailedMessage
	bySub    map[string][]*FailedMessage
	capacity int
}

func newFailedStore(capacity int) *failedStore {
	if capacity <= 0 {
		capacity = defaultFailedCapacity
	}
	return &failedStore{
		byID:     make(map[string]*FailedMessage),
		bySub:    make(map[string][]*FailedMessage),
		capacity: capacity,
	}
}

// Add records a terminal failure, evicting the subscriber's oldest
// entry when the per-subscriber cap is reached.
func (s *failedStore) Add(env *routing.Envelope[[]byte], subscriberID, reason string, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fm := &FailedMessage{
		Envelope:     env,
		SubscriberID: subscriberID,
		Reason:       reason,
		Attempts:     attempts,
		FailedAt:     time.Now(),
	}

	list := s.bySub[subscriberID]
	if len(list) >= s.capacity {
		oldest := list[0]
		list = list[1:]
		if cur, ok := s.byID[oldest.Envelope.ID]; ok && cur == oldest {
			delete(s.byID, oldest.Envelope.ID)
		}
	}
	s.bySub[subscriberID] = append(list, fm)
	s.byID[env.ID] = fm
}

// Recent returns up to limit failed messages for a subscriber, most
// recent first. limit <= 0 returns all.
func (s *failedStore) Recent(subscriberID string, limit int) []*FailedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.bySub[subscriberID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]*FailedMessage, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out
}

// Take removes and returns the failed message with the given message
// ID.
func (s *failedStore) Take(messageID string) (*FailedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fm, ok := s.byID[messageID]
	if !ok {
		return nil, false
	}
	delete(s.byID, messageID)

	list := s.bySub[fm.SubscriberID]
	for i, cur := range list {
		if cur == fm {
			s.bySub[fm.SubscriberID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.bySub[fm.SubscriberID]) == 0 {
		delete(s.bySub, fm.SubscriberID)
	}
	return fm, true
}

// Len returns the number of retained failed messages.
func (s *failedStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
