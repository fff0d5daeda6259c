// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"time"
)

// Status classifies the outcome of one message-recipient delivery
// attempt.
type Status int

const (
	// StatusDelivered means the transport accepted the message.
	StatusDelivered Status = iota
	// StatusFiltered means the subscriber's filter dropped the message.
	// A policy outcome, not an error.
	StatusFiltered
	// StatusQueued means the message was parked in the subscriber's
	// pending queue (paused delivery).
	StatusQueued
	// StatusFailed means the attempt failed (transient or terminal).
	StatusFailed
	// StatusUnconfirmed means the transport accepted the message but a
	// required acknowledgment is still outstanding.
	StatusUnconfirmed
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusFiltered:
		return "filtered"
	case StatusQueued:
		return "queued"
	case StatusFailed:
		return "failed"
	case StatusUnconfirmed:
		return "delivered-unconfirmed"
	default:
		return "unknown"
	}
}

// Outcome is the per-attempt record for one recipient.
type Outcome struct {
	MessageID    string
	SubscriberID string
	Status       Status
	Duration     time.Duration
	Err          error
	AwaitingAck  bool
}

// Receipt tracks an acknowledgment for a delivered-unconfirmed
// handoff.
type Receipt struct {
	MessageID    string    `json:"message_id"`
	SubscriberID string    `json:"subscriber_id"`
	Processed    bool      `json:"processed"`
	Result       string    `json:"result,omitempty"`
	At           time.Time `json:"at"`
}

// RouteResult aggregates the outcomes of one envelope's delivery.
type RouteResult struct {
	MessageID string        `json:"message_id"`
	Success   bool          `json:"success"`
	Delivered int           `json:"delivered"`
	Filtered  int           `json:"filtered"`
	Queued    int           `json:"queued"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
	Errors    []string      `json:"errors,omitempty"`
	Receipts  []Receipt     `json:"receipts,omitempty"`
}

func (r *RouteResult) absorb(o Outcome) {
	switch o.Status {
	case StatusDelivered:
		r.Delivered++
	case StatusFiltered:
		r.Filtered++
	case StatusQueued:
		r.Queued++
	case StatusFailed:
		r.Failed++
		if o.Err != nil {
			r.Errors = append(r.Errors, o.SubscriberID+": "+o.Err.Error())
		}
	case StatusUnconfirmed:
		r.Delivered++
		r.Receipts = append(r.Receipts, Receipt{
			MessageID:    o.MessageID,
			SubscriberID: o.SubscriberID,
			At:           time.Now(),
		})
	}
}

// TypeBreakdown summarizes batch results for one route target type.
type TypeBreakdown struct {
	Count       int           `json:"count"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	AvgDuration time.Duration `json:"avg_duration"`
	SuccessRate float64       `json:"success_rate"`

	totalDuration time.Duration
}

// BatchResult aggregates a batch of deliveries with a per-route-type
// breakdown.
type BatchResult struct {
	Success  bool                      `json:"success"`
	Total    int                       `json:"total"`
	Duration time.Duration             `json:"duration"`
	ByType   map[string]*TypeBreakdown `json:"by_type"`
	Results  []*RouteResult            `json:"results"`
}

// Add folds one delivery result into the batch aggregates.
func (b *BatchResult) Add(targetType string, res *RouteResult) {
	b.Total++
	b.Results = append(b.Results, res)
	if !res.Success {
		b.Success = false
	}

	tb, ok := b.ByType[targetType]
	if !ok {
		tb = &TypeBreakdown{}
		b.ByType[targetType] = tb
	}
	tb.Count++
	if res.Success {
		tb.Succeeded++
	} else {
		tb.Failed++
	}
	tb.totalDuration += res.Duration
	tb.AvgDuration = tb.totalDuration / time.Duration(tb.Count)
	tb.SuccessRate = float64(tb.Succeeded) / float64(tb.Count)
}
