// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import "errors"

var (
	// ErrInvalidRoute marks a malformed target set; rejected before any
	// delivery attempt.
	ErrInvalidRoute = errors.New("invalid route")

	// ErrEmptyMessageID marks an envelope without an identifier.
	ErrEmptyMessageID = errors.New("empty message id")

	// ErrExpiredMessage marks an envelope whose route expiry has passed.
	ErrExpiredMessage = errors.New("message expired")

	// ErrHopLimitExceeded guards against routing loops.
	ErrHopLimitExceeded = errors.New("hop limit exceeded")

	// ErrUnknownSubscriber marks delivery to a recipient with no
	// registration. Not retried; the message is not held.
	ErrUnknownSubscriber = errors.New("unknown subscriber")

	// ErrDeliveryFailed marks a transient transport failure, retried up
	// to the configured maximum.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrTerminallyFailed marks a delivery that exhausted its retries.
	ErrTerminallyFailed = errors.New("delivery terminally failed")

	// ErrAckTimeout marks an unconfirmed delivery past the message
	// timeout. Treated like ErrDeliveryFailed for retry purposes.
	ErrAckTimeout = errors.New("acknowledgment timeout")

	// ErrMessageNotFound marks a lookup for a message id that is not
	// tracked (not failed, not pending).
	ErrMessageNotFound = errors.New("message not found")

	// ErrRateLimited marks a send rejected by the sender rate limiter.
	ErrRateLimited = errors.New("sender rate limited")
)
