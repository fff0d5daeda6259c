// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import "errors"

var (
	// ErrAlreadyActive is returned by Register in strict mode when the
	// subscriber already holds an active registration.
	ErrAlreadyActive = errors.New("subscriber already active")

	// ErrNotFound is returned when no registration exists for the
	// subscriber id (or the subscription id does not match).
	ErrNotFound = errors.New("registration not found")

	// ErrQueueFull is returned by Enqueue under the reject-new overflow
	// policy when the pending queue is at capacity.
	ErrQueueFull = errors.New("pending queue full")
)
