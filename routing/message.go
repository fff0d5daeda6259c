// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tag keys reserved by the router itself. User tags may carry anything
// else.
const (
	// TagCompression records the compression algorithm applied to the
	// payload before delivery.
	TagCompression = "compression"
)

// SystemTypePrefix marks message types that may bypass subscriber
// filters (see Filter.SystemBypass).
const SystemTypePrefix = "system."

// Envelope is the addressed unit of transport. The payload type is
// generic; the wire layer instantiates it with []byte.
type Envelope[T any] struct {
	// ID is globally unique and immutable once created.
	ID        string
	Type      string
	Route     Route
	Payload   T
	CreatedAt time.Time
	Sender    string
	Tags      map[string]string
}

// NewEnvelope creates an envelope with a fresh uuid and creation time.
func NewEnvelope[T any](msgType string, route Route, payload T) *Envelope[T] {
	return &Envelope[T]{
		ID:        uuid.NewString(),
		Type:      msgType,
		Route:     route,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// IsExpired reports whether the route expiry has passed.
func (e *Envelope[T]) IsExpired() bool {
	return e.Route.Expired(time.Now())
}

// IsSystem reports whether the message type belongs to the system
// namespace.
func (e *Envelope[T]) IsSystem() bool {
	return len(e.Type) > len(SystemTypePrefix) && e.Type[:len(SystemTypePrefix)] == SystemTypePrefix
}

// Tag returns the tag value for key, or "".
func (e *Envelope[T]) Tag(key string) string {
	if e.Tags == nil {
		return ""
	}
	return e.Tags[key]
}

// SetTag sets a tag, allocating the map on first use.
func (e *Envelope[T]) SetTag(key, value string) {
	if e.Tags == nil {
		e.Tags = make(map[string]string)
	}
	e.Tags[key] = value
}

// Validate checks request-level shape: a non-empty id and a well-formed
// route. Failures here fail the whole call synchronously.
func (e *Envelope[T]) Validate() error {
	if e.ID == "" {
		return ErrEmptyMessageID
	}
	if err := e.Route.Validate(); err != nil {
		return fmt.Errorf("message %s: %w", e.ID, err)
	}
	return nil
}
