// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"fmt"
	"time"
)

// TargetType determines how a route's target list is interpreted.
type TargetType byte

const (
	// Unicast targets a single subscriber by id.
	Unicast TargetType = iota
	// Multicast targets an explicit list of two or more subscribers.
	Multicast
	// Broadcast targets every active subscriber.
	Broadcast
	// RoomBroadcast targets subscribers that are members of the given rooms.
	RoomBroadcast
	// AreaBroadcast targets subscribers located in the given areas.
	AreaBroadcast
	// RoleBroadcast targets subscribers holding the given roles.
	RoleBroadcast
)

func (t TargetType) String() string {
	switch t {
	case Unicast:
		return "unicast"
	case Multicast:
		return "multicast"
	case Broadcast:
		return "broadcast"
	case RoomBroadcast:
		return "room_broadcast"
	case AreaBroadcast:
		return "area_broadcast"
	case RoleBroadcast:
		return "role_broadcast"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Priority bands. Priority is a full byte (0-255, higher is more urgent);
// the named values mark band boundaries used by filters and queue limits.
const (
	PriorityLow      byte = 64
	PriorityNormal   byte = 128
	PriorityHigh     byte = 192
	PriorityCritical byte = 255
)

// PriorityBand maps a raw priority to its band name.
func PriorityBand(p byte) string {
	switch {
	case p > PriorityHigh:
		return "critical"
	case p > PriorityNormal:
		return "high"
	case p > PriorityLow:
		return "normal"
	default:
		return "low"
	}
}

// DefaultHopLimit bounds re-routing depth when a route is forwarded
// between routers.
const DefaultHopLimit = 8

// Route is the addressing specification for an envelope.
type Route struct {
	TargetType TargetType
	TargetIDs  []string
	ExcludeIDs []string
	Priority   byte
	ExpiresAt  time.Time // zero means no expiry
	RequireAck bool
	HopCount   uint8
	HopLimit   uint8
}

// NewRoute creates a route with default priority and hop limit.
func NewRoute(t TargetType, targets ...string) Route {
	return Route{
		TargetType: t,
		TargetIDs:  targets,
		Priority:   PriorityNormal,
		HopLimit:   DefaultHopLimit,
	}
}

// UnicastRoute addresses a single subscriber.
func UnicastRoute(target string) Route {
	return NewRoute(Unicast, target)
}

// MulticastRoute addresses an explicit subscriber list.
func MulticastRoute(targets ...string) Route {
	return NewRoute(Multicast, targets...)
}

// BroadcastRoute addresses every active subscriber.
func BroadcastRoute() Route {
	return NewRoute(Broadcast)
}

// RoomRoute addresses members of the given rooms.
func RoomRoute(rooms ...string) Route {
	return NewRoute(RoomBroadcast, rooms...)
}

// Validate checks the route shape. It is called before any delivery
// attempt; a failure here fails the whole send synchronously.
func (r *Route) Validate() error {
	switch r.TargetType {
	case Unicast:
		if len(r.TargetIDs) != 1 || r.TargetIDs[0] == "" {
			return fmt.Errorf("unicast requires exactly one target: %w", ErrInvalidRoute)
		}
	case Multicast:
		if r.distinctTargets() < 2 {
			return fmt.Errorf("multicast requires at least two distinct targets (got %d): %w",
				r.distinctTargets(), ErrInvalidRoute)
		}
	case Broadcast:
		// No targets required.
	case RoomBroadcast, AreaBroadcast, RoleBroadcast:
		if len(r.TargetIDs) == 0 {
			return fmt.Errorf("%s requires at least one target id: %w", r.TargetType, ErrInvalidRoute)
		}
	default:
		return fmt.Errorf("unknown target type %d: %w", byte(r.TargetType), ErrInvalidRoute)
	}

	if r.HopLimit > 0 && r.HopCount > r.HopLimit {
		return fmt.Errorf("hop count %d exceeds limit %d: %w", r.HopCount, r.HopLimit, ErrHopLimitExceeded)
	}
	return nil
}

// NextHop increments the hop counter. Returns ErrHopLimitExceeded when
// the route has been re-routed too many times.
func (r *Route) NextHop() error {
	limit := r.HopLimit
	if limit == 0 {
		limit = DefaultHopLimit
	}
	if r.HopCount >= limit {
		return fmt.Errorf("hop count %d at limit %d: %w", r.HopCount, limit, ErrHopLimitExceeded)
	}
	r.HopCount++
	return nil
}

// Expired reports whether the route's expiry has passed at the given time.
func (r *Route) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Excluded reports whether the id appears in the exclude list.
func (r *Route) Excluded(id string) bool {
	for _, ex := range r.ExcludeIDs {
		if ex == id {
			return true
		}
	}
	return false
}

func (r *Route) distinctTargets() int {
	seen := make(map[string]struct{}, len(r.TargetIDs))
	for _, id := range r.TargetIDs {
		if id != "" {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}
