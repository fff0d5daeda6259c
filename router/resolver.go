// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router expands route specifications into concrete recipient
// sets and picks delivery strategies for callers that have not
// pre-decided one.
package router

import (
	"fmt"

	"github.com/zkyvette425/windroute/registry"
	"github.com/zkyvette425/windroute/routing"
)

// Config holds the strategy-selection thresholds. The ratios are
// deployment-dependent tunables, not constants: the right values vary
// with the transport's per-recipient fan-out cost.
type Config struct {
	// BroadcastThreshold is the target/connection ratio at which
	// broadcast iteration beats per-target multicast.
	BroadcastThreshold float64 `yaml:"broadcast_threshold"`
	// UrgentThreshold replaces BroadcastThreshold for urgent traffic,
	// preferring fan-out sooner.
	UrgentThreshold float64 `yaml:"urgent_threshold"`
	// ReliableThreshold replaces BroadcastThreshold when per-recipient
	// acknowledgment tracking is required, favoring multicast longer.
	ReliableThreshold float64 `yaml:"reliable_threshold"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		BroadcastThreshold: 0.6,
		UrgentThreshold:    0.4,
		ReliableThreshold:  0.75,
	}
}

// Resolver computes recipient sets from routes against a registry.
type Resolver struct {
	cfg Config
	reg *registry.Registry
}

// New creates a resolver bound to a registry.
func New(cfg Config, reg *registry.Registry) *Resolver {
	def := DefaultConfig()
	if cfg.BroadcastThreshold <= 0 {
		cfg.BroadcastThreshold = def.BroadcastThreshold
	}
	if cfg.UrgentThreshold <= 0 {
		cfg.UrgentThreshold = def.UrgentThreshold
	}
	if cfg.ReliableThreshold <= 0 {
		cfg.ReliableThreshold = def.ReliableThreshold
	}
	return &Resolver{cfg: cfg, reg: reg}
}

// Resolve expands a route into the concrete recipient id list. The
// returned slice is a snapshot: registry locks are not held by the
// caller afterwards.
func (r *Resolver) Resolve(route *routing.Route) ([]string, error) {
	if err := route.Validate(); err != nil {
		return nil, err
	}

	switch route.TargetType {
	case routing.Unicast, routing.Multicast:
		return explicitTargets(route), nil
	case routing.Broadcast:
		return r.collect(route, func(*registry.Registration) bool { return true }), nil
	case routing.RoomBroadcast:
		return r.collect(route, membership(route, func(f registry.Filter, id string) bool {
			return f.InRoom(id)
		})), nil
	case routing.AreaBroadcast:
		return r.collect(route, membership(route, func(f registry.Filter, id string) bool {
			return f.InArea(id)
		})), nil
	case routing.RoleBroadcast:
		return r.collect(route, membership(route, func(f registry.Filter, id string) bool {
			return f.HasRole(id)
		})), nil
	default:
		return nil, fmt.Errorf("target type %s: %w", route.TargetType, routing.ErrInvalidRoute)
	}
}

// SelectTargetType chooses the cheapest correct strategy for a caller
// that has not pre-decided one. Broadcast is O(registry size) and
// cheap per recipient but gives up per-recipient ack tracking;
// multicast is O(target count) with full tracking.
func (r *Resolver) SelectTargetType(targetCount, totalConnections int, urgent, reliable bool) routing.TargetType {
	if targetCount <= 1 {
		return routing.Unicast
	}
	if totalConnections <= 0 {
		return routing.Multicast
	}

	threshold := r.cfg.BroadcastThreshold
	if urgent {
		threshold = r.cfg.UrgentThreshold
	}
	if reliable {
		threshold = r.cfg.ReliableThreshold
	}

	ratio := float64(targetCount) / float64(totalConnections)
	if ratio >= threshold {
		return routing.Broadcast
	}
	return routing.Multicast
}

func explicitTargets(route *routing.Route) []string {
	seen := make(map[string]struct{}, len(route.TargetIDs))
	out := make([]string, 0, len(route.TargetIDs))
	for _, id := range route.TargetIDs {
		if id == "" || route.Excluded(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func membership(route *routing.Route, in func(registry.Filter, string) bool) func(*registry.Registration) bool {
	return func(reg *registry.Registration) bool {
		f := reg.FilterSnapshot()
		for _, id := range route.TargetIDs {
			if in(f, id) {
				return true
			}
		}
		return false
	}
}

func (r *Resolver) collect(route *routing.Route, include func(*registry.Registration) bool) []string {
	var out []string
	r.reg.ForEach(func(reg *registry.Registration) {
		if !reg.Online() || route.Excluded(reg.ID()) {
			return
		}
		if include(reg) {
			out = append(out, reg.ID())
		}
	})
	return out
}
