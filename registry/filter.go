// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"github.com/zkyvette425/windroute/routing"
)

// Filter decides which messages reach a subscriber. The zero value
// matches everything.
type Filter struct {
	// Types is the allowed message-type set. Empty allows all types.
	Types []string
	// AllowedSenders, when non-empty, is the only accepted sender set.
	AllowedSenders []string
	// BlockedSenders are rejected regardless of AllowedSenders.
	BlockedSenders []string
	// MinPriority is the lowest priority the subscriber accepts.
	MinPriority byte
	// Rooms, Areas and Roles record the subscriber's memberships,
	// consulted by the route resolver for the broadcast variants.
	Rooms []string
	Areas []string
	Roles []string
	// Metadata holds tag equality constraints: every constraint must
	// match the corresponding envelope tag exactly.
	Metadata map[string]routing.Value
	// SystemBypass lets system.* messages through regardless of the
	// other constraints.
	SystemBypass bool
}

// FilterVerdict explains why a message was dropped by a filter.
type FilterVerdict string

const (
	VerdictAccept        FilterVerdict = "accept"
	VerdictTypeBlocked   FilterVerdict = "type not allowed"
	VerdictLowPriority   FilterVerdict = "priority below minimum"
	VerdictSenderBlocked FilterVerdict = "sender blocked"
	VerdictSenderUnknown FilterVerdict = "sender not in allow list"
	VerdictMetadata      FilterVerdict = "metadata constraint mismatch"
)

// Matches evaluates the filter against an envelope. A mismatch is a
// deliberate policy outcome, not an error.
func (f *Filter) Matches(env *routing.Envelope[[]byte]) (bool, FilterVerdict) {
	if f.SystemBypass && env.IsSystem() {
		return true, VerdictAccept
	}

	if len(f.Types) > 0 && !contains(f.Types, env.Type) {
		return false, VerdictTypeBlocked
	}

	if env.Route.Priority < f.MinPriority {
		return false, VerdictLowPriority
	}

	if env.Sender != "" && contains(f.BlockedSenders, env.Sender) {
		return false, VerdictSenderBlocked
	}
	if len(f.AllowedSenders) > 0 && !contains(f.AllowedSenders, env.Sender) {
		return false, VerdictSenderUnknown
	}

	for key, want := range f.Metadata {
		got := env.Tag(key)
		if got == "" || !want.MatchString(got) {
			return false, VerdictMetadata
		}
	}

	return true, VerdictAccept
}

// InRoom reports room membership.
func (f *Filter) InRoom(id string) bool { return contains(f.Rooms, id) }

// InArea reports area membership.
func (f *Filter) InArea(id string) bool { return contains(f.Areas, id) }

// HasRole reports role membership.
func (f *Filter) HasRole(id string) bool { return contains(f.Roles, id) }

// clone deep-copies the filter so registry reads see a consistent
// snapshot while the registration is being mutated.
func (f *Filter) clone() Filter {
	cp := Filter{
		Types:          append([]string(nil), f.Types...),
		AllowedSenders: append([]string(nil), f.AllowedSenders...),
		BlockedSenders: append([]string(nil), f.BlockedSenders...),
		MinPriority:    f.MinPriority,
		Rooms:          append([]string(nil), f.Rooms...),
		Areas:          append([]string(nil), f.Areas...),
		Roles:          append([]string(nil), f.Roles...),
		SystemBypass:   f.SystemBypass,
	}
	if f.Metadata != nil {
		cp.Metadata = make(map[string]routing.Value, len(f.Metadata))
		for k, v := range f.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

func contains(vals []string, v string) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}
