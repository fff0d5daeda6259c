// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zkyvette425/windroute/routing"
)

func envWith(msgType, sender string, priority byte) *routing.Envelope[[]byte] {
	route := routing.UnicastRoute("player-1")
	route.Priority = priority
	env := routing.NewEnvelope(msgType, route, []byte("payload"))
	env.Sender = sender
	return env
}

func TestEmptyFilterMatchesEverything(t *testing.T) {
	f := Filter{}
	ok, verdict := f.Matches(envWith("chat.message", "player-2", routing.PriorityLow))
	require.True(t, ok)
	require.Equal(t, VerdictAccept, verdict)
}

func TestTypeFilter(t *testing.T) {
	f := Filter{Types: []string{"chat.message"}}

	ok, _ := f.Matches(envWith("chat.message", "", routing.PriorityNormal))
	require.True(t, ok)

	ok, verdict := f.Matches(envWith("match.start", "", routing.PriorityNormal))
	require.False(t, ok)
	require.Equal(t, VerdictTypeBlocked, verdict)
}

func TestMinPriorityFilter(t *testing.T) {
	f := Filter{MinPriority: routing.PriorityHigh}

	ok, verdict := f.Matches(envWith("chat.message", "", routing.PriorityNormal))
	require.False(t, ok)
	require.Equal(t, VerdictLowPriority, verdict)

	ok, _ = f.Matches(envWith("chat.message", "", routing.PriorityHigh))
	require.True(t, ok)
}

func TestSenderFilters(t *testing.T) {
	f := Filter{
		AllowedSenders: []string{"friend-1", "friend-2"},
		BlockedSenders: []string{"troll-1"},
	}

	ok, _ := f.Matches(envWith("chat.message", "friend-1", routing.PriorityNormal))
	require.True(t, ok)

	ok, verdict := f.Matches(envWith("chat.message", "troll-1", routing.PriorityNormal))
	require.False(t, ok)
	require.Equal(t, VerdictSenderBlocked, verdict)

	ok, verdict = f.Matches(envWith("chat.message", "stranger", routing.PriorityNormal))
	require.False(t, ok)
	require.Equal(t, VerdictSenderUnknown, verdict)
}

func TestBlockedSenderWinsOverAllowList(t *testing.T) {
	f := Filter{
		AllowedSenders: []string{"troll-1"},
		BlockedSenders: []string{"troll-1"},
	}
	ok, verdict := f.Matches(envWith("chat.message", "troll-1", routing.PriorityNormal))
	require.False(t, ok)
	require.Equal(t, VerdictSenderBlocked, verdict)
}

func TestMetadataConstraints(t *testing.T) {
	f := Filter{Metadata: map[string]routing.Value{
		"region": routing.StringValue("eu"),
		"shard":  routing.IntValue(3),
	}}

	env := envWith("chat.message", "", routing.PriorityNormal)
	env.SetTag("region", "eu")
	env.SetTag("shard", "3")
	ok, _ := f.Matches(env)
	require.True(t, ok)

	env.SetTag("shard", "4")
	ok, verdict := f.Matches(env)
	require.False(t, ok)
	require.Equal(t, VerdictMetadata, verdict)

	missing := envWith("chat.message", "", routing.PriorityNormal)
	missing.SetTag("region", "eu")
	ok, _ = f.Matches(missing)
	require.False(t, ok)
}

func TestSystemBypass(t *testing.T) {
	f := Filter{
		Types:        []string{"chat.message"},
		MinPriority:  routing.PriorityCritical,
		SystemBypass: true,
	}

	ok, _ := f.Matches(envWith("system.kick", "", routing.PriorityLow))
	require.True(t, ok)

	ok, _ = f.Matches(envWith("match.start", "", routing.PriorityLow))
	require.False(t, ok)
}

func TestMembershipHelpers(t *testing.T) {
	f := Filter{Rooms: []string{"room-1"}, Areas: []string{"area-9"}, Roles: []string{"healer"}}
	require.True(t, f.InRoom("room-1"))
	require.False(t, f.InRoom("room-2"))
	require.True(t, f.InArea("area-9"))
	require.True(t, f.HasRole("healer"))
}
