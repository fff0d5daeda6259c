// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zkyvette425/windroute/routing"
)

func makeEnv(i int) *routing.Envelope[[]byte] {
	return routing.NewEnvelope("chat.message", routing.UnicastRoute("alice"), []byte(fmt.Sprintf("msg-%d", i)))
}

func TestMemoryStoreAppendAndRecent(t *testing.T) {
	s := NewMemoryStore(10)
	defer s.Close()

	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, s.Append(ctx, makeEnv(i)))
	}
	require.Equal(t, 5, s.Len())

	got, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.Equal(t, []byte("msg-0"), got[0].Payload)
	require.Equal(t, []byte("msg-4"), got[4].Payload)
}

func TestMemoryStoreLimitReturnsNewest(t *testing.T) {
	s := NewMemoryStore(10)
	defer s.Close()

	ctx := context.Background()
	for i := range 8 {
		require.NoError(t, s.Append(ctx, makeEnv(i)))
	}

	got, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// The newest three, in chronological order.
	require.Equal(t, []byte("msg-5"), got[0].Payload)
	require.Equal(t, []byte("msg-7"), got[2].Payload)
}

func TestMemoryStoreWrapsAtCapacity(t *testing.T) {
	s := NewMemoryStore(3)
	defer s.Close()

	ctx := context.Background()
	for i := range 7 {
		require.NoError(t, s.Append(ctx, makeEnv(i)))
	}
	require.Equal(t, 3, s.Len())

	got, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []byte("msg-4"), got[0].Payload)
	require.Equal(t, []byte("msg-6"), got[2].Payload)
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir(), 100)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	envs := make([]*routing.Envelope[[]byte], 0, 5)
	for i := range 5 {
		env := makeEnv(i)
		envs = append(envs, env)
		require.NoError(t, s.Append(ctx, env))
	}
	require.Equal(t, 5, s.Len())

	got, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, env := range envs {
		require.Equal(t, env.ID, got[i].ID)
		require.Equal(t, env.Payload, got[i].Payload)
	}
}

func TestBadgerStoreEvictsOldest(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir(), 3)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, s.Append(ctx, makeEnv(i)))
	}
	require.Equal(t, 3, s.Len())

	got, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []byte("msg-2"), got[0].Payload)
	require.Equal(t, []byte("msg-4"), got[2].Payload)
}

func TestBadgerStoreRecoversAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewBadgerStore(dir, 100)
	require.NoError(t, err)
	for i := range 4 {
		require.NoError(t, s.Append(ctx, makeEnv(i)))
	}
	require.NoError(t, s.Close())

	s, err = NewBadgerStore(dir, 100)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, 4, s.Len())

	require.NoError(t, s.Append(ctx, makeEnv(4)))
	got, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.Equal(t, []byte("msg-4"), got[4].Payload)
}
