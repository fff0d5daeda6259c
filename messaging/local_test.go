// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zkyvette425/windroute/routing"
)

func TestLocalTransportSend(t *testing.T) {
	lt := NewLocalTransport(1)
	t.Cleanup(lt.Close)
	ch := lt.Attach("alice")

	env := routing.NewEnvelope("chat.message", routing.UnicastRoute("alice"), []byte("a"))
	require.NoError(t, lt.Send(context.Background(), "alice", env))

	// A full channel fails fast so the delivery engine can retry.
	err := lt.Send(context.Background(), "alice", env)
	require.ErrorIs(t, err, routing.ErrDeliveryFailed)

	<-ch
	require.NoError(t, lt.Send(context.Background(), "alice", env))

	err = lt.Send(context.Background(), "nobody", env)
	require.ErrorIs(t, err, routing.ErrUnknownSubscriber)
}

func TestLocalTransportSendCanceledContext(t *testing.T) {
	lt := NewLocalTransport(1)
	t.Cleanup(lt.Close)
	lt.Attach("alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env := routing.NewEnvelope("chat.message", routing.UnicastRoute("alice"), []byte("a"))
	err := lt.Send(ctx, "alice", env)
	require.ErrorIs(t, err, context.Canceled)
}
