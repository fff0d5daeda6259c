// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zkyvette425/windroute/config"
	"github.com/zkyvette425/windroute/registry"
	"github.com/zkyvette425/windroute/routing"
)

func newService(t *testing.T, mutate func(*config.Config)) *Service {
	t.Helper()

	cfg := config.Default()
	cfg.Delivery.SweepInterval = time.Hour
	if mutate != nil {
		mutate(cfg)
	}

	svc, err := New(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func recvOne(t *testing.T, ch <-chan *routing.Envelope[[]byte]) *routing.Envelope[[]byte] {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestSendAndReceive(t *testing.T) {
	svc := newService(t, nil)

	_, ch, err := svc.Subscribe(context.Background(), "alice", registry.Filter{}, nil)
	require.NoError(t, err)
	require.NotNil(t, ch)

	env := routing.NewEnvelope("chat.message", routing.UnicastRoute("alice"), []byte("hello"))
	res, err := svc.SendMessage(context.Background(), env)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.Delivered)

	got := recvOne(t, ch)
	require.Equal(t, env.ID, got.ID)
	require.Equal(t, []byte("hello"), got.Payload)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	svc := newService(t, nil)

	subID, _, err := svc.Subscribe(context.Background(), "alice", registry.Filter{}, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Unsubscribe(context.Background(), "alice", subID))

	env := routing.NewEnvelope("chat.message", routing.UnicastRoute("alice"), []byte("gone"))
	res, err := svc.SendMessage(context.Background(), env)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, 1, res.Failed)
}

func TestUnsubscribeWrongSubscriptionID(t *testing.T) {
	svc := newService(t, nil)

	_, _, err := svc.Subscribe(context.Background(), "alice", registry.Filter{}, nil)
	require.NoError(t, err)

	err = svc.Unsubscribe(context.Background(), "alice", "stale-subscription")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestCompressionPreprocessing(t *testing.T) {
	svc := newService(t, nil)

	_, ch, err := svc.Subscribe(context.Background(), "alice", registry.Filter{}, nil)
	require.NoError(t, err)

	// Highly compressible payload above the 1KB threshold.
	payload := bytes.Repeat([]byte("abcdefgh"), 512)
	env := routing.NewEnvelope("world.snapshot", routing.UnicastRoute("alice"), payload)

	res, err := svc.SendMessage(context.Background(), env)
	require.NoError(t, err)
	require.True(t, res.Success)

	got := recvOne(t, ch)
	require.NotEmpty(t, got.Tag(routing.TagCompression))
	require.Less(t, len(got.Payload), len(payload))

	restored, err := svc.Decompress(got)
	require.NoError(t, err)
	require.Equal(t, payload, restored)
}

func TestSmallPayloadNotCompressed(t *testing.T) {
	svc := newService(t, nil)

	_, ch, err := svc.Subscribe(context.Background(), "alice", registry.Filter{}, nil)
	require.NoError(t, err)

	env := routing.NewEnvelope("chat.message", routing.UnicastRoute("alice"), []byte("tiny"))
	_, err = svc.SendMessage(context.Background(), env)
	require.NoError(t, err)

	got := recvOne(t, ch)
	require.Empty(t, got.Tag(routing.TagCompression))
	require.Equal(t, []byte("tiny"), got.Payload)
}

func TestPauseResumeDrains(t *testing.T) {
	svc := newService(t, nil)

	_, ch, err := svc.Subscribe(context.Background(), "alice", registry.Filter{}, nil)
	require.NoError(t, err)
	require.NoError(t, svc.PauseDelivery("alice"))

	for range 5 {
		env := routing.NewEnvelope("chat.message", routing.UnicastRoute("alice"), []byte("parked"))
		res, err := svc.SendMessage(context.Background(), env)
		require.NoError(t, err)
		require.Equal(t, 1, res.Queued)
	}

	pending, err := svc.PendingCount("alice")
	require.NoError(t, err)
	require.Equal(t, 5, pending)

	drained, err := svc.ResumeDelivery(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, 5, drained)

	for range 5 {
		recvOne(t, ch)
	}
}

func TestHistoryReplayOnSubscribe(t *testing.T) {
	svc := newService(t, func(c *config.Config) {
		c.History.ReplayOnSubscribe = 10
	})

	_, _, err := svc.Subscribe(context.Background(), "alice", registry.Filter{}, nil)
	require.NoError(t, err)

	for i := range 3 {
		env := routing.NewEnvelope("chat.message", routing.BroadcastRoute(), []byte{byte(i)})
		_, err := svc.SendMessage(context.Background(), env)
		require.NoError(t, err)
	}

	_, ch, err := svc.Subscribe(context.Background(), "bob", registry.Filter{}, nil)
	require.NoError(t, err)

	for i := range 3 {
		got := recvOne(t, ch)
		require.Equal(t, []byte{byte(i)}, got.Payload)
	}
}

func TestHistoryReplayLimit(t *testing.T) {
	svc := newService(t, func(c *config.Config) {
		c.History.ReplayOnSubscribe = 2
	})

	_, _, err := svc.Subscribe(context.Background(), "alice", registry.Filter{}, nil)
	require.NoError(t, err)

	for i := range 5 {
		env := routing.NewEnvelope("chat.message", routing.BroadcastRoute(), []byte{byte(i)})
		_, err := svc.SendMessage(context.Background(), env)
		require.NoError(t, err)
	}

	_, ch, err := svc.Subscribe(context.Background(), "bob", registry.Filter{}, nil)
	require.NoError(t, err)

	// Only the newest two replay, in order.
	require.Equal(t, []byte{3}, recvOne(t, ch).Payload)
	require.Equal(t, []byte{4}, recvOne(t, ch).Payload)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected replayed message: %v", extra.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHistoryReplayRespectsFilter(t *testing.T) {
	svc := newService(t, func(c *config.Config) {
		c.History.ReplayOnSubscribe = 10
	})

	_, _, err := svc.Subscribe(context.Background(), "alice", registry.Filter{}, nil)
	require.NoError(t, err)

	chat := routing.NewEnvelope("chat.message", routing.BroadcastRoute(), []byte("chat"))
	_, err = svc.SendMessage(context.Background(), chat)
	require.NoError(t, err)

	match := routing.NewEnvelope("match.event", routing.BroadcastRoute(), []byte("match"))
	_, err = svc.SendMessage(context.Background(), match)
	require.NoError(t, err)

	_, ch, err := svc.Subscribe(context.Background(), "bob", registry.Filter{Types: []string{"match.event"}}, nil)
	require.NoError(t, err)

	got := recvOne(t, ch)
	require.Equal(t, []byte("match"), got.Payload)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected replayed message: %s", extra.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRateLimiting(t *testing.T) {
	svc := newService(t, func(c *config.Config) {
		c.RateLimit.Enabled = true
		c.RateLimit.MessagesPerSecond = 1
		c.RateLimit.Burst = 2
	})

	_, _, err := svc.Subscribe(context.Background(), "alice", registry.Filter{}, nil)
	require.NoError(t, err)

	for range 2 {
		env := routing.NewEnvelope("chat.message", routing.UnicastRoute("alice"), []byte("x"))
		env.Sender = "spammer"
		_, err := svc.SendMessage(context.Background(), env)
		require.NoError(t, err)
	}

	env := routing.NewEnvelope("chat.message", routing.UnicastRoute("alice"), []byte("x"))
	env.Sender = "spammer"
	_, err = svc.SendMessage(context.Background(), env)
	require.ErrorIs(t, err, routing.ErrRateLimited)
}

func TestSendBatch(t *testing.T) {
	svc := newService(t, nil)

	_, _, err := svc.Subscribe(context.Background(), "alice", registry.Filter{}, nil)
	require.NoError(t, err)

	envs := []*routing.Envelope[[]byte]{
		routing.NewEnvelope("chat.message", routing.UnicastRoute("alice"), []byte("1")),
		routing.NewEnvelope("chat.message", routing.UnicastRoute("alice"), []byte("2")),
		routing.NewEnvelope("match.event", routing.BroadcastRoute(), []byte("3")),
	}
	batch, err := svc.SendBatch(context.Background(), envs, false)
	require.NoError(t, err)
	require.True(t, batch.Success)
	require.Equal(t, 3, batch.Total)
	require.Equal(t, 2, batch.ByType["unicast"].Count)
}

func TestStatsAndHealth(t *testing.T) {
	svc := newService(t, nil)

	_, _, err := svc.Subscribe(context.Background(), "alice", registry.Filter{}, nil)
	require.NoError(t, err)

	env := routing.NewEnvelope("chat.message", routing.UnicastRoute("alice"), []byte("x"))
	_, err = svc.SendMessage(context.Background(), env)
	require.NoError(t, err)

	snap := svc.GetStats()
	require.Equal(t, uint64(1), snap.Sent)
	require.Equal(t, uint64(1), snap.Delivered)

	h := svc.GetHealthStatus()
	require.True(t, h.Healthy)
	require.Equal(t, 1, h.Active)
}

func TestSubscriberInfo(t *testing.T) {
	svc := newService(t, nil)

	subID, _, err := svc.Subscribe(context.Background(), "alice", registry.Filter{}, nil)
	require.NoError(t, err)

	info, err := svc.GetSubscriberInfo("alice")
	require.NoError(t, err)
	require.Equal(t, "alice", info.ID)
	require.Equal(t, subID, info.SubscriptionID)

	_, err = svc.GetSubscriberInfo("nobody")
	require.ErrorIs(t, err, routing.ErrUnknownSubscriber)

	all := svc.GetActiveSubscribers()
	require.Len(t, all, 1)
}

func TestSetConfiguration(t *testing.T) {
	svc := newService(t, nil)

	svc.SetConfiguration(config.DeliveryConfig{
		MaxRetries:     7,
		RetryDelay:     2 * time.Second,
		MessageTimeout: time.Minute,
	})

	got := svc.GetConfiguration()
	require.Equal(t, 7, got.Delivery.MaxRetries)
	require.Equal(t, 2*time.Second, got.Delivery.RetryDelay)
	require.Equal(t, time.Minute, got.Delivery.MessageTimeout)
}

func TestAcknowledgeThroughService(t *testing.T) {
	svc := newService(t, nil)

	_, ch, err := svc.Subscribe(context.Background(), "alice", registry.Filter{}, nil)
	require.NoError(t, err)

	route := routing.UnicastRoute("alice")
	route.RequireAck = true
	env := routing.NewEnvelope("trade.offer", route, []byte("deal"))

	res, err := svc.SendMessage(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, res.Receipts, 1)

	recvOne(t, ch)
	receipt, err := svc.Acknowledge(env.ID, "alice", true, "accepted")
	require.NoError(t, err)
	require.True(t, receipt.Processed)
	require.Equal(t, "accepted", receipt.Result)
	snap := svc.GetStats()
	require.Equal(t, uint64(1), snap.Acked)
}
