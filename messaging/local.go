// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/zkyvette425/windroute/routing"
)

// defaultChannelBuffer is the per-subscriber delivery channel depth.
const defaultChannelBuffer = 256

// LocalTransport delivers messages to in-process subscribers over
// buffered channels. It is the default transport when no gateway or
// cluster transport is wired in.
type LocalTransport struct {
	mu     sync.RWMutex
	chans  map[string]chan *routing.Envelope[[]byte]
	buffer int
	closed bool
}

// NewLocalTransport creates an in-process transport. buffer <= 0 uses
// the default channel depth.
func NewLocalTransport(buffer int) *LocalTransport {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &LocalTransport{
		chans:  make(map[string]chan *routing.Envelope[[]byte]),
		buffer: buffer,
	}
}

// Attach creates (or returns) the subscriber's receive channel.
func (t *LocalTransport) Attach(subscriberID string) <-chan *routing.Envelope[[]byte] {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.chans[subscriberID]
	if !ok {
		ch = make(chan *routing.Envelope[[]byte], t.buffer)
		t.chans[subscriberID] = ch
	}
	return ch
}

// Detach closes and removes the subscriber's channel.
func (t *LocalTransport) Detach(subscriberID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ch, ok := t.chans[subscriberID]; ok {
		delete(t.chans, subscriberID)
		close(ch)
	}
}

// Send hands the envelope to the subscriber's channel. A full channel
// is a transport failure so the delivery engine can retry.
func (t *LocalTransport) Send(ctx context.Context, subscriberID string, env *routing.Envelope[[]byte]) error {
	t.mu.RLock()
	ch, ok := t.chans[subscriberID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no channel for %s: %w", subscriberID, routing.ErrUnknownSubscriber)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case ch <- env:
		return nil
	default:
		return fmt.Errorf("channel full for %s: %w", subscriberID, routing.ErrDeliveryFailed)
	}
}

// Close detaches every subscriber.
func (t *LocalTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.chans {
		delete(t.chans, id)
		close(ch)
	}
}
