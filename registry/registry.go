// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks active message receivers, their filters,
// pause state and per-subscriber pending queues. Registrations are
// sharded by subscriber id so broadcast iteration does not block
// unrelated unicast deliveries.
package registry

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zkyvette425/windroute/routing"
)

const numShards = 64

// Config controls registry behavior.
type Config struct {
	// Strict makes Register fail with ErrAlreadyActive instead of the
	// default idempotent upsert.
	Strict bool `yaml:"strict"`
	// Queue bounds each subscriber's pending FIFO.
	Queue QueueLimits `yaml:"queue"`
	// Overflow selects the queue overflow policy: "drop_oldest" or
	// "reject_new".
	Overflow OverflowPolicy `yaml:"-"`
	// EvictAfter removes registrations with no activity for this long.
	// Zero disables eviction.
	EvictAfter time.Duration `yaml:"evict_after"`
	// SweepInterval is how often the eviction sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		Queue:         DefaultQueueLimits(),
		Overflow:      DropOldest,
		EvictAfter:    0,
		SweepInterval: 5 * time.Minute,
	}
}

// Registration is one subscriber's state. All mutation goes through
// methods holding the registration's own lock; the registry shard lock
// is only held for map access.
type Registration struct {
	mu             sync.RWMutex
	id             string
	subscriptionID string
	filter         Filter
	metadata       map[string]routing.Value
	online         bool
	paused         bool
	createdAt      time.Time
	lastActivity   time.Time

	queue     *pendingQueue
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// ID returns the subscriber id.
func (r *Registration) ID() string { return r.id }

// SubscriptionID returns the current subscription identifier.
func (r *Registration) SubscriptionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subscriptionID
}

// FilterSnapshot returns a consistent copy of the filter.
func (r *Registration) FilterSnapshot() Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter.clone()
}

// Metadata returns the registration metadata map. Callers must not
// mutate it.
func (r *Registration) Metadata() map[string]routing.Value {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metadata
}

// Paused reports whether delivery is paused.
func (r *Registration) Paused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused
}

// Online reports whether the registration is active.
func (r *Registration) Online() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.online
}

// Touch records subscriber activity, deferring eviction.
func (r *Registration) Touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// Enqueue adds a message to the pending FIFO.
func (r *Registration) Enqueue(env *routing.Envelope[[]byte]) error {
	return r.queue.Enqueue(env)
}

// Dequeue removes the head of the pending FIFO, or nil.
func (r *Registration) Dequeue() *routing.Envelope[[]byte] {
	return r.queue.Dequeue()
}

// DrainQueue removes and returns all pending messages in order.
func (r *Registration) DrainQueue() []*routing.Envelope[[]byte] {
	return r.queue.Drain()
}

// PendingCount returns the pending FIFO length.
func (r *Registration) PendingCount() int {
	return r.queue.Len()
}

// MarkDelivered increments the delivered counter and touches activity.
func (r *Registration) MarkDelivered() {
	r.delivered.Add(1)
	r.Touch()
}

// MarkFailed increments the failed counter.
func (r *Registration) MarkFailed() {
	r.failed.Add(1)
}

// Info is a read-only snapshot of a registration for operator surfaces.
type Info struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	Online         bool      `json:"online"`
	Paused         bool      `json:"paused"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	Pending        int       `json:"pending"`
	Delivered      uint64    `json:"delivered"`
	Failed         uint64    `json:"failed"`
}

// Snapshot returns a consistent snapshot of the registration.
func (r *Registration) Snapshot() Info {
	r.mu.RLock()
	info := Info{
		ID:             r.id,
		SubscriptionID: r.subscriptionID,
		Online:         r.online,
		Paused:         r.paused,
		CreatedAt:      r.createdAt,
		LastActivity:   r.lastActivity,
	}
	r.mu.RUnlock()

	info.Pending = r.queue.Len()
	info.Delivered = r.delivered.Load()
	info.Failed = r.failed.Load()
	return info
}

type shard struct {
	mu   sync.RWMutex
	regs map[string]*Registration
}

// Registry is the concurrent subscriber registry.
type Registry struct {
	cfg    Config
	shards [numShards]*shard
	count  atomic.Int64
	logger *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a registry and starts its eviction sweep when
// configured.
func New(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.Queue.MaxSize <= 0 {
		cfg.Queue = DefaultQueueLimits()
	}

	r := &Registry{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i] = &shard{regs: make(map[string]*Registration)}
	}

	if cfg.EvictAfter > 0 {
		r.wg.Add(1)
		go r.sweepLoop()
	}
	return r
}

// Close stops the eviction sweep.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Register creates or replaces a registration and returns the new
// subscription id. In strict mode an existing active registration is
// an error; the default is an idempotent upsert that replaces the
// filter and metadata but keeps the pending queue.
func (r *Registry) Register(subscriberID string, filter Filter, metadata map[string]routing.Value) (string, error) {
	sh := r.shard(subscriberID)
	subID := uuid.NewString()
	now := time.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.regs[subscriberID]; ok {
		if r.cfg.Strict {
			return "", ErrAlreadyActive
		}
		existing.mu.Lock()
		existing.subscriptionID = subID
		existing.filter = filter.clone()
		existing.metadata = metadata
		existing.online = true
		existing.lastActivity = now
		existing.mu.Unlock()
		return subID, nil
	}

	sh.regs[subscriberID] = &Registration{
		id:             subscriberID,
		subscriptionID: subID,
		filter:         filter.clone(),
		metadata:       metadata,
		online:         true,
		createdAt:      now,
		lastActivity:   now,
		queue:          newPendingQueue(r.cfg.Queue, r.cfg.Overflow),
	}
	r.count.Add(1)
	return subID, nil
}

// Unregister removes the registration and drops its pending queue.
// Reports ErrNotFound when absent or when the subscription id does not
// match the active registration.
func (r *Registry) Unregister(subscriberID, subscriptionID string) error {
	sh := r.shard(subscriberID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	reg, ok := sh.regs[subscriberID]
	if !ok {
		return ErrNotFound
	}
	if subscriptionID != "" && reg.SubscriptionID() != subscriptionID {
		return ErrNotFound
	}

	delete(sh.regs, subscriberID)
	r.count.Add(-1)
	reg.queue.Drain()
	return nil
}

// Pause stops delivery to the subscriber without clearing its queue.
func (r *Registry) Pause(subscriberID string) error {
	return r.setPaused(subscriberID, true)
}

// Resume re-enables delivery. The caller is responsible for draining
// the pending queue afterwards.
func (r *Registry) Resume(subscriberID string) error {
	return r.setPaused(subscriberID, false)
}

func (r *Registry) setPaused(subscriberID string, paused bool) error {
	reg, ok := r.Lookup(subscriberID)
	if !ok {
		return ErrNotFound
	}
	reg.mu.Lock()
	reg.paused = paused
	reg.lastActivity = time.Now()
	reg.mu.Unlock()
	return nil
}

// Lookup returns the registration for the subscriber id.
func (r *Registry) Lookup(subscriberID string) (*Registration, bool) {
	sh := r.shard(subscriberID)
	sh.mu.RLock()
	reg, ok := sh.regs[subscriberID]
	sh.mu.RUnlock()
	return reg, ok
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// ActiveCount counts online registrations matching an optional
// metadata predicate.
func (r *Registry) ActiveCount(pred func(metadata map[string]routing.Value) bool) int {
	count := 0
	r.ForEach(func(reg *Registration) {
		if !reg.Online() {
			return
		}
		if pred == nil || pred(reg.Metadata()) {
			count++
		}
	})
	return count
}

// ForEach visits every registration. The shard lock is released before
// fn runs, so fn may block or call back into the registry.
func (r *Registry) ForEach(fn func(reg *Registration)) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		snapshot := make([]*Registration, 0, len(sh.regs))
		for _, reg := range sh.regs {
			snapshot = append(snapshot, reg)
		}
		sh.mu.RUnlock()

		for _, reg := range snapshot {
			fn(reg)
		}
	}
}

// Snapshots returns info for every registration.
func (r *Registry) Snapshots() []Info {
	infos := make([]Info, 0, r.Len())
	r.ForEach(func(reg *Registration) {
		infos = append(infos, reg.Snapshot())
	})
	return infos
}

func (r *Registry) shard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return r.shards[h.Sum32()%numShards]
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.evictStale()
		}
	}
}

func (r *Registry) evictStale() {
	cutoff := time.Now().Add(-r.cfg.EvictAfter)

	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, reg := range sh.regs {
			reg.mu.RLock()
			stale := reg.lastActivity.Before(cutoff)
			reg.mu.RUnlock()

			if stale {
				delete(sh.regs, id)
				r.count.Add(-1)
				dropped := reg.queue.Len()
				reg.queue.Drain()
				r.logger.Info("evicted inactive registration",
					slog.String("subscriber_id", id),
					slog.Int("dropped_pending", dropped))
			}
		}
		sh.mu.Unlock()
	}
}
