// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the router facade: it wires the registry,
// resolver, delivery engine, compression, history and rate limiting
// behind one service API.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zkyvette425/windroute/compress"
	"github.com/zkyvette425/windroute/config"
	"github.com/zkyvette425/windroute/delivery"
	"github.com/zkyvette425/windroute/history"
	"github.com/zkyvette425/windroute/ratelimit"
	"github.com/zkyvette425/windroute/registry"
	"github.com/zkyvette425/windroute/router"
	"github.com/zkyvette425/windroute/routing"
	"github.com/zkyvette425/windroute/stats"
)

// Service is the message routing service.
type Service struct {
	logger *slog.Logger

	reg        *registry.Registry
	resolver   *router.Resolver
	engine     *delivery.Engine
	compressor *compress.Compressor
	stats      *stats.Stats
	metrics    *stats.Metrics
	monitor    *stats.Monitor
	history    history.Store
	limiter    *ratelimit.SenderLimiter
	local      *LocalTransport

	cfgMu sync.RWMutex
	cfg   *config.Config

	once sync.Once
}

// New builds a service from configuration. transport may be nil, in
// which case an in-process LocalTransport is created and Subscribe
// returns its channels.
func New(cfg *config.Config, transport delivery.Transport, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		logger: logger,
		cfg:    cfg,
		stats:  stats.New(),
	}

	if cfg.Server.MetricsEnabled {
		m, err := stats.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		s.metrics = m
	}

	overflow := registry.DropOldest
	if cfg.Registry.OverflowPolicy == "reject_new" {
		overflow = registry.RejectNew
	}
	s.reg = registry.New(registry.Config{
		Strict: cfg.Registry.Strict,
		Queue: registry.QueueLimits{
			MaxSize:  cfg.Registry.MaxQueueSize,
			Critical: cfg.Registry.CriticalQueueSize,
			High:     cfg.Registry.HighQueueSize,
			Normal:   cfg.Registry.NormalQueueSize,
			Low:      cfg.Registry.LowQueueSize,
		},
		Overflow:      overflow,
		EvictAfter:    cfg.Registry.EvictAfter,
		SweepInterval: cfg.Registry.CleanupInterval,
	}, logger)

	s.resolver = router.New(router.Config{
		BroadcastThreshold: cfg.Resolver.BroadcastThreshold,
		UrgentThreshold:    cfg.Resolver.UrgentThreshold,
		ReliableThreshold:  cfg.Resolver.ReliableThreshold,
	}, s.reg)

	if cfg.Compression.Enabled {
		c, err := compress.New(compress.Config{
			MinSize:  cfg.Compression.MinSize,
			MaxRatio: cfg.Compression.MaxRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("init compressor: %w", err)
		}
		s.compressor = c
	}

	if cfg.History.Enabled {
		switch cfg.History.Backend {
		case "badger":
			st, err := history.NewBadgerStore(cfg.History.BadgerDir, cfg.History.Capacity)
			if err != nil {
				return nil, fmt.Errorf("init history store: %w", err)
			}
			s.history = st
		default:
			s.history = history.NewMemoryStore(cfg.History.Capacity)
		}
	}

	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.NewSenderLimiter(ratelimit.Config{
			Enabled:           true,
			MessagesPerSecond: cfg.RateLimit.MessagesPerSecond,
			Burst:             cfg.RateLimit.Burst,
			CleanupInterval:   cfg.RateLimit.CleanupInterval,
		})
	}

	if transport == nil {
		s.local = NewLocalTransport(0)
		transport = s.local
	}

	s.engine = delivery.NewEngine(s.reg, s.resolver, transport, s.stats, s.metrics, delivery.Options{
		MaxRetries:          cfg.Delivery.MaxRetries,
		RetryDelay:          cfg.Delivery.RetryDelay,
		MessageTimeout:      cfg.Delivery.MessageTimeout,
		TypeTimeouts:        cfg.Delivery.TypeTimeouts,
		SweepInterval:       cfg.Delivery.SweepInterval,
		FanOutWorkers:       cfg.Delivery.FanOutWorkers,
		FanOutMinRecipients: cfg.Delivery.FanOutMinRecipients,
		FailedCapacity:      cfg.Delivery.FailedCapacity,
		BreakerThreshold:    cfg.Delivery.BreakerThreshold,
		BreakerReset:        cfg.Delivery.BreakerReset,
	}, logger)

	s.monitor = stats.NewMonitor(s.stats, backlogAdapter{s}, stats.Thresholds{
		MaxFailureRate: cfg.Health.MaxFailureRate,
		MaxBacklog:     cfg.Health.MaxBacklog,
		MinSamples:     cfg.Health.MinSamples,
	})

	return s, nil
}

// Close shuts the service down. Safe to call more than once.
func (s *Service) Close() error {
	var err error
	s.once.Do(func() {
		s.engine.Close()
		s.reg.Close()
		if s.limiter != nil {
			s.limiter.Stop()
		}
		if s.local != nil {
			s.local.Close()
		}
		if s.history != nil {
			err = s.history.Close()
		}
	})
	return err
}

// SendMessage routes one envelope: rate limit, compression
// preprocessing, delivery, then history retention.
func (s *Service) SendMessage(ctx context.Context, env *routing.Envelope[[]byte]) (*delivery.RouteResult, error) {
	if s.limiter != nil && !s.limiter.Allow(env.Sender) {
		return nil, fmt.Errorf("sender %s: %w", env.Sender, routing.ErrRateLimited)
	}

	s.preprocess(env)

	res, err := s.engine.Deliver(ctx, env)
	if err != nil {
		return nil, err
	}

	if s.history != nil {
		if herr := s.history.Append(ctx, env); herr != nil {
			s.logger.Warn("history append failed",
				slog.String("message_id", env.ID),
				slog.String("error", herr.Error()))
		}
	}
	return res, nil
}

// SendBatch routes several envelopes, aggregating results per route
// target type. With failFast set, the first unsuccessful delivery
// stops the batch; cancellation abandons undispatched envelopes.
func (s *Service) SendBatch(ctx context.Context, envs []*routing.Envelope[[]byte], failFast bool) (*delivery.BatchResult, error) {
	start := time.Now()
	batch := &delivery.BatchResult{
		Success: true,
		ByType:  make(map[string]*delivery.TypeBreakdown),
	}

	for _, env := range envs {
		if err := ctx.Err(); err != nil {
			batch.Success = false
			batch.Duration = time.Since(start)
			return batch, err
		}

		res, err := s.SendMessage(ctx, env)
		if err != nil {
			res = &delivery.RouteResult{
				MessageID: env.ID,
				Failed:    1,
				Errors:    []string{err.Error()},
			}
		}
		batch.Add(env.Route.TargetType.String(), res)

		if failFast && !res.Success {
			break
		}
	}

	batch.Duration = time.Since(start)
	return batch, nil
}

// preprocess applies payload compression when it pays off, recording
// the algorithm in the envelope tags so receivers can decompress.
func (s *Service) preprocess(env *routing.Envelope[[]byte]) {
	if s.compressor == nil || env.Tag(routing.TagCompression) != "" {
		return
	}

	data, result := s.compressor.Compress(env.Payload, env.Route.Priority)
	if result.Algorithm == compress.None {
		return
	}
	env.Payload = data
	env.SetTag(routing.TagCompression, result.Algorithm.String())
}

// Subscribe registers a subscriber and returns its subscription id and
// receive channel. The channel is only non-nil when the service owns a
// LocalTransport. Recently routed history is replayed through the
// subscriber's filter when configured.
func (s *Service) Subscribe(ctx context.Context, subscriberID string, filter registry.Filter, metadata map[string]routing.Value) (string, <-chan *routing.Envelope[[]byte], error) {
	var ch <-chan *routing.Envelope[[]byte]
	if s.local != nil {
		ch = s.local.Attach(subscriberID)
	}

	subID, err := s.reg.Register(subscriberID, filter, metadata)
	if err != nil {
		if s.local != nil {
			s.local.Detach(subscriberID)
		}
		return "", nil, err
	}
	s.metrics.SubscriberChange(ctx, 1)

	if n := s.replayCount(); n > 0 && s.history != nil {
		s.replay(ctx, subscriberID, filter, n)
	}

	s.logger.Info("subscriber registered",
		slog.String("subscriber_id", subscriberID),
		slog.String("subscription_id", subID))
	return subID, ch, nil
}

func (s *Service) replayCount() int {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.History.ReplayOnSubscribe
}

func (s *Service) replay(ctx context.Context, subscriberID string, filter registry.Filter, n int) {
	recent, err := s.history.Recent(ctx, n)
	if err != nil {
		s.logger.Warn("history replay failed",
			slog.String("subscriber_id", subscriberID),
			slog.String("error", err.Error()))
		return
	}

	for _, env := range recent {
		if env.IsExpired() {
			continue
		}
		if ok, _ := filter.Matches(env); !ok {
			continue
		}
		if s.local != nil {
			if err := s.local.Send(ctx, subscriberID, env); err != nil {
				return
			}
		}
	}
}

// Unsubscribe removes a registration. The subscription id must match
// the active registration; pass "" to force removal.
func (s *Service) Unsubscribe(ctx context.Context, subscriberID, subscriptionID string) error {
	if err := s.reg.Unregister(subscriberID, subscriptionID); err != nil {
		return err
	}
	if s.local != nil {
		s.local.Detach(subscriberID)
	}
	s.metrics.SubscriberChange(ctx, -1)

	s.logger.Info("subscriber removed", slog.String("subscriber_id", subscriberID))
	return nil
}

// Acknowledge resolves an outstanding delivery receipt, recording the
// recipient's processed/rejected disposition and result string.
// Unknown or duplicate acknowledgments are a no-op.
func (s *Service) Acknowledge(messageID, subscriberID string, processed bool, result string) (delivery.Receipt, error) {
	return s.engine.Acknowledge(messageID, subscriberID, processed, result)
}

// PauseDelivery parks subsequent deliveries in the subscriber's
// pending queue.
func (s *Service) PauseDelivery(subscriberID string) error {
	return s.reg.Pause(subscriberID)
}

// ResumeDelivery re-enables delivery and drains the pending queue in
// order. Returns the number of drained messages delivered.
func (s *Service) ResumeDelivery(ctx context.Context, subscriberID string) (int, error) {
	if err := s.reg.Resume(subscriberID); err != nil {
		return 0, err
	}
	return s.engine.DrainPending(ctx, subscriberID)
}

// ClearQueue discards the subscriber's pending queue.
func (s *Service) ClearQueue(subscriberID string) (int, error) {
	return s.engine.ClearQueue(subscriberID)
}

// PendingCount returns the subscriber's pending queue length.
func (s *Service) PendingCount(subscriberID string) (int, error) {
	return s.engine.PendingCount(subscriberID)
}

// GetFailedMessages returns terminally failed messages for a
// subscriber, most recent first.
func (s *Service) GetFailedMessages(subscriberID string, limit int) []*delivery.FailedMessage {
	return s.engine.GetFailedMessages(subscriberID, limit)
}

// RetryFailedMessage re-delivers a terminally failed message with a
// fresh attempt budget.
func (s *Service) RetryFailedMessage(ctx context.Context, messageID string) error {
	return s.engine.RetryFailedMessage(ctx, messageID)
}

// GetStats returns a point-in-time statistics snapshot.
func (s *Service) GetStats() stats.Snapshot {
	return s.stats.Snapshot()
}

// GetHealthStatus returns the advisory health signal. Nothing in the
// router consumes it to shed load.
func (s *Service) GetHealthStatus() stats.Health {
	return s.monitor.GetHealth()
}

// GetActiveSubscribers returns snapshots of every registration.
func (s *Service) GetActiveSubscribers() []registry.Info {
	return s.reg.Snapshots()
}

// GetSubscriberInfo returns one registration snapshot.
func (s *Service) GetSubscriberInfo(subscriberID string) (registry.Info, error) {
	reg, ok := s.reg.Lookup(subscriberID)
	if !ok {
		return registry.Info{}, routing.ErrUnknownSubscriber
	}
	return reg.Snapshot(), nil
}

// SetConfiguration applies runtime-tunable delivery settings.
func (s *Service) SetConfiguration(cfg config.DeliveryConfig) {
	s.engine.SetOptions(delivery.Options{
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay,
		MessageTimeout: cfg.MessageTimeout,
		TypeTimeouts:   cfg.TypeTimeouts,
	})

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if cfg.MaxRetries >= 0 {
		s.cfg.Delivery.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		s.cfg.Delivery.RetryDelay = cfg.RetryDelay
	}
	if cfg.MessageTimeout > 0 {
		s.cfg.Delivery.MessageTimeout = cfg.MessageTimeout
	}
	if cfg.TypeTimeouts != nil {
		s.cfg.Delivery.TypeTimeouts = cfg.TypeTimeouts
	}
}

// GetConfiguration returns a copy of the current configuration.
func (s *Service) GetConfiguration() config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return *s.cfg
}

// Decompress restores a payload compressed by the preprocessing step,
// using the envelope's compression tag. Payloads without the tag are
// returned unchanged.
func (s *Service) Decompress(env *routing.Envelope[[]byte]) ([]byte, error) {
	tag := env.Tag(routing.TagCompression)
	if tag == "" || s.compressor == nil {
		return env.Payload, nil
	}
	return s.compressor.Decompress(env.Payload, compress.ParseAlgorithm(tag))
}

// backlogAdapter exposes registry backlog to the health monitor.
type backlogAdapter struct{ s *Service }

func (b backlogAdapter) PendingTotal() int {
	total := 0
	for _, info := range b.s.reg.Snapshots() {
		total += info.Pending
	}
	return total + b.s.engine.RetryBacklog()
}

func (b backlogAdapter) ActiveSubscribers() int {
	return b.s.reg.ActiveCount(nil)
}
