// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package delivery executes resolved routes: it fans envelopes out to
// recipients, parks messages for paused subscribers, schedules retries
// with backoff and tracks acknowledgments for reliable deliveries.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/zkyvette425/windroute/registry"
	"github.com/zkyvette425/windroute/router"
	"github.com/zkyvette425/windroute/routing"
	"github.com/zkyvette425/windroute/stats"
)

// Transport hands a message to one recipient. Implementations are the
// actual delivery mechanism (in-process channel, gateway connection,
// cluster peer).
type Transport interface {
	Send(ctx context.Context, subscriberID string, env *routing.Envelope[[]byte]) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, subscriberID string, env *routing.Envelope[[]byte]) error

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, subscriberID string, env *routing.Envelope[[]byte]) error {
	return f(ctx, subscriberID, env)
}

// Options control delivery engine behavior.
type Options struct {
	// MaxRetries bounds re-delivery attempts after the first failure.
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay is the base backoff; the n-th retry waits
	// RetryDelay * 2^(n-1).
	RetryDelay time.Duration `yaml:"retry_delay"`
	// MessageTimeout is the default acknowledgment timeout.
	MessageTimeout time.Duration `yaml:"message_timeout"`
	// TypeTimeouts overrides the ack timeout for specific message types.
	TypeTimeouts map[string]time.Duration `yaml:"type_timeouts"`
	// SweepInterval is how often due retries and expired acks are
	// processed.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// FanOutWorkers sizes the parallel fan-out pool. Zero means
	// GOMAXPROCS.
	FanOutWorkers int `yaml:"fanout_workers"`
	// FanOutMinRecipients is the recipient count at which fan-out goes
	// parallel instead of sequential.
	FanOutMinRecipients int `yaml:"fanout_min_recipients"`
	// FailedCapacity bounds terminally failed messages kept per
	// subscriber.
	FailedCapacity int `yaml:"failed_capacity"`
	// BreakerThreshold trips the transport circuit breaker after this
	// many consecutive failures. Zero disables the breaker.
	BreakerThreshold uint32 `yaml:"breaker_threshold"`
	// BreakerReset is how long the breaker stays open before probing.
	BreakerReset time.Duration `yaml:"breaker_reset"`
}

// DefaultOptions returns the default delivery options.
func DefaultOptions() Options {
	return Options{
		MaxRetries:          3,
		RetryDelay:          time.Second,
		MessageTimeout:      30 * time.Second,
		SweepInterval:       500 * time.Millisecond,
		FanOutMinRecipients: 8,
		FailedCapacity:      defaultFailedCapacity,
		BreakerThreshold:    5,
		BreakerReset:        10 * time.Second,
	}
}

type retryEntry struct {
	env          *routing.Envelope[[]byte]
	subscriberID string
	attempts     int
	nextAttempt  time.Time
}

// Engine drives per-recipient delivery for resolved routes.
type Engine struct {
	reg       *registry.Registry
	resolver  *router.Resolver
	transport Transport
	breaker   *gobreaker.CircuitBreaker
	stats     *stats.Stats
	metrics   *stats.Metrics
	logger    *slog.Logger
	pool      *fanOutPool

	optsMu sync.RWMutex
	opts   Options

	acks   *ackTracker
	failed *failedStore

	retryMu sync.Mutex
	retries []*retryEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewEngine creates a delivery engine and starts its retry sweep.
// metrics may be nil when metrics are disabled.
func NewEngine(reg *registry.Registry, resolver *router.Resolver, transport Transport, st *stats.Stats, metrics *stats.Metrics, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultOptions().RetryDelay
	}
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = DefaultOptions().MessageTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultOptions().SweepInterval
	}
	if opts.FanOutMinRecipients <= 0 {
		opts.FanOutMinRecipients = DefaultOptions().FanOutMinRecipients
	}

	e := &Engine{
		reg:       reg,
		resolver:  resolver,
		transport: transport,
		stats:     st,
		metrics:   metrics,
		logger:    logger,
		opts:      opts,
		acks:      newAckTracker(),
		failed:    newFailedStore(opts.FailedCapacity),
		pool:      newFanOutPool(opts.FanOutWorkers),
		stopCh:    make(chan struct{}),
	}

	if opts.BreakerThreshold > 0 {
		e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "delivery-transport",
			Timeout: opts.BreakerReset,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.BreakerThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("transport circuit breaker state change",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	e.wg.Add(1)
	go e.sweepLoop()
	return e
}

// Close stops the retry sweep and fan-out pool. Pending retries are
// dropped.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.pool.Close()
}

// SetOptions replaces the tunable options at runtime. The sweep
// interval and pool size are fixed at construction.
func (e *Engine) SetOptions(opts Options) {
	e.optsMu.Lock()
	defer e.optsMu.Unlock()
	if opts.MaxRetries >= 0 {
		e.opts.MaxRetries = opts.MaxRetries
	}
	if opts.RetryDelay > 0 {
		e.opts.RetryDelay = opts.RetryDelay
	}
	if opts.MessageTimeout > 0 {
		e.opts.MessageTimeout = opts.MessageTimeout
	}
	if opts.TypeTimeouts != nil {
		e.opts.TypeTimeouts = opts.TypeTimeouts
	}
}

// Options returns the current tunable options.
func (e *Engine) Options() Options {
	e.optsMu.RLock()
	defer e.optsMu.RUnlock()
	return e.opts
}

// Deliver resolves the envelope's route and delivers to every
// recipient. Per-recipient failures are reported in the result, not as
// an error; an error return means the envelope itself was rejected.
func (e *Engine) Deliver(ctx context.Context, env *routing.Envelope[[]byte]) (*RouteResult, error) {
	start := time.Now()

	if err := env.Validate(); err != nil {
		return nil, err
	}

	recipients, err := e.resolver.Resolve(&env.Route)
	if err != nil {
		return nil, err
	}

	e.stats.RecordSent(env.Type, env.Route.Priority)
	e.metrics.RecordSent(ctx, env.Type, len(env.Payload))

	result := &RouteResult{MessageID: env.ID}

	// Expired envelopes are rejected before any recipient work; they
	// never enter the retry path.
	if env.IsExpired() {
		e.stats.RecordExpired()
		result.Failed = len(recipients)
		result.Errors = append(result.Errors, routing.ErrExpiredMessage.Error())
		result.Duration = time.Since(start)
		return result, nil
	}

	outcomes := e.fanOut(ctx, env, recipients)
	for _, o := range outcomes {
		result.absorb(o)
	}
	result.Success = result.Failed == 0
	result.Duration = time.Since(start)
	return result, nil
}

// DeliverBatch delivers several envelopes, aggregating results per
// route target type. With failFast set, the first unsuccessful
// delivery stops the batch; context cancellation abandons undispatched
// envelopes either way.
func (e *Engine) DeliverBatch(ctx context.Context, envs []*routing.Envelope[[]byte], failFast bool) (*BatchResult, error) {
	start := time.Now()
	batch := &BatchResult{
		Success: true,
		ByType:  make(map[string]*TypeBreakdown),
	}

	for _, env := range envs {
		if err := ctx.Err(); err != nil {
			batch.Success = false
			batch.Duration = time.Since(start)
			return batch, err
		}

		res, err := e.Deliver(ctx, env)
		if err != nil {
			res = &RouteResult{
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

func (e *Engine) fanOut(ctx context.Context, env *routing.Envelope[[]byte], recipients []string) []Outcome {
	opts := e.Options()

	outcomes := make([]Outcome, len(recipients))
	if len(recipients) < opts.FanOutMinRecipients {
		for i, id := range recipients {
			if err := ctx.Err(); err != nil {
				outcomes[i] = Outcome{MessageID: env.ID, SubscriberID: id, Status: StatusFailed, Err: err}
				continue
			}
			outcomes[i] = e.deliverOne(ctx, env, id)
		}
		return outcomes
	}

	var wg sync.WaitGroup
	for i, id := range recipients {
		if err := ctx.Err(); err != nil {
			outcomes[i] = Outcome{MessageID: env.ID, SubscriberID: id, Status: StatusFailed, Err: err}
			continue
		}
		wg.Add(1)
		e.pool.Submit(func() {
			defer wg.Done()
			outcomes[i] = e.deliverOne(ctx, env, id)
		})
	}
	wg.Wait()
	return outcomes
}

// deliverOne runs the per-recipient pipeline: lookup, paused check,
// filter, then the transport attempt.
func (e *Engine) deliverOne(ctx context.Context, env *routing.Envelope[[]byte], subscriberID string) Outcome {
	reg, ok := e.reg.Lookup(subscriberID)
	if !ok {
		e.stats.RecordFailed()
		e.metrics.RecordFailed(ctx)
		return Outcome{
			MessageID:    env.ID,
			SubscriberID: subscriberID,
			Status:       StatusFailed,
			Err:          fmt.Errorf("%w: %s", routing.ErrUnknownSubscriber, subscriberID),
		}
	}

	if reg.Paused() {
		if err := reg.Enqueue(env); err != nil {
			e.stats.RecordFailed()
			e.metrics.RecordFailed(ctx)
			return Outcome{MessageID: env.ID, SubscriberID: subscriberID, Status: StatusFailed, Err: err}
		}
		e.stats.RecordQueued()
		e.metrics.RecordQueued(ctx)
		return Outcome{MessageID: env.ID, SubscriberID: subscriberID, Status: StatusQueued}
	}

	return e.deliverActive(ctx, env, reg, 1)
}

// deliverActive filters and sends to a known, unpaused registration.
// attempt is 1 for the first try; retries pass their attempt number so
// backoff and terminal bookkeeping stay correct.
func (e *Engine) deliverActive(ctx context.Context, env *routing.Envelope[[]byte], reg *registry.Registration, attempt int) Outcome {
	filter := reg.FilterSnapshot()
	if ok, verdict := filter.Matches(env); !ok {
		e.stats.RecordFiltered()
		e.metrics.RecordFiltered(ctx)
		e.logger.Debug("message filtered",
			slog.String("message_id", env.ID),
			slog.String("subscriber_id", reg.ID()),
			slog.String("verdict", string(verdict)))
		return Outcome{MessageID: env.ID, SubscriberID: reg.ID(), Status: StatusFiltered}
	}

	start := time.Now()
	err := e.send(ctx, reg.ID(), env)
	elapsed := time.Since(start)

	if err != nil {
		reg.MarkFailed()
		e.stats.RecordFailed()
		e.metrics.RecordFailed(ctx)

		opts := e.Options()
		if attempt <= opts.MaxRetries {
			e.scheduleRetry(env, reg.ID(), attempt)
		} else {
			e.failed.Add(env, reg.ID(), err.Error(), attempt)
			e.logger.Warn("delivery terminally failed",
				slog.String("message_id", env.ID),
				slog.String("subscriber_id", reg.ID()),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()))
			return Outcome{
				MessageID:    env.ID,
				SubscriberID: reg.ID(),
				Status:       StatusFailed,
				Duration:     elapsed,
				Err:          fmt.Errorf("%w: %s", routing.ErrTerminallyFailed, err.Error()),
			}
		}
		return Outcome{
			MessageID:    env.ID,
			SubscriberID: reg.ID(),
			Status:       StatusFailed,
			Duration:     elapsed,
			Err:          fmt.Errorf("%w: %s", routing.ErrDeliveryFailed, err.Error()),
		}
	}

	reg.MarkDelivered()
	e.stats.RecordDelivered(elapsed)
	e.metrics.RecordDelivered(ctx, elapsed)

	if env.Route.RequireAck {
		e.acks.Track(env, reg.ID(), attempt)
		return Outcome{
			MessageID:    env.ID,
			SubscriberID: reg.ID(),
			Status:       StatusUnconfirmed,
			Duration:     elapsed,
			AwaitingAck:  true,
		}
	}
	return Outcome{MessageID: env.ID, SubscriberID: reg.ID(), Status: StatusDelivered, Duration: elapsed}
}

func (e *Engine) send(ctx context.Context, subscriberID string, env *routing.Envelope[[]byte]) error {
	if e.breaker == nil {
		return e.transport.Send(ctx, subscriberID, env)
	}
	_, err := e.breaker.Execute(func() (any, error) {
		return nil, e.transport.Send(ctx, subscriberID, env)
	})
	return err
}

// Acknowledge resolves an outstanding receipt and records the
// recipient's outcome. Unknown or duplicate acknowledgments are a
// no-op and return a zero receipt. A negative acknowledgment
// (processed false) re-enters the retry path carrying the recipient's
// result string as the reason.
func (e *Engine) Acknowledge(messageID, subscriberID string, processed bool, result string) (Receipt, error) {
	ack, ok := e.acks.Resolve(messageID, subscriberID)
	if !ok {
		return Receipt{}, nil
	}

	receipt := Receipt{
		MessageID:    messageID,
		SubscriberID: subscriberID,
		Processed:    processed,
		Result:       result,
		At:           time.Now(),
	}
	e.stats.RecordAcked()
	e.logger.Debug("acknowledgment received",
		slog.String("message_id", messageID),
		slog.String("subscriber_id", subscriberID),
		slog.Bool("processed", processed),
		slog.String("result", result))
	if processed {
		return receipt, nil
	}

	reason := "rejected by recipient"
	if result != "" {
		reason += ": " + result
	}
	opts := e.Options()
	if ack.attempts <= opts.MaxRetries {
		e.scheduleRetry(ack.env, ack.subscriberID, ack.attempts)
		return receipt, nil
	}
	e.failed.Add(ack.env, ack.subscriberID, reason, ack.attempts)
	return receipt, nil
}

// PendingAcks returns the number of outstanding acknowledgments.
func (e *Engine) PendingAcks() int {
	return e.acks.Len()
}

// PendingCount returns the subscriber's pending-queue length.
func (e *Engine) PendingCount(subscriberID string) (int, error) {
	reg, ok := e.reg.Lookup(subscriberID)
	if !ok {
		return 0, routing.ErrUnknownSubscriber
	}
	return reg.PendingCount(), nil
}

// ClearQueue discards the subscriber's pending queue and returns how
// many messages were dropped.
func (e *Engine) ClearQueue(subscriberID string) (int, error) {
	reg, ok := e.reg.Lookup(subscriberID)
	if !ok {
		return 0, routing.ErrUnknownSubscriber
	}
	dropped := reg.DrainQueue()
	e.metrics.RecordDequeued(context.Background(), len(dropped))
	return len(dropped), nil
}

// DrainPending delivers the subscriber's queued messages in order.
// Queued messages were parked before filter evaluation, so each one is
// filtered here. Returns the number delivered.
func (e *Engine) DrainPending(ctx context.Context, subscriberID string) (int, error) {
	reg, ok := e.reg.Lookup(subscriberID)
	if !ok {
		return 0, routing.ErrUnknownSubscriber
	}
	if reg.Paused() {
		return 0, nil
	}

	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		env := reg.Dequeue()
		if env == nil {
			return delivered, nil
		}
		e.metrics.RecordDequeued(ctx, 1)

		if env.IsExpired() {
			e.stats.RecordExpired()
			continue
		}
		o := e.deliverActive(ctx, env, reg, 1)
		if o.Status == StatusDelivered || o.Status == StatusUnconfirmed {
			delivered++
		}
	}
}

// GetFailedMessages returns up to limit terminally failed messages for
// a subscriber, most recent first.
func (e *Engine) GetFailedMessages(subscriberID string, limit int) []*FailedMessage {
	return e.failed.Recent(subscriberID, limit)
}

// RetryFailedMessage re-delivers a terminally failed message with a
// fresh attempt budget.
func (e *Engine) RetryFailedMessage(ctx context.Context, messageID string) error {
	fm, ok := e.failed.Take(messageID)
	if !ok {
		return fmt.Errorf("failed message %s: %w", messageID, routing.ErrMessageNotFound)
	}

	o := e.deliverOne(ctx, fm.Envelope, fm.SubscriberID)
	if o.Status == StatusFailed && o.Err != nil {
		return o.Err
	}
	return nil
}

func (e *Engine) scheduleRetry(env *routing.Envelope[[]byte], subscriberID string, attempts int) {
	opts := e.Options()
	delay := opts.RetryDelay << (attempts - 1)

	e.retryMu.Lock()
	e.retries = append(e.retries, &retryEntry{
		env:          env,
		subscriberID: subscriberID,
		attempts:     attempts,
		nextAttempt:  time.Now().Add(delay),
	})
	e.retryMu.Unlock()

	e.stats.RecordRetried()
	e.metrics.RecordRetried(context.Background())
}

// RetryBacklog returns the number of scheduled retries.
func (e *Engine) RetryBacklog() int {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	return len(e.retries)
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.Options().SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweep(context.Background())
		}
	}
}

// sweep processes due retries and expired acknowledgments. Exported
// behavior is exercised through SweepNow in tests.
func (e *Engine) sweep(ctx context.Context) {
	now := time.Now()

	e.retryMu.Lock()
	var due []*retryEntry
	remaining := e.retries[:0]
	for _, entry := range e.retries {
		if !entry.nextAttempt.After(now) {
			due = append(due, entry)
		} else {
			remaining = append(remaining, entry)
		}
	}
	e.retries = remaining
	e.retryMu.Unlock()

	for _, entry := range due {
		e.retryDelivery(ctx, entry)
	}

	opts := e.Options()
	timeoutFor := func(msgType string) time.Duration {
		if d, ok := opts.TypeTimeouts[msgType]; ok && d > 0 {
			return d
		}
		return opts.MessageTimeout
	}

	for _, ack := range e.acks.Expired(timeoutFor) {
		e.logger.Debug("acknowledgment timed out",
			slog.String("message_id", ack.env.ID),
			slog.String("subscriber_id", ack.subscriberID))
		if ack.attempts <= opts.MaxRetries {
			e.scheduleRetry(ack.env, ack.subscriberID, ack.attempts)
		} else {
			e.failed.Add(ack.env, ack.subscriberID, routing.ErrAckTimeout.Error(), ack.attempts)
			e.stats.RecordFailed()
		}
	}
}

// SweepNow runs one synchronous sweep pass. Intended for tests and
// operator tooling that need deterministic retry processing.
func (e *Engine) SweepNow(ctx context.Context) {
	e.sweep(ctx)
}

func (e *Engine) retryDelivery(ctx context.Context, entry *retryEntry) {
	if entry.env.IsExpired() {
		e.stats.RecordExpired()
		e.failed.Add(entry.env, entry.subscriberID, routing.ErrExpiredMessage.Error(), entry.attempts)
		return
	}

	reg, ok := e.reg.Lookup(entry.subscriberID)
	if !ok {
		e.failed.Add(entry.env, entry.subscriberID, routing.ErrUnknownSubscriber.Error(), entry.attempts)
		return
	}

	if reg.Paused() {
		// Park instead of burning the remaining attempts.
		if err := reg.Enqueue(entry.env); err != nil {
			e.failed.Add(entry.env, entry.subscriberID, err.Error(), entry.attempts)
			return
		}
		e.stats.RecordQueued()
		e.metrics.RecordQueued(ctx)
		return
	}

	o := e.deliverActive(ctx, entry.env, reg, entry.attempts+1)
	if o.Status == StatusFailed && errors.Is(o.Err, routing.ErrTerminallyFailed) {
		e.logger.Warn("retry exhausted",
			slog.String("message_id", entry.env.ID),
			slog.String("subscriber_id", entry.subscriberID),
			slog.Int("attempts", entry.attempts+1))
	}
}
