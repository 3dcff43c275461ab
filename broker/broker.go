// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker owns the destination queues and serves client sends.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxq/metrics"
	"github.com/absmach/fluxq/queue"
	"github.com/absmach/fluxq/scheduler"
	"github.com/absmach/fluxq/storage"
	"github.com/absmach/fluxq/transport"
	"github.com/absmach/fluxq/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// OriginalQueueProperty names the queue a dead lettered message came from.
const OriginalQueueProperty = "_FLUXQ_ORIG_QUEUE"

var (
	_ transport.Handler = (*Broker)(nil)

	ErrBrokerClosed = fmt.Errorf("broker: %w", types.ErrResourceClosed)
)

// QueueConfig declares a queue and its delivery policy.
type QueueConfig struct {
	Name                string
	MaxDeliveryAttempts int
	DeadLetterAddress   string
}

// Config holds broker settings.
type Config struct {
	// AutoCreateQueues creates unknown destinations on first use. When false
	// only declared queues are valid destinations.
	AutoCreateQueues bool

	// CreditBatch is the number of producer credits returned per handled
	// send. Zero returns none.
	CreditBatch int

	// ExpiryScanInterval is how often expired messages are swept from every
	// queue. Zero disables the sweep; expired messages are then dropped only
	// when a cursor reaches them.
	ExpiryScanInterval time.Duration

	// Defaults for queues that are not declared.
	MaxDeliveryAttempts int
	DeadLetterAddress   string

	Queues []QueueConfig
}

// Broker is an in-process message broker.
type Broker struct {
	cfg     Config
	store   storage.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	clock   func() time.Time
	stats   *Stats

	ids     atomic.Uint64
	sched   *scheduler.Scheduler
	sweeper *scheduler.Sweeper

	mu       sync.RWMutex
	queues   map[string]*queue.Queue
	declared map[string]QueueConfig
	started  bool
	closed   bool
	cancel   context.CancelFunc
}

// New creates a broker with the declared queues. Call Start before serving
// clients so durable messages are recovered first.
func New(cfg Config, opts ...Option) (*Broker, error) {
	b := &Broker{
		cfg:      cfg,
		logger:   slog.Default(),
		tracer:   tracenoop.NewTracerProvider().Tracer("fluxq"),
		clock:    time.Now,
		stats:    NewStats(),
		queues:   make(map[string]*queue.Queue),
		declared: make(map[string]QueueConfig),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.sched = scheduler.New(b.clock)

	for _, qc := range cfg.Queues {
		if qc.Name == "" {
			return nil, fmt.Errorf("queue declared without a name: %w", types.ErrInvalidDestination)
		}
		if _, ok := b.declared[qc.Name]; ok {
			return nil, fmt.Errorf("queue %q declared twice", qc.Name)
		}
		b.declared[qc.Name] = qc
		b.queues[qc.Name] = b.newQueue(qc)
	}

	if cfg.ExpiryScanInterval > 0 {
		b.sweeper = scheduler.NewSweeper(cfg.ExpiryScanInterval, b.expire, b.logger)
	}
	return b, nil
}

// Start recovers durable messages and starts the delivery timers.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if b.started {
		return nil
	}

	if err := b.recoverLocked(ctx); err != nil {
		return err
	}

	ctx, b.cancel = context.WithCancel(context.Background())
	b.sched.Start(ctx, b.ready)
	if b.sweeper != nil {
		b.sweeper.Start(ctx)
	}
	b.started = true

	b.logger.Info("broker started",
		slog.Int("queues", len(b.queues)),
		slog.Uint64("recovered", b.stats.GetRecovered()))
	return nil
}

// Close stops the timers and closes every queue. The store is left open.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queues := make([]*queue.Queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.sched.Stop()
	if b.sweeper != nil {
		b.sweeper.Stop()
	}
	for _, q := range queues {
		q.Close()
	}

	b.logger.Info("broker stopped", slog.Duration("uptime", b.stats.GetUptime()))
	return nil
}

// Queue returns the named queue, creating it when auto creation is on.
func (b *Broker) Queue(name string) (*queue.Queue, error) {
	if name == "" {
		return nil, types.ErrInvalidDestination
	}

	b.mu.RLock()
	q, ok := b.queues[name]
	closed := b.closed
	b.mu.RUnlock()
	if ok {
		return q, nil
	}
	if closed {
		return nil, ErrBrokerClosed
	}
	if !b.cfg.AutoCreateQueues {
		return nil, fmt.Errorf("queue %q does not exist: %w", name, types.ErrInvalidDestination)
	}
	return b.queueOrCreate(QueueConfig{
		Name:                name,
		MaxDeliveryAttempts: b.cfg.MaxDeliveryAttempts,
		DeadLetterAddress:   b.cfg.DeadLetterAddress,
	})
}

// CreateQueue declares a queue at runtime. Creating an existing queue
// returns it unchanged.
func (b *Broker) CreateQueue(qc QueueConfig) (*queue.Queue, error) {
	if qc.Name == "" {
		return nil, types.ErrInvalidDestination
	}
	return b.queueOrCreate(qc)
}

// DeleteQueue closes and forgets a queue. Its durable records stay in the
// store until consumed.
func (b *Broker) DeleteQueue(name string) error {
	b.mu.Lock()
	q, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("queue %q does not exist: %w", name, types.ErrInvalidDestination)
	}
	delete(b.queues, name)
	delete(b.declared, name)
	b.mu.Unlock()

	q.Close()
	return nil
}

// Queues lists queue names in lexical order.
func (b *Broker) Queues() []string {
	b.mu.RLock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Counters returns a snapshot of the named queue.
func (b *Broker) Counters(name string) (queue.Counters, error) {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return queue.Counters{}, fmt.Errorf("queue %q does not exist: %w", name, types.ErrInvalidDestination)
	}
	return q.Counters(), nil
}

func (b *Broker) Stats() *Stats { return b.stats }

// Running reports whether the broker was started and not yet closed.
func (b *Broker) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.started && !b.closed
}

// Handle serves a SendRequest addressed to the target queue, or a
// CommitRequest.
func (b *Broker) Handle(ctx context.Context, target string, payload any) (any, error) {
	switch req := payload.(type) {
	case *SendRequest:
		if req.Message != nil {
			return b.handleSend(ctx, target, req)
		}
	case *CommitRequest:
		return b.handleCommit(ctx, req)
	}
	return nil, types.ErrInvalidMessageFormat
}

func (b *Broker) handleSend(ctx context.Context, target string, req *SendRequest) (any, error) {
	defer b.returnCredits(req)

	ctx, span := b.tracer.Start(ctx, "broker.send",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("fluxq.queue", target),
			attribute.Bool("fluxq.durable", req.Message.Durable),
		))
	defer span.End()

	id, err := b.send(ctx, target, req.Message)
	if err != nil {
		b.stats.sendsFailed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	b.stats.sendsHandled.Add(1)
	span.SetAttributes(attribute.Int64("fluxq.message_id", int64(id)))
	return &SendResponse{ID: id, Queue: target}, nil
}

// handleCommit validates every message and resolves every destination
// before adding any message, so a failing send leaves all queues untouched.
func (b *Broker) handleCommit(ctx context.Context, req *CommitRequest) (any, error) {
	defer func() {
		for _, r := range req.Sends {
			if r != nil {
				b.returnCredits(r)
			}
		}
	}()

	ctx, span := b.tracer.Start(ctx, "broker.commit",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.Int("fluxq.sends", len(req.Sends))))
	defer span.End()

	ids, err := b.commit(ctx, req.Sends)
	if err != nil {
		b.stats.sendsFailed.Add(uint64(len(req.Sends)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	b.stats.sendsHandled.Add(uint64(len(req.Sends)))
	return &CommitResponse{IDs: ids}, nil
}

func (b *Broker) commit(ctx context.Context, sends []*SendRequest) ([]uint64, error) {
	items := make([]queue.Item, len(sends))
	for i, r := range sends {
		if r == nil || r.Message == nil {
			return nil, types.ErrInvalidMessageFormat
		}
		if err := r.Message.Validate(); err != nil {
			return nil, fmt.Errorf("send %d of %d: %w", i+1, len(sends), err)
		}
		q, err := b.Queue(r.Message.Destination)
		if err != nil {
			return nil, fmt.Errorf("send %d of %d: %w", i+1, len(sends), err)
		}
		items[i] = queue.Item{Queue: q, Message: r.Message}
	}
	return queue.AppendAll(ctx, items)
}

func (b *Broker) returnCredits(req *SendRequest) {
	if req.Credits == nil || b.cfg.CreditBatch <= 0 {
		return
	}
	req.Credits.ReceiveTokens(b.cfg.CreditBatch)
	b.stats.creditsReturned.Add(uint64(b.cfg.CreditBatch))
}

func (b *Broker) send(ctx context.Context, target string, msg *types.Message) (uint64, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	q, err := b.Queue(target)
	if err != nil {
		return 0, err
	}
	return q.Append(ctx, msg)
}

func (b *Broker) queueOrCreate(qc QueueConfig) (*queue.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[qc.Name]; ok {
		return q, nil
	}
	if b.closed {
		return nil, ErrBrokerClosed
	}
	b.declared[qc.Name] = qc
	q := b.newQueue(qc)
	b.queues[qc.Name] = q
	b.logger.Debug("queue created", slog.String("queue", qc.Name))
	return q, nil
}

func (b *Broker) newQueue(qc QueueConfig) *queue.Queue {
	name := qc.Name
	return queue.New(queue.Config{
		Name:  name,
		Store: b.store,
		NextID: func() uint64 {
			return b.ids.Add(1)
		},
		OnDelayed: func(id uint64, at time.Time) {
			b.sched.Schedule(id, name, at)
		},
		MaxDeliveryAttempts: qc.MaxDeliveryAttempts,
		DeadLetter: func(msg *types.Message) {
			b.deadLetter(name, qc.DeadLetterAddress, msg)
		},
		Clock:   b.clock,
		Metrics: b.metrics,
		Logger:  b.logger,
	})
}

// deadLetter moves a message that ran out of delivery attempts. Without a
// dead letter address the message is dropped.
func (b *Broker) deadLetter(from, address string, msg *types.Message) {
	if address == "" {
		b.logger.Warn("dropping message without dead letter address",
			slog.String("queue", from),
			slog.Uint64("id", msg.ID))
		return
	}

	m := msg.Clone()
	m.RedeliveryCount = 0
	if err := m.SetProperty(OriginalQueueProperty, types.String(from)); err != nil {
		b.logger.Error("failed to tag dead letter", slog.Any("error", err))
	}

	dlq, err := b.queueOrCreate(QueueConfig{Name: address})
	if err == nil {
		_, err = dlq.Append(context.Background(), m)
	}
	if err != nil {
		b.logger.Error("failed to move message to dead letter queue",
			slog.String("queue", from),
			slog.String("dead_letter_address", address),
			slog.Uint64("id", msg.ID),
			slog.Any("error", err))
		return
	}
	b.stats.deadLettered.Add(1)
}

// ready wakes the queue of a delayed message that came due.
func (b *Broker) ready(_ uint64, name string) {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if ok {
		q.Wake()
	}
}

func (b *Broker) expire(now time.Time) int {
	b.mu.RLock()
	queues := make([]*queue.Queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.RUnlock()

	n := 0
	for _, q := range queues {
		n += q.ExpireScan(now)
	}
	return n
}
