// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/absmach/fluxq/broker"
	"github.com/absmach/fluxq/flow"
	"github.com/absmach/fluxq/ratelimit"
	"github.com/absmach/fluxq/transport"
	"github.com/absmach/fluxq/txn"
	"github.com/absmach/fluxq/types"
	"github.com/google/uuid"
)

var _ broker.CreditReceiver = (*Producer)(nil)

// ProducerOptions tunes a producer. Zero values use the connection defaults.
type ProducerOptions struct {
	// WindowSize overrides the connection's credit window. A negative value
	// disables credit flow control.
	WindowSize int

	// MaxRate limits sends per second. Zero uses the rate limit manager
	// default, a negative value disables limiting.
	MaxRate float64

	// DeliveryDelay and TimeToLive apply to messages that do not set their
	// own.
	DeliveryDelay time.Duration
	TimeToLive    time.Duration
}

// Producer sends messages to a bound destination, or to any destination
// when anonymous.
type Producer struct {
	id          string
	s           *Session
	destination string
	opts        ProducerOptions
	window      *flow.Window
	limiter     *ratelimit.Limiter

	life   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func newProducer(s *Session, destination string, opts ProducerOptions) *Producer {
	cfg := s.conn.cfg
	p := &Producer{
		id:          uuid.NewString(),
		s:           s,
		destination: destination,
		opts:        opts,
	}
	p.life, p.cancel = context.WithCancel(context.Background())

	size := opts.WindowSize
	if size == 0 {
		size = cfg.WindowSize
	}
	// Credit flow control applies only to producers bound to a destination.
	if destination != "" && size > 0 {
		p.window = flow.NewWindow(size, cfg.BlockOnCredit)
	}
	p.limiter = cfg.RateLimits.ForProducer(p.id, opts.MaxRate)
	return p
}

func (p *Producer) ID() string          { return p.id }
func (p *Producer) Destination() string { return p.destination }

// Credits returns the available send credit, or -1 without flow control.
func (p *Producer) Credits() int {
	if p.window == nil {
		return -1
	}
	return p.window.Balance()
}

// Send sends msg to the producer's destination.
func (p *Producer) Send(ctx context.Context, msg *types.Message) error {
	return p.SendTo(ctx, "", msg)
}

// SendTo sends msg to destination. A bound producer accepts only its own
// destination or an empty one.
func (p *Producer) SendTo(ctx context.Context, destination string, msg *types.Message) error {
	if p.isClosed() {
		return types.ErrProducerClosed
	}
	if msg == nil {
		return types.ErrInvalidMessageFormat
	}
	target, err := p.target(destination)
	if err != nil {
		return err
	}

	s := p.s
	switch s.State() {
	case StateClosed:
		return types.ErrSessionClosed
	case StateStopped:
		if !s.conn.cfg.SendWhileStopped {
			return types.ErrIllegalState
		}
	}

	m := msg.Clone()
	m.Destination = target
	if m.DeliveryDelay == 0 {
		m.DeliveryDelay = p.opts.DeliveryDelay
	}
	if m.TimeToLive == 0 {
		m.TimeToLive = p.opts.TimeToLive
	}
	if err := m.Validate(); err != nil {
		return err
	}
	s.conn.markUsed()

	if s.tx != nil {
		return s.tx.AddSend(&pendingSend{p: p, m: m})
	}
	return p.dispatch(ctx, target, m)
}

// ReceiveTokens returns credit to the producer's window.
func (p *Producer) ReceiveTokens(n int) {
	if p.window != nil {
		p.window.Release(n)
	}
}

// Close unblocks pending sends, which fail with ErrProducerClosed. Close is
// idempotent.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	if p.window != nil {
		p.window.Close()
	}
	p.s.conn.cfg.RateLimits.RemoveProducer(p.id)
	p.s.removeProducer(p)
	return nil
}

func (p *Producer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) target(destination string) (string, error) {
	switch {
	case p.destination == "" && destination == "":
		return "", types.ErrInvalidDestination
	case p.destination == "":
		return destination, nil
	case destination != "" && destination != p.destination:
		return "", types.ErrInvalidDestination
	default:
		return p.destination, nil
	}
}

// dispatch passes the credit and rate gates, then hands m to the transport.
// Durable messages wait for the broker's acknowledgement. The credit comes
// back with the broker's reply, or at once when the request never reached
// the broker.
func (p *Producer) dispatch(ctx context.Context, target string, m *types.Message) error {
	cfg := p.s.conn.cfg
	if err := p.gate(ctx); err != nil {
		return err
	}

	req := &broker.SendRequest{Message: m}
	if p.window != nil {
		req.Credits = p
	}
	var err error
	if m.Durable {
		_, err = cfg.Transport.SendBlocking(ctx, target, req)
	} else {
		err = cfg.Transport.SendOneWay(ctx, target, req)
	}
	if errors.Is(err, transport.ErrUndelivered) {
		p.ReceiveTokens(1)
	}
	return err
}

// gate takes one credit and one rate token. Closing the producer unblocks
// it with ErrProducerClosed. On failure no credit is held.
func (p *Producer) gate(ctx context.Context) error {
	metrics := p.s.conn.cfg.Metrics

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.life, cancel)
	defer stop()

	start := time.Now()
	if p.window != nil && !p.window.TryAcquire(1) {
		metrics.CreditStall(ctx)
		if err := p.window.Acquire(ctx, 1); err != nil {
			return p.gateErr(err)
		}
	}
	if err := p.limiter.Wait(ctx); err != nil {
		p.ReceiveTokens(1)
		return p.gateErr(err)
	}
	metrics.SendWait(ctx, time.Since(start))
	return nil
}

func (p *Producer) gateErr(err error) error {
	if p.life.Err() != nil || errors.Is(err, types.ErrResourceClosed) {
		return types.ErrProducerClosed
	}
	return err
}

// pendingSend is a send buffered by a transacted session.
type pendingSend struct {
	p *Producer
	m *types.Message
}

var _ txn.Send = (*pendingSend)(nil)

// Prepare waits for credit and a rate token without holding the credit;
// the commit is applied as a single request that returns none. A send whose
// producer closed before the commit skips the gates.
func (ps *pendingSend) Prepare(ctx context.Context) error {
	p := ps.p
	if p.isClosed() {
		return nil
	}
	if err := p.gate(ctx); err != nil {
		return err
	}
	p.ReceiveTokens(1)
	return nil
}
