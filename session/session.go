// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxq/broker"
	"github.com/absmach/fluxq/queue"
	"github.com/absmach/fluxq/txn"
	"github.com/absmach/fluxq/types"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// AckMode selects how received messages are acknowledged.
type AckMode int

const (
	// AutoAck acknowledges each message as it is received, or after its
	// listener returns successfully.
	AutoAck AckMode = iota + 1
	// ClientAck leaves acknowledgement to Message.Acknowledge.
	ClientAck
	// DupsOKAck acknowledges like AutoAck.
	DupsOKAck
	// Transacted buffers sends and acknowledgements until Commit.
	Transacted
)

func (m AckMode) valid() bool {
	return m >= AutoAck && m <= Transacted
}

func (m AckMode) String() string {
	switch m {
	case AutoAck:
		return "auto"
	case ClientAck:
		return "client"
	case DupsOKAck:
		return "dups-ok"
	case Transacted:
		return "transacted"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a session.
type State int

const (
	StateOpen State = iota
	StateStopped
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStopped:
		return "stopped"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type delivery struct {
	c  *Consumer
	id uint64
}

// Session owns producers, consumers and, when transacted, a transaction.
type Session struct {
	id     string
	conn   *Connection
	mode   AckMode
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	resumed   chan struct{} // closed while the session is open
	run       context.Context
	halt      context.CancelFunc
	closedCh  chan struct{}
	producers map[*Producer]struct{}
	consumers map[*Consumer]struct{}
	browsers  map[*Browser]struct{}
	unacked   []delivery
	active    int           // listener callbacks running
	idle      chan struct{} // closed when active drops to zero

	tx *txn.Context
}

func newSession(conn *Connection, mode AckMode, stopped bool) *Session {
	id := ulid.Make().String()
	s := &Session{
		id:        id,
		conn:      conn,
		mode:      mode,
		logger:    conn.logger.With(slog.String("session", id)),
		resumed:   make(chan struct{}),
		closedCh:  make(chan struct{}),
		producers: make(map[*Producer]struct{}),
		consumers: make(map[*Consumer]struct{}),
		browsers:  make(map[*Browser]struct{}),
	}
	if mode == Transacted {
		s.tx = txn.New()
	}
	if stopped {
		s.state = StateStopped
		s.run, s.halt = context.WithCancel(context.Background())
		s.halt()
		return s
	}
	s.run, s.halt = context.WithCancel(context.Background())
	close(s.resumed)
	return s
}

func (s *Session) ID() string              { return s.id }
func (s *Session) Mode() AckMode           { return s.mode }
func (s *Session) Connection() *Connection { return s.conn }
func (s *Session) Transacted() bool        { return s.mode == Transacted }

// delivering reports whether one of the session's listeners is running.
func (s *Session) delivering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active > 0
}

// enter registers a listener callback of c. It waits while the session is
// stopped and fails once the session or c is closed, or ctx is done.
func (s *Session) enter(ctx context.Context, c *Consumer) bool {
	for {
		s.mu.Lock()
		switch {
		case s.state == StateClosed || c.isClosed() || ctx.Err() != nil:
			s.mu.Unlock()
			return false
		case s.state == StateOpen:
			if s.active == 0 {
				s.idle = make(chan struct{})
			}
			s.active++
			s.mu.Unlock()
			return true
		}
		resumed := s.resumed
		s.mu.Unlock()

		select {
		case <-resumed:
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Session) exit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if s.active == 0 {
		close(s.idle)
	}
}

// waitIdle waits until no listener callback of the session is running.
func (s *Session) waitIdle(ctx context.Context) error {
	s.mu.Lock()
	if s.active == 0 {
		s.mu.Unlock()
		return nil
	}
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for message listeners: %w", ctx.Err())
	}
}

// illegalClosed is returned by operations that are illegal on a closed
// session.
func (s *Session) illegalClosed() error {
	return fmt.Errorf("%w: %w", types.ErrIllegalState, types.ErrSessionClosed)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TransactionID identifies the current transaction, empty when the session
// is not transacted.
func (s *Session) TransactionID() string {
	if s.tx == nil {
		return ""
	}
	return s.tx.ID()
}

// CreateProducer creates a producer. An empty destination creates an
// anonymous producer that names the destination on every send.
func (s *Session) CreateProducer(destination string, opts ProducerOptions) (*Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, types.ErrSessionClosed
	}
	p := newProducer(s, destination, opts)
	s.producers[p] = struct{}{}
	return p, nil
}

// CreateConsumer attaches a consuming cursor to the destination. The
// selector may be empty.
func (s *Session) CreateConsumer(destination, selector string) (*Consumer, error) {
	q, err := s.resolve(destination)
	if err != nil {
		return nil, err
	}
	cur, err := q.Attach(queue.Consume, selector)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		_ = cur.Close()
		return nil, types.ErrSessionClosed
	}
	c := newConsumer(s, destination, cur)
	s.consumers[c] = struct{}{}
	s.conn.markUsed()
	return c, nil
}

// CreateBrowser attaches a browsing cursor to the destination.
func (s *Session) CreateBrowser(destination, selector string) (*Browser, error) {
	q, err := s.resolve(destination)
	if err != nil {
		return nil, err
	}
	cur, err := q.Attach(queue.Browse, selector)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		_ = cur.Close()
		return nil, types.ErrSessionClosed
	}
	b := &Browser{s: s, destination: destination, cursor: cur}
	s.browsers[b] = struct{}{}
	return b, nil
}

func (s *Session) resolve(destination string) (*queue.Queue, error) {
	if s.State() == StateClosed {
		return nil, types.ErrSessionClosed
	}
	if destination == "" {
		return nil, types.ErrInvalidDestination
	}
	return s.conn.cfg.Broker.Queue(destination)
}

// Commit applies the pending sends and acknowledgements.
func (s *Session) Commit() error {
	return s.finish("commit", func(ctx context.Context) error {
		return s.tx.Commit(ctx, s.apply)
	})
}

// apply hands a transaction's buffered messages to the broker as a single
// request.
func (s *Session) apply(ctx context.Context, sends []txn.Send) error {
	req := &broker.CommitRequest{Sends: make([]*broker.SendRequest, len(sends))}
	for i, send := range sends {
		req.Sends[i] = &broker.SendRequest{Message: send.(*pendingSend).m}
	}
	_, err := s.conn.cfg.Transport.SendBlocking(ctx, "", req)
	return err
}

// Rollback discards the pending sends and returns the pending
// acknowledgements for redelivery.
func (s *Session) Rollback() error {
	return s.finish("rollback", func(context.Context) error {
		return s.tx.Rollback()
	})
}

func (s *Session) finish(outcome string, fn func(ctx context.Context) error) error {
	if s.mode != Transacted {
		return types.ErrIllegalState
	}
	if s.State() == StateClosed {
		return s.illegalClosed()
	}

	cfg := s.conn.cfg
	ctx, span := cfg.Tracer.Start(context.Background(), "session."+outcome)
	defer span.End()
	sends, acks := s.tx.Pending()
	span.SetAttributes(
		attribute.String("fluxq.transaction", s.tx.ID()),
		attribute.Int("fluxq.sends", sends),
		attribute.Int("fluxq.acks", acks))

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	cfg.Metrics.Transaction(ctx, outcome, time.Since(start))
	if errors.Is(err, types.ErrIllegalState) && s.State() == StateClosed {
		return s.illegalClosed()
	}
	return err
}

// Recover returns every unacknowledged message of a non-transacted session
// for redelivery.
func (s *Session) Recover() error {
	if s.mode == Transacted {
		return types.ErrIllegalState
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return s.illegalClosed()
	}
	pending := s.unacked
	s.unacked = nil
	s.mu.Unlock()

	for _, g := range groupByConsumer(pending) {
		g.c.cursor.Redeliver(g.ids...)
	}
	return nil
}

// Close closes the session's consumers and producers and rolls back its
// transaction. Unacknowledged messages are returned for redelivery. Running
// listener callbacks are waited for until ctx is done. Close is idempotent
// and fails when called from one of the session's own listeners.
func (s *Session) Close(ctx context.Context) error {
	if c := callbackConsumer(ctx); c != nil && c.s == s {
		return types.ErrIllegalState
	}

	s.mu.Lock()
	if s.state == StateClosed {
		consumers := s.consumerList()
		s.mu.Unlock()
		return awaitReleased(ctx, consumers)
	}
	s.state = StateClosed
	s.halt()
	close(s.closedCh)
	producers := make([]*Producer, 0, len(s.producers))
	for p := range s.producers {
		producers = append(producers, p)
	}
	consumers := s.consumerList()
	browsers := make([]*Browser, 0, len(s.browsers))
	for b := range s.browsers {
		browsers = append(browsers, b)
	}
	s.unacked = nil
	s.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	for _, c := range consumers {
		c.shutdown()
	}
	for _, b := range browsers {
		_ = b.Close()
	}
	err := awaitReleased(ctx, consumers)
	if s.tx != nil {
		s.tx.Close()
	}
	s.conn.removeSession(s)

	s.logger.Debug("session closed",
		slog.Int("producers", len(producers)),
		slog.Int("consumers", len(consumers)))
	return err
}

func (s *Session) consumerList() []*Consumer {
	consumers := make([]*Consumer, 0, len(s.consumers))
	for c := range s.consumers {
		consumers = append(consumers, c)
	}
	return consumers
}

func awaitReleased(ctx context.Context, consumers []*Consumer) error {
	for _, c := range consumers {
		if err := c.awaitReleased(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return
	}
	s.state = StateOpen
	s.run, s.halt = context.WithCancel(context.Background())
	close(s.resumed)
}

func (s *Session) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return
	}
	s.state = StateStopped
	s.halt()
	s.resumed = make(chan struct{})
}

// awaitRunning blocks while the session is stopped and returns a context
// cancelled by the next Stop or Close.
func (s *Session) awaitRunning(ctx context.Context, consumerDone <-chan struct{}) (context.Context, error) {
	for {
		s.mu.Lock()
		state, resumed, run := s.state, s.resumed, s.run
		s.mu.Unlock()

		switch state {
		case StateClosed:
			return nil, types.ErrSessionClosed
		case StateOpen:
			return run, nil
		}

		select {
		case <-resumed:
		case <-consumerDone:
			return nil, types.ErrConsumerClosed
		case <-s.closedCh:
			return nil, types.ErrSessionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// received applies the acknowledgement mode to a message taken from c's
// cursor. Listener deliveries in auto modes are acknowledged by the
// listener loop instead.
func (s *Session) received(ctx context.Context, c *Consumer, m *types.Message, listener bool) error {
	switch s.mode {
	case AutoAck, DupsOKAck:
		if listener {
			return nil
		}
		return c.cursor.Ack(ctx, m.ID)
	case ClientAck:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateClosed {
			return types.ErrSessionClosed
		}
		s.unacked = append(s.unacked, delivery{c: c, id: m.ID})
		return nil
	case Transacted:
		return s.tx.AddAck(c.cursor, m.ID)
	}
	return nil
}

// acknowledge acknowledges every message received on the session up to and
// including id.
func (s *Session) acknowledge(ctx context.Context, c *Consumer, id uint64) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return s.illegalClosed()
	}
	n := -1
	for i, d := range s.unacked {
		if d.c == c && d.id == id {
			n = i
			break
		}
	}
	if n < 0 {
		s.mu.Unlock()
		return nil
	}
	batch := append([]delivery(nil), s.unacked[:n+1]...)
	s.unacked = append(s.unacked[:0], s.unacked[n+1:]...)
	s.mu.Unlock()

	var errs []error
	for _, g := range groupByConsumer(batch) {
		if err := g.c.cursor.Ack(ctx, g.ids...); err != nil && !errors.Is(err, types.ErrResourceClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// forget drops the unacknowledged deliveries of a closed consumer; the
// cursor already returned them to the queue.
func (s *Session) forget(c *Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, c)
	kept := s.unacked[:0]
	for _, d := range s.unacked {
		if d.c != c {
			kept = append(kept, d)
		}
	}
	s.unacked = kept
}

func (s *Session) removeProducer(p *Producer) {
	s.mu.Lock()
	delete(s.producers, p)
	s.mu.Unlock()
}

func (s *Session) removeBrowser(b *Browser) {
	s.mu.Lock()
	delete(s.browsers, b)
	s.mu.Unlock()
}

func (s *Session) unackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unacked)
}

type consumerGroup struct {
	c   *Consumer
	ids []uint64
}

func groupByConsumer(ds []delivery) []consumerGroup {
	var groups []consumerGroup
	pos := make(map[*Consumer]int)
	for _, d := range ds {
		i, ok := pos[d.c]
		if !ok {
			i = len(groups)
			pos[d.c] = i
			groups = append(groups, consumerGroup{c: d.c})
		}
		groups[i].ids = append(groups[i].ids, d.id)
	}
	return groups
}
