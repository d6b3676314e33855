// Package amqpclient owns the long-lived broker connection for a
// service: one connection, one channel, declared topology, automatic
// reconnect with exponential backoff, and consumer restart after every
// reconnect. Handlers never ack or nack themselves; the consume loop
// translates handler errors into exactly one ack/nack per delivery.
package amqpclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/synaptiq/biopipe/internal/faults"
	"github.com/synaptiq/biopipe/internal/metrics"
)

// ErrNotReady is returned by Publish while no broker channel is
// established. HTTP ingress maps it to 503.
var ErrNotReady = errors.New("broker channel not established")

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ExchangeSpec declares one exchange.
type ExchangeSpec struct {
	Name string
	Kind string // "fanout", "direct", ...
}

// QueueSpec declares one durable queue, optionally bound to an exchange
// with an empty routing key.
type QueueSpec struct {
	Name         string
	BindExchange string
}

// Topology is the broker layout a service asserts after every connect.
type Topology struct {
	Exchanges []ExchangeSpec
	Queues    []QueueSpec
}

// Handler processes one delivery. A nil return acks; a transient error
// nacks with requeue; a permanent error nacks without requeue.
type Handler func(ctx context.Context, d amqp.Delivery) error

type consumer struct {
	queue    string
	prefetch int
	handler  Handler
	started  bool // consuming on the current channel
}

// Options configures a Client.
type Options struct {
	URL      string
	Topology Topology
	Log      zerolog.Logger
}

// Client is the per-process broker singleton.
type Client struct {
	url      string
	topology Topology
	log      zerolog.Logger

	mu               sync.Mutex
	conn             *amqp.Connection
	ch               *amqp.Channel
	state            State
	attempt          int
	reconnectPending bool
	lastConnectedAt  time.Time
	consumers        []*consumer
	tags             []string
	tagSeq           int

	// inflight counts deliveries whose handler is still running; Close
	// waits on it before tearing the channel down.
	inflight sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a client and starts connecting in the background. The
// service comes up regardless of broker availability; Ready() flips once
// the channel is established and topology declared.
func New(opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:      opts.URL,
		topology: opts.Topology,
		log:      opts.Log.With().Str("component", "amqp").Logger(),
		state:    StateDisconnected,
		ctx:      ctx,
		cancel:   cancel,
	}
	go c.connect()
	return c
}

// Ready reports whether the channel is established.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateReady && c.ch != nil
}

// LastConnectedAt returns the time of the most recent successful connect.
func (c *Client) LastConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastConnectedAt
}

// Subscribe registers a consumer for a queue. If the client is already
// connected the consumer starts immediately; it is restarted after every
// reconnect.
func (c *Client) Subscribe(queue string, prefetch int, handler Handler) {
	c.mu.Lock()
	cons := &consumer{queue: queue, prefetch: prefetch, handler: handler}
	c.consumers = append(c.consumers, cons)
	ch := c.ch
	ready := c.state == StateReady
	if ready && ch != nil {
		cons.started = true
	}
	c.mu.Unlock()

	if ready && ch != nil {
		c.startConsumer(ch, cons)
	}
}

// Publish sends a persistent message. Returns ErrNotReady while
// disconnected.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	c.mu.Lock()
	ch := c.ch
	ready := c.state == StateReady
	c.mu.Unlock()

	if !ready || ch == nil {
		return ErrNotReady
	}

	msg.DeliveryMode = amqp.Persistent
	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", exchangeLabel(exchange, routingKey), err)
	}
	return nil
}

// Close drains and tears down the broker connection: stop new
// deliveries, wait for in-flight handlers to settle, then close the
// channel and connection. Cancelling the handler context before the
// wait would abort a handler mid-message.
func (c *Client) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	ch := c.ch
	conn := c.conn
	tags := c.tags
	c.ch = nil
	c.conn = nil
	c.tags = nil
	c.mu.Unlock()

	if ch != nil {
		for _, tag := range tags {
			_ = ch.Cancel(tag, false)
		}
	}
	c.inflight.Wait()
	c.cancel()
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.log.Info().Msg("broker connection closed")
}

func (c *Client) connect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := amqp.Dial(c.url)
	if err != nil {
		c.log.Warn().Err(err).Msg("broker dial failed")
		c.dropAndReconnect()
		return
	}

	ch, err := conn.Channel()
	if err != nil {
		c.log.Warn().Err(err).Msg("channel open failed")
		_ = conn.Close()
		c.dropAndReconnect()
		return
	}

	if err := declareTopology(ch, c.topology); err != nil {
		c.log.Warn().Err(err).Msg("topology declaration failed")
		_ = ch.Close()
		_ = conn.Close()
		c.dropAndReconnect()
		return
	}

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.ch = ch
	c.attempt = 0
	c.lastConnectedAt = time.Now()
	for _, cons := range c.consumers {
		cons.started = false
	}
	c.mu.Unlock()

	// Consumers restart before the client reports ready. Each pass
	// claims the consumers registered so far; the ready flip happens
	// only once no unclaimed consumer remains.
	for {
		pending, done := c.takeUnstarted(ch)
		for _, cons := range pending {
			c.startConsumer(ch, cons)
		}
		if done {
			break
		}
	}
	if !c.Ready() {
		return // closed or superseded while starting consumers
	}

	c.log.Info().Str("state", StateReady.String()).Msg("broker connected")

	go func() {
		amqpErr, ok := <-closeCh
		if !ok {
			return // clean shutdown
		}
		c.log.Warn().Err(amqpErr).Msg("broker connection lost")
		c.dropAndReconnect()
	}()
}

// dropAndReconnect transitions to disconnected and schedules a single
// reconnect attempt. Concurrent calls while one is pending are no-ops.
func (c *Client) dropAndReconnect() {
	c.mu.Lock()
	if c.state == StateClosed || c.reconnectPending {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.ch = nil
	c.conn = nil
	c.tags = nil
	for _, cons := range c.consumers {
		cons.started = false
	}
	c.attempt++
	c.reconnectPending = true
	delay := backoffDelay(c.attempt)
	c.mu.Unlock()

	c.log.Info().Int("attempt", c.attempt).Dur("delay", delay).Msg("reconnect scheduled")

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectPending = false
		closed := c.state == StateClosed
		c.mu.Unlock()
		if !closed {
			c.connect()
		}
	})
}

// backoffDelay is min(30s, 2^attempt seconds); the first retry waits 2s.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		return 30 * time.Second
	}
	d := time.Duration(1<<attempt) * time.Second
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

func declareTopology(ch *amqp.Channel, t Topology) error {
	for _, ex := range t.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}
	for _, q := range t.Queues {
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
		if q.BindExchange != "" {
			if err := ch.QueueBind(q.Name, "", q.BindExchange, false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", q.Name, q.BindExchange, err)
			}
		}
	}
	return nil
}

// takeUnstarted claims every consumer not yet started on ch. When none
// remain it flips the state to ready and reports done. Claiming and the
// ready flip share the lock with Subscribe, so a consumer registered
// during startup is always claimed before the client reports ready.
func (c *Client) takeUnstarted(ch *amqp.Channel) (pending []*consumer, done bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.ch != ch {
		return nil, true
	}
	for _, cons := range c.consumers {
		if !cons.started {
			cons.started = true
			pending = append(pending, cons)
		}
	}
	if len(pending) == 0 {
		c.state = StateReady
		return nil, true
	}
	return pending, false
}

func (c *Client) startConsumer(ch *amqp.Channel, cons *consumer) {
	if err := ch.Qos(cons.prefetch, 0, false); err != nil {
		c.log.Error().Err(err).Str("queue", cons.queue).Msg("qos failed")
		return
	}

	c.mu.Lock()
	c.tagSeq++
	tag := fmt.Sprintf("%s-%d", cons.queue, c.tagSeq)
	c.tags = append(c.tags, tag)
	c.mu.Unlock()

	deliveries, err := ch.Consume(cons.queue, tag, false, false, false, false, nil)
	if err != nil {
		c.log.Error().Err(err).Str("queue", cons.queue).Msg("consume failed")
		return
	}

	c.log.Info().Str("queue", cons.queue).Int("prefetch", cons.prefetch).Msg("consumer started")

	go func() {
		for d := range deliveries {
			c.inflight.Add(1)
			c.handleDelivery(cons, d)
			c.inflight.Done()
		}
		c.log.Debug().Str("queue", cons.queue).Msg("delivery channel closed")
	}()
}

// handleDelivery runs the handler and settles the delivery exactly once.
func (c *Client) handleDelivery(cons *consumer, d amqp.Delivery) {
	metrics.MessagesConsumed.WithLabelValues(cons.queue).Inc()

	err := cons.handler(c.ctx, d)
	requeue := settle(err)

	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.log.Error().Err(ackErr).Str("queue", cons.queue).Msg("ack failed")
		}
		metrics.MessagesAcked.WithLabelValues(cons.queue).Inc()
		return
	}

	c.log.Error().Err(err).
		Str("queue", cons.queue).
		Bool("requeue", requeue).
		Msg("handler failed")
	if nackErr := d.Nack(false, requeue); nackErr != nil {
		c.log.Error().Err(nackErr).Str("queue", cons.queue).Msg("nack failed")
	}
	metrics.MessagesNacked.WithLabelValues(cons.queue, strconv.FormatBool(requeue)).Inc()
}

// settle maps a handler error to the requeue decision: transient errors
// go back to the queue, permanent ones are dropped.
func settle(err error) bool {
	return faults.IsTransient(err)
}

func exchangeLabel(exchange, routingKey string) string {
	if exchange == "" {
		return "queue " + routingKey
	}
	return "exchange " + exchange
}
