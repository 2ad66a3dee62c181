// Package rpc turns the broker's fire-and-forget pub/sub into request/response
// calls. Each call publishes an envelope to a request topic and waits for the
// reply with the same correlation id on that topic's reply topic.
package rpc

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/protogate/internal/runtime/errors"
	"github.com/drblury/protogate/internal/runtime/ids"
	"github.com/drblury/protogate/internal/runtime/logging"
	"github.com/drblury/protogate/transport"
)

const (
	// DefaultTimeout applies when neither the call nor the options set one.
	DefaultTimeout = 5 * time.Second
	// DefaultReplySuffix derives a reply topic from a request topic.
	DefaultReplySuffix = ".reply"
	tracerName         = "github.com/drblury/protogate/internal/rpc"
)

// Caller is the narrow request/response contract the rest of the gateway uses.
type Caller interface {
	Call(ctx context.Context, topic string, payload []byte, timeout time.Duration) ([]byte, error)
}

// Options configures a Client. Publisher and Subscriber are required.
type Options struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Events, when set, fails every pending call as soon as the broker
	// connection drops or is re-established.
	Events *transport.ConnectionEvents
	Logger logging.ServiceLogger

	Timeout     time.Duration
	ReplySuffix string
	// InstanceID scopes reply topics to this gateway instance.
	InstanceID string
	// SweepInterval runs the expired-call janitor. Zero disables it.
	SweepInterval time.Duration

	Clock   clock.Clock
	Metrics *Metrics
	Tracer  trace.Tracer
}

// Client issues calls over a broker. It is safe for concurrent use.
type Client struct {
	pub     message.Publisher
	sub     message.Subscriber
	log     logging.ServiceLogger
	store   *Store
	clock   clock.Clock
	metrics *Metrics
	tracer  trace.Tracer

	timeout     time.Duration
	replySuffix string
	instanceID  string

	subsMu sync.Mutex
	subs   map[string]struct{}

	closed     atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	stopEvents func()
	closeOnce  sync.Once
}

// New builds a client and starts its janitor.
func New(opts Options) (*Client, error) {
	if opts.Publisher == nil {
		return nil, errors.ErrPublisherRequired
	}
	if opts.Subscriber == nil {
		return nil, errors.ErrSubscriberRequired
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ReplySuffix == "" {
		opts.ReplySuffix = DefaultReplySuffix
	}
	if opts.Metrics == nil {
		m, err := NewMetrics(nil)
		if err != nil {
			return nil, err
		}
		opts.Metrics = m
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		pub:         opts.Publisher,
		sub:         opts.Subscriber,
		log:         logging.OrNop(opts.Logger).With(logging.LogFields{"component": "rpc"}),
		store:       NewStore(opts.Clock),
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		timeout:     opts.Timeout,
		replySuffix: opts.ReplySuffix,
		instanceID:  opts.InstanceID,
		subs:        make(map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}

	c.stopEvents = opts.Events.OnChange(c.onConnectionEvent)

	if opts.SweepInterval > 0 {
		c.wg.Add(1)
		go c.janitor(opts.SweepInterval)
	}
	return c, nil
}

// ReplyTopic returns the topic replies to requests on topic arrive on.
func (c *Client) ReplyTopic(topic string) string {
	if c.instanceID == "" {
		return topic + c.replySuffix
	}
	return topic + c.replySuffix + "." + c.instanceID
}

// Call publishes payload to topic and waits for the matching reply. A zero
// timeout uses the client default. The call fails with ErrTimeout when no reply
// arrives in time, ErrConnectionLost when the broker goes away, and an
// *errors.UpstreamError when the backend replies with a failure.
func (c *Client) Call(ctx context.Context, topic string, payload []byte, timeout time.Duration) (result []byte, err error) {
	if c.closed.Load() {
		return nil, errors.ErrClientClosed
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errors.ErrTopicRequired
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	started := time.Now()
	ctx, span := c.tracer.Start(ctx, "rpc "+topic, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		c.metrics.observe(topic, started, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	replyTopic := c.ReplyTopic(topic)
	if err := c.ensureReplySubscription(topic, replyTopic); err != nil {
		return nil, err
	}

	correlationID := ids.NewCorrelationID()
	span.SetAttributes(
		attribute.String("messaging.destination.name", topic),
		attribute.String("messaging.message.conversation_id", correlationID),
	)

	call, err := c.store.Register(correlationID, topic, replyTopic, timeout)
	if err != nil {
		return nil, err
	}
	c.metrics.inflight.Inc()
	defer c.metrics.inflight.Dec()

	timer := c.clock.AfterFunc(timeout, func() {
		c.store.Settle(correlationID, nil, timeoutError(topic, timeout))
	})
	defer timer.Stop()

	msg, err := NewMessage(Envelope{CorrelationID: correlationID, ReplyTo: replyTopic, Payload: payload})
	if err != nil {
		c.store.Settle(correlationID, nil, err)
		return nil, err
	}
	msg.SetContext(ctx)

	if err := c.pub.Publish(topic, msg); err != nil {
		c.store.Settle(correlationID, nil, fmt.Errorf("%w: publish %s: %v", errors.ErrConnectionLost, topic, err))
	}

	select {
	case <-call.Done():
	case <-ctx.Done():
		c.store.Settle(correlationID, nil, ctx.Err())
		<-call.Done()
	}
	return call.Result()
}

// Notify publishes payload to topic without waiting for a reply.
func (c *Client) Notify(ctx context.Context, topic string, payload []byte) error {
	if c.closed.Load() {
		return errors.ErrClientClosed
	}
	if strings.TrimSpace(topic) == "" {
		return errors.ErrTopicRequired
	}
	msg, err := NewMessage(Envelope{CorrelationID: ids.NewCorrelationID(), Payload: payload})
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	if err := c.pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("%w: publish %s: %v", errors.ErrConnectionLost, topic, err)
	}
	return nil
}

// Pending returns the number of calls awaiting a reply.
func (c *Client) Pending() int {
	return c.store.Len()
}

// Close fails every pending call with ErrConnectionLost, stops reply consumers
// and the janitor. Later calls fail with ErrClientClosed. The publisher and
// subscriber stay open; they belong to the transport.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.stopEvents()
		c.cancel()
		if n := c.store.FailAll(errors.ErrClientClosed); n > 0 {
			c.log.Info("Failed pending calls on close", logging.LogFields{"pending": n})
		}
		c.wg.Wait()
	})
	return nil
}

// ensureReplySubscription subscribes replyTopic once. The subscription is
// dropped from the set when its channel closes so a later call resubscribes.
func (c *Client) ensureReplySubscription(requestTopic, replyTopic string) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	if _, ok := c.subs[replyTopic]; ok {
		return nil
	}
	if c.closed.Load() {
		return errors.ErrClientClosed
	}

	messages, err := c.sub.Subscribe(c.ctx, replyTopic)
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", errors.ErrConnectionLost, replyTopic, err)
	}
	c.subs[replyTopic] = struct{}{}
	c.log.Debug("Subscribed reply topic", logging.LogFields{"topic": replyTopic})

	c.wg.Add(1)
	go c.consumeReplies(requestTopic, replyTopic, messages)
	return nil
}

func (c *Client) consumeReplies(requestTopic, replyTopic string, messages <-chan *message.Message) {
	defer c.wg.Done()
	defer func() {
		c.subsMu.Lock()
		delete(c.subs, replyTopic)
		c.subsMu.Unlock()
	}()

	for msg := range messages {
		c.handleReply(requestTopic, msg)
		msg.Ack()
	}
}

func (c *Client) handleReply(requestTopic string, msg *message.Message) {
	env, err := DecodeEnvelope(msg)
	if err != nil {
		c.log.Error("Discarding malformed reply", err, logging.LogFields{"topic": requestTopic, "message_uuid": msg.UUID})
		return
	}

	var callErr error
	if env.Error != nil {
		callErr = &errors.UpstreamError{Topic: requestTopic, Reason: env.Error.Reason, Details: env.Error.Details}
	}

	if !c.store.Settle(env.CorrelationID, env.Payload, callErr) {
		c.metrics.lateReplies.WithLabelValues(requestTopic).Inc()
		c.log.Debug("Discarding reply without pending call", logging.LogFields{
			"topic":          requestTopic,
			"correlation_id": env.CorrelationID,
		})
	}
}

func (c *Client) onConnectionEvent(ev transport.ConnectionEvent) {
	if !ev.State.Lost() {
		return
	}
	cause := errors.ErrConnectionLost
	if ev.Err != nil {
		cause = fmt.Errorf("%w: %v", errors.ErrConnectionLost, ev.Err)
	}
	if n := c.store.FailAll(cause); n > 0 {
		c.log.Error("Broker connection state changed; failed pending calls", cause, logging.LogFields{
			"state":   ev.State.String(),
			"pending": n,
		})
	}
}

func (c *Client) janitor(interval time.Duration) {
	defer c.wg.Done()
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.store.SweepExpired(); n > 0 {
				c.log.Debug("Swept expired calls", logging.LogFields{"expired": n})
			}
		}
	}
}

// IsRetryable reports whether err is a transient transport failure a caller may retry.
func IsRetryable(err error) bool {
	return stderrors.Is(err, errors.ErrTimeout) || stderrors.Is(err, errors.ErrConnectionLost)
}
