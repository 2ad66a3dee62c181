package rpc

import (
	"bytes"
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/protogate/internal/runtime/errors"
	"github.com/drblury/protogate/transport"
	"github.com/drblury/protogate/transport/channel"
	"github.com/drblury/protogate/transport/transporttest"
)

type harness struct {
	client    *Client
	tr        transport.Transport
	responder *Responder
	metrics   *Metrics
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	tr := channel.New(nil)
	m, err := NewMetrics(nil)
	require.NoError(t, err)

	opts := Options{Publisher: tr.Publisher, Subscriber: tr.Subscriber, Timeout: time.Second, Metrics: m}
	for _, fn := range configure {
		fn(&opts)
	}
	client, err := New(opts)
	require.NoError(t, err)
	responder, err := NewResponder(tr.Publisher, tr.Subscriber, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		_ = tr.Close()
	})
	return &harness{client: client, tr: tr, responder: responder, metrics: m}
}

// requests subscribes to topic directly so a test can hold and answer requests itself.
func (h *harness) requests(t *testing.T, topic string) <-chan *message.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	msgs, err := h.tr.Subscriber.Subscribe(ctx, topic)
	require.NoError(t, err)
	return msgs
}

func receive(t *testing.T, msgs <-chan *message.Message) Envelope {
	t.Helper()
	select {
	case msg := <-msgs:
		msg.Ack()
		env, err := DecodeEnvelope(msg)
		require.NoError(t, err)
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("request not received")
		return Envelope{}
	}
}

type result struct {
	payload []byte
	err     error
}

func callAsync(ctx context.Context, c *Client, topic string, payload []byte, timeout time.Duration) <-chan result {
	out := make(chan result, 1)
	go func() {
		p, err := c.Call(ctx, topic, payload, timeout)
		out <- result{p, err}
	}()
	return out
}

func TestNewRequiresPublisherAndSubscriber(t *testing.T) {
	_, err := New(Options{Subscriber: &transporttest.Subscriber{}})
	assert.ErrorIs(t, err, errors.ErrPublisherRequired)
	_, err = New(Options{Publisher: &transporttest.Publisher{}})
	assert.ErrorIs(t, err, errors.ErrSubscriberRequired)
}

func TestCallRoundTrip(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.responder.Serve(context.Background(), "stock.get", func(ctx context.Context, payload []byte) ([]byte, error) {
		assert.JSONEq(t, `{"productId":"p1"}`, string(payload))
		return []byte(`{"productId":"p1","stock":7,"reservedStock":2}`), nil
	}))

	reply, err := h.client.Call(context.Background(), "stock.get", []byte(`{"productId":"p1"}`), 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"productId":"p1","stock":7,"reservedStock":2}`, string(reply))
	assert.Equal(t, 0, h.client.Pending())
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.calls.WithLabelValues("stock.get", "ok")), 0)
}

func TestCallTimesOut(t *testing.T) {
	h := newHarness(t)

	started := time.Now()
	_, err := h.client.Call(context.Background(), "nobody.listens", []byte(`{}`), 30*time.Millisecond)

	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, 0, h.client.Pending())
}

func TestLateReplyDoesNotResettle(t *testing.T) {
	h := newHarness(t)
	requests := h.requests(t, "slow.op")

	pending := callAsync(context.Background(), h.client, "slow.op", []byte(`{}`), 50*time.Millisecond)
	req := receive(t, requests)

	res := <-pending
	require.ErrorIs(t, res.err, errors.ErrTimeout)

	require.NoError(t, h.responder.Reply(req, []byte(`{"late":true}`), nil))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.lateReplies.WithLabelValues("slow.op")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, res.payload)
	assert.Equal(t, 0, h.client.Pending())
}

func TestOutOfOrderRepliesMatchByCorrelationID(t *testing.T) {
	h := newHarness(t)
	requests := h.requests(t, "entity.findOne")

	first := callAsync(context.Background(), h.client, "entity.findOne", []byte(`{"id":"first"}`), 0)
	firstReq := receive(t, requests)
	second := callAsync(context.Background(), h.client, "entity.findOne", []byte(`{"id":"second"}`), 0)
	secondReq := receive(t, requests)

	require.NoError(t, h.responder.Reply(secondReq, secondReq.Payload, nil))
	require.NoError(t, h.responder.Reply(firstReq, firstReq.Payload, nil))

	r1, r2 := <-first, <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.JSONEq(t, `{"id":"first"}`, string(r1.payload))
	assert.JSONEq(t, `{"id":"second"}`, string(r2.payload))
}

func TestUpstreamRejection(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.responder.Serve(context.Background(), "entity.create", func(context.Context, []byte) ([]byte, error) {
		return nil, &errors.UpstreamError{Reason: "price must be positive", Details: map[string]any{"field": "price"}}
	}))

	_, err := h.client.Call(context.Background(), "entity.create", []byte(`{"price":-1}`), 0)

	require.ErrorIs(t, err, errors.ErrUpstreamRejected)
	var upstream *errors.UpstreamError
	require.True(t, stderrors.As(err, &upstream))
	assert.Equal(t, "entity.create", upstream.Topic)
	assert.Equal(t, "price must be positive", upstream.Reason)
	assert.Equal(t, map[string]any{"field": "price"}, upstream.Details)
}

type countingSubscriber struct {
	message.Subscriber
	mu     sync.Mutex
	counts map[string]int
}

func (s *countingSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	s.counts[topic]++
	s.mu.Unlock()
	return s.Subscriber.Subscribe(ctx, topic)
}

func TestReplySubscriptionCreatedOncePerTopic(t *testing.T) {
	counter := &countingSubscriber{counts: map[string]int{}}
	h := newHarness(t, func(o *Options) {
		counter.Subscriber = o.Subscriber
		o.Subscriber = counter
	})
	echo := func(_ context.Context, p []byte) ([]byte, error) { return p, nil }
	require.NoError(t, h.responder.Serve(context.Background(), "stock.get", echo))
	require.NoError(t, h.responder.Serve(context.Background(), "entity.findOne", echo))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.client.Call(context.Background(), "stock.get", []byte(`{}`), 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	_, err := h.client.Call(context.Background(), "entity.findOne", []byte(`{}`), 0)
	require.NoError(t, err)

	counter.mu.Lock()
	defer counter.mu.Unlock()
	assert.Equal(t, 1, counter.counts["stock.get.reply"])
	assert.Equal(t, 1, counter.counts["entity.findOne.reply"])
}

func TestInstanceScopedReplyTopic(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.InstanceID = "edge-1"
		o.ReplySuffix = ".resp"
	})
	assert.Equal(t, "stock.get.resp.edge-1", h.client.ReplyTopic("stock.get"))

	requests := h.requests(t, "stock.get")
	pending := callAsync(context.Background(), h.client, "stock.get", []byte(`{}`), 0)
	req := receive(t, requests)
	assert.Equal(t, "stock.get.resp.edge-1", req.ReplyTo)

	require.NoError(t, h.responder.Reply(req, []byte(`{"stock":1}`), nil))
	res := <-pending
	require.NoError(t, res.err)
}

func TestConnectionLossFailsPendingCalls(t *testing.T) {
	events := transport.NewConnectionEvents()
	h := newHarness(t, func(o *Options) { o.Events = events })
	requests := h.requests(t, "stock.getBatch")

	pending := callAsync(context.Background(), h.client, "stock.getBatch", []byte(`{}`), 10*time.Second)
	req := receive(t, requests)

	events.Emit(transport.ConnectionEvent{State: transport.StateDisconnected, Err: stderrors.New("EOF")})

	res := <-pending
	assert.ErrorIs(t, res.err, errors.ErrConnectionLost)

	// A reply routed after reconnect must not resurrect the failed call.
	require.NoError(t, h.responder.Reply(req, []byte(`{}`), nil))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.lateReplies.WithLabelValues("stock.getBatch")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectedStateAlsoFailsPending(t *testing.T) {
	events := transport.NewConnectionEvents()
	h := newHarness(t, func(o *Options) { o.Events = events })
	requests := h.requests(t, "stock.get")

	pending := callAsync(context.Background(), h.client, "stock.get", []byte(`{}`), 10*time.Second)
	receive(t, requests)
	events.Emit(transport.ConnectionEvent{State: transport.StateConnected})
	events.Emit(transport.ConnectionEvent{State: transport.StateReconnected})

	assert.ErrorIs(t, (<-pending).err, errors.ErrConnectionLost)
}

func TestCloseFailsPendingAndRejectsNewCalls(t *testing.T) {
	h := newHarness(t)
	requests := h.requests(t, "entity.findAll")

	pending := callAsync(context.Background(), h.client, "entity.findAll", []byte(`{}`), 10*time.Second)
	receive(t, requests)

	require.NoError(t, h.client.Close())
	res := <-pending
	assert.ErrorIs(t, res.err, errors.ErrConnectionLost)
	assert.ErrorIs(t, res.err, errors.ErrClientClosed)

	_, err := h.client.Call(context.Background(), "entity.findAll", nil, 0)
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
	assert.ErrorIs(t, h.client.Notify(context.Background(), "x", nil), errors.ErrClientClosed)
	assert.NoError(t, h.client.Close())
}

func TestCallHonoursContextCancellation(t *testing.T) {
	h := newHarness(t)
	requests := h.requests(t, "stock.get")
	ctx, cancel := context.WithCancel(context.Background())

	pending := callAsync(ctx, h.client, "stock.get", []byte(`{}`), 10*time.Second)
	receive(t, requests)
	cancel()

	assert.ErrorIs(t, (<-pending).err, context.Canceled)
	assert.Equal(t, 0, h.client.Pending())
}

func TestPublishFailureIsConnectionLost(t *testing.T) {
	client, err := New(Options{
		Publisher:  &transporttest.Publisher{Err: stderrors.New("broken pipe")},
		Subscriber: channel.New(nil).Subscriber,
	})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Call(context.Background(), "stock.get", []byte(`{}`), time.Second)
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
	assert.Equal(t, 0, client.Pending())
}

func TestCallRequiresTopic(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.Call(context.Background(), "  ", nil, 0)
	assert.ErrorIs(t, err, errors.ErrTopicRequired)
}

func TestTimeoutWithMockClock(t *testing.T) {
	mock := clock.NewMock()
	h := newHarness(t, func(o *Options) {
		o.Clock = mock
		o.SweepInterval = 10 * time.Millisecond
	})
	requests := h.requests(t, "stock.get")

	pending := callAsync(context.Background(), h.client, "stock.get", []byte(`{}`), 100*time.Millisecond)
	receive(t, requests)

	select {
	case <-pending:
		t.Fatal("call settled before its deadline")
	default:
	}

	mock.Add(100 * time.Millisecond)
	res := <-pending
	assert.ErrorIs(t, res.err, errors.ErrTimeout)
}

func TestNotifyPublishesWithoutReplyTo(t *testing.T) {
	h := newHarness(t)
	events := h.requests(t, "moderation.duplicate_detected")

	require.NoError(t, h.client.Notify(context.Background(), "moderation.duplicate_detected", []byte(`{"kind":"text"}`)))
	env := receive(t, events)
	assert.Empty(t, env.ReplyTo)
	assert.NotEmpty(t, env.CorrelationID)
	assert.JSONEq(t, `{"kind":"text"}`, string(env.Payload))
}

func TestCallJSON(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.responder.Serve(context.Background(), "entity.findOne", func(_ context.Context, p []byte) ([]byte, error) {
		if bytes.Contains(p, []byte("missing")) {
			return []byte(`null`), nil
		}
		return []byte(`{"id":"p1","name":"Mouse"}`), nil
	}))

	type product struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	got, err := CallJSON[product](context.Background(), h.client, "entity.findOne", map[string]string{"id": "p1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, product{ID: "p1", Name: "Mouse"}, got)

	_, err = CallJSON[product](context.Background(), h.client, "entity.findOne", map[string]string{"id": "missing"}, 0)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestCallProto(t *testing.T) {
	h := newHarness(t)
	var seen atomic.Value
	require.NoError(t, h.responder.Serve(context.Background(), "entity.findOne", func(_ context.Context, p []byte) ([]byte, error) {
		seen.Store(string(p))
		return []byte(`{"id":"p1","price":19.5}`), nil
	}))

	req, err := structpb.NewStruct(map[string]any{"id": "p1"})
	require.NoError(t, err)
	var resp structpb.Struct
	require.NoError(t, CallProto(context.Background(), h.client, "entity.findOne", req, &resp, 0))

	assert.JSONEq(t, `{"id":"p1"}`, seen.Load().(string))
	assert.Equal(t, "p1", resp.Fields["id"].GetStringValue())
	assert.InDelta(t, 19.5, resp.Fields["price"].GetNumberValue(), 0.001)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(timeoutError("stock.get", time.Second)))
	assert.True(t, IsRetryable(errors.ErrClientClosed))
	assert.False(t, IsRetryable(&errors.UpstreamError{Topic: "x"}))
}
