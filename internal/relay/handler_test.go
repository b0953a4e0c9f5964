package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pulserelay/pulse/internal/observability"
	"github.com/pulserelay/pulse/internal/opencloud"
	"github.com/pulserelay/pulse/internal/registry"
)

type fakeCounters struct {
	mu     sync.Mutex
	counts map[int64]int64
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{counts: make(map[int64]int64)}
}

func (f *fakeCounters) IncrementClients(ctx context.Context, universeID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[universeID]++
	return nil
}

func (f *fakeCounters) DecrementClients(ctx context.Context, universeID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[universeID]--
	return nil
}

func (f *fakeCounters) get(universeID int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[universeID]
}

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   int
	reason string
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

func (f *fakeTransport) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

type publishCall struct {
	cloudKey   string
	universeID int64
	topic      string
	message    any
}

type fakePublisher struct {
	mu     sync.Mutex
	calls  []publishCall
	result opencloud.Result
	err    error
}

func (f *fakePublisher) Publish(ctx context.Context, cloudKey string, universeID int64, topic string, message any) (opencloud.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, publishCall{cloudKey: cloudKey, universeID: universeID, topic: topic, message: message})
	return f.result, f.err
}

type handlerFixture struct {
	handler   *Handler
	registry  *registry.Registry
	publisher *fakePublisher
	counters  *fakeCounters
	metrics   *observability.Metrics
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	counters := newFakeCounters()
	publisher := &fakePublisher{result: opencloud.Result{OK: true, StatusCode: 200}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return &handlerFixture{
		handler:   NewHandler(publisher, metrics, logger),
		registry:  registry.New(123, counters, logger),
		publisher: publisher,
		counters:  counters,
		metrics:   metrics,
	}
}

func TestHandlerPingPong(t *testing.T) {
	f := newHandlerFixture(t)
	tr := &fakeTransport{}

	// No session registered: ping must still be answered.
	f.handler.HandleMessage(context.Background(), f.registry, "unknown", tr, []byte("ping"))

	assert.Equal(t, []byte("pong"), tr.lastFrame())
	assert.False(t, tr.closed)
	assert.Empty(t, f.publisher.calls)
}

func TestHandlerUnknownSessionClosesBroken(t *testing.T) {
	f := newHandlerFixture(t)
	tr := &fakeTransport{}

	f.handler.HandleMessage(context.Background(), f.registry, "unknown", tr, []byte(`{"topic":"t"}`))

	assert.True(t, tr.closed)
	assert.Equal(t, 1011, tr.code)
	assert.Equal(t, "WebSocket broken", tr.reason)
	assert.Empty(t, f.publisher.calls)
}

func TestHandlerQuittingSessionClosesBroken(t *testing.T) {
	f := newHandlerFixture(t)
	tr := &fakeTransport{}
	sess := registry.NewSession(123, "key")
	id := f.registry.Add(context.Background(), tr, sess)
	sess.MarkQuit()

	f.handler.HandleMessage(context.Background(), f.registry, id, tr, []byte(`{"topic":"t"}`))

	assert.True(t, tr.closed)
	assert.Equal(t, 1011, tr.code)
}

func TestHandlerInvalidFrames(t *testing.T) {
	// Unparseable frames get the generic rejection; well-formed JSON that
	// fails envelope validation is answered with the specific issue.
	cases := map[string]struct {
		frame   string
		wantErr string
	}{
		"not json":         {`pong`, "Invalid message"},
		"truncated":        {`{"topic":`, "Invalid message"},
		"trailing data":    {`{"topic":"t"}{"topic":"u"}`, "Invalid message"},
		"missing topic":    {`{"message":"hi"}`, "topic is required"},
		"topic wrong type": {`{"topic":5,"message":"hi"}`, "cannot unmarshal"},
		"unknown field":    {`{"topic":"t","message":"hi","extra":1}`, `unknown field "extra"`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newHandlerFixture(t)
			tr := &fakeTransport{}
			id := f.registry.Add(context.Background(), tr, registry.NewSession(123, "key"))

			f.handler.HandleMessage(context.Background(), f.registry, id, tr, []byte(tc.frame))

			var reply struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.Unmarshal(tr.lastFrame(), &reply))
			assert.Contains(t, reply.Error, tc.wantErr)
			assert.False(t, tr.closed)
			assert.Empty(t, f.publisher.calls)
		})
	}
}

func TestHandlerRelaysEnvelope(t *testing.T) {
	f := newHandlerFixture(t)
	tr := &fakeTransport{}
	id := f.registry.Add(context.Background(), tr, registry.NewSession(123, "cloud-key"))

	frame := `{"topic":"chat","message":{"text":"hi"},"serverId":"srv-1"}`
	f.handler.HandleMessage(context.Background(), f.registry, id, tr, []byte(frame))

	require.Len(t, f.publisher.calls, 1)
	call := f.publisher.calls[0]
	assert.Equal(t, "cloud-key", call.cloudKey)
	assert.Equal(t, int64(123), call.universeID)
	assert.Equal(t, opencloud.RelayTopic, call.topic)

	forwarded, err := json.Marshal(call.message)
	require.NoError(t, err)
	assert.JSONEq(t, frame, string(forwarded))

	assert.JSONEq(t, `{"success":true}`, string(tr.lastFrame()))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.MessagesRelayed.WithLabelValues("123")))
}

func TestHandlerRelaysEnvelopeWithoutServerID(t *testing.T) {
	f := newHandlerFixture(t)
	tr := &fakeTransport{}
	id := f.registry.Add(context.Background(), tr, registry.NewSession(123, "key"))

	f.handler.HandleMessage(context.Background(), f.registry, id, tr, []byte(`{"topic":"chat","message":"hi"}`))

	require.Len(t, f.publisher.calls, 1)
	forwarded, err := json.Marshal(f.publisher.calls[0].message)
	require.NoError(t, err)
	assert.JSONEq(t, `{"topic":"chat","message":"hi"}`, string(forwarded))
}

func TestHandlerPublishErrorAnswersFailure(t *testing.T) {
	f := newHandlerFixture(t)
	f.publisher.err = errors.New("connection refused")
	tr := &fakeTransport{}
	id := f.registry.Add(context.Background(), tr, registry.NewSession(123, "key"))

	f.handler.HandleMessage(context.Background(), f.registry, id, tr, []byte(`{"topic":"t","message":"m"}`))

	assert.JSONEq(t, `{"error":"Failed to publish message"}`, string(tr.lastFrame()))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.PublishFailures.WithLabelValues("123")))
}

func TestHandlerPublishRejectionAnswersFailure(t *testing.T) {
	f := newHandlerFixture(t)
	f.publisher.result = opencloud.Result{OK: false, StatusCode: 401}
	tr := &fakeTransport{}
	id := f.registry.Add(context.Background(), tr, registry.NewSession(123, "key"))

	f.handler.HandleMessage(context.Background(), f.registry, id, tr, []byte(`{"topic":"t","message":"m"}`))

	assert.JSONEq(t, `{"error":"Failed to publish message"}`, string(tr.lastFrame()))
	assert.Equal(t, 0.0, promtest.ToFloat64(f.metrics.MessagesRelayed.WithLabelValues("123")))
}

func TestHandlerCloseTearsDownOnce(t *testing.T) {
	f := newHandlerFixture(t)
	tr := &fakeTransport{}
	sess := registry.NewSession(123, "key")
	id := f.registry.Add(context.Background(), tr, sess)
	f.metrics.ActiveConnections.WithLabelValues("123").Inc()
	require.Equal(t, int64(1), f.counters.get(123))

	f.handler.HandleClose(context.Background(), f.registry, id, tr, 1000)

	assert.True(t, sess.Quit())
	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, int64(0), f.counters.get(123))
	assert.True(t, tr.closed)
	assert.Equal(t, 1000, tr.code)
	assert.Equal(t, "Closing...", tr.reason)
	assert.Equal(t, 0.0, promtest.ToFloat64(f.metrics.ActiveConnections.WithLabelValues("123")))

	// The error path and the close path can both fire for one connection.
	f.handler.HandleClose(context.Background(), f.registry, id, tr, 1011)
	assert.Equal(t, int64(0), f.counters.get(123))
	assert.Equal(t, 0.0, promtest.ToFloat64(f.metrics.ActiveConnections.WithLabelValues("123")))
}
