package realtime

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicechat/internal/chaterr"
	"servicechat/internal/models"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func newMessageJSON(id, chatID int64, content string) string {
	return `{"action":"NEW_MESSAGE","message":{"id":` + strconv.FormatInt(id, 10) + `,"chatId":` + strconv.FormatInt(chatID, 10) +
		`,"senderId":9,"senderName":"Eli","content":"` + content + `","type":"TEXT","createdAt":"2024-03-01T10:00:00"}}`
}

func testOptions(b *fakeBroker) Options {
	return Options{
		URL:                  b.url(),
		Token:                "tok",
		ConnectTimeout:       2 * time.Second,
		ReconnectDelay:       20 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

func newConnectedClient(t *testing.T, b *fakeBroker, opts Options) *Client {
	t.Helper()
	c, err := NewClient(opts)
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

type eventSink struct {
	mu     sync.Mutex
	events []models.PushEvent
}

func (s *eventSink) handle(e models.PushEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) snapshot() []models.PushEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PushEvent{}, s.events...)
}

func TestNewClientValidatesOptions(t *testing.T) {
	_, err := NewClient(Options{URL: "http://example.com", ConnectTimeout: time.Second, ReconnectDelay: time.Second})
	assert.Error(t, err)
	_, err = NewClient(Options{URL: "ws://example.com", ReconnectDelay: time.Second})
	assert.Error(t, err)
	_, err = NewClient(Options{URL: "ws://example.com", ConnectTimeout: time.Second})
	assert.Error(t, err)
	c, err := NewClient(Options{URL: "wss://example.com/ws", ConnectTimeout: time.Second, ReconnectDelay: time.Second})
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectAndReceivePush(t *testing.T) {
	b := newFakeBroker(t)
	c := newConnectedClient(t, b, testOptions(b))
	assert.Equal(t, StateConnected, c.State())

	b.mu.Lock()
	assert.Equal(t, []string{"Bearer tok"}, b.authHeaders)
	b.mu.Unlock()

	connects := b.received(frame.CONNECT)
	require.Len(t, connects, 1)
	assert.Equal(t, "Bearer tok", connects[0].Header.Get("Authorization"))
	assert.Equal(t, "1.2,1.1", connects[0].Header.Get(frame.AcceptVersion))

	sink := &eventSink{}
	c.Subscribe(42, sink.handle)
	require.Eventually(t, func() bool { return len(b.destinations()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"/topic/chat/42"}, b.destinations())

	require.Equal(t, 1, b.push(42, newMessageJSON(100, 42, "hi")))
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, waitFor, tick)

	ev := sink.snapshot()[0]
	assert.Equal(t, models.ActionNewMessage, ev.Action)
	require.NotNil(t, ev.Message)
	assert.Equal(t, int64(100), ev.Message.ID)
	assert.Equal(t, "hi", ev.Message.Content)
}

func TestConnectIsIdempotent(t *testing.T) {
	b := newFakeBroker(t)
	c, err := NewClient(testOptions(b))
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Connect(context.Background())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, b.connectCount())
}

func TestConnectRejectedByBroker(t *testing.T) {
	b := newFakeBroker(t)
	b.set(func(b *fakeBroker) { b.rejectConnect = true })

	c, err := NewClient(testOptions(b))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, chaterr.ErrConnection))
	assert.Contains(t, err.Error(), "bad credentials")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectTimesOut(t *testing.T) {
	b := newFakeBroker(t)
	b.set(func(b *fakeBroker) { b.silent = true })

	opts := testOptions(b)
	opts.ConnectTimeout = 100 * time.Millisecond
	c, err := NewClient(opts)
	require.NoError(t, err)

	start := time.Now()
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, chaterr.ErrConnection))
	assert.False(t, errors.Is(err, chaterr.ErrTimeout))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectFailsWhenUnreachable(t *testing.T) {
	c, err := NewClient(Options{URL: "ws://127.0.0.1:1/ws", ConnectTimeout: time.Second, ReconnectDelay: time.Second})
	require.NoError(t, err)
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestSubscribeBeforeConnectIsReplayed(t *testing.T) {
	b := newFakeBroker(t)
	c, err := NewClient(testOptions(b))
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	sink := &eventSink{}
	c.Subscribe(7, sink.handle)
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return len(b.destinations()) == 1 }, waitFor, tick)
	require.Equal(t, 1, b.push(7, newMessageJSON(1, 7, "queued")))
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, waitFor, tick)
}

func TestReplayAwaitsReceipts(t *testing.T) {
	b := newFakeBroker(t)
	opts := testOptions(b)
	opts.SubscribeReceipts = true
	c, err := NewClient(opts)
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	c.Subscribe(7, func(models.PushEvent) {})
	c.Subscribe(8, func(models.PushEvent) {})
	require.NoError(t, c.Connect(context.Background()))

	// Both receipts were acknowledged before Connect returned.
	subs := b.received(frame.SUBSCRIBE)
	require.Len(t, subs, 2)
	for _, f := range subs {
		assert.NotEmpty(t, f.Header.Get(frame.Receipt))
	}
	assert.ElementsMatch(t, []string{"/topic/chat/7", "/topic/chat/8"}, b.destinations())
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	b := newFakeBroker(t)
	c, err := NewClient(testOptions(b))
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	var mu sync.Mutex
	var states []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	require.NoError(t, c.Connect(context.Background()))

	sink := &eventSink{}
	c.Subscribe(42, sink.handle)
	c.Subscribe(43, func(models.PushEvent) {})
	require.Eventually(t, func() bool { return len(b.destinations()) == 2 }, waitFor, tick)

	b.dropAll()

	require.Eventually(t, func() bool {
		return b.connectCount() == 2 && c.State() == StateConnected && len(b.destinations()) == 2
	}, waitFor, tick)
	assert.ElementsMatch(t, []string{"/topic/chat/42", "/topic/chat/43"}, b.destinations())
	assert.Equal(t, 0, c.ReconnectAttempts())

	require.Equal(t, 1, b.push(42, newMessageJSON(5, 42, "after reconnect")))
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, waitFor, tick)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 4
	}, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateReconnecting, StateConnected}, states)
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	b := newFakeBroker(t)
	opts := testOptions(b)
	opts.MaxReconnectAttempts = 2
	opts.ReconnectDelay = 10 * time.Millisecond
	c := newConnectedClient(t, b, opts)

	b.set(func(b *fakeBroker) { b.rejectConnect = true })
	b.dropAll()

	require.Eventually(t, func() bool { return b.connectCount() == 3 }, waitFor, tick)
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, waitFor, tick)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, b.connectCount())
}

func TestExplicitConnectAfterGivingUp(t *testing.T) {
	b := newFakeBroker(t)
	opts := testOptions(b)
	opts.MaxReconnectAttempts = 0
	c := newConnectedClient(t, b, opts)

	b.dropAll()
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, waitFor, tick)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 2, b.connectCount())
}

func TestDisconnectIsFinal(t *testing.T) {
	b := newFakeBroker(t)
	c := newConnectedClient(t, b, testOptions(b))
	c.Subscribe(42, func(models.PushEvent) {})
	require.Eventually(t, func() bool { return len(b.destinations()) == 1 }, waitFor, tick)

	c.Disconnect()
	c.Disconnect()

	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 0, c.Registry().Len())
	require.Eventually(t, func() bool { return len(b.received(frame.DISCONNECT)) == 1 }, waitFor, tick)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, b.connectCount())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestSubscribeReplacesPreviousRegistration(t *testing.T) {
	b := newFakeBroker(t)
	c := newConnectedClient(t, b, testOptions(b))

	first, second := &eventSink{}, &eventSink{}
	c.Subscribe(42, first.handle)
	c.Subscribe(42, second.handle)

	require.Eventually(t, func() bool { return len(b.received(frame.UNSUBSCRIBE)) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(b.destinations()) == 1 }, waitFor, tick)
	assert.Equal(t, 1, c.Registry().Len())

	require.Equal(t, 1, b.push(42, newMessageJSON(1, 42, "x")))
	require.Eventually(t, func() bool { return len(second.snapshot()) == 1 }, waitFor, tick)
	assert.Empty(t, first.snapshot())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := newFakeBroker(t)
	c := newConnectedClient(t, b, testOptions(b))

	unsub := c.Subscribe(42, func(models.PushEvent) {})
	require.Eventually(t, func() bool { return len(b.destinations()) == 1 }, waitFor, tick)

	unsub()
	unsub()

	require.Eventually(t, func() bool { return len(b.destinations()) == 0 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, b.received(frame.UNSUBSCRIBE), 1)
	assert.Equal(t, 0, c.Registry().Len())
}

func TestMalformedFramesAreDropped(t *testing.T) {
	b := newFakeBroker(t)
	c := newConnectedClient(t, b, testOptions(b))

	sink := &eventSink{}
	c.Subscribe(42, sink.handle)
	require.Eventually(t, func() bool { return len(b.destinations()) == 1 }, waitFor, tick)

	b.push(42, `not json`)
	b.push(42, `{"action":"SHRUG","message":{"id":1}}`)
	b.push(42, `{"action":"EDIT_MESSAGE"}`)
	b.push(42, newMessageJSON(9, 42, "valid"))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, waitFor, tick)
	assert.Equal(t, int64(9), sink.snapshot()[0].Message.ID)
	assert.Equal(t, StateConnected, c.State())
}

func TestOutboundHeartbeats(t *testing.T) {
	b := newFakeBroker(t)
	b.set(func(b *fakeBroker) { b.heartBeat = "0,20" })
	opts := testOptions(b)
	opts.HeartbeatInterval = 20 * time.Millisecond
	newConnectedClient(t, b, opts)

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.heartbeats >= 3
	}, waitFor, tick)
}

func TestMissingInboundHeartbeatsDropConnection(t *testing.T) {
	b := newFakeBroker(t)
	// The broker promises heart-beats every 30ms but never sends any.
	b.set(func(b *fakeBroker) { b.heartBeat = "30,0" })
	opts := testOptions(b)
	opts.HeartbeatInterval = 30 * time.Millisecond
	newConnectedClient(t, b, opts)

	require.Eventually(t, func() bool { return b.connectCount() >= 2 }, waitFor, tick)
}
