package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"servicechat/internal/chaterr"
	"servicechat/internal/metrics"
)

// State is the lifecycle state of the push connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// AllStates lists every State, in lifecycle order.
var AllStates = []string{
	string(StateDisconnected),
	string(StateConnecting),
	string(StateConnected),
	string(StateReconnecting),
}

const writeTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	URL                  string
	Token                string
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	// SubscribeReceipts makes subscription replay after a reconnect wait
	// for the broker's RECEIPT before the connection is reported usable.
	SubscribeReceipts bool
	Dialer            *websocket.Dialer
}

// Unsubscribe releases a subscription. Calling it more than once is safe.
type Unsubscribe func()

// Client owns the single push connection of a session: a STOMP session
// carried over a websocket. It reconnects with exponential backoff after
// unexpected drops and replays every registered subscription.
type Client struct {
	opts     Options
	registry *Registry

	mu             sync.Mutex
	state          State
	conn           *liveConn
	pending        *attempt
	reconnectTimer *time.Timer
	attempts       int
	epoch          uint64
	listeners      []func(State)
	notes          []State
}

// NewClient validates opts and returns a disconnected Client.
func NewClient(opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL %q: %w", opts.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("websocket URL must use ws or wss, got %q", opts.URL)
	}
	if opts.ConnectTimeout <= 0 {
		return nil, fmt.Errorf("connect timeout must be positive, got %s", opts.ConnectTimeout)
	}
	if opts.ReconnectDelay <= 0 {
		return nil, fmt.Errorf("reconnect delay must be positive, got %s", opts.ReconnectDelay)
	}
	if opts.MaxReconnectAttempts < 0 {
		return nil, fmt.Errorf("max reconnect attempts cannot be negative")
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	metrics.SetConnectionState(string(StateDisconnected), AllStates)

	return &Client{
		opts:     opts,
		registry: NewRegistry(),
		state:    StateDisconnected,
	}, nil
}

// Registry exposes the subscription registry.
func (c *Client) Registry() *Registry {
	return c.registry
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts returns the number of reconnect attempts made since the
// last successful connection.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// OnStateChange registers fn to be called after every state transition.
// fn must not block.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Connect establishes the push connection. It is idempotent: when already
// connected it returns nil, and concurrent callers share one attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	a := c.pending
	if a == nil {
		c.stopReconnectTimerLocked()
		c.attempts = 0
		a = c.startAttemptLocked(false)
	}
	c.unlock()

	return a.wait(ctx)
}

// Disconnect closes the connection, cancels any pending reconnect and
// forgets every subscription. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.epoch++
	c.stopReconnectTimerLocked()
	lc := c.conn
	c.conn = nil
	a := c.pending
	c.pending = nil
	c.attempts = 0
	c.registry.clear()
	c.setStateLocked(StateDisconnected)
	c.unlock()

	if lc != nil {
		if data, err := encodeFrame(frame.New(frame.DISCONNECT)); err == nil {
			_ = lc.write(data)
		}
		lc.close()
		log.Info().Str("url", c.opts.URL).Msg("Push connection closed")
	}
	if a != nil {
		a.finish(chaterr.Connection("connect", errors.New("disconnected before the connection was established")))
	}
}

// Subscribe registers h for the pushes of conversationID, replacing any
// previous registration for it. When connected the topic is subscribed
// immediately; otherwise it is subscribed on the next connection.
func (c *Client) Subscribe(conversationID int64, h Handler) Unsubscribe {
	sub, replaced := c.registry.add(conversationID, h)

	c.mu.Lock()
	lc := c.conn
	c.mu.Unlock()

	if lc != nil {
		if replaced != nil && replaced.sentOn == lc {
			c.sendUnsubscribe(lc, replaced)
		}
		if err := c.sendSubscribe(context.Background(), lc, sub, false); err != nil {
			log.Warn().Err(err).Int64("conversationID", conversationID).Msg("Subscribe failed, will retry on reconnect")
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(sub) })
	}
}

func (c *Client) unsubscribe(sub *subscription) {
	removed, sentOn := c.registry.remove(sub)
	if !removed {
		return
	}
	c.mu.Lock()
	lc := c.conn
	c.mu.Unlock()
	if lc != nil && sentOn == lc {
		c.sendUnsubscribe(lc, sub)
	}
	log.Debug().Int64("conversationID", sub.conversationID).Str("subscription", sub.id).Msg("Unsubscribed")
}

func (c *Client) sendSubscribe(ctx context.Context, lc *liveConn, sub *subscription, awaitReceipt bool) error {
	if !c.registry.markSent(sub, lc) {
		return nil
	}
	f := frame.New(frame.SUBSCRIBE,
		frame.Id, sub.id,
		frame.Destination, Destination(sub.conversationID),
		frame.Ack, "auto",
	)
	var receipt chan struct{}
	if awaitReceipt {
		var receiptID string
		receiptID, receipt = lc.expectReceipt()
		f.Header.Set(frame.Receipt, receiptID)
	}
	data, err := encodeFrame(f)
	if err == nil {
		err = lc.write(data)
	}
	if err != nil {
		c.registry.unmarkSent(sub, lc)
		return fmt.Errorf("subscribe %s: %w", Destination(sub.conversationID), err)
	}
	if receipt == nil {
		return nil
	}
	select {
	case <-receipt:
		return nil
	case <-lc.done:
		c.registry.unmarkSent(sub, lc)
		return fmt.Errorf("subscribe %s: connection closed before receipt", Destination(sub.conversationID))
	case <-ctx.Done():
		c.registry.unmarkSent(sub, lc)
		return fmt.Errorf("subscribe %s: %w", Destination(sub.conversationID), ctx.Err())
	}
}

func (c *Client) sendUnsubscribe(lc *liveConn, sub *subscription) {
	data, err := encodeFrame(frame.New(frame.UNSUBSCRIBE, frame.Id, sub.id))
	if err == nil {
		err = lc.write(data)
	}
	if err != nil {
		log.Warn().Err(err).Str("subscription", sub.id).Msg("Unsubscribe frame not sent")
	}
}

// attempt is one in-flight connection attempt shared by all its waiters.
type attempt struct {
	reconnect bool
	done      chan struct{}
	once      sync.Once
	err       error
}

func (a *attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *attempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return chaterr.Connection("connect", ctx.Err())
	}
}

func (c *Client) startAttemptLocked(reconnect bool) *attempt {
	a := &attempt{reconnect: reconnect, done: make(chan struct{})}
	c.pending = a
	if reconnect {
		c.setStateLocked(StateReconnecting)
	} else {
		c.setStateLocked(StateConnecting)
	}
	go c.run(a, c.epoch)
	return a
}

func (c *Client) run(a *attempt, epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()

	lc, err := c.dial(ctx)
	if err == nil {
		go c.readLoop(lc)
		err = c.establish(ctx, lc, epoch)
	}

	if err != nil {
		if lc != nil {
			lc.close()
		}
		c.mu.Lock()
		if epoch != c.epoch {
			c.unlock()
			return
		}
		c.pending = nil
		if a.reconnect {
			c.scheduleReconnectLocked()
		} else {
			c.setStateLocked(StateDisconnected)
		}
		c.unlock()

		err = chaterr.Connection("connect", err)
		log.Error().Err(err).Str("url", c.opts.URL).Bool("reconnect", a.reconnect).Msg("Push connection attempt failed")
		a.finish(err)
		return
	}

	log.Info().Str("url", c.opts.URL).Int("subscriptions", c.registry.Len()).Msg("Push connection established")
	go c.heartbeatLoop(lc)
	a.finish(nil)
}

// establish replays the registry on lc and, once nothing is left to
// replay, publishes lc as the live connection.
func (c *Client) establish(ctx context.Context, lc *liveConn, epoch uint64) error {
	for {
		for _, sub := range c.registry.pending(lc) {
			if err := c.sendSubscribe(ctx, lc, sub, c.opts.SubscribeReceipts); err != nil {
				return err
			}
		}

		c.mu.Lock()
		if epoch != c.epoch {
			c.mu.Unlock()
			return errors.New("disconnected during connect")
		}
		if len(c.registry.pending(lc)) > 0 {
			c.mu.Unlock()
			continue
		}
		select {
		case <-lc.done:
			c.mu.Unlock()
			return errors.New("connection closed during subscription replay")
		default:
		}
		c.conn = lc
		c.pending = nil
		c.attempts = 0
		c.setStateLocked(StateConnected)
		c.unlock()
		return nil
	}
}

func (c *Client) dial(ctx context.Context) (*liveConn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed: status %s: %w", c.opts.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", c.opts.URL, err)
	}
	lc := newLiveConn(ws)

	u, _ := url.Parse(c.opts.URL)
	hb := c.opts.HeartbeatInterval
	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2,1.1",
		frame.Host, u.Hostname(),
		frame.HeartBeat, formatHeartBeat(hb, hb),
	)
	if c.opts.Token != "" {
		connect.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	data, err := encodeFrame(connect)
	if err == nil {
		err = lc.write(data)
	}
	if err != nil {
		lc.close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			lc.close()
			var ne net.Error
			if ctx.Err() != nil || (errors.As(err, &ne) && ne.Timeout()) {
				return nil, fmt.Errorf("waiting for CONNECTED: %w", context.DeadlineExceeded)
			}
			return nil, fmt.Errorf("waiting for CONNECTED: %w", err)
		}
		f, err := decodeFrame(data)
		if err != nil {
			lc.close()
			return nil, err
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECTED:
			sx, sy, err := parseHeartBeat(f.Header.Get(frame.HeartBeat))
			if err != nil {
				lc.close()
				return nil, err
			}
			lc.outbound, lc.inbound = negotiateHeartBeat(hb, hb, sx, sy)
			_ = ws.SetReadDeadline(time.Time{})
			log.Debug().
				Str("version", f.Header.Get(frame.Version)).
				Dur("heartbeatOut", lc.outbound).
				Dur("heartbeatIn", lc.inbound).
				Msg("STOMP session established")
			return lc, nil
		case frame.ERROR:
			lc.close()
			return nil, fmt.Errorf("broker rejected CONNECT: %s %s", f.Header.Get(frame.Message), string(f.Body))
		default:
			lc.close()
			return nil, fmt.Errorf("unexpected %s frame before CONNECTED", f.Command)
		}
	}
}

func (c *Client) readLoop(lc *liveConn) {
	for {
		if lc.inbound > 0 {
			_ = lc.ws.SetReadDeadline(time.Now().Add(2 * lc.inbound))
		}
		_, data, err := lc.ws.ReadMessage()
		if err != nil {
			c.handleDrop(lc, err)
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			metrics.FramesMalformed.Inc()
			log.Warn().Err(err).Msg("Dropping undecodable STOMP frame")
			continue
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.MESSAGE:
			c.registry.Dispatch(f.Header.Get(frame.Subscription), f.Header.Get(frame.Destination), f.Body)
		case frame.RECEIPT:
			lc.ackReceipt(f.Header.Get(frame.ReceiptId))
		case frame.ERROR:
			c.handleDrop(lc, fmt.Errorf("broker error: %s %s", f.Header.Get(frame.Message), string(f.Body)))
			return
		default:
			log.Debug().Str("command", f.Command).Msg("Ignoring STOMP frame")
		}
	}
}

func (c *Client) heartbeatLoop(lc *liveConn) {
	if lc.outbound <= 0 {
		return
	}
	ticker := time.NewTicker(lc.outbound)
	defer ticker.Stop()
	for {
		select {
		case <-lc.done:
			return
		case <-ticker.C:
			if err := lc.write(heartbeatPayload); err != nil {
				c.handleDrop(lc, err)
				return
			}
		}
	}
}

// handleDrop reacts to the loss of lc. Drops of connections that are not
// live (closed on purpose, or still being established) are ignored.
func (c *Client) handleDrop(lc *liveConn, cause error) {
	lc.close()

	c.mu.Lock()
	if c.conn != lc {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	log.Warn().Err(cause).Str("url", c.opts.URL).Msg("Push connection lost")
	c.scheduleReconnectLocked()
	c.unlock()
}

func (c *Client) scheduleReconnectLocked() {
	if c.attempts >= c.opts.MaxReconnectAttempts {
		log.Error().Int("attempts", c.attempts).Str("url", c.opts.URL).Msg("Giving up on push connection")
		c.attempts = 0
		c.setStateLocked(StateDisconnected)
		return
	}
	c.attempts++
	metrics.ReconnectAttempts.Inc()
	delay := c.opts.ReconnectDelay << (c.attempts - 1)
	epoch := c.epoch
	c.setStateLocked(StateReconnecting)

	log.Info().Int("attempt", c.attempts).Dur("delay", delay).Msg("Scheduling push reconnect")
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if epoch != c.epoch || c.pending != nil || c.state == StateConnected {
			c.mu.Unlock()
			return
		}
		c.reconnectTimer = nil
		c.startAttemptLocked(true)
		c.unlock()
	})
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.notes = append(c.notes, s)
}

// unlock releases c.mu and then reports queued state transitions.
func (c *Client) unlock() {
	notes := c.notes
	c.notes = nil
	listeners := append([]func(State){}, c.listeners...)
	c.mu.Unlock()

	for _, s := range notes {
		metrics.SetConnectionState(string(s), AllStates)
		log.Debug().Str("state", string(s)).Msg("Push connection state changed")
		for _, fn := range listeners {
			fn(s)
		}
	}
}

// liveConn is one websocket carrying one STOMP session.
type liveConn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	done     chan struct{}
	once     sync.Once
	inbound  time.Duration
	outbound time.Duration

	receiptMu sync.Mutex
	receipts  map[string]chan struct{}
	receiptN  int
}

func newLiveConn(ws *websocket.Conn) *liveConn {
	return &liveConn{
		ws:       ws,
		done:     make(chan struct{}),
		receipts: make(map[string]chan struct{}),
	}
}

func (lc *liveConn) write(data []byte) error {
	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()
	select {
	case <-lc.done:
		return errors.New("connection closed")
	default:
	}
	_ = lc.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return lc.ws.WriteMessage(websocket.TextMessage, data)
}

func (lc *liveConn) close() {
	lc.once.Do(func() {
		close(lc.done)
		_ = lc.ws.Close()
	})
}

func (lc *liveConn) expectReceipt() (string, chan struct{}) {
	lc.receiptMu.Lock()
	defer lc.receiptMu.Unlock()
	lc.receiptN++
	id := fmt.Sprintf("receipt-%d", lc.receiptN)
	ch := make(chan struct{})
	lc.receipts[id] = ch
	return id, ch
}

func (lc *liveConn) ackReceipt(id string) {
	lc.receiptMu.Lock()
	defer lc.receiptMu.Unlock()
	if ch, ok := lc.receipts[id]; ok {
		close(ch)
		delete(lc.receipts, id)
	}
}
