package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// fakeBroker is a minimal STOMP-over-websocket broker for tests.
type fakeBroker struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	conns         []*brokerConn
	frames        []*frame.Frame
	authHeaders   []string
	connects      int
	heartbeats    int
	rejectConnect bool
	silent        bool
	heartBeat     string
}

type brokerConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string]string
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	b := &fakeBroker{heartBeat: "0,0"}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(func() {
		b.dropAll()
		b.srv.Close()
	})
	return b
}

func (b *fakeBroker) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
}

func (b *fakeBroker) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	bc := &brokerConn{ws: ws, subs: make(map[string]string)}
	b.mu.Lock()
	b.authHeaders = append(b.authHeaders, r.Header.Get("Authorization"))
	b.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			continue
		}
		if f == nil {
			b.mu.Lock()
			b.heartbeats++
			b.mu.Unlock()
			continue
		}

		b.mu.Lock()
		b.frames = append(b.frames, f)
		b.mu.Unlock()

		switch f.Command {
		case frame.CONNECT:
			b.mu.Lock()
			b.connects++
			reject, silent, hb := b.rejectConnect, b.silent, b.heartBeat
			b.mu.Unlock()
			if silent {
				continue
			}
			if reject {
				bc.send(frame.New(frame.ERROR, frame.Message, "bad credentials"))
				return
			}
			b.mu.Lock()
			b.conns = append(b.conns, bc)
			b.mu.Unlock()
			bc.send(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, hb))
		case frame.SUBSCRIBE:
			bc.mu.Lock()
			bc.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
			bc.mu.Unlock()
			if receipt := f.Header.Get(frame.Receipt); receipt != "" {
				bc.send(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
			}
		case frame.UNSUBSCRIBE:
			bc.mu.Lock()
			delete(bc.subs, f.Header.Get(frame.Id))
			bc.mu.Unlock()
		case frame.DISCONNECT:
			return
		}
	}
}

func (bc *brokerConn) send(f *frame.Frame) {
	data, err := encodeFrame(f)
	if err != nil {
		return
	}
	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()
	_ = bc.ws.WriteMessage(websocket.TextMessage, data)
}

// push publishes body on the conversation's topic and returns how many
// subscriptions it reached.
func (b *fakeBroker) push(conversationID int64, body string) int {
	dest := Destination(conversationID)
	b.mu.Lock()
	conns := append([]*brokerConn{}, b.conns...)
	b.mu.Unlock()

	sent := 0
	for _, bc := range conns {
		bc.mu.Lock()
		var ids []string
		for id, d := range bc.subs {
			if d == dest {
				ids = append(ids, id)
			}
		}
		bc.mu.Unlock()
		for _, id := range ids {
			f := frame.New(frame.MESSAGE,
				frame.Destination, dest,
				frame.Subscription, id,
				frame.MessageId, "m-"+id,
			)
			f.Body = []byte(body)
			bc.send(f)
			sent++
		}
	}
	return sent
}

func (b *fakeBroker) dropAll() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, bc := range conns {
		_ = bc.ws.Close()
	}
}

// destinations returns the topics subscribed on the newest live connection.
func (b *fakeBroker) destinations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	bc := b.conns[len(b.conns)-1]
	bc.mu.Lock()
	defer bc.mu.Unlock()
	var out []string
	for _, d := range bc.subs {
		out = append(out, d)
	}
	return out
}

func (b *fakeBroker) received(command string) []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*frame.Frame
	for _, f := range b.frames {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

func (b *fakeBroker) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *fakeBroker) set(fn func(b *fakeBroker)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}
