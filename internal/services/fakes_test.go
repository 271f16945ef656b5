package services

import (
	"context"
	"sync"

	"servicechat/internal/adapters/chatapi"
	"servicechat/internal/adapters/realtime"
	"servicechat/internal/models"
)

type fetchCall struct {
	chatID int64
	page   int
}

// fakeAPI is an in-memory chat backend.
type fakeAPI struct {
	mu sync.Mutex

	conversations []models.Conversation
	listErr       error
	listCalls     int

	pages     map[int64][][]models.Message
	fetchErr  map[int64]error
	fetchHook func(chatID int64, page int)
	fetches   []fetchCall

	sendErr   error
	sendEmpty bool
	sendHook  func(req chatapi.SendMessageRequest)
	sends     []chatapi.SendMessageRequest
	nextID    int64

	editErr   error
	edits     []int64
	deleteErr error
	deletes   []int64

	questions     []models.CustomQuestion
	questionsErr  error
	questionCalls int

	created *models.Conversation
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		pages:    make(map[int64][][]models.Message),
		fetchErr: make(map[int64]error),
		nextID:   101,
	}
}

func (f *fakeAPI) ListConversations(_ context.Context, _ int64) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]models.Conversation(nil), f.conversations...), nil
}

func (f *fakeAPI) FetchMessages(_ context.Context, chatID int64, page, _ int) ([]models.Message, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, fetchCall{chatID: chatID, page: page})
	hook := f.fetchHook
	f.mu.Unlock()

	if hook != nil {
		hook(chatID, page)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchErr[chatID]; err != nil {
		return nil, err
	}
	pages := f.pages[chatID]
	if page >= len(pages) {
		return []models.Message{}, nil
	}
	return append([]models.Message(nil), pages[page]...), nil
}

func (f *fakeAPI) SendMessage(_ context.Context, req chatapi.SendMessageRequest) (*models.Message, error) {
	f.mu.Lock()
	hook := f.sendHook
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.sendEmpty {
		return &models.Message{}, nil
	}
	id := f.nextID
	f.nextID++
	return &models.Message{ID: id, ChatID: req.ChatID, SenderID: req.SenderID, Content: req.Content, Type: req.Type}, nil
}

func (f *fakeAPI) EditMessage(_ context.Context, messageID, _ int64, content string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, messageID)
	if f.editErr != nil {
		return nil, f.editErr
	}
	return &models.Message{ID: messageID, Content: content, IsEdited: true}, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, messageID, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, messageID)
	return f.deleteErr
}

func (f *fakeAPI) CreateConversation(_ context.Context, customerID, employeeID int64) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created != nil {
		c := *f.created
		return &c, nil
	}
	return &models.Conversation{ID: 500, CustomerID: customerID, EmployeeID: employeeID}, nil
}

func (f *fakeAPI) ListCustomQuestions(_ context.Context) ([]models.CustomQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questionCalls++
	if f.questionsErr != nil {
		return nil, f.questionsErr
	}
	return append([]models.CustomQuestion(nil), f.questions...), nil
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAPI) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

func (f *fakeAPI) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type fakeSubscription struct {
	token   int
	handler realtime.Handler
}

// fakeTransport records subscriptions and lets tests push events.
type fakeTransport struct {
	mu           sync.Mutex
	state        realtime.State
	connectErr   error
	connects     int
	disconnects  int
	listeners    []func(realtime.State)
	subs         map[int64]fakeSubscription
	nextToken    int
	subscribes   []int64
	unsubscribes []int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		state: realtime.StateDisconnected,
		subs:  make(map[int64]fakeSubscription),
	}
}

func (t *fakeTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	t.connects++
	if t.connectErr != nil {
		err := t.connectErr
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()
	t.setState(realtime.StateConnected)
	return nil
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	t.disconnects++
	t.subs = make(map[int64]fakeSubscription)
	t.mu.Unlock()
	t.setState(realtime.StateDisconnected)
}

func (t *fakeTransport) State() realtime.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) ReconnectAttempts() int { return 0 }

func (t *fakeTransport) OnStateChange(fn func(realtime.State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *fakeTransport) Subscribe(conversationID int64, h realtime.Handler) realtime.Unsubscribe {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextToken++
	token := t.nextToken
	t.subs[conversationID] = fakeSubscription{token: token, handler: h}
	t.subscribes = append(t.subscribes, conversationID)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if cur, ok := t.subs[conversationID]; ok && cur.token == token {
				delete(t.subs, conversationID)
				t.unsubscribes = append(t.unsubscribes, conversationID)
			}
		})
	}
}

func (t *fakeTransport) setState(s realtime.State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	listeners := append([]func(realtime.State){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

func (t *fakeTransport) handler(conversationID int64) realtime.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subs[conversationID]; ok {
		return sub.handler
	}
	return nil
}

// push delivers ev to the handler of conversationID, if any.
func (t *fakeTransport) push(conversationID int64, ev models.PushEvent) bool {
	h := t.handler(conversationID)
	if h == nil {
		return false
	}
	h(ev)
	return true
}

func (t *fakeTransport) active() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, 0, len(t.subs))
	for id := range t.subs {
		out = append(out, id)
	}
	return out
}

type mirrored struct {
	eventType      string
	conversationID int64
}

type fakeMirror struct {
	mu     sync.Mutex
	events []mirrored
}

func (m *fakeMirror) Publish(eventType string, conversationID int64, _ interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, mirrored{eventType: eventType, conversationID: conversationID})
	return "evt", nil
}

func (m *fakeMirror) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.eventType
	}
	return out
}
