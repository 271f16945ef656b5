package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicechat/internal/adapters/realtime"
	"servicechat/internal/delivery"
	"servicechat/internal/models"
	"servicechat/internal/services"
)

type staticSession struct {
	state services.State
}

func (s staticSession) Snapshot() services.State { return s.state }

type fakeDeliveries struct {
	events   []delivery.Event
	retried  []string
	retryAll int
}

func (f *fakeDeliveries) PendingCount() int { return len(f.events) }

func (f *fakeDeliveries) Pending(limit int) []delivery.Event {
	if limit > 0 && len(f.events) > limit {
		return f.events[:limit]
	}
	return f.events
}

func (f *fakeDeliveries) Get(eventID string) (delivery.Event, bool) {
	for _, e := range f.events {
		if e.ID == eventID {
			return e, true
		}
	}
	return delivery.Event{}, false
}

func (f *fakeDeliveries) RetryPending() int {
	f.retryAll++
	return len(f.events)
}

func (f *fakeDeliveries) Retry(eventID string) error {
	if _, ok := f.Get(eventID); !ok {
		return fmt.Errorf("%s: %w", eventID, delivery.ErrUnknownEvent)
	}
	f.retried = append(f.retried, eventID)
	return nil
}

func (f *fakeDeliveries) Settings() (int, time.Duration, time.Duration) {
	return 3, 2 * time.Second, 10 * time.Second
}

func (f *fakeDeliveries) Sinks() []string { return []string{"webhook"} }

type envelope struct {
	Code    int             `json:"code"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func newTestHandler(t *testing.T, deliveries Deliveries) http.Handler {
	t.Helper()
	selected := models.Conversation{ID: 42}
	session := staticSession{state: services.State{
		Conversations:     []models.Conversation{selected, {ID: 43}},
		Selected:          &selected,
		Messages:          []models.Message{{ID: 101}, {ID: 100}},
		Connection:        realtime.StateReconnecting,
		ReconnectAttempts: 2,
		Error:             "fetch messages: timeout",
	}}
	h, err := NewHandler(session, deliveries)
	require.NoError(t, err)
	return h
}

func TestNewHandlerRequiresSession(t *testing.T) {
	_, err := NewHandler(nil, nil)
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	h := newTestHandler(t, nil)

	rec, env := do(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	var st statusResponse
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, "reconnecting", st.Connection)
	assert.False(t, st.Connected)
	assert.Equal(t, 2, st.ReconnectAttempts)
	assert.Equal(t, int64(42), st.SelectedConversation)
	assert.Equal(t, 2, st.Conversations)
	assert.Equal(t, 2, st.Messages)
	assert.Equal(t, "fetch messages: timeout", st.Error)
}

func TestDeliveriesWithoutSinks(t *testing.T) {
	h := newTestHandler(t, nil)

	rec, env := do(t, h, http.MethodGet, "/deliveries")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Error)

	rec, _ = do(t, h, http.MethodPost, "/deliveries/retry")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDeliveryStatus(t *testing.T) {
	deliveries := &fakeDeliveries{events: []delivery.Event{
		{ID: "a", EventType: "NEW_MESSAGE", ConversationID: 42, Status: delivery.StatusPending},
		{ID: "b", EventType: "MESSAGE_SENT", ConversationID: 43, Status: delivery.StatusFailed},
		{ID: "c", EventType: "EDIT_MESSAGE", ConversationID: 42, Status: delivery.StatusPending},
	}}
	h := newTestHandler(t, deliveries)

	rec, env := do(t, h, http.MethodGet, "/deliveries?conversation_id=42&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		PendingEvents int              `json:"pending_events"`
		ShownCount    int              `json:"shown_count"`
		MaxRetries    int              `json:"max_retries"`
		Sinks         []string         `json:"sinks"`
		Events        []delivery.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, 3, body.PendingEvents)
	assert.Equal(t, 1, body.ShownCount)
	assert.Equal(t, 3, body.MaxRetries)
	assert.Equal(t, []string{"webhook"}, body.Sinks)
	require.Len(t, body.Events, 1)
	assert.Equal(t, "a", body.Events[0].ID)

	rec, env = do(t, h, http.MethodGet, "/deliveries/b")
	require.Equal(t, http.StatusOK, rec.Code)
	var event delivery.Event
	require.NoError(t, json.Unmarshal(env.Data, &event))
	assert.Equal(t, delivery.StatusFailed, event.Status)

	rec, _ = do(t, h, http.MethodGet, "/deliveries/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForceRetry(t *testing.T) {
	deliveries := &fakeDeliveries{events: []delivery.Event{{ID: "a", ConversationID: 42}}}
	h := newTestHandler(t, deliveries)

	rec, _ := do(t, h, http.MethodPost, "/deliveries/retry")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, deliveries.retryAll)

	rec, _ = do(t, h, http.MethodPost, "/deliveries/retry/a")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"a"}, deliveries.retried)

	rec, env := do(t, h, http.MethodPost, "/deliveries/retry/zzz")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Event not found", env.Error)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, &fakeDeliveries{})
	rec, _ := do(t, h, http.MethodPost, "/status")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
