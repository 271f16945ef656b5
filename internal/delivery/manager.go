package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"servicechat/internal/metrics"
)

// Status is the delivery state of an Event.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

var (
	// ErrUnknownEvent is returned when an event id is not tracked.
	ErrUnknownEvent = errors.New("event not found or already completed")
	// ErrClosed is returned for retries requested after Close.
	ErrClosed = errors.New("delivery manager closed")
)

// Event is one chat event mirrored to the configured sinks.
type Event struct {
	ID             string          `json:"id"`
	EventType      string          `json:"event_type"`
	ConversationID int64           `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	AttemptCount   int             `json:"attempt_count"`
	Status         Status          `json:"status"`
	LastError      string          `json:"last_error,omitempty"`
	Delivered      []string        `json:"delivered_channels,omitempty"`

	inFlight bool
}

// Result is the outcome of one delivery attempt on one sink.
type Result struct {
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"duration_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink is one mirror destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event *Event) error
}

// Manager fans chat events out to every sink in the background and
// retries the sinks that failed.
type Manager struct {
	mu            sync.RWMutex
	pendingEvents map[string]*Event
	sinks         []Sink
	maxRetries    int
	retryBackoff  time.Duration
	timeout       time.Duration
	closed        bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option tunes a Manager.
type Option func(*Manager)

// WithRetryPolicy overrides the attempt limit and the delay between retries.
func WithRetryPolicy(maxRetries int, backoff time.Duration) Option {
	return func(m *Manager) {
		m.maxRetries = maxRetries
		m.retryBackoff = backoff
	}
}

// WithTimeout bounds one delivery round across all sinks.
func WithTimeout(timeout time.Duration) Option {
	return func(m *Manager) { m.timeout = timeout }
}

// NewManager creates a Manager over sinks and starts its retry loop.
func NewManager(sinks []Sink, opts ...Option) (*Manager, error) {
	for i, s := range sinks {
		if s == nil {
			return nil, fmt.Errorf("delivery sink %d cannot be nil", i)
		}
	}
	m := &Manager{
		pendingEvents: make(map[string]*Event),
		sinks:         sinks,
		maxRetries:    3,
		retryBackoff:  2 * time.Second,
		timeout:       10 * time.Second,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxRetries <= 0 {
		return nil, fmt.Errorf("max retries must be positive, got %d", m.maxRetries)
	}
	if m.retryBackoff <= 0 || m.timeout <= 0 {
		return nil, fmt.Errorf("retry backoff and timeout must be positive")
	}

	m.wg.Add(1)
	go m.processRetries()

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	log.Info().
		Strs("sinks", names).
		Int("maxRetries", m.maxRetries).
		Dur("timeout", m.timeout).
		Msg("Delivery manager initialized")
	return m, nil
}

// Close stops the retry loop and waits for in-flight deliveries. No
// delivery starts after Close marked the manager closed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// Publish mirrors payload as an event of eventType for conversationID and
// returns the event id. It never blocks on the sinks.
func (m *Manager) Publish(eventType string, conversationID int64, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	event := &Event{
		ID:             uuid.NewString(),
		EventType:      eventType,
		ConversationID: conversationID,
		Payload:        data,
	}
	m.DeliverEvent(event)
	return event.ID, nil
}

// DeliverEvent tracks event and starts delivering it.
func (m *Manager) DeliverEvent(event *Event) {
	if len(m.sinks) == 0 {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.CreatedAt = time.Now()
	event.Status = StatusPending
	event.inFlight = true

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		log.Warn().Str("eventType", event.EventType).Msg("Delivery manager closed, dropping event")
		return
	}
	m.pendingEvents[event.ID] = event
	m.wg.Add(1)
	m.mu.Unlock()

	log.Debug().
		Str("eventID", event.ID).
		Str("eventType", event.EventType).
		Int64("conversationID", event.ConversationID).
		Msg("Starting parallel delivery")

	go m.processDelivery(event)
}

func (m *Manager) processDelivery(event *Event) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.RLock()
	done := make(map[string]bool, len(event.Delivered))
	for _, name := range event.Delivered {
		done[name] = true
	}
	snapshot := *event
	snapshot.Delivered = nil
	m.mu.RUnlock()

	var wg sync.WaitGroup
	results := make(chan Result, len(m.sinks))
	for _, sink := range m.sinks {
		if done[sink.Name()] {
			continue
		}
		wg.Add(1)
		go func(sink Sink) {
			defer wg.Done()
			results <- m.deliverTo(ctx, sink, &snapshot)
		}(sink)
	}
	wg.Wait()
	close(results)

	var failures []string
	var delivered []string
	for result := range results {
		if result.Success {
			delivered = append(delivered, result.Channel)
		} else {
			failures = append(failures, result.Channel+": "+result.Error)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	event.inFlight = false
	event.Delivered = append(event.Delivered, delivered...)
	sort.Strings(event.Delivered)
	if len(failures) == 0 {
		event.Status = StatusDelivered
		event.LastError = ""
		delete(m.pendingEvents, event.ID)
		log.Debug().
			Str("eventID", event.ID).
			Int("channelsDelivered", len(event.Delivered)).
			Msg("Event delivered to all channels")
		return
	}

	event.AttemptCount++
	event.LastError = strings.Join(failures, "; ")
	if event.AttemptCount >= m.maxRetries {
		event.Status = StatusFailed
		log.Error().
			Str("eventID", event.ID).
			Int("attemptCount", event.AttemptCount).
			Str("lastError", event.LastError).
			Msg("Event delivery failed permanently")
		return
	}
	log.Warn().
		Str("eventID", event.ID).
		Int("attemptCount", event.AttemptCount).
		Int("maxRetries", m.maxRetries).
		Msg("Event delivery partially failed, will retry")
}

func (m *Manager) deliverTo(ctx context.Context, sink Sink, event *Event) Result {
	start := time.Now()
	result := Result{Channel: sink.Name(), Timestamp: start}

	err := sink.Deliver(ctx, event)
	result.Duration = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		metrics.DeliveryResults.WithLabelValues(sink.Name(), "failed").Inc()
		log.Error().Err(err).Str("eventID", event.ID).Str("channel", sink.Name()).Msg("Event delivery failed")
		return result
	}
	result.Success = true
	metrics.DeliveryResults.WithLabelValues(sink.Name(), "delivered").Inc()
	log.Debug().Str("eventID", event.ID).Str("channel", sink.Name()).Int64("durationMs", result.Duration).Msg("Event delivered")
	return result
}

func (m *Manager) processRetries() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.retryBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.RetryPending()
		}
	}
}

// RetryPending restarts delivery of every pending event whose last attempt
// is older than the retry backoff. It returns how many were restarted.
func (m *Manager) RetryPending() int {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0
	}
	toRetry := make([]*Event, 0)
	for _, event := range m.pendingEvents {
		if event.Status == StatusPending && !event.inFlight &&
			event.AttemptCount < m.maxRetries &&
			time.Since(event.CreatedAt) > m.retryBackoff {
			event.inFlight = true
			toRetry = append(toRetry, event)
		}
	}
	m.wg.Add(len(toRetry))
	m.mu.Unlock()

	for _, event := range toRetry {
		log.Info().Str("eventID", event.ID).Int("attemptCount", event.AttemptCount).Msg("Retrying event delivery")
		go m.processDelivery(event)
	}
	return len(toRetry)
}

// Retry resets the attempt counter of eventID and delivers it again,
// including events that already failed permanently.
func (m *Manager) Retry(eventID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	event, ok := m.pendingEvents[eventID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", eventID, ErrUnknownEvent)
	}
	if event.inFlight {
		m.mu.Unlock()
		return nil
	}
	event.AttemptCount = 0
	event.Status = StatusPending
	event.inFlight = true
	m.wg.Add(1)
	m.mu.Unlock()

	log.Info().Str("eventID", eventID).Msg("Manual retry triggered for event")
	go m.processDelivery(event)
	return nil
}

// PendingCount returns the number of tracked undelivered events.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pendingEvents)
}

// Get returns a copy of a tracked event.
func (m *Manager) Get(eventID string) (Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	event, ok := m.pendingEvents[eventID]
	if !ok {
		return Event{}, false
	}
	return copyEvent(event), true
}

// Pending returns copies of up to limit tracked events, oldest first.
// A non-positive limit returns all of them.
func (m *Manager) Pending(limit int) []Event {
	m.mu.RLock()
	events := make([]Event, 0, len(m.pendingEvents))
	for _, event := range m.pendingEvents {
		events = append(events, copyEvent(event))
	}
	m.mu.RUnlock()

	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}

// Settings reports the retry policy for status output.
func (m *Manager) Settings() (maxRetries int, retryBackoff, timeout time.Duration) {
	return m.maxRetries, m.retryBackoff, m.timeout
}

// Sinks returns the names of the configured sinks.
func (m *Manager) Sinks() []string {
	names := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		names = append(names, s.Name())
	}
	return names
}

func copyEvent(e *Event) Event {
	c := *e
	c.Delivered = append([]string(nil), e.Delivered...)
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return c
}
