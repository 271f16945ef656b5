// Package httpapi serves a small local status surface for a running chat
// session: connection state, mirrored-event deliveries and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"servicechat/internal/delivery"
	"servicechat/internal/services"
)

const defaultDeliveryLimit = 50

// StatusSource exposes the session state. *services.Session implements it.
type StatusSource interface {
	Snapshot() services.State
}

// Deliveries is the event mirror. *delivery.Manager implements it.
type Deliveries interface {
	PendingCount() int
	Pending(limit int) []delivery.Event
	Get(eventID string) (delivery.Event, bool)
	RetryPending() int
	Retry(eventID string) error
	Settings() (maxRetries int, retryBackoff, timeout time.Duration)
	Sinks() []string
}

var _ Deliveries = (*delivery.Manager)(nil)

type server struct {
	session    StatusSource
	deliveries Deliveries
	router     *mux.Router
}

// NewHandler returns the status surface. deliveries may be nil when no
// event sink is configured.
func NewHandler(session StatusSource, deliveries Deliveries) (http.Handler, error) {
	if session == nil {
		return nil, errors.New("session cannot be nil for the status handler")
	}
	s := &server{
		session:    session,
		deliveries: deliveries,
		router:     mux.NewRouter(),
	}
	s.routes()

	c := alice.New(
		hlog.NewHandler(log.Logger),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Status request")
		}),
		hlog.RemoteAddrHandler("ip"),
		hlog.RequestIDHandler("req_id", "Request-Id"),
	)
	return c.Then(s.router), nil
}

func (s *server) routes() {
	s.router.Handle("/status", s.Status()).Methods(http.MethodGet)
	s.router.Handle("/deliveries", s.DeliveryStatus()).Methods(http.MethodGet)
	s.router.Handle("/deliveries/retry", s.ForceRetry()).Methods(http.MethodPost)
	s.router.Handle("/deliveries/retry/{eventId}", s.ForceRetry()).Methods(http.MethodPost)
	s.router.Handle("/deliveries/{eventId}", s.EventStatus()).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Serve runs the status surface on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Status server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Status server shutdown failed")
			return err
		}
		log.Info().Msg("Status server stopped")
		return nil
	}
}

type statusResponse struct {
	Connection           string `json:"connection"`
	Connected            bool   `json:"connected"`
	ReconnectAttempts    int    `json:"reconnect_attempts"`
	SelectedConversation int64  `json:"selected_conversation,omitempty"`
	Conversations        int    `json:"conversations"`
	Messages             int    `json:"messages"`
	HasMore              bool   `json:"has_more"`
	Loading              bool   `json:"loading"`
	Sending              bool   `json:"sending"`
	Error                string `json:"error,omitempty"`
}

// Status reports the session state.
func (s *server) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := s.session.Snapshot()
		resp := statusResponse{
			Connection:        string(st.Connection),
			Connected:         st.Connected,
			ReconnectAttempts: st.ReconnectAttempts,
			Conversations:     len(st.Conversations),
			Messages:          len(st.Messages),
			HasMore:           st.HasMore,
			Loading:           st.LoadingConversations || st.LoadingMessages || st.LoadingMore,
			Sending:           st.Sending,
			Error:             st.Error,
		}
		if st.Selected != nil {
			resp.SelectedConversation = st.Selected.ID
		}
		s.Respond(w, r, http.StatusOK, resp)
	}
}

// DeliveryStatus lists the tracked mirror events and the retry policy.
func (s *server) DeliveryStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deliveries == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, "Event delivery is not configured")
			return
		}

		limit := defaultDeliveryLimit
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		conversation := r.URL.Query().Get("conversation_id")

		events := make([]delivery.Event, 0)
		for _, e := range s.deliveries.Pending(0) {
			if conversation != "" && strconv.FormatInt(e.ConversationID, 10) != conversation {
				continue
			}
			if len(events) < limit {
				events = append(events, e)
			}
		}

		maxRetries, backoff, timeout := s.deliveries.Settings()
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"status":           "running",
			"sinks":            s.deliveries.Sinks(),
			"pending_events":   s.deliveries.PendingCount(),
			"shown_count":      len(events),
			"max_retries":      maxRetries,
			"retry_backoff_ms": backoff.Milliseconds(),
			"timeout_ms":       timeout.Milliseconds(),
			"events":           events,
		})
	}
}

// EventStatus reports one tracked event.
func (s *server) EventStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deliveries == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, "Event delivery is not configured")
			return
		}
		eventID := mux.Vars(r)["eventId"]
		event, ok := s.deliveries.Get(eventID)
		if !ok {
			s.Respond(w, r, http.StatusNotFound, "Event not found or already completed")
			return
		}
		s.Respond(w, r, http.StatusOK, event)
	}
}

// ForceRetry retries one event, or every pending event when no id is given.
func (s *server) ForceRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deliveries == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, "Event delivery is not configured")
			return
		}

		eventID := mux.Vars(r)["eventId"]
		if eventID == "" {
			n := s.deliveries.RetryPending()
			s.Respond(w, r, http.StatusOK, map[string]interface{}{
				"message":   "Retry triggered for pending events",
				"restarted": n,
			})
			return
		}

		if err := s.deliveries.Retry(eventID); err != nil {
			if errors.Is(err, delivery.ErrUnknownEvent) {
				s.Respond(w, r, http.StatusNotFound, "Event not found")
				return
			}
			if errors.Is(err, delivery.ErrClosed) {
				s.Respond(w, r, http.StatusServiceUnavailable, "Event delivery is shutting down")
				return
			}
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		log.Info().Str("eventID", eventID).Msg("Manual retry triggered for event")
		s.Respond(w, r, http.StatusOK, "Retry triggered for event: "+eventID)
	}
}

// Respond writes data in the {code, success, data|error} envelope.
func (s *server) Respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	envelope := map[string]interface{}{
		"code":    status,
		"success": status < http.StatusBadRequest,
	}
	switch v := data.(type) {
	case error:
		envelope["error"] = v.Error()
	case string:
		if status >= http.StatusBadRequest {
			envelope["error"] = v
		} else {
			envelope["data"] = map[string]string{"details": v}
		}
	default:
		envelope["data"] = v
	}

	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to encode JSON response")
	}
}
