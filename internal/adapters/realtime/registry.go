package realtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"servicechat/internal/chaterr"
	"servicechat/internal/metrics"
	"servicechat/internal/models"
)

const topicPrefix = "/topic/chat/"

// Destination returns the topic a conversation's pushes are published on.
func Destination(conversationID int64) string {
	return topicPrefix + strconv.FormatInt(conversationID, 10)
}

func conversationFromDestination(dest string) (int64, bool) {
	if !strings.HasPrefix(dest, topicPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(dest, topicPrefix), 10, 64)
	return id, err == nil
}

// Handler receives the typed push events of one conversation.
type Handler func(models.PushEvent)

type subscription struct {
	conversationID int64
	id             string
	handler        Handler
	sentOn         *liveConn
}

// Registry maps conversation ids to their delivery callback. A
// conversation has at most one registration at a time.
type Registry struct {
	mu             sync.RWMutex
	byConversation map[int64]*subscription
	byID           map[string]*subscription
	nextID         uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConversation: make(map[int64]*subscription),
		byID:           make(map[string]*subscription),
	}
}

// add registers h for conversationID and returns the registration it
// displaced, if any.
func (r *Registry) add(conversationID int64, h Handler) (*subscription, *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &subscription{
		conversationID: conversationID,
		id:             fmt.Sprintf("sub-%d", r.nextID),
		handler:        h,
	}
	replaced := r.byConversation[conversationID]
	if replaced != nil {
		delete(r.byID, replaced.id)
	}
	r.byConversation[conversationID] = sub
	r.byID[sub.id] = sub
	return sub, replaced
}

// remove drops sub if it is still the active registration. It reports
// whether anything was removed and the connection sub was sent on.
func (r *Registry) remove(sub *subscription) (bool, *liveConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byConversation[sub.conversationID] != sub {
		return false, nil
	}
	delete(r.byConversation, sub.conversationID)
	delete(r.byID, sub.id)
	return true, sub.sentOn
}

// markSent records that sub was subscribed on lc. It returns false if that
// already happened or sub is no longer registered.
func (r *Registry) markSent(sub *subscription, lc *liveConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byID[sub.id] != sub || sub.sentOn == lc {
		return false
	}
	sub.sentOn = lc
	return true
}

func (r *Registry) unmarkSent(sub *subscription, lc *liveConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.sentOn == lc {
		sub.sentOn = nil
	}
}

// pending lists registrations not yet subscribed on lc.
func (r *Registry) pending(lc *liveConn) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*subscription, 0, len(r.byConversation))
	for _, sub := range r.byConversation {
		if sub.sentOn != lc {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].conversationID < out[j].conversationID })
	return out
}

func (r *Registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConversation = make(map[int64]*subscription)
	r.byID = make(map[string]*subscription)
}

// Len returns the number of active registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConversation)
}

// Dispatch routes a MESSAGE frame body to the matching conversation's
// callback. The subscription id wins over the destination. Malformed or
// unroutable frames are logged and dropped.
func (r *Registry) Dispatch(subscriptionID, destination string, body []byte) {
	sub := r.lookup(subscriptionID, destination)
	if sub == nil {
		log.Debug().Str("subscription", subscriptionID).Str("destination", destination).Msg("Dropping frame for unknown subscription")
		return
	}

	var event models.PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		r.dropMalformed(sub.conversationID, chaterr.Malformed("decode push frame", err))
		return
	}
	if err := event.Validate(); err != nil {
		r.dropMalformed(sub.conversationID, chaterr.Malformed("validate push frame", err))
		return
	}
	if event.Action != models.ActionDeleteMessage && event.Message.ChatID != 0 && event.Message.ChatID != sub.conversationID {
		r.dropMalformed(sub.conversationID, chaterr.Malformed("route push frame",
			fmt.Errorf("message %d belongs to conversation %d", event.Message.ID, event.Message.ChatID)))
		return
	}

	metrics.FramesReceived.WithLabelValues(string(event.Action)).Inc()
	log.Debug().
		Int64("conversationID", sub.conversationID).
		Str("action", string(event.Action)).
		Int64("messageID", event.TargetID()).
		Msg("Push event received")

	sub.handler(event)
}

func (r *Registry) lookup(subscriptionID, destination string) *subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if sub, ok := r.byID[subscriptionID]; ok {
		return sub
	}
	if id, ok := conversationFromDestination(destination); ok {
		return r.byConversation[id]
	}
	return nil
}

func (r *Registry) dropMalformed(conversationID int64, err error) {
	metrics.FramesMalformed.Inc()
	log.Warn().Err(err).Int64("conversationID", conversationID).Msg("Dropping malformed push frame")
}
