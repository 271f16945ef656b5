package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"servicechat/internal/adapters/chatapi"
	"servicechat/internal/adapters/realtime"
	"servicechat/internal/chaterr"
	"servicechat/internal/models"
)

// Mirrored event types for locally confirmed operations. Ingested pushes
// are mirrored under their push action.
const (
	EventMessageSent    = "MESSAGE_SENT"
	EventMessageEdited  = "MESSAGE_EDITED"
	EventMessageDeleted = "MESSAGE_DELETED"
)

// ErrBlankContent is returned when a send or edit carries only whitespace.
var ErrBlankContent = errors.New("message content is blank")

// SessionConfig carries the collaborators of a Session. Journal and Mirror
// are optional.
type SessionConfig struct {
	Identity  models.Identity
	API       ChatAPI
	Transport Transport
	Directory *DirectoryService
	History   *HistoryService
	Catalog   *CatalogService
	Journal   Journal
	Mirror    Mirror
}

// State is an immutable copy of the session as presented to UI layers.
type State struct {
	Conversations        []models.Conversation   `json:"conversations"`
	Selected             *models.Conversation    `json:"selected,omitempty"`
	Messages             []models.Message        `json:"messages"`
	Questions            []models.CustomQuestion `json:"questions"`
	QuestionGroups       []QuestionGroup         `json:"questionGroups"`
	Page                 int                     `json:"page"`
	HasMore              bool                    `json:"hasMore"`
	LoadingConversations bool                    `json:"loadingConversations"`
	LoadingMessages      bool                    `json:"loadingMessages"`
	LoadingMore          bool                    `json:"loadingMore"`
	Sending              bool                    `json:"sending"`
	Connection           realtime.State          `json:"connection"`
	Connected            bool                    `json:"connected"`
	ReconnectAttempts    int                     `json:"reconnectAttempts"`
	Error                string                  `json:"error,omitempty"`
}

// Session owns the chat state of one signed-in participant: the
// conversation directory, the selected conversation and its messages, and
// the canned-question catalog. Every mutation happens under mu; network
// calls run outside it and their results are applied only if the
// selection they were started for is still current.
type Session struct {
	identity  models.Identity
	api       ChatAPI
	transport Transport
	directory *DirectoryService
	history   *HistoryService
	catalog   *CatalogService
	journal   Journal
	mirror    Mirror

	subMu sync.Mutex

	mu                   sync.Mutex
	conversations        []models.Conversation
	selected             *models.Conversation
	messages             *Reconciler
	page                 int
	hasMore              bool
	loadingConversations bool
	loadingMessages      bool
	loadingMore          bool
	sending              int
	questions            []models.CustomQuestion
	groups               []QuestionGroup
	lastErr              error
	selectGen            uint64
	pageGen              uint64
	unsubscribe          realtime.Unsubscribe
	connState            realtime.State
	closed               bool

	updates chan struct{}
}

// NewSession creates a Session and starts following the transport state.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("chat API client cannot be nil for Session")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("push transport cannot be nil for Session")
	}
	if cfg.Directory == nil || cfg.History == nil || cfg.Catalog == nil {
		return nil, fmt.Errorf("directory, history and catalog services are required for Session")
	}

	s := &Session{
		identity:  cfg.Identity,
		api:       cfg.API,
		transport: cfg.Transport,
		directory: cfg.Directory,
		history:   cfg.History,
		catalog:   cfg.Catalog,
		journal:   cfg.Journal,
		mirror:    cfg.Mirror,
		messages:  NewReconciler(),
		connState: cfg.Transport.State(),
		updates:   make(chan struct{}, 1),
	}
	cfg.Transport.OnStateChange(s.onConnectionState)
	return s, nil
}

// Updates returns a channel signalled after every state change. Signals
// are coalesced: a reader that falls behind sees one pending signal.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) onConnectionState(st realtime.State) {
	s.mu.Lock()
	prev := s.connState
	s.connState = st
	if st == realtime.StateDisconnected && !s.closed {
		switch prev {
		case realtime.StateReconnecting:
			s.setErrorLocked(chaterr.Connection("reconnect", errors.New("reconnect attempts exhausted")))
		case realtime.StateConnected:
			s.setErrorLocked(chaterr.Connection("reconnect", errors.New("connection lost and reconnect is disabled")))
		}
	}
	s.mu.Unlock()

	log.Info().Str("state", string(st)).Msg("Chat connection state changed")
	s.notify()
}

func (s *Session) setErrorLocked(err error) {
	s.lastErr = err
	log.Warn().Err(err).Str("kind", chaterr.KindOf(err).String()).Msg("Chat session error")
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.setErrorLocked(err)
	s.mu.Unlock()
	s.notify()
}

// Start connects the transport and loads the directory and the catalog.
// Failures are surfaced on the session state and returned together.
func (s *Session) Start(ctx context.Context) error {
	var errs []error
	if err := s.Connect(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.LoadConversations(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.LoadQuestions(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Connect opens the push connection.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		s.setError(err)
		return err
	}
	return nil
}

// LoadConversations reloads the conversation directory.
func (s *Session) LoadConversations(ctx context.Context) error {
	if !s.identity.Known() {
		return chaterr.NotReady("list conversations", "session identity is unknown")
	}

	s.mu.Lock()
	s.loadingConversations = true
	s.mu.Unlock()
	s.notify()

	conversations, err := s.directory.ListConversations(ctx, s.identity.ID)

	s.mu.Lock()
	s.loadingConversations = false
	if err != nil {
		s.setErrorLocked(err)
	} else {
		if s.selected != nil {
			for i := range conversations {
				if conversations[i].ID == s.selected.ID {
					conversations[i].UnreadCount = 0
				}
			}
		}
		s.conversations = conversations
	}
	s.mu.Unlock()
	s.notify()
	return err
}

// LoadQuestions loads the canned-question catalog, from cache when fresh.
func (s *Session) LoadQuestions(ctx context.Context) error {
	return s.loadQuestions(ctx, false)
}

func (s *Session) loadQuestions(ctx context.Context, refresh bool) error {
	var (
		questions []models.CustomQuestion
		err       error
	)
	if refresh {
		questions, err = s.catalog.Refresh(ctx)
	} else {
		questions, err = s.catalog.Questions(ctx)
	}

	s.mu.Lock()
	if err != nil {
		s.setErrorLocked(err)
	} else {
		s.questions = questions
		s.groups = GroupByCategory(questions)
	}
	s.mu.Unlock()
	s.notify()
	return err
}

// SelectConversation makes conv the active conversation: the previous
// topic is unsubscribed, page 0 of conv is fetched and conv's topic is
// subscribed. The subscription is made even when the fetch fails.
// Selecting the already selected conversation is a no-op.
func (s *Session) SelectConversation(ctx context.Context, conv models.Conversation) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chaterr.NotReady("select conversation", "session is closed")
	}
	if s.selected != nil && s.selected.ID == conv.ID {
		s.mu.Unlock()
		return nil
	}
	prev := s.unsubscribe
	s.unsubscribe = nil
	s.selectGen++
	s.pageGen++
	gen, pageGen := s.selectGen, s.pageGen

	conv = conv.WithOtherParty(s.identity.ID)
	conv.UnreadCount = 0
	s.selected = &conv
	for i := range s.conversations {
		if s.conversations[i].ID == conv.ID {
			s.conversations[i].UnreadCount = 0
		}
	}
	s.messages.Reset()
	s.page = 0
	s.hasMore = false
	s.loadingMessages = true
	s.loadingMore = false
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
	s.notify()
	log.Info().Int64("conversationID", conv.ID).Int64("otherPartyID", conv.OtherPartyID).Msg("Conversation selected")

	page, err := s.history.FetchPage(ctx, conv.ID, 0)

	s.mu.Lock()
	current := gen == s.selectGen && pageGen == s.pageGen
	if current {
		s.loadingMessages = false
		if err != nil {
			s.setErrorLocked(err)
		} else {
			s.messages.ReplaceAll(page.Messages)
			s.page = 0
			s.hasMore = page.HasMore
		}
	}
	s.mu.Unlock()
	if !current {
		log.Debug().Int64("conversationID", conv.ID).Msg("Discarding stale history page")
	}
	s.notify()

	s.subscribe(gen, conv.ID)
	if !current {
		return nil
	}
	return err
}

// subscribe registers the push handler for convID if gen is still the
// current selection.
func (s *Session) subscribe(gen uint64, convID int64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.mu.Lock()
	done := s.closed || gen != s.selectGen || s.unsubscribe != nil
	s.mu.Unlock()
	if done {
		return
	}

	unsub := s.transport.Subscribe(convID, func(ev models.PushEvent) {
		s.handlePush(gen, convID, ev)
	})

	s.mu.Lock()
	if s.closed || gen != s.selectGen {
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsubscribe = unsub
	s.mu.Unlock()
}

func (s *Session) handlePush(gen uint64, convID int64, ev models.PushEvent) {
	s.mu.Lock()
	if s.closed || gen != s.selectGen || s.selected == nil || s.selected.ID != convID {
		s.mu.Unlock()
		log.Debug().Int64("conversationID", convID).Str("action", string(ev.Action)).Msg("Ignoring push for inactive conversation")
		return
	}

	var result IngestResult
	var settle *models.Message
	switch ev.Action {
	case models.ActionNewMessage:
		if ev.Message == nil {
			break
		}
		m := *ev.Message
		if m.ChatID == 0 {
			m.ChatID = convID
		}
		m = hydrateSender(m, s.identity, *s.selected)
		result = s.messages.Insert(m, SourcePush)
		if result == ResultInserted {
			s.touchLocked(m)
			if s.journal != nil && m.SenderID == s.identity.ID {
				settle = &m
			}
		}
	case models.ActionEditMessage:
		if ev.Message == nil {
			break
		}
		result = s.messages.ApplyEdit(*ev.Message, SourcePush)
	case models.ActionDeleteMessage:
		result = s.messages.Tombstone(ev.TargetID(), SourcePush)
	}
	s.mu.Unlock()

	log.Debug().
		Int64("conversationID", convID).
		Str("action", string(ev.Action)).
		Int64("messageID", ev.TargetID()).
		Str("result", string(result)).
		Msg("Push ingested")
	if settle != nil {
		s.settleJournaled(*settle)
	}
	s.notify()
	s.publish(string(ev.Action), convID, ev)
}

// touchLocked updates the directory preview of m's conversation.
func (s *Session) touchLocked(m models.Message) {
	ts := m.CreatedAt
	for i := range s.conversations {
		if s.conversations[i].ID == m.ChatID {
			s.conversations[i].LastMessage = m.Content
			s.conversations[i].LastMessageTime = &ts
		}
	}
	if s.selected != nil && s.selected.ID == m.ChatID {
		s.selected.LastMessage = m.Content
		s.selected.LastMessageTime = &ts
	}
}

// SendMessage sends content to the selected conversation. kind defaults to
// TEXT; questionID is required for CUSTOM_QUESTION. A failed send is
// surfaced on the session state, recorded in the journal and returned.
func (s *Session) SendMessage(ctx context.Context, content string, kind models.MessageType, questionID *int64) (models.Message, error) {
	s.mu.Lock()
	if s.selected == nil {
		s.mu.Unlock()
		return models.Message{}, chaterr.NotReady("send message", "no conversation selected")
	}
	if !s.identity.Known() {
		s.mu.Unlock()
		return models.Message{}, chaterr.NotReady("send message", "sender identity is unknown")
	}
	if strings.TrimSpace(content) == "" {
		s.mu.Unlock()
		return models.Message{}, ErrBlankContent
	}
	if kind == "" {
		kind = models.MessageTypeText
	}
	if !kind.Valid() {
		s.mu.Unlock()
		return models.Message{}, fmt.Errorf("unknown message type %q", kind)
	}
	if kind == models.MessageTypeCustomQuestion && questionID == nil {
		s.mu.Unlock()
		return models.Message{}, fmt.Errorf("%s message requires a question id", kind)
	}

	req := chatapi.SendMessageRequest{
		ChatID:           s.selected.ID,
		SenderID:         s.identity.ID,
		Content:          content,
		Type:             kind,
		CustomQuestionID: questionID,
	}
	since := s.messages.Newest()
	s.sending++
	s.mu.Unlock()
	s.notify()

	sent, err := s.api.SendMessage(ctx, req)
	if err == nil && (sent == nil || sent.ID <= 0) {
		err = chaterr.Send("send message", errors.New("response without id"))
	}

	s.mu.Lock()
	s.sending--
	if err != nil {
		_, echoed := s.pushedCopyLocked(req, since)
		s.setErrorLocked(err)
		s.mu.Unlock()
		s.notify()
		if echoed {
			log.Info().Int64("conversationID", req.ChatID).Msg("Send failed but its push copy arrived, not journaling")
		} else {
			s.recordFailure(req, err, since)
		}
		return models.Message{}, err
	}
	m := HydrateSent(*sent, req, s.identity, time.Now())
	s.ingestSentLocked(m)
	s.mu.Unlock()

	log.Info().Int64("conversationID", m.ChatID).Int64("messageID", m.ID).Str("type", string(m.Type)).Msg("Message sent")
	s.notify()
	s.publish(EventMessageSent, m.ChatID, m)
	return m, nil
}

func (s *Session) ingestSentLocked(m models.Message) {
	if s.selected != nil && s.selected.ID == m.ChatID {
		if s.messages.Insert(m, SourceSend) == ResultInserted {
			s.touchLocked(m)
		}
		return
	}
	s.touchLocked(m)
}

// pushedCopyLocked reports whether a push delivered req's message after
// the list's newest id was since.
func (s *Session) pushedCopyLocked(req chatapi.SendMessageRequest, since int64) (models.Message, bool) {
	if s.selected == nil || s.selected.ID != req.ChatID {
		return models.Message{}, false
	}
	return s.messages.NewerMatch(since, func(m models.Message) bool {
		return sameSend(m, req.SenderID, req.Content)
	})
}

func sameSend(m models.Message, senderID int64, content string) bool {
	return m.SenderID == senderID && m.Content == content && !m.IsDeleted
}

// settleJournaled closes the journal entry of a failed send once its push
// copy shows that the backend stored it after all.
func (s *Session) settleJournaled(m models.Message) {
	pending, err := s.journal.Pending(m.ChatID)
	if err != nil {
		log.Warn().Err(err).Int64("conversationID", m.ChatID).Msg("Could not check failed sends against push")
		return
	}
	for _, e := range pending {
		if e.SenderID == m.SenderID && e.Content == m.Content {
			if err := s.journal.MarkSent(e.ID, m.ID); err != nil {
				log.Warn().Err(err).Uint("journalID", e.ID).Msg("Could not settle failed send")
			}
			return
		}
	}
}

// recordFailure journals a failed send. A push copy that lands while the
// entry is written settles it right away.
func (s *Session) recordFailure(req chatapi.SendMessageRequest, cause error, since int64) {
	if s.journal == nil {
		return
	}
	kind := chaterr.KindOf(cause)
	if kind != chaterr.KindSend && kind != chaterr.KindTimeout {
		return
	}
	entry, err := s.journal.Record(models.FailedSend{
		ChatID:           req.ChatID,
		SenderID:         req.SenderID,
		Content:          req.Content,
		Type:             string(req.Type),
		CustomQuestionID: req.CustomQuestionID,
		LastError:        cause.Error(),
	})
	if err != nil {
		log.Warn().Err(err).Int64("conversationID", req.ChatID).Msg("Failed send was not journaled")
		return
	}

	s.mu.Lock()
	echo, ok := s.pushedCopyLocked(req, since)
	s.mu.Unlock()
	if ok {
		if err := s.journal.MarkSent(entry.ID, echo.ID); err != nil {
			log.Warn().Err(err).Uint("journalID", entry.ID).Msg("Could not settle failed send")
		}
	}
}

// EditMessage replaces the content of message id. The local list changes
// only after the backend confirmed the edit.
func (s *Session) EditMessage(ctx context.Context, id int64, content string) (models.Message, error) {
	gen, convID, err := s.requireSelection("edit message")
	if err != nil {
		return models.Message{}, err
	}
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrBlankContent
	}

	updated, err := s.api.EditMessage(ctx, id, s.identity.ID, content)
	if err != nil {
		s.setError(err)
		return models.Message{}, err
	}
	edited := models.Message{ID: id, ChatID: convID, Content: content}
	if updated != nil {
		edited = *updated
		if edited.ID == 0 {
			edited.ID = id
		}
		if edited.Content == "" {
			edited.Content = content
		}
	}

	s.mu.Lock()
	if gen == s.selectGen {
		s.messages.ApplyEdit(edited, SourceSend)
	}
	s.mu.Unlock()

	log.Info().Int64("conversationID", convID).Int64("messageID", id).Msg("Message edited")
	s.notify()
	s.publish(EventMessageEdited, convID, edited)
	return edited, nil
}

// DeleteMessage deletes message id. The local entry becomes a tombstone
// once the backend confirmed the delete.
func (s *Session) DeleteMessage(ctx context.Context, id int64) error {
	gen, convID, err := s.requireSelection("delete message")
	if err != nil {
		return err
	}

	if err := s.api.DeleteMessage(ctx, id, s.identity.ID); err != nil {
		s.setError(err)
		return err
	}

	s.mu.Lock()
	if gen == s.selectGen {
		s.messages.Tombstone(id, SourceSend)
	}
	s.mu.Unlock()

	log.Info().Int64("conversationID", convID).Int64("messageID", id).Msg("Message deleted")
	s.notify()
	s.publish(EventMessageDeleted, convID, map[string]int64{"messageId": id})
	return nil
}

func (s *Session) requireSelection(op string) (uint64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return 0, 0, chaterr.NotReady(op, "no conversation selected")
	}
	if !s.identity.Known() {
		return 0, 0, chaterr.NotReady(op, "session identity is unknown")
	}
	return s.selectGen, s.selected.ID, nil
}

// LoadMoreMessages appends the next older page. It is a no-op when no
// conversation is selected, the history is exhausted or a page load is
// already running.
func (s *Session) LoadMoreMessages(ctx context.Context) error {
	s.mu.Lock()
	if s.selected == nil || !s.hasMore || s.loadingMore || s.loadingMessages {
		s.mu.Unlock()
		return nil
	}
	s.loadingMore = true
	gen, pageGen := s.selectGen, s.pageGen
	convID := s.selected.ID
	next := s.page + 1
	s.mu.Unlock()
	s.notify()

	page, err := s.history.FetchPage(ctx, convID, next)

	s.mu.Lock()
	if gen != s.selectGen || pageGen != s.pageGen {
		s.mu.Unlock()
		log.Debug().Int64("conversationID", convID).Int("page", next).Msg("Discarding stale history page")
		return nil
	}
	s.loadingMore = false
	if err != nil {
		s.setErrorLocked(err)
		s.mu.Unlock()
		s.notify()
		return err
	}
	added := s.messages.AppendOlder(page.Messages)
	s.page = next
	s.hasMore = page.HasMore
	s.mu.Unlock()

	log.Debug().Int64("conversationID", convID).Int("page", next).Int("added", added).Msg("Older messages loaded")
	s.notify()
	return nil
}

// Retry clears the error and recovers everything at once: it reconnects
// the transport if it gave up, reloads the directory and the catalog and
// reloads page 0 of the selected conversation.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chaterr.NotReady("retry", "session is closed")
	}
	s.lastErr = nil
	s.mu.Unlock()
	s.notify()

	var errs []error
	if s.transport.State() == realtime.StateDisconnected {
		if err := s.Connect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.LoadConversations(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.loadQuestions(ctx, true); err != nil {
		errs = append(errs, err)
	}
	if err := s.reloadSelected(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Session) reloadSelected(ctx context.Context) error {
	s.mu.Lock()
	if s.selected == nil {
		s.mu.Unlock()
		return nil
	}
	s.pageGen++
	gen, pageGen := s.selectGen, s.pageGen
	convID := s.selected.ID
	s.loadingMessages = true
	s.loadingMore = false
	s.mu.Unlock()
	s.notify()

	page, err := s.history.FetchPage(ctx, convID, 0)

	s.mu.Lock()
	current := gen == s.selectGen && pageGen == s.pageGen
	if current {
		s.loadingMessages = false
		if err != nil {
			s.setErrorLocked(err)
		} else {
			prior := s.messages.Messages()
			s.messages.ReplaceAll(page.Messages)
			s.keepNewerLocked(prior, page.Messages)
			s.page = 0
			s.hasMore = page.HasMore
		}
	}
	s.mu.Unlock()
	s.notify()

	s.subscribe(gen, convID)
	if !current {
		return nil
	}
	return err
}

// keepNewerLocked re-inserts messages that arrived by push while page 0
// was being reloaded and are newer than anything the page returned.
func (s *Session) keepNewerLocked(prior, page []models.Message) {
	var newest int64
	for _, m := range page {
		if m.ID > newest {
			newest = m.ID
		}
	}
	for _, m := range prior {
		if m.ID > newest {
			s.messages.Insert(m, SourcePush)
		}
	}
}

// OpenConversation creates a conversation between customerID and
// employeeID and adds it to the directory.
func (s *Session) OpenConversation(ctx context.Context, customerID, employeeID int64) (models.Conversation, error) {
	conv, err := s.directory.CreateConversation(ctx, s.identity.ID, customerID, employeeID)
	if err != nil {
		s.setError(err)
		return models.Conversation{}, err
	}

	s.mu.Lock()
	found := false
	for _, c := range s.conversations {
		if c.ID == conv.ID {
			found = true
			break
		}
	}
	if !found {
		s.conversations = append([]models.Conversation{conv}, s.conversations...)
	}
	s.mu.Unlock()
	s.notify()
	return conv, nil
}

// FailedSends lists the journaled sends that were not resent yet.
func (s *Session) FailedSends() ([]models.FailedSend, error) {
	if s.journal == nil {
		return nil, nil
	}
	return s.journal.Pending(0)
}

// ResendFailed sends journal entry id again. On success the message is
// ingested like a normal send and the entry is marked sent.
func (s *Session) ResendFailed(ctx context.Context, id uint) (models.Message, error) {
	if s.journal == nil {
		return models.Message{}, chaterr.NotReady("resend", "failed-send journal is not configured")
	}
	entry, err := s.journal.Get(id)
	if err != nil {
		return models.Message{}, err
	}
	if entry.Status == models.SendStatusSent {
		return models.Message{}, fmt.Errorf("journal entry %d was already sent as message %d", id, entry.SentMessageID)
	}

	req := chatapi.SendMessageRequest{
		ChatID:           entry.ChatID,
		SenderID:         entry.SenderID,
		Content:          entry.Content,
		Type:             models.MessageType(entry.Type),
		CustomQuestionID: entry.CustomQuestionID,
	}
	sent, err := s.api.SendMessage(ctx, req)
	if err == nil && sent == nil {
		err = chaterr.Send("resend", errors.New("empty response"))
	}
	if err != nil {
		if markErr := s.journal.MarkAttempt(id, err); markErr != nil {
			log.Error().Err(markErr).Uint("journalID", id).Msg("Failed to update failed send")
		}
		s.setError(err)
		return models.Message{}, err
	}

	m := HydrateSent(*sent, req, s.identity, time.Now())
	if err := s.journal.MarkSent(id, m.ID); err != nil {
		log.Error().Err(err).Uint("journalID", id).Msg("Failed to mark failed send as sent")
	}

	s.mu.Lock()
	s.ingestSentLocked(m)
	s.mu.Unlock()

	log.Info().Uint("journalID", id).Int64("messageID", m.ID).Msg("Failed send resent")
	s.notify()
	s.publish(EventMessageSent, m.ChatID, m)
	return m, nil
}

// Err returns the error currently shown, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ClearError resets the visible error.
func (s *Session) ClearError() {
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
	s.notify()
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	connection := s.transport.State()
	attempts := s.transport.ReconnectAttempts()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Conversations:        append([]models.Conversation(nil), s.conversations...),
		Messages:             s.messages.Messages(),
		Questions:            append([]models.CustomQuestion(nil), s.questions...),
		QuestionGroups:       append([]QuestionGroup(nil), s.groups...),
		Page:                 s.page,
		HasMore:              s.hasMore,
		LoadingConversations: s.loadingConversations,
		LoadingMessages:      s.loadingMessages,
		LoadingMore:          s.loadingMore,
		Sending:              s.sending > 0,
		Connection:           connection,
		Connected:            connection == realtime.StateConnected,
		ReconnectAttempts:    attempts,
	}
	if s.selected != nil {
		sel := *s.selected
		st.Selected = &sel
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}

// Close unsubscribes the selected conversation and disconnects the
// transport. The session cannot be reused.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.selectGen++
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.transport.Disconnect()
	log.Info().Int64("userID", s.identity.ID).Msg("Chat session closed")
	s.notify()
}

func (s *Session) publish(eventType string, convID int64, payload interface{}) {
	if s.mirror == nil {
		return
	}
	if _, err := s.mirror.Publish(eventType, convID, payload); err != nil {
		log.Warn().Err(err).Str("eventType", eventType).Int64("conversationID", convID).Msg("Failed to mirror chat event")
	}
}
