package services

import (
	"time"

	"servicechat/internal/adapters/chatapi"
	"servicechat/internal/metrics"
	"servicechat/internal/models"
)

// IngestResult describes what an ingest did to the message list.
type IngestResult string

const (
	ResultInserted   IngestResult = "inserted"
	ResultDuplicate  IngestResult = "duplicate"
	ResultUpdated    IngestResult = "updated"
	ResultMissing    IngestResult = "missing"
	ResultTombstoned IngestResult = "tombstoned"
	ResultIgnored    IngestResult = "ignored"
)

// Ingest sources, used as metric labels.
const (
	SourceHistory = "history"
	SourceSend    = "send"
	SourcePush    = "push"
)

// Reconciler holds the message list of one conversation, newest first,
// with at most one entry per message id. It is not safe for concurrent
// use; the owning Session serialises access.
type Reconciler struct {
	messages []models.Message
	ids      map[int64]struct{}
}

// NewReconciler returns an empty list.
func NewReconciler() *Reconciler {
	return &Reconciler{ids: make(map[int64]struct{})}
}

// Reset drops every message.
func (r *Reconciler) Reset() {
	r.messages = nil
	r.ids = make(map[int64]struct{})
}

// ReplaceAll installs the first history page, keeping the server's order.
func (r *Reconciler) ReplaceAll(page []models.Message) {
	r.Reset()
	for _, m := range page {
		if _, dup := r.ids[m.ID]; dup {
			metrics.Ingest.WithLabelValues(SourceHistory, string(ResultDuplicate)).Inc()
			continue
		}
		r.ids[m.ID] = struct{}{}
		r.messages = append(r.messages, m)
	}
	metrics.Ingest.WithLabelValues(SourceHistory, string(ResultInserted)).Add(float64(len(r.messages)))
}

// AppendOlder appends an older history page after the loaded ones. Pages
// are offset based, so a page can overlap the previous one when new
// messages arrived in between; overlapping ids are skipped.
func (r *Reconciler) AppendOlder(page []models.Message) int {
	added := 0
	for _, m := range page {
		if _, dup := r.ids[m.ID]; dup {
			metrics.Ingest.WithLabelValues(SourceHistory, string(ResultDuplicate)).Inc()
			continue
		}
		r.ids[m.ID] = struct{}{}
		r.messages = append(r.messages, m)
		added++
	}
	metrics.Ingest.WithLabelValues(SourceHistory, string(ResultInserted)).Add(float64(added))
	return added
}

// Insert adds a new message unless its id is already present. Whichever of
// the send response and the push echo arrives first wins. The message is
// placed by id so the list stays newest first; for a new message that is
// the front.
func (r *Reconciler) Insert(m models.Message, source string) IngestResult {
	if _, dup := r.ids[m.ID]; dup {
		metrics.Ingest.WithLabelValues(source, string(ResultDuplicate)).Inc()
		return ResultDuplicate
	}
	pos := 0
	for pos < len(r.messages) && r.messages[pos].ID > m.ID {
		pos++
	}
	r.messages = append(r.messages, models.Message{})
	copy(r.messages[pos+1:], r.messages[pos:])
	r.messages[pos] = m
	r.ids[m.ID] = struct{}{}

	metrics.Ingest.WithLabelValues(source, string(ResultInserted)).Inc()
	return ResultInserted
}

// ApplyEdit updates a loaded message in place. Edits of messages that are
// not loaded, or already deleted, are dropped.
func (r *Reconciler) ApplyEdit(edited models.Message, source string) IngestResult {
	i := r.indexOf(edited.ID)
	if i < 0 {
		metrics.Ingest.WithLabelValues(source, string(ResultMissing)).Inc()
		return ResultMissing
	}
	cur := &r.messages[i]
	if cur.IsDeleted {
		metrics.Ingest.WithLabelValues(source, string(ResultIgnored)).Inc()
		return ResultIgnored
	}
	cur.Content = edited.Content
	cur.IsEdited = true
	if edited.UpdatedAt != nil && !edited.UpdatedAt.IsZero() {
		ts := *edited.UpdatedAt
		cur.UpdatedAt = &ts
	}
	metrics.Ingest.WithLabelValues(source, string(ResultUpdated)).Inc()
	return ResultUpdated
}

// Tombstone marks a loaded message deleted and hides its content. The
// entry keeps its slot, matching what a later history fetch returns.
func (r *Reconciler) Tombstone(id int64, source string) IngestResult {
	i := r.indexOf(id)
	if i < 0 {
		metrics.Ingest.WithLabelValues(source, string(ResultMissing)).Inc()
		return ResultMissing
	}
	r.messages[i] = r.messages[i].Tombstone()
	metrics.Ingest.WithLabelValues(source, string(ResultTombstoned)).Inc()
	return ResultTombstoned
}

// Messages returns a copy of the list, newest first.
func (r *Reconciler) Messages() []models.Message {
	out := make([]models.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Get returns the loaded message with id.
func (r *Reconciler) Get(id int64) (models.Message, bool) {
	if i := r.indexOf(id); i >= 0 {
		return r.messages[i], true
	}
	return models.Message{}, false
}

// Newest returns the highest loaded id, or 0 for an empty list.
func (r *Reconciler) Newest() int64 {
	if len(r.messages) == 0 {
		return 0
	}
	return r.messages[0].ID
}

// NewerMatch returns the newest message with an id above since that
// satisfies match.
func (r *Reconciler) NewerMatch(since int64, match func(models.Message) bool) (models.Message, bool) {
	for _, m := range r.messages {
		if m.ID <= since {
			break
		}
		if match(m) {
			return m, true
		}
	}
	return models.Message{}, false
}

// Len returns the number of loaded messages.
func (r *Reconciler) Len() int { return len(r.messages) }

func (r *Reconciler) indexOf(id int64) int {
	if _, ok := r.ids[id]; !ok {
		return -1
	}
	for i := range r.messages {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// HydrateSent completes a send response. Each field takes the server value
// when present, then what the session knows locally, then the zero value.
func HydrateSent(server models.Message, req chatapi.SendMessageRequest, self models.Identity, now time.Time) models.Message {
	m := server
	if m.ChatID == 0 {
		m.ChatID = req.ChatID
	}
	if m.SenderID == 0 {
		m.SenderID = req.SenderID
	}
	if m.SenderID == self.ID {
		m.SenderName = firstNonEmpty(m.SenderName, self.Name)
		m.SenderEmail = firstNonEmpty(m.SenderEmail, self.Email)
	}
	m.Content = firstNonEmpty(m.Content, req.Content)
	if m.Type == "" {
		m.Type = req.Type
	}
	if m.CustomQuestionID == nil && req.CustomQuestionID != nil {
		q := *req.CustomQuestionID
		m.CustomQuestionID = &q
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = models.NewTimestamp(now)
	}
	return m
}

// hydrateSender fills missing sender display fields of a pushed message
// from the session identity or the conversation's other party.
func hydrateSender(m models.Message, self models.Identity, conv models.Conversation) models.Message {
	switch m.SenderID {
	case self.ID:
		m.SenderName = firstNonEmpty(m.SenderName, self.Name)
		m.SenderEmail = firstNonEmpty(m.SenderEmail, self.Email)
	case conv.OtherPartyID:
		m.SenderName = firstNonEmpty(m.SenderName, conv.OtherPartyName)
		m.SenderEmail = firstNonEmpty(m.SenderEmail, conv.OtherPartyEmail)
	}
	return m
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
