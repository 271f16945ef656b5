package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MessageType distinguishes free text from canned-question messages.
type MessageType string

const (
	MessageTypeText           MessageType = "TEXT"
	MessageTypeCustomQuestion MessageType = "CUSTOM_QUESTION"
)

// Valid reports whether t is one of the known message kinds.
func (t MessageType) Valid() bool {
	return t == MessageTypeText || t == MessageTypeCustomQuestion
}

// Participant roles as issued by the auth collaborator.
const (
	RoleCustomer = "CUSTOMER"
	RoleEmployee = "EMPLOYEE"
	RoleAdmin    = "ADMIN"
)

// Identity is the signed-in participant. The chat core only reads it.
type Identity struct {
	ID    int64  `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email" yaml:"email"`
	Role  string `json:"role" yaml:"role"`
}

// Known reports whether the identity carries a usable participant id.
func (i Identity) Known() bool { return i.ID > 0 }

// Timestamp accepts the date formats the chat backend emits: RFC 3339,
// zone-less ISO local date-times and epoch milliseconds.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp { return Timestamp{Time: t} }

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", data, err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// Conversation is a 1:1 channel between a customer and an assigned
// employee. The OtherParty fields are derived locally against the session
// identity and never sent on the wire.
type Conversation struct {
	ID              int64      `json:"id"`
	CustomerID      int64      `json:"customerId"`
	CustomerName    string     `json:"customerName"`
	CustomerEmail   string     `json:"customerEmail"`
	EmployeeID      int64      `json:"employeeId"`
	EmployeeName    string     `json:"employeeName"`
	EmployeeEmail   string     `json:"employeeEmail"`
	LastMessage     string     `json:"lastMessage,omitempty"`
	LastMessageTime *Timestamp `json:"lastMessageTime,omitempty"`
	UnreadCount     int        `json:"unreadCount"`

	OtherPartyID    int64  `json:"-"`
	OtherPartyName  string `json:"-"`
	OtherPartyEmail string `json:"-"`
}

// WithOtherParty returns a copy of c with the OtherParty fields resolved
// against selfID. If self is the customer the other party is the assigned
// employee, otherwise it is the customer.
func (c Conversation) WithOtherParty(selfID int64) Conversation {
	if c.CustomerID == selfID {
		c.OtherPartyID = c.EmployeeID
		c.OtherPartyName = c.EmployeeName
		c.OtherPartyEmail = c.EmployeeEmail
	} else {
		c.OtherPartyID = c.CustomerID
		c.OtherPartyName = c.CustomerName
		c.OtherPartyEmail = c.CustomerEmail
	}
	return c
}

// Message is one entry of a conversation. Sender display fields may be
// missing from some payloads.
type Message struct {
	ID               int64       `json:"id"`
	ChatID           int64       `json:"chatId"`
	SenderID         int64       `json:"senderId"`
	SenderName       string      `json:"senderName,omitempty"`
	SenderEmail      string      `json:"senderEmail,omitempty"`
	Content          string      `json:"content"`
	Type             MessageType `json:"type"`
	CustomQuestionID *int64      `json:"customQuestionId,omitempty"`
	CreatedAt        Timestamp   `json:"createdAt"`
	UpdatedAt        *Timestamp  `json:"updatedAt,omitempty"`
	IsEdited         bool        `json:"isEdited"`
	IsDeleted        bool        `json:"isDeleted"`
}

// Tombstone returns a copy of m marked deleted with its content hidden.
func (m Message) Tombstone() Message {
	m.IsDeleted = true
	m.Content = ""
	return m
}

// CustomQuestion is a canned quick-response catalog entry.
type CustomQuestion struct {
	ID       int64  `json:"id"`
	Question string `json:"question"`
	Category string `json:"category"`
	IsActive bool   `json:"isActive"`
}

// PushAction is the discriminator of a push frame. The values are part of
// the wire contract with the backend.
type PushAction string

const (
	ActionNewMessage    PushAction = "NEW_MESSAGE"
	ActionEditMessage   PushAction = "EDIT_MESSAGE"
	ActionDeleteMessage PushAction = "DELETE_MESSAGE"
)

// PushEvent is the body of a frame delivered on /topic/chat/{id}.
type PushEvent struct {
	Action    PushAction `json:"action"`
	Message   *Message   `json:"message,omitempty"`
	MessageID *int64     `json:"messageId,omitempty"`
}

// TargetID returns the id of the message the event refers to.
func (e PushEvent) TargetID() int64 {
	if e.MessageID != nil {
		return *e.MessageID
	}
	if e.Message != nil {
		return e.Message.ID
	}
	return 0
}

// Validate checks that the event carries what its action needs.
func (e PushEvent) Validate() error {
	switch e.Action {
	case ActionNewMessage, ActionEditMessage:
		if e.Message == nil {
			return fmt.Errorf("%s frame without message", e.Action)
		}
		if e.Message.ID <= 0 {
			return fmt.Errorf("%s frame with invalid message id %d", e.Action, e.Message.ID)
		}
	case ActionDeleteMessage:
		if e.TargetID() <= 0 {
			return fmt.Errorf("%s frame without message id", e.Action)
		}
	case "":
		return fmt.Errorf("frame without action")
	default:
		return fmt.Errorf("unknown action %q", e.Action)
	}
	return nil
}
