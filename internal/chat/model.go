package chat

import (
	"strings"
	"time"
)

// ---------------------------------------------
// 🗄️ Message Models
// ---------------------------------------------

type UserID string

type MessageID string

// ProvisionalPrefix marks ids assigned by the client before the store
// confirms a message. Server ids are decimal sequence values, so the two
// namespaces never collide.
const ProvisionalPrefix = "temp-"

func (id MessageID) IsProvisional() bool {
	return strings.HasPrefix(string(id), ProvisionalPrefix)
}

type ContextType string

const (
	ContextTask    ContextType = "task"
	ContextListing ContextType = "listing"
)

func (t ContextType) Valid() bool {
	return t == ContextTask || t == ContextListing
}

// Context is the task or service listing a conversation is attached to.
type Context struct {
	Type ContextType `json:"type"`
	ID   string      `json:"id"`
}

// Key identifies a conversation from the current user's point of view.
type Key struct {
	Context        Context `json:"context"`
	CounterpartyID UserID  `json:"counterparty_id"`
}

func (k Key) String() string {
	return string(k.Context.Type) + ":" + k.Context.ID + ":" + string(k.CounterpartyID)
}

// Status is the client-side delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

type Message struct {
	ID          MessageID    `json:"id"`
	Context     Context      `json:"context"`
	SenderID    UserID       `json:"sender_id"`
	RecipientID UserID       `json:"recipient_id"`
	Content     string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ReadAt      *time.Time   `json:"read_at,omitempty"`
	Status      Status       `json:"status"`
}

// Sendable reports whether the message has text or at least one attachment.
func (m Message) Sendable() bool {
	return strings.TrimSpace(m.Content) != "" || len(m.Attachments) > 0
}

// KeyFor returns the conversation key of m as seen by currentUser.
func (m Message) KeyFor(currentUser UserID) Key {
	other := m.RecipientID
	if m.RecipientID == currentUser {
		other = m.SenderID
	}
	return Key{Context: m.Context, CounterpartyID: other}
}

// Unread reports whether m is addressed to user and not yet read.
func (m Message) Unread(user UserID) bool {
	return m.RecipientID == user && m.ReadAt == nil
}

// Indicator is the sender-side delivery mark shown next to a message.
type Indicator string

const (
	IndicatorSending Indicator = "sending"
	IndicatorSent    Indicator = "sent"
	IndicatorSeen    Indicator = "seen"
)

// Indicator is derived from the status and the read timestamp, which only
// ever moves forward, so the mark never regresses.
func (m Message) Indicator() Indicator {
	switch {
	case m.ReadAt != nil:
		return IndicatorSeen
	case m.Status == StatusPending:
		return IndicatorSending
	default:
		return IndicatorSent
	}
}

func (m Message) clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		m.ReadAt = &t
	}
	return m
}

// ---------------------------------------------
// 📎 Attachments
// ---------------------------------------------

type AttachmentKind string

const (
	AttachmentLocal  AttachmentKind = "local"
	AttachmentRemote AttachmentKind = "remote"
)

// Attachment is either a Local object reference, rendered before the upload
// finishes, or a Remote durable URI.
type Attachment struct {
	Kind        AttachmentKind `json:"kind"`
	Name        string         `json:"name"`
	ContentType string         `json:"content_type,omitempty"`
	Size        int64          `json:"size,omitempty"`
	URI         string         `json:"uri,omitempty"`
	Data        []byte         `json:"-"`
}

func LocalAttachment(name, contentType string, data []byte) Attachment {
	return Attachment{
		Kind:        AttachmentLocal,
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Data:        data,
	}
}

func RemoteAttachment(uri string) Attachment {
	return Attachment{Kind: AttachmentRemote, URI: uri}
}

func (a Attachment) IsLocal() bool { return a.Kind == AttachmentLocal }

// ---------------------------------------------
// 💬 Conversations
// ---------------------------------------------

// Counterparty is denormalized display info about the other participant.
type Counterparty struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Online      bool   `json:"online"`
}

// Conversation is derived from messages and never persisted.
type Conversation struct {
	Key          Key          `json:"key"`
	Messages     []Message    `json:"messages"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count"`
	Counterparty Counterparty `json:"counterparty"`
	// Placeholder is set for a thread with no history yet. Its LastMessage
	// is synthetic and only used for ordering.
	Placeholder bool `json:"placeholder,omitempty"`
}

// Contains reports whether a message with id is already in the thread.
func (c Conversation) Contains(id MessageID) bool {
	return c.indexOf(id) >= 0
}

func (c Conversation) indexOf(id MessageID) int {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (c Conversation) clone() Conversation {
	msgs := make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = m.clone()
	}
	c.Messages = msgs
	if c.LastMessage != nil {
		lm := c.LastMessage.clone()
		c.LastMessage = &lm
	}
	return c
}

// Draft is the composer content of an outgoing message.
type Draft struct {
	Key         Key          `json:"key"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Notification is a generic record from the notification table.
type Notification struct {
	ID        string    `json:"id"`
	UserID    UserID    `json:"user_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
