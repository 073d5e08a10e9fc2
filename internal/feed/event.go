package feed

import (
	"time"

	"gigchat/internal/chat"
)

// Event is one change delivered by the feed. The set of implementations
// is closed; consumers switch over the concrete types.
type Event interface {
	isEvent()
}

// Inserted is a new message row.
type Inserted struct {
	Message chat.Message
}

// ReadReceiptUpdated is a message row whose read timestamp was set.
type ReadReceiptUpdated struct {
	ID       chat.MessageID
	SenderID chat.UserID
	ReadAt   time.Time
}

// NotificationInserted is a new generic notification row.
type NotificationInserted struct {
	Notification chat.Notification
}

// Resynced tells a subscriber that live events may have been missed, after
// a reconnect or after it fell behind, and state must be rebuilt from the
// store.
type Resynced struct{}

func (Inserted) isEvent()             {}
func (ReadReceiptUpdated) isEvent()   {}
func (NotificationInserted) isEvent() {}
func (Resynced) isEvent()             {}

// Filter selects the events one user cares about: messages addressed to
// them, read receipts on messages they sent and their notifications.
type Filter struct {
	UserID chat.UserID
}

func (f Filter) Match(e Event) bool {
	switch e := e.(type) {
	case Inserted:
		return e.Message.RecipientID == f.UserID
	case ReadReceiptUpdated:
		return e.SenderID == f.UserID
	case NotificationInserted:
		return e.Notification.UserID == f.UserID
	case Resynced:
		return true
	default:
		return false
	}
}

// Kind names an event for logs and metrics.
func Kind(e Event) string {
	switch e.(type) {
	case Inserted:
		return "inserted"
	case ReadReceiptUpdated:
		return "read_receipt"
	case NotificationInserted:
		return "notification"
	case Resynced:
		return "resynced"
	default:
		return "unknown"
	}
}
