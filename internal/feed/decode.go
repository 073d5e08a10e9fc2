package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gigchat/internal/chat"
)

const (
	TableMessages      = "messages"
	TableNotifications = "notifications"
)

var ErrUnsupportedChange = errors.New("unsupported change")

// change is the JSON envelope written by the database triggers. Large rows
// are sent without "row" and must be loaded by id.
type change struct {
	Table string          `json:"table"`
	Op    string          `json:"op"`
	ID    int64           `json:"id"`
	Row   json.RawMessage `json:"row"`
}

// MessageRow is a messages row snapshot as the triggers encode it.
type MessageRow struct {
	ID          int64      `json:"id"`
	ContextType string     `json:"context_type"`
	ContextID   string     `json:"context_id"`
	SenderID    int64      `json:"sender_id"`
	RecipientID int64      `json:"recipient_id"`
	Content     string     `json:"content"`
	Attachments []string   `json:"attachments"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at"`
}

func (r MessageRow) Message() chat.Message {
	m := chat.Message{
		ID:          chat.MessageID(strconv.FormatInt(r.ID, 10)),
		Context:     chat.Context{Type: chat.ContextType(r.ContextType), ID: r.ContextID},
		SenderID:    UserID(r.SenderID),
		RecipientID: UserID(r.RecipientID),
		Content:     r.Content,
		CreatedAt:   r.CreatedAt,
		ReadAt:      r.ReadAt,
		Status:      chat.StatusConfirmed,
	}
	for _, uri := range r.Attachments {
		m.Attachments = append(m.Attachments, chat.RemoteAttachment(uri))
	}
	return m
}

// NotificationRow is a notifications row snapshot.
type NotificationRow struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func (r NotificationRow) Notification() chat.Notification {
	return chat.Notification{
		ID:        strconv.FormatInt(r.ID, 10),
		UserID:    UserID(r.UserID),
		Title:     r.Title,
		Body:      r.Body,
		CreatedAt: r.CreatedAt,
	}
}

// UserID converts a users.id value to the chat identifier.
func UserID(id int64) chat.UserID {
	return chat.UserID(strconv.FormatInt(id, 10))
}

// Loader fetches rows whose snapshot did not fit in a notification.
type Loader interface {
	LoadMessage(ctx context.Context, id int64) (chat.Message, error)
	LoadNotification(ctx context.Context, id int64) (chat.Notification, error)
}

// Decode turns a trigger payload into an Event. loader may be nil when
// every payload carries its row.
func Decode(ctx context.Context, payload []byte, loader Loader) (Event, error) {
	var c change
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("decode change: %w", err)
	}

	switch c.Table {
	case TableMessages:
		m, err := c.message(ctx, loader)
		if err != nil {
			return nil, err
		}
		switch c.Op {
		case "INSERT":
			return Inserted{Message: m}, nil
		case "UPDATE":
			if m.ReadAt == nil {
				return nil, fmt.Errorf("%w: message %s updated without read_at", ErrUnsupportedChange, m.ID)
			}
			return ReadReceiptUpdated{ID: m.ID, SenderID: m.SenderID, ReadAt: *m.ReadAt}, nil
		}
	case TableNotifications:
		if c.Op == "INSERT" {
			n, err := c.notification(ctx, loader)
			if err != nil {
				return nil, err
			}
			return NotificationInserted{Notification: n}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedChange, c.Op, c.Table)
}

func (c change) message(ctx context.Context, loader Loader) (chat.Message, error) {
	if len(c.Row) == 0 || string(c.Row) == "null" {
		if loader == nil {
			return chat.Message{}, fmt.Errorf("message %d: payload without row and no loader", c.ID)
		}
		return loader.LoadMessage(ctx, c.ID)
	}
	var row MessageRow
	if err := json.Unmarshal(c.Row, &row); err != nil {
		return chat.Message{}, fmt.Errorf("decode message row: %w", err)
	}
	return row.Message(), nil
}

func (c change) notification(ctx context.Context, loader Loader) (chat.Notification, error) {
	if len(c.Row) == 0 || string(c.Row) == "null" {
		if loader == nil {
			return chat.Notification{}, fmt.Errorf("notification %d: payload without row and no loader", c.ID)
		}
		return loader.LoadNotification(ctx, c.ID)
	}
	var row NotificationRow
	if err := json.Unmarshal(c.Row, &row); err != nil {
		return chat.Notification{}, fmt.Errorf("decode notification row: %w", err)
	}
	return row.Notification(), nil
}
