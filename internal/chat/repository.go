package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// HistoryLimit caps how many messages a history fetch returns.
const HistoryLimit = 1000

var ErrNotFound = errors.New("not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertMessage persists m and returns the authoritative record with the
// server id and timestamp. Attachments must already be remote.
func (r *Repository) InsertMessage(ctx context.Context, m Message) (Message, error) {
	sender, err := userKey(m.SenderID)
	if err != nil {
		return Message{}, err
	}
	recipient, err := userKey(m.RecipientID)
	if err != nil {
		return Message{}, err
	}
	uris := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		if a.IsLocal() {
			return Message{}, fmt.Errorf("attachment %q was not uploaded", a.Name)
		}
		uris = append(uris, a.URI)
	}
	attachments, err := json.Marshal(uris)
	if err != nil {
		return Message{}, err
	}

	query := `
		INSERT INTO messages (context_type, context_id, sender_id, recipient_id, content, attachments)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		RETURNING id, created_at
	`
	var id int64
	var createdAt time.Time
	err = r.db.QueryRowContext(ctx, query,
		string(m.Context.Type), m.Context.ID, sender, recipient, m.Content, string(attachments),
	).Scan(&id, &createdAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	out := m.clone()
	out.ID = MessageID(strconv.FormatInt(id, 10))
	out.CreatedAt = createdAt
	out.ReadAt = nil
	out.Status = StatusConfirmed
	return out, nil
}

// MarkRead sets read_at on the given messages addressed to reader. Rows that
// already have a read timestamp keep it. It returns the ids it changed.
func (r *Repository) MarkRead(ctx context.Context, reader UserID, ids []MessageID, at time.Time) ([]MessageID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	readerKey, err := userKey(reader)
	if err != nil {
		return nil, err
	}
	keys := make([]int64, 0, len(ids))
	for _, id := range ids {
		k, err := strconv.ParseInt(string(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("message id %q: %w", id, err)
		}
		keys = append(keys, k)
	}

	query := `
		UPDATE messages SET read_at = $1
		WHERE id = ANY($2) AND recipient_id = $3 AND read_at IS NULL
		RETURNING id
	`
	rows, err := r.db.QueryContext(ctx, query, at, keys, readerKey)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	defer rows.Close()

	var changed []MessageID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		changed = append(changed, MessageID(strconv.FormatInt(id, 10)))
	}
	return changed, rows.Err()
}

// ListForUser fetches the most recent messages user sent or received, in
// creation order.
func (r *Repository) ListForUser(ctx context.Context, user UserID) ([]Message, error) {
	key, err := userKey(user)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT id, context_type, context_id, sender_id, recipient_id, content, attachments, created_at, read_at
		FROM (
			SELECT * FROM messages
			WHERE sender_id = $1 OR recipient_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, key, HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// LoadMessage fetches one message by its server id.
func (r *Repository) LoadMessage(ctx context.Context, id int64) (Message, error) {
	query := `
		SELECT id, context_type, context_id, sender_id, recipient_id, content, attachments, created_at, read_at
		FROM messages WHERE id = $1
	`
	m, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return m, err
}

// CanReadAttachment reports whether uri belongs to a message user sent or
// received.
func (r *Repository) CanReadAttachment(ctx context.Context, user UserID, uri string) (bool, error) {
	key, err := userKey(user)
	if err != nil {
		return false, err
	}
	query := `
		SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE (sender_id = $1 OR recipient_id = $1) AND attachments @> jsonb_build_array($2::text)
		)
	`
	var ok bool
	if err := r.db.QueryRowContext(ctx, query, key, uri).Scan(&ok); err != nil {
		return false, fmt.Errorf("check attachment: %w", err)
	}
	return ok, nil
}

// InsertNotification writes a generic notification record.
func (r *Repository) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	key, err := userKey(n.UserID)
	if err != nil {
		return Notification{}, err
	}
	query := "INSERT INTO notifications (user_id, title, body) VALUES ($1, $2, $3) RETURNING id, created_at"
	var id int64
	if err := r.db.QueryRowContext(ctx, query, key, n.Title, n.Body).Scan(&id, &n.CreatedAt); err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	n.ID = strconv.FormatInt(id, 10)
	return n, nil
}

// LoadNotification fetches one notification by id.
func (r *Repository) LoadNotification(ctx context.Context, id int64) (Notification, error) {
	query := "SELECT id, user_id, title, body, created_at FROM notifications WHERE id = $1"
	var n Notification
	var key, user int64
	err := r.db.QueryRowContext(ctx, query, id).Scan(&key, &user, &n.Title, &n.Body, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Notification{}, err
	}
	n.ID = strconv.FormatInt(key, 10)
	n.UserID = UserID(strconv.FormatInt(user, 10))
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (Message, error) {
	var (
		m            Message
		id, from, to int64
		ctxType      string
		attachments  []byte
		readAt       sql.NullTime
	)
	if err := s.Scan(&id, &ctxType, &m.Context.ID, &from, &to, &m.Content, &attachments, &m.CreatedAt, &readAt); err != nil {
		return Message{}, err
	}
	var uris []string
	if err := json.Unmarshal(attachments, &uris); err != nil {
		return Message{}, fmt.Errorf("message %d attachments: %w", id, err)
	}
	m.ID = MessageID(strconv.FormatInt(id, 10))
	m.Context.Type = ContextType(ctxType)
	m.SenderID = UserID(strconv.FormatInt(from, 10))
	m.RecipientID = UserID(strconv.FormatInt(to, 10))
	for _, uri := range uris {
		m.Attachments = append(m.Attachments, RemoteAttachment(uri))
	}
	if readAt.Valid {
		t := readAt.Time
		m.ReadAt = &t
	}
	m.Status = StatusConfirmed
	return m, nil
}

func userKey(id UserID) (int64, error) {
	k, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("user id %q: %w", id, err)
	}
	return k, nil
}
