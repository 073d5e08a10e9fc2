package session

import (
	"context"
	"log/slog"

	"gigchat/internal/chat"
	"gigchat/internal/feed"
)

// route applies one feed event. Events arrive one at a time from the
// subscription channel, so a thread never sees them reordered.
func (s *Session) route(ctx context.Context, e feed.Event) {
	switch e := e.(type) {
	case feed.Inserted:
		s.onInserted(ctx, e.Message)
	case feed.ReadReceiptUpdated:
		s.onReadReceipt(e)
	case feed.NotificationInserted:
		s.gate.Notification(ctx, e.Notification)
	case feed.Resynced:
		slog.Info("session: feed resynced, rebuilding", "user", s.user)
		s.rebuild(ctx)
	default:
		slog.Warn("session: unknown feed event", "event", e)
	}
}

func (s *Session) onInserted(ctx context.Context, m chat.Message) {
	m.Status = chat.StatusConfirmed
	k := m.KeyFor(s.user)

	i := chat.Find(s.convs, k)
	if i >= 0 && s.convs[i].Contains(m.ID) {
		// At-least-once delivery, or the send path got there first.
		s.deps.Metrics.Duplicate()
		if c, changed := chat.Merge(s.convs[i], m, s.user); changed {
			s.convs[i] = c
			s.emit()
		}
		return
	}

	if i < 0 {
		s.convs, i = chat.EnsureConversation(s.convs, k, s.now())
		s.resolveNames([]chat.UserID{k.CounterpartyID})
	}
	s.convs[i], _ = chat.Merge(s.convs[i], m, s.user)

	if m.RecipientID != s.user {
		s.emit()
		return
	}
	if active := s.Active(); active != nil && *active == k {
		s.markRead(k)
	}
	s.emit()
	s.gate.Message(ctx, m, k, s.names[k.CounterpartyID])
}

// onReadReceipt is the only path that turns a sent message into a seen one.
func (s *Session) onReadReceipt(e feed.ReadReceiptUpdated) {
	for i := range s.convs {
		if !s.convs[i].Contains(e.ID) {
			continue
		}
		if c, changed := chat.ApplyReadReceipt(s.convs[i], e.ID, e.ReadAt, s.user); changed {
			s.convs[i] = c
			s.emit()
		}
		return
	}
}
