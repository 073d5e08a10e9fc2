package session

import (
	"context"
	"log/slog"

	"gigchat/internal/chat"
)

// Open makes k the active conversation, creating an empty thread for it
// when there is no history yet, and marks everything in it as read.
func (s *Session) Open(ctx context.Context, k chat.Key) error {
	if !k.Context.Type.Valid() || k.Context.ID == "" {
		return chat.ErrInvalidContext
	}
	if k.CounterpartyID == "" || k.CounterpartyID == s.user {
		return chat.ErrMissingParticipant
	}
	return s.do(ctx, func() {
		key := k
		s.active.Store(&key)
		var i int
		s.convs, i = chat.EnsureConversation(s.convs, k, s.now())
		if s.convs[i].Placeholder {
			s.resolveNames([]chat.UserID{k.CounterpartyID})
		}
		s.markRead(k)
		s.emit()
	})
}

// CloseConversation clears the active conversation. Threads and pending
// sends stay in the list.
func (s *Session) CloseConversation(ctx context.Context) error {
	return s.do(ctx, func() {
		if s.active.Swap(nil) != nil {
			s.emit()
		}
	})
}

// markRead flips the unread messages of k locally and writes them in one
// batch. Nothing is written when there is nothing unread.
func (s *Session) markRead(k chat.Key) {
	i := chat.Find(s.convs, k)
	if i < 0 {
		return
	}
	at := s.now()
	c, ids := chat.MarkRead(s.convs[i], s.user, at)
	if len(ids) == 0 {
		return
	}
	s.convs[i] = c

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		defer cancel()
		changed, err := s.deps.Store.MarkRead(ctx, s.user, ids, at)
		if err != nil {
			slog.Warn("session: mark read failed", "user", s.user, "conversation", k.String(), "error", err)
			return
		}
		s.deps.Metrics.ReadMarks(len(changed))
	}()
}

