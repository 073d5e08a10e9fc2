package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"gigchat/internal/attach"
	"gigchat/internal/chat"
)

var errNoUploader = errors.New("attachments are not supported here")

// Submit shows draft at once as a pending message and writes it in the
// background. It returns the provisional id. The pending entry is later
// replaced in place by the stored message, or removed and reported through
// a SendFailed update with the draft so the composer can be restored.
func (s *Session) Submit(ctx context.Context, draft chat.Draft) (chat.MessageID, error) {
	if err := draft.Validate(); err != nil {
		return "", err
	}
	if draft.Key.CounterpartyID == s.user {
		return "", chat.ErrMissingParticipant
	}

	var (
		id  chat.MessageID
		msg chat.Message
	)
	err := s.do(ctx, func() {
		id = s.newID()
		msg = chat.Message{
			ID:          id,
			Context:     draft.Key.Context,
			SenderID:    s.user,
			RecipientID: draft.Key.CounterpartyID,
			Content:     draft.Content,
			Attachments: draft.Attachments,
			CreatedAt:   s.now(),
			Status:      chat.StatusPending,
		}
		var i int
		s.convs, i = chat.EnsureConversation(s.convs, draft.Key, s.now())
		s.convs[i], _ = chat.Merge(s.convs[i], msg, s.user)
		s.pending[id] = pendingSend{draft: draft, message: msg}
		s.emit()
	})
	if err != nil {
		return "", err
	}

	go s.send(id, msg)
	return id, nil
}

// send uploads the attachments, all or nothing, then writes the message.
// It does not watch the session: if the session is gone by the time the
// store answers, the result is dropped.
func (s *Session) send(id chat.MessageID, msg chat.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	stored, err := s.write(ctx, id, msg)
	if !s.post(func() { s.finishSend(id, stored, err) }) {
		slog.Debug("session: send finished after teardown", "provisional_id", id, "error", err)
	}
}

func (s *Session) write(ctx context.Context, id chat.MessageID, msg chat.Message) (chat.Message, error) {
	remote := make([]chat.Attachment, len(msg.Attachments))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range msg.Attachments {
		i, a := i, a
		if !a.IsLocal() {
			remote[i] = a
			continue
		}
		if s.deps.Uploader == nil {
			g.Go(func() error { return errNoUploader })
			continue
		}
		g.Go(func() error {
			key := attach.Path(msg.Context, id, i, a.Name)
			r, err := s.deps.Uploader.Put(gctx, key, a)
			if err != nil {
				return err
			}
			remote[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return chat.Message{}, fmt.Errorf("upload attachments: %w", err)
	}

	msg.ID = ""
	msg.Attachments = remote
	stored, err := s.deps.Store.InsertMessage(ctx, msg)
	if err != nil {
		return chat.Message{}, err
	}
	return stored, nil
}

// finishSend settles a pending entry. A provisional id the session no
// longer tracks is ignored.
func (s *Session) finishSend(id chat.MessageID, stored chat.Message, err error) {
	p, ok := s.pending[id]
	if !ok {
		return
	}
	delete(s.pending, id)
	k := p.draft.Key

	if err != nil {
		s.deps.Metrics.Send(false)
		slog.Warn("session: send failed", "user", s.user, "conversation", k.String(), "error", err)
		if i := chat.Find(s.convs, k); i >= 0 {
			s.convs[i], _ = chat.RemovePending(s.convs[i], id, s.user)
		}
		s.emit()
		s.listener(SendFailed{ProvisionalID: id, Draft: p.draft, Error: err.Error()})
		return
	}

	s.deps.Metrics.Send(true)
	var i int
	s.convs, i = chat.EnsureConversation(s.convs, k, s.now())
	c, replaced := chat.ReplacePending(s.convs[i], id, stored, s.user)
	if !replaced {
		// A rebuild already dropped the pending entry.
		c, _ = chat.Merge(s.convs[i], stored, s.user)
	}
	s.convs[i] = c
	s.emit()
}
