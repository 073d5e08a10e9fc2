package chat

import (
	"sort"
	"time"
)

// Merge folds incoming into c by id. A message whose id is already present
// is never appended again; the only field it may contribute is a read
// timestamp the local copy lacks. The second return value reports whether
// c changed.
func Merge(c Conversation, incoming Message, currentUser UserID) (Conversation, bool) {
	c = c.clone()
	if i := c.indexOf(incoming.ID); i >= 0 {
		if c.Messages[i].ReadAt != nil || incoming.ReadAt == nil {
			return c, false
		}
		t := *incoming.ReadAt
		c.Messages[i].ReadAt = &t
		return recompute(c, currentUser), true
	}
	c.Messages = insertSorted(c.Messages, incoming.clone())
	return recompute(c, currentUser), true
}

// ReplacePending swaps the provisional entry for its confirmed version in
// place. Local attachments are replaced by the confirmed remote ones by
// position. When the confirmed id is already in the thread (the feed echo
// arrived first) the provisional entry is dropped so only one copy remains.
// The boolean is false when no entry with provisionalID exists.
func ReplacePending(c Conversation, provisionalID MessageID, confirmed Message, currentUser UserID) (Conversation, bool) {
	c = c.clone()
	i := c.indexOf(provisionalID)
	if i < 0 {
		return c, false
	}
	pending := c.Messages[i]
	c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
	if c.indexOf(confirmed.ID) >= 0 {
		return recompute(c, currentUser), true
	}
	confirmed = confirmed.clone()
	confirmed.Status = StatusConfirmed
	confirmed.Attachments = resolveAttachments(pending.Attachments, confirmed.Attachments)
	c.Messages = insertSorted(c.Messages, confirmed)
	return recompute(c, currentUser), true
}

// RemovePending drops a provisional entry after its send failed.
func RemovePending(c Conversation, provisionalID MessageID, currentUser UserID) (Conversation, bool) {
	c = c.clone()
	i := c.indexOf(provisionalID)
	if i < 0 {
		return c, false
	}
	c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
	return recompute(c, currentUser), true
}

// ApplyReadReceipt records that message id was read at readAt. A read
// timestamp is set once and never moved or cleared afterwards.
func ApplyReadReceipt(c Conversation, id MessageID, readAt time.Time, currentUser UserID) (Conversation, bool) {
	i := c.indexOf(id)
	if i < 0 || c.Messages[i].ReadAt != nil {
		return c, false
	}
	c = c.clone()
	t := readAt
	c.Messages[i].ReadAt = &t
	return recompute(c, currentUser), true
}

// UnreadIDs lists confirmed messages addressed to currentUser that have no
// read timestamp.
func UnreadIDs(c Conversation, currentUser UserID) []MessageID {
	var ids []MessageID
	for _, m := range c.Messages {
		if m.Unread(currentUser) && !m.ID.IsProvisional() {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// MarkRead flips every unread message addressed to currentUser to read at
// at and returns the ids it flipped. Calling it again flips nothing.
func MarkRead(c Conversation, currentUser UserID, at time.Time) (Conversation, []MessageID) {
	ids := UnreadIDs(c, currentUser)
	for _, id := range ids {
		c, _ = ApplyReadReceipt(c, id, at, currentUser)
	}
	return c, ids
}

func insertSorted(msgs []Message, m Message) []Message {
	i := sort.Search(len(msgs), func(i int) bool {
		return messageLess(m, msgs[i])
	})
	msgs = append(msgs, Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}

func resolveAttachments(local, remote []Attachment) []Attachment {
	if len(local) == 0 {
		return remote
	}
	out := make([]Attachment, len(local))
	for i, a := range local {
		if i < len(remote) {
			r := remote[i]
			if r.Name == "" {
				r.Name = a.Name
			}
			if r.ContentType == "" {
				r.ContentType = a.ContentType
			}
			if r.Size == 0 {
				r.Size = a.Size
			}
			r.Data = nil
			out[i] = r
			continue
		}
		out[i] = a
	}
	return out
}
