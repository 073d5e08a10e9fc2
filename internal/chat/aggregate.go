package chat

import (
	"sort"
	"time"
)

// BuildConversations groups a flat message list into threads keyed by
// context and counterparty. It is pure: the input is not modified and the
// same input always yields the same output, so callers re-derive state on
// every change instead of patching it.
func BuildConversations(messages []Message, currentUser UserID) []Conversation {
	groups := make(map[Key][]Message)
	var order []Key
	for _, m := range messages {
		k := m.KeyFor(currentUser)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], m.clone())
	}

	out := make([]Conversation, 0, len(order))
	for _, k := range order {
		msgs := dedupe(groups[k])
		sortMessages(msgs)
		c := Conversation{
			Key:          k,
			Messages:     msgs,
			Counterparty: Counterparty{ID: k.CounterpartyID},
		}
		out = append(out, recompute(c, currentUser))
	}
	SortConversations(out)
	return out
}

// Placeholder returns an empty thread for a context that has no history yet,
// e.g. a "start a conversation" deep link. Its last message only orders the
// thread in the list; it is never persisted or sent.
func Placeholder(k Key, now time.Time) Conversation {
	return Conversation{
		Key:          k,
		Messages:     []Message{},
		LastMessage:  &Message{Context: k.Context, RecipientID: k.CounterpartyID, CreatedAt: now, Status: StatusConfirmed},
		Counterparty: Counterparty{ID: k.CounterpartyID},
		Placeholder:  true,
	}
}

// EnsureConversation returns list with a placeholder for k appended when no
// thread with that key exists, plus the index of the thread for k.
func EnsureConversation(list []Conversation, k Key, now time.Time) ([]Conversation, int) {
	if i := Find(list, k); i >= 0 {
		return list, i
	}
	list = append(list, Placeholder(k, now))
	return list, len(list) - 1
}

// Find returns the index of the conversation with key k, or -1.
func Find(list []Conversation, k Key) int {
	for i := range list {
		if list[i].Key == k {
			return i
		}
	}
	return -1
}

// Counterparties lists the distinct counterparties of list.
func Counterparties(list []Conversation) []UserID {
	seen := make(map[UserID]bool, len(list))
	var out []UserID
	for _, c := range list {
		if id := c.Key.CounterpartyID; !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// WithCounterparties fills in counterparty display names and online flags.
func WithCounterparties(list []Conversation, names map[UserID]string, online func(UserID) bool) []Conversation {
	out := make([]Conversation, len(list))
	for i, c := range list {
		c = c.clone()
		if name, ok := names[c.Key.CounterpartyID]; ok {
			c.Counterparty.DisplayName = name
		}
		if online != nil {
			c.Counterparty.Online = online(c.Key.CounterpartyID)
		}
		out[i] = c
	}
	return out
}

// SortConversations orders threads by most recent activity first.
func SortConversations(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		ti, tj := lastActivity(list[i]), lastActivity(list[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return list[i].Key.String() < list[j].Key.String()
	})
}

func lastActivity(c Conversation) time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.CreatedAt
}

// dedupe drops repeated ids, keeping the first copy but adopting a read
// timestamp from any later one.
func dedupe(msgs []Message) []Message {
	seen := make(map[MessageID]int, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if i, ok := seen[m.ID]; ok {
			if out[i].ReadAt == nil && m.ReadAt != nil {
				out[i].ReadAt = m.ReadAt
			}
			continue
		}
		seen[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return messageLess(msgs[i], msgs[j])
	})
}

func messageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return idLess(a.ID, b.ID)
}

// idLess orders server ids numerically and puts provisional ids last.
func idLess(a, b MessageID) bool {
	pa, pb := a.IsProvisional(), b.IsProvisional()
	if pa != pb {
		return pb
	}
	if len(a) != len(b) && !pa {
		return len(a) < len(b)
	}
	return a < b
}

// recompute refreshes the cached last message and unread count.
func recompute(c Conversation, currentUser UserID) Conversation {
	c.UnreadCount = 0
	for _, m := range c.Messages {
		if m.Unread(currentUser) {
			c.UnreadCount++
		}
	}
	n := len(c.Messages)
	if n > 0 {
		last := c.Messages[n-1].clone()
		c.LastMessage = &last
		c.Placeholder = false
		return c
	}
	// Emptied thread, e.g. its only pending send failed: fall back to a
	// synthetic last message at the same position in the list.
	at := time.Time{}
	if c.LastMessage != nil {
		at = c.LastMessage.CreatedAt
	}
	p := Placeholder(c.Key, at)
	p.Counterparty = c.Counterparty
	return p
}
