package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0    = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	task1 = Context{Type: ContextTask, ID: "T1"}
	list7 = Context{Type: ContextListing, ID: "L7"}
)

func msg(id string, ctx Context, from, to UserID, offset time.Duration) Message {
	return Message{
		ID:          MessageID(id),
		Context:     ctx,
		SenderID:    from,
		RecipientID: to,
		Content:     "body " + id,
		CreatedAt:   t0.Add(offset),
		Status:      StatusConfirmed,
	}
}

func TestBuildConversationsGroupsByContextAndCounterparty(t *testing.T) {
	msgs := []Message{
		msg("3", task1, "a", "b", 3*time.Minute),
		msg("1", task1, "b", "a", time.Minute),
		msg("2", list7, "b", "a", 2*time.Minute),
		msg("4", task1, "c", "a", 4*time.Minute),
	}

	convs := BuildConversations(msgs, "a")
	require.Len(t, convs, 3)

	// most recent activity first
	assert.Equal(t, Key{Context: task1, CounterpartyID: "c"}, convs[0].Key)
	assert.Equal(t, Key{Context: task1, CounterpartyID: "b"}, convs[1].Key)
	assert.Equal(t, Key{Context: list7, CounterpartyID: "b"}, convs[2].Key)

	ab := convs[1]
	require.Len(t, ab.Messages, 2)
	assert.Equal(t, MessageID("1"), ab.Messages[0].ID)
	assert.Equal(t, MessageID("3"), ab.Messages[1].ID)
	require.NotNil(t, ab.LastMessage)
	assert.Equal(t, MessageID("3"), ab.LastMessage.ID)
	assert.Equal(t, 1, ab.UnreadCount)
	assert.Equal(t, UserID("b"), ab.Counterparty.ID)
}

func TestBuildConversationsUnreadCountsOnlyMessagesToCurrentUser(t *testing.T) {
	read := t0.Add(time.Hour)
	m1 := msg("1", task1, "b", "a", time.Minute)
	m2 := msg("2", task1, "b", "a", 2*time.Minute)
	m2.ReadAt = &read
	m3 := msg("3", task1, "a", "b", 3*time.Minute)

	convs := BuildConversations([]Message{m1, m2, m3}, "a")
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].UnreadCount)

	fromB := BuildConversations([]Message{m1, m2, m3}, "b")
	require.Len(t, fromB, 1)
	assert.Equal(t, 1, fromB[0].UnreadCount, "m3 is addressed to b and unread")
}

func TestBuildConversationsIsPureAndIdempotent(t *testing.T) {
	msgs := []Message{
		msg("2", task1, "b", "a", 2*time.Minute),
		msg("1", task1, "a", "b", time.Minute),
	}
	before := append([]Message(nil), msgs...)

	first := BuildConversations(msgs, "a")
	second := BuildConversations(msgs, "a")

	assert.Equal(t, first, second)
	assert.Equal(t, before, msgs, "input must not be reordered")
}

func TestBuildConversationsDropsDuplicateIDs(t *testing.T) {
	read := t0.Add(time.Hour)
	dup := msg("1", task1, "b", "a", time.Minute)
	dup.ReadAt = &read

	convs := BuildConversations([]Message{
		msg("1", task1, "b", "a", time.Minute),
		dup,
		msg("1", task1, "b", "a", time.Minute),
	}, "a")

	require.Len(t, convs, 1)
	require.Len(t, convs[0].Messages, 1)
	require.NotNil(t, convs[0].Messages[0].ReadAt)
	assert.Equal(t, 0, convs[0].UnreadCount)
}

func TestBuildConversationsOrdersServerIDsNumericallyOnTies(t *testing.T) {
	convs := BuildConversations([]Message{
		msg("10", task1, "b", "a", 0),
		msg("9", task1, "b", "a", 0),
	}, "a")

	require.Len(t, convs[0].Messages, 2)
	assert.Equal(t, MessageID("9"), convs[0].Messages[0].ID)
	assert.Equal(t, MessageID("10"), convs[0].Messages[1].ID)
}

func TestEnsureConversationSynthesizesPlaceholder(t *testing.T) {
	k := Key{Context: list7, CounterpartyID: "z"}
	list, i := EnsureConversation(nil, k, t0)

	require.Len(t, list, 1)
	assert.Equal(t, 0, i)
	c := list[0]
	assert.True(t, c.Placeholder)
	assert.Empty(t, c.Messages)
	require.NotNil(t, c.LastMessage)
	assert.Empty(t, c.LastMessage.ID, "synthetic last message has no id")
	assert.Equal(t, t0, c.LastMessage.CreatedAt)

	again, j := EnsureConversation(list, k, t0.Add(time.Hour))
	assert.Len(t, again, 1)
	assert.Equal(t, 0, j)
}

func TestWithCounterparties(t *testing.T) {
	convs := BuildConversations([]Message{
		msg("1", task1, "b", "a", time.Minute),
		msg("2", task1, "c", "a", 2*time.Minute),
	}, "a")

	assert.Equal(t, []UserID{"c", "b"}, Counterparties(convs))
	out := WithCounterparties(convs, map[UserID]string{"b": "Bea"}, func(id UserID) bool { return id == "c" })

	require.Len(t, out, 2)
	assert.Equal(t, "", out[0].Counterparty.DisplayName)
	assert.True(t, out[0].Counterparty.Online)
	assert.Equal(t, "Bea", out[1].Counterparty.DisplayName)
	assert.False(t, out[1].Counterparty.Online)
	assert.Empty(t, convs[1].Counterparty.DisplayName, "input is not mutated")
}

func TestDraftValidate(t *testing.T) {
	k := Key{Context: task1, CounterpartyID: "b"}
	tests := []struct {
		name  string
		draft Draft
		want  error
	}{
		{name: "text only", draft: Draft{Key: k, Content: "hi"}},
		{name: "attachment only", draft: Draft{Key: k, Attachments: []Attachment{LocalAttachment("a.png", "image/png", []byte{1})}}},
		{name: "blank text", draft: Draft{Key: k, Content: "   "}, want: ErrEmptyMessage},
		{name: "bad context", draft: Draft{Key: Key{Context: Context{Type: "gig", ID: "1"}, CounterpartyID: "b"}, Content: "hi"}, want: ErrInvalidContext},
		{name: "no counterparty", draft: Draft{Key: Key{Context: task1}, Content: "hi"}, want: ErrMissingParticipant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.draft.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
