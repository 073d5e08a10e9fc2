package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigchat/internal/chat"
)

type stubLoader struct {
	msg   chat.Message
	notif chat.Notification
	ids   []int64
}

func (l *stubLoader) LoadMessage(_ context.Context, id int64) (chat.Message, error) {
	l.ids = append(l.ids, id)
	return l.msg, nil
}

func (l *stubLoader) LoadNotification(_ context.Context, id int64) (chat.Notification, error) {
	l.ids = append(l.ids, id)
	return l.notif, nil
}

func TestDecodeInsertedMessage(t *testing.T) {
	payload := `{"table":"messages","op":"INSERT","row":{"id":501,"context_type":"listing","context_id":"L9","sender_id":2,"recipient_id":1,"content":"","attachments":["blob://a/1.png","blob://a/2.png"],"created_at":"2026-03-02T09:00:00.123456+00:00","read_at":null}}`

	e, err := Decode(context.Background(), []byte(payload), nil)
	require.NoError(t, err)

	ins, ok := e.(Inserted)
	require.True(t, ok)
	m := ins.Message
	assert.Equal(t, chat.MessageID("501"), m.ID)
	assert.Equal(t, chat.Context{Type: chat.ContextListing, ID: "L9"}, m.Context)
	assert.Equal(t, chat.UserID("2"), m.SenderID)
	assert.Equal(t, chat.UserID("1"), m.RecipientID)
	assert.Equal(t, chat.StatusConfirmed, m.Status)
	assert.Nil(t, m.ReadAt)
	require.Len(t, m.Attachments, 2)
	assert.Equal(t, chat.RemoteAttachment("blob://a/2.png"), m.Attachments[1])
	assert.Equal(t, 123456000, m.CreatedAt.Nanosecond())
}

func TestDecodeReadReceipt(t *testing.T) {
	e, err := Decode(context.Background(), []byte(readByBob), nil)
	require.NoError(t, err)

	rr, ok := e.(ReadReceiptUpdated)
	require.True(t, ok)
	assert.Equal(t, chat.MessageID("502"), rr.ID)
	assert.Equal(t, chat.UserID("1"), rr.SenderID)
	assert.True(t, rr.ReadAt.Equal(time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)))
}

func TestDecodeNotification(t *testing.T) {
	payload := `{"table":"notifications","op":"INSERT","row":{"id":9,"user_id":1,"title":"Bid accepted","body":"T1","created_at":"2026-03-02T09:00:00Z"}}`
	e, err := Decode(context.Background(), []byte(payload), nil)
	require.NoError(t, err)

	n, ok := e.(NotificationInserted)
	require.True(t, ok)
	assert.Equal(t, "9", n.Notification.ID)
	assert.Equal(t, chat.UserID("1"), n.Notification.UserID)
	assert.Equal(t, "Bid accepted", n.Notification.Title)
}

func TestDecodeSlimPayloadUsesLoader(t *testing.T) {
	loader := &stubLoader{msg: chat.Message{ID: "777", RecipientID: "1"}}
	e, err := Decode(context.Background(), []byte(`{"table":"messages","op":"INSERT","id":777}`), loader)
	require.NoError(t, err)

	assert.Equal(t, []int64{777}, loader.ids)
	assert.Equal(t, chat.MessageID("777"), e.(Inserted).Message.ID)

	_, err = Decode(context.Background(), []byte(`{"table":"messages","op":"INSERT","id":777}`), nil)
	assert.Error(t, err)
}

func TestDecodeRejectsUnsupportedChanges(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "update without read_at", payload: `{"table":"messages","op":"UPDATE","row":{"id":1,"sender_id":1,"recipient_id":2,"created_at":"2026-03-02T09:00:00Z","read_at":null}}`},
		{name: "delete", payload: `{"table":"messages","op":"DELETE","row":{"id":1,"created_at":"2026-03-02T09:00:00Z"}}`},
		{name: "other table", payload: `{"table":"gigs","op":"INSERT","row":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(context.Background(), []byte(tt.payload), nil)
			assert.True(t, errors.Is(err, ErrUnsupportedChange), "got %v", err)
		})
	}

	_, err := Decode(context.Background(), []byte(`not json`), nil)
	assert.Error(t, err)
}

func TestFilterMatch(t *testing.T) {
	f := Filter{UserID: "1"}
	assert.True(t, f.Match(Inserted{Message: chat.Message{RecipientID: "1", SenderID: "2"}}))
	assert.False(t, f.Match(Inserted{Message: chat.Message{RecipientID: "2", SenderID: "1"}}))
	assert.True(t, f.Match(ReadReceiptUpdated{SenderID: "1"}))
	assert.False(t, f.Match(ReadReceiptUpdated{SenderID: "2"}))
	assert.True(t, f.Match(NotificationInserted{Notification: chat.Notification{UserID: "1"}}))
	assert.True(t, f.Match(Resynced{}))
}

func TestKind(t *testing.T) {
	assert.Equal(t, "inserted", Kind(Inserted{}))
	assert.Equal(t, "read_receipt", Kind(ReadReceiptUpdated{}))
	assert.Equal(t, "notification", Kind(NotificationInserted{}))
	assert.Equal(t, "resynced", Kind(Resynced{}))
}
