package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigchat/internal/chat"
)

var (
	taskT1    = chat.Context{Type: chat.ContextTask, ID: "T1"}
	taskT2    = chat.Context{Type: chat.ContextTask, ID: "T2"}
	listingT1 = chat.Context{Type: chat.ContextListing, ID: "T1"}
)

func TestShouldSuppress(t *testing.T) {
	open := chat.Key{Context: taskT1, CounterpartyID: "bob"}
	tests := []struct {
		name   string
		event  chat.Key
		active *chat.Key
		want   bool
	}{
		{name: "exact match", event: open, active: &open, want: true},
		{name: "same context different counterparty", event: chat.Key{Context: taskT1, CounterpartyID: "eve"}, active: &open, want: false},
		{name: "same counterparty different context", event: chat.Key{Context: taskT2, CounterpartyID: "bob"}, active: &open, want: false},
		{name: "same id under listing instead of task", event: chat.Key{Context: listingT1, CounterpartyID: "bob"}, active: &open, want: false},
		{name: "no active conversation", event: open, active: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldSuppress(tt.event, tt.active))
		})
	}
}

type captureAlerter struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (c *captureAlerter) Alert(_ context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return c.err
}

type countingPermission struct {
	calls int
	grant bool
	err   error
}

func (p *countingPermission) Request(context.Context) (bool, error) {
	p.calls++
	return p.grant, p.err
}

func TestGateReadsActiveKeyAtDeliveryTime(t *testing.T) {
	var active *chat.Key
	alerts := &captureAlerter{}
	g := NewGate(alerts, nil, func() *chat.Key { return active })

	bob := chat.Key{Context: taskT1, CounterpartyID: "bob"}
	m := chat.Message{ID: "1", Context: taskT1, SenderID: "bob", RecipientID: "me", Content: "hi"}

	assert.True(t, g.Message(context.Background(), m, bob, "Bob"))

	active = &bob
	assert.False(t, g.Message(context.Background(), m, bob, "Bob"))

	other := chat.Key{Context: taskT2, CounterpartyID: "bob"}
	active = &other
	assert.True(t, g.Message(context.Background(), m, bob, "Bob"))

	require.Len(t, alerts.alerts, 2)
	assert.Equal(t, "New message from Bob", alerts.alerts[0].Title)
	assert.Equal(t, "hi", alerts.alerts[0].Body)
	assert.Equal(t, bob, *alerts.alerts[0].Key)
}

func TestGateRequestsPermissionOnce(t *testing.T) {
	perm := &countingPermission{grant: true}
	alerts := &captureAlerter{}
	g := NewGate(alerts, perm, func() *chat.Key { return nil })

	g.Notification(context.Background(), chat.Notification{Title: "Bid accepted", Body: "Your bid on T1 was accepted"})
	g.Notification(context.Background(), chat.Notification{Title: "Payment", Body: "Released"})

	assert.Equal(t, 1, perm.calls)
	require.Len(t, alerts.alerts, 2)
	assert.True(t, alerts.alerts[1].System)
	assert.Nil(t, alerts.alerts[0].Key)
}

func TestGateFallsBackToInAppWhenPermissionFails(t *testing.T) {
	perm := &countingPermission{grant: true, err: errors.New("prompt dismissed")}
	alerts := &captureAlerter{err: errors.New("socket closed")}
	g := NewGate(alerts, perm, func() *chat.Key { return nil })

	m := chat.Message{ID: "2", Attachments: []chat.Attachment{chat.RemoteAttachment("blob://a")}}
	assert.True(t, g.Message(context.Background(), m, chat.Key{Context: taskT1, CounterpartyID: "bob"}, ""))

	require.Len(t, alerts.alerts, 1)
	assert.False(t, alerts.alerts[0].System)
	assert.Equal(t, "New message", alerts.alerts[0].Title)
	assert.Equal(t, "Sent an attachment", alerts.alerts[0].Body)
}

func TestGateDecisionHook(t *testing.T) {
	var decisions []bool
	bob := chat.Key{Context: taskT1, CounterpartyID: "bob"}
	g := NewGate(&captureAlerter{}, nil, func() *chat.Key { return &bob }, WithDecisionHook(func(s bool) {
		decisions = append(decisions, s)
	}))

	g.Message(context.Background(), chat.Message{ID: "1"}, bob, "")
	g.Message(context.Background(), chat.Message{ID: "2"}, chat.Key{Context: taskT2, CounterpartyID: "bob"}, "")

	assert.Equal(t, []bool{true, false}, decisions)
}
