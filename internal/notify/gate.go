package notify

import (
	"context"
	"log/slog"
	"sync"

	"gigchat/internal/chat"
)

// ShouldSuppress reports whether an incoming message for key must stay
// silent because the user is looking at exactly that thread. A thread with
// the same counterparty under another task or listing is a different
// thread and still alerts.
func ShouldSuppress(key chat.Key, active *chat.Key) bool {
	return active != nil && *active == key
}

// Alert is a user-visible notification.
type Alert struct {
	Title string    `json:"title"`
	Body  string    `json:"body"`
	Key   *chat.Key `json:"key,omitempty"`
	// System is set when the host allowed system-level alerts.
	System bool `json:"system"`
	Sound  bool `json:"sound"`
}

// Alerter delivers alerts to the user.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// Permission asks the host environment for permission to show system
// alerts.
type Permission interface {
	Request(ctx context.Context) (bool, error)
}

// AlwaysGranted is a Permission that never prompts.
type AlwaysGranted struct{}

func (AlwaysGranted) Request(context.Context) (bool, error) { return true, nil }

// Gate turns routed events into alerts. The active conversation is read
// through a function at delivery time, never captured in advance, since
// the user may switch threads between subscribing and the event arriving.
type Gate struct {
	alerter    Alerter
	permission Permission
	active     func() *chat.Key
	onDecision func(suppressed bool)

	once    sync.Once
	allowed bool
}

type Option func(*Gate)

// WithDecisionHook is called after every message decision; used for metrics.
func WithDecisionHook(fn func(suppressed bool)) Option {
	return func(g *Gate) { g.onDecision = fn }
}

func NewGate(alerter Alerter, permission Permission, active func() *chat.Key, opts ...Option) *Gate {
	if permission == nil {
		permission = AlwaysGranted{}
	}
	g := &Gate{alerter: alerter, permission: permission, active: active}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestPermission asks the host once; later calls return the first answer.
func (g *Gate) RequestPermission(ctx context.Context) bool {
	g.once.Do(func() {
		ok, err := g.permission.Request(ctx)
		if err != nil {
			slog.Warn("notify: permission request failed", "error", err)
		}
		g.allowed = ok && err == nil
	})
	return g.allowed
}

// Message handles a new message addressed to the current user. It returns
// true when an alert was raised.
func (g *Gate) Message(ctx context.Context, m chat.Message, key chat.Key, senderName string) bool {
	suppressed := ShouldSuppress(key, g.active())
	if g.onDecision != nil {
		g.onDecision(suppressed)
	}
	if suppressed {
		return false
	}
	title := "New message"
	if senderName != "" {
		title = "New message from " + senderName
	}
	body := m.Content
	if body == "" && len(m.Attachments) > 0 {
		body = "Sent an attachment"
	}
	k := key
	g.deliver(ctx, Alert{Title: title, Body: body, Key: &k, Sound: true})
	return true
}

// Notification handles a generic notification record. These are not tied
// to a conversation and always alert.
func (g *Gate) Notification(ctx context.Context, n chat.Notification) {
	g.deliver(ctx, Alert{Title: n.Title, Body: n.Body, Sound: true})
}

func (g *Gate) deliver(ctx context.Context, a Alert) {
	a.System = g.RequestPermission(ctx)
	if err := g.alerter.Alert(ctx, a); err != nil {
		slog.Warn("notify: deliver failed", "title", a.Title, "error", err)
	}
}
