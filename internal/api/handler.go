package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"gigchat/internal/chat"
	myMiddleware "gigchat/internal/middleware"
	"gigchat/internal/notify"
	"gigchat/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Files serves stored attachments.
type Files interface {
	Read(ctx context.Context, uri string) ([]byte, error)
	SignedURL(ctx context.Context, uri string) (string, error)
}

// Notifications writes notification records.
type Notifications interface {
	InsertNotification(ctx context.Context, n chat.Notification) (chat.Notification, error)
}

// AttachmentAccess decides whether a user may fetch an attachment.
type AttachmentAccess interface {
	CanReadAttachment(ctx context.Context, user chat.UserID, uri string) (bool, error)
}

type Handler struct {
	deps          session.Deps
	files         Files
	notifications Notifications
	access        AttachmentAccess
	opts          []session.Option
}

// NewHandler binds every websocket to its own session built from deps.
// Alerter and Permission are supplied per connection.
func NewHandler(deps session.Deps, files Files, opts ...session.Option) *Handler {
	h := &Handler{deps: deps, files: files, opts: opts}
	if n, ok := deps.Store.(Notifications); ok {
		h.notifications = n
	}
	if a, ok := deps.Store.(AttachmentAccess); ok {
		h.access = a
	}
	return h
}

// ServeWs upgrades the request and runs a session for the caller until the
// socket closes.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws: upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := newClient(conn, userID, cancel)

	deps := h.deps
	deps.Alerter = client
	deps.Permission = clientPermission(r.URL.Query().Get("notify"))
	opts := append([]session.Option{session.WithListener(client.push)}, h.opts...)
	client.session = session.New(userID, deps, opts...)

	go func() {
		slog.Info("ws: session started", "user", userID, "username", username)
		if err := client.session.Run(ctx); err != nil {
			slog.Error("ws: session ended", "user", userID, "error", err)
		}
		cancel()
		slog.Info("ws: session closed", "user", userID)
	}()

	go client.writePump()
	go client.readPump(ctx)

	if k, ok := deepLink(r); ok {
		go func() {
			ctx, done := context.WithTimeout(ctx, commandTimeout)
			defer done()
			if err := client.session.Open(ctx, k); err != nil {
				client.reply(nil, FrameError, errorPayload{Message: err.Error()})
			}
		}()
	}
}

// Conversations returns the caller's threads built from history.
func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	msgs, err := h.deps.Store.ListForUser(r.Context(), userID)
	if err != nil {
		slog.Error("api: list messages", "user", userID, "error", err)
		http.Error(w, "could not load conversations", http.StatusInternalServerError)
		return
	}
	convs := chat.BuildConversations(msgs, userID)

	names := map[chat.UserID]string{}
	if h.deps.Names != nil {
		if names, err = h.deps.Names.Usernames(r.Context(), chat.Counterparties(convs)); err != nil {
			slog.Warn("api: name lookup failed", "error", err)
			names = map[chat.UserID]string{}
		}
	}
	convs = chat.WithCounterparties(convs, names, nil)
	if convs == nil {
		convs = []chat.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

// Attachment redirects to a signed URL for an attachment URI, or streams it
// when the bucket cannot sign. Only the sender and recipient of the message
// carrying the attachment may fetch it.
func (h *Handler) Attachment(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	uri := r.URL.Query().Get("uri")
	if !strings.HasPrefix(uri, "blob://") || h.files == nil {
		http.Error(w, "unknown attachment", http.StatusNotFound)
		return
	}
	allowed, err := h.canRead(r.Context(), userID, uri)
	if err != nil {
		slog.Error("api: attachment access check", "user", userID, "error", err)
		http.Error(w, "could not check attachment", http.StatusInternalServerError)
		return
	}
	if !allowed {
		http.Error(w, "unknown attachment", http.StatusNotFound)
		return
	}

	if signed, err := h.files.SignedURL(r.Context(), uri); err == nil {
		http.Redirect(w, r, signed, http.StatusFound)
		return
	}
	data, err := h.files.Read(r.Context(), uri)
	if err != nil {
		http.Error(w, "unknown attachment", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Write(data)
}

// canRead asks the store when it can answer directly and otherwise looks
// through the user's history.
func (h *Handler) canRead(ctx context.Context, user chat.UserID, uri string) (bool, error) {
	if h.access != nil {
		return h.access.CanReadAttachment(ctx, user, uri)
	}
	msgs, err := h.deps.Store.ListForUser(ctx, user)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		for _, a := range m.Attachments {
			if a.URI == uri {
				return true, nil
			}
		}
	}
	return false, nil
}

type notificationRequest struct {
	UserID chat.UserID `json:"user_id"`
	Title  string      `json:"title"`
	Body   string      `json:"body"`
}

// Notify stores a notification for a user. It reaches them through the
// change feed like any other row. It is mounted behind the service key, not
// user tokens.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	if h.notifications == nil {
		http.Error(w, "notifications are not available", http.StatusNotImplemented)
		return
	}
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || strings.TrimSpace(req.Title) == "" {
		http.Error(w, "user_id and title are required", http.StatusBadRequest)
		return
	}

	n, err := h.notifications.InsertNotification(r.Context(), chat.Notification{UserID: req.UserID, Title: req.Title, Body: req.Body})
	if err != nil {
		slog.Error("api: insert notification", "user", req.UserID, "error", err)
		http.Error(w, "could not store notification", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// deepLink reads a "start a conversation" link:
// ?context_type=task&context_id=T1&with=42
func deepLink(r *http.Request) (chat.Key, bool) {
	q := r.URL.Query()
	k := chat.Key{
		Context:        chat.Context{Type: chat.ContextType(q.Get("context_type")), ID: q.Get("context_id")},
		CounterpartyID: chat.UserID(q.Get("with")),
	}
	return k, k.Context.Type.Valid() && k.Context.ID != "" && k.CounterpartyID != ""
}

// clientPermission is the browser's answer to the notification prompt,
// passed as ?notify=granted|denied when the socket opens.
type clientPermission string

func (p clientPermission) Request(context.Context) (bool, error) {
	return p == "granted", nil
}

var _ notify.Permission = clientPermission("")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
