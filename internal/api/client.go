package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"gigchat/internal/chat"
	"gigchat/internal/notify"
	"gigchat/internal/session"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 8 << 20             // Attachments travel inline, base64 encoded.
	commandTimeout = 5 * time.Second
)

// Client is a middleman between the websocket connection and a session.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	user    chat.UserID
	session *session.Session
	stop    context.CancelFunc
}

func newClient(conn *websocket.Conn, user chat.UserID, stop context.CancelFunc) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, 256),
		user: user,
		stop: stop,
	}
}

// enqueue hands a frame to the write pump. A client that cannot keep up is
// disconnected; it rebuilds from a fresh snapshot when it reconnects.
func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		slog.Warn("ws: client too slow, disconnecting", "user", c.user)
		c.stop()
	}
}

// push is the session listener. It runs on the session goroutine, so the
// snapshot is encoded there and never touched again.
func (c *Client) push(u session.Update) {
	frame, err := encodeUpdate(u)
	if err != nil {
		slog.Error("ws: encode update", "user", c.user, "error", err)
		return
	}
	c.enqueue(frame)
}

// Alert implements notify.Alerter by pushing an alert frame.
func (c *Client) Alert(_ context.Context, a notify.Alert) error {
	frame, err := encodeAlert(a)
	if err != nil {
		return err
	}
	c.enqueue(frame)
	return nil
}

func (c *Client) reply(ref json.RawMessage, typ string, payload any) {
	frame, err := json.Marshal(outbound{Type: typ, Ref: ref, Payload: payload})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

// readPump pumps frames from the websocket connection to the session.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.stop()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("ws: read failed", "user", c.user, "error", err)
			}
			return
		}
		if err := c.handle(ctx, message); errors.Is(err, session.ErrSessionClosed) {
			return
		}
	}
}

func (c *Client) handle(ctx context.Context, message []byte) error {
	in, err := decodeInbound(message)
	if err != nil {
		c.reply(nil, FrameError, errorPayload{Message: err.Error()})
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch in.Type {
	case FrameOpen:
		err = c.session.Open(ctx, *in.Key)
	case FrameClose:
		err = c.session.CloseConversation(ctx)
	case FrameSend:
		var id chat.MessageID
		id, err = c.session.Submit(ctx, in.draft())
		if err == nil {
			c.reply(in.Ref, FrameAccepted, accepted{ProvisionalID: id})
		}
	}
	if err != nil {
		c.reply(in.Ref, FrameError, errorPayload{Message: err.Error()})
	}
	return err
}

// writePump pumps frames to the websocket connection until the session
// ends.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-c.session.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
