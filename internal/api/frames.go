package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"gigchat/internal/chat"
	"gigchat/internal/notify"
	"gigchat/internal/session"
)

// Frame types on the websocket.
const (
	FrameOpen  = "open"
	FrameClose = "close"
	FrameSend  = "send"

	FrameSnapshot   = "snapshot"
	FrameAlert      = "alert"
	FramePresence   = "presence"
	FrameSendFailed = "send_failed"
	FrameAccepted   = "accepted"
	FrameError      = "error"
)

// maxAttachments bounds one send.
const maxAttachments = 10

// inbound is a frame from the browser.
type inbound struct {
	Type        string          `json:"type"`
	Key         *chat.Key       `json:"key,omitempty"`
	Content     string          `json:"content,omitempty"`
	Attachments []inAttachment  `json:"attachments,omitempty"`
	Ref         json.RawMessage `json:"ref,omitempty"`
}

// inAttachment carries file bytes base64 encoded in "data".
type inAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

type outbound struct {
	Type    string          `json:"type"`
	Ref     json.RawMessage `json:"ref,omitempty"`
	Payload any             `json:"payload,omitempty"`
}

type accepted struct {
	ProvisionalID chat.MessageID `json:"provisional_id"`
}

// sendFailed hands the draft back in the same shape as a send frame, file
// bytes included, so the composer can be restored and resent.
type sendFailed struct {
	ProvisionalID chat.MessageID `json:"provisional_id"`
	Draft         failedDraft    `json:"draft"`
	Error         string         `json:"error"`
}

type failedDraft struct {
	Key         chat.Key       `json:"key"`
	Content     string         `json:"content,omitempty"`
	Attachments []inAttachment `json:"attachments,omitempty"`
}

func newSendFailed(u session.SendFailed) sendFailed {
	d := failedDraft{Key: u.Draft.Key, Content: u.Draft.Content}
	for _, a := range u.Draft.Attachments {
		d.Attachments = append(d.Attachments, inAttachment{Name: a.Name, ContentType: a.ContentType, Data: a.Data})
	}
	return sendFailed{ProvisionalID: u.ProvisionalID, Draft: d, Error: u.Error}
}

type errorPayload struct {
	Message string `json:"message"`
}

var errMissingKey = errors.New("frame needs a conversation key")

func decodeInbound(data []byte) (inbound, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return inbound{}, fmt.Errorf("bad frame: %w", err)
	}
	switch in.Type {
	case FrameOpen, FrameSend:
		if in.Key == nil {
			return inbound{}, errMissingKey
		}
	case FrameClose:
	default:
		return inbound{}, fmt.Errorf("unknown frame type %q", in.Type)
	}
	if len(in.Attachments) > maxAttachments {
		return inbound{}, fmt.Errorf("at most %d attachments per message", maxAttachments)
	}
	return in, nil
}

// draft turns a send frame into composer content.
func (in inbound) draft() chat.Draft {
	d := chat.Draft{Key: *in.Key, Content: in.Content}
	for _, a := range in.Attachments {
		d.Attachments = append(d.Attachments, chat.LocalAttachment(a.Name, a.ContentType, a.Data))
	}
	return d
}

func encodeUpdate(u session.Update) ([]byte, error) {
	switch u := u.(type) {
	case session.Snapshot:
		return json.Marshal(outbound{Type: FrameSnapshot, Payload: u})
	case session.SendFailed:
		return json.Marshal(outbound{Type: FrameSendFailed, Payload: newSendFailed(u)})
	case session.PresenceChanged:
		return json.Marshal(outbound{Type: FramePresence, Payload: u})
	default:
		return nil, fmt.Errorf("unknown update %T", u)
	}
}

func encodeAlert(a notify.Alert) ([]byte, error) {
	return json.Marshal(outbound{Type: FrameAlert, Payload: a})
}
