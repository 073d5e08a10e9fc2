package chat

import "errors"

var (
	ErrEmptyMessage       = errors.New("message needs content or at least one attachment")
	ErrInvalidContext     = errors.New("context must be a task or a listing")
	ErrMissingParticipant = errors.New("message needs a sender and a recipient")
)

// Validate checks that d can be submitted.
func (d Draft) Validate() error {
	if !d.Key.Context.Type.Valid() || d.Key.Context.ID == "" {
		return ErrInvalidContext
	}
	if d.Key.CounterpartyID == "" {
		return ErrMissingParticipant
	}
	m := Message{Content: d.Content, Attachments: d.Attachments}
	if !m.Sendable() {
		return ErrEmptyMessage
	}
	return nil
}
