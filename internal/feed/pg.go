package feed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DefaultChannel is the NOTIFY channel the database triggers publish on.
const DefaultChannel = "gigchat_changes"

// PGSource listens for trigger notifications on a dedicated connection.
// LISTEN needs a session of its own, so it does not share the pool.
type PGSource struct {
	dsn     string
	channel string
}

func NewPGSource(dsn, channel string) *PGSource {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PGSource{dsn: dsn, channel: channel}
}

func (s *PGSource) Listen(ctx context.Context, ready func(), handle func(payload []byte)) error {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", s.channel, err)
	}
	ready()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		handle([]byte(n.Payload))
	}
}
