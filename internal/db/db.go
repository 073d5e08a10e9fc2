package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the schema and the triggers that publish row changes
// on the feed channel.
func (d *Database) AutoMigrate(feedChannel string) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id SERIAL PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ DEFAULT now()
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            context_type VARCHAR(10) NOT NULL CHECK (context_type IN ('task', 'listing')),
            context_id TEXT NOT NULL,
            sender_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            recipient_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            content TEXT NOT NULL DEFAULT '',
            attachments JSONB NOT NULL DEFAULT '[]',
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            read_at TIMESTAMPTZ,
            CHECK (content <> '' OR jsonb_array_length(attachments) > 0)
        )`,

		`CREATE INDEX IF NOT EXISTS messages_recipient_idx ON messages (recipient_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS messages_sender_idx ON messages (sender_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS notifications (
            id BIGSERIAL PRIMARY KEY,
            user_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            title TEXT NOT NULL,
            body TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		// pg_notify payloads are capped at 8000 bytes; big rows go out as
		// an id only and listeners load them.
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION gigchat_notify_change() RETURNS trigger AS $$
        DECLARE
            payload TEXT;
        BEGIN
            payload := json_build_object('table', TG_TABLE_NAME, 'op', TG_OP, 'row', row_to_json(NEW))::text;
            IF octet_length(payload) > 7900 THEN
                payload := json_build_object('table', TG_TABLE_NAME, 'op', TG_OP, 'id', NEW.id)::text;
            END IF;
            PERFORM pg_notify('%s', payload);
            RETURN NEW;
        END;
        $$ LANGUAGE plpgsql`, feedChannel),

		`DROP TRIGGER IF EXISTS messages_notify ON messages`,
		`CREATE TRIGGER messages_notify
            AFTER INSERT OR UPDATE OF read_at ON messages
            FOR EACH ROW EXECUTE FUNCTION gigchat_notify_change()`,

		`DROP TRIGGER IF EXISTS notifications_notify ON notifications`,
		`CREATE TRIGGER notifications_notify
            AFTER INSERT ON notifications
            FOR EACH ROW EXECUTE FUNCTION gigchat_notify_change()`,
	}

	for _, query := range queries {
		_, err := d.Conn.Exec(query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
