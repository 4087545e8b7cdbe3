package db

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ChangeChannel is the Postgres NOTIFY channel carrying conversation row changes.
const ChangeChannel = "conversation_changes"

// Connect initializes the database connection and runs migrations.
func Connect(dsn string, logger *slog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied", "statements", len(migrations))
	return db, nil
}

// profiles and properties belong to the marketplace; they are created here only so a fresh
// database is usable, and existing tables are left untouched.
var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto;`,
	`CREATE TABLE IF NOT EXISTS profiles (
            id UUID PRIMARY KEY,
            name TEXT NOT NULL,
            email TEXT NOT NULL DEFAULT '',
            avatar_url TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS properties (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            agent_id UUID NOT NULL,
            title TEXT NOT NULL,
            images TEXT[] NOT NULL DEFAULT '{}',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS conversations (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            property_id UUID NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
            buyer_id UUID NOT NULL,
            agent_id UUID NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE UNIQUE INDEX IF NOT EXISTS conversations_triple_idx
            ON conversations (property_id, buyer_id, agent_id);`,
	`CREATE INDEX IF NOT EXISTS conversations_buyer_idx ON conversations (buyer_id, updated_at DESC);`,
	`CREATE INDEX IF NOT EXISTS conversations_agent_idx ON conversations (agent_id, updated_at DESC);`,
	`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id UUID NOT NULL,
            content TEXT NOT NULL CHECK (length(btrim(content)) > 0),
            read BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
        );`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at, id);`,
	`CREATE INDEX IF NOT EXISTS messages_unread_idx ON messages (conversation_id, sender_id) WHERE read = FALSE;`,
	`CREATE OR REPLACE FUNCTION touch_conversation() RETURNS trigger AS $$
        BEGIN
            UPDATE conversations SET updated_at = NEW.created_at WHERE id = NEW.conversation_id;
            RETURN NEW;
        END;
        $$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS messages_touch_conversation ON messages;`,
	`CREATE TRIGGER messages_touch_conversation AFTER INSERT ON messages
            FOR EACH ROW EXECUTE FUNCTION touch_conversation();`,
	`CREATE OR REPLACE FUNCTION notify_conversation_change() RETURNS trigger AS $$
        DECLARE
            rec conversations%ROWTYPE;
        BEGIN
            IF TG_OP = 'DELETE' THEN
                rec := OLD;
            ELSE
                rec := NEW;
            END IF;
            PERFORM pg_notify('` + ChangeChannel + `', json_build_object(
                'op', TG_OP,
                'id', rec.id,
                'buyer_id', rec.buyer_id,
                'agent_id', rec.agent_id
            )::text);
            RETURN NULL;
        END;
        $$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS conversations_notify ON conversations;`,
	`CREATE TRIGGER conversations_notify AFTER INSERT OR UPDATE OR DELETE ON conversations
            FOR EACH ROW EXECUTE FUNCTION notify_conversation_change();`,
	// read receipts change unread counts without touching the conversation row
	`CREATE OR REPLACE FUNCTION notify_messages_read() RETURNS trigger AS $$
        BEGIN
            PERFORM pg_notify('` + ChangeChannel + `', json_build_object(
                'op', 'UPDATE',
                'id', c.id,
                'buyer_id', c.buyer_id,
                'agent_id', c.agent_id
            )::text)
            FROM conversations c
            WHERE c.id = NEW.conversation_id;
            RETURN NULL;
        END;
        $$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS messages_read_notify ON messages;`,
	`CREATE TRIGGER messages_read_notify AFTER UPDATE OF read ON messages
            FOR EACH ROW WHEN (OLD.read IS DISTINCT FROM NEW.read)
            EXECUTE FUNCTION notify_messages_read();`,
}

func runMigrations(db *sqlx.DB) error {
	for i, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
