package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations on PostgreSQL.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		// Direct conversations
		`CREATE TABLE IF NOT EXISTS conversations (
			id                   BIGSERIAL    PRIMARY KEY,
			participant_a        BIGINT       NOT NULL,
			participant_b        BIGINT       NOT NULL,
			job_id               TEXT         NOT NULL DEFAULT '',
			conversation_type    VARCHAR(16)  NOT NULL DEFAULT 'general',
			last_message_content TEXT,
			last_message_sender  BIGINT,
			last_message_at      TIMESTAMPTZ,
			is_active            BOOLEAN      NOT NULL DEFAULT TRUE,
			created_at           TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			CHECK (participant_a < participant_b)
		)`,

		// Rooms
		`CREATE TABLE IF NOT EXISTS rooms (
			id            BIGSERIAL    PRIMARY KEY,
			name          VARCHAR(100) NOT NULL,
			description   TEXT         NOT NULL DEFAULT '',
			created_by    BIGINT       NOT NULL,
			job_id        TEXT         NOT NULL DEFAULT '',
			is_private    BOOLEAN      NOT NULL DEFAULT FALSE,
			is_active     BOOLEAN      NOT NULL DEFAULT TRUE,
			last_activity TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			created_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS room_members (
			room_id   BIGINT      NOT NULL REFERENCES rooms(id),
			user_id   BIGINT      NOT NULL,
			role      VARCHAR(16) NOT NULL DEFAULT 'member',
			joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (room_id, user_id)
		)`,

		// Messages
		`CREATE TABLE IF NOT EXISTS messages (
			id              BIGSERIAL   PRIMARY KEY,
			sender_id       BIGINT      NOT NULL,
			conversation_id BIGINT      REFERENCES conversations(id),
			room_id         BIGINT      REFERENCES rooms(id),
			recipient_id    BIGINT,
			content         TEXT        NOT NULL,
			message_type    VARCHAR(16) NOT NULL DEFAULT 'text',
			attachments     JSONB       NOT NULL DEFAULT '[]',
			mentions        JSONB       NOT NULL DEFAULT '[]',
			delivered_at    TIMESTAMPTZ,
			read_at         TIMESTAMPTZ,
			is_deleted      BOOLEAN     NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK ((conversation_id IS NULL) <> (room_id IS NULL))
		)`,

		`CREATE TABLE IF NOT EXISTS message_receipts (
			message_id   BIGINT NOT NULL REFERENCES messages(id),
			user_id      BIGINT NOT NULL,
			delivered_at TIMESTAMPTZ,
			read_at      TIMESTAMPTZ,
			PRIMARY KEY (message_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id              BIGSERIAL   PRIMARY KEY,
			user_id         BIGINT      NOT NULL,
			kind            VARCHAR(32) NOT NULL,
			message_id      BIGINT      NOT NULL,
			sender_id       BIGINT      NOT NULL,
			conversation_id BIGINT,
			room_id         BIGINT,
			preview         TEXT        NOT NULL DEFAULT '',
			is_read         BOOLEAN     NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Indexes
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_conversations_active_pair
			ON conversations(participant_a, participant_b, job_id) WHERE is_active`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_a ON conversations(participant_a)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations(participant_b)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_undelivered ON messages(recipient_id) WHERE delivered_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, id DESC)`,
		// Older databases may hold retried deliveries.
		`DELETE FROM notifications WHERE id NOT IN (SELECT MIN(id) FROM notifications GROUP BY user_id, message_id, kind)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_notifications_delivery ON notifications(user_id, message_id, kind)`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
