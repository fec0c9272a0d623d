package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Open opens the SQLite database at path. Foreign keys and a busy timeout
// are set per connection through the DSN, and times are stored in a
// lexically ordered format so they compare correctly in SQL.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; serializing on one connection keeps
	// transactions from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent CREATE TABLE / CREATE INDEX statements.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		// Direct conversations; the pair is stored normalized.
		`CREATE TABLE IF NOT EXISTS conversations (
			id                   INTEGER PRIMARY KEY,
			participant_a        INTEGER NOT NULL,
			participant_b        INTEGER NOT NULL,
			job_id               TEXT NOT NULL DEFAULT '',
			conversation_type    TEXT NOT NULL DEFAULT 'general',
			last_message_content TEXT,
			last_message_sender  INTEGER,
			last_message_at      DATETIME,
			is_active            BOOLEAN NOT NULL DEFAULT 1,
			created_at           DATETIME NOT NULL,
			updated_at           DATETIME NOT NULL,
			CHECK (participant_a < participant_b)
		);`,
		// Rooms
		`CREATE TABLE IF NOT EXISTS rooms (
			id            INTEGER PRIMARY KEY,
			name          TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			created_by    INTEGER NOT NULL,
			job_id        TEXT NOT NULL DEFAULT '',
			is_private    BOOLEAN NOT NULL DEFAULT 0,
			is_active     BOOLEAN NOT NULL DEFAULT 1,
			last_activity DATETIME NOT NULL,
			created_at    DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_id   INTEGER NOT NULL,
			user_id   INTEGER NOT NULL,
			role      TEXT NOT NULL DEFAULT 'member',
			joined_at DATETIME NOT NULL,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY (room_id) REFERENCES rooms(id)
		);`,
		// Messages belong to exactly one thread.
		`CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY,
			sender_id       INTEGER NOT NULL,
			conversation_id INTEGER,
			room_id         INTEGER,
			recipient_id    INTEGER,
			content         TEXT NOT NULL,
			message_type    TEXT NOT NULL DEFAULT 'text',
			attachments     TEXT NOT NULL DEFAULT '[]',
			mentions        TEXT NOT NULL DEFAULT '[]',
			delivered_at    DATETIME,
			read_at         DATETIME,
			is_deleted      BOOLEAN NOT NULL DEFAULT 0,
			created_at      DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (room_id) REFERENCES rooms(id),
			CHECK ((conversation_id IS NULL) <> (room_id IS NULL))
		);`,
		// Per-member delivery and read state of room messages.
		`CREATE TABLE IF NOT EXISTS message_receipts (
			message_id   INTEGER NOT NULL,
			user_id      INTEGER NOT NULL,
			delivered_at DATETIME,
			read_at      DATETIME,
			PRIMARY KEY (message_id, user_id),
			FOREIGN KEY (message_id) REFERENCES messages(id)
		);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id              INTEGER PRIMARY KEY,
			user_id         INTEGER NOT NULL,
			kind            TEXT NOT NULL,
			message_id      INTEGER NOT NULL,
			sender_id       INTEGER NOT NULL,
			conversation_id INTEGER,
			room_id         INTEGER,
			preview         TEXT NOT NULL DEFAULT '',
			is_read         BOOLEAN NOT NULL DEFAULT 0,
			created_at      DATETIME NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_conversations_active_pair
			ON conversations(participant_a, participant_b, job_id) WHERE is_active;`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_a ON conversations(participant_a);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations(participant_b);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_undelivered ON messages(recipient_id) WHERE delivered_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, id DESC);`,
		// Older databases may hold retried deliveries.
		`DELETE FROM notifications WHERE id NOT IN (SELECT MIN(id) FROM notifications GROUP BY user_id, message_id, kind);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_notifications_delivery ON notifications(user_id, message_id, kind);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// placeholders returns "?,?,…" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return "?" + strings.Repeat(",?", n-1)
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
