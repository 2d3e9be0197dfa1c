// Package sqlite implements the position and history stores on a local
// SQLite file via mattn/go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed-width ISO-8601 in UTC so text ordering matches time
// ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Config holds the database location.
type Config struct {
	Path string
}

// Client owns the *sql.DB shared by the stores in this package.
type Client struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the data directory if needed, opens the database in WAL mode
// and ensures the schema exists.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	path := cfg.Path
	if path == "" {
		path = "./data/rangewatch.db"
	}
	logger = logger.With(slog.String("component", "sqlite"))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create data dir %s: %w", filepath.Dir(path), err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	c := &Client{db: db, logger: logger}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("sqlite database ready", slog.String("path", path))
	return c, nil
}

// DB returns the underlying handle.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the database.
func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id                TEXT PRIMARY KEY,
		pool_address      TEXT NOT NULL,
		token_pair        TEXT NOT NULL,
		lower_bin_id      INTEGER NOT NULL,
		upper_bin_id      INTEGER NOT NULL,
		lower_price_limit REAL NOT NULL,
		upper_price_limit REAL NOT NULL,
		user_wallet       TEXT NOT NULL,
		chat_id           TEXT NOT NULL DEFAULT '',
		trade_intent      TEXT NULL,
		status            TEXT NOT NULL,
		last_status       TEXT NULL,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL,
		closed_at         TEXT NULL,
		CHECK (lower_bin_id <= upper_bin_id)
	);

	CREATE TABLE IF NOT EXISTS position_history (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		id             TEXT NOT NULL UNIQUE,
		position_id    TEXT NOT NULL,
		timestamp      TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		liquidity_a    TEXT NULL,
		liquidity_b    TEXT NULL,
		value_usd      REAL NULL,
		price_at_event REAL NULL,
		metadata       TEXT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_user_wallet ON positions (user_wallet);
	CREATE INDEX IF NOT EXISTS idx_positions_chat_id ON positions (chat_id);
	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status);
	CREATE INDEX IF NOT EXISTS idx_history_position_ts ON position_history (position_id, timestamp, seq);
	CREATE INDEX IF NOT EXISTS idx_history_ts ON position_history (timestamp, seq);

	CREATE TRIGGER IF NOT EXISTS position_history_no_update
	BEFORE UPDATE ON position_history
	BEGIN
		SELECT RAISE(ABORT, 'position_history is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS position_history_no_delete
	BEFORE DELETE ON position_history
	BEGIN
		SELECT RAISE(ABORT, 'position_history is append-only');
	END;
	`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
