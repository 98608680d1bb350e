package session

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// HistoryStore mirrors per-turn history rows into a queryable backend.
// sessions.json stays the store of record; the history store only feeds
// listings and search. Selected by session.store = "sqlite".
type HistoryStore interface {
	RecordTurn(key Key, sessionID string, rec TranscriptRecord) error
	TurnCount(sessionID string) (int, error)
	Close() error
}

// SQLiteHistory stores session turns in clawdbot.db.
type SQLiteHistory struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLiteHistory opens (creating on demand) the history database.
func OpenSQLiteHistory(path string, logger *slog.Logger) (*SQLiteHistory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS session_turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT,
		tool TEXT,
		model TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_turns_session
		ON session_turns (session_id, id);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}

	return &SQLiteHistory{db: db, logger: logger.With("component", "history")}, nil
}

// RecordTurn appends one turn row.
func (h *SQLiteHistory) RecordTurn(key Key, sessionID string, rec TranscriptRecord) error {
	_, err := h.db.Exec(`
		INSERT INTO session_turns (session_key, session_id, role, text, tool, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(key), sessionID, rec.Role, rec.Text, rec.Tool, rec.Model,
		rec.At.UTC().Format(time.RFC3339),
	)
	if err != nil {
		h.logger.Error("failed to record turn", "session", sessionID, "error", err)
		return fmt.Errorf("recording turn: %w", err)
	}
	return nil
}

// TurnCount returns the number of recorded turns for a session id.
func (h *SQLiteHistory) TurnCount(sessionID string) (int, error) {
	var n int
	err := h.db.QueryRow(
		`SELECT COUNT(*) FROM session_turns WHERE session_id = ?`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting turns: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}
