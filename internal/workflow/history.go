package workflow

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// HistoryEntry is one row of the completed-operation audit trail.
type HistoryEntry struct {
	Operation  string
	CmdID      string
	EntityTopic string
	Status     string
	Reason     string
	Attempts   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// HistoryStore persists terminal workflow outcomes to sqlite, kept
// queryable outside the hot JSON-lines instance log so operators can
// inspect past operations without replaying it.
type HistoryStore struct {
	db *sql.DB
}

// OpenHistoryStore opens (creating if needed) the sqlite database at
// path and ensures its schema exists.
func OpenHistoryStore(path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("workflow: open history db: %w", err)
	}
	hs := &HistoryStore{db: db}
	if err := hs.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("workflow: migrate history db: %w", err)
	}
	return hs, nil
}

func (h *HistoryStore) migrate() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS operation_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			operation TEXT NOT NULL,
			cmd_id TEXT NOT NULL,
			entity_topic TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT,
			attempts INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_operation_history_entity
			ON operation_history(entity_topic, operation);
	`)
	return err
}

// Record appends a terminal outcome to the audit trail.
func (h *HistoryStore) Record(e HistoryEntry) error {
	_, err := h.db.Exec(`
		INSERT INTO operation_history
			(operation, cmd_id, entity_topic, status, reason, attempts, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Operation, e.CmdID, e.EntityTopic, e.Status, e.Reason, e.Attempts,
		e.StartedAt.UTC().Format(time.RFC3339), e.FinishedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("workflow: record history: %w", err)
	}
	return nil
}

// Recent returns the most recent entries for entityTopic, newest
// first, capped at limit.
func (h *HistoryStore) Recent(entityTopic string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.Query(`
		SELECT operation, cmd_id, entity_topic, status, reason, attempts, started_at, finished_at
		FROM operation_history
		WHERE entity_topic = ?
		ORDER BY id DESC
		LIMIT ?
	`, entityTopic, limit)
	if err != nil {
		return nil, fmt.Errorf("workflow: query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var started, finished string
		if err := rows.Scan(&e.Operation, &e.CmdID, &e.EntityTopic, &e.Status, &e.Reason, &e.Attempts, &started, &finished); err != nil {
			return nil, err
		}
		e.StartedAt, _ = time.Parse(time.RFC3339, started)
		e.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (h *HistoryStore) Close() error { return h.db.Close() }
