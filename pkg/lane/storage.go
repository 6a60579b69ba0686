package lane

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDeadLetterStore persists dead letters to a local SQLite database so
// they survive process restarts. Queue state itself stays in memory; only
// the terminal failures worth operator attention are durable.
type SQLiteDeadLetterStore struct {
	db *sql.DB
}

// NewSQLiteDeadLetterStore opens (and if needed initializes) the database at
// path. Use ":memory:" for an ephemeral store in tests.
func NewSQLiteDeadLetterStore(path string) (*SQLiteDeadLetterStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead letter store: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		lane TEXT NOT NULL,
		command_type TEXT NOT NULL,
		error TEXT NOT NULL,
		attempts TEXT NOT NULL,
		failed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_lane ON dead_letters(lane);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize dead letter store: %w", err)
	}

	return &SQLiteDeadLetterStore{db: db}, nil
}

// Append writes one entry.
func (s *SQLiteDeadLetterStore) Append(entry DeadLetter) error {
	attempts, err := json.Marshal(entry.Attempts)
	if err != nil {
		return fmt.Errorf("failed to encode attempts: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO dead_letters (task_id, lane, command_type, error, attempts, failed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.Lane, entry.CommandType, entry.Error, string(attempts), entry.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// List returns up to limit entries for a lane, newest first. An empty lane
// matches all lanes; a limit of zero or less returns everything.
func (s *SQLiteDeadLetterStore) List(laneName string, limit int) ([]DeadLetter, error) {
	query := `SELECT task_id, lane, command_type, error, attempts, failed_at FROM dead_letters`
	args := []interface{}{}
	if laneName != "" {
		query += ` WHERE lane = ?`
		args = append(args, laneName)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var entry DeadLetter
		var attempts string
		if err := rows.Scan(&entry.TaskID, &entry.Lane, &entry.CommandType, &entry.Error, &attempts, &entry.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if err := json.Unmarshal([]byte(attempts), &entry.Attempts); err != nil {
			return nil, fmt.Errorf("failed to decode attempts: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Purge removes all persisted entries and returns how many were removed.
func (s *SQLiteDeadLetterStore) Purge() (int, error) {
	res, err := s.db.Exec(`DELETE FROM dead_letters`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close releases the underlying database.
func (s *SQLiteDeadLetterStore) Close() error {
	return s.db.Close()
}
