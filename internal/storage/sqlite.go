package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/quill/internal/apperr"
	"github.com/starford/quill/internal/models"
)

// AUTOINCREMENT keeps ids unique for the lifetime of the file, including
// across DeleteAll.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS notes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	title      TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLite is a Backend stored in a single SQLite database file.
type SQLite struct {
	conn *sql.DB
}

var _ Backend = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLite{conn: conn}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

// Insert adds a row and returns its rowid as a decimal string.
func (s *SQLite) Insert(ctx context.Context, title, content string) (string, error) {
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO notes (title, content) VALUES (?, ?)`, title, content)
	if err != nil {
		return "", fmt.Errorf("storage: insert note: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("storage: insert note: last id: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// Update rewrites a row in place.
func (s *SQLite) Update(ctx context.Context, id, title, content string) error {
	rowid, ok := parseRowID(id)
	if !ok {
		return fmt.Errorf("storage: update %q: %w", id, apperr.ErrNotFound)
	}
	res, err := s.conn.ExecContext(ctx, `
		UPDATE notes
		SET title = ?, content = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, title, content, rowid)
	if err != nil {
		return fmt.Errorf("storage: update note: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update note: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage: update %q: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// Delete removes a row; unknown ids are ignored.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	rowid, ok := parseRowID(id)
	if !ok {
		return nil
	}
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, rowid); err != nil {
		return fmt.Errorf("storage: delete note: %w", err)
	}
	return nil
}

// DeleteAll removes every row in one statement.
func (s *SQLite) DeleteAll(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM notes`); err != nil {
		return fmt.Errorf("storage: delete all: %w", err)
	}
	return nil
}

// ScanAll returns every note ordered by rowid, which is insertion order.
func (s *SQLite) ScanAll(ctx context.Context) ([]models.Note, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id, title, content FROM notes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: scan: %w", err)
	}
	defer rows.Close()

	var out []models.Note
	for rows.Next() {
		var (
			id int64
			n  models.Note
		)
		if err := rows.Scan(&id, &n.Title, &n.Content); err != nil {
			return nil, fmt.Errorf("storage: scan row: %w", err)
		}
		n.ID = strconv.FormatInt(id, 10)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: scan: %w", err)
	}
	return out, nil
}

func parseRowID(id string) (int64, bool) {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
