package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/vanderheijden86/arbor/pkg/debug"
)

// Row is one record of the nodes table. An empty ParentID places the node
// at the top level.
type Row struct {
	ID        string
	ParentID  string
	Label     string
	Position  int
	Collapsed bool
}

// SQLiteSource serves the hierarchy stored in the nodes table of a SQLite
// database. Elements are node ids; the root is the empty id.
type SQLiteSource struct {
	db   *sql.DB
	path string

	mu     sync.Mutex
	labels map[string]string
	folded map[string]bool
}

var _ Source = (*SQLiteSource)(nil)

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteSource, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set pragmas for read performance
	pragmas := []string{
		"PRAGMA cache_size = -16000", // 16MB cache
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			debug.Log("datasource: %s failed: %v", pragma, err)
		}
	}

	return &SQLiteSource{
		db:     db,
		path:   path,
		labels: make(map[string]string),
		folded: make(map[string]bool),
	}, nil
}

// Close closes the database connection
func (s *SQLiteSource) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateSchema creates the nodes table and its parent index.
func (s *SQLiteSource) CreateSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id        TEXT PRIMARY KEY,
			parent_id TEXT,
			label     TEXT NOT NULL DEFAULT '',
			position  INTEGER NOT NULL DEFAULT 0,
			collapsed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id, position)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Insert upserts rows in one transaction.
func (s *SQLiteSource) Insert(ctx context.Context, rows ...Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (id, parent_id, label, position, collapsed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			label     = excluded.label,
			position  = excluded.position,
			collapsed = excluded.collapsed
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if r.ID == "" {
			return fmt.Errorf("insert: empty node id")
		}
		if _, err := stmt.ExecContext(ctx, r.ID, nullable(r.ParentID), r.Label, r.Position, r.Collapsed); err != nil {
			return fmt.Errorf("insert %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// Delete removes the node id and all of its descendants.
func (s *SQLiteSource) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM nodes WHERE id = ?
			UNION ALL
			SELECT n.id FROM nodes n JOIN subtree t ON n.parent_id = t.id
		)
		DELETE FROM nodes WHERE id IN (SELECT id FROM subtree)
	`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// CountNodes returns the number of rows in the nodes table.
func (s *SQLiteSource) CountNodes(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes").Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Type returns SourceTypeSQLite.
func (s *SQLiteSource) Type() SourceType { return SourceTypeSQLite }

// Root returns the empty id.
func (s *SQLiteSource) Root() string { return "" }

// HasChildren reports whether any row has id as parent.
func (s *SQLiteSource) HasChildren(id string) bool {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM nodes WHERE parent_id IS ?)`, nullable(id)).Scan(&exists)
	if err != nil {
		debug.Log("datasource: has children %q: %v", id, err)
		return false
	}
	return exists
}

// GetChildren returns the ids of id's children ordered by position.
func (s *SQLiteSource) GetChildren(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, collapsed FROM nodes
		WHERE parent_id IS ?
		ORDER BY position, id
	`, nullable(id))
	if err != nil {
		return nil, fmt.Errorf("query children of %q: %w", id, err)
	}
	defer rows.Close()

	var ids []string
	labels := make(map[string]string)
	folded := make(map[string]bool)
	for rows.Next() {
		var childID string
		var label sql.NullString
		var collapsed bool
		if err := rows.Scan(&childID, &label, &collapsed); err != nil {
			return nil, fmt.Errorf("scan child of %q: %w", id, err)
		}
		ids = append(ids, childID)
		labels[childID] = label.String
		folded[childID] = collapsed
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating children: %w", err)
	}

	s.mu.Lock()
	for k, v := range labels {
		s.labels[k] = v
	}
	for k, v := range folded {
		s.folded[k] = v
	}
	s.mu.Unlock()
	return ids, nil
}

// CollapseByDefault returns the collapsed column of id as last loaded.
func (s *SQLiteSource) CollapseByDefault(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.folded[id]
}

// Label returns the label column of id, falling back to the id itself.
// The root is labelled with the database file name.
func (s *SQLiteSource) Label(id string) string {
	if id == "" {
		return filepath.Base(s.path)
	}
	s.mu.Lock()
	label, ok := s.labels[id]
	s.mu.Unlock()
	if !ok {
		var l sql.NullString
		if err := s.db.QueryRow(`SELECT label FROM nodes WHERE id = ?`, id).Scan(&l); err == nil {
			label = l.String
		}
	}
	if label == "" {
		return id
	}
	return label
}

func nullable(id string) any {
	if id == "" {
		return nil
	}
	return id
}
