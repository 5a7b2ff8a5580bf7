// Package runindex persists a queryable index of completed comparison
// runs. The artifact bundles are the deliverable; the index is how a
// later tool finds the pair of directories for a given comparison.
package runindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed index of comparison runs.
type Store struct {
	db *sqlx.DB
}

// Comparison records one full control/target comparison.
type Comparison struct {
	ID             string         `db:"id"`
	PackageName    string         `db:"package_name"`
	ControlVersion string         `db:"control_version"`
	TargetVersion  string         `db:"target_version"`
	Command        string         `db:"command"`
	ControlDir     string         `db:"control_dir"`
	TargetDir      string         `db:"target_dir"`
	ControlExit    int            `db:"control_exit"`
	TargetExit     int            `db:"target_exit"`
	TargetError    string         `db:"target_error"`
	MessageCounts  map[string]int `db:"-"`
	CreatedAt      time.Time      `db:"created_at"`
}

func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run index: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure run index: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize run index schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS comparisons (
id TEXT PRIMARY KEY,
package_name TEXT NOT NULL,
control_version TEXT NOT NULL,
target_version TEXT NOT NULL,
command TEXT NOT NULL,
control_dir TEXT NOT NULL,
target_dir TEXT NOT NULL,
control_exit INTEGER NOT NULL,
target_exit INTEGER NOT NULL,
target_error TEXT NOT NULL DEFAULT '',
message_counts TEXT NOT NULL DEFAULT '{}',
created_at TIMESTAMP NOT NULL
)`)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// Record inserts one completed comparison.
func (s *Store) Record(ctx context.Context, c *Comparison) error {
	counts, err := json.Marshal(c.MessageCounts)
	if err != nil {
		return err
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO comparisons
(id, package_name, control_version, target_version, command, control_dir, target_dir,
 control_exit, target_exit, target_error, message_counts, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PackageName, c.ControlVersion, c.TargetVersion, c.Command,
		c.ControlDir, c.TargetDir, c.ControlExit, c.TargetExit, c.TargetError,
		string(counts), createdAt)
	if err != nil {
		return fmt.Errorf("record comparison: %w", err)
	}
	return nil
}

// Get fetches one comparison by ID.
func (s *Store) Get(ctx context.Context, id string) (*Comparison, error) {
	row := s.db.QueryRowxContext(ctx, `SELECT id, package_name, control_version,
target_version, command, control_dir, target_dir, control_exit, target_exit,
target_error, message_counts, created_at
FROM comparisons WHERE id = ?`, id)
	return scanComparison(row)
}

// ListByPackage returns a package's comparisons, newest first.
func (s *Store) ListByPackage(ctx context.Context, packageName string) ([]*Comparison, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT id, package_name, control_version,
target_version, command, control_dir, target_dir, control_exit, target_exit,
target_error, message_counts, created_at
FROM comparisons WHERE package_name = ? ORDER BY created_at DESC`, packageName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Comparison
	for rows.Next() {
		c, err := scanComparison(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComparison(row rowScanner) (*Comparison, error) {
	var c Comparison
	var counts string
	err := row.Scan(&c.ID, &c.PackageName, &c.ControlVersion, &c.TargetVersion,
		&c.Command, &c.ControlDir, &c.TargetDir, &c.ControlExit, &c.TargetExit,
		&c.TargetError, &counts, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("comparison not found")
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(counts), &c.MessageCounts); err != nil {
		return nil, fmt.Errorf("decode message counts: %w", err)
	}
	return &c, nil
}
