// Package store keeps hover's allocation ledger: one row per sandbox run,
// recording which layer directory it wrote to and how it ended.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
)

// Status values of an allocation.
const (
	StatusRunning   = "running"
	StatusExited    = "exited"
	StatusFailed    = "failed"
	StatusSignaled  = "signaled"
	StatusAbandoned = "abandoned"
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
// Several hover invocations may finish at the same moment.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

type Allocation struct {
	ID         string     `json:"id"`
	Target     string     `json:"target"`
	LayerDir   string     `json:"layer_dir"`
	WorkDir    string     `json:"work_dir"`
	Command    string     `json:"command"`
	PID        int        `json:"pid"`
	Status     string     `json:"status"`
	ExitCode   int        `json:"exit_code"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS allocations (
	id          TEXT PRIMARY KEY,
	target      TEXT NOT NULL,
	layer_dir   TEXT NOT NULL,
	work_dir    TEXT NOT NULL,
	command     TEXT NOT NULL DEFAULT '',
	pid         INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'running',
	exit_code   INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL,
	finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_allocations_status ON allocations(status);
`

const selectColumns = `id, target, layer_dir, work_dir, command, pid, status, exit_code, created_at, finished_at`

// DefaultMaxOpenConns is small: the ledger sees one writer per hover process.
const DefaultMaxOpenConns = 2

// dsnWithPragmas applies WAL and a busy timeout to every connection the
// driver opens.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

// New opens the ledger at dbPath, creating the schema if needed.
// maxOpenConns of 0 means DefaultMaxOpenConns.
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if err := retryOnBusy(func() error {
		_, e := db.Exec(createTableSQL)
		return e
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateAllocation(a *Allocation) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO allocations (id, target, layer_dir, work_dir, command, pid, status, exit_code, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Target, a.LayerDir, a.WorkDir, a.Command, a.PID, a.Status, a.ExitCode, a.CreatedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting allocation: %w", err)
	}
	return nil
}

// SetPID records the init stage's pid once it is known.
func (s *Store) SetPID(id string, pid int) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`UPDATE allocations SET pid = ? WHERE id = ?`, pid, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating allocation pid: %w", err)
	}
	return checkRowAffected(result, id)
}

// FinishAllocation records the final status and exit code.
func (s *Store) FinishAllocation(id, status string, exitCode int) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE allocations SET status = ?, exit_code = ?, finished_at = ? WHERE id = ?`,
			status, exitCode, time.Now().UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("finishing allocation: %w", err)
	}
	return checkRowAffected(result, id)
}

// MarkStatus changes only the status, leaving exit code and finish time.
func (s *Store) MarkStatus(id, status string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`UPDATE allocations SET status = ? WHERE id = ?`, status, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating allocation status: %w", err)
	}
	return checkRowAffected(result, id)
}

// GetAllocation returns ErrNotFound for an unknown id.
func (s *Store) GetAllocation(id string) (*Allocation, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM allocations WHERE id = ?`, id)
	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("allocation %s: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAllocations returns all rows, newest first.
func (s *Store) ListAllocations() ([]*Allocation, error) {
	rows, err := s.db.Query(`SELECT ` + selectColumns + ` FROM allocations ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing allocations: %w", err)
	}
	defer rows.Close()
	return scanAllocations(rows)
}

func (s *Store) ListRunningAllocations() ([]*Allocation, error) {
	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM allocations WHERE status = ?`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("listing running allocations: %w", err)
	}
	defer rows.Close()
	return scanAllocations(rows)
}

// DeleteAllocation drops the ledger row. The layer directory is untouched.
func (s *Store) DeleteAllocation(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM allocations WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting allocation: %w", err)
	}
	return checkRowAffected(result, id)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAllocation(row scannable) (*Allocation, error) {
	var a Allocation
	var finished sql.NullTime
	err := row.Scan(
		&a.ID, &a.Target, &a.LayerDir, &a.WorkDir, &a.Command, &a.PID,
		&a.Status, &a.ExitCode, &a.CreatedAt, &finished,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning allocation: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		a.FinishedAt = &t
	}
	return &a, nil
}

func scanAllocations(rows *sql.Rows) ([]*Allocation, error) {
	var out []*Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating allocations: %w", err)
	}
	return out, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("allocation %s: %w", id, ErrNotFound)
	}
	return nil
}
