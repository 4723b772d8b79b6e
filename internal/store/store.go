// Package store keeps the history of runs and the last state observed for
// each of them in a sqlite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CZERTAINLY/Herald/internal/state"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type Run struct {
	RunID    string
	Runnable string
	State    state.State
	Started  time.Time
	Finished *time.Time
	Failure  *string
}

type RunRow struct {
	Run
	ID int
}

func (r RunRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "run_id: %q, runnable: %q, state: %s", r.RunID, r.Runnable, r.State)
	if r.Finished != nil {
		fmt.Fprintf(&sb, ", finished: %s", r.Finished.Format(time.RFC3339))
	}
	if r.Failure != nil {
		fmt.Fprintf(&sb, ", failure: %q", *r.Failure)
	}
	return sb.String()
}

// InitDB opens the database at dbPath and creates the runs table. Use
// ":memory:" for a throwaway database.
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			runnable TEXT NOT NULL,
			state TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER DEFAULT NULL,
			failure TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, runID string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("run_id", runID))
	}
}

// Start records that runID of runnable was launched. Starting a run
// already known is not an error while it is in progress; ErrAlreadyFinished
// is returned once it reached a terminal state.
func Start(ctx context.Context, db *sql.DB, runID, runnable string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, runID)

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM runs WHERE run_id=?`, runID,
	).Scan(&current)
	switch {
	case err == nil && finished(current):
		return ErrAlreadyFinished
	case err == nil:
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, runnable, state, started_at) VALUES (?,?,?,?);`,
		runID, runnable, state.Starting.String(), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Update stores the state observed for runID. A terminal state also sets
// the finish time, and failure when not empty. Updating a finished run
// returns ErrAlreadyFinished, an unknown one ErrNotFound.
func Update(ctx context.Context, db *sql.DB, runID string, s state.State, failure string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, runID)

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM runs WHERE run_id=?`, runID,
	).Scan(&current)
	switch {
	case err == nil && finished(current):
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	var finishedAt, reason any
	if s.Terminal() {
		finishedAt = time.Now().UTC().UnixMilli()
		if failure != "" {
			reason = failure
		}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs
		 SET
			state = ?,
			finished_at = ?,
			failure = ?
		WHERE run_id = ?;
		`, s.String(), finishedAt, reason, runID,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

const columns = `id, run_id, runnable, state, started_at, finished_at, failure`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(row scanner) (RunRow, error) {
	var (
		r          RunRow
		st         string
		started    int64
		finishedAt sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.RunID, &r.Runnable, &st, &started, &finishedAt, &r.Failure)
	if err != nil {
		return RunRow{}, err
	}
	r.State, err = state.Parse(st)
	if err != nil {
		return RunRow{}, fmt.Errorf("run %s: %w", r.RunID, err)
	}
	r.Started = time.UnixMilli(started).UTC()
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64).UTC()
		r.Finished = &t
	}
	return r, nil
}

// Get returns the run identified by runID or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, runID string) (RunRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM runs WHERE run_id=?`, runID,
	)
	r, err := scanRow(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, ErrNotFound
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return r, nil
}

// List returns the most recent runs first, at most limit of them; limit
// <= 0 lists all.
func List(ctx context.Context, db *sql.DB, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+columns+` FROM runs ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var ret []RunRow
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

// Delete removes the record of runID.
func Delete(ctx context.Context, db *sql.DB, runID string) error {
	result, err := db.ExecContext(ctx,
		`DELETE FROM runs WHERE run_id=?`, runID,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}

	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

func finished(s string) bool {
	st, err := state.Parse(s)
	return err == nil && st.Terminal()
}
