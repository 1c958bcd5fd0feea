// Package runlog keeps a SQLite ledger of training runs and their per-epoch
// metrics.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"warmup-forge/internal/metrics"
)

// ErrUnknownRun is returned when a run id is not in the ledger.
var ErrUnknownRun = errors.New("runlog: unknown run")

// Run is one row of the runs table.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Elapsed    time.Duration
	Status     string
	Config     string
	Epochs     int
}

// Run statuses.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Store manages the ledger database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the ledger at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		elapsed_ms INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		config_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS epochs (
		run_id TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		train_loss REAL,
		train_acc REAL NOT NULL,
		val_loss REAL,
		val_acc REAL NOT NULL,
		duration_ms INTEGER NOT NULL,
		PRIMARY KEY (run_id, epoch),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// StartRun inserts a running row for id.
func (s *Store) StartRun(ctx context.Context, id, configJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, status, config_json) VALUES (?, ?, ?, ?)`,
		id, time.Now().UTC(), StatusRunning, configJSON)
	if err != nil {
		return fmt.Errorf("start run %s: %w", id, err)
	}
	return nil
}

// RecordEpoch stores one epoch of run id, replacing an earlier record of the
// same epoch.
func (s *Store) RecordEpoch(ctx context.Context, id string, st metrics.EpochStats) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO epochs (run_id, epoch, train_loss, train_acc, val_loss, val_acc, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, st.Epoch, nullable(st.TrainLoss), st.TrainAcc, nullable(st.ValLoss), st.ValAcc, st.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record epoch %d of %s: %w", st.Epoch, id, err)
	}
	return nil
}

// FinishRun marks run id with status and its total duration.
func (s *Store) FinishRun(ctx context.Context, id, status string, elapsed time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, elapsed_ms = ?, status = ? WHERE id = ?`,
		time.Now().UTC(), elapsed.Milliseconds(), status, id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return nil
}

// Runs lists all runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.started_at, r.finished_at, r.elapsed_ms, r.status, r.config_json,
		       (SELECT COUNT(*) FROM epochs e WHERE e.run_id = r.id)
		FROM runs r
		ORDER BY r.started_at DESC, r.id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			finished sql.NullTime
			elapsed  int64
		)
		if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &elapsed, &r.Status, &r.Config, &r.Epochs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		r.Elapsed = time.Duration(elapsed) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Epochs returns the history recorded for run id in epoch order.
func (s *Store) Epochs(ctx context.Context, id string) ([]metrics.EpochStats, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup run %s: %w", id, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT epoch, train_loss, train_acc, val_loss, val_acc, duration_ms
		FROM epochs WHERE run_id = ? ORDER BY epoch`, id)
	if err != nil {
		return nil, fmt.Errorf("list epochs of %s: %w", id, err)
	}
	defer rows.Close()

	var out []metrics.EpochStats
	for rows.Next() {
		var (
			st                 metrics.EpochStats
			trainLoss, valLoss sql.NullFloat64
			ms                 int64
		)
		if err := rows.Scan(&st.Epoch, &trainLoss, &st.TrainAcc, &valLoss, &st.ValAcc, &ms); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		st.TrainLoss = fromNullable(trainLoss)
		st.ValLoss = fromNullable(valLoss)
		st.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, st)
	}
	return out, rows.Err()
}

// History rebuilds the training history of run id.
func (s *Store) History(ctx context.Context, id string) (*metrics.History, error) {
	epochs, err := s.Epochs(ctx, id)
	if err != nil {
		return nil, err
	}
	h := &metrics.History{}
	for _, e := range epochs {
		h.Append(e)
	}
	return h, nil
}

// Recorder returns an epoch observer that writes into run id.
func (s *Store) Recorder(ctx context.Context, id string) *Recorder {
	return &Recorder{store: s, ctx: ctx, id: id}
}

// Recorder forwards completed epochs to the ledger.
type Recorder struct {
	store *Store
	ctx   context.Context
	id    string
}

func (r *Recorder) ObserveEpoch(st metrics.EpochStats) error {
	return r.store.RecordEpoch(r.ctx, r.id, st)
}
