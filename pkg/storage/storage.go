package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	// SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/IntegralDefense/netskope-log-fetcher/pkg/checkpoint"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/platforms"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const driver = "sqlite"

type DB struct {
	sql *sql.DB
	now func() time.Time
}

// Open opens the database at path and applies pending migrations.
func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &DB{sql: db, now: time.Now}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// BeginRun records a run in progress and returns its id.
func (d *DB) BeginRun(ctx context.Context, w platforms.TimeWindow) (int64, error) {
	res, err := d.sql.ExecContext(ctx, `INSERT INTO runs(started_at, window_start, window_end, status) VALUES(?,?,?,?)`,
		d.now().Unix(), w.Start, w.End, RunRunning)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishRun stores the final status of a run together with its per-subtype stats.
func (d *DB) FinishRun(ctx context.Context, runID int64, outcome RunOutcome) (err error) {
	if outcome.Status != RunSucceeded && outcome.Status != RunFailed {
		return fmt.Errorf("invalid final run status %q", outcome.Status)
	}

	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE runs SET finished_at = ?, status = ?, error = ?, checkpoint_saved = ? WHERE id = ?`,
		d.now().Unix(), outcome.Status, nullIfEmpty(outcome.Error), boolToInt(outcome.CheckpointSaved), runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		err = fmt.Errorf("run %d not found", runID)
		return err
	}

	for _, s := range outcome.Subtypes {
		_, err = tx.ExecContext(ctx, `INSERT INTO run_subtypes(run_id, category, subtype, records, requests, abandoned) VALUES(?,?,?,?,?,?)
ON CONFLICT(run_id, category, subtype) DO UPDATE SET records = excluded.records, requests = excluded.requests, abandoned = excluded.abandoned`,
			runID, s.Category, s.Subtype, s.Records, s.Requests, nullIfEmpty(s.Abandoned))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs first.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT r.id, r.started_at, r.finished_at, r.window_start, r.window_end, r.status, r.error, r.checkpoint_saved,
  COALESCE((SELECT SUM(s.records) FROM run_subtypes s WHERE s.run_id = r.id), 0)
FROM runs r ORDER BY r.id DESC LIMIT ?`
	rows, err := d.sql.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			r         Run
			started   int64
			finished  sql.NullInt64
			errMsg    sql.NullString
			savedFlag int
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.WindowStart, &r.WindowEnd, &r.Status, &errMsg, &savedFlag, &r.Records); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(started, 0).UTC()
		if finished.Valid {
			r.FinishedAt = time.Unix(finished.Int64, 0).UTC()
		}
		r.Error = errMsg.String
		r.CheckpointSaved = savedFlag == 1
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// ListRunSubtypes returns the per-subtype stats of a run.
func (d *DB) ListRunSubtypes(ctx context.Context, runID int64) ([]SubtypeStat, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT category, subtype, records, requests, abandoned FROM run_subtypes WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []SubtypeStat
	for rows.Next() {
		var s SubtypeStat
		var abandoned sql.NullString
		if err := rows.Scan(&s.Category, &s.Subtype, &s.Records, &s.Requests, &abandoned); err != nil {
			return nil, err
		}
		s.Abandoned = abandoned.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Tables lists the application tables, leaving out sqlite and migration
// bookkeeping.
func (d *DB) Tables(ctx context.Context) ([]string, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT name FROM sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name != 'goose_db_version' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// CheckpointStore keeps a named checkpoint in the checkpoints table.
type CheckpointStore struct {
	db   *DB
	name string
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

// Checkpoint returns the store for the checkpoint called name.
func (d *DB) Checkpoint(name string) *CheckpointStore {
	return &CheckpointStore{db: d, name: name}
}

func (c *CheckpointStore) Load(ctx context.Context) (int64, bool, error) {
	var ts int64
	err := c.db.sql.QueryRowContext(ctx, `SELECT value FROM checkpoints WHERE name = ?`, c.name).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return ts, true, nil
}

func (c *CheckpointStore) Save(ctx context.Context, ts int64) error {
	if ts <= 0 {
		return fmt.Errorf("%w: %d", checkpoint.ErrInvalid, ts)
	}
	_, err := c.db.sql.ExecContext(ctx, `INSERT INTO checkpoints(name, value, updated_at) VALUES(?,?,?)
ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		c.name, ts, c.db.now().Unix())
	return err
}

func (c *CheckpointStore) Clear(ctx context.Context) error {
	_, err := c.db.sql.ExecContext(ctx, `DELETE FROM checkpoints WHERE name = ?`, c.name)
	return err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
