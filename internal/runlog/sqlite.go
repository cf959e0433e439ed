package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLite implements Recorder on a SQLite file.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) the run log at path in WAL mode.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "runlog: create dir %s", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "runlog: exec %s", pragma)
		}
	}
	return &SQLite{db: db}, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	country     TEXT NOT NULL,
	features    TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	version     INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS feature_loads (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	feature     TEXT NOT NULL,
	strategy    TEXT NOT NULL DEFAULT '',
	cache_hit   INTEGER NOT NULL DEFAULT 0,
	rows        INTEGER NOT NULL DEFAULT 0,
	dropped     INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	loaded_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_country ON runs(country);
CREATE INDEX IF NOT EXISTS idx_feature_loads_run_id ON feature_loads(run_id);
`

// Migrate creates the tables when they do not exist.
func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "runlog: migrate")
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// StartRun inserts a running run.
func (s *SQLite) StartRun(ctx context.Context, country string, features []string) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	featuresJSON, err := json.Marshal(features)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: marshal features")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, country, features, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, country, string(featuresJSON), string(StatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: insert run")
	}
	return &Run{ID: id, Country: country, Features: features, Status: StatusRunning, StartedAt: now}, nil
}

// RecordLoad inserts a feature load row.
func (s *SQLite) RecordLoad(ctx context.Context, l FeatureLoad) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.LoadedAt.IsZero() {
		l.LoadedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feature_loads (id, run_id, feature, strategy, cache_hit, rows, dropped, duration_ms, error, loaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.RunID, l.Feature, l.Strategy, l.CacheHit, l.Rows, l.Dropped, l.Duration.Milliseconds(), l.Error, l.LoadedAt,
	)
	return eris.Wrapf(err, "runlog: insert load %s", l.Feature)
}

// FinishRun marks a run complete, or failed when runErr is set.
func (s *SQLite) FinishRun(ctx context.Context, runID string, version int, runErr error) error {
	status, msg := StatusComplete, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, version = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), version, msg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// GetRun returns a run by id.
func (s *SQLite) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, country, features, status, version, error, started_at, finished_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

// ListRuns returns the most recent runs first.
func (s *SQLite) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, country, features, status, version, error, started_at, finished_at FROM runs WHERE 1=1`
	var args []any
	if filter.Country != "" {
		query += ` AND country = ?`
		args = append(args, filter.Country)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "runlog: list runs iterate")
}

// Loads returns the feature loads of a run in the order they were recorded.
func (s *SQLite) Loads(ctx context.Context, runID string) ([]FeatureLoad, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, feature, strategy, cache_hit, rows, dropped, duration_ms, error, loaded_at
		 FROM feature_loads WHERE run_id = ? ORDER BY loaded_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "runlog: list loads for %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var out []FeatureLoad
	for rows.Next() {
		var l FeatureLoad
		var ms int64
		if err := rows.Scan(&l.ID, &l.RunID, &l.Feature, &l.Strategy, &l.CacheHit, &l.Rows, &l.Dropped, &ms, &l.Error, &l.LoadedAt); err != nil {
			return nil, eris.Wrap(err, "runlog: scan load")
		}
		l.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "runlog: list loads iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "runlog: rows affected")
	}
	if n == 0 {
		return eris.Errorf("runlog: %s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var r Run
	var featuresJSON, status string
	var finished sql.NullTime

	err := row.Scan(&r.ID, &r.Country, &featuresJSON, &status, &r.Version, &r.Error, &r.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.New("runlog: run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "runlog: scan run")
	}
	r.Status = Status(status)
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(featuresJSON), &r.Features); err != nil {
		return nil, eris.Wrap(err, "runlog: unmarshal features")
	}
	return &r, nil
}
