package crest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	// Postgres driver, registered as "postgres".
	_ "github.com/lib/pq"
)

// PostgresStoreConfig configures the Postgres result store.
type PostgresStoreConfig struct {
	// DSN is a lib/pq connection string, either keyword form
	// ("host=... dbname=... sslmode=disable") or a postgres:// URL.
	DSN string

	// MaxConnections caps the connection pool.
	MaxConnections int

	// ConnMaxLifetime bounds how long a pooled connection is reused.
	ConnMaxLifetime time.Duration
}

// DefaultPostgresStoreConfig returns the store defaults for a DSN.
func DefaultPostgresStoreConfig(dsn string) PostgresStoreConfig {
	return PostgresStoreConfig{
		DSN:             dsn,
		MaxConnections:  25,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// PostgresStore persists runs in PostgreSQL. The schema mirrors the SQLite
// store with crest_ prefixed tables so the store can share a database with
// other applications. Timestamps are stored as unix nanoseconds to keep
// round trips exact.
type PostgresStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ ResultStore = (*PostgresStore)(nil)

// NewPostgresStore connects to the database, verifies the connection and
// creates the schema if needed.
func NewPostgresStore(config PostgresStoreConfig) (*PostgresStore, error) {
	if config.DSN == "" {
		return nil, newStoreError(StoreErrorConnect, "postgres DSN required", "", nil)
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 25
	}
	if config.ConnMaxLifetime <= 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, newStoreError(StoreErrorConnect, "open postgres connection", "", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 5)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, newStoreError(StoreErrorConnect, "ping postgres", "", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, newStoreError(StoreErrorConnect, "initialize schema", "", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS crest_runs (
			run_id TEXT PRIMARY KEY,
			started_at BIGINT NOT NULL,
			duration_ns BIGINT NOT NULL,
			total_peaks INTEGER NOT NULL,
			total_anomalies INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS crest_signal_results (
			run_id TEXT NOT NULL,
			pos INTEGER NOT NULL,
			signal TEXT NOT NULL,
			stats_json TEXT NOT NULL,
			peak_stats_json TEXT NOT NULL,
			warnings_json TEXT,
			PRIMARY KEY (run_id, pos)
		);

		CREATE TABLE IF NOT EXISTS crest_peaks (
			run_id TEXT NOT NULL,
			signal_pos INTEGER NOT NULL,
			pos INTEGER NOT NULL,
			peak_index INTEGER NOT NULL,
			time_s DOUBLE PRECISION NOT NULL,
			height DOUBLE PRECISION NOT NULL,
			width DOUBLE PRECISION,
			prominence DOUBLE PRECISION,
			PRIMARY KEY (run_id, signal_pos, pos)
		);

		CREATE TABLE IF NOT EXISTS crest_findings (
			run_id TEXT NOT NULL,
			signal_pos INTEGER NOT NULL,
			pos INTEGER NOT NULL,
			peak_index INTEGER NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			method TEXT NOT NULL,
			description TEXT NOT NULL,
			PRIMARY KEY (run_id, signal_pos, pos)
		);

		CREATE INDEX IF NOT EXISTS idx_crest_runs_started ON crest_runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveRun stores a run, replacing any run with the same ID.
func (s *PostgresStore) SaveRun(ctx context.Context, run *RunResult) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError(StoreErrorWrite, "begin save", run.RunID, err)
	}
	defer tx.Rollback()

	for _, table := range []string{"crest_runs", "crest_signal_results", "crest_peaks", "crest_findings"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = $1", run.RunID); err != nil {
			return newStoreError(StoreErrorWrite, "clear previous run", run.RunID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO crest_runs (run_id, started_at, duration_ns, total_peaks, total_anomalies)
		VALUES ($1, $2, $3, $4, $5)
	`, run.RunID, run.StartedAt.UnixNano(), int64(run.Duration), run.TotalPeaks, run.TotalAnomalies)
	if err != nil {
		return newStoreError(StoreErrorWrite, "insert run", run.RunID, err)
	}

	for pos := range run.Signals {
		sr := &run.Signals[pos]
		statsJSON, err := json.Marshal(sr.Statistics)
		if err != nil {
			return newStoreError(StoreErrorWrite, "marshal statistics", run.RunID, err)
		}
		peakStatsJSON, err := json.Marshal(sr.PeakStats)
		if err != nil {
			return newStoreError(StoreErrorWrite, "marshal peak statistics", run.RunID, err)
		}
		var warningsJSON any
		if len(sr.Warnings) > 0 {
			raw, err := json.Marshal(sr.Warnings)
			if err != nil {
				return newStoreError(StoreErrorWrite, "marshal warnings", run.RunID, err)
			}
			warningsJSON = string(raw)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO crest_signal_results (run_id, pos, signal, stats_json, peak_stats_json, warnings_json)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, run.RunID, pos, sr.Signal, string(statsJSON), string(peakStatsJSON), warningsJSON)
		if err != nil {
			return newStoreError(StoreErrorWrite, "insert signal result", run.RunID, err)
		}

		for i, p := range sr.Peaks {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO crest_peaks (run_id, signal_pos, pos, peak_index, time_s, height, width, prominence)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, run.RunID, pos, i, p.Index, p.Time, p.Height, nullFloat(p.Width), nullFloat(p.Prominence))
			if err != nil {
				return newStoreError(StoreErrorWrite, "insert peak", run.RunID, err)
			}
		}
		for i, f := range sr.Findings {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO crest_findings (run_id, signal_pos, pos, peak_index, score, method, description)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, run.RunID, pos, i, f.PeakIndex, f.Score, string(f.Method), f.Description)
			if err != nil {
				return newStoreError(StoreErrorWrite, "insert finding", run.RunID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return newStoreError(StoreErrorWrite, "commit save", run.RunID, err)
	}
	return nil
}

// LoadRun returns a stored run or ErrRunNotFound.
func (s *PostgresStore) LoadRun(ctx context.Context, runID string) (*RunResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var startedNs, durationNs int64
	run := &RunResult{RunID: runID}
	err := s.db.QueryRowContext(ctx, `
		SELECT started_at, duration_ns, total_peaks, total_anomalies FROM crest_runs WHERE run_id = $1
	`, runID).Scan(&startedNs, &durationNs, &run.TotalPeaks, &run.TotalAnomalies)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, newStoreError(StoreErrorRead, "load run", runID, err)
	}
	run.StartedAt = time.Unix(0, startedNs).UTC()
	run.Duration = time.Duration(durationNs)

	if err := s.loadSignals(ctx, run); err != nil {
		return nil, err
	}
	if err := s.loadPeaks(ctx, run); err != nil {
		return nil, err
	}
	if err := s.loadFindings(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *PostgresStore) loadSignals(ctx context.Context, run *RunResult) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal, stats_json, peak_stats_json, warnings_json
		FROM crest_signal_results WHERE run_id = $1 ORDER BY pos
	`, run.RunID)
	if err != nil {
		return newStoreError(StoreErrorRead, "load signal results", run.RunID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var sr SignalResult
		var statsJSON, peakStatsJSON string
		var warningsJSON sql.NullString
		if err := rows.Scan(&sr.Signal, &statsJSON, &peakStatsJSON, &warningsJSON); err != nil {
			return newStoreError(StoreErrorRead, "scan signal result", run.RunID, err)
		}
		if err := json.Unmarshal([]byte(statsJSON), &sr.Statistics); err != nil {
			return newStoreError(StoreErrorRead, "decode statistics", run.RunID, err)
		}
		if err := json.Unmarshal([]byte(peakStatsJSON), &sr.PeakStats); err != nil {
			return newStoreError(StoreErrorRead, "decode peak statistics", run.RunID, err)
		}
		if warningsJSON.Valid {
			if err := json.Unmarshal([]byte(warningsJSON.String), &sr.Warnings); err != nil {
				return newStoreError(StoreErrorRead, "decode warnings", run.RunID, err)
			}
		}
		run.Signals = append(run.Signals, sr)
	}
	return rows.Err()
}

func (s *PostgresStore) loadPeaks(ctx context.Context, run *RunResult) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_pos, peak_index, time_s, height, width, prominence
		FROM crest_peaks WHERE run_id = $1 ORDER BY signal_pos, pos
	`, run.RunID)
	if err != nil {
		return newStoreError(StoreErrorRead, "load peaks", run.RunID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var signalPos int
		var p PeakRecord
		var width, prominence sql.NullFloat64
		if err := rows.Scan(&signalPos, &p.Index, &p.Time, &p.Height, &width, &prominence); err != nil {
			return newStoreError(StoreErrorRead, "scan peak", run.RunID, err)
		}
		if signalPos < 0 || signalPos >= len(run.Signals) {
			return newStoreError(StoreErrorRead, "peak references missing signal", run.RunID, nil)
		}
		if width.Valid {
			p.Width = &width.Float64
		}
		if prominence.Valid {
			p.Prominence = &prominence.Float64
		}
		run.Signals[signalPos].Peaks = append(run.Signals[signalPos].Peaks, p)
	}
	return rows.Err()
}

func (s *PostgresStore) loadFindings(ctx context.Context, run *RunResult) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_pos, peak_index, score, method, description
		FROM crest_findings WHERE run_id = $1 ORDER BY signal_pos, pos
	`, run.RunID)
	if err != nil {
		return newStoreError(StoreErrorRead, "load findings", run.RunID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var signalPos int
		var f AnomalyFinding
		var method string
		if err := rows.Scan(&signalPos, &f.PeakIndex, &f.Score, &method, &f.Description); err != nil {
			return newStoreError(StoreErrorRead, "scan finding", run.RunID, err)
		}
		if signalPos < 0 || signalPos >= len(run.Signals) {
			return newStoreError(StoreErrorRead, "finding references missing signal", run.RunID, nil)
		}
		f.Method = AnomalyMethod(method)
		run.Signals[signalPos].Findings = append(run.Signals[signalPos].Findings, f)
	}
	return rows.Err()
}

// ListRuns returns summaries of all stored runs, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context) ([]RunSummary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, r.started_at, r.duration_ns, r.total_peaks, r.total_anomalies,
			(SELECT COUNT(*) FROM crest_signal_results sr WHERE sr.run_id = r.run_id)
		FROM crest_runs r ORDER BY r.started_at DESC, r.run_id
	`)
	if err != nil {
		return nil, newStoreError(StoreErrorRead, "list runs", "", err)
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var sum RunSummary
		var startedNs, durationNs int64
		if err := rows.Scan(&sum.RunID, &startedNs, &durationNs, &sum.TotalPeaks, &sum.TotalAnomalies, &sum.SignalCount); err != nil {
			return nil, newStoreError(StoreErrorRead, "scan run summary", "", err)
		}
		sum.StartedAt = time.Unix(0, startedNs).UTC()
		sum.Duration = time.Duration(durationNs)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// DeleteRun removes a run or returns ErrRunNotFound.
func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError(StoreErrorDelete, "begin delete", runID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM crest_runs WHERE run_id = $1", runID)
	if err != nil {
		return newStoreError(StoreErrorDelete, "delete run", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return newStoreError(StoreErrorDelete, "delete run", runID, err)
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	for _, table := range []string{"crest_signal_results", "crest_peaks", "crest_findings"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = $1", runID); err != nil {
			return newStoreError(StoreErrorDelete, "delete run rows", runID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return newStoreError(StoreErrorDelete, "commit delete", runID, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// DB exposes the underlying connection for ad hoc queries.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}
