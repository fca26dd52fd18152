package crest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	// Pure Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite result store.
type SQLiteStoreConfig struct {
	// Path to the database file.
	Path string

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	BusyTimeout int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE).
	JournalMode string

	// Synchronous sets the synchronous pragma (OFF, NORMAL, FULL).
	Synchronous string

	// CacheSizeKB is the page cache size in kilobytes.
	CacheSizeKB int

	// MaxConnections caps the connection pool.
	MaxConnections int
}

// DefaultSQLiteStoreConfig returns the store defaults.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           path,
		BusyTimeout:    5000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		CacheSizeKB:    2000,
		MaxConnections: 10,
	}
}

// SQLiteStore persists runs in a SQLite database so they survive restarts
// and stay queryable with standard SQLite tools. Run rows hold the totals,
// peak and finding rows are fully relational, and the statistics blocks
// travel as JSON columns.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteStoreConfig
	mu     sync.RWMutex
	closed bool

	insertRun     *sql.Stmt
	insertSignal  *sql.Stmt
	insertPeak    *sql.Stmt
	insertFinding *sql.Stmt
	selectRun     *sql.Stmt
}

var _ ResultStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at config.Path.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "crest.db"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.CacheSizeKB <= 0 {
		config.CacheSizeKB = 2000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	// modernc.org/sqlite expects pragmas as repeated _pragma parameters.
	// A negative cache_size is the SQLite way of sizing in kilobytes.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(%s)&_pragma=synchronous(%s)&_pragma=cache_size(-%d)",
		url.PathEscape(config.Path), config.BusyTimeout, config.JournalMode, config.Synchronous, config.CacheSizeKB)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStoreError(StoreErrorConnect, "open sqlite database", config.Path, err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SQLiteStore{db: db, config: config}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, newStoreError(StoreErrorConnect, "initialize schema", config.Path, err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, newStoreError(StoreErrorConnect, "prepare statements", config.Path, err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			total_peaks INTEGER NOT NULL,
			total_anomalies INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS signal_results (
			run_id TEXT NOT NULL,
			pos INTEGER NOT NULL,
			signal TEXT NOT NULL,
			stats_json TEXT NOT NULL,
			peak_stats_json TEXT NOT NULL,
			warnings_json TEXT,
			PRIMARY KEY (run_id, pos)
		);

		CREATE TABLE IF NOT EXISTS peaks (
			run_id TEXT NOT NULL,
			signal_pos INTEGER NOT NULL,
			pos INTEGER NOT NULL,
			peak_index INTEGER NOT NULL,
			time_s REAL NOT NULL,
			height REAL NOT NULL,
			width REAL,
			prominence REAL,
			PRIMARY KEY (run_id, signal_pos, pos)
		);

		CREATE TABLE IF NOT EXISTS findings (
			run_id TEXT NOT NULL,
			signal_pos INTEGER NOT NULL,
			pos INTEGER NOT NULL,
			peak_index INTEGER NOT NULL,
			score REAL NOT NULL,
			method TEXT NOT NULL,
			description TEXT NOT NULL,
			PRIMARY KEY (run_id, signal_pos, pos)
		);

		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
		CREATE INDEX IF NOT EXISTS idx_findings_method ON findings(method);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	var err error
	s.insertRun, err = s.db.Prepare(`
		INSERT INTO runs (run_id, started_at, duration_ns, total_peaks, total_anomalies)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	s.insertSignal, err = s.db.Prepare(`
		INSERT INTO signal_results (run_id, pos, signal, stats_json, peak_stats_json, warnings_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	s.insertPeak, err = s.db.Prepare(`
		INSERT INTO peaks (run_id, signal_pos, pos, peak_index, time_s, height, width, prominence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	s.insertFinding, err = s.db.Prepare(`
		INSERT INTO findings (run_id, signal_pos, pos, peak_index, score, method, description)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	s.selectRun, err = s.db.Prepare(`
		SELECT started_at, duration_ns, total_peaks, total_anomalies FROM runs WHERE run_id = ?
	`)
	return err
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveRun stores a run, replacing any run with the same ID.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunResult) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError(StoreErrorWrite, "begin save", run.RunID, err)
	}
	defer tx.Rollback()

	for _, table := range []string{"runs", "signal_results", "peaks", "findings"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = ?", run.RunID); err != nil {
			return newStoreError(StoreErrorWrite, "clear previous run", run.RunID, err)
		}
	}

	_, err = tx.StmtContext(ctx, s.insertRun).ExecContext(ctx,
		run.RunID, run.StartedAt.UnixNano(), int64(run.Duration), run.TotalPeaks, run.TotalAnomalies)
	if err != nil {
		return newStoreError(StoreErrorWrite, "insert run", run.RunID, err)
	}

	signalStmt := tx.StmtContext(ctx, s.insertSignal)
	peakStmt := tx.StmtContext(ctx, s.insertPeak)
	findingStmt := tx.StmtContext(ctx, s.insertFinding)

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

		if _, err := signalStmt.ExecContext(ctx, run.RunID, pos, sr.Signal, string(statsJSON), string(peakStatsJSON), warningsJSON); err != nil {
			return newStoreError(StoreErrorWrite, "insert signal result", run.RunID, err)
		}
		for i, p := range sr.Peaks {
			if _, err := peakStmt.ExecContext(ctx, run.RunID, pos, i, p.Index, p.Time, p.Height,
				nullFloat(p.Width), nullFloat(p.Prominence)); err != nil {
				return newStoreError(StoreErrorWrite, "insert peak", run.RunID, err)
			}
		}
		for i, f := range sr.Findings {
			if _, err := findingStmt.ExecContext(ctx, run.RunID, pos, i,
				f.PeakIndex, f.Score, string(f.Method), f.Description); err != nil {
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
func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) (*RunResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var startedNs, durationNs int64
	run := &RunResult{RunID: runID}
	err := s.selectRun.QueryRowContext(ctx, runID).Scan(&startedNs, &durationNs, &run.TotalPeaks, &run.TotalAnomalies)
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

func (s *SQLiteStore) loadSignals(ctx context.Context, run *RunResult) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal, stats_json, peak_stats_json, warnings_json
		FROM signal_results WHERE run_id = ? ORDER BY pos
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

func (s *SQLiteStore) loadPeaks(ctx context.Context, run *RunResult) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_pos, peak_index, time_s, height, width, prominence
		FROM peaks WHERE run_id = ? ORDER BY signal_pos, pos
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

func (s *SQLiteStore) loadFindings(ctx context.Context, run *RunResult) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_pos, peak_index, score, method, description
		FROM findings WHERE run_id = ? ORDER BY signal_pos, pos
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
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]RunSummary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, r.started_at, r.duration_ns, r.total_peaks, r.total_anomalies,
			(SELECT COUNT(*) FROM signal_results sr WHERE sr.run_id = r.run_id)
		FROM runs r ORDER BY r.started_at DESC, r.run_id
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
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError(StoreErrorDelete, "begin delete", runID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE run_id = ?", runID)
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
	for _, table := range []string{"signal_results", "peaks", "findings"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = ?", runID); err != nil {
			return newStoreError(StoreErrorDelete, "delete run rows", runID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return newStoreError(StoreErrorDelete, "commit delete", runID, err)
	}
	return nil
}

// Close closes the statements and the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.insertRun, s.insertSignal, s.insertPeak, s.insertFinding, s.selectRun} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// DB exposes the underlying connection for ad hoc queries.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
