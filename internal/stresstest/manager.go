package stresstest

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/studiowebux/perfharness/internal/metrics"
	"github.com/studiowebux/perfharness/internal/migrations"
)

// Manager handles run persistence
type Manager struct {
	db *sql.DB
}

// NewManager opens (or creates) the run database and migrates it.
func NewManager(dbPath string) (*Manager, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases are private to the connection that created them.
	db.SetMaxOpenConns(1)

	m := &Manager{db: db}

	// Run database migrations (includes schema initialization)
	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return m, nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	return m.db.Close()
}

const runColumns = `id, run_uuid, scenario, started_at, completed_at, status, passed,
	COALESCE(iterations, 0), COALESCE(dropped_iterations, 0), COALESCE(iteration_panics, 0),
	COALESCE(http_reqs, 0), COALESCE(http_req_failed_rate, 0), COALESCE(p95_duration_ms, 0),
	COALESCE(duration_scale, 1), COALESCE(error, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var completedAt sql.NullTime
	var passed sql.NullBool
	err := row.Scan(&run.ID, &run.UUID, &run.Scenario, &run.StartedAt, &completedAt, &run.Status, &passed,
		&run.Iterations, &run.DroppedIterations, &run.IterationPanics,
		&run.HTTPReqs, &run.HTTPReqFailedRate, &run.P95DurationMs,
		&run.DurationScale, &run.Error)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if passed.Valid {
		run.Passed = &passed.Bool
	}
	return run, nil
}

// CreateRun creates a new run record
func (m *Manager) CreateRun(run *Run) error {
	result, err := m.db.Exec(`
		INSERT INTO runs (run_uuid, scenario, started_at, status, duration_scale)
		VALUES (?, ?, ?, ?, ?)
	`, run.UUID, run.Scenario, run.StartedAt, run.Status, run.DurationScale)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	run.ID = id
	return nil
}

// UpdateRun updates a run record
func (m *Manager) UpdateRun(run *Run) error {
	var passed any
	if run.Passed != nil {
		passed = *run.Passed
	}
	_, err := m.db.Exec(`
		UPDATE runs
		SET completed_at = ?, status = ?, passed = ?, iterations = ?, dropped_iterations = ?,
		    iteration_panics = ?, http_reqs = ?, http_req_failed_rate = ?, p95_duration_ms = ?, error = ?
		WHERE id = ?
	`, run.CompletedAt, run.Status, passed, run.Iterations, run.DroppedIterations,
		run.IterationPanics, run.HTTPReqs, run.HTTPReqFailedRate, run.P95DurationMs, run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (m *Manager) GetRun(id int64) (*Run, error) {
	return scanRun(m.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
}

// GetRunByUUID retrieves a run by its external identifier
func (m *Manager) GetRunByUUID(uuid string) (*Run, error) {
	return scanRun(m.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_uuid = ?`, uuid))
}

// ListRuns returns the most recent runs, optionally filtered by scenario
func (m *Manager) ListRuns(scenario string, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE scenario = ? OR ? = ''
		ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := m.db.Query(query, scenario, scenario)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun deletes a run and everything recorded for it
func (m *Manager) DeleteRun(id int64) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"samples", "threshold_results", "metric_summaries"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE run_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete %s: %w", table, err)
		}
	}
	if _, err := tx.Exec("DELETE FROM runs WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return tx.Commit()
}

// SaveSummaries stores the metric table of a run in a single transaction
func (m *Manager) SaveSummaries(runID int64, summaries []metrics.Summary) error {
	if len(summaries) == 0 {
		return nil
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO metric_summaries
		(run_id, metric, kind, count, sum, min, max, avg, med, p90, p95, p99, rate, value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, s := range summaries {
		_, err := stmt.Exec(runID, s.Name(), s.Kind.String(), s.Count, s.Sum, s.Min, s.Max,
			s.Avg, s.Med, s.P90, s.P95, s.P99, s.Rate, s.Value)
		if err != nil {
			return fmt.Errorf("failed to insert summary %s: %w", s.Name(), err)
		}
	}

	return tx.Commit()
}

// GetSummaries retrieves the metric table of a run
func (m *Manager) GetSummaries(runID int64) ([]*MetricSummary, error) {
	rows, err := m.db.Query(`
		SELECT id, run_id, metric, kind, count, sum, min, max, avg, med, p90, p95, p99, rate, value
		FROM metric_summaries
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MetricSummary
	for rows.Next() {
		s := &MetricSummary{}
		err := rows.Scan(&s.ID, &s.RunID, &s.Metric, &s.Kind, &s.Count, &s.Sum, &s.Min, &s.Max,
			&s.Avg, &s.Med, &s.P90, &s.P95, &s.P99, &s.Rate, &s.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveThresholdResults stores the threshold verdicts of a run
func (m *Manager) SaveThresholdResults(runID int64, results []metrics.Result) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO threshold_results (run_id, selector, expression, observed, passed, no_data, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.Exec(runID, r.Selector, r.Expression, r.Observed, r.Passed, r.NoData, r.Error); err != nil {
			return fmt.Errorf("failed to insert threshold result: %w", err)
		}
	}

	return tx.Commit()
}

// GetThresholdResults retrieves the threshold verdicts of a run
func (m *Manager) GetThresholdResults(runID int64) ([]*ThresholdResult, error) {
	rows, err := m.db.Query(`
		SELECT id, run_id, selector, expression, observed, passed, no_data, COALESCE(error, '')
		FROM threshold_results
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ThresholdResult
	for rows.Next() {
		r := &ThresholdResult{}
		if err := rows.Scan(&r.ID, &r.RunID, &r.Selector, &r.Expression, &r.Observed, &r.Passed, &r.NoData, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveSamplesBatch saves multiple raw samples in a single transaction
func (m *Manager) SaveSamplesBatch(samples []*SampleRow) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO samples (run_id, timestamp, elapsed_ms, metric, kind, value, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.Exec(s.RunID, s.Timestamp, s.ElapsedMs, s.Metric, s.Kind, s.Value, s.Tags); err != nil {
			return fmt.Errorf("failed to insert sample: %w", err)
		}
	}

	return tx.Commit()
}

// GetSamples retrieves raw samples of a run, optionally for one metric
func (m *Manager) GetSamples(runID int64, metric string) ([]*SampleRow, error) {
	rows, err := m.db.Query(`
		SELECT id, run_id, timestamp, elapsed_ms, metric, kind, value, COALESCE(tags, '')
		FROM samples
		WHERE run_id = ? AND (metric = ? OR ? = '')
		ORDER BY elapsed_ms, id
	`, runID, metric, metric)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SampleRow
	for rows.Next() {
		s := &SampleRow{}
		if err := rows.Scan(&s.ID, &s.RunID, &s.Timestamp, &s.ElapsedMs, &s.Metric, &s.Kind, &s.Value, &s.Tags); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountSamples returns how many raw samples a run has
func (m *Manager) CountSamples(runID int64) (int, error) {
	var n int
	err := m.db.QueryRow("SELECT COUNT(*) FROM samples WHERE run_id = ?", runID).Scan(&n)
	return n, err
}
