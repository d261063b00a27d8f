package migrations

import (
	"database/sql"
	"fmt"
)

// Migration represents a single database migration
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// AllMigrations contains all database migrations in order
var AllMigrations = []Migration{
	{
		Version: 1,
		Name:    "Add scenario indices",
		Up: `
			CREATE INDEX IF NOT EXISTS idx_runs_scenario ON runs(scenario);
			CREATE INDEX IF NOT EXISTS idx_runs_scenario_started ON runs(scenario, started_at DESC);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_runs_scenario;
			DROP INDEX IF EXISTS idx_runs_scenario_started;
		`,
	},
	{
		Version: 2,
		Name:    "Add sample lookup index",
		Up: `
			-- Samples are read back per metric when a run is inspected
			CREATE INDEX IF NOT EXISTS idx_samples_metric ON samples(run_id, metric, elapsed_ms);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_samples_metric;
		`,
	},
}

// InitSchema creates all tables required across all modules
// This must be called before running migrations to ensure all tables exist
func InitSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_uuid TEXT NOT NULL UNIQUE,
		scenario TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		status TEXT NOT NULL,
		passed INTEGER,
		iterations INTEGER DEFAULT 0,
		dropped_iterations INTEGER DEFAULT 0,
		iteration_panics INTEGER DEFAULT 0,
		http_reqs INTEGER DEFAULT 0,
		http_req_failed_rate REAL DEFAULT 0,
		p95_duration_ms REAL DEFAULT 0,
		duration_scale REAL DEFAULT 1,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS metric_summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		metric TEXT NOT NULL,
		kind TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		sum REAL DEFAULT 0,
		min REAL DEFAULT 0,
		max REAL DEFAULT 0,
		avg REAL DEFAULT 0,
		med REAL DEFAULT 0,
		p90 REAL DEFAULT 0,
		p95 REAL DEFAULT 0,
		p99 REAL DEFAULT 0,
		rate REAL DEFAULT 0,
		value REAL DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_metric_summaries_run_id ON metric_summaries(run_id);

	CREATE TABLE IF NOT EXISTS threshold_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		selector TEXT NOT NULL,
		expression TEXT NOT NULL,
		observed REAL DEFAULT 0,
		passed INTEGER NOT NULL,
		no_data INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_threshold_results_run_id ON threshold_results(run_id);

	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		metric TEXT NOT NULL,
		kind TEXT NOT NULL,
		value REAL NOT NULL,
		tags TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_samples_run_id ON samples(run_id);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Run executes all pending migrations on the database
func Run(db *sql.DB) error {
	// Initialize schema first to ensure all tables exist
	if err := InitSchema(db); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := GetCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for _, migration := range AllMigrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", migration.Version, err)
		}
		if _, err := tx.Exec(migration.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d (%s): %w", migration.Version, migration.Name, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			migration.Version,
			migration.Name,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// GetCurrentVersion returns the current database schema version
func GetCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`
		SELECT COALESCE(MAX(version), 0)
		FROM schema_migrations
	`).Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	return version, nil
}
