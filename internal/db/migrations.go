package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations is the list of all database migrations in order.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "core_tables",
		SQL: `
			-- Ingested documents (one row per uploaded file)
			CREATE TABLE IF NOT EXISTS documents (
				id TEXT PRIMARY KEY,
				collection TEXT NOT NULL,
				filename TEXT NOT NULL,
				file_type TEXT NOT NULL,
				chunk_count INTEGER NOT NULL DEFAULT 0,
				token_count INTEGER NOT NULL DEFAULT 0,
				ingested_at REAL NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}'
			);

			CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);

			-- Background ingestion jobs
			CREATE TABLE IF NOT EXISTS ingestion_jobs (
				id TEXT PRIMARY KEY,
				collection TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				total_files INTEGER NOT NULL DEFAULT 0,
				processed_files INTEGER NOT NULL DEFAULT 0,
				total_chunks INTEGER NOT NULL DEFAULT 0,
				error TEXT,
				created_at REAL NOT NULL,
				completed_at REAL
			);

			-- One row per answered query
			CREATE TABLE IF NOT EXISTS query_log (
				id TEXT PRIMARY KEY,
				collection TEXT NOT NULL,
				query TEXT NOT NULL,
				answer TEXT NOT NULL,
				sources TEXT NOT NULL DEFAULT '[]',
				model TEXT NOT NULL,
				tokens_used INTEGER NOT NULL DEFAULT 0,
				latency_ms REAL NOT NULL DEFAULT 0,
				latency_retrieval_ms REAL,
				latency_generation_ms REAL,
				created_at REAL NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_query_log_collection ON query_log(collection);
			CREATE INDEX IF NOT EXISTS idx_query_log_created ON query_log(created_at);

			-- Quality scores keyed to their query
			CREATE TABLE IF NOT EXISTS eval_results (
				id TEXT PRIMARY KEY,
				query_id TEXT NOT NULL REFERENCES query_log(id),
				faithfulness REAL,
				relevance REAL,
				hallucination_rate REAL,
				context_precision REAL,
				context_recall REAL,
				created_at REAL NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_eval_results_query ON eval_results(query_id);
			CREATE INDEX IF NOT EXISTS idx_eval_results_created ON eval_results(created_at);

			-- Named question bundles for batch evaluation
			CREATE TABLE IF NOT EXISTS test_sets (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				collection TEXT NOT NULL,
				questions TEXT NOT NULL DEFAULT '[]',
				created_at REAL NOT NULL,
				updated_at REAL NOT NULL
			);

			-- Batch evaluation executions
			CREATE TABLE IF NOT EXISTS eval_runs (
				id TEXT PRIMARY KEY,
				test_set_id TEXT NOT NULL REFERENCES test_sets(id),
				status TEXT NOT NULL DEFAULT 'pending',
				results TEXT NOT NULL DEFAULT '[]',
				avg_faithfulness REAL,
				avg_relevance REAL,
				avg_hallucination_rate REAL,
				avg_context_precision REAL,
				created_at REAL NOT NULL,
				completed_at REAL
			);
		`,
	},
	{
		Version: 2,
		Name:    "cache_stats",
		SQL: `
			-- Semantic-cache hit/miss log, one row per lookup
			CREATE TABLE IF NOT EXISTS cache_stats (
				id TEXT PRIMARY KEY,
				query_hash TEXT NOT NULL,
				hit_or_miss TEXT NOT NULL,
				saved_latency_ms REAL NOT NULL DEFAULT 0,
				created_at REAL NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_cache_stats_created ON cache_stats(created_at);
		`,
	},
	{
		Version: 3,
		Name:    "query_cost_and_params",
		SQL: `
			-- Per-query cost plus the retrieval params that produced the answer,
			-- feeding the auto-tuner
			ALTER TABLE query_log ADD COLUMN cost_usd REAL NOT NULL DEFAULT 0;
			ALTER TABLE query_log ADD COLUMN alpha REAL;
			ALTER TABLE query_log ADD COLUMN top_k INTEGER;
		`,
	},
}

// MigrationManager handles database schema migrations.
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a new migration manager.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// EnsureSchemaVersionsTable creates the schema_versions table if it doesn't exist.
func (m *MigrationManager) EnsureSchemaVersionsTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY,
			version INTEGER UNIQUE NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

// GetAppliedVersions returns all applied migration versions.
func (m *MigrationManager) GetAppliedVersions() (map[int]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_versions ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions[version] = true
	}
	return versions, rows.Err()
}

// ApplyMigration applies a single migration.
func (m *MigrationManager) ApplyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Execute migration SQL
	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("execute migration %d (%s): %w", migration.Version, migration.Name, err)
	}

	// Record migration
	_, err = tx.Exec(
		"INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)",
		migration.Version, time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration %d: %w", migration.Version, err)
	}

	return tx.Commit()
}

// RunMigrations applies all pending migrations.
func (m *MigrationManager) RunMigrations() error {
	if err := m.EnsureSchemaVersionsTable(); err != nil {
		return fmt.Errorf("ensure schema_versions table: %w", err)
	}

	applied, err := m.GetAppliedVersions()
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}

	for _, migration := range Migrations {
		if applied[migration.Version] {
			continue
		}

		if err := m.ApplyMigration(migration); err != nil {
			return err
		}
	}

	return nil
}
