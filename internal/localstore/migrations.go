package localstore

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is a single idempotent schema step: a plain Go function
// operating on *sql.DB, checked for prior application via
// pragma_table_info/sqlite_master rather than a migration-version table.
type migration struct {
	name string
	run  func(ctx context.Context, db *sql.DB) error
}

var migrationList = []migration{
	{"001_sync_queue_items", migrateSyncQueueItems},
	{"002_model_tables_registry", migrateModelTablesRegistry},
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	for _, m := range migrationList {
		if err := m.run(ctx, db); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}

// migrateSyncQueueItems creates the durable sync_queue_items table.
func migrateSyncQueueItems(ctx context.Context, db *sql.DB) error {
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = 'sync_queue_items'
	`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check sync_queue_items existence: %w", err)
	}
	if exists {
		return nil
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE sync_queue_items (
			id                     INTEGER PRIMARY KEY AUTOINCREMENT,
			model_type             TEXT NOT NULL,
			model_id               TEXT NOT NULL,
			op                     TEXT NOT NULL,
			payload                TEXT NOT NULL,
			attempt_count          INTEGER NOT NULL DEFAULT 0,
			last_error             TEXT,
			next_retry_at          TEXT,
			idempotency_key        TEXT NOT NULL,
			status                 TEXT NOT NULL DEFAULT 'pending',
			created_at             TEXT NOT NULL,
			headers                TEXT NOT NULL DEFAULT '',
			extra                  TEXT NOT NULL DEFAULT '',
			temporary_client_id    TEXT,
			id_negotiation_status  TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create sync_queue_items: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE INDEX idx_sync_queue_items_model ON sync_queue_items (model_type, model_id, status)
	`)
	if err != nil {
		return fmt.Errorf("create sync_queue_items model index: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		CREATE UNIQUE INDEX idx_sync_queue_items_idempotency ON sync_queue_items (idempotency_key)
	`)
	if err != nil {
		return fmt.Errorf("create sync_queue_items idempotency index: %w", err)
	}
	return nil
}

// migrateModelTablesRegistry creates a small table mapping each model
// type to its table name, used by
// truncateLocal/obliterate to enumerate tables without reflection.
func migrateModelTablesRegistry(ctx context.Context, db *sql.DB) error {
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = 'model_tables'
	`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check model_tables existence: %w", err)
	}
	if exists {
		return nil
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE model_tables (
			model_type TEXT PRIMARY KEY,
			table_name TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create model_tables: %w", err)
	}
	return nil
}

// RegisterModelTable creates a model's table (idempotently) and records
// it in model_tables, so generic repository code never needs reflection
// to enumerate tables during truncateLocal/obliterate.
func (s *SQLiteStore) RegisterModelTable(ctx context.Context, modelType, tableName, createDDL string) error {
	return registerModelTable(ctx, s.db, modelType, tableName, createDDL)
}

// ListModelTables returns all registered (modelType -> tableName) pairs.
func (s *SQLiteStore) ListModelTables(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model_type, table_name FROM model_tables`)
	if err != nil {
		return nil, wrapDBError("list model tables", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var modelType, tableName string
		if err := rows.Scan(&modelType, &tableName); err != nil {
			return nil, fmt.Errorf("scan model_tables row: %w", err)
		}
		out[modelType] = tableName
	}
	return out, rows.Err()
}

func registerModelTable(ctx context.Context, db *sql.DB, modelType, tableName, createDDL string) error {
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = ?
	`, tableName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check %s existence: %w", tableName, err)
	}
	if !exists {
		if _, err := db.ExecContext(ctx, createDDL); err != nil {
			return fmt.Errorf("create table %s: %w", tableName, err)
		}
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO model_tables (model_type, table_name) VALUES (?, ?)
		ON CONFLICT (model_type) DO UPDATE SET table_name = excluded.table_name
	`, modelType, tableName)
	if err != nil {
		return fmt.Errorf("register model table %s: %w", modelType, err)
	}
	return nil
}
