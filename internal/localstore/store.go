// Package localstore implements the engine's reference "generic SQL
// engine" collaborator: the out-of-scope relational store
// the core is built against. It is deliberately small — a faithful
// implementation only needs to exercise the Store contract, not
// reimplement a database — but it is a real, persistent, transactional
// SQLite-backed store rather than a mock, so the rest of the engine can
// be exercised end-to-end in tests.
//
// Migrations are plain Go functions gated on sqlite_master existence
// checks; Exec/Query errors funnel through wrapDBError, which adds the
// operation name and maps sql.ErrNoRows to types.ErrNotFound.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/localfirst/syncengine/internal/types"
)

// Store is the contract the engine's core is built against:
// parameterized exec/query, transactions, reactive subscription over a
// set of watched tables, and table metadata lookup.
type Store interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	// Notify broadcasts a change on the given tables to all active
	// subscribers. DAOs call this after a successful commit that wrote
	// to those tables; the store does not parse SQL to infer it.
	Notify(tables ...string)
	// Subscribe returns a channel that receives a signal whenever any of
	// the given tables is touched via Notify, plus a cancel function.
	Subscribe(tables ...string) (ch <-chan struct{}, cancel func())
	// TableInfo returns column metadata for table (table metadata
	// lookup); the ID-negotiation FK validation counts rows with its own
	// queries and does not call it.
	TableInfo(ctx context.Context, table string) ([]ColumnInfo, error)
	// RegisterModelTable idempotently creates a model's table via createDDL
	// and records it in the model_tables registry, so truncateLocal/obliterate
	// never need reflection to enumerate tables.
	RegisterModelTable(ctx context.Context, modelType, tableName, createDDL string) error
	// ListModelTables returns every registered (modelType -> tableName) pair.
	ListModelTables(ctx context.Context) (map[string]string, error)
	Close() error
}

// ColumnInfo mirrors the subset of pragma_table_info the engine needs.
type ColumnInfo struct {
	Name    string
	Type    string
	NotNull bool
	PK      bool
}

// SQLiteStore is the pure-Go (modernc.org/sqlite, no CGO) reference
// implementation of Store.
type SQLiteStore struct {
	db *sql.DB

	mu   sync.Mutex
	subs map[string][]chan struct{}
}

// Open creates or opens a SQLite database file at path ("file::memory:?cache=shared"
// for an in-process ephemeral store) and runs all registered migrations.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer SQLite

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, subs: make(map[string][]chan struct{})}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	return res, wrapDBError("exec", err)
}

func (s *SQLiteStore) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	return rows, wrapDBError("query", err)
}

func (s *SQLiteStore) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn inside a transaction, committing on nil return and
// rolling back otherwise.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Notify(tables ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tables {
		for _, ch := range s.subs[t] {
			select {
			case ch <- struct{}{}:
			default:
				// Slow subscriber: it will re-query on its next wakeup
				// regardless, so a dropped signal here is not lossy in
				// the way a dropped SyncQueueItem would be.
			}
		}
	}
}

func (s *SQLiteStore) Subscribe(tables ...string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	for _, t := range tables {
		s.subs[t] = append(s.subs[t], ch)
	}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, t := range tables {
			list := s.subs[t]
			for i, c := range list {
				if c == ch {
					s.subs[t] = append(list[:i], list[i+1:]...)
					break
				}
			}
		}
	}
	return ch, cancel
}

func (s *SQLiteStore) TableInfo(ctx context.Context, table string) ([]ColumnInfo, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, wrapDBErrorf(err, "table info for %s", table)
	}
	defer func() { _ = rows.Close() }()

	var cols []ColumnInfo
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info row: %w", err)
		}
		cols = append(cols, ColumnInfo{Name: name, Type: ctype, NotNull: notnull != 0, PK: pk != 0})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate table_info", err)
	}
	return cols, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to types.ErrNotFound.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, types.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func wrapDBErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return wrapDBError(fmt.Sprintf(format, args...), err)
}

// IsNotFound reports whether err is or wraps types.ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}
