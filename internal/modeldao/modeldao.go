// Package modeldao is the reference implementation of a per-model local
// DAO: a generic, JSON-blob-backed table plus the reserved
// timestamp/sync-status columns every model table carries. Application
// code would normally get a typed, column-per-field DAO from a code
// generator; this package lets the rest of the engine (and its tests)
// exercise repository.LocalDAO[T] and idnegotiation.ModelStore against
// a real SQLite-backed table without that generator.
//
// Filtering on JSON-encoded fields uses SQLite's json_extract, bundled
// with the pure-Go modernc.org/sqlite build's JSON1 support.
package modeldao

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/localfirst/syncengine/internal/idnegotiation"
	"github.com/localfirst/syncengine/internal/localstore"
	"github.com/localfirst/syncengine/internal/queryparams"
	"github.com/localfirst/syncengine/internal/types"
)

// Codec bridges T to/from its JSON wire representation.
type Codec[T types.Model] struct {
	ToJSON   func(item T) (string, error)
	FromJSON func(data string) (T, error)
}

// DAO is a generic local store table for model type T.
type DAO[T types.Model] struct {
	store     localstore.Store
	modelType string
	table     string
	codec     Codec[T]
}

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// New constructs a DAO over store, creating table (idempotently) via
// localstore's model-table registry. Returns an error if table is not a
// valid SQL identifier; modelType is stored as a value and not checked.
func New[T types.Model](ctx context.Context, store localstore.Store, modelType, table string, codec Codec[T]) (*DAO[T], error) {
	if !identifierRE.MatchString(table) {
		return nil, fmt.Errorf("modeldao: invalid table name %q", table)
	}
	ddl := fmt.Sprintf(`
		CREATE TABLE %s (
			id               TEXT PRIMARY KEY,
			payload          TEXT NOT NULL,
			created_at       TEXT,
			updated_at       TEXT,
			last_synced_at   TEXT,
			sync_status      TEXT NOT NULL DEFAULT 'synced'
		)
	`, table)
	if err := store.RegisterModelTable(ctx, modelType, table, ddl); err != nil {
		return nil, fmt.Errorf("register model table %s: %w", table, err)
	}
	return &DAO[T]{store: store, modelType: modelType, table: table, codec: codec}, nil
}

func (d *DAO[T]) scanRow(row interface{ Scan(dest ...any) error }) (T, error) {
	var zero T
	var (
		id, payload                      string
		createdAt, updatedAt, lastSynced sql.NullString
		syncStatus                       string
	)
	if err := row.Scan(&id, &payload, &createdAt, &updatedAt, &lastSynced, &syncStatus); err != nil {
		if err == sql.ErrNoRows {
			return zero, types.ErrNotFound
		}
		return zero, fmt.Errorf("scan %s row: %w", d.table, err)
	}
	item, err := d.codec.FromJSON(payload)
	if err != nil {
		return zero, fmt.Errorf("decode %s payload: %w", d.table, err)
	}
	item.SetID(id)
	if createdAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, createdAt.String)
		item.SetCreatedAt(&t)
	}
	if updatedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, updatedAt.String)
		item.SetUpdatedAt(&t)
	}
	if lastSynced.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastSynced.String)
		item.SetLastSyncedAt(&t)
	}
	item.SetSyncStatus(types.SyncStatus(syncStatus))
	return item, nil
}

const selectCols = `id, payload, created_at, updated_at, last_synced_at, sync_status`

// Get fetches a single row by id.
func (d *DAO[T]) Get(ctx context.Context, id string) (T, error) {
	row := d.store.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, selectCols, d.table), id)
	return d.scanRow(row)
}

// Exists reports whether id has a row.
func (d *DAO[T]) Exists(ctx context.Context, id string) (bool, error) {
	var count int
	err := d.store.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, d.table), id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check existence in %s: %w", d.table, err)
	}
	return count > 0, nil
}

// List returns rows matching qp's filters/sort/pagination, translating
// each filter into a json_extract predicate against the stored payload.
func (d *DAO[T]) List(ctx context.Context, qp *queryparams.QueryParams) ([]T, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, selectCols, d.table)
	var args []any

	if qp != nil {
		clause, filterArgs := qp.ToSQLWith(jsonField)
		if clause != "" {
			query += " " + clause
			args = append(args, filterArgs...)
		}
	}
	if qp != nil && len(qp.Sort) > 0 {
		query += " ORDER BY "
		for i, s := range qp.Sort {
			if i > 0 {
				query += ", "
			}
			dir := "ASC"
			if s.Direction == queryparams.SortDesc {
				dir = "DESC"
			}
			query += fmt.Sprintf("%s %s", jsonField(s.Field), dir)
		}
	}
	if qp != nil && qp.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", qp.Limit, qp.Offset)
	}

	rows, err := d.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.table, err)
	}
	defer func() { _ = rows.Close() }()

	var out []T
	for rows.Next() {
		item, err := d.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// jsonField renders a filterable field as a json_extract expression
// over the stored payload, this DAO's field style for ToSQLWith.
func jsonField(field string) string {
	return fmt.Sprintf("json_extract(payload, '$.%s')", field)
}

// Upsert writes item, preserving whatever id column value + column-level
// timestamps the model carries.
func (d *DAO[T]) Upsert(ctx context.Context, item T) error {
	payload, err := d.codec.ToJSON(item)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", d.table, err)
	}
	err = d.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, payload, created_at, updated_at, last_synced_at, sync_status)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				payload = excluded.payload,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at,
				last_synced_at = excluded.last_synced_at,
				sync_status = excluded.sync_status
		`, d.table), item.GetID(), payload,
			nullableTime(item.GetCreatedAt()), nullableTime(item.GetUpdatedAt()), nullableTime(item.GetLastSyncedAt()),
			string(item.GetSyncStatus()))
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", d.table, err)
	}
	d.store.Notify(d.table)
	return nil
}

// DeleteRow removes a row by id.
func (d *DAO[T]) DeleteRow(ctx context.Context, id string) error {
	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, d.table), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", d.table, err)
	}
	d.store.Notify(d.table)
	return nil
}

// Truncate removes every row.
func (d *DAO[T]) Truncate(ctx context.Context) error {
	if _, err := d.store.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, d.table)); err != nil {
		return fmt.Errorf("truncate %s: %w", d.table, err)
	}
	d.store.Notify(d.table)
	return nil
}

// Watch subscribes to this table's changes.
func (d *DAO[T]) Watch() (<-chan struct{}, func()) {
	return d.store.Subscribe(d.table)
}

// UpdateSyncStatus implements syncqueue.StatusWriter: write-through of
// the denormalized sync status into the model row plus a reactive
// notification.
func (d *DAO[T]) UpdateSyncStatus(ctx context.Context, modelType, modelID string, status types.SyncStatus) error {
	if modelType != d.modelType {
		return nil
	}
	_, err := d.store.Exec(ctx, fmt.Sprintf(`UPDATE %s SET sync_status = ? WHERE id = ?`, d.table), string(status), modelID)
	if err != nil {
		return fmt.Errorf("update sync status in %s: %w", d.table, err)
	}
	d.store.Notify(d.table)
	return nil
}

// GetRecord/ReplaceIDRecord/MergeFieldsRecord/MarkConflictedRecord below
// give this single-model-type DAO the same shape as
// idnegotiation.ModelStore, one model type at a time; ModelStoreRouter
// (router.go) fans a real idnegotiation.ModelStore out across every
// registered DAO by modelType.

func (d *DAO[T]) GetRecord(ctx context.Context, modelType, id string) (*idnegotiation.ModelRecord, error) {
	if modelType != d.modelType {
		return nil, fmt.Errorf("modeldao: GetRecord called for %s on %s's DAO", modelType, d.modelType)
	}
	item, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	payload, err := d.codec.ToJSON(item)
	if err != nil {
		return nil, fmt.Errorf("encode record for negotiation: %w", err)
	}
	fields, err := decodeFields(payload)
	if err != nil {
		return nil, err
	}
	var createdAt, updatedAt time.Time
	if t := item.GetCreatedAt(); t != nil {
		createdAt = *t
	}
	if t := item.GetUpdatedAt(); t != nil {
		updatedAt = *t
	}
	var tempID *string
	rows, err := d.store.Query(ctx, `SELECT temporary_client_id FROM sync_queue_items WHERE model_type = ? AND model_id = ? AND status != ? AND temporary_client_id IS NOT NULL LIMIT 1`, modelType, id, types.QueueStatusDead)
	if err == nil {
		defer func() { _ = rows.Close() }()
		if rows.Next() {
			var v string
			if scanErr := rows.Scan(&v); scanErr == nil {
				tempID = &v
			}
		}
	}
	return &idnegotiation.ModelRecord{ID: item.GetID(), TemporaryClientID: tempID, CreatedAt: createdAt, UpdatedAt: updatedAt, Fields: fields}, nil
}

// ReplaceIDRecord implements idnegotiation.ModelStore.ReplaceID.
func (d *DAO[T]) ReplaceIDRecord(ctx context.Context, tx *sql.Tx, modelType, oldID, newID string) error {
	if modelType != d.modelType {
		return nil
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET id = ? WHERE id = ?`, d.table), newID, oldID)
	if err != nil {
		return fmt.Errorf("replace id in %s: %w", d.table, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return types.ErrModelNoLongerExists
	}
	return nil
}

// MergeFieldsRecord implements idnegotiation.ModelStore.MergeFields.
func (d *DAO[T]) MergeFieldsRecord(ctx context.Context, tx *sql.Tx, modelType, id string, fields map[string]any) error {
	if modelType != d.modelType {
		return nil
	}
	payload, err := encodeFields(fields)
	if err != nil {
		return err
	}
	var err2 error
	if tx != nil {
		_, err2 = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET payload = ? WHERE id = ?`, d.table), payload, id)
	} else {
		_, err2 = d.store.Exec(ctx, fmt.Sprintf(`UPDATE %s SET payload = ? WHERE id = ?`, d.table), payload, id)
	}
	if err2 != nil {
		return fmt.Errorf("merge fields in %s: %w", d.table, err2)
	}
	return nil
}

// DeleteRecord implements the router-facing slice of
// idnegotiation.ModelStore.Delete for this DAO's own model type.
func (d *DAO[T]) DeleteRecord(ctx context.Context, modelType, id string) error {
	if modelType != d.modelType {
		return nil
	}
	return d.DeleteRow(ctx, id)
}

// MarkConflictedRecord implements idnegotiation.ModelStore.MarkConflicted.
func (d *DAO[T]) MarkConflictedRecord(ctx context.Context, modelType, id string) error {
	if modelType != d.modelType {
		return nil
	}
	_, err := d.store.Exec(ctx, fmt.Sprintf(`UPDATE %s SET sync_status = ? WHERE id = ?`, d.table), "conflict", id)
	if err != nil {
		return fmt.Errorf("mark conflicted in %s: %w", d.table, err)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

// decodeFields/encodeFields bridge a model's JSON payload to the plain
// map[string]any the id-conflict resolver's field-by-field timestamp
// merge (internal/idnegotiation) operates on.
func decodeFields(payload string) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return fields, nil
}

func encodeFields(fields map[string]any) (string, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(b), nil
}
