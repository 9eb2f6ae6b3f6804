// Package syncqueue implements the durable sync queue DAO and its
// smart-merge primitives: the table of pending mutations plus the
// invariant-preserving collapse rules for concurrent local
// edits. All multi-step mutations run inside a store transaction so a
// mid-merge failure never leaves the queue half-collapsed.
package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/localfirst/syncengine/internal/localstore"
	"github.com/localfirst/syncengine/internal/types"
)

// StatusWriter is implemented by the repository layer to write through
// syncStatus changes into the model's own table and notify reactive
// subscribers. Kept as an interface
// here, rather than importing the repository package, to avoid a cycle:
// the engine wires the concrete implementation in at construction time.
type StatusWriter interface {
	UpdateSyncStatus(ctx context.Context, modelType, modelID string, status types.SyncStatus) error
}

// SyncQueue is the durable table of pending mutations.
type SyncQueue struct {
	store  localstore.Store
	status StatusWriter
}

// New constructs a SyncQueue over store, writing sync-status projections
// through statusWriter.
func New(store localstore.Store, statusWriter StatusWriter) *SyncQueue {
	return &SyncQueue{store: store, status: statusWriter}
}

// DeletionAction labels which smart-delete rule fired.
type DeletionAction string

const (
	ActionDeleteAlreadyExists     DeletionAction = "delete_already_exists"
	ActionRemovedCreate           DeletionAction = "removed_create"
	ActionReplacedUpdateWithDelete DeletionAction = "replaced_update_with_delete"
	ActionClearedUpdate           DeletionAction = "cleared_update"
	ActionCreatedDelete           DeletionAction = "created_delete"
	ActionClearedNoOperations     DeletionAction = "cleared_no_operations"
)

func scanItem(row interface {
	Scan(dest ...any) error
}) (*types.SyncQueueItem, error) {
	var (
		item                types.SyncQueueItem
		lastError           sql.NullString
		nextRetryAt         sql.NullString
		temporaryClientID   sql.NullString
		idNegotiationStatus sql.NullString
		createdAt           string
	)
	err := row.Scan(
		&item.ID, &item.ModelType, &item.ModelID, &item.Op, &item.Payload,
		&item.AttemptCount, &lastError, &nextRetryAt, &item.IdempotencyKey,
		&item.Status, &createdAt, &item.Headers, &item.Extra,
		&temporaryClientID, &idNegotiationStatus,
	)
	if err != nil {
		return nil, err
	}
	item.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if lastError.Valid {
		v := lastError.String
		item.LastError = &v
	}
	if nextRetryAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, nextRetryAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse next_retry_at: %w", err)
		}
		item.NextRetryAt = &t
	}
	if temporaryClientID.Valid {
		v := temporaryClientID.String
		item.TemporaryClientID = &v
	}
	if idNegotiationStatus.Valid {
		v := types.NegotiationStatus(idNegotiationStatus.String)
		item.IDNegotiationStatus = &v
	}
	return &item, nil
}

const selectColumns = `
	id, model_type, model_id, op, payload, attempt_count, last_error,
	next_retry_at, idempotency_key, status, created_at, headers, extra,
	temporary_client_id, id_negotiation_status
`

// GetByID fetches a single queue row by its autoincrement id.
func (q *SyncQueue) GetByID(ctx context.Context, id int64) (*types.SyncQueueItem, error) {
	row := q.store.QueryRow(ctx, `SELECT `+selectColumns+` FROM sync_queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err != nil {
		return nil, localstoreWrap("get queue item by id", err)
	}
	return item, nil
}

// GetByModel returns all non-dead rows for (modelType, modelId).
func (q *SyncQueue) GetByModel(ctx context.Context, modelType, modelID string) ([]*types.SyncQueueItem, error) {
	rows, err := q.store.Query(ctx, `SELECT `+selectColumns+` FROM sync_queue_items
		WHERE model_type = ? AND model_id = ? AND status != ? ORDER BY id ASC`,
		modelType, modelID, types.QueueStatusDead)
	if err != nil {
		return nil, fmt.Errorf("get queue items by model: %w", err)
	}
	return scanAll(rows)
}

// GetByType returns all non-dead rows for modelType.
func (q *SyncQueue) GetByType(ctx context.Context, modelType string) ([]*types.SyncQueueItem, error) {
	rows, err := q.store.Query(ctx, `SELECT `+selectColumns+` FROM sync_queue_items
		WHERE model_type = ? AND status != ? ORDER BY id ASC`, modelType, types.QueueStatusDead)
	if err != nil {
		return nil, fmt.Errorf("get queue items by type: %w", err)
	}
	return scanAll(rows)
}

// GetAllItems returns every row regardless of status.
func (q *SyncQueue) GetAllItems(ctx context.Context) ([]*types.SyncQueueItem, error) {
	rows, err := q.store.Query(ctx, `SELECT `+selectColumns+` FROM sync_queue_items ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("get all queue items: %w", err)
	}
	return scanAll(rows)
}

// GetDueTasks returns pending (non-dead) rows whose next_retry_at is
// unset or in the past. If forceAll is true, every non-dead row is
// returned regardless of next_retry_at.
func (q *SyncQueue) GetDueTasks(ctx context.Context, forceAll bool, now time.Time) ([]*types.SyncQueueItem, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if forceAll {
		rows, err = q.store.Query(ctx, `SELECT `+selectColumns+` FROM sync_queue_items
			WHERE status != ? ORDER BY id ASC`, types.QueueStatusDead)
	} else {
		rows, err = q.store.Query(ctx, `SELECT `+selectColumns+` FROM sync_queue_items
			WHERE status != ? AND (next_retry_at IS NULL OR next_retry_at <= ?) ORDER BY id ASC`,
			types.QueueStatusDead, now.Format(time.RFC3339Nano))
	}
	if err != nil {
		return nil, fmt.Errorf("get due tasks: %w", err)
	}
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([]*types.SyncQueueItem, error) {
	defer func() { _ = rows.Close() }()
	var items []*types.SyncQueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue items: %w", err)
	}
	return items, nil
}

// FindPendingSyncTask returns the id of a non-dead row for
// (modelType, modelId, op), or 0 with ok=false if none exists.
func (q *SyncQueue) FindPendingSyncTask(ctx context.Context, modelType, modelID string, op types.Op) (id int64, ok bool, err error) {
	row := q.store.QueryRow(ctx, `SELECT id FROM sync_queue_items
		WHERE model_type = ? AND model_id = ? AND op = ? AND status != ? LIMIT 1`,
		modelType, modelID, op, types.QueueStatusDead)
	err = row.Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find pending sync task: %w", err)
	}
	return id, true, nil
}

func insertItem(ctx context.Context, exec execer, item *types.SyncQueueItem) (int64, error) {
	res, err := exec.ExecContext(ctx, `
		INSERT INTO sync_queue_items (
			model_type, model_id, op, payload, attempt_count, last_error,
			next_retry_at, idempotency_key, status, created_at, headers, extra,
			temporary_client_id, id_negotiation_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ModelType, item.ModelID, item.Op, item.Payload, item.AttemptCount,
		nullableStr(item.LastError), nullableTime(item.NextRetryAt), item.IdempotencyKey,
		item.Status, item.CreatedAt.Format(time.RFC3339Nano), item.Headers, item.Extra,
		nullableStr(item.TemporaryClientID), nullableNegotiationStatus(item.IDNegotiationStatus),
	)
	if err != nil {
		return 0, fmt.Errorf("insert queue item: %w", err)
	}
	return res.LastInsertId()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullableNegotiationStatus(s *types.NegotiationStatus) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func encodeJSONMap(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, _ := json.Marshal(m)
	return string(b)
}

// localstoreWrap adapts localstore's wrapping (ErrNotFound translation
// already applied by the Store) without re-wrapping sentinel errors.
func localstoreWrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if localstore.IsNotFound(err) {
		return fmt.Errorf("%s: %w", op, types.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
