package syncqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/localfirst/syncengine/internal/idgen"
	"github.com/localfirst/syncengine/internal/types"
)

// Insert persists a brand-new queue row and recomputes the model's
// syncStatus projection.
func (q *SyncQueue) Insert(ctx context.Context, item *types.SyncQueueItem) (int64, error) {
	var id int64
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertItem(ctx, tx, item)
		return err
	})
	if err != nil {
		return 0, err
	}
	q.store.Notify("sync_queue_items")
	if err := q.refreshSyncStatus(ctx, item.ModelType, item.ModelID); err != nil {
		return id, err
	}
	return id, nil
}

// UpdateRetry persists the outcome of a failed attempt — next_retry_at,
// attempt_count, last_error — and resets status back to pending so the
// row is picked up again.
func (q *SyncQueue) UpdateRetry(ctx context.Context, id int64, nextRetryAt *time.Time, attemptCount int, lastError string) error {
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_queue_items
			SET next_retry_at = ?, attempt_count = ?, last_error = ?, status = ?
			WHERE id = ?
		`, nullableTime(nextRetryAt), attemptCount, lastError, types.QueueStatusPending, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("update retry for queue item %d: %w", id, err)
	}
	q.store.Notify("sync_queue_items")
	return nil
}

// MarkDead transitions a row to dead atomically with the last_error
// write. attempt_count is left unchanged, so a row dead-lettered for
// exceeding maxRetryAttempts keeps its last persisted count.
func (q *SyncQueue) MarkDead(ctx context.Context, id int64, lastError string) error {
	item, err := q.GetByID(ctx, id)
	if err != nil {
		return err
	}
	err = q.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_queue_items SET status = ?, last_error = ?, next_retry_at = NULL WHERE id = ?
		`, types.QueueStatusDead, lastError, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark queue item %d dead: %w", id, err)
	}
	q.store.Notify("sync_queue_items")
	return q.refreshSyncStatus(ctx, item.ModelType, item.ModelID)
}

// MarkProcessing transitions a row to processing.
func (q *SyncQueue) MarkProcessing(ctx context.Context, id int64) error {
	_, err := q.store.Exec(ctx, `UPDATE sync_queue_items SET status = ? WHERE id = ?`, types.QueueStatusProcessing, id)
	if err != nil {
		return fmt.Errorf("mark queue item %d processing: %w", id, err)
	}
	q.store.Notify("sync_queue_items")
	return nil
}

// MarkPending returns a row to pending without touching its retry
// bookkeeping, used when the retry executor could not get the task onto
// the background queue (capacity, duplicate key) and wants the next
// cycle to try again from scratch.
func (q *SyncQueue) MarkPending(ctx context.Context, id int64) error {
	_, err := q.store.Exec(ctx, `UPDATE sync_queue_items SET status = ? WHERE id = ?`, types.QueueStatusPending, id)
	if err != nil {
		return fmt.Errorf("mark queue item %d pending: %w", id, err)
	}
	q.store.Notify("sync_queue_items")
	return nil
}

// Delete removes a row entirely (success, or any smart-merge rule that
// absorbs it) and recomputes syncStatus.
func (q *SyncQueue) Delete(ctx context.Context, id int64) error {
	item, err := q.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	err = q.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM sync_queue_items WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete queue item %d: %w", id, err)
	}
	q.store.Notify("sync_queue_items")
	return q.refreshSyncStatus(ctx, item.ModelType, item.ModelID)
}

// UpdateOp rewrites an existing row's op in place, used by the retry
// executor's 404->create fallback and double-404 handling.
func (q *SyncQueue) UpdateOp(ctx context.Context, id int64, op types.Op, clearError bool, lastError string, nextRetryAt *time.Time) error {
	var lastErrArg any = lastError
	if clearError {
		lastErrArg = nil
	}
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_queue_items SET op = ?, last_error = ?, next_retry_at = ?, status = ? WHERE id = ?
		`, op, lastErrArg, nullableTime(nextRetryAt), types.QueueStatusPending, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("update op for queue item %d: %w", id, err)
	}
	q.store.Notify("sync_queue_items")
	return nil
}

// MarkNegotiationPending stamps a queue row with the temporary-client-id
// marker and idNegotiationStatus=pending. Called once, on the first
// localFirst save of a server-generated-id model.
func (q *SyncQueue) MarkNegotiationPending(ctx context.Context, id int64, temporaryClientID string) error {
	status := types.NegotiationPending
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_queue_items SET temporary_client_id = ?, id_negotiation_status = ? WHERE id = ?
		`, temporaryClientID, string(status), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark negotiation pending for queue item %d: %w", id, err)
	}
	q.store.Notify("sync_queue_items")
	return nil
}

// UpdateNegotiationStatus rewrites just the idNegotiationStatus column,
// used by the background negotiation sync routine's in_progress/failed/
// completed transitions.
func (q *SyncQueue) UpdateNegotiationStatus(ctx context.Context, id int64, status types.NegotiationStatus, lastError *string) error {
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_queue_items SET id_negotiation_status = ?, last_error = ? WHERE id = ?
		`, string(status), nullableStr(lastError), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("update negotiation status for queue item %d: %w", id, err)
	}
	q.store.Notify("sync_queue_items")
	return nil
}

// MarkNegotiationConflictForModel stamps every non-dead queue row for
// (modelType, modelId) with id_negotiation_status=conflict and a
// descriptive error, the conflict-abort terminal state of the ID
// conflict resolver's strategy chain.
func (q *SyncQueue) MarkNegotiationConflictForModel(ctx context.Context, modelType, modelID, lastError string) error {
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_queue_items SET id_negotiation_status = ?, last_error = ?
			WHERE model_type = ? AND model_id = ? AND status != ?
		`, string(types.NegotiationConflict), lastError, modelType, modelID, types.QueueStatusDead)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark negotiation conflict for %s/%s: %w", modelType, modelID, err)
	}
	q.store.Notify("sync_queue_items")
	return nil
}

// RewriteModelID updates every queue row for a model to a new id, used
// by atomic ID replacement.
func (q *SyncQueue) RewriteModelID(ctx context.Context, tx *sql.Tx, modelType, oldID, newID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sync_queue_items SET model_id = ? WHERE model_type = ? AND model_id = ?
	`, newID, modelType, oldID)
	if err != nil {
		return fmt.Errorf("rewrite queue model id %s->%s: %w", oldID, newID, err)
	}
	return nil
}

// refreshSyncStatus recomputes and write-throughs syncStatus for a
// model row: pending iff a non-dead row exists, dead iff only dead
// rows exist, else synced.
func (q *SyncQueue) refreshSyncStatus(ctx context.Context, modelType, modelID string) error {
	if q.status == nil {
		return nil
	}
	rows, err := q.store.Query(ctx, `
		SELECT status FROM sync_queue_items WHERE model_type = ? AND model_id = ?
	`, modelType, modelID)
	if err != nil {
		return fmt.Errorf("load statuses for sync-status refresh: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var any_, anyNonDead bool
	for rows.Next() {
		var status types.QueueStatus
		if err := rows.Scan(&status); err != nil {
			return fmt.Errorf("scan status row: %w", err)
		}
		any_ = true
		if status != types.QueueStatusDead {
			anyNonDead = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate status rows: %w", err)
	}

	status := types.SyncStatusSynced
	switch {
	case anyNonDead:
		status = types.SyncStatusPending
	case any_:
		status = types.SyncStatusDead
	}
	return q.status.UpdateSyncStatus(ctx, modelType, modelID, status)
}

// HandleModelDeletion is the smart-delete operation. It evaluates the
// current non-dead ops for (modelType, modelId) and
// returns which rule fired, having already applied it transactionally.
// With scheduleDelete=false, calling it twice with identical arguments
// is idempotent. With scheduleDelete=true it is idempotent except after
// removed_create: the second call then finds no rows and inserts a
// delete row (created_delete).
func (q *SyncQueue) HandleModelDeletion(ctx context.Context, modelType, modelID, payload string, scheduleDelete bool, headers, extra string) (DeletionAction, error) {
	items, err := q.GetByModel(ctx, modelType, modelID)
	if err != nil {
		return "", err
	}

	var createItem, updateItem, deleteItem *types.SyncQueueItem
	for _, it := range items {
		switch it.Op {
		case types.OpCreate:
			createItem = it
		case types.OpUpdate:
			updateItem = it
		case types.OpDelete:
			deleteItem = it
		}
	}

	var action DeletionAction
	err = q.store.WithTx(ctx, func(tx *sql.Tx) error {
		switch {
		case deleteItem != nil:
			action = ActionDeleteAlreadyExists
			return nil

		case createItem != nil:
			if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue_items WHERE id = ?`, createItem.ID); err != nil {
				return err
			}
			if updateItem != nil {
				if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue_items WHERE id = ?`, updateItem.ID); err != nil {
					return err
				}
			}
			action = ActionRemovedCreate
			return nil

		case updateItem != nil:
			if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue_items WHERE id = ?`, updateItem.ID); err != nil {
				return err
			}
			if scheduleDelete {
				if _, err := insertItem(ctx, tx, newDeleteItem(modelType, modelID, payload, headers, extra)); err != nil {
					return err
				}
				action = ActionReplacedUpdateWithDelete
			} else {
				action = ActionClearedUpdate
			}
			return nil

		case scheduleDelete:
			if _, err := insertItem(ctx, tx, newDeleteItem(modelType, modelID, payload, headers, extra)); err != nil {
				return err
			}
			action = ActionCreatedDelete
			return nil

		default:
			action = ActionClearedNoOperations
			return nil
		}
	})
	if err != nil {
		return "", fmt.Errorf("handle model deletion for %s/%s: %w", modelType, modelID, err)
	}
	q.store.Notify("sync_queue_items")
	if err := q.refreshSyncStatus(ctx, modelType, modelID); err != nil {
		return action, err
	}
	return action, nil
}

func newDeleteItem(modelType, modelID, payload, headers, extra string) *types.SyncQueueItem {
	return &types.SyncQueueItem{
		ModelType:      modelType,
		ModelID:        modelID,
		Op:             types.OpDelete,
		Payload:        payload,
		IdempotencyKey: idgen.NewIdempotencyKey(),
		Status:         types.QueueStatusPending,
		CreatedAt:      time.Now().UTC(),
		Headers:        headers,
		Extra:          extra,
	}
}

// HandleModelSave is the smart-save operation. A pending create always
// absorbs a subsequent save (the row never existed
// remotely, so collapsing to a single create with the latest payload is
// correct); a pending update absorbs a subsequent update the same way.
// Either absorption resets attemptCount/nextRetryAt/lastError.
func (q *SyncQueue) HandleModelSave(ctx context.Context, modelType, modelID, payload string, op types.Op, idempotencyKey, headers, extra string) (int64, error) {
	items, err := q.GetByModel(ctx, modelType, modelID)
	if err != nil {
		return 0, err
	}

	var createItem, updateItem *types.SyncQueueItem
	for _, it := range items {
		switch it.Op {
		case types.OpCreate:
			createItem = it
		case types.OpUpdate:
			updateItem = it
		}
	}

	var resultID int64
	err = q.store.WithTx(ctx, func(tx *sql.Tx) error {
		switch {
		case createItem != nil:
			resultID = createItem.ID
			_, err := tx.ExecContext(ctx, `
				UPDATE sync_queue_items
				SET payload = ?, attempt_count = 0, next_retry_at = NULL, last_error = NULL, headers = ?, extra = ?
				WHERE id = ?
			`, payload, headers, extra, createItem.ID)
			return err

		case op == types.OpUpdate && updateItem != nil:
			resultID = updateItem.ID
			_, err := tx.ExecContext(ctx, `
				UPDATE sync_queue_items
				SET payload = ?, attempt_count = 0, next_retry_at = NULL, last_error = NULL, headers = ?, extra = ?
				WHERE id = ?
			`, payload, headers, extra, updateItem.ID)
			return err

		default:
			item := &types.SyncQueueItem{
				ModelType:      modelType,
				ModelID:        modelID,
				Op:             op,
				Payload:        payload,
				IdempotencyKey: idempotencyKey,
				Status:         types.QueueStatusPending,
				CreatedAt:      time.Now().UTC(),
				Headers:        headers,
				Extra:          extra,
			}
			id, err := insertItem(ctx, tx, item)
			resultID = id
			return err
		}
	})
	if err != nil {
		return 0, fmt.Errorf("handle model save for %s/%s: %w", modelType, modelID, err)
	}
	q.store.Notify("sync_queue_items")
	if err := q.refreshSyncStatus(ctx, modelType, modelID); err != nil {
		return resultID, err
	}
	return resultID, nil
}
