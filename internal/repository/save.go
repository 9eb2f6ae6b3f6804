package repository

import (
	"context"
	"errors"

	"github.com/localfirst/syncengine/internal/idgen"
	"github.com/localfirst/syncengine/internal/requestqueue"
	"github.com/localfirst/syncengine/internal/types"
)

// Save implements the public save operation. With updateTimestamps
// true, createdAt (for a new row without one) and updatedAt are stamped
// with the current time; false writes the item's timestamps unchanged.
func (r *Repository[T]) Save(ctx context.Context, item T, savePolicy *types.SavePolicy, updateTimestamps bool) (T, error) {
	policy := r.resolveSavePolicy(savePolicy)
	switch policy {
	case types.SaveRemoteFirst:
		return r.saveRemoteFirst(ctx, item, updateTimestamps)
	default:
		return r.saveLocalFirst(ctx, item, updateTimestamps)
	}
}

func (r *Repository[T]) saveLocalFirst(ctx context.Context, item T, updateTimestamps bool) (T, error) {
	var zero T
	isExisting, err := r.local.Exists(ctx, item.GetID())
	if err != nil {
		return zero, wrapErr("check existence for save", err)
	}

	if updateTimestamps {
		t := now()
		if !isExisting && item.GetCreatedAt() == nil {
			item.SetCreatedAt(&t)
		}
		item.SetUpdatedAt(&t)
	}

	if err := r.local.Upsert(ctx, item); err != nil {
		return zero, wrapErr("write local on save", err)
	}
	kind := types.ChangeUpdated
	if !isExisting {
		kind = types.ChangeCreated
	}
	r.emit(types.Change{Kind: kind, ID: item.GetID()})

	if r.isLocalOnly() {
		return item, nil
	}

	op := types.OpUpdate
	if !isExisting {
		op = types.OpCreate
	}
	payload, err := r.remote.ToJSON(item)
	if err != nil {
		return zero, wrapErr("serialize payload for smart save", err)
	}

	queueID, err := r.queue.HandleModelSave(ctx, r.modelType, item.GetID(), payload, op, idgen.NewIdempotencyKey(), "", "")
	if err != nil {
		return zero, wrapErr("smart save", err)
	}

	if op == types.OpCreate && item.ServerGeneratedID() {
		if merr := r.queue.MarkNegotiationPending(ctx, queueID, item.GetID()); merr != nil {
			r.logger.Warnf("mark negotiation pending for %s/%s failed: %v", r.modelType, item.GetID(), merr)
		}
	}

	r.scheduleImmediateSync(item.GetID(), queueID)
	return item, nil
}

// scheduleImmediateSync fires a background-queue attempt to sync the
// just-created/updated queue row right away, without blocking the
// caller's save. On success the row is deleted here; on
// failure it is left in place for the retry executor to pick up on its
// next poll. The caller's save completes after local write + queue-row
// creation only, never after this attempt.
func (r *Repository[T]) scheduleImmediateSync(modelID string, queueID int64) {
	if r.isLocalOnly() {
		return
	}
	go func() {
		ctx := detachedContext(context.Background())
		err := r.submit(ctx, requestqueue.Background, func(ctx context.Context) error {
			row, err := r.queue.GetByID(ctx, queueID)
			if err != nil {
				return err // already merged away or synced by a concurrent path
			}
			return r.attemptOneSync(ctx, row)
		})
		if err != nil {
			r.logger.Debugf("immediate sync for %s/%s deferred to retry executor: %v", r.modelType, modelID, err)
		}
	}()
}

// attemptOneSync executes a single queue row's operation against the
// remote adapter, the same operation set the retry executor later
// drives for anything this attempt doesn't finish. Success deletes the
// row (and triggers ID negotiation for a server-generated-id create);
// failure is simply returned, leaving the row untouched for the retry
// executor's own backoff/dead-letter handling.
func (r *Repository[T]) attemptOneSync(ctx context.Context, row *types.SyncQueueItem) error {
	item, err := r.remote.FromJSON(row.Payload)
	if err != nil {
		return wrapErr("decode queue payload for immediate sync", err)
	}

	switch row.Op {
	case types.OpCreate:
		created, err := r.remote.CreateOne(ctx, item, nil, nil)
		if err != nil {
			return err
		}
		if err := r.local.Upsert(ctx, created); err != nil {
			return wrapErr("cache created item", err)
		}
		if created.ServerGeneratedID() && created.GetID() != row.ModelID && r.negotiate != nil {
			if _, nerr := r.negotiate.ReplaceID(ctx, r.modelType, row.ModelID, created.GetID()); nerr != nil {
				return wrapErr("id negotiation after immediate create", nerr)
			}
			r.emit(types.Change{Kind: types.ChangeIDChanged, ID: created.GetID(), OldID: row.ModelID})
		}
	case types.OpUpdate:
		if _, err := r.remote.UpdateOne(ctx, item, nil, nil); err != nil {
			return err
		}
	case types.OpDelete:
		if err := r.remote.DeleteOne(ctx, row.ModelID, nil, nil); err != nil && !types.IsNotFound(err) {
			return err
		}
	}

	return r.queue.Delete(ctx, row.ID)
}

func (r *Repository[T]) saveRemoteFirst(ctx context.Context, item T, updateTimestamps bool) (T, error) {
	var zero T
	if r.isLocalOnly() {
		return r.saveLocalFirst(ctx, item, updateTimestamps)
	}

	isExisting, err := r.local.Exists(ctx, item.GetID())
	if err != nil {
		return zero, wrapErr("check existence for remoteFirst save", err)
	}
	if updateTimestamps {
		t := now()
		if !isExisting && item.GetCreatedAt() == nil {
			item.SetCreatedAt(&t)
		}
		item.SetUpdatedAt(&t)
	}

	var saved T
	err = r.submit(ctx, requestqueue.Foreground, func(ctx context.Context) error {
		var serr error
		if isExisting {
			saved, serr = r.remote.UpdateOne(ctx, item, nil, nil)
		} else {
			saved, serr = r.remote.CreateOne(ctx, item, nil, nil)
		}
		return serr
	})
	if err != nil {
		if !isExisting && item.ServerGeneratedID() {
			// A server-generated-id create falls back to the localFirst
			// path so the id negotiation replays in the background once
			// the remote is reachable again.
			r.logger.Debugf("remoteFirst create of %s/%s failed, falling back to localFirst: %v", r.modelType, item.GetID(), err)
			return r.saveLocalFirst(ctx, item, updateTimestamps)
		}
		r.emit(types.Change{Kind: types.ChangeError, ID: item.GetID(), Err: err})
		if errors.Is(err, types.ErrOffline) {
			return zero, err
		}
		return zero, wrapErr("remoteFirst save", err)
	}

	if !isExisting && saved.ServerGeneratedID() && saved.GetID() != item.GetID() {
		// Anything already persisted under the temporary id (an earlier
		// partial save, children pointing at it) moves atomically to the
		// server id before the authoritative row lands.
		if r.negotiate != nil {
			if oldExists, eerr := r.local.Exists(ctx, item.GetID()); eerr == nil && oldExists {
				if _, nerr := r.negotiate.ReplaceID(ctx, r.modelType, item.GetID(), saved.GetID()); nerr != nil {
					return zero, wrapErr("id replacement after remoteFirst create", nerr)
				}
			}
		}
		if werr := r.local.Upsert(ctx, saved); werr != nil {
			return zero, wrapErr("write remote representation locally", werr)
		}
		r.emit(types.Change{Kind: types.ChangeIDChanged, ID: saved.GetID(), OldID: item.GetID()})
		return saved, nil
	}

	if werr := r.local.Upsert(ctx, saved); werr != nil {
		return zero, wrapErr("write remote representation locally", werr)
	}
	kind := types.ChangeUpdated
	if !isExisting {
		kind = types.ChangeCreated
	}
	r.emit(types.Change{Kind: kind, ID: saved.GetID()})
	return saved, nil
}
