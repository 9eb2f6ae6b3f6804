package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/localfirst/syncengine/internal/requestqueue"
	"github.com/localfirst/syncengine/internal/types"
)

// Delete implements the public delete operation, starting a
// fresh cascade-delete context unless the caller is itself a cascade
// recursion (see DeleteWithContext, used by sibling repositories).
func (r *Repository[T]) Delete(ctx context.Context, id string, savePolicy *types.SavePolicy) error {
	return r.delete(ctx, id, r.resolveSavePolicy(savePolicy), NewDeletionContext())
}

// TruncateLocal implements truncateLocal: clears every row
// in the model's local table without touching the sync queue, emitting
// a single deleted('*') event.
func (r *Repository[T]) TruncateLocal(ctx context.Context) error {
	if err := r.local.Truncate(ctx); err != nil {
		return wrapErr("truncate local", err)
	}
	r.emit(types.Change{Kind: types.ChangeDeleted, ID: "*"})
	return nil
}

func (r *Repository[T]) delete(ctx context.Context, id string, policy types.SavePolicy, dctx *DeletionContext) error {
	if dctx.Contains(r.modelType, id) {
		r.logger.Warnf("delete: %s/%s already in the current cascade, skipping (cycle)", r.modelType, id)
		return nil
	}
	childCtx := dctx.withChild(r.modelType, id)

	switch policy {
	case types.SaveRemoteFirst:
		return r.deleteRemoteFirst(ctx, id, childCtx)
	default:
		return r.deleteLocalFirst(ctx, id, childCtx)
	}
}

func (r *Repository[T]) deleteLocalFirst(ctx context.Context, id string, dctx *DeletionContext) error {
	r.cascadeDeleteChildren(ctx, id, types.SaveLocalFirst, dctx)

	payload, headers, extra := r.payloadForDelete(ctx, id)

	if !r.isLocalOnly() {
		if _, err := r.queue.HandleModelDeletion(ctx, r.modelType, id, payload, true, headers, extra); err != nil {
			return wrapErr("smart delete (localFirst)", err)
		}
	}

	if err := r.local.DeleteRow(ctx, id); err != nil && !errors.Is(err, types.ErrNotFound) {
		return wrapErr("remove local row on delete", err)
	}
	r.emit(types.Change{Kind: types.ChangeDeleted, ID: id})
	return nil
}

func (r *Repository[T]) deleteRemoteFirst(ctx context.Context, id string, dctx *DeletionContext) error {
	r.cascadeDeleteChildren(ctx, id, types.SaveRemoteFirst, dctx)

	if r.isLocalOnly() {
		return r.deleteLocalFirst(ctx, id, dctx)
	}

	err := r.submit(ctx, requestqueue.Foreground, func(ctx context.Context) error {
		return r.remote.DeleteOne(ctx, id, nil, nil)
	})

	switch {
	case err == nil, types.IsGone(err):
		if _, serr := r.queue.HandleModelDeletion(ctx, r.modelType, id, `{"id":"`+id+`"}`, false, "", ""); serr != nil {
			return wrapErr("smart delete cleanup (remoteFirst)", serr)
		}
		if derr := r.local.DeleteRow(ctx, id); derr != nil && !errors.Is(derr, types.ErrNotFound) {
			return wrapErr("remove local row on remote delete", derr)
		}
		r.emit(types.Change{Kind: types.ChangeDeleted, ID: id})
		return nil
	default:
		r.emit(types.Change{Kind: types.ChangeError, ID: id, Err: err})
		return wrapErr("remote delete", err)
	}
}

// payloadForDelete builds the JSON snapshot recorded on the delete
// queue row: the current local representation if one exists, or a
// minimal {"id":...} payload for a local-only repository or a row that
// vanished locally before the delete reached the queue.
func (r *Repository[T]) payloadForDelete(ctx context.Context, id string) (payload, headers, extra string) {
	item, err := r.local.Get(ctx, id)
	if err != nil || r.isLocalOnly() {
		b, _ := json.Marshal(map[string]string{"id": id})
		return string(b), "", ""
	}
	body, jerr := r.remote.ToJSON(item)
	if jerr != nil {
		b, _ := json.Marshal(map[string]string{"id": id})
		return string(b), "", ""
	}
	return body, "", ""
}

// handleCascadeDeleteAfterGone is the Gone-cleanup routine: when a
// remote 410 tells us a row is already gone, cascade
// the same way a remoteFirst delete would (children are assumed to
// 204/410 themselves) and reconcile local+queue state without ever
// issuing our own DELETE (the server already doesn't have it).
func (r *Repository[T]) handleCascadeDeleteAfterGone(ctx context.Context, id string) error {
	dctx := NewDeletionContext().withChild(r.modelType, id)
	r.cascadeDeleteChildren(ctx, id, types.SaveRemoteFirst, dctx)

	if _, err := r.queue.HandleModelDeletion(ctx, r.modelType, id, `{"id":"`+id+`"}`, false, "", ""); err != nil {
		return wrapErr("smart delete cleanup after Gone", err)
	}
	if err := r.local.DeleteRow(ctx, id); err != nil && !errors.Is(err, types.ErrNotFound) {
		return wrapErr("remove local row after Gone", err)
	}
	r.emit(types.Change{Kind: types.ChangeDeleted, ID: id})
	return nil
}
