package repository

import (
	"context"
	"errors"

	"github.com/localfirst/syncengine/internal/idgen"
	"github.com/localfirst/syncengine/internal/queryparams"
	"github.com/localfirst/syncengine/internal/requestqueue"
	"github.com/localfirst/syncengine/internal/types"
)

// submit runs fn on the named queue via the request-queue manager,
// capturing fn's result through the closure since requestqueue.Task only
// carries an error return.
func (r *Repository[T]) submit(ctx context.Context, name requestqueue.Name, fn func(ctx context.Context) error) error {
	return r.reqQueue.Submit(ctx, name, requestqueue.Task{
		IdempotencyKey: idgen.NewIdempotencyKey(),
		Run:            fn,
	})
}

// FindOne implements findOne.
func (r *Repository[T]) FindOne(ctx context.Context, id string, loadPolicy *types.LoadPolicy, qp *queryparams.QueryParams) (T, error) {
	var zero T
	policy := r.resolveLoadPolicy(loadPolicy)

	switch policy {
	case types.LoadLocalOnly:
		return r.local.Get(ctx, id)

	case types.LoadRemoteFirst:
		if r.isLocalOnly() {
			return r.local.Get(ctx, id)
		}
		var remoteItem T
		err := r.submit(ctx, requestqueue.Foreground, func(ctx context.Context) error {
			var fetchErr error
			remoteItem, fetchErr = r.remote.FetchOne(ctx, id, qp, nil, nil)
			return fetchErr
		})
		switch {
		case err == nil:
			if uerr := r.local.Upsert(ctx, remoteItem); uerr != nil {
				return zero, wrapErr("cache remote fetch", uerr)
			}
			r.emit(types.Change{Kind: types.ChangeUpdated, ID: id})
			return remoteItem, nil
		case types.IsGone(err):
			if cerr := r.handleCascadeDeleteAfterGone(ctx, id); cerr != nil {
				r.logger.Warnf("cascade cleanup after Gone for %s/%s failed: %v", r.modelType, id, cerr)
			}
			return zero, nil
		default:
			// Any other remote error: fall back to local.
			return r.local.Get(ctx, id)
		}

	case types.LoadLocalThenRemote:
		local, localErr := r.local.Get(ctx, id)
		if localErr != nil && !errors.Is(localErr, types.ErrNotFound) {
			// The local read itself threw: fall back to remote synchronously.
			if r.isLocalOnly() {
				return zero, localErr
			}
			remoteItem, err := r.remote.FetchOne(ctx, id, qp, nil, nil)
			if err != nil {
				return zero, wrapErr("remote fallback after local read error", err)
			}
			return remoteItem, nil
		}
		if !r.isLocalOnly() {
			r.scheduleLoadRefreshOne(ctx, id, qp)
		}
		return local, localErr

	default:
		return zero, errWithOp("findOne: unknown load policy", types.ErrUnimplemented)
	}
}

// FindOneOrFail implements findOneOrFail: NotFound is
// surfaced to the caller rather than returning a zero value silently.
func (r *Repository[T]) FindOneOrFail(ctx context.Context, id string, loadPolicy *types.LoadPolicy, qp *queryparams.QueryParams) (T, error) {
	item, err := r.FindOne(ctx, id, loadPolicy, qp)
	if err != nil {
		return item, err
	}
	var zero T
	if any(item) == any(zero) || item.GetID() == "" {
		return zero, notFoundErr(r.modelType, id)
	}
	return item, nil
}

// FindAll implements findAll.
func (r *Repository[T]) FindAll(ctx context.Context, loadPolicy *types.LoadPolicy, qp *queryparams.QueryParams) ([]T, error) {
	policy := r.resolveLoadPolicy(loadPolicy)

	switch policy {
	case types.LoadLocalOnly:
		return r.local.List(ctx, qp)

	case types.LoadRemoteFirst:
		if r.isLocalOnly() {
			return r.local.List(ctx, qp)
		}
		var remoteItems []T
		err := r.submit(ctx, requestqueue.Foreground, func(ctx context.Context) error {
			var fetchErr error
			remoteItems, fetchErr = r.remote.FetchAll(ctx, qp, nil, nil)
			return fetchErr
		})
		switch {
		case err == nil:
			if uerr := r.updateLocalCache(ctx, remoteItems); uerr != nil {
				return nil, wrapErr("cache remote fetchAll", uerr)
			}
			return remoteItems, nil
		case types.IsNotFound(err) || types.IsGone(err):
			if terr := r.local.Truncate(ctx); terr != nil {
				return nil, wrapErr("clear cache after NotFound/Gone", terr)
			}
			return nil, nil
		default:
			return r.local.List(ctx, qp)
		}

	case types.LoadLocalThenRemote:
		local, localErr := r.local.List(ctx, qp)
		if localErr != nil {
			if r.isLocalOnly() {
				return nil, localErr
			}
			remoteItems, err := r.remote.FetchAll(ctx, qp, nil, nil)
			if err != nil {
				return nil, wrapErr("remote fallback after local list error", err)
			}
			return remoteItems, nil
		}
		if !r.isLocalOnly() {
			r.scheduleLoadRefreshAll(ctx, qp)
		}
		return local, nil

	default:
		return nil, errWithOp("findAll: unknown load policy", types.ErrUnimplemented)
	}
}

// scheduleLoadRefreshOne fires a one-shot background refresh via the
// load queue for localThenRemote findOne. Fire-and-forget:
// the caller already has its synchronous local answer.
func (r *Repository[T]) scheduleLoadRefreshOne(ctx context.Context, id string, qp *queryparams.QueryParams) {
	go func() {
		bg := detachedContext(ctx)
		err := r.submit(bg, requestqueue.Load, func(ctx context.Context) error {
			remoteItem, fetchErr := r.remote.FetchOne(ctx, id, qp, nil, nil)
			if fetchErr != nil {
				return fetchErr
			}
			return r.local.Upsert(ctx, remoteItem)
		})
		switch {
		case err == nil:
			r.emit(types.Change{Kind: types.ChangeUpdated, ID: id})
		case types.IsNotFound(err) || types.IsGone(err):
			if cerr := r.handleCascadeDeleteAfterGone(bg, id); cerr != nil {
				r.logger.Warnf("load-refresh cascade cleanup for %s/%s failed: %v", r.modelType, id, cerr)
			}
		default:
			r.logger.Debugf("load-refresh for %s/%s failed, keeping local: %v", r.modelType, id, err)
		}
	}()
}

// scheduleLoadRefreshAll is scheduleLoadRefreshOne's findAll counterpart.
func (r *Repository[T]) scheduleLoadRefreshAll(ctx context.Context, qp *queryparams.QueryParams) {
	go func() {
		bg := detachedContext(ctx)
		var remoteItems []T
		err := r.submit(bg, requestqueue.Load, func(ctx context.Context) error {
			var fetchErr error
			remoteItems, fetchErr = r.remote.FetchAll(ctx, qp, nil, nil)
			return fetchErr
		})
		switch {
		case err == nil:
			if uerr := r.updateLocalCache(bg, remoteItems); uerr != nil {
				r.logger.Warnf("load-refresh cache update for %s failed: %v", r.modelType, uerr)
			}
		case types.IsNotFound(err) || types.IsGone(err):
			if terr := r.local.Truncate(bg); terr != nil {
				r.logger.Warnf("load-refresh clear-cache for %s failed: %v", r.modelType, terr)
			}
		default:
			r.logger.Debugf("load-refresh all for %s failed, keeping local: %v", r.modelType, err)
		}
	}()
}

// updateLocalCache reconciles a batch of remotely-fetched items with
// local state: any item with a pending local mutation is
// skipped (the local edit wins over a stale remote read), and any
// create/update queue row whose model row has vanished locally (e.g.
// after truncateLocal) has its model reconstructed from the queue's own
// payload snapshot.
func (r *Repository[T]) updateLocalCache(ctx context.Context, items []T) error {
	for _, item := range items {
		id := item.GetID()
		pending, err := r.queue.GetByModel(ctx, r.modelType, id)
		if err != nil {
			return wrapErr("check pending mutations during cache update", err)
		}
		if hasNonDead(pending) {
			continue // local pending mutation wins
		}
		if err := r.local.Upsert(ctx, item); err != nil {
			return wrapErr("upsert during cache update", err)
		}
	}

	rows, err := r.queue.GetByType(ctx, r.modelType)
	if err != nil {
		return wrapErr("list pending mutations for refresh-after-truncate", err)
	}
	for _, row := range rows {
		if row.Op != types.OpCreate && row.Op != types.OpUpdate {
			continue
		}
		exists, err := r.local.Exists(ctx, row.ModelID)
		if err != nil {
			return wrapErr("check model existence for refresh-after-truncate", err)
		}
		if exists {
			continue
		}
		reconstructed, err := r.remoteCodecOrLocal().FromJSON(row.Payload)
		if err != nil {
			r.logger.Warnf("refresh-after-truncate: could not reconstruct %s/%s from queue payload: %v", r.modelType, row.ModelID, err)
			continue
		}
		if err := r.local.Upsert(ctx, reconstructed); err != nil {
			return wrapErr("upsert reconstructed model during refresh-after-truncate", err)
		}
	}
	return nil
}

// remoteCodecOrLocal returns the adapter used for JSON (de)serialization.
// A local-only repository never reaches this path since it has no sync
// queue rows with create/update payloads pointing at a remote shape;
// there is no nil check, so on such a repository it returns nil.
func (r *Repository[T]) remoteCodecOrLocal() RemoteAdapter[T] {
	return r.remote
}

func hasNonDead(items []*types.SyncQueueItem) bool {
	for _, it := range items {
		if it.NonDead() {
			return true
		}
	}
	return false
}

// WatchOne subscribes to the local store's reactive stream and
// re-queries on every signal. remoteFirst has no meaningful watch
// semantics and is rejected; localThenRemote kicks off one load-queue
// refresh.
func (r *Repository[T]) WatchOne(ctx context.Context, id string, loadPolicy *types.LoadPolicy, qp *queryparams.QueryParams) (<-chan T, func(), error) {
	policy := r.resolveLoadPolicy(loadPolicy)
	if policy == types.LoadRemoteFirst {
		return nil, nil, errWithOp("watchOne: remoteFirst is unsupported", types.ErrUnimplemented)
	}
	if policy == types.LoadLocalThenRemote && !r.isLocalOnly() {
		r.scheduleLoadRefreshOne(ctx, id, qp)
	}

	sub, cancel := r.local.Watch()
	out := make(chan T, 1)

	emitOnce := func() {
		item, err := r.local.Get(ctx, id)
		if err != nil {
			return
		}
		select {
		case out <- item:
		default:
		}
	}
	emitOnce()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub:
				if !ok {
					return
				}
				emitOnce()
			}
		}
	}()

	return out, cancel, nil
}

// WatchAll implements watchAll.
func (r *Repository[T]) WatchAll(ctx context.Context, qp *queryparams.QueryParams) (<-chan []T, func(), error) {
	if !r.isLocalOnly() {
		r.scheduleLoadRefreshAll(ctx, qp)
	}

	sub, cancel := r.local.Watch()
	out := make(chan []T, 1)

	emitOnce := func() {
		items, err := r.local.List(ctx, qp)
		if err != nil {
			return
		}
		select {
		case out <- items:
		default:
		}
	}
	emitOnce()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub:
				if !ok {
					return
				}
				emitOnce()
			}
		}
	}()

	return out, cancel, nil
}
