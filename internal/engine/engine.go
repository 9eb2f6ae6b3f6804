// Package engine wires the whole sync engine together: process
// lifecycle, connectivity subscription, and ownership of every other
// component's lifetime. There is no package-level instance accessor —
// the caller (main/cmd/syncctl or an application's own init path)
// constructs one explicit *Engine value and threads it through;
// NewRepository's type parameter still lets each model's repository
// share the one Engine's collaborators.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/localfirst/syncengine/internal/background"
	"github.com/localfirst/syncengine/internal/config"
	"github.com/localfirst/syncengine/internal/depresolver"
	"github.com/localfirst/syncengine/internal/idnegotiation"
	"github.com/localfirst/syncengine/internal/localstore"
	"github.com/localfirst/syncengine/internal/modeldao"
	"github.com/localfirst/syncengine/internal/modelinfo"
	"github.com/localfirst/syncengine/internal/repository"
	"github.com/localfirst/syncengine/internal/requestqueue"
	"github.com/localfirst/syncengine/internal/retry"
	"github.com/localfirst/syncengine/internal/syncqueue"
	"github.com/localfirst/syncengine/internal/telemetry"
)

// Engine owns every shared collaborator a Repository[T] needs: the
// store, the sync queue, the request queues, the dependency resolver,
// the retry executor, and the id-negotiation services.
type Engine struct {
	cfg    config.EngineConfig
	store  localstore.Store
	logger telemetry.Logger

	Queue      *syncqueue.SyncQueue
	ReqQueue   *requestqueue.Manager
	Resolver   *depresolver.Resolver
	Dispatcher *retry.Dispatcher
	Executor   *retry.Executor

	ModelStores  *modeldao.ModelStoreRouter
	StatusWriter *modeldao.StatusRouter
	FKService    *idnegotiation.ForeignKeyUpdateService
	Conflicts    *idnegotiation.IdConflictResolver
	Negotiation  *idnegotiation.Service

	ModelInfo *modelinfo.Registry
	Repos     *repository.Registry

	Background   *background.Poller
	Connectivity *ConnectivityMonitor
}

// Init wires every collaborator from cfg over an already-open store,
// starts the retry executor's background poll loop in foreground mode,
// and subscribes the background sync manager to connectivity changes.
// Per-model repositories are added afterward with NewRepository.
func Init(ctx context.Context, cfg config.EngineConfig, store localstore.Store, logger telemetry.Logger) *Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	e := &Engine{
		cfg:          cfg,
		store:        store,
		logger:       logger,
		StatusWriter: modeldao.NewStatusRouter(),
		ModelStores:  modeldao.NewModelStoreRouter(),
		ModelInfo:    modelinfo.New(),
		Repos:        repository.NewRegistry(),
		Connectivity: NewConnectivityMonitor(true),
	}

	e.Queue = syncqueue.New(store, e.StatusWriter)
	e.ReqQueue = requestqueue.New(cfg.Queues)
	e.Resolver = depresolver.New()
	e.Dispatcher = retry.NewDispatcher()

	e.FKService = idnegotiation.NewForeignKeyUpdateService(store, e.ModelInfo.AllForeignKeys())
	e.Conflicts = idnegotiation.NewIdConflictResolver(e.ModelStores)
	e.Negotiation = idnegotiation.NewService(store, e.Queue, e.ModelStores, e.FKService, e.Conflicts)
	e.Negotiation.DeadlockPendingThreshold = cfg.DeadlockPendingThreshold

	e.Negotiation.RelatedPending = e.countPendingRelated

	e.Executor = retry.New(e.Queue, e.Resolver, e.Dispatcher, e.Negotiation, cfg.Backoff, logger)
	e.Executor.Online = e.Connectivity.Online
	e.Executor.Queues = e.ReqQueue
	e.Executor.Locals = e.ModelStores

	e.Background = background.New(cfg.Background, e.backgroundTick)
	e.Background.Start(ctx)

	e.Connectivity.Subscribe(e.onConnectivityChange)

	return e
}

// backgroundTick is the background.PollFunc driving the retry executor
// on both the foreground and background cadence.
func (e *Engine) backgroundTick(ctx context.Context, forceAll bool) {
	if !e.Connectivity.Online() {
		return
	}
	if _, err := e.Executor.PollOnce(ctx, forceAll, time.Now().UTC()); err != nil {
		e.logger.Warnf("engine: background poll failed: %v", err)
	}
}

// onConnectivityChange cancels in-flight queue work by disposing and
// recreating the three request queues on a transition to offline; an
// online transition wakes the background poller immediately instead of
// waiting for its next tick.
func (e *Engine) onConnectivityChange(online bool) {
	if !online {
		// Dropping the queues cancels in-flight and pending work; the
		// sync queue keeps the durable tasks for replay.
		e.ReqQueue.SetOnline(false)
		return
	}
	e.ReqQueue.SetOnline(true)
	e.Background.NoteActivity()
	go e.backgroundTick(context.Background(), false)
}

// countPendingRelated sums the non-dead queue rows across modelType and
// its cascade-related types, feeding the negotiation service's deadlock
// heuristic.
func (e *Engine) countPendingRelated(ctx context.Context, modelType string) (int, error) {
	seen := map[string]struct{}{modelType: {}}
	for _, rel := range e.ModelInfo.CascadesFor(modelType) {
		seen[rel.TargetType] = struct{}{}
	}
	total := 0
	for t := range seen {
		items, err := e.Queue.GetByType(ctx, t)
		if err != nil {
			return 0, err
		}
		total += len(items)
	}
	return total, nil
}

// ProcessBackgroundSync is the re-entry point for platform background
// tasks: run one due-task pass bounded by a 20s timeout,
// returning an error on overrun instead of leaving the caller blocked
// indefinitely.
func (e *Engine) ProcessBackgroundSync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := e.Executor.PollOnce(ctx, false, time.Now().UTC())
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("engine: processBackgroundSync: %w", ctx.Err())
	}
}

// ObliterateLocalStorage is the engine's destructive reset: clear
// all queues (a pause/resume cycle stands in for "queue-cancel errors
// are accepted"), reset the background poller, delete all queue items,
// truncate every registered repository's table, clear cached repository
// instances (keeping factories — ClearInstances, not Reset), and
// reinitialize the background poller. Never invoked during normal
// operation.
func (e *Engine) ObliterateLocalStorage(ctx context.Context) error {
	e.ReqQueue.CancelAll()
	e.ReqQueue.PauseAll()
	e.Background.Stop()

	items, err := e.Queue.GetAllItems(ctx)
	if err != nil {
		e.logger.Warnf("engine: obliterate: list queue items: %v", err)
	}
	for _, row := range items {
		if err := e.Queue.Delete(ctx, row.ID); err != nil {
			e.logger.Warnf("engine: obliterate: delete queue row %d: %v", row.ID, err)
		}
	}

	for _, repo := range e.Repos.All() {
		if err := repo.TruncateLocal(ctx); err != nil {
			return fmt.Errorf("engine: obliterate: truncate %s: %w", repo.ModelType(), err)
		}
	}

	e.Repos.ClearInstances()

	e.Background = background.New(e.cfg.Background, e.backgroundTick)
	e.Background.Start(ctx)
	e.ReqQueue.ResumeAll()
	return nil
}

// Reset drops both cached repository instances and this Engine's own
// factories by returning a fresh Engine over the same store and config
// (ClearInstances, by contrast, keeps factories). The caller must
// re-register every model's repository via NewRepository after Reset,
// exactly as after Init.
func (e *Engine) Reset(ctx context.Context) *Engine {
	e.Background.Stop()
	e.ReqQueue.PauseAll()
	return Init(ctx, e.cfg, e.store, e.logger)
}

// Shutdown stops the background poller without touching durable state.
func (e *Engine) Shutdown() {
	e.Background.Stop()
}
