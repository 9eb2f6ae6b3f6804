// Package repository implements RepositoryBase: the generic
// per-model repository that exposes the public findOne/findAll/save/
// delete/watch API, orchestrating the local store, the sync queue, the
// request-queue manager, ID negotiation, and cascade delete behind
// load/save policies.
//
// A concrete Repository[T] owns a local DAO handle, a remote adapter
// handle, a queue-manager handle, and a registry handle, with the
// per-model type parameter carried by Go generics: explicit struct
// composition, no embedding tricks.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/localfirst/syncengine/internal/idnegotiation"
	"github.com/localfirst/syncengine/internal/modelinfo"
	"github.com/localfirst/syncengine/internal/queryparams"
	"github.com/localfirst/syncengine/internal/requestqueue"
	"github.com/localfirst/syncengine/internal/syncqueue"
	"github.com/localfirst/syncengine/internal/telemetry"
	"github.com/localfirst/syncengine/internal/types"
)

// LocalDAO is the generated per-model local store access the repository
// needs. A reference SQLite-backed implementation lives in
// internal/modeldao; model-specific implementations are generated
// alongside application model types.
type LocalDAO[T types.Model] interface {
	Get(ctx context.Context, id string) (T, error) // types.ErrNotFound if absent
	List(ctx context.Context, qp *queryparams.QueryParams) ([]T, error)
	Exists(ctx context.Context, id string) (bool, error)
	Upsert(ctx context.Context, item T) error
	DeleteRow(ctx context.Context, id string) error
	Truncate(ctx context.Context) error
	// Watch subscribes to this model's table changes, used by watchOne/watchAll.
	Watch() (ch <-chan struct{}, cancel func())
}

// RemoteAdapter is the per-model HTTP adapter contract.
type RemoteAdapter[T types.Model] interface {
	CreateOne(ctx context.Context, item T, headers map[string]string, extra map[string]any) (T, error)
	UpdateOne(ctx context.Context, item T, headers map[string]string, extra map[string]any) (T, error)
	DeleteOne(ctx context.Context, id string, headers map[string]string, extra map[string]any) error
	FetchOne(ctx context.Context, id string, qp *queryparams.QueryParams, headers map[string]string, extra map[string]any) (T, error)
	FetchAll(ctx context.Context, qp *queryparams.QueryParams, headers map[string]string, extra map[string]any) ([]T, error)
	ToJSON(item T) (string, error)
	FromJSON(data string) (T, error)
}

// Connectivity reports whether the engine currently believes it is
// online.
type Connectivity interface {
	Online() bool
}

// Config bounds a single repository's policy defaults.
type Config struct {
	DefaultLoadPolicy types.LoadPolicy
	DefaultSavePolicy types.SavePolicy
}

// DefaultConfig returns the stock policy defaults.
func DefaultConfig() Config {
	return Config{
		DefaultLoadPolicy: types.LoadLocalThenRemote,
		DefaultSavePolicy: types.SaveLocalFirst,
	}
}

// Repository is the generic RepositoryBase for model type T.
// A local-only repository (no RemoteAdapter configured) supports
// localOnly/localFirst operations and degrades save/delete gracefully
// (no sync-queue row, no remote call).
type Repository[T types.Model] struct {
	modelType string
	local     LocalDAO[T]
	remote    RemoteAdapter[T] // nil for a local-only repository
	queue     *syncqueue.SyncQueue
	reqQueue  *requestqueue.Manager
	registry  *modelinfo.Registry
	repos     *Registry // cross-type lookup for cascade delete
	negotiate *idnegotiation.Service
	online    Connectivity
	cfg       Config
	logger    telemetry.Logger

	changes chan types.Change
}

// New constructs a Repository for model type T. repos is the
// cross-type registry used for cascade-delete dispatch; the caller must
// call repos.Register(r) after construction so siblings can find this
// repository by type name.
func New[T types.Model](
	modelType string,
	local LocalDAO[T],
	remote RemoteAdapter[T],
	queue *syncqueue.SyncQueue,
	reqQueue *requestqueue.Manager,
	registry *modelinfo.Registry,
	repos *Registry,
	negotiate *idnegotiation.Service,
	online Connectivity,
	cfg Config,
	logger telemetry.Logger,
) *Repository[T] {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Repository[T]{
		modelType: modelType,
		local:     local,
		remote:    remote,
		queue:     queue,
		reqQueue:  reqQueue,
		registry:  registry,
		repos:     repos,
		negotiate: negotiate,
		online:    online,
		cfg:       cfg,
		logger:    logger,
		changes:   make(chan types.Change, 64),
	}
}

// ModelType returns the constant type name this repository serves.
func (r *Repository[T]) ModelType() string { return r.modelType }

// Changes returns the repository's reactive broadcast stream. Never
// closed by the repository; callers range over it for the repository's
// lifetime.
func (r *Repository[T]) Changes() <-chan types.Change { return r.changes }

func (r *Repository[T]) emit(c types.Change) {
	select {
	case r.changes <- c:
	default:
		// A slow/absent subscriber must never block a mutation; the
		// event is dropped, matching localstore.Notify's own posture.
	}
}

func (r *Repository[T]) isOnline() bool {
	if r.online == nil {
		return true
	}
	return r.online.Online()
}

func (r *Repository[T]) isLocalOnly() bool { return r.remote == nil }

func (r *Repository[T]) resolveLoadPolicy(p *types.LoadPolicy) types.LoadPolicy {
	if p != nil {
		return *p
	}
	return r.cfg.DefaultLoadPolicy
}

func (r *Repository[T]) resolveSavePolicy(p *types.SavePolicy) types.SavePolicy {
	if p != nil {
		return *p
	}
	return r.cfg.DefaultSavePolicy
}

// headersJSON/extraJSON round-trip through the queue row's text columns;
// kept here rather than in syncqueue since only the repository produces
// them from typed HTTP-adapter metadata.
func headersJSON(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	return encodeJSON(m)
}

func extraJSON(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	return encodeJSON(m)
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// now is a seam for tests; production always uses time.Now().
var now = func() time.Time { return time.Now().UTC() }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func errWithOp(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}

func notFoundErr(modelType, id string) error {
	return fmt.Errorf("%s/%s: %w", modelType, id, types.ErrNotFound)
}

// detachedContext strips ctx's cancellation while keeping values, for
// fire-and-forget goroutines (immediate background sync, load-queue
// refreshes) that must outlive the caller's own request context.
func detachedContext(ctx context.Context) context.Context {
	return detached{ctx}
}

type detached struct{ context.Context }

func (detached) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detached) Done() <-chan struct{}       { return nil }
func (detached) Err() error                  { return nil }
