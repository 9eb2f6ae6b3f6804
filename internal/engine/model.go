package engine

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/localfirst/syncengine/internal/httpadapter"
	"github.com/localfirst/syncengine/internal/modeldao"
	"github.com/localfirst/syncengine/internal/repository"
	"github.com/localfirst/syncengine/internal/types"
)

// ModelSpec describes one model type's local table and (optional)
// remote resource — the inputs NewRepository needs to wire a
// Repository[T] into an already-Init'd Engine. Application code
// supplies the codecs and relation declarations a per-model code
// generator would otherwise emit.
type ModelSpec[T types.Model] struct {
	ModelType  string
	Table      string
	LocalCodec modeldao.Codec[T]

	// Resource and RemoteCodec/HTTPClient are all required together for
	// a synced model; leave every one zero for a local-only model.
	Resource    string
	RemoteCodec httpadapter.Codec[T]
	HTTPClient  *resty.Client

	CascadeDeletes []types.CascadeDeleteRelation
	ForeignKeys    []types.ForeignKeyRelation
}

// NewRepository declares the spec argument's relations on e.ModelInfo, builds the
// local DAO (and, if Resource is set, the remote HTTP adapter),
// registers both with e's shared routers (id negotiation, sync-status
// write-through, retry dispatch), and constructs+registers a
// Repository[T] on e.Repos for cascade-delete/obliterate dispatch.
func NewRepository[T types.Model](ctx context.Context, e *Engine, spec ModelSpec[T]) (*repository.Repository[T], error) {
	e.ModelInfo.RegisterTable(spec.ModelType, spec.Table)
	for _, rel := range spec.CascadeDeletes {
		e.ModelInfo.RegisterCascadeDelete(spec.ModelType, rel)
	}
	for _, rel := range spec.ForeignKeys {
		e.ModelInfo.RegisterForeignKey(spec.ModelType, rel)
	}
	if len(spec.ForeignKeys) > 0 {
		e.FKService.Refresh(e.ModelInfo.AllForeignKeys())
	}

	dao, err := modeldao.New[T](ctx, e.store, spec.ModelType, spec.Table, spec.LocalCodec)
	if err != nil {
		return nil, fmt.Errorf("engine: new repository %s: %w", spec.ModelType, err)
	}
	e.ModelStores.Register(spec.ModelType, dao)
	e.StatusWriter.Register(spec.ModelType, dao)

	var remote repository.RemoteAdapter[T]
	if spec.Resource != "" {
		client := httpadapter.New[T](spec.HTTPClient, spec.Resource, spec.RemoteCodec)
		e.Dispatcher.Register(spec.ModelType, client.Raw())
		remote = client
	}

	repoCfg := repository.Config{
		DefaultLoadPolicy: e.cfg.DefaultLoadPolicy,
		DefaultSavePolicy: e.cfg.DefaultSavePolicy,
	}
	repo := repository.New[T](
		spec.ModelType,
		dao,
		remote,
		e.Queue,
		e.ReqQueue,
		e.ModelInfo,
		e.Repos,
		e.Negotiation,
		e.Connectivity,
		repoCfg,
		e.logger,
	)
	e.Repos.Register(repo)
	return repo, nil
}
