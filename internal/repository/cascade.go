package repository

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/localfirst/syncengine/internal/queryparams"
	"github.com/localfirst/syncengine/internal/types"
)

// ChildIDsForParent implements AnyRepository for cross-type cascade
// dispatch: list the local rows whose mappedBy column equals parentID.
func (r *Repository[T]) ChildIDsForParent(ctx context.Context, mappedBy, parentID string) ([]string, error) {
	qp := queryparams.FilterByParent(mappedBy, parentID)
	items, err := r.local.List(ctx, qp)
	if err != nil {
		return nil, wrapErr("list children for cascade delete", err)
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.GetID()
	}
	return ids, nil
}

// DeleteWithContext implements AnyRepository, delegating to the
// policy-specific delete path with an already-established cascade
// context (used both by the top-level Delete and by sibling
// repositories recursing into this one as a cascade child).
func (r *Repository[T]) DeleteWithContext(ctx context.Context, id string, policy types.SavePolicy, dctx *DeletionContext) error {
	return r.delete(ctx, id, policy, dctx)
}

// cascadeDeleteChildren fans out over every cascade-delete relation
// registered for this model type: for each relation, find
// the target repository, fetch matching children, and recurse,
// skipping any child already present in dctx (a cycle). Children across
// different relations are deleted concurrently via errgroup; errors are
// logged and do not abort sibling branches or the parent delete.
func (r *Repository[T]) cascadeDeleteChildren(ctx context.Context, parentID string, policy types.SavePolicy, dctx *DeletionContext) {
	rels := r.registry.CascadesFor(r.modelType)
	if len(rels) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rel := range rels {
		rel := rel
		g.Go(func() error {
			r.cascadeOneRelation(gctx, rel, parentID, policy, dctx)
			return nil
		})
	}
	_ = g.Wait() // cascadeOneRelation never returns an error; it only logs
}

func (r *Repository[T]) cascadeOneRelation(ctx context.Context, rel types.CascadeDeleteRelation, parentID string, policy types.SavePolicy, dctx *DeletionContext) {
	child, ok := r.repos.Lookup(rel.TargetType)
	if !ok {
		r.logger.Warnf("cascade delete: no repository registered for target type %q (field %q)", rel.TargetType, rel.FieldName)
		return
	}

	ids, err := child.ChildIDsForParent(ctx, rel.MappedBy, parentID)
	if err != nil {
		r.logger.Warnf("cascade delete: listing children of %q via %q failed: %v", rel.TargetType, rel.MappedBy, err)
		return
	}

	for _, childID := range ids {
		if dctx.Contains(rel.TargetType, childID) {
			r.logger.Warnf("cascade delete: cycle detected at %s/%s, skipping", rel.TargetType, childID)
			continue
		}
		if err := child.DeleteWithContext(ctx, childID, policy, dctx); err != nil {
			r.logger.Warnf("cascade delete: deleting %s/%s failed: %v", rel.TargetType, childID, err)
		}
	}
}
