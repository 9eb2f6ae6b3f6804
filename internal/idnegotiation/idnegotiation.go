// Package idnegotiation implements server-ID negotiation: once
// a create round-trips successfully, the server's authoritative id
// replaces the client's temporary one everywhere it was referenced.
//
// Collisions on the server-assigned id resolve through a strategy
// chain: drop the temporary row when the records match, wait out a
// concurrent negotiation, merge by timestamp, or mark the record
// conflicted as the last resort.
package idnegotiation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dario.cat/mergo"
	"github.com/cenkalti/backoff/v4"

	"github.com/localfirst/syncengine/internal/localstore"
	"github.com/localfirst/syncengine/internal/syncqueue"
	"github.com/localfirst/syncengine/internal/types"
)

// ModelRecord is the minimal shape the negotiation service needs from a
// model row: its id, its current (possibly temporary) id-negotiation
// metadata, and a raw field map used by the timestamp-merge strategy.
type ModelRecord struct {
	ID                string
	TemporaryClientID *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Fields            map[string]any
}

// ModelStore is implemented by the repository layer so the negotiation
// service can read/write model rows without importing the repository
// package (same cycle-avoidance shape as syncqueue.StatusWriter).
type ModelStore interface {
	Get(ctx context.Context, modelType, id string) (*ModelRecord, error)
	// ReplaceID swaps oldID for newID in the model's own table inside
	// tx; Service.ReplaceID rewrites the sync-queue rows and the
	// foreign-key columns in that same transaction. Returns
	// ErrModelNoLongerExists if oldID vanished
	// (deleted locally while negotiation was pending).
	ReplaceID(ctx context.Context, tx *sql.Tx, modelType, oldID, newID string) error
	// MergeFields writes a field-by-field merge result back to the
	// model at id (the timestamp-merge strategy's final step).
	MergeFields(ctx context.Context, tx *sql.Tx, modelType, id string, fields map[string]any) error
	// Delete removes a model row outright; the byte-identical and
	// timestamp-merge resolutions both end by discarding the temporary
	// record once its data lives under the server-assigned id.
	Delete(ctx context.Context, modelType, id string) error
	// MarkConflicted flags the model row as unresolved, surfaced to
	// the application via the repository's conflict stream.
	MarkConflicted(ctx context.Context, modelType, id string) error
}

// ForeignKeyUpdateService validates that a rewrite of a model's id would
// not orphan any referencing row, both before attempting the swap (so
// the transaction is never opened on a doomed rewrite) and after (to
// catch a referencing table the registry forgot to declare).
type ForeignKeyUpdateService struct {
	store localstore.Store
	// relations maps a parent model type to the (table, column) pairs
	// in other tables that hold a foreign key to it.
	relations map[string][]types.ForeignKeyRelation
}

// NewForeignKeyUpdateService constructs the FK validator over relations
// registered ahead of time by internal/modelinfo.
func NewForeignKeyUpdateService(store localstore.Store, relations map[string][]types.ForeignKeyRelation) *ForeignKeyUpdateService {
	return &ForeignKeyUpdateService{store: store, relations: relations}
}

// Refresh replaces the validator's relation snapshot, used by the
// engine when a model is registered after construction (a later
// modelinfo.Registry.RegisterForeignKey must be visible to every
// Service already holding this *ForeignKeyUpdateService, since
// id negotiation only ever sees the single shared instance).
func (f *ForeignKeyUpdateService) Refresh(relations map[string][]types.ForeignKeyRelation) {
	f.relations = relations
}

// ValidateBefore checks that replacing oldID with newID under
// parentType would not collide with an existing newID row in any
// referencing table.
func (f *ForeignKeyUpdateService) ValidateBefore(ctx context.Context, parentType, newID string) error {
	for _, rel := range f.relations[parentType] {
		var count int
		err := f.store.QueryRow(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ?`, rel.SourceTable, rel.FKColumn), newID,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("fk pre-validate %s.%s: %w", rel.SourceTable, rel.FKColumn, err)
		}
		if count > 0 {
			return fmt.Errorf("fk pre-validate %s.%s: %d row(s) already reference %s", rel.SourceTable, rel.FKColumn, count, newID)
		}
	}
	return nil
}

// ValidateAfter checks that no referencing row still points at oldID
// once the rewrite transaction has committed.
func (f *ForeignKeyUpdateService) ValidateAfter(ctx context.Context, parentType, oldID string) error {
	for _, rel := range f.relations[parentType] {
		var count int
		err := f.store.QueryRow(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ?`, rel.SourceTable, rel.FKColumn), oldID,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("fk post-validate %s.%s: %w", rel.SourceTable, rel.FKColumn, err)
		}
		if count > 0 {
			return fmt.Errorf("fk post-validate %s.%s: %d stale reference(s) to %s remain", rel.SourceTable, rel.FKColumn, count, oldID)
		}
	}
	return nil
}

// ApplyRewrite executes the cross-table FK rewrite this model's id swap
// requires: for every relation registered against
// parentType, UPDATE sourceTable SET fkColumn=newID WHERE fkColumn=oldID,
// inside the same transaction as the model row and sync-queue rewrites.
func (f *ForeignKeyUpdateService) ApplyRewrite(ctx context.Context, tx *sql.Tx, parentType, oldID, newID string) error {
	for _, rel := range f.relations[parentType] {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`, rel.SourceTable, rel.FKColumn, rel.FKColumn),
			newID, oldID,
		)
		if err != nil {
			return fmt.Errorf("fk rewrite %s.%s: %w", rel.SourceTable, rel.FKColumn, err)
		}
	}
	return nil
}

// ConflictResolution labels which branch of the IdConflictResolver
// strategy chain fired.
type ConflictResolution string

const (
	ResolutionByteIdentical ConflictResolution = "byte_identical"
	ResolutionWaitAndRetry  ConflictResolution = "wait_and_retry"
	ResolutionMerged        ConflictResolution = "merged"
	ResolutionConflicted    ConflictResolution = "conflicted"
)

// IdConflictResolver implements the 4-strategy chain: if a
// row already exists at the server-assigned id and is byte-identical to
// the incoming one, just drop the temporary row; if the existing row is
// itself still temporary, wait and retry (the other negotiation hasn't
// landed yet); otherwise, when the temporary record is strictly newer
// by created_at, merge its non-system, non-nil fields over the existing
// row; if none of that resolves it (including when the existing row is
// the newer one), mark the model conflicted and report it.
type IdConflictResolver struct {
	store      ModelStore
	retryDelay []time.Duration
}

// NewIdConflictResolver constructs a resolver with the stock 1s/2s/4s
// wait-and-retry ladder.
func NewIdConflictResolver(store ModelStore) *IdConflictResolver {
	return &IdConflictResolver{
		store:      store,
		retryDelay: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// Resolve attempts to reconcile modelType/newID already existing locally
// while tx is rewriting oldID -> newID. incoming is the record being
// negotiated; existing is the record already sitting at newID.
func (r *IdConflictResolver) Resolve(ctx context.Context, modelType string, incoming, existing *ModelRecord) (ConflictResolution, error) {
	if fieldsEqual(incoming.Fields, existing.Fields) {
		return ResolutionByteIdentical, nil
	}

	if existing.TemporaryClientID != nil {
		resolved, err := r.waitForNegotiation(ctx, modelType, existing.ID)
		if err != nil {
			return "", err
		}
		if resolved {
			return ResolutionWaitAndRetry, nil
		}
	}

	merged, err := mergeByTimestamp(incoming, existing)
	if err == nil {
		if err := r.store.MergeFields(ctx, nil, modelType, existing.ID, merged); err != nil {
			return "", fmt.Errorf("write merged fields for %s/%s: %w", modelType, existing.ID, err)
		}
		return ResolutionMerged, nil
	}

	if markErr := r.store.MarkConflicted(ctx, modelType, existing.ID); markErr != nil {
		return "", fmt.Errorf("mark conflicted %s/%s: %w", modelType, existing.ID, markErr)
	}
	return ResolutionConflicted, fmt.Errorf("%w: %s/%s", types.ErrIDConflict, modelType, existing.ID)
}

// waitForNegotiation polls the existing row with the 1s/2s/4s ladder
// (backoff.Retry, with backoff.Permanent cutting the loop short on a
// store error) until its temporary-client-id clears, meaning the other
// in-flight negotiation landed.
func (r *IdConflictResolver) waitForNegotiation(ctx context.Context, modelType, id string) (bool, error) {
	bo := backoff.NewConstantBackOff(r.retryDelay[0])
	attempt := 0
	var resolved bool
	err := backoff.Retry(func() error {
		rec, err := r.store.Get(ctx, modelType, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if rec.TemporaryClientID == nil {
			resolved = true
			return nil
		}
		if attempt >= len(r.retryDelay) {
			return backoff.Permanent(fmt.Errorf("negotiation for %s/%s did not settle after %d waits", modelType, id, attempt))
		}
		bo.Interval = r.retryDelay[attempt]
		attempt++
		return fmt.Errorf("still temporary")
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if resolved {
			return true, nil
		}
		return false, nil
	}
	return resolved, nil
}

// mergeByTimestamp copies non-system fields from the temp record into
// the existing one when the temp record is strictly newer by created_at
// (dario.cat/mergo with WithOverride does the copy). Anything else —
// missing timestamps, temp not newer — is not mergeable and falls
// through to the conflict-abort strategy.
func mergeByTimestamp(incoming, existing *ModelRecord) (map[string]any, error) {
	if incoming.CreatedAt.IsZero() || existing.CreatedAt.IsZero() {
		return nil, fmt.Errorf("timestamp merge needs created_at on both records")
	}
	if !incoming.CreatedAt.After(existing.CreatedAt) {
		return nil, fmt.Errorf("temp record is not newer (%s <= %s)", incoming.CreatedAt.Format(time.RFC3339), existing.CreatedAt.Format(time.RFC3339))
	}

	base := make(map[string]any, len(existing.Fields))
	for k, v := range existing.Fields {
		base[k] = v
	}
	overlay := make(map[string]any, len(incoming.Fields))
	for k, v := range incoming.Fields {
		if systemFields[k] || v == nil {
			continue
		}
		overlay[k] = v
	}
	if err := mergo.Merge(&base, overlay, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge fields by timestamp: %w", err)
	}
	base["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	return base, nil
}

// systemFields are excluded from both the byte-identical comparison and
// the timestamp merge: they differ legitimately between a temp record
// and its server-side twin.
var systemFields = map[string]bool{
	"id":             true,
	"created_at":     true,
	"updated_at":     true,
	"last_synced_at": true,
	"sync_status":    true,
}

// fieldsEqual compares two records' non-system fields with null and ""
// treated as equivalent.
func fieldsEqual(a, b map[string]any) bool {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	for k := range keys {
		if systemFields[k] {
			continue
		}
		av, bv := a[k], b[k]
		if isEmptyValue(av) && isEmptyValue(bv) {
			continue
		}
		if fmt.Sprintf("%v", av) != fmt.Sprintf("%v", bv) {
			return false
		}
	}
	return true
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// Service is the IdNegotiationService: it owns the atomic
// id-replacement transaction, delegating FK validation to
// ForeignKeyUpdateService and same-id collisions to IdConflictResolver.
type Service struct {
	store    localstore.Store
	queue    *syncqueue.SyncQueue
	models   ModelStore
	fk       *ForeignKeyUpdateService
	resolver *IdConflictResolver
	// DeadlockPendingThreshold is the deadlock-potential heuristic's
	// cutoff: more than this many
	// pending related tasks for a single model suggests a replay storm
	// is building up and callers should back off before queuing more.
	DeadlockPendingThreshold int
	// RelatedPending counts the non-dead queue rows across the model
	// types cascade-related to modelType, feeding the deadlock check.
	// Nil disables the check.
	RelatedPending func(ctx context.Context, modelType string) (int, error)
	// DeferUnit scales the deadlock deferral (2·2^attempt units);
	// one second in production, shrunk by tests.
	DeferUnit time.Duration
}

// NewService constructs the negotiation service. DeadlockPendingThreshold
// defaults to 5.
func NewService(store localstore.Store, queue *syncqueue.SyncQueue, models ModelStore, fk *ForeignKeyUpdateService, resolver *IdConflictResolver) *Service {
	return &Service{
		store:                    store,
		queue:                    queue,
		models:                   models,
		fk:                       fk,
		resolver:                 resolver,
		DeadlockPendingThreshold: 5,
		DeferUnit:                time.Second,
	}
}

// ReplaceID performs the atomic id swap: FK pre-validation,
// rewrite of the model's own table and every declared FK column plus the
// sync queue's model_id column, all inside one transaction, then FK
// post-validation. If a row already exists at newID, the conflict
// resolver decides the outcome instead of failing outright.
func (s *Service) ReplaceID(ctx context.Context, modelType, oldID, newID string) (ConflictResolution, error) {
	return s.replaceID(ctx, modelType, oldID, newID, 0)
}

// maxWaitAndRetryPasses bounds how many times a wait-and-retry
// resolution re-runs the whole replacement before giving up.
const maxWaitAndRetryPasses = 3

func (s *Service) replaceID(ctx context.Context, modelType, oldID, newID string, pass int) (ConflictResolution, error) {
	if existing, err := s.models.Get(ctx, modelType, newID); err == nil && existing != nil {
		if err := s.deferOnDeadlockPotential(ctx, modelType); err != nil {
			return "", err
		}
		incoming, getErr := s.models.Get(ctx, modelType, oldID)
		if getErr != nil {
			return "", fmt.Errorf("load incoming record for id conflict: %w", getErr)
		}
		resolution, resErr := s.resolver.Resolve(ctx, modelType, incoming, existing)
		switch resolution {
		case ResolutionByteIdentical, ResolutionMerged:
			// The temp record's data now lives under newID; discard the
			// temp row so nothing keeps referencing the dying id.
			if derr := s.models.Delete(ctx, modelType, oldID); derr != nil {
				return resolution, fmt.Errorf("drop temporary record %s/%s: %w", modelType, oldID, derr)
			}
			return resolution, nil
		case ResolutionWaitAndRetry:
			if pass+1 >= maxWaitAndRetryPasses {
				resErr = fmt.Errorf("%w: %s/%s still contested after %d passes", types.ErrIDConflict, modelType, newID, pass+1)
				break
			}
			return s.replaceID(ctx, modelType, oldID, newID, pass+1)
		}
		if resErr != nil {
			if merr := s.queue.MarkNegotiationConflictForModel(ctx, modelType, oldID, resErr.Error()); merr != nil {
				return resolution, merr
			}
		}
		return resolution, resErr
	}

	if err := s.fk.ValidateBefore(ctx, modelType, newID); err != nil {
		return "", fmt.Errorf("id replacement %s: %w", modelType, err)
	}

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.models.ReplaceID(ctx, tx, modelType, oldID, newID); err != nil {
			return err
		}
		if err := s.queue.RewriteModelID(ctx, tx, modelType, oldID, newID); err != nil {
			return err
		}
		return s.fk.ApplyRewrite(ctx, tx, modelType, oldID, newID)
	})
	if err != nil {
		if errIsModelGone(err) {
			return "", fmt.Errorf("id replacement %s/%s: %w", modelType, oldID, types.ErrModelNoLongerExists)
		}
		return "", fmt.Errorf("id replacement %s/%s -> %s: %w", modelType, oldID, newID, err)
	}

	if err := s.fk.ValidateAfter(ctx, modelType, oldID); err != nil {
		return "", fmt.Errorf("id replacement %s: %w", modelType, err)
	}
	return "", nil
}

// deferOnDeadlockPotential waits 2·2^attempt defer units while more
// than DeadlockPendingThreshold related tasks are pending, re-checking
// after each wait. Three checks
// exhaust the deferral; resolution then proceeds regardless, since a
// persistently deep queue is the resolver's problem to untangle, not a
// reason to stall negotiation forever.
func (s *Service) deferOnDeadlockPotential(ctx context.Context, modelType string) error {
	if s.RelatedPending == nil {
		return nil
	}
	for attempt := 0; attempt < 3; attempt++ {
		pending, err := s.RelatedPending(ctx, modelType)
		if err != nil {
			return fmt.Errorf("count pending related tasks for %s: %w", modelType, err)
		}
		if !s.DeadlockPotential(pending) {
			return nil
		}
		wait := time.Duration(2<<attempt) * s.DeferUnit
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// DeadlockPotential reports whether pendingRelated exceeds the
// configured threshold, signalling the caller should pause further
// negotiation attempts for this model.
func (s *Service) DeadlockPotential(pendingRelated int) bool {
	return pendingRelated > s.DeadlockPendingThreshold
}

func errIsModelGone(err error) bool {
	return err != nil && localstore.IsNotFound(err)
}
